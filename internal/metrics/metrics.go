// Package metrics registers the process's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts job dispatch outcomes (done, retried, failed) per
	// type.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dupescan_jobs_processed_total",
		Help: "Jobs processed by the worker pool, by type and outcome.",
	}, []string{"type", "outcome"})

	// ScansFinished counts scans reaching a terminal state.
	ScansFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dupescan_scans_finished_total",
		Help: "Scans reaching done or failed.",
	}, []string{"status"})

	// ProviderTokens counts provider tokens consumed per phase and direction.
	ProviderTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dupescan_provider_tokens_total",
		Help: "Provider tokens consumed, by phase and direction.",
	}, []string{"phase", "direction"})

	// QueueDepth tracks the number of jobs per status.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dupescan_queue_depth",
		Help: "Jobs currently in each queue status.",
	}, []string{"status"})
)
