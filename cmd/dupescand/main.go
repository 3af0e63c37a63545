package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	sqliteadapter "github.com/ericfisherdev/dupescan/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/dupescan/internal/adapter/providers"
	"github.com/ericfisherdev/dupescan/internal/application"
	"github.com/ericfisherdev/dupescan/internal/config"
	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on malformed env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
		"poll_interval", cfg.PollInterval,
		"metrics_addr", cfg.MetricsAddr,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire adapters.
	accountStore := sqliteadapter.NewAccountRepo(db)
	repoStore := sqliteadapter.NewRepoRepo(db)
	prStore := sqliteadapter.NewPRRepo(db)
	scanStore := sqliteadapter.NewScanRepo(db)
	groupStore := sqliteadapter.NewGroupRepo(db)
	pairwiseStore := sqliteadapter.NewPairwiseRepo(db)
	jobStore := sqliteadapter.NewJobRepo(db)
	vectorStore := sqliteadapter.NewVectorRepo(db)

	// 6. Seed the default account when credentials are configured and no
	// account exists yet.
	if err := seedDefaultAccount(ctx, cfg, accountStore); err != nil {
		return err
	}

	// 7. Assemble the scan pipeline: queue, resolver, orchestrator, workers.
	queue := application.NewQueue(jobStore)
	resolver := providers.NewResolver(accountStore, vectorStore)
	scanSvc := application.NewScanService(repoStore, prStore, scanStore, groupStore, pairwiseStore, queue, resolver)

	pool := application.NewWorkerPool(queue, cfg.Workers, cfg.PollInterval)
	scanSvc.RegisterHandlers(pool)
	pool.Start(ctx)

	// 7b. Sample queue depth for the metrics endpoint.
	go sampleQueueDepth(ctx, jobStore)

	// 8. Expose Prometheus metrics.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics server starting", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	slog.Info("dupescand started", "workers", cfg.Workers)

	// 9. Wait for shutdown signal, then drain.
	<-ctx.Done()
	slog.Info("shutting down")

	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// seedDefaultAccount creates the bootstrap account on first start so scans
// can be enqueued without a control plane.
func seedDefaultAccount(ctx context.Context, cfg *config.Config, accounts *sqliteadapter.AccountRepo) error {
	if !cfg.CanBootstrap() {
		return nil
	}

	existing, err := accounts.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	providerCfg := map[string]any{
		"github": map[string]string{"token": cfg.GitHubToken},
		"chat": map[string]string{
			"provider": "anthropic",
			"api_key":  cfg.AnthropicAPIKey,
			"model":    cfg.AnthropicModel,
		},
		"embedding": map[string]any{
			"provider":   "openai",
			"api_key":    cfg.OpenAIAPIKey,
			"model":      cfg.EmbeddingModel,
			"dimensions": cfg.EmbeddingDims,
		},
	}
	blob, err := json.Marshal(providerCfg)
	if err != nil {
		return fmt.Errorf("marshal provider config: %w", err)
	}

	id, err := accounts.Add(ctx, model.Account{
		Name:           cfg.AccountName,
		APIKey:         cfg.AccountAPIKey,
		ProviderConfig: string(blob),
	})
	if err != nil {
		return fmt.Errorf("seed default account: %w", err)
	}

	slog.Info("default account seeded", "account", id, "name", cfg.AccountName)
	return nil
}

// sampleQueueDepth refreshes the queue depth gauges every few seconds.
func sampleQueueDepth(ctx context.Context, jobs *sqliteadapter.JobRepo) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := jobs.CountByStatus(ctx)
			if err != nil {
				slog.Debug("queue depth sample failed", "error", err)
				continue
			}
			for _, status := range []model.JobStatus{
				model.JobStatusQueued, model.JobStatusRunning, model.JobStatusDone, model.JobStatusFailed,
			} {
				metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
			}
		}
	}
}
