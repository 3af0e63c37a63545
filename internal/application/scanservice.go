package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
	"github.com/ericfisherdev/dupescan/internal/metrics"
)

// ScanJobPayload launches a scan: it carries everything a worker needs to
// drive the pipeline for one (repo, account).
type ScanJobPayload struct {
	ScanID    int64 `json:"scanId"`
	RepoID    int64 `json:"repoId"`
	AccountID int64 `json:"accountId"`
	Full      bool  `json:"full"`
	MaxPRs    int   `json:"maxPrs,omitempty"`
}

// IngestJobPayload adds the incremental cutoff to the scan payload.
type IngestJobPayload struct {
	ScanJobPayload
	LastScanAt *time.Time `json:"lastScanAt,omitempty"`
}

// DetectJobPayload carries the ingest snapshot: detection operates on the PR
// numbers this scan ingested, not on whatever is open in the store by the
// time the job runs.
type DetectJobPayload struct {
	ScanID    int64 `json:"scanId"`
	RepoID    int64 `json:"repoId"`
	AccountID int64 `json:"accountId"`
	PRNumbers []int `json:"prNumbers"`
}

// ScanService is the scan orchestrator: it owns the state machine
// queued -> ingesting -> embedding -> detecting -> verifying -> ranking ->
// done, with any intermediate state able to jump to failed. An ingest job
// produces the PR snapshot; a single detect job then runs the remaining
// phases inline, keeping status transitions externally visible between them.
type ScanService struct {
	repos    driven.RepoStore
	prs      driven.PRStore
	scans    driven.ScanStore
	groups   driven.DupeGroupStore
	pairwise driven.PairwiseCacheStore
	queue    *Queue
	resolver ServiceResolver
}

// NewScanService creates the orchestrator over the given stores, queue and
// resolver.
func NewScanService(
	repos driven.RepoStore,
	prs driven.PRStore,
	scans driven.ScanStore,
	groups driven.DupeGroupStore,
	pairwise driven.PairwiseCacheStore,
	queue *Queue,
	resolver ServiceResolver,
) *ScanService {
	return &ScanService{
		repos:    repos,
		prs:      prs,
		scans:    scans,
		groups:   groups,
		pairwise: pairwise,
		queue:    queue,
		resolver: resolver,
	}
}

// RegisterHandlers installs the scan pipeline's job handlers on the pool.
func (s *ScanService) RegisterHandlers(pool *WorkerPool) {
	pool.Register(model.JobTypeScan, s.HandleScanJob)
	pool.Register(model.JobTypeIngest, s.HandleIngestJob)
	pool.Register(model.JobTypeDetect, s.HandleDetectJob)
}

// StartScan creates a scan row and enqueues its scan job. Only one scan may
// be active per (repo, account); a second request while one runs returns the
// existing scan id.
func (s *ScanService) StartScan(ctx context.Context, repoID, accountID int64, full bool, maxPRs int) (int64, error) {
	active, err := s.scans.GetActive(ctx, repoID, accountID)
	if err != nil {
		return 0, fmt.Errorf("check active scan: %w", err)
	}
	if active != nil {
		slog.Info("scan already active", "scan", active.ID, "repo", repoID, "account", accountID)
		return active.ID, nil
	}

	scanID, err := s.scans.Create(ctx, model.Scan{
		RepoID:    repoID,
		AccountID: accountID,
		Status:    model.ScanStatusQueued,
		StartedAt: time.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("create scan: %w", err)
	}

	payload := ScanJobPayload{ScanID: scanID, RepoID: repoID, AccountID: accountID, Full: full, MaxPRs: maxPRs}
	if _, err := s.queue.Enqueue(ctx, model.JobTypeScan, payload); err != nil {
		return 0, fmt.Errorf("enqueue scan job: %w", err)
	}

	slog.Info("scan queued", "scan", scanID, "repo", repoID, "account", accountID, "full", full)
	return scanID, nil
}

// HandleScanJob resolves the incremental cutoff and enqueues the ingest job.
func (s *ScanService) HandleScanJob(ctx context.Context, job *model.Job) error {
	var payload ScanJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("parse scan payload: %w", err)
	}

	scan, ok, err := s.loadRunnableScan(ctx, payload.ScanID)
	if err != nil || !ok {
		return err
	}

	repo, err := s.repos.Get(ctx, payload.RepoID)
	if err != nil {
		return s.failOrRetry(ctx, job, scan, fmt.Errorf("load repo: %w", err))
	}
	if repo == nil {
		return s.failOrRetry(ctx, job, scan, terminal(fmt.Errorf("repo %d not found", payload.RepoID)))
	}

	ingest := IngestJobPayload{ScanJobPayload: payload}
	if !payload.Full {
		ingest.LastScanAt = repo.LastScanAt
	}

	if _, err := s.queue.Enqueue(ctx, model.JobTypeIngest, ingest); err != nil {
		return s.failOrRetry(ctx, job, scan, err)
	}

	return nil
}

// HandleIngestJob runs the ingest phase and enqueues detection with the
// resulting snapshot.
func (s *ScanService) HandleIngestJob(ctx context.Context, job *model.Job) error {
	var payload IngestJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("parse ingest payload: %w", err)
	}

	scan, ok, err := s.loadRunnableScan(ctx, payload.ScanID)
	if err != nil || !ok {
		return err
	}

	if err := s.transition(ctx, scan, model.ScanStatusIngesting); err != nil {
		return err
	}

	svc, err := s.resolver.Resolve(ctx, payload.AccountID)
	if err != nil {
		return s.failOrRetry(ctx, job, scan, terminal(err))
	}

	if err := s.scans.SetProviders(ctx, scan.ID, svc.Chat.Name(), svc.Embedding.Name()); err != nil {
		slog.Error("record scan providers failed", "scan", scan.ID, "error", err)
	}

	repo, err := s.repos.Get(ctx, payload.RepoID)
	if err != nil {
		return s.failOrRetry(ctx, job, scan, fmt.Errorf("load repo: %w", err))
	}
	if repo == nil {
		return s.failOrRetry(ctx, job, scan, terminal(fmt.Errorf("repo %d not found", payload.RepoID)))
	}

	result, err := s.runIngest(ctx, svc, *repo, payload.Full, payload.MaxPRs, payload.LastScanAt)
	if err != nil {
		return s.failOrRetry(ctx, job, scan, err)
	}

	prCount := len(result.PRNumbers)
	if err := s.scans.UpdateStatus(ctx, scan.ID, model.ScanStatusIngesting, driven.ScanUpdate{PRCount: &prCount}); err != nil {
		return s.failOrRetry(ctx, job, scan, terminal(err))
	}

	detect := DetectJobPayload{
		ScanID:    payload.ScanID,
		RepoID:    payload.RepoID,
		AccountID: payload.AccountID,
		PRNumbers: result.PRNumbers,
	}
	if _, err := s.queue.Enqueue(ctx, model.JobTypeDetect, detect); err != nil {
		return s.failOrRetry(ctx, job, scan, err)
	}

	return nil
}

// HandleDetectJob runs intent extraction, embedding, candidate search,
// pairwise verification, grouping and ranking inline, then finalizes the
// scan.
func (s *ScanService) HandleDetectJob(ctx context.Context, job *model.Job) error {
	var payload DetectJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("parse detect payload: %w", err)
	}

	scan, ok, err := s.loadRunnableScan(ctx, payload.ScanID)
	if err != nil || !ok {
		return err
	}

	svc, err := s.resolver.Resolve(ctx, payload.AccountID)
	if err != nil {
		return s.failOrRetry(ctx, job, scan, terminal(err))
	}

	prs, err := s.prs.GetByNumbers(ctx, payload.RepoID, payload.PRNumbers)
	if err != nil {
		return s.failOrRetry(ctx, job, scan, terminal(err))
	}

	// Intent extraction and embedding share the "embedding" status.
	if err := s.transition(ctx, scan, model.ScanStatusEmbedding); err != nil {
		return err
	}
	prs, err = s.runIntent(ctx, svc, scan, prs)
	if err != nil {
		return s.failOrRetry(ctx, job, scan, err)
	}
	if err := s.runEmbed(ctx, svc, scan, payload.RepoID, prs); err != nil {
		return s.failOrRetry(ctx, job, scan, err)
	}

	if err := s.transition(ctx, scan, model.ScanStatusDetecting); err != nil {
		return err
	}
	pairs, err := s.runCandidateSearch(ctx, svc.Vectors, payload.RepoID, prs)
	if err != nil {
		return s.failOrRetry(ctx, job, scan, err)
	}

	prByNumber := make(map[int]model.PullRequest, len(prs))
	for _, pr := range prs {
		prByNumber[pr.Number] = pr
	}

	if err := s.transition(ctx, scan, model.ScanStatusVerifying); err != nil {
		return err
	}
	verdicts, err := s.runVerify(ctx, svc, scan, payload.RepoID, prByNumber, pairs)
	if err != nil {
		return s.failOrRetry(ctx, job, scan, err)
	}

	cliques := extractCliques(verdicts)

	if err := s.transition(ctx, scan, model.ScanStatusRanking); err != nil {
		return err
	}
	groups, err := s.runRank(ctx, svc, scan, cliques, prByNumber)
	if err != nil {
		return s.failOrRetry(ctx, job, scan, err)
	}

	if err := s.groups.ReplaceForScan(ctx, scan.ID, groups); err != nil {
		return s.failOrRetry(ctx, job, scan, terminal(err))
	}

	return s.finalize(ctx, job, scan, payload.RepoID, len(groups))
}

// loadRunnableScan fetches the scan and reports whether the handler should
// proceed. Jobs for deleted or already-finished scans complete silently;
// at-least-once delivery makes such redeliveries routine.
func (s *ScanService) loadRunnableScan(ctx context.Context, scanID int64) (*model.Scan, bool, error) {
	scan, err := s.scans.Get(ctx, scanID)
	if err != nil {
		return nil, false, err
	}
	if scan == nil {
		slog.Warn("job references missing scan", "scan", scanID)
		return nil, false, nil
	}
	if scan.Status.Terminal() {
		slog.Info("job references finished scan", "scan", scanID, "status", scan.Status)
		return nil, false, nil
	}
	return scan, true, nil
}

// transition advances the externally visible scan status.
func (s *ScanService) transition(ctx context.Context, scan *model.Scan, status model.ScanStatus) error {
	if scan.Status == status {
		return nil
	}
	if err := s.scans.UpdateStatus(ctx, scan.ID, status, driven.ScanUpdate{}); err != nil {
		return fmt.Errorf("transition scan %d to %s: %w", scan.ID, status, err)
	}
	scan.Status = status
	slog.Info("scan phase", "scan", scan.ID, "status", status)
	return nil
}

// finalize marks the scan done and stamps the repo's last scan time with the
// scan's start, so the next incremental ingest covers everything updated
// since this one began.
func (s *ScanService) finalize(ctx context.Context, job *model.Job, scan *model.Scan, repoID int64, groupCount int) error {
	now := time.Now()
	var noCursor *model.PhaseCursor

	err := s.scans.UpdateStatus(ctx, scan.ID, model.ScanStatusDone, driven.ScanUpdate{
		CompletedAt:    &now,
		DupeGroupCount: &groupCount,
		PhaseCursor:    &noCursor,
	})
	if err != nil {
		return s.failOrRetry(ctx, job, scan, terminal(err))
	}

	if err := s.repos.SetLastScanAt(ctx, repoID, scan.StartedAt); err != nil {
		slog.Error("stamp last_scan_at failed", "repo", repoID, "error", err)
	}

	metrics.ScansFinished.WithLabelValues(string(model.ScanStatusDone)).Inc()
	slog.Info("scan done", "scan", scan.ID, "dupe_groups", groupCount)
	return nil
}

// failOrRetry routes a phase error. Terminal errors fail the scan
// immediately and consume the job. Transient errors propagate so the queue
// retries with the phase cursor preserved for batch resume; when this was
// the final attempt the scan fails too, since no retry will come.
func (s *ScanService) failOrRetry(ctx context.Context, job *model.Job, scan *model.Scan, phaseErr error) error {
	lastAttempt := job.Attempts+1 >= job.MaxRetries

	if isTerminal(phaseErr) || lastAttempt {
		s.markScanFailed(ctx, scan.ID, phaseErr)
		if isTerminal(phaseErr) {
			return nil
		}
	}

	return phaseErr
}

// markScanFailed records the terminal failure and clears the phase cursor.
func (s *ScanService) markScanFailed(ctx context.Context, scanID int64, phaseErr error) {
	msg := phaseErr.Error()
	var noCursor *model.PhaseCursor

	err := s.scans.UpdateStatus(ctx, scanID, model.ScanStatusFailed, driven.ScanUpdate{
		Error:       &msg,
		PhaseCursor: &noCursor,
	})
	if err != nil {
		slog.Error("mark scan failed errored", "scan", scanID, "error", err)
		return
	}

	metrics.ScansFinished.WithLabelValues(string(model.ScanStatusFailed)).Inc()
	slog.Warn("scan failed", "scan", scanID, "error", msg)
}

func recordTokenMetrics(phase string, usage model.TokenUsage) {
	metrics.ProviderTokens.WithLabelValues(phase, "input").Add(float64(usage.Input))
	metrics.ProviderTokens.WithLabelValues(phase, "output").Add(float64(usage.Output))
}
