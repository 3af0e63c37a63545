package application

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Vector collections. One per signal; point ids are stable strings of the
// shape "<repoID>-<prNumber>-{code|intent}".
const (
	codeCollection   = "pr_code_v1"
	intentCollection = "pr_intent_v1"
)

const (
	// embedRequestFraction of the provider's max input tokens bounds one
	// synchronous embedding request.
	embedRequestFraction = 0.9

	// asyncChunkTokenCap keeps total enqueued tokens per async chunk under a
	// conservative org-level limit (2.8M against a 3M cap). Chunks submit
	// sequentially so each completion frees quota for the next.
	asyncChunkTokenCap = 2_800_000
)

func vectorPointID(repoID int64, number int, kind string) string {
	return fmt.Sprintf("%d-%d-%s", repoID, number, kind)
}

// prNumberFromPayload reads the PR number a point belongs to.
func prNumberFromPayload(payload map[string]string) (int, bool) {
	n, err := strconv.Atoi(payload["pr_number"])
	if err != nil {
		return 0, false
	}
	return n, true
}

// runEmbed computes and stores the code and intent vectors for every PR
// whose content changed since its last embedding, then stamps embed_hash.
// PRs whose hash matches are verified against the store with a vector probe
// and re-embedded if the probe comes back empty.
func (s *ScanService) runEmbed(ctx context.Context, svc *Services, scan *model.Scan, repoID int64, prs []model.PullRequest) error {
	dim := svc.Embedding.Dimensions()
	if err := svc.Vectors.EnsureCollection(ctx, codeCollection, dim); err != nil {
		return terminal(err)
	}
	if err := svc.Vectors.EnsureCollection(ctx, intentCollection, dim); err != nil {
		return terminal(err)
	}

	pending, err := s.embedPending(ctx, svc, repoID, prs)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		slog.Info("embedding skipped, all vectors current", "scan", scan.ID)
		return nil
	}

	if batcher, ok := svc.Embedding.(driven.BatchEmbeddingProvider); ok {
		err = s.embedAsync(ctx, batcher, svc.Vectors, scan, repoID, pending)
	} else {
		err = s.embedSync(ctx, svc.Embedding, svc.Vectors, repoID, pending)
	}
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}

	slog.Info("embedding complete", "scan", scan.ID, "embedded", len(pending), "skipped", len(prs)-len(pending))
	return nil
}

// embedTask is one PR's embedding work: both texts plus the hash to stamp on
// success.
type embedTask struct {
	pr         model.PullRequest
	hash       string
	codeText   string
	intentText string
	tokens     int
}

func (s *ScanService) embedPending(ctx context.Context, svc *Services, repoID int64, prs []model.PullRequest) ([]embedTask, error) {
	budget := int(float64(svc.Embedding.MaxInputTokens()) * embedRequestFraction)

	var pending []embedTask
	for _, pr := range prs {
		if pr.EmbedCurrent() {
			// Hash says current; trust it only if the vectors actually exist.
			code, err := svc.Vectors.GetVector(ctx, codeCollection, vectorPointID(repoID, pr.Number, "code"))
			if err != nil {
				return nil, err
			}
			intent, err := svc.Vectors.GetVector(ctx, intentCollection, vectorPointID(repoID, pr.Number, "intent"))
			if err != nil {
				return nil, err
			}
			if code != nil && intent != nil {
				continue
			}
		}

		task := embedTask{
			pr:         pr,
			hash:       pr.ContentHash(),
			codeText:   truncateToTokens(svc.Embedding, codeText(pr), budget),
			intentText: truncateToTokens(svc.Embedding, intentText(pr), budget),
		}
		task.tokens = svc.Embedding.CountTokens(task.codeText) + svc.Embedding.CountTokens(task.intentText)
		pending = append(pending, task)
	}

	return pending, nil
}

// codeText is the embedding input for the code signal: the changed paths.
func codeText(pr model.PullRequest) string {
	return strings.Join(pr.FilePaths, "\n")
}

// intentText is the embedding input for the intent signal: title, body,
// summary and paths, highest-signal first.
func intentText(pr model.PullRequest) string {
	parts := []string{pr.Title, pr.Body}
	if pr.IntentSummary != nil {
		parts = append(parts, *pr.IntentSummary)
	}
	parts = append(parts, strings.Join(pr.FilePaths, "\n"))
	return strings.Join(parts, "\n\n")
}

// truncateToTokens cuts the text down to the provider's token budget using
// the provider's own counter.
func truncateToTokens(provider driven.EmbeddingProvider, text string, budget int) string {
	if provider.CountTokens(text) <= budget {
		return text
	}
	// Binary-search the longest prefix under budget.
	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if provider.CountTokens(text[:mid]) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return text[:lo]
}

// embedSync issues one request batch at a time, with the code and intent
// requests of each batch in flight concurrently.
func (s *ScanService) embedSync(ctx context.Context, provider driven.EmbeddingProvider, vectors driven.VectorStore, repoID int64, pending []embedTask) error {
	budget := int(float64(provider.MaxInputTokens()) * embedRequestFraction)

	for _, batch := range chunkTasks(pending, budget) {
		codeTexts := make([]string, len(batch))
		intentTexts := make([]string, len(batch))
		for i, task := range batch {
			codeTexts[i] = task.codeText
			intentTexts[i] = task.intentText
		}

		var codeVecs, intentVecs [][]float32
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			codeVecs, err = provider.Embed(gctx, codeTexts)
			return err
		})
		g.Go(func() error {
			var err error
			intentVecs, err = provider.Embed(gctx, intentTexts)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}

		if err := s.storeVectors(ctx, vectors, repoID, batch, codeVecs, intentVecs); err != nil {
			return err
		}
	}

	return nil
}

// embedAsync submits PR chunks as provider batches, sequentially so total
// enqueued tokens stay under the org cap. Each chunk's texts are code
// vectors followed by intent vectors, so a single batch id covers both
// signals; the id is persisted in the scan cursor before polling begins and
// cleared after the chunk's vectors and hash stamps land. On restart the
// recomputed pending set excludes stamped PRs, so the in-flight chunk is the
// first one recomputed and the recorded batch id resumes it.
func (s *ScanService) embedAsync(ctx context.Context, provider driven.BatchEmbeddingProvider, vectors driven.VectorStore, scan *model.Scan, repoID int64, pending []embedTask) error {
	cursor := model.PhaseCursor{}
	if scan.PhaseCursor != nil {
		cursor = *scan.PhaseCursor
	}

	for _, chunk := range chunkTasks(pending, asyncChunkTokenCap) {
		texts := make([]string, 0, 2*len(chunk))
		for _, task := range chunk {
			texts = append(texts, task.codeText)
		}
		for _, task := range chunk {
			texts = append(texts, task.intentText)
		}

		opts := driven.BatchOptions{
			ExistingBatchID: cursor.EmbedBatchID,
			OnBatchCreated: func(batchID string) {
				cursor.EmbedBatchID = batchID
				scan.PhaseCursor = &cursor
				if err := s.scans.SetPhaseCursor(ctx, scan.ID, &cursor); err != nil {
					slog.Error("persist phase cursor failed", "scan", scan.ID, "batch_id", batchID, "error", err)
				}
			},
		}

		vecs, err := provider.EmbedBatch(ctx, texts, opts)
		if err != nil {
			return err
		}
		if len(vecs) != len(texts) {
			return terminal(fmt.Errorf("embedding batch returned %d vectors, want %d", len(vecs), len(texts)))
		}

		if err := s.storeVectors(ctx, vectors, repoID, chunk, vecs[:len(chunk)], vecs[len(chunk):]); err != nil {
			return err
		}

		// Chunk complete; quota freed and resume point advanced.
		cursor.EmbedBatchID = ""
		scan.PhaseCursor = cursorOrNil(cursor)
		if err := s.scans.SetPhaseCursor(ctx, scan.ID, scan.PhaseCursor); err != nil {
			slog.Error("clear phase cursor failed", "scan", scan.ID, "error", err)
		}
	}

	return nil
}

// chunkTasks splits tasks into groups whose token sum stays under the cap.
// A single oversized task still gets its own chunk.
func chunkTasks(tasks []embedTask, capTokens int) [][]embedTask {
	var chunks [][]embedTask
	var current []embedTask
	var total int

	for _, task := range tasks {
		if len(current) > 0 && total+task.tokens > capTokens {
			chunks = append(chunks, current)
			current = nil
			total = 0
		}
		current = append(current, task)
		total += task.tokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}

	return chunks
}

// storeVectors upserts both vectors of each task and stamps embed_hash. The
// stamp is atomic with the already-persisted intent summary, closing the
// cache loop for warm scans.
func (s *ScanService) storeVectors(ctx context.Context, vectors driven.VectorStore, repoID int64, tasks []embedTask, codeVecs, intentVecs [][]float32) error {
	if len(codeVecs) != len(tasks) || len(intentVecs) != len(tasks) {
		return terminal(fmt.Errorf("vector count mismatch: %d code, %d intent, want %d", len(codeVecs), len(intentVecs), len(tasks)))
	}

	for i, task := range tasks {
		payload := map[string]string{
			"repo_id":   strconv.FormatInt(repoID, 10),
			"pr_number": strconv.Itoa(task.pr.Number),
		}

		if err := vectors.Upsert(ctx, codeCollection, []driven.VectorPoint{{
			ID:      vectorPointID(repoID, task.pr.Number, "code"),
			Vector:  codeVecs[i],
			Payload: payload,
		}}); err != nil {
			return err
		}
		if err := vectors.Upsert(ctx, intentCollection, []driven.VectorPoint{{
			ID:      vectorPointID(repoID, task.pr.Number, "intent"),
			Vector:  intentVecs[i],
			Payload: payload,
		}}); err != nil {
			return err
		}

		hash := task.hash
		if err := s.prs.UpdateCacheFields(ctx, task.pr.ID, &hash, task.pr.IntentSummary); err != nil {
			return terminal(err)
		}
	}

	return nil
}
