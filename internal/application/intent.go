package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// runIntent produces a natural-language summary for every PR whose content
// hash no longer matches its stored embed hash. Current PRs are skipped
// entirely; their summaries ride along with the embedding cache. Summaries
// are stamped as they land, but a retried phase summarizes again every PR
// whose embed hash has not been stamped yet.
func (s *ScanService) runIntent(ctx context.Context, svc *Services, scan *model.Scan, prs []model.PullRequest) ([]model.PullRequest, error) {
	var pendingIdx []int
	var reqs []driven.ChatRequest

	for i, pr := range prs {
		if pr.EmbedCurrent() && pr.IntentSummary != nil {
			continue
		}
		pendingIdx = append(pendingIdx, i)
		reqs = append(reqs, buildIntentPrompt(pr))
	}

	if len(reqs) == 0 {
		slog.Info("intent extraction skipped, all summaries current", "scan", scan.ID)
		return prs, nil
	}

	results, err := s.chatAll(ctx, svc.Chat, reqs, scan, cursorIntent)
	if err != nil {
		return nil, fmt.Errorf("intent extraction: %w", err)
	}

	var usage model.TokenUsage
	for n, result := range results {
		usage.Add(result.Usage)

		i := pendingIdx[n]
		if result.Err != nil {
			return nil, fmt.Errorf("intent extraction for #%d: %w", prs[i].Number, result.Err)
		}

		summary, err := parseIntentResponse(result.Content)
		if err != nil {
			return nil, fmt.Errorf("intent extraction for #%d: %w", prs[i].Number, err)
		}

		// Summary is stamped now; embed_hash is stamped only after the
		// vectors land in the embedding phase.
		if err := s.prs.UpdateCacheFields(ctx, prs[i].ID, nil, &summary); err != nil {
			return nil, terminal(err)
		}
		prs[i].IntentSummary = &summary
		prs[i].EmbedHash = nil
	}

	s.recordTokens(ctx, scan.ID, "intent", usage)

	slog.Info("intent extraction complete", "scan", scan.ID, "summarized", len(reqs), "skipped", len(prs)-len(reqs))
	return prs, nil
}

// cursorField selects which batch id a phase owns inside the scan cursor.
type cursorField int

const (
	cursorIntent cursorField = iota
	cursorEmbed
	cursorVerify
	cursorRank
)

func (f cursorField) get(c *model.PhaseCursor) string {
	switch f {
	case cursorIntent:
		return c.IntentBatchID
	case cursorEmbed:
		return c.EmbedBatchID
	case cursorVerify:
		return c.VerifyBatchID
	default:
		return c.RankBatchID
	}
}

func (f cursorField) set(c *model.PhaseCursor, id string) {
	switch f {
	case cursorIntent:
		c.IntentBatchID = id
	case cursorEmbed:
		c.EmbedBatchID = id
	case cursorVerify:
		c.VerifyBatchID = id
	default:
		c.RankBatchID = id
	}
}

// chatAll runs the requests through the provider's batch capability when it
// has one, resuming any batch recorded in the scan cursor, and sequentially
// otherwise. The cursor field is cleared once results are in hand.
func (s *ScanService) chatAll(ctx context.Context, chat driven.ChatProvider, reqs []driven.ChatRequest, scan *model.Scan, field cursorField) ([]driven.ChatResult, error) {
	batcher, ok := chat.(driven.BatchChatProvider)
	if !ok || len(reqs) < 2 {
		results := make([]driven.ChatResult, len(reqs))
		for i, req := range reqs {
			result, err := chat.Chat(ctx, req)
			if err != nil {
				// Per-item transport errors are reported in-band; callers
				// decide whether they abort the phase.
				result = driven.ChatResult{Err: err}
			}
			results[i] = result
		}
		return results, nil
	}

	cursor := model.PhaseCursor{}
	if scan.PhaseCursor != nil {
		cursor = *scan.PhaseCursor
	}

	opts := driven.BatchOptions{
		ExistingBatchID: field.get(&cursor),
		OnBatchCreated: func(batchID string) {
			field.set(&cursor, batchID)
			scan.PhaseCursor = &cursor
			if err := s.scans.SetPhaseCursor(ctx, scan.ID, &cursor); err != nil {
				slog.Error("persist phase cursor failed", "scan", scan.ID, "batch_id", batchID, "error", err)
			}
		},
	}

	results, err := batcher.ChatBatch(ctx, reqs, opts)
	if err != nil {
		return nil, err
	}

	field.set(&cursor, "")
	scan.PhaseCursor = cursorOrNil(cursor)
	if err := s.scans.SetPhaseCursor(ctx, scan.ID, scan.PhaseCursor); err != nil {
		slog.Error("clear phase cursor failed", "scan", scan.ID, "error", err)
	}

	return results, nil
}

func cursorOrNil(c model.PhaseCursor) *model.PhaseCursor {
	if c.Empty() {
		return nil
	}
	return &c
}

// recordTokens accumulates usage on the scan row and the process metrics.
// Bookkeeping failures are logged, not fatal: token accounting never kills a
// phase that already paid for the tokens.
func (s *ScanService) recordTokens(ctx context.Context, scanID int64, phase string, usage model.TokenUsage) {
	if usage == (model.TokenUsage{}) {
		return
	}
	if err := s.scans.AddTokenUsage(ctx, scanID, phase, usage); err != nil {
		slog.Error("record token usage failed", "scan", scanID, "phase", phase, "error", err)
	}
	recordTokenMetrics(phase, usage)
}
