package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// runVerify resolves each candidate pair to a verdict, consulting the
// pairwise cache first. Misses go to the chat provider; successful verdicts,
// negative ones included, are written back bound to both PRs' current
// hashes. Provider or parse failures on a single pair never abort the phase:
// they record as error verdicts that are neither cached nor treated as
// duplicates.
func (s *ScanService) runVerify(ctx context.Context, svc *Services, scan *model.Scan, repoID int64, prByNumber map[int]model.PullRequest, pairs []model.CandidatePair) (map[string]model.PairVerdict, error) {
	queries := make([]model.PairQuery, 0, len(pairs))
	for _, pair := range pairs {
		queries = append(queries, model.PairQuery{
			Pair:  pair,
			HashA: prByNumber[pair.NumA].ContentHash(),
			HashB: prByNumber[pair.NumB].ContentHash(),
		})
	}

	verdicts, err := s.pairwise.Get(ctx, repoID, queries)
	if err != nil {
		return nil, terminal(fmt.Errorf("pairwise cache lookup: %w", err))
	}
	cacheHits := len(verdicts)

	var missQueries []model.PairQuery
	var reqs []driven.ChatRequest
	for _, q := range queries {
		if _, ok := verdicts[q.Pair.Key()]; ok {
			continue
		}
		missQueries = append(missQueries, q)
		reqs = append(reqs, buildVerifyPrompt(prByNumber[q.Pair.NumA], prByNumber[q.Pair.NumB]))
	}

	if len(reqs) > 0 {
		results, err := s.chatAll(ctx, svc.Chat, reqs, scan, cursorVerify)
		if err != nil {
			return nil, fmt.Errorf("pairwise verification: %w", err)
		}

		var usage model.TokenUsage
		var entries []model.PairCacheEntry

		for i, result := range results {
			usage.Add(result.Usage)
			q := missQueries[i]

			var verdict model.PairVerdict
			switch {
			case result.Err != nil:
				verdict = model.PairVerdict{
					Relationship: model.RelationshipError,
					Rationale:    result.Err.Error(),
				}
			default:
				parsed, parseErr := parseVerdictResponse(result.Content)
				if parseErr != nil {
					verdict = model.PairVerdict{
						Relationship: model.RelationshipParseError,
						Rationale:    parseErr.Error(),
					}
				} else {
					verdict = parsed
				}
			}

			verdicts[q.Pair.Key()] = verdict

			if !verdict.Errored() {
				entries = append(entries, model.PairCacheEntry{
					Pair:    q.Pair,
					HashA:   q.HashA,
					HashB:   q.HashB,
					Verdict: verdict,
				})
			}
		}

		if err := s.pairwise.Put(ctx, repoID, entries); err != nil {
			return nil, terminal(fmt.Errorf("pairwise cache write: %w", err))
		}

		s.recordTokens(ctx, scan.ID, "verify", usage)
	}

	slog.Info("pairwise verification complete",
		"scan", scan.ID,
		"pairs", len(pairs),
		"cache_hits", cacheHits,
		"verified", len(reqs),
	)
	return verdicts, nil
}
