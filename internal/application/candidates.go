package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Candidate search tuning. Embedding search prunes the O(N^2) pair space to
// roughly O(N*K) before the expensive verification step.
const (
	candidateNeighbors = 5
	intentThreshold    = 0.65
	codeThreshold      = 0.85
)

// runCandidateSearch queries each PR's neighbors in the intent collection
// and, with a stricter threshold, the code collection. The union of both
// sources forms the deduplicated candidate pair set.
func (s *ScanService) runCandidateSearch(ctx context.Context, vectors driven.VectorStore, repoID int64, prs []model.PullRequest) ([]model.CandidatePair, error) {
	inSnapshot := make(map[int]bool, len(prs))
	for _, pr := range prs {
		inSnapshot[pr.Number] = true
	}

	seen := map[string]model.CandidatePair{}

	collect := func(collection string, threshold float64) error {
		for _, pr := range prs {
			vec, err := vectors.GetVector(ctx, collection, vectorPointID(repoID, pr.Number, kindOf(collection)))
			if err != nil {
				return err
			}
			if vec == nil {
				// A PR without a stored vector produces no candidates.
				continue
			}

			hits, err := vectors.Search(ctx, collection, vec, driven.SearchOptions{
				// One extra to absorb the self-hit.
				Limit:  candidateNeighbors + 1,
				Filter: map[string]string{"repo_id": strconv.FormatInt(repoID, 10)},
			})
			if err != nil {
				return err
			}

			for _, hit := range hits {
				neighbor, ok := prNumberFromPayload(hit.Payload)
				if !ok || neighbor == pr.Number {
					continue
				}
				if !inSnapshot[neighbor] {
					continue
				}
				if hit.Score < threshold {
					continue
				}

				pair := model.NewCandidatePair(pr.Number, neighbor)
				seen[pair.Key()] = pair
			}
		}
		return nil
	}

	if err := collect(intentCollection, intentThreshold); err != nil {
		return nil, fmt.Errorf("intent candidate search: %w", err)
	}
	if err := collect(codeCollection, codeThreshold); err != nil {
		return nil, fmt.Errorf("code candidate search: %w", err)
	}

	pairs := make([]model.CandidatePair, 0, len(seen))
	for _, pair := range seen {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].NumA != pairs[j].NumA {
			return pairs[i].NumA < pairs[j].NumA
		}
		return pairs[i].NumB < pairs[j].NumB
	})

	slog.Info("candidate search complete", "repo", repoID, "prs", len(prs), "pairs", len(pairs))
	return pairs, nil
}

func kindOf(collection string) string {
	if collection == codeCollection {
		return "code"
	}
	return "intent"
}
