package driven

import (
	"context"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
)

// PairwiseCacheStore defines the driven port for the content-addressed
// pairwise verdict cache.
type PairwiseCacheStore interface {
	// Get returns a "minNum-maxNum" keyed map for queries whose stored hashes
	// both match. Missing and hash-mismatched entries are silently omitted.
	Get(ctx context.Context, repoID int64, queries []model.PairQuery) (map[string]model.PairVerdict, error)
	// Put inserts or replaces the entries atomically.
	Put(ctx context.Context, repoID int64, entries []model.PairCacheEntry) error
}
