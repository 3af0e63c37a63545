package driven

import (
	"context"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
)

// PRStore defines the driven port for pull request snapshots.
//
// Upsert inserts or updates by (repo_id, number). When an update changes any
// of diff hash, title, body or file paths, the embed hash and intent summary
// are nulled in the same transaction. That invalidation is the sole mechanism
// forcing recomputation downstream.
type PRStore interface {
	Upsert(ctx context.Context, pr model.PullRequest) (*model.PullRequest, error)
	GetByRepo(ctx context.Context, repoID int64) ([]model.PullRequest, error)
	GetByNumbers(ctx context.Context, repoID int64, numbers []int) ([]model.PullRequest, error)
	GetByNumber(ctx context.Context, repoID int64, number int) (*model.PullRequest, error)
	// MarkStaleClosed transitions open PRs whose number is not in openNumbers
	// to closed. An empty openNumbers closes every open PR. Returns the number
	// of rows transitioned.
	MarkStaleClosed(ctx context.Context, repoID int64, openNumbers []int) (int64, error)
	// UpdateCacheFields stamps both cache columns atomically. Nil writes NULL.
	UpdateCacheFields(ctx context.Context, prID int64, embedHash, intentSummary *string) error
}
