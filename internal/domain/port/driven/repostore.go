package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
)

// RepoStore defines the driven port for tracked-repository persistence.
// Deleting a repo cascades to its PRs, scans, groups and pairwise cache
// entries.
type RepoStore interface {
	Add(ctx context.Context, repo model.Repository) (int64, error)
	Get(ctx context.Context, id int64) (*model.Repository, error)
	GetByName(ctx context.Context, owner, name string) (*model.Repository, error)
	ListAll(ctx context.Context) ([]model.Repository, error)
	SetLastScanAt(ctx context.Context, id int64, t time.Time) error
	Delete(ctx context.Context, id int64) error
	// Clear deletes every repo and, via cascade, all PRs, scans, groups and
	// cache entries. Operational tooling only.
	Clear(ctx context.Context) error
}
