package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
)

// ScanUpdate carries the optional fields of a partial scan status update.
// Only non-nil fields are written.
type ScanUpdate struct {
	Error          *string
	CompletedAt    *time.Time
	PRCount        *int
	DupeGroupCount *int
	// PhaseCursor: the outer pointer selects whether to write the column at
	// all; an inner nil clears it.
	PhaseCursor **model.PhaseCursor
}

// ScanStore defines the driven port for scan rows.
type ScanStore interface {
	Create(ctx context.Context, scan model.Scan) (int64, error)
	Get(ctx context.Context, id int64) (*model.Scan, error)
	// GetActive returns the non-terminal scan for (repo, account), or nil.
	GetActive(ctx context.Context, repoID, accountID int64) (*model.Scan, error)
	UpdateStatus(ctx context.Context, id int64, status model.ScanStatus, upd ScanUpdate) error
	SetPhaseCursor(ctx context.Context, id int64, cursor *model.PhaseCursor) error
	// AddTokenUsage accumulates usage into the aggregate and the named
	// phase's breakdown in a single transaction.
	AddTokenUsage(ctx context.Context, id int64, phase string, usage model.TokenUsage) error
	SetProviders(ctx context.Context, id int64, chatProvider, embeddingProvider string) error
	// Clear deletes every scan and group, nulls all PR cache fields, and
	// clears the pairwise cache. Operational tooling only.
	Clear(ctx context.Context) error
}
