package driven

import (
	"context"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
)

// DupeGroupStore defines the driven port for duplicate groups.
type DupeGroupStore interface {
	// ReplaceForScan deletes the scan's existing groups and inserts the given
	// ones with their members in a single transaction, making the ranking
	// phase safely re-runnable.
	ReplaceForScan(ctx context.Context, scanID int64, groups []model.DupeGroup) error
	GetByScan(ctx context.Context, scanID int64) ([]model.DupeGroup, error)
}
