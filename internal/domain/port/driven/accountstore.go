// Package driven defines the driven ports: persistence stores and the
// external provider contracts consumed by the scan pipeline.
package driven

import (
	"context"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
)

// AccountStore defines the driven port for account persistence.
type AccountStore interface {
	Add(ctx context.Context, account model.Account) (int64, error)
	Get(ctx context.Context, id int64) (*model.Account, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Account, error)
	ListAll(ctx context.Context) ([]model.Account, error)
}
