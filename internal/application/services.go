package application

import (
	"context"

	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Services bundles the provider handles assembled for one account. Handles
// may be shared across concurrent scans of the same account; rate-limit
// state lives inside each handle and is never duplicated.
type Services struct {
	CodeHost  driven.CodeHostClient
	Chat      driven.ChatProvider
	Embedding driven.EmbeddingProvider
	Vectors   driven.VectorStore
}

// ServiceResolver assembles provider handles for an account, caching them
// per account id. Implemented by the providers package; tests substitute
// fakes.
type ServiceResolver interface {
	Resolve(ctx context.Context, accountID int64) (*Services, error)
}
