package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
)

// ErrQuotaExhausted means the provider rejected the request for billing or
// permission reasons. Terminal: the scan fails without retry.
var ErrQuotaExhausted = errors.New("provider quota exhausted")

// ChatRequest is one prompt for the chat provider. System may be empty.
type ChatRequest struct {
	System string
	Prompt string
}

// ChatResult is the provider's response to a single request. In batch mode a
// per-item failure is reported through Err without failing the whole batch.
type ChatResult struct {
	Content string
	Usage   model.TokenUsage
	Err     error
}

// BatchOptions controls async-batch submission. When ExistingBatchID is set
// the provider resumes polling that batch instead of submitting a new one;
// OnBatchCreated fires with the provider's batch id as soon as a new batch is
// accepted, before any polling, so the caller can persist it for resume.
type BatchOptions struct {
	ExistingBatchID string
	OnBatchCreated  func(batchID string)
}

// ChatProvider defines the driven port for chat completions.
type ChatProvider interface {
	// Name identifies the provider and model for scan bookkeeping.
	Name() string
	// CountTokens estimates the token count of the text.
	CountTokens(text string) int
	Chat(ctx context.Context, req ChatRequest) (ChatResult, error)
}

// BatchChatProvider is the async-batch capability of a chat provider.
// Consumers discover it with a type assertion and fall back to sequential
// Chat calls when absent. Results are positionally aligned with requests.
type BatchChatProvider interface {
	ChatProvider
	ChatBatch(ctx context.Context, reqs []ChatRequest, opts BatchOptions) ([]ChatResult, error)
}

// EmbeddingProvider defines the driven port for text embeddings.
type EmbeddingProvider interface {
	Name() string
	Dimensions() int
	MaxInputTokens() int
	CountTokens(text string) int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// BatchEmbeddingProvider is the async-batch capability of an embedding
// provider, with the same resume contract as BatchChatProvider.
type BatchEmbeddingProvider interface {
	EmbeddingProvider
	EmbedBatch(ctx context.Context, texts []string, opts BatchOptions) ([][]float32, error)
}
