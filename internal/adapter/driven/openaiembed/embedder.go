// Package openaiembed implements the EmbeddingProvider port using the
// OpenAI embedding API through langchaingo.
package openaiembed

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/openai"

	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.EmbeddingProvider = (*Embedder)(nil)

// Dimensions of text-embedding-3-small, the default model.
const defaultDimensions = 1536

// maxInputTokens is the documented per-input cap of the OpenAI embedding
// models this adapter targets.
const maxInputTokens = 8191

// Embedder implements the embedding provider port. It is synchronous; batch
// submission strategies are chosen upstream via capability detection.
type Embedder struct {
	llm        *openai.LLM
	model      string
	dimensions int
}

// New creates an embedder for the given API key and model. dimensions may be
// zero to accept the model default.
func New(apiKey, model string, dimensions int) (*Embedder, error) {
	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}

	if dimensions <= 0 {
		dimensions = defaultDimensions
	}

	return &Embedder{
		llm:        llm,
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Name identifies the provider and model for scan bookkeeping.
func (e *Embedder) Name() string {
	return "openai/" + e.model
}

// Dimensions returns the vector dimensionality.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// MaxInputTokens returns the provider's per-input token cap.
func (e *Embedder) MaxInputTokens() int {
	return maxInputTokens
}

// CountTokens estimates the token count of the text.
func (e *Embedder) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

// Embed returns one vector per input text, positionally aligned.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := e.llm.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(texts))
	}

	return vectors, nil
}
