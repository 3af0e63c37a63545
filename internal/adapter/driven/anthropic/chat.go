// Package anthropic implements the ChatProvider port, including the
// async-batch capability, using the official Anthropic SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.ChatProvider      = (*Client)(nil)
	_ driven.BatchChatProvider = (*Client)(nil)
)

const (
	defaultMaxTokens = 2048

	// Message batches complete within minutes to hours; polling backs off
	// progressively and gives up at the hard deadline.
	batchPollInitial  = 10 * time.Second
	batchPollMax      = 2 * time.Minute
	batchPollDeadline = 4 * time.Hour
)

// Client implements the chat provider ports against the Anthropic API.
type Client struct {
	client anthropic.Client
	model  string
}

// NewClient creates a chat client for the given API key and model id.
func NewClient(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name identifies the provider and model for scan bookkeeping.
func (c *Client) Name() string {
	return "anthropic/" + c.model
}

// CountTokens estimates the token count of the text. The ~4 chars/token
// heuristic overestimates slightly for code, which keeps batch sizing on the
// safe side of provider caps.
func (c *Client) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

// Chat sends a single synchronous message request.
func (c *Client) Chat(ctx context.Context, req driven.ChatRequest) (driven.ChatResult, error) {
	msg, err := c.client.Messages.New(ctx, c.messageParams(req))
	if err != nil {
		return driven.ChatResult{}, mapError("chat", err)
	}

	return driven.ChatResult{
		Content: textContent(msg),
		Usage: model.TokenUsage{
			Input:  msg.Usage.InputTokens,
			Output: msg.Usage.OutputTokens,
		},
	}, nil
}

// ChatBatch submits the requests as one message batch and polls until it
// ends. When opts.ExistingBatchID is set, the client resumes polling that
// batch instead of submitting a new one. Per-item failures come back as
// ChatResult.Err entries; the batch itself still succeeds.
func (c *Client) ChatBatch(ctx context.Context, reqs []driven.ChatRequest, opts driven.BatchOptions) ([]driven.ChatResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	// Custom ids correlate batch results back to request positions. They are
	// derived deterministically from position and prompt so a restarted
	// process resuming an existing batch recomputes the same ids.
	ids := make([]string, len(reqs))
	indexByID := make(map[string]int, len(reqs))
	for i, req := range reqs {
		ids[i] = uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%d\n%s\n%s", i, req.System, req.Prompt))).String()
		indexByID[ids[i]] = i
	}

	batchID := opts.ExistingBatchID
	if batchID == "" {
		batchReqs := make([]anthropic.MessageBatchNewParamsRequest, len(reqs))
		for i, req := range reqs {
			params := c.messageParams(req)
			batchReqs[i] = anthropic.MessageBatchNewParamsRequest{
				CustomID: ids[i],
				Params: anthropic.MessageBatchNewParamsRequestParams{
					Model:     params.Model,
					MaxTokens: params.MaxTokens,
					System:    params.System,
					Messages:  params.Messages,
				},
			}
		}

		batch, err := c.client.Messages.Batches.New(ctx, anthropic.MessageBatchNewParams{Requests: batchReqs})
		if err != nil {
			return nil, mapError("create message batch", err)
		}
		batchID = batch.ID

		if opts.OnBatchCreated != nil {
			opts.OnBatchCreated(batchID)
		}
		slog.Info("message batch created", "batch_id", batchID, "requests", len(reqs))
	} else {
		slog.Info("resuming message batch", "batch_id", batchID)
	}

	if err := c.pollBatch(ctx, batchID); err != nil {
		return nil, err
	}

	return c.collectResults(ctx, batchID, indexByID, len(reqs))
}

func (c *Client) pollBatch(ctx context.Context, batchID string) error {
	ctx, cancel := context.WithTimeout(ctx, batchPollDeadline)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = batchPollInitial
	bo.Multiplier = 1.7
	bo.MaxInterval = batchPollMax
	bo.MaxElapsedTime = 0

	for {
		batch, err := c.client.Messages.Batches.Get(ctx, batchID)
		if err != nil {
			return mapError("poll message batch", err)
		}
		if batch.ProcessingStatus == anthropic.MessageBatchProcessingStatusEnded {
			return nil
		}

		wait := bo.NextBackOff()
		slog.Debug("message batch in progress", "batch_id", batchID, "next_poll", wait)

		select {
		case <-ctx.Done():
			return fmt.Errorf("message batch %s did not end before deadline: %w", batchID, ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (c *Client) collectResults(ctx context.Context, batchID string, indexByID map[string]int, n int) ([]driven.ChatResult, error) {
	results := make([]driven.ChatResult, n)
	for i := range results {
		results[i] = driven.ChatResult{Err: fmt.Errorf("no result returned for request %d", i)}
	}

	stream := c.client.Messages.Batches.ResultsStreaming(ctx, batchID)
	for stream.Next() {
		entry := stream.Current()

		idx, ok := indexByID[entry.CustomID]
		if !ok {
			continue
		}

		switch result := entry.Result.AsAny().(type) {
		case anthropic.MessageBatchSucceededResult:
			results[idx] = driven.ChatResult{
				Content: textContent(&result.Message),
				Usage: model.TokenUsage{
					Input:  result.Message.Usage.InputTokens,
					Output: result.Message.Usage.OutputTokens,
				},
			}
		case anthropic.MessageBatchErroredResult:
			results[idx] = driven.ChatResult{Err: fmt.Errorf("batch item errored: %s", result.Error.RawJSON())}
		case anthropic.MessageBatchCanceledResult:
			results[idx] = driven.ChatResult{Err: errors.New("batch item canceled")}
		case anthropic.MessageBatchExpiredResult:
			results[idx] = driven.ChatResult{Err: errors.New("batch item expired")}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, mapError("stream batch results", err)
	}

	return results, nil
}

func (c *Client) messageParams(req driven.ChatRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

func textContent(msg *anthropic.Message) string {
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}

// mapError classifies SDK errors. Payment and permission failures are
// terminal; everything else stays retryable through the queue.
func mapError(op string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusPaymentRequired, http.StatusForbidden:
			return fmt.Errorf("%s: %w: %v", op, driven.ErrQuotaExhausted, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
