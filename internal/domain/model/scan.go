package model

import "time"

// TokenUsage counts provider tokens consumed in each direction.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Add accumulates another usage into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
}

// PhaseCursor is the per-scan resume token for outstanding provider batches.
// Only the currently running phase's key is meaningful; a nil cursor means no
// batch is outstanding.
type PhaseCursor struct {
	IntentBatchID string `json:"intentBatchId,omitempty"`
	EmbedBatchID  string `json:"embedBatchId,omitempty"`
	VerifyBatchID string `json:"verifyBatchId,omitempty"`
	RankBatchID   string `json:"rankBatchId,omitempty"`
}

// Empty reports whether no batch id is recorded.
func (c PhaseCursor) Empty() bool {
	return c == PhaseCursor{}
}

// Scan is one execution of the duplicate-detection pipeline against one repo
// on behalf of one account.
type Scan struct {
	ID        int64
	RepoID    int64
	AccountID int64
	Status    ScanStatus
	Error     string

	PRCount        int
	DupeGroupCount int

	// Tokens is the aggregate usage across all phases; PhaseTokens breaks it
	// out per phase name ("intent", "verify", "rank").
	Tokens      TokenUsage
	PhaseTokens map[string]TokenUsage

	ChatProvider      string
	EmbeddingProvider string

	PhaseCursor *PhaseCursor

	StartedAt   time.Time
	CompletedAt *time.Time
}
