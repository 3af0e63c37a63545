package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// PullRequest is a snapshot of a pull request tracked for duplicate
// detection. EmbedHash and IntentSummary are cache fields: they are nulled
// whenever duplicate-relevant content changes, which is the sole mechanism
// forcing recomputation of embeddings and summaries.
type PullRequest struct {
	ID        int64
	RepoID    int64
	Number    int
	Title     string
	Body      string
	Author    string
	State     PRState
	FilePaths []string

	// DiffHash is the stable hash of the normalized diff text. Nil when the
	// diff was too large to fetch.
	DiffHash *string

	// EmbedHash is the content hash last used to compute this PR's vectors.
	// When it equals the current ContentHash, embeddings and the intent
	// summary are reused.
	EmbedHash *string

	// IntentSummary is the last computed natural-language summary of what
	// the PR does.
	IntentSummary *string

	UpdatedAt time.Time
}

// ContentHash returns the short digest of the PR's duplicate-relevant
// content: normalized diff hash, title, body, and file paths. Truncated to
// 16 hex characters, which is collision-resistant enough for cache keys and
// short enough for logs.
func (pr PullRequest) ContentHash() string {
	diffHash := ""
	if pr.DiffHash != nil {
		diffHash = *pr.DiffHash
	}

	var b strings.Builder
	b.WriteString(diffHash)
	b.WriteByte('\n')
	b.WriteString(pr.Title)
	b.WriteByte('\n')
	b.WriteString(pr.Body)
	b.WriteByte('\n')
	b.WriteString(strings.Join(pr.FilePaths, "\n"))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// EmbedCurrent reports whether the stored embed hash matches the current
// content hash, i.e. whether vectors and the intent summary may be reused.
func (pr PullRequest) EmbedCurrent() bool {
	return pr.EmbedHash != nil && *pr.EmbedHash == pr.ContentHash()
}
