package driven

import (
	"context"
	"errors"
	"time"
)

// Typed code-host errors. Callers classify with errors.Is.
var (
	// ErrDiffTooLarge means the diff exceeds the host's size limit. The PR is
	// recorded with a null diff hash and the phase continues.
	ErrDiffTooLarge = errors.New("diff too large")
	// ErrRateLimited means the host throttled the request. Transient.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotFound means the repo or PR does not exist.
	ErrNotFound = errors.New("not found")
)

// RemotePR is a pull request's metadata as listed by the code host, before
// files and diff are fetched.
type RemotePR struct {
	Number    int
	Title     string
	Body      string
	Author    string
	State     string // "open", "closed", "merged"
	UpdatedAt time.Time
}

// ListPRsOptions narrows a PR listing. Since selects PRs updated after the
// given time (incremental mode, any state); when zero, open PRs are listed up
// to Max.
type ListPRsOptions struct {
	Max   int
	Since time.Time
}

// Diff is a unified diff body with the host's validator tag for conditional
// refetches.
type Diff struct {
	Body string
	ETag string
}

// CodeHostClient defines the driven port for fetching PR data from the
// hosted code-host API.
type CodeHostClient interface {
	ListPRs(ctx context.Context, owner, name string, opts ListPRsOptions) ([]RemotePR, error)
	GetPRFiles(ctx context.Context, owner, name string, number int) ([]string, error)
	GetPRDiff(ctx context.Context, owner, name string, number int, etag string) (Diff, error)
}
