package application

import (
	"errors"

	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// terminalError marks failures that must not be retried: caller errors,
// impossible states, and provider quota exhaustion. The orchestrator fails
// the scan and clears the phase cursor; anything else stays transient and
// flows through the queue's retry policy.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// terminal wraps an error as non-retryable.
func terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// isTerminal reports whether the error must fail the scan without retry.
func isTerminal(err error) bool {
	var t *terminalError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, driven.ErrQuotaExhausted)
}
