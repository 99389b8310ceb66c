// internal/matchmaking/errors.go
package matchmaking

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentityUnavailable means the caller has no active session. Fatal, no retry.
	ErrIdentityUnavailable = errors.New("must provide identity")
	// ErrStoreWriteFailed covers ticket inserts and room creation. Fatal for the attempt.
	ErrStoreWriteFailed = errors.New("store write failed")
	// ErrStoreReadFailed covers candidate lookups and poll reads. Transient.
	ErrStoreReadFailed = errors.New("store read failed")
	// ErrConditionalAssignLost is a race outcome, handled by searching again.
	ErrConditionalAssignLost = errors.New("conditional assign lost")
	// ErrChannelSubscriptionFailed degrades the push path; polling carries on.
	ErrChannelSubscriptionFailed = errors.New("channel subscription failed")
	// ErrCancelled is returned when the caller cancels before a match.
	ErrCancelled = errors.New("matching cancelled")
	// ErrTicketVanished means the host's own ticket disappeared before it was matched,
	// e.g. swept by the janitor or removed by a newer session under the same handle.
	ErrTicketVanished = errors.New("waiting ticket vanished")
)

// MatchError records which protocol step failed and why.
type MatchError struct {
	Kind error  // one of the sentinel errors above
	Op   string // e.g. "insert ticket"
	Err  error  // underlying cause, may be nil
}

func (e *MatchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *MatchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newMatchError(kind error, op string, err error) *MatchError {
	return &MatchError{Kind: kind, Op: op, Err: err}
}

// Retryable reports whether restarting StartMatching from scratch makes sense after err.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrIdentityUnavailable), errors.Is(err, ErrCancelled):
		return false
	default:
		return true
	}
}
