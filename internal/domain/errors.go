package domain

import "errors"

var (
	// ErrTransient marks a gateway or feed failure that is safe to retry.
	ErrTransient = errors.New("transient error")
	// ErrRejected marks a gateway failure that must not be retried; the
	// attempt is terminal for the specific order.
	ErrRejected = errors.New("rejected")
	// ErrRateLimited is returned when the exchange or the local limiter
	// throttles a request. Retryable after a pause.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotFound is returned for unknown symbols, orders, and records.
	ErrNotFound = errors.New("not found")
	// ErrPositionActive is returned when a signal targets a symbol that
	// already holds a non-terminal position. The evaluator filters open
	// symbols upstream, so hitting this is an invariant violation.
	ErrPositionActive = errors.New("position already active for symbol")
	// ErrLockHeld is returned when a distributed lock is already held by
	// another party.
	ErrLockHeld = errors.New("lock already held")
)

// Retryable reports whether err represents a failure worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
