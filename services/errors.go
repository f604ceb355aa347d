package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound covers resolution failures: unknown path segments,
	// unknown conversation ids, approvals that do not exist or are no
	// longer pending.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned for operations on a record whose state
	// forbids them, such as deciding a terminal approval.
	ErrInvalidState = errors.New("invalid state")

	// ErrInsufficientBalance is returned when a coin debit would take the
	// balance below zero.
	ErrInsufficientBalance = errors.New("insufficient coin balance")

	// ErrUpstreamUnavailable is returned when the agent worker cannot be
	// reached.
	ErrUpstreamUnavailable = errors.New("agent worker unavailable")
)

// RateLimitError is returned by the usage meter when the post-increment
// count for a window exceeds the configured limit.
type RateLimitError struct {
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d per %s exceeded, retry after %s",
		e.Limit, e.Window, e.RetryAfter.Round(time.Second))
}

// IsRateLimited reports whether err is a rate limit error, returning it typed
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
