package domain

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError is the platform's flood-wait signal. Callers pause the
// affected rule or task for RetryAfter and retry; unrelated work continues.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// AsRateLimited extracts the flood-wait duration from err, if any.
func AsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// ErrContentUnavailable marks a source message deleted or expired between
// fetch and forward. Skip and continue.
var ErrContentUnavailable = errors.New("source content unavailable")

// TargetRejectedError is a permission or content-policy rejection at the
// target. Terminal per unit; surfaced for manual retry, never auto-retried.
type TargetRejectedError struct {
	Reason string
}

func (e *TargetRejectedError) Error() string {
	return fmt.Sprintf("target rejected: %s", e.Reason)
}

// TransientIOError wraps a network or transfer failure eligible for a small
// number of immediate retries before being treated as terminal for the cycle.
type TransientIOError struct {
	Err error
}

func (e *TransientIOError) Error() string { return fmt.Sprintf("transient i/o: %v", e.Err) }
func (e *TransientIOError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable transfer trouble.
func IsTransient(err error) bool {
	var t *TransientIOError
	return errors.As(err, &t)
}

// ConfigurationError marks a rule unusable as configured, typically an
// unresolvable chat reference. The watcher disables further attempts for the
// rule until it is corrected.
type ConfigurationError struct {
	Ref string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for %q: %v", e.Ref, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfiguration reports whether err is a rule configuration problem.
func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}
