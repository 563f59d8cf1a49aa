package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrCapabilityDisabled    = errors.New("capability disabled")
	ErrRateLimited           = errors.New("rate limited")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
	ErrProviderTimeout       = errors.New("provider timeout")
	ErrProviderAuth          = errors.New("provider auth error")
	ErrProviderRateLimited   = errors.New("provider rate limited upstream")
	ErrProviderUnavailable   = errors.New("provider unavailable")
	ErrProviderMalformed     = errors.New("provider malformed response")
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrStreamCancelled       = errors.New("stream cancelled")
)

// RateLimitError is returned when admission control rejects a request before
// any provider is attempted. RetryAfter estimates when a token will be available.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// ExhaustedError is the terminal error when every eligible provider in the
// fallback chain failed or was skipped. LastErr carries the final underlying cause.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("all providers exhausted after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("all providers exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersExhausted
}
