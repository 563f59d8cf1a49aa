// Package provider defines the polymorphic boundary to external AI providers.
// Adapters translate normalized capability requests to each provider's wire
// format and normalize provider-specific failures into the domain error kinds.
// Adapters perform no caching, rate limiting, or retries; those are
// orchestrator responsibilities.
package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aice-dev/orchestrator/internal/domain"
)

// Adapter is implemented once per external provider.
type Adapter interface {
	ID() string

	// Invoke performs a synchronous capability call.
	Invoke(ctx context.Context, req domain.Request) (*domain.Result, error)

	// Stream performs a streaming capability call. Chunks arrive in
	// provider-emission order; the error channel delivers at most one error.
	// Both channels are closed when the stream ends.
	Stream(ctx context.Context, req domain.Request) (<-chan domain.Chunk, <-chan error)
}

// Descriptor is the orchestrator-facing configuration of one provider.
// Lower priority is tried first.
type Descriptor struct {
	Name      string
	Priority  int
	PerMinute int
	Burst     int
	Timeout   time.Duration
}

// NormalizeStatus maps an HTTP status from a provider into a domain error kind.
func NormalizeStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ErrProviderAuth
	case status == http.StatusTooManyRequests:
		return domain.ErrProviderRateLimited
	case status >= 500:
		return domain.ErrProviderUnavailable
	case status >= 400:
		return domain.ErrProviderMalformed
	default:
		return nil
	}
}

// NormalizeErr maps a transport-level error into a domain error kind.
func NormalizeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrProviderTimeout
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.ErrProviderUnavailable
}
