// Package orchestrator implements the dispatch pipeline: validation,
// fingerprinting, cache lookup, single-flight coalescing, and the provider
// fallback chain guarded by circuit breakers and admission control.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aice-dev/orchestrator/internal/cache"
	"github.com/aice-dev/orchestrator/internal/circuitbreaker"
	"github.com/aice-dev/orchestrator/internal/domain"
	"github.com/aice-dev/orchestrator/internal/fingerprint"
	"github.com/aice-dev/orchestrator/internal/flight"
	"github.com/aice-dev/orchestrator/internal/metrics"
	"github.com/aice-dev/orchestrator/internal/provider"
	"github.com/aice-dev/orchestrator/internal/ratelimit"
	"github.com/aice-dev/orchestrator/internal/stream"
	"github.com/aice-dev/orchestrator/internal/telemetry"
	"github.com/aice-dev/orchestrator/internal/usage"
)

// Entry pairs a provider adapter with its orchestrator-facing configuration.
type Entry struct {
	Descriptor provider.Descriptor
	Adapter    provider.Adapter
}

// Config wires the orchestrator's collaborators and policy knobs.
type Config struct {
	Entries      []Entry
	Cache        cache.Cache
	Limiter      ratelimit.Limiter
	Breakers     *circuitbreaker.Monitor
	Usage        usage.Tracker
	Multiplexer  *stream.Multiplexer
	CacheTTL     time.Duration
	TenantQuota  ratelimit.Quota
	Capabilities map[domain.Capability]bool

	// SurfacePartial surfaces a partial-plus-error terminal event when a stream
	// fails after chunks were delivered; false fails the stream without the
	// partial marker.
	SurfacePartial bool

	// FailClosed rejects requests when the limiter backend errors instead of
	// admitting them.
	FailClosed bool
}

type Orchestrator struct {
	entries        []Entry
	cache          cache.Cache
	limiter        ratelimit.Limiter
	breakers       *circuitbreaker.Monitor
	usage          usage.Tracker
	flight         *flight.Coordinator
	mux            *stream.Multiplexer
	cacheTTL       time.Duration
	tenantQuota    ratelimit.Quota
	capabilities   map[domain.Capability]bool
	surfacePartial bool
	failClosed     bool
}

func New(cfg Config) *Orchestrator {
	entries := make([]Entry, len(cfg.Entries))
	copy(entries, cfg.Entries)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Descriptor.Priority < entries[j].Descriptor.Priority
	})

	mux := cfg.Multiplexer
	if mux == nil {
		mux = stream.NewMultiplexer(0)
	}

	return &Orchestrator{
		entries:        entries,
		cache:          cfg.Cache,
		limiter:        cfg.Limiter,
		breakers:       cfg.Breakers,
		usage:          cfg.Usage,
		flight:         flight.NewCoordinator(),
		mux:            mux,
		cacheTTL:       cfg.CacheTTL,
		tenantQuota:    cfg.TenantQuota,
		capabilities:   cfg.Capabilities,
		surfacePartial: cfg.SurfacePartial,
		failClosed:     cfg.FailClosed,
	}
}

// Providers returns the fallback chain in priority order.
func (o *Orchestrator) Providers() []string {
	names := make([]string, len(o.entries))
	for i, e := range o.entries {
		names[i] = e.Descriptor.Name
	}
	return names
}

func (o *Orchestrator) validate(req domain.Request) error {
	if req.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", domain.ErrInvalidRequest)
	}
	if !req.Capability.Valid() {
		return fmt.Errorf("%w: unknown capability %q", domain.ErrInvalidRequest, req.Capability)
	}
	if o.capabilities != nil && !o.capabilities[req.Capability] {
		return fmt.Errorf("%w: %s", domain.ErrCapabilityDisabled, req.Capability)
	}
	if req.Code == "" && req.Prompt == "" {
		return fmt.Errorf("%w: code or prompt is required", domain.ErrInvalidRequest)
	}
	return nil
}

// Dispatch resolves a synchronous request: cache first, then a coalesced
// provider fallback chain. The returned result carries per-caller Meta; cached
// and shared results are copied so Meta never leaks between callers.
func (o *Orchestrator) Dispatch(ctx context.Context, req domain.Request) (*domain.Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.Dispatch")
	defer span.End()
	telemetry.AddDispatchAttributes(span, req.TenantID, string(req.Capability), req.Language)

	if err := o.validate(req); err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordRequest(req.TenantID, string(req.Capability), "", "invalid")
		return nil, err
	}

	requestID := uuid.New().String()
	start := time.Now()
	fp := fingerprint.Compute(req)

	if cached, ok := o.cacheGet(ctx, fp); ok {
		metrics.RecordCacheHit(string(req.Capability))
		metrics.RecordRequest(req.TenantID, string(req.Capability), "", "cache_hit")
		telemetry.AddOutcomeAttributes(span, "", 0, true)

		o.account(ctx, req, requestID, "", nil, time.Since(start), true)

		result := cloneResult(cached)
		result.Meta = &domain.Meta{
			CacheHit:  true,
			LatencyMs: time.Since(start).Milliseconds(),
			RequestID: requestID,
			TraceID:   telemetry.GetTraceID(ctx),
		}
		return result, nil
	}
	metrics.RecordCacheMiss(string(req.Capability))

	// The owning call is detached from this caller's context so cancellation of
	// one waiter never aborts a result other waiters are blocked on.
	callCtx := context.WithoutCancel(ctx)
	result, shared, err := o.flight.Do(ctx, fp, func() (*domain.Result, error) {
		return o.resolve(callCtx, req, fp)
	})
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordRequest(req.TenantID, string(req.Capability), "", statusOf(err))
		return nil, err
	}

	servedBy := ""
	attempts := 0
	if result.Meta != nil {
		servedBy = result.Meta.Provider
		attempts = result.Meta.Attempts
	}

	if shared {
		metrics.RecordShared(string(req.Capability))
		result = cloneResult(result)
	}

	result.Meta = &domain.Meta{
		Provider:  servedBy,
		Attempts:  attempts,
		LatencyMs: time.Since(start).Milliseconds(),
		Shared:    shared,
		RequestID: requestID,
		TraceID:   telemetry.GetTraceID(ctx),
	}

	telemetry.AddOutcomeAttributes(span, servedBy, attempts, false)
	metrics.RecordRequest(req.TenantID, string(req.Capability), servedBy, "success")

	o.account(ctx, req, requestID, servedBy, result, time.Since(start), false)

	return result, nil
}

// resolve walks the fallback chain in priority order until one provider
// succeeds. Skipped providers (open circuit, rate limit denial) do not count
// as attempts; the returned Meta records the serving provider and how many
// providers were actually invoked.
func (o *Orchestrator) resolve(ctx context.Context, req domain.Request, fp string) (*domain.Result, error) {
	var (
		lastErr  error
		attempts int
		denials  int
		minRetry time.Duration
	)

	for _, e := range o.entries {
		name := e.Descriptor.Name

		if err := o.breakers.Allow(ctx, name); err != nil {
			slog.Debug("provider skipped, circuit open", "provider", name)
			lastErr = fmt.Errorf("%s: %w", name, err)
			continue
		}

		allowed, retryAfter, err := o.admit(ctx, req.TenantID, e.Descriptor)
		if err != nil {
			if o.failClosed {
				// Admission was granted but no attempt follows; release the
				// half-open probe slot so a later request can still probe.
				o.breakers.CancelProbe(ctx, name)
				lastErr = fmt.Errorf("%s: admission check: %w", name, err)
				continue
			}
			slog.Warn("limiter unavailable, admitting request", "provider", name, "error", err)
		} else if !allowed {
			o.breakers.CancelProbe(ctx, name)
			metrics.RecordRateLimitRejection(req.TenantID)
			if denials == 0 || retryAfter < minRetry {
				minRetry = retryAfter
			}
			denials++
			lastErr = fmt.Errorf("%s: %w", name, domain.ErrRateLimited)
			continue
		}

		attempts++
		result, err := o.invoke(ctx, e, req)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", name, err)
			continue
		}

		if o.cache != nil && o.cacheTTL > 0 {
			if err := o.cache.Set(ctx, fp, result, o.cacheTTL); err != nil {
				slog.Warn("cache write failed", "provider", name, "error", err)
			}
		}

		metrics.RecordFallbackDepth(string(req.Capability), attempts)
		metrics.RecordTokens(name, result.Usage.PromptTokens, result.Usage.CompletionTokens)

		out := cloneResult(result)
		out.Meta = &domain.Meta{Provider: name, Attempts: attempts}
		return out, nil
	}

	if attempts == 0 && denials > 0 {
		return nil, &domain.RateLimitError{RetryAfter: minRetry}
	}
	return nil, &domain.ExhaustedError{Attempts: attempts, LastErr: lastErr}
}

// admit checks the per-tenant-per-provider bucket and the global provider
// bucket in one atomic operation.
func (o *Orchestrator) admit(ctx context.Context, tenantID string, desc provider.Descriptor) (bool, time.Duration, error) {
	return o.limiter.Acquire(ctx,
		ratelimit.Key{
			ID:    "tenant:" + tenantID + ":provider:" + desc.Name,
			Quota: o.tenantQuota,
		},
		ratelimit.Key{
			ID:    "provider:" + desc.Name,
			Quota: ratelimit.Quota{PerMinute: desc.PerMinute, Burst: desc.Burst},
		},
	)
}

// invoke performs one provider attempt under the per-attempt deadline and
// reports the outcome to the provider's circuit breaker.
func (o *Orchestrator) invoke(ctx context.Context, e Entry, req domain.Request) (*domain.Result, error) {
	name := e.Descriptor.Name

	attemptCtx := ctx
	if e.Descriptor.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.Descriptor.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := e.Adapter.Invoke(attemptCtx, req)
	elapsed := time.Since(start)

	metrics.RecordAttempt(name, string(req.Capability), elapsed.Seconds())

	if err != nil {
		o.breakers.RecordFailure(ctx, name)
		metrics.RecordProviderError(name, errorKind(err))
		slog.Warn("provider attempt failed",
			"provider", name,
			"capability", req.Capability,
			"latency_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	o.breakers.RecordSuccess(ctx, name)
	slog.Info("provider attempt succeeded",
		"provider", name,
		"capability", req.Capability,
		"latency_ms", elapsed.Milliseconds(),
	)
	return result, nil
}

// DispatchStream resolves a streaming request. The session is returned
// immediately; chunks flow on its Events channel. Fallback applies only before
// the first chunk is delivered. Streams bypass the cache and single-flight:
// every stream is a fresh provider call.
func (o *Orchestrator) DispatchStream(ctx context.Context, req domain.Request) (*stream.Session, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	session := o.mux.NewSession(ctx)
	metrics.IncrementActiveStreams()

	go o.runStream(session, req)

	return session, nil
}

func (o *Orchestrator) runStream(session *stream.Session, req domain.Request) {
	defer metrics.DecrementActiveStreams()
	// Covers a cancellation racing a terminal transition: Fail and Complete
	// no-op on a cancelled session, leaving the channel for Finish to close.
	defer o.mux.Finish(session)

	ctx := session.Context()
	requestID := uuid.New().String()
	start := time.Now()

	var (
		lastErr  error
		attempts int
		denials  int
		minRetry time.Duration
	)

	for _, e := range o.entries {
		name := e.Descriptor.Name

		if err := o.breakers.Allow(ctx, name); err != nil {
			lastErr = fmt.Errorf("%s: %w", name, err)
			continue
		}

		allowed, retryAfter, err := o.admit(ctx, req.TenantID, e.Descriptor)
		if err != nil {
			if o.failClosed {
				o.breakers.CancelProbe(ctx, name)
				lastErr = fmt.Errorf("%s: admission check: %w", name, err)
				continue
			}
			slog.Warn("limiter unavailable, admitting stream", "provider", name, "error", err)
		} else if !allowed {
			o.breakers.CancelProbe(ctx, name)
			metrics.RecordRateLimitRejection(req.TenantID)
			if denials == 0 || retryAfter < minRetry {
				minRetry = retryAfter
			}
			denials++
			lastErr = fmt.Errorf("%s: %w", name, domain.ErrRateLimited)
			continue
		}

		attempts++
		chunks, errs := e.Adapter.Stream(ctx, req)
		forwarded, err := o.mux.Pump(session, name, chunks, errs)

		if err == nil {
			o.breakers.RecordSuccess(ctx, name)
			metrics.RecordFallbackDepth(string(req.Capability), attempts)
			metrics.RecordRequest(req.TenantID, string(req.Capability), name, "success")
			o.accountStream(req, requestID, name, forwarded, time.Since(start))
			o.mux.Complete(session)
			return
		}

		if errors.Is(err, domain.ErrStreamCancelled) {
			// Client went away; not a provider fault, so no outcome is recorded
			// and any probe slot this attempt held is handed back.
			o.breakers.CancelProbe(ctx, name)
			metrics.RecordRequest(req.TenantID, string(req.Capability), name, "cancelled")
			return
		}

		o.breakers.RecordFailure(ctx, name)
		metrics.RecordProviderError(name, errorKind(err))
		lastErr = fmt.Errorf("%s: %w", name, err)

		if forwarded > 0 {
			// Chunks already reached the client: fallback would duplicate
			// output, so the stream terminates here.
			slog.Warn("stream failed after partial delivery",
				"provider", name,
				"forwarded", forwarded,
				"error", err,
			)
			metrics.RecordRequest(req.TenantID, string(req.Capability), name, "partial_failure")
			o.mux.Fail(session, lastErr, o.surfacePartial)
			return
		}

		slog.Warn("stream attempt failed before first chunk, trying next provider",
			"provider", name,
			"error", err,
		)
	}

	var terminal error
	if attempts == 0 && denials > 0 {
		terminal = &domain.RateLimitError{RetryAfter: minRetry}
	} else {
		terminal = &domain.ExhaustedError{Attempts: attempts, LastErr: lastErr}
	}
	metrics.RecordRequest(req.TenantID, string(req.Capability), "", statusOf(terminal))
	o.mux.Fail(session, terminal, false)
}

// account records a dispatch outcome. Recording is best-effort; failures are
// logged and never surfaced.
func (o *Orchestrator) account(ctx context.Context, req domain.Request, requestID, providerName string, result *domain.Result, elapsed time.Duration, cacheHit bool) {
	if o.usage == nil {
		return
	}

	rec := usage.Record{
		TenantID:   req.TenantID,
		RequestID:  requestID,
		Capability: req.Capability,
		Language:   req.Language,
		Provider:   providerName,
		LatencyMs:  elapsed.Milliseconds(),
		CacheHit:   cacheHit,
		Timestamp:  time.Now().UTC(),
	}
	if result != nil && !cacheHit {
		rec.PromptTokens = result.Usage.PromptTokens
		rec.OutputTokens = result.Usage.CompletionTokens
	}

	if err := o.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("usage record failed", "tenant_id", req.TenantID, "error", err)
	}
}

func (o *Orchestrator) accountStream(req domain.Request, requestID, providerName string, chunks int, elapsed time.Duration) {
	if o.usage == nil {
		return
	}

	rec := usage.Record{
		TenantID:     req.TenantID,
		RequestID:    requestID,
		Capability:   req.Capability,
		Language:     req.Language,
		Provider:     providerName,
		OutputTokens: chunks,
		LatencyMs:    elapsed.Milliseconds(),
		Timestamp:    time.Now().UTC(),
	}

	if err := o.usage.Record(context.Background(), rec); err != nil {
		slog.Warn("usage record failed", "tenant_id", req.TenantID, "error", err)
	}
}

func (o *Orchestrator) cacheGet(ctx context.Context, fp string) (*domain.Result, bool) {
	if o.cache == nil {
		return nil, false
	}
	return o.cache.Get(ctx, fp)
}

// cloneResult copies a result so per-caller Meta can be attached without
// mutating the cached or shared instance.
func cloneResult(r *domain.Result) *domain.Result {
	out := *r
	out.Meta = nil
	if r.Issues != nil {
		out.Issues = make([]domain.Issue, len(r.Issues))
		copy(out.Issues, r.Issues)
	}
	return &out
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrProviderAuth):
		return "auth"
	case errors.Is(err, domain.ErrProviderRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrProviderMalformed):
		return "malformed"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}

func statusOf(err error) string {
	// ExhaustedError wraps its LastErr, which may itself wrap ErrRateLimited
	// (every provider denied at the limiter), so exhaustion is checked first.
	switch {
	case errors.Is(err, domain.ErrAllProvidersExhausted):
		return "exhausted"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
