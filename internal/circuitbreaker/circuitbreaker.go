// Package circuitbreaker tracks per-provider health and removes unhealthy
// providers from the fallback chain.
//
// States:
//   - Closed: normal operation, outcomes recorded in a sliding window
//   - Open: provider excluded, requests fail immediately
//   - Half-Open: one probe allowed through to test recovery
//
// Implementations:
//   - Breaker: single-instance, uses sync.Mutex
//   - RedisBreaker: distributed, uses Redis with Lua scripts for atomicity
//
// The Monitor owns every breaker; callers never mutate circuit state directly,
// they report outcomes through the Monitor.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/aice-dev/orchestrator/internal/domain"
)

// CircuitBreaker defines the interface for breaker implementations.
type CircuitBreaker interface {
	// Allow reports whether a request may go to the provider. In Half-Open it
	// admits exactly one concurrent probe; concurrent callers are treated as
	// if the circuit were still Open.
	Allow(ctx context.Context) error

	// RecordSuccess records a successful call. A Half-Open probe success
	// closes the circuit and resets the window.
	RecordSuccess(ctx context.Context)

	// RecordFailure records a failed call. Enough failures within the window
	// open the circuit; a Half-Open probe failure reopens it with a grown cooldown.
	RecordFailure(ctx context.Context)

	// CancelProbe releases a probe slot granted by Allow without recording an
	// outcome. Callers that skip the provider after admission (rate-limit
	// denial, abandoned stream) must call it, or the Half-Open slot stays
	// consumed and no probe ever reaches the provider.
	CancelProbe(ctx context.Context)

	// State returns the current state.
	State(ctx context.Context) State
}

// State represents the current state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing fast
	StateHalfOpen              // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines breaker behavior.
type Config struct {
	WindowSize       int           // outcomes tracked in the sliding window
	FailureThreshold int           // failures within the window before opening
	Cooldown         time.Duration // time in Open before a probe is allowed
	CooldownFactor   float64       // cooldown growth after a failed probe (1 = none)
	MaxCooldown      time.Duration // cap on grown cooldown
}

// DefaultConfig returns sensible defaults for most use cases.
func DefaultConfig() Config {
	return Config{
		WindowSize:       10,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		CooldownFactor:   2,
		MaxCooldown:      5 * time.Minute,
	}
}

// Breaker is a single-instance circuit breaker with a count-based sliding
// outcome window.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	window   []bool // true = failure
	next     int
	filled   int
	openedAt time.Time
	cooldown time.Duration
	probing  bool
	onChange func(from, to State)
	now      func() time.Time
}

// New creates a closed in-memory breaker.
func New(cfg Config) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.CooldownFactor < 1 {
		cfg.CooldownFactor = 1
	}
	return &Breaker{
		cfg:      cfg,
		state:    StateClosed,
		window:   make([]bool, cfg.WindowSize),
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

func (b *Breaker) Allow(ctx context.Context) error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return domain.ErrCircuitBreakerOpen
		}
		// Cooldown elapsed: move to half-open and grant this caller the probe.
		from := b.state
		b.state = StateHalfOpen
		b.probing = true
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return nil

	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return domain.ErrCircuitBreakerOpen
		}
		b.probing = true
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.record(false)
		b.mu.Unlock()

	case StateHalfOpen:
		from := b.state
		b.state = StateClosed
		b.reset()
		b.mu.Unlock()
		b.notify(from, StateClosed)

	default:
		b.mu.Unlock()
	}
}

func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.record(true)
		if b.failures() >= b.cfg.FailureThreshold {
			from := b.state
			b.state = StateOpen
			b.openedAt = b.now()
			b.mu.Unlock()
			b.notify(from, StateOpen)
			return
		}
		b.mu.Unlock()

	case StateHalfOpen:
		from := b.state
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
		b.cooldown = time.Duration(float64(b.cooldown) * b.cfg.CooldownFactor)
		if b.cfg.MaxCooldown > 0 && b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.mu.Unlock()
		b.notify(from, StateOpen)

	default:
		b.mu.Unlock()
	}
}

func (b *Breaker) CancelProbe(ctx context.Context) {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
	b.mu.Unlock()
}

func (b *Breaker) State(ctx context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures reports the failure count within the current window.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures()
}

// record pushes one outcome into the ring. Caller holds the lock.
func (b *Breaker) record(failure bool) {
	b.window[b.next] = failure
	b.next = (b.next + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
}

func (b *Breaker) failures() int {
	count := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			count++
		}
	}
	return count
}

// reset clears the window after a recovery. Caller holds the lock.
func (b *Breaker) reset() {
	for i := range b.window {
		b.window[i] = false
	}
	b.next = 0
	b.filled = 0
	b.probing = false
	b.cooldown = b.cfg.Cooldown
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}

// StateChange describes one circuit transition, delivered to Monitor hooks.
type StateChange struct {
	Provider string
	From     State
	To       State
}

// Monitor owns the circuit breakers for all providers. It is the only writer
// of circuit state; the orchestrator reads state through Allow and reports
// outcomes through RecordSuccess/RecordFailure.
type Monitor struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	cfg      Config
	factory  func(provider string) CircuitBreaker
	hooks    []func(StateChange)
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithRedis configures the monitor to use Redis-backed distributed breakers.
func WithRedis(redisURL string) MonitorOption {
	return func(m *Monitor) {
		m.factory = func(provider string) CircuitBreaker {
			cb, err := NewRedis(redisURL, provider, m.cfg)
			if err != nil {
				// Degrade to in-memory if Redis is unreachable at startup.
				return m.newLocal(provider)
			}
			return cb
		}
	}
}

// NewMonitor creates a monitor using in-memory breakers by default.
func NewMonitor(cfg Config, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		breakers: make(map[string]CircuitBreaker),
		cfg:      cfg,
	}
	m.factory = m.newLocal

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Monitor) newLocal(provider string) CircuitBreaker {
	b := New(m.cfg)
	b.onChange = func(from, to State) {
		m.fire(StateChange{Provider: provider, From: from, To: to})
	}
	return b
}

// OnStateChange registers a hook invoked on every circuit transition.
// Hooks must be registered before the monitor serves traffic.
func (m *Monitor) OnStateChange(fn func(StateChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

func (m *Monitor) fire(change StateChange) {
	m.mu.RLock()
	hooks := m.hooks
	m.mu.RUnlock()

	for _, fn := range hooks {
		fn(change)
	}
}

// Get returns the breaker for a provider, creating one if needed.
func (m *Monitor) Get(provider string) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[provider]; ok {
		return existing
	}

	cb = m.factory(provider)
	m.breakers[provider] = cb
	return cb
}

func (m *Monitor) Allow(ctx context.Context, provider string) error {
	return m.Get(provider).Allow(ctx)
}

func (m *Monitor) RecordSuccess(ctx context.Context, provider string) {
	m.Get(provider).RecordSuccess(ctx)
}

func (m *Monitor) RecordFailure(ctx context.Context, provider string) {
	m.Get(provider).RecordFailure(ctx)
}

func (m *Monitor) CancelProbe(ctx context.Context, provider string) {
	m.Get(provider).CancelProbe(ctx)
}

// States returns the current state of all known breakers.
func (m *Monitor) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx := context.Background()
	states := make(map[string]string)
	for provider, cb := range m.breakers {
		states[provider] = cb.State(ctx).String()
	}
	return states
}
