package circuitbreaker

import (
	"context"
	"time"

	"github.com/aice-dev/orchestrator/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Lua scripts for atomic distributed breaker operations. State transitions
// touch multiple keys, so each operation runs as one script.

// allowScript checks admission and handles Open -> Half-Open. In half-open the
// probe key (KEYS[4]) acts as a lock so only one instance probes at a time.
// Keys: [state, opened_at, failures, probe]
// Args: [cooldown_seconds, probe_ttl_seconds]
// Returns: 'allow', 'deny', or 'probe'
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state == 'closed' then
    return 'allow'
end

local now = tonumber(redis.call('TIME')[1])

if state == 'open' then
    local openedAt = tonumber(redis.call('GET', KEYS[2]) or '0')
    if (now - openedAt) < tonumber(ARGV[1]) then
        return 'deny'
    end
    redis.call('SET', KEYS[1], 'half-open')
    redis.call('DEL', KEYS[4])
end

if redis.call('SET', KEYS[4], now, 'NX', 'EX', tonumber(ARGV[2])) then
    return 'probe'
end
return 'deny'
`)

// recordSuccessScript closes the circuit after a successful half-open probe.
// Keys: [state, failures, probe]
var recordSuccessScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state == 'half-open' then
    redis.call('SET', KEYS[1], 'closed')
end
redis.call('DEL', KEYS[2], KEYS[3])
return redis.call('GET', KEYS[1]) or 'closed'
`)

// recordFailureScript counts windowed failures in closed state and reopens the
// circuit on a failed probe. The failure counter expires with the window, which
// approximates the count-based sliding window.
// Keys: [state, opened_at, failures, probe]
// Args: [failure_threshold, window_seconds]
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local now = redis.call('TIME')[1]

if state == 'closed' then
    local failures = redis.call('INCR', KEYS[3])
    redis.call('EXPIRE', KEYS[3], tonumber(ARGV[2]))
    if failures >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'open')
        redis.call('SET', KEYS[2], now)
        return 'open'
    end
    return 'closed'
end

if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[2], now)
    redis.call('DEL', KEYS[4])
    return 'open'
end

return state
`)

// RedisBreaker shares circuit state across instances so that one instance
// opening a provider's circuit removes it from every instance's fallback chain,
// and the half-open probe is exclusive across the whole fleet.
type RedisBreaker struct {
	client   *redis.Client
	provider string
	cfg      Config
}

func NewRedis(redisURL, provider string, cfg Config) (*RedisBreaker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisBreaker{client: client, provider: provider, cfg: cfg}, nil
}

func NewRedisWithClient(client *redis.Client, provider string, cfg Config) *RedisBreaker {
	return &RedisBreaker{client: client, provider: provider, cfg: cfg}
}

func (b *RedisBreaker) keys() []string {
	prefix := "breaker:" + b.provider + ":"
	return []string{prefix + "state", prefix + "opened_at", prefix + "failures", prefix + "probe"}
}

func (b *RedisBreaker) Allow(ctx context.Context) error {
	// Probe lock TTL bounds how long a crashed prober can block others.
	probeTTL := int(b.cfg.Cooldown.Seconds())
	if probeTTL < 1 {
		probeTTL = 1
	}

	res, err := allowScript.Run(ctx, b.client, b.keys(),
		int(b.cfg.Cooldown.Seconds()), probeTTL).Text()
	if err != nil {
		// Fail open on Redis errors: the provider call itself still has a timeout.
		return nil
	}

	if res == "deny" {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context) {
	keys := b.keys()
	recordSuccessScript.Run(ctx, b.client, []string{keys[0], keys[2], keys[3]})
}

func (b *RedisBreaker) RecordFailure(ctx context.Context) {
	recordFailureScript.Run(ctx, b.client, b.keys(),
		b.cfg.FailureThreshold, windowSeconds(b.cfg))
}

func (b *RedisBreaker) CancelProbe(ctx context.Context) {
	// Releasing the probe lock lets another caller (or instance) probe right
	// away instead of waiting out the lock TTL.
	b.client.Del(ctx, b.keys()[3])
}

func (b *RedisBreaker) State(ctx context.Context) State {
	state, err := b.client.Get(ctx, b.keys()[0]).Result()
	if err != nil {
		return StateClosed
	}

	switch state {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// windowSeconds sizes the failure-counter expiry from the outcome window,
// assuming roughly one outcome per second at the low end.
func windowSeconds(cfg Config) int {
	if cfg.WindowSize > 0 {
		return cfg.WindowSize * 6
	}
	return 60
}
