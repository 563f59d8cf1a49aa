package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	_ "github.com/lib/pq"

	"github.com/aice-dev/orchestrator/internal/api"
	"github.com/aice-dev/orchestrator/internal/cache"
	"github.com/aice-dev/orchestrator/internal/circuitbreaker"
	"github.com/aice-dev/orchestrator/internal/config"
	"github.com/aice-dev/orchestrator/internal/httputil"
	"github.com/aice-dev/orchestrator/internal/metrics"
	"github.com/aice-dev/orchestrator/internal/notifications"
	"github.com/aice-dev/orchestrator/internal/orchestrator"
	"github.com/aice-dev/orchestrator/internal/provider"
	"github.com/aice-dev/orchestrator/internal/provider/anthropic"
	"github.com/aice-dev/orchestrator/internal/provider/bedrock"
	"github.com/aice-dev/orchestrator/internal/provider/openai"
	"github.com/aice-dev/orchestrator/internal/ratelimit"
	"github.com/aice-dev/orchestrator/internal/secrets"
	"github.com/aice-dev/orchestrator/internal/stream"
	"github.com/aice-dev/orchestrator/internal/telemetry"
	"github.com/aice-dev/orchestrator/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, "orchestrator", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	resolveProviderKeys(ctx, cfg)

	entries, err := buildProviders(ctx, cfg)
	if err != nil {
		slog.Error("failed to configure providers", "error", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		slog.Error("no providers configured, set at least one API key")
		os.Exit(1)
	}

	responseCache := buildCache(cfg)
	limiter := buildLimiter(cfg)
	breakers := buildBreakers(ctx, cfg)
	tracker := buildUsageTracker(ctx, cfg)

	orch := orchestrator.New(orchestrator.Config{
		Entries:        entries,
		Cache:          responseCache,
		Limiter:        limiter,
		Breakers:       breakers,
		Usage:          tracker,
		Multiplexer:    stream.NewMultiplexer(cfg.StreamBuffer),
		CacheTTL:       cfg.CacheTTL,
		TenantQuota:    ratelimit.Quota{PerMinute: cfg.TenantRPM, Burst: cfg.TenantBurst},
		Capabilities:   cfg.Capabilities,
		SurfacePartial: cfg.SurfacePartial,
		FailClosed:     cfg.RateLimitFailClosed,
	})

	handler := api.NewHandler(orch, breakers, tracker)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses have no fixed deadline
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Addr, "providers", orch.Providers())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// resolveProviderKeys overlays keys from Secrets Manager when a secret name is
// configured. Environment values win so local overrides stay possible.
func resolveProviderKeys(ctx context.Context, cfg *config.Config) {
	if cfg.ProviderSecretName == "" || cfg.AWSRegion == "" {
		return
	}

	store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
	if err != nil {
		slog.Warn("secrets manager unavailable, using environment keys", "error", err)
		return
	}

	keys, err := secrets.LoadProviderKeys(ctx, store, cfg.ProviderSecretName)
	if err != nil {
		slog.Warn("provider key secret not loaded, using environment keys", "error", err)
		return
	}

	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = keys.OpenAI
	}
	if cfg.AnthropicAPIKey == "" {
		cfg.AnthropicAPIKey = keys.Anthropic
	}
}

func buildProviders(ctx context.Context, cfg *config.Config) ([]orchestrator.Entry, error) {
	client := httputil.DefaultClient()
	var entries []orchestrator.Entry

	if cfg.OpenAIAPIKey != "" {
		entries = append(entries, orchestrator.Entry{
			Descriptor: provider.Descriptor{
				Name:      "openai",
				Priority:  cfg.OpenAIPriority,
				PerMinute: cfg.ProviderRPM,
				Burst:     cfg.ProviderBurst,
				Timeout:   cfg.ProviderTimeout,
			},
			Adapter: openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, client),
		})
	}

	if cfg.AnthropicAPIKey != "" {
		entries = append(entries, orchestrator.Entry{
			Descriptor: provider.Descriptor{
				Name:      "anthropic",
				Priority:  cfg.AnthropicPriority,
				PerMinute: cfg.ProviderRPM,
				Burst:     cfg.ProviderBurst,
				Timeout:   cfg.ProviderTimeout,
			},
			Adapter: anthropic.New(cfg.AnthropicAPIKey, cfg.AnthropicModel, client),
		})
	}

	if cfg.BedrockEnabled && cfg.AWSRegion != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, err
		}
		entries = append(entries, orchestrator.Entry{
			Descriptor: provider.Descriptor{
				Name:      "bedrock",
				Priority:  cfg.BedrockPriority,
				PerMinute: cfg.ProviderRPM,
				Burst:     cfg.ProviderBurst,
				Timeout:   cfg.ProviderTimeout,
			},
			Adapter: bedrock.NewWithConfig(awsCfg, cfg.BedrockModelID),
		})
	}

	return entries, nil
}

func buildCache(cfg *config.Config) cache.Cache {
	if cfg.RedisURL != "" {
		c, err := cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			slog.Warn("redis cache unavailable, using in-memory", "error", err)
		} else {
			slog.Info("using redis response cache")
			return c
		}
	}
	return cache.NewInMemoryCache(10000)
}

func buildLimiter(cfg *config.Config) ratelimit.Limiter {
	if cfg.RedisURL != "" {
		l, err := ratelimit.NewRedisLimiter(cfg.RedisURL)
		if err != nil {
			slog.Warn("redis limiter unavailable, using in-memory", "error", err)
		} else {
			slog.Info("using redis rate limiter")
			return l
		}
	}
	return ratelimit.NewInMemoryLimiter()
}

func buildBreakers(ctx context.Context, cfg *config.Config) *circuitbreaker.Monitor {
	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.WindowSize = cfg.BreakerWindow
	breakerCfg.FailureThreshold = cfg.BreakerThreshold
	breakerCfg.Cooldown = cfg.BreakerCooldown

	var opts []circuitbreaker.MonitorOption
	if cfg.DistributedBreaker && cfg.RedisURL != "" {
		opts = append(opts, circuitbreaker.WithRedis(cfg.RedisURL))
	}

	monitor := circuitbreaker.NewMonitor(breakerCfg, opts...)

	monitor.OnStateChange(func(change circuitbreaker.StateChange) {
		slog.Warn("circuit state changed",
			"provider", change.Provider,
			"from", change.From.String(),
			"to", change.To.String(),
		)
		metrics.SetCircuitBreakerState(change.Provider, int(change.To))
	})

	var notifier notifications.Notifier = notifications.LogNotifier{}
	if cfg.SNSTopicARN != "" && cfg.AWSRegion != "" {
		sns, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Warn("sns notifier unavailable, alerts go to the log", "error", err)
		} else {
			notifier = sns
		}
	}
	monitor.OnStateChange(notifications.CircuitAlertHook(notifier))

	return monitor
}

func buildUsageTracker(ctx context.Context, cfg *config.Config) usage.Tracker {
	var trackers usage.Fanout

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Warn("postgres unavailable, usage records not persisted", "error", err)
		} else {
			db.SetMaxOpenConns(10)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
			trackers = append(trackers, usage.NewPostgresTracker(db))
			slog.Info("usage tracking to postgres enabled")
		}
	}

	if cfg.UsageQueueURL != "" && cfg.AWSRegion != "" {
		shipper, err := usage.NewSQSShipper(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			slog.Warn("sqs shipper unavailable", "error", err)
		} else {
			trackers = append(trackers, shipper)
			slog.Info("usage export to sqs enabled")
		}
	}

	if len(trackers) == 0 {
		return usage.NewInMemoryTracker()
	}
	if len(trackers) == 1 {
		return trackers[0]
	}
	return trackers
}
