package config

import (
	"testing"
	"time"

	"github.com/aice-dev/orchestrator/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.Addr)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("expected default cache TTL 5m, got %s", cfg.CacheTTL)
	}
	if cfg.TenantRPM != 60 || cfg.TenantBurst != 10 {
		t.Errorf("unexpected tenant quota defaults: %d/%d", cfg.TenantRPM, cfg.TenantBurst)
	}
	if !cfg.SurfacePartial {
		t.Error("partial surfacing should default on")
	}
	if cfg.RateLimitFailClosed {
		t.Error("limiter should default fail-open")
	}

	for _, c := range domain.Capabilities {
		if !cfg.Capabilities[c] {
			t.Errorf("capability %s should default enabled", c)
		}
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ADDR", ":9999")
	t.Setenv("CACHE_TTL", "30s")
	t.Setenv("PROVIDER_TIMEOUT", "15")
	t.Setenv("TENANT_RPM", "120")
	t.Setenv("SURFACE_PARTIAL", "false")
	t.Setenv("RATE_LIMIT_FAIL_CLOSED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Addr != ":9999" {
		t.Errorf("expected :9999, got %s", cfg.Addr)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("expected 30s, got %s", cfg.CacheTTL)
	}
	// Bare integers are read as seconds.
	if cfg.ProviderTimeout != 15*time.Second {
		t.Errorf("expected 15s, got %s", cfg.ProviderTimeout)
	}
	if cfg.TenantRPM != 120 {
		t.Errorf("expected 120, got %d", cfg.TenantRPM)
	}
	if cfg.SurfacePartial {
		t.Error("expected partial surfacing off")
	}
	if !cfg.RateLimitFailClosed {
		t.Error("expected fail-closed on")
	}
}

func TestLoadDisabledCapabilities(t *testing.T) {
	t.Setenv("DISABLED_CAPABILITIES", "refactor, document")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Capabilities[domain.CapabilityRefactor] {
		t.Error("refactor should be disabled")
	}
	if cfg.Capabilities[domain.CapabilityDocument] {
		t.Error("document should be disabled")
	}
	if !cfg.Capabilities[domain.CapabilityComplete] {
		t.Error("unlisted capabilities stay enabled")
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("TENANT_RPM", "not-a-number")
	t.Setenv("CACHE_TTL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.TenantRPM != 60 {
		t.Errorf("invalid int should fall back to default, got %d", cfg.TenantRPM)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("invalid duration should fall back to default, got %s", cfg.CacheTTL)
	}
}
