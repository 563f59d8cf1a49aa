package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aice-dev/orchestrator/internal/cache"
	"github.com/aice-dev/orchestrator/internal/circuitbreaker"
	"github.com/aice-dev/orchestrator/internal/domain"
	"github.com/aice-dev/orchestrator/internal/orchestrator"
	"github.com/aice-dev/orchestrator/internal/provider"
	"github.com/aice-dev/orchestrator/internal/ratelimit"
	"github.com/aice-dev/orchestrator/internal/stream"
	"github.com/aice-dev/orchestrator/internal/usage"
)

type stubAdapter struct {
	invokeFn func(ctx context.Context, req domain.Request) (*domain.Result, error)
}

func (s *stubAdapter) ID() string { return "stub" }

func (s *stubAdapter) Invoke(ctx context.Context, req domain.Request) (*domain.Result, error) {
	if s.invokeFn != nil {
		return s.invokeFn(ctx, req)
	}
	return &domain.Result{Text: "stub response"}, nil
}

func (s *stubAdapter) Stream(ctx context.Context, req domain.Request) (<-chan domain.Chunk, <-chan error) {
	chunks := make(chan domain.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i, c := range []string{"one", "two"} {
			chunks <- domain.Chunk{Index: i, Content: c}
		}
	}()
	return chunks, errs
}

func newTestHandler(adapter *stubAdapter) *Handler {
	breakers := circuitbreaker.NewMonitor(circuitbreaker.DefaultConfig())
	tracker := usage.NewInMemoryTracker()

	orch := orchestrator.New(orchestrator.Config{
		Entries: []orchestrator.Entry{{
			Descriptor: provider.Descriptor{
				Name:      "stub",
				Priority:  1,
				PerMinute: 600,
				Burst:     100,
				Timeout:   time.Second,
			},
			Adapter: adapter,
		}},
		Cache:       cache.NewInMemoryCache(0),
		Limiter:     ratelimit.NewInMemoryLimiter(),
		Breakers:    breakers,
		Usage:       tracker,
		Multiplexer: stream.NewMultiplexer(8),
		CacheTTL:    time.Minute,
		TenantQuota: ratelimit.Quota{PerMinute: 600, Burst: 100},
	})

	return NewHandler(orch, breakers, tracker)
}

func postCode(t *testing.T, h *Handler, capability, tenant string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/code/"+capability, strings.NewReader(body))
	if tenant != "" {
		req.Header.Set(tenantHeader, tenant)
	}
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleCodeSuccess(t *testing.T) {
	h := newTestHandler(&stubAdapter{})

	rec := postCode(t, h, "complete", "tenant-1", `{"language":"go","code":"func main"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result domain.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if result.Text != "stub response" {
		t.Errorf("unexpected text: %q", result.Text)
	}
	if result.Meta == nil || result.Meta.Provider != "stub" {
		t.Errorf("expected meta with provider, got %+v", result.Meta)
	}
}

func TestHandleCodeMissingTenant(t *testing.T) {
	h := newTestHandler(&stubAdapter{})

	rec := postCode(t, h, "complete", "", `{"language":"go","code":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCodeUnknownCapability(t *testing.T) {
	h := newTestHandler(&stubAdapter{})

	rec := postCode(t, h, "translate", "tenant-1", `{"language":"go","code":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCodeInvalidBody(t *testing.T) {
	h := newTestHandler(&stubAdapter{})

	rec := postCode(t, h, "complete", "tenant-1", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCodeExhausted(t *testing.T) {
	h := newTestHandler(&stubAdapter{
		invokeFn: func(ctx context.Context, req domain.Request) (*domain.Result, error) {
			return nil, domain.ErrProviderUnavailable
		},
	})

	rec := postCode(t, h, "complete", "tenant-1", `{"language":"go","code":"x"}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCodeStreaming(t *testing.T) {
	h := newTestHandler(&stubAdapter{})

	req := httptest.NewRequest(http.MethodPost, "/v1/code/complete",
		strings.NewReader(`{"language":"go","code":"func main","options":{"stream":true}}`))
	req.Header.Set(tenantHeader, "tenant-1")

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type, got %q", ct)
	}
	if rec.Header().Get("X-Stream-ID") == "" {
		t.Error("expected stream id header")
	}

	var payloads []string
	sawDone := false
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		payloads = append(payloads, data)
	}

	if len(payloads) != 2 {
		t.Fatalf("expected 2 chunk events, got %d", len(payloads))
	}
	var chunk domain.Chunk
	if err := json.Unmarshal([]byte(payloads[0]), &chunk); err != nil {
		t.Fatalf("invalid chunk payload: %v", err)
	}
	if chunk.Content != "one" {
		t.Errorf("unexpected first chunk: %+v", chunk)
	}
	if !sawDone {
		t.Error("expected [DONE] marker after the final chunk")
	}
}

func TestHandleHealth(t *testing.T) {
	h := newTestHandler(&stubAdapter{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Status    string            `json:"status"`
		Providers []string          `json:"providers"`
		Circuits  map[string]string `json:"circuits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid health body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("expected ok, got %q", body.Status)
	}
	if len(body.Providers) != 1 || body.Providers[0] != "stub" {
		t.Errorf("unexpected providers: %v", body.Providers)
	}
}

func TestHandleUsage(t *testing.T) {
	h := newTestHandler(&stubAdapter{})

	// Generate one record, then read it back.
	postCode(t, h, "complete", "tenant-1", `{"language":"go","code":"func main"}`)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set(tenantHeader, "tenant-1")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		TenantID string         `json:"tenant_id"`
		Records  []usage.Record `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid usage body: %v", err)
	}
	if len(body.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(body.Records))
	}
	if body.Records[0].Provider != "stub" {
		t.Errorf("unexpected record: %+v", body.Records[0])
	}
}

func TestHandleUsageBadSince(t *testing.T) {
	h := newTestHandler(&stubAdapter{})

	req := httptest.NewRequest(http.MethodGet, "/v1/usage?since_hours=-1", nil)
	req.Header.Set(tenantHeader, "tenant-1")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
