// Package api exposes the orchestrator over HTTP: capability dispatch with
// optional SSE streaming, tenant usage reporting, health, and metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aice-dev/orchestrator/internal/circuitbreaker"
	"github.com/aice-dev/orchestrator/internal/domain"
	"github.com/aice-dev/orchestrator/internal/orchestrator"
	"github.com/aice-dev/orchestrator/internal/stream"
	"github.com/aice-dev/orchestrator/internal/usage"
)

const tenantHeader = "X-Tenant-ID"

type Handler struct {
	orch     *orchestrator.Orchestrator
	breakers *circuitbreaker.Monitor
	usage    usage.Tracker
}

func NewHandler(orch *orchestrator.Orchestrator, breakers *circuitbreaker.Monitor, tracker usage.Tracker) *Handler {
	return &Handler{orch: orch, breakers: breakers, usage: tracker}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/code/{capability}", h.handleCode)
	mux.HandleFunc("GET /v1/usage", h.handleUsage)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

type codeRequest struct {
	Language string         `json:"language"`
	Code     string         `json:"code,omitempty"`
	Prompt   string         `json:"prompt,omitempty"`
	Options  domain.Options `json:"options"`
}

func (h *Handler) handleCode(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "missing "+tenantHeader+" header")
		return
	}

	var body codeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := domain.Request{
		TenantID:   tenantID,
		Capability: domain.Capability(r.PathValue("capability")),
		Language:   body.Language,
		Code:       body.Code,
		Prompt:     body.Prompt,
		Options:    body.Options,
	}

	if req.Options.Stream {
		h.streamCode(w, r, req)
		return
	}

	result, err := h.orch.Dispatch(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// streamCode serves the request as Server-Sent Events. Each chunk is one data
// event; the stream ends with [DONE] on success or an error event on failure.
func (h *Handler) streamCode(w http.ResponseWriter, r *http.Request, req domain.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	session, err := h.orch.DispatchStream(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Stream-ID", session.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, open := <-session.Events():
			if !open {
				if session.State() == stream.StateCompleted {
					fmt.Fprint(w, "data: [DONE]\n\n")
					flusher.Flush()
				}
				return
			}

			if event.Err != nil {
				payload, _ := json.Marshal(map[string]interface{}{
					"error":   event.Err.Error(),
					"partial": event.Partial,
				})
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
				flusher.Flush()
				return
			}

			payload, _ := json.Marshal(event.Chunk)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()

		case <-r.Context().Done():
			session.Cancel()
			// Drain so the pump unblocks and the session tears down.
			for range session.Events() {
			}
			return
		}
	}
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "missing "+tenantHeader+" header")
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			writeError(w, http.StatusBadRequest, "since_hours must be a positive integer")
			return
		}
		since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}

	records, err := h.usage.TenantUsage(r.Context(), tenantID, since)
	if err != nil {
		slog.Error("usage query failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "usage unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"since":     since.UTC().Format(time.RFC3339),
		"records":   records,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"providers": h.orch.Providers(),
		"circuits":  h.breakers.States(),
	})
}

// writeDomainError maps domain error kinds onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) {
		seconds := int(rateErr.RetryAfter.Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrCapabilityDisabled):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrAllProvidersExhausted):
		// Checked before ErrRateLimited: the wrapped LastErr may carry a
		// per-provider rate-limit denial, but the dispatch was exhausted.
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("dispatch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
