// Package usage records per-tenant provider-call accounting. Records feed
// operational reporting, not billing: tokens, latency, serving provider, and
// whether the cache served the request.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/aice-dev/orchestrator/internal/domain"
)

// Record is one accounted dispatch outcome.
type Record struct {
	TenantID     string            `json:"tenant_id"`
	RequestID    string            `json:"request_id"`
	Capability   domain.Capability `json:"capability"`
	Language     string            `json:"language"`
	Provider     string            `json:"provider"`
	PromptTokens int               `json:"prompt_tokens"`
	OutputTokens int               `json:"output_tokens"`
	LatencyMs    int64             `json:"latency_ms"`
	CacheHit     bool              `json:"cache_hit"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Tracker persists usage records. Recording is best-effort from the
// orchestrator's point of view; errors are logged, never surfaced to callers.
type Tracker interface {
	Record(ctx context.Context, record Record) error
	TenantUsage(ctx context.Context, tenantID string, since time.Time) ([]Record, error)
}

type InMemoryTracker struct {
	mu      sync.RWMutex
	records []Record
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{records: make([]Record, 0)}
}

func (t *InMemoryTracker) Record(ctx context.Context, record Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, record)
	return nil
}

func (t *InMemoryTracker) TenantUsage(ctx context.Context, tenantID string, since time.Time) ([]Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []Record
	for _, r := range t.records {
		if r.TenantID == tenantID && r.Timestamp.After(since) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (t *InMemoryTracker) All() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Record, len(t.records))
	copy(result, t.records)
	return result
}

// PostgresTracker stores usage records in the usage_records table.
type PostgresTracker struct {
	db *sql.DB
}

func NewPostgresTracker(db *sql.DB) *PostgresTracker {
	return &PostgresTracker{db: db}
}

func (t *PostgresTracker) Record(ctx context.Context, record Record) error {
	query := `
		INSERT INTO usage_records (tenant_id, request_id, capability, language, provider, prompt_tokens, output_tokens, latency_ms, cache_hit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := t.db.ExecContext(ctx, query,
		record.TenantID,
		record.RequestID,
		string(record.Capability),
		record.Language,
		record.Provider,
		record.PromptTokens,
		record.OutputTokens,
		record.LatencyMs,
		record.CacheHit,
		record.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (t *PostgresTracker) TenantUsage(ctx context.Context, tenantID string, since time.Time) ([]Record, error) {
	query := `
		SELECT tenant_id, request_id, capability, language, provider, prompt_tokens, output_tokens, latency_ms, cache_hit, created_at
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := t.db.QueryContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var capability string
		err := rows.Scan(
			&r.TenantID,
			&r.RequestID,
			&capability,
			&r.Language,
			&r.Provider,
			&r.PromptTokens,
			&r.OutputTokens,
			&r.LatencyMs,
			&r.CacheHit,
			&r.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		r.Capability = domain.Capability(capability)
		records = append(records, r)
	}

	return records, rows.Err()
}
