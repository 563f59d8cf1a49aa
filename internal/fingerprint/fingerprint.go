// Package fingerprint computes deterministic digests of coding-assistance
// requests. Two requests with the same fingerprint are guaranteed to produce
// the same upstream provider call, so the digest serves as both the cache key
// and the single-flight key. Tenant identity and request timing are excluded.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/aice-dev/orchestrator/internal/domain"
)

// Compute returns the fingerprint for a request. Only fields that affect
// provider output participate: capability, language, normalized payload, and
// the output-affecting options. The Stream flag does not change the upstream
// call's content and is excluded.
func Compute(req domain.Request) string {
	checks := make([]string, len(req.Options.Checks))
	copy(checks, req.Options.Checks)
	sort.Strings(checks)

	data, _ := json.Marshal(struct {
		Capability  domain.Capability `json:"capability"`
		Language    string            `json:"language"`
		Code        string            `json:"code"`
		Prompt      string            `json:"prompt"`
		Checks      []string          `json:"checks,omitempty"`
		MaxTokens   *int              `json:"max_tokens,omitempty"`
		Temperature *float64          `json:"temperature,omitempty"`
	}{
		Capability:  req.Capability,
		Language:    strings.ToLower(strings.TrimSpace(req.Language)),
		Code:        normalize(req.Code),
		Prompt:      normalize(req.Prompt),
		Checks:      checks,
		MaxTokens:   req.Options.MaxTokens,
		Temperature: req.Options.Temperature,
	})

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// normalize strips insignificant whitespace variations so that formatting-only
// differences (CRLF, trailing spaces, surrounding blank lines) collapse to the
// same digest.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}
