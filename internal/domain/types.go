package domain

// Capability identifies one coding-assistance operation a provider can perform.
type Capability string

const (
	CapabilityComplete Capability = "complete"
	CapabilityGenerate Capability = "generate"
	CapabilityAnalyze  Capability = "analyze"
	CapabilityFix      Capability = "fix"
	CapabilityRefactor Capability = "refactor"
	CapabilityDocument Capability = "document"
	CapabilityTest     Capability = "test"
)

// Capabilities lists every capability the engine knows about.
var Capabilities = []Capability{
	CapabilityComplete,
	CapabilityGenerate,
	CapabilityAnalyze,
	CapabilityFix,
	CapabilityRefactor,
	CapabilityDocument,
	CapabilityTest,
}

func (c Capability) Valid() bool {
	for _, known := range Capabilities {
		if c == known {
			return true
		}
	}
	return false
}

// Request is a normalized, already-authenticated coding-assistance request.
// It is immutable once accepted by the orchestrator.
type Request struct {
	TenantID   string     `json:"tenant_id"`
	Capability Capability `json:"capability"`
	Language   string     `json:"language"`
	Code       string     `json:"code,omitempty"`
	Prompt     string     `json:"prompt,omitempty"`
	Options    Options    `json:"options"`
}

// Options carries the request knobs. Checks, MaxTokens and Temperature affect
// provider output and therefore participate in the fingerprint; Stream does not.
type Options struct {
	Checks      []string `json:"checks,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// Result is the provider-agnostic outcome of a capability call.
type Result struct {
	Text         string  `json:"text"`
	QualityScore float64 `json:"quality_score,omitempty"`
	Issues       []Issue `json:"issues,omitempty"`
	Usage        Usage   `json:"usage"`
	Meta         *Meta   `json:"x_orchestrator,omitempty"`
}

// Issue is one finding from an analyze/fix call.
type Issue struct {
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	Line       int    `json:"line,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Usage is provider-reported token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Meta describes how the orchestrator served a request. It is attached per
// caller and never stored in the cache.
type Meta struct {
	Provider  string `json:"provider"`
	Attempts  int    `json:"attempts"`
	LatencyMs int64  `json:"latency_ms"`
	CacheHit  bool   `json:"cache_hit"`
	Shared    bool   `json:"shared,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Chunk is one streamed fragment of a result, delivered in provider-emission order.
type Chunk struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
}
