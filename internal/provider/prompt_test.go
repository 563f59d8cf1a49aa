package provider

import (
	"strings"
	"testing"

	"github.com/aice-dev/orchestrator/internal/domain"
)

func TestBuildPromptPerCapability(t *testing.T) {
	cases := []struct {
		capability domain.Capability
		wantSystem string
		wantUser   string
	}{
		{domain.CapabilityComplete, "completion engine", "func main"},
		{domain.CapabilityGenerate, "code generator", "write a parser"},
		{domain.CapabilityAnalyze, "code reviewer", "func main"},
		{domain.CapabilityFix, "debugging assistant", "func main"},
		{domain.CapabilityRefactor, "refactoring assistant", "func main"},
		{domain.CapabilityDocument, "documentation assistant", "func main"},
		{domain.CapabilityTest, "testing assistant", "func main"},
	}

	for _, tc := range cases {
		t.Run(string(tc.capability), func(t *testing.T) {
			req := domain.Request{
				Capability: tc.capability,
				Language:   "go",
				Code:       "func main",
				Prompt:     "write a parser",
			}

			system, user := BuildPrompt(req)
			if !strings.Contains(system, tc.wantSystem) {
				t.Errorf("system prompt missing %q: %s", tc.wantSystem, system)
			}
			if !strings.Contains(system, "go") {
				t.Errorf("system prompt missing language: %s", system)
			}
			if !strings.Contains(user, tc.wantUser) {
				t.Errorf("user prompt missing %q: %s", tc.wantUser, user)
			}
		})
	}
}

func TestBuildPromptAnalyzeChecks(t *testing.T) {
	req := domain.Request{
		Capability: domain.CapabilityAnalyze,
		Language:   "go",
		Code:       "func main() {}",
		Options:    domain.Options{Checks: []string{"security", "bugs"}},
	}

	system, _ := BuildPrompt(req)
	if !strings.Contains(system, "security, bugs") {
		t.Errorf("requested checks missing from system prompt: %s", system)
	}
	if !strings.Contains(system, "quality_score") {
		t.Errorf("analyze prompt must request structured JSON: %s", system)
	}
}

func TestBuildPromptGenerateWithContext(t *testing.T) {
	req := domain.Request{
		Capability: domain.CapabilityGenerate,
		Language:   "go",
		Prompt:     "add a close method",
		Code:       "type Conn struct{}",
	}

	_, user := BuildPrompt(req)
	if !strings.Contains(user, "add a close method") || !strings.Contains(user, "type Conn struct{}") {
		t.Errorf("generate prompt should include both description and code: %s", user)
	}
}

func TestParseResultPlainText(t *testing.T) {
	result := ParseResult(domain.CapabilityComplete, "fmt.Println(1)", domain.Usage{TotalTokens: 5})

	if result.Text != "fmt.Println(1)" {
		t.Errorf("unexpected text: %q", result.Text)
	}
	if result.QualityScore != 0 || result.Issues != nil {
		t.Error("non-analyze results must not carry structured fields")
	}
	if result.Usage.TotalTokens != 5 {
		t.Errorf("usage not preserved: %+v", result.Usage)
	}
}

func TestParseResultAnalyzeJSON(t *testing.T) {
	raw := `{"quality_score": 7.5, "issues": [{"severity": "warning", "message": "unused variable", "line": 3}]}`

	result := ParseResult(domain.CapabilityAnalyze, raw, domain.Usage{})

	if result.QualityScore != 7.5 {
		t.Errorf("expected quality score 7.5, got %f", result.QualityScore)
	}
	if len(result.Issues) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(result.Issues))
	}
	if result.Issues[0].Severity != "warning" || result.Issues[0].Line != 3 {
		t.Errorf("unexpected issue: %+v", result.Issues[0])
	}
}

func TestParseResultAnalyzeFencedJSON(t *testing.T) {
	raw := "```json\n{\"quality_score\": 9, \"issues\": []}\n```"

	result := ParseResult(domain.CapabilityAnalyze, raw, domain.Usage{})
	if result.QualityScore != 9 {
		t.Errorf("fenced JSON should parse, got score %f", result.QualityScore)
	}
}

func TestParseResultAnalyzeMalformed(t *testing.T) {
	raw := "the code looks fine to me"

	result := ParseResult(domain.CapabilityAnalyze, raw, domain.Usage{})
	if result.Text != raw {
		t.Error("raw text must be preserved when JSON decoding fails")
	}
	if result.QualityScore != 0 || result.Issues != nil {
		t.Error("structured fields must stay empty on decode failure")
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{401, domain.ErrProviderAuth},
		{403, domain.ErrProviderAuth},
		{429, domain.ErrProviderRateLimited},
		{500, domain.ErrProviderUnavailable},
		{503, domain.ErrProviderUnavailable},
		{400, domain.ErrProviderMalformed},
		{200, nil},
	}

	for _, tc := range cases {
		if got := NormalizeStatus(tc.status); got != tc.want {
			t.Errorf("status %d: expected %v, got %v", tc.status, tc.want, got)
		}
	}
}
