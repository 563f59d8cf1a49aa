package fingerprint

import (
	"testing"

	"github.com/aice-dev/orchestrator/internal/domain"
)

func baseRequest() domain.Request {
	return domain.Request{
		TenantID:   "tenant-a",
		Capability: domain.CapabilityAnalyze,
		Language:   "go",
		Code:       "func main() {}\n",
		Options: domain.Options{
			Checks: []string{"bugs", "security"},
		},
	}
}

func TestComputeDeterministic(t *testing.T) {
	req := baseRequest()

	first := Compute(req)
	second := Compute(req)

	if first != second {
		t.Errorf("same request produced different fingerprints: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(first))
	}
}

func TestComputeExcludesTenant(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.TenantID = "tenant-b"

	if Compute(a) != Compute(b) {
		t.Error("tenant identity must not affect the fingerprint")
	}
}

func TestComputeExcludesStreamFlag(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Options.Stream = true

	if Compute(a) != Compute(b) {
		t.Error("stream flag must not affect the fingerprint")
	}
}

func TestComputeNormalizesWhitespace(t *testing.T) {
	a := baseRequest()
	a.Code = "func main() {\n\tfmt.Println(1)\n}"

	b := baseRequest()
	b.Code = "\nfunc main() {\r\n\tfmt.Println(1)  \r\n}\n\n"

	if Compute(a) != Compute(b) {
		t.Error("formatting-only differences must collapse to the same fingerprint")
	}
}

func TestComputeNormalizesLanguageCase(t *testing.T) {
	a := baseRequest()
	a.Language = "Go"
	b := baseRequest()
	b.Language = " go "

	if Compute(a) != Compute(b) {
		t.Error("language casing must not affect the fingerprint")
	}
}

func TestComputeChecksOrderInsensitive(t *testing.T) {
	a := baseRequest()
	a.Options.Checks = []string{"security", "bugs"}
	b := baseRequest()
	b.Options.Checks = []string{"bugs", "security"}

	if Compute(a) != Compute(b) {
		t.Error("check order must not affect the fingerprint")
	}
}

func TestComputeSensitiveFields(t *testing.T) {
	maxTokens := 100
	temp := 0.5

	base := baseRequest()

	variants := map[string]domain.Request{}

	v := baseRequest()
	v.Capability = domain.CapabilityFix
	variants["capability"] = v

	v = baseRequest()
	v.Language = "python"
	variants["language"] = v

	v = baseRequest()
	v.Code = "func main() { panic(1) }"
	variants["code"] = v

	v = baseRequest()
	v.Options.Checks = []string{"style"}
	variants["checks"] = v

	v = baseRequest()
	v.Options.MaxTokens = &maxTokens
	variants["max_tokens"] = v

	v = baseRequest()
	v.Options.Temperature = &temp
	variants["temperature"] = v

	ref := Compute(base)
	for name, variant := range variants {
		if Compute(variant) == ref {
			t.Errorf("changing %s must change the fingerprint", name)
		}
	}
}
