package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aice-dev/orchestrator/internal/domain"
)

// BuildPrompt renders the normalized request into a system and user prompt
// shared by every adapter, so a fingerprint always maps to the same upstream
// payload regardless of which provider serves it.
func BuildPrompt(req domain.Request) (system, user string) {
	lang := req.Language
	if lang == "" {
		lang = "plain text"
	}

	switch req.Capability {
	case domain.CapabilityComplete:
		system = fmt.Sprintf("You are a %s code completion engine. Continue the given code. Respond with code only.", lang)
		user = req.Code

	case domain.CapabilityGenerate:
		system = fmt.Sprintf("You are a %s code generator. Write code satisfying the description. Respond with code only.", lang)
		user = req.Prompt
		if req.Code != "" {
			user = req.Prompt + "\n\nExisting code for context:\n" + req.Code
		}

	case domain.CapabilityAnalyze:
		checks := "complexity, bugs, security, performance, style"
		if len(req.Options.Checks) > 0 {
			checks = strings.Join(req.Options.Checks, ", ")
		}
		system = fmt.Sprintf(
			"You are a %s code reviewer. Analyze the code for: %s. "+
				`Respond with JSON: {"quality_score": <0-10>, "issues": [{"severity", "message", "line", "suggestion"}]}.`,
			lang, checks)
		user = req.Code

	case domain.CapabilityFix:
		system = fmt.Sprintf("You are a %s debugging assistant. Fix the problems in the code and return the corrected code.", lang)
		user = req.Code
		if req.Prompt != "" {
			user = "Problem description: " + req.Prompt + "\n\n" + req.Code
		}

	case domain.CapabilityRefactor:
		system = fmt.Sprintf("You are a %s refactoring assistant. Improve the code's structure without changing behavior. Respond with code only.", lang)
		user = req.Code

	case domain.CapabilityDocument:
		system = fmt.Sprintf("You are a %s documentation assistant. Add idiomatic doc comments to the code and return it.", lang)
		user = req.Code

	case domain.CapabilityTest:
		system = fmt.Sprintf("You are a %s testing assistant. Write unit tests for the code. Respond with test code only.", lang)
		user = req.Code

	default:
		system = "You are a coding assistant."
		user = req.Prompt
		if user == "" {
			user = req.Code
		}
	}

	return system, user
}

// analysisPayload is the structured shape analyze prompts ask the model for.
type analysisPayload struct {
	QualityScore float64        `json:"quality_score"`
	Issues       []domain.Issue `json:"issues"`
}

// ParseResult builds a Result from raw model text. For analyze calls it
// attempts to decode the structured JSON payload; on any mismatch the raw text
// is preserved and the structured fields stay empty.
func ParseResult(capability domain.Capability, text string, usage domain.Usage) *domain.Result {
	result := &domain.Result{Text: text, Usage: usage}

	if capability != domain.CapabilityAnalyze {
		return result
	}

	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var payload analysisPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return result
	}

	result.QualityScore = payload.QualityScore
	result.Issues = payload.Issues
	return result
}
