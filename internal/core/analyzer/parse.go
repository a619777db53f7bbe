package analyzer

import (
	"encoding/json"
	"strings"

	"github.com/sentrycore/vms-core/internal/core/config"
	"github.com/sentrycore/vms-core/internal/core/errs"
)

// ExtractRiskJSON parses an LLM completion tolerating a "thinking" preamble
// delimited by <think>...</think> (possibly unclosed), interleaved prose
// before the first '{', and returns the first balanced JSON object that
// contains both risk_score and risk_level (§4.2). Stricter than the
// original's regex scan: this walks brace depth so nested objects in the
// summary/reasoning fields don't truncate the match early.
func ExtractRiskJSON(text string) (RiskData, error) {
	body := stripThink(text)

	for start := strings.IndexByte(body, '{'); start != -1; start = nextBrace(body, start+1) {
		end := matchingBrace(body, start)
		if end == -1 {
			continue
		}
		candidate := body[start : end+1]
		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
			continue
		}
		if _, hasScore := raw["risk_score"]; !hasScore {
			continue
		}
		if _, hasLevel := raw["risk_level"]; !hasLevel {
			continue
		}
		var data RiskData
		if err := json.Unmarshal([]byte(candidate), &data); err != nil {
			continue
		}
		return data, nil
	}

	return RiskData{}, errs.ValueError("no valid risk JSON object found in LLM response", nil)
}

// stripThink removes a single <think>...</think> block, tolerating an
// unclosed tag by dropping everything from <think> onward in that case.
func stripThink(text string) string {
	start := strings.Index(text, "<think>")
	if start == -1 {
		return text
	}
	end := strings.Index(text[start:], "</think>")
	if end == -1 {
		return text[:start]
	}
	return text[:start] + text[start+end+len("</think>"):]
}

func nextBrace(s string, from int) int {
	if from >= len(s) {
		return -1
	}
	idx := strings.IndexByte(s[from:], '{')
	if idx == -1 {
		return -1
	}
	return from + idx
}

// matchingBrace returns the index of the brace matching the one at open,
// or -1 if the object is never closed.
func matchingBrace(s string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ValidateRiskData clamps risk_score to [0,100], infers risk_level from
// the configured thresholds when missing/invalid, and fills default
// summary/reasoning (§4.2/§8).
func ValidateRiskData(data RiskData, severity config.Severity) RiskData {
	score := data.RiskScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	level := strings.ToLower(strings.TrimSpace(data.RiskLevel))
	switch level {
	case "low", "medium", "high", "critical":
	default:
		level = severity.Classify(score)
	}

	summary := data.Summary
	if summary == "" {
		summary = "Risk analysis completed"
	}
	reasoning := data.Reasoning
	if reasoning == "" {
		reasoning = "No detailed reasoning provided"
	}

	return RiskData{RiskScore: score, RiskLevel: level, Summary: summary, Reasoning: reasoning}
}
