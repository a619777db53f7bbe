package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrycore/vms-core/internal/core/config"
)

func TestExtractRiskJSON_Plain(t *testing.T) {
	text := `{"risk_score": 72, "risk_level": "high", "summary": "loitering", "reasoning": "person lingered"}`
	data, err := ExtractRiskJSON(text)
	require.NoError(t, err)
	assert.Equal(t, 72, data.RiskScore)
	assert.Equal(t, "high", data.RiskLevel)
}

func TestExtractRiskJSON_WithThinkPreamble(t *testing.T) {
	text := `<think>the person approached the door twice</think>
Here is my assessment:
{"risk_score": 40, "risk_level": "medium", "summary": "approach", "reasoning": "repeated approach"}`
	data, err := ExtractRiskJSON(text)
	require.NoError(t, err)
	assert.Equal(t, 40, data.RiskScore)
}

func TestExtractRiskJSON_UnclosedThink(t *testing.T) {
	text := `<think>still reasoning and never closes the tag`
	_, err := ExtractRiskJSON(text)
	assert.Error(t, err)
}

func TestExtractRiskJSON_NestedBracesInSummary(t *testing.T) {
	text := `{"risk_score": 10, "risk_level": "low", "summary": "saw {a} shape", "reasoning": "none"}`
	data, err := ExtractRiskJSON(text)
	require.NoError(t, err)
	assert.Equal(t, "saw {a} shape", data.Summary)
}

func TestExtractRiskJSON_SkipsCandidateMissingFields(t *testing.T) {
	text := `{"note": "not the risk object"} then later {"risk_score": 55, "risk_level": "medium"}`
	data, err := ExtractRiskJSON(text)
	require.NoError(t, err)
	assert.Equal(t, 55, data.RiskScore)
}

func TestExtractRiskJSON_NoMatch(t *testing.T) {
	_, err := ExtractRiskJSON("no json here at all")
	assert.Error(t, err)
}

func TestValidateRiskData_ClampsAndInfersLevel(t *testing.T) {
	sev := config.Severity{LowMax: 29, MediumMax: 59, HighMax: 84}

	out := ValidateRiskData(RiskData{RiskScore: 150, RiskLevel: "nonsense"}, sev)
	assert.Equal(t, 100, out.RiskScore)
	assert.Equal(t, "critical", out.RiskLevel)
	assert.Equal(t, "Risk analysis completed", out.Summary)
	assert.Equal(t, "No detailed reasoning provided", out.Reasoning)
}

func TestValidateRiskData_KeepsValidLevel(t *testing.T) {
	sev := config.Severity{LowMax: 29, MediumMax: 59, HighMax: 84}
	out := ValidateRiskData(RiskData{RiskScore: 20, RiskLevel: "HIGH"}, sev)
	assert.Equal(t, "high", out.RiskLevel)
}

func TestValidateRiskData_NegativeScoreClampedToZero(t *testing.T) {
	sev := config.Severity{LowMax: 29, MediumMax: 59, HighMax: 84}
	out := ValidateRiskData(RiskData{RiskScore: -5, RiskLevel: "low"}, sev)
	assert.Equal(t, 0, out.RiskScore)
}
