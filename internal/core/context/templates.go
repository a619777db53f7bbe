package context

import (
	"fmt"
	"sort"
	"strings"
)

// TemplateTier is the prompt template tier (§9 Open Question), ordered
// most-capable first.
type TemplateTier string

const (
	TierModelZoo       TemplateTier = "model_zoo"
	TierVisionEnhanced TemplateTier = "vision_enhanced"
	TierFullEnriched   TemplateTier = "full_enriched"
	TierEnriched       TemplateTier = "enriched"
	TierBasic          TemplateTier = "basic"
)

// SelectTemplate resolves the tier deterministically from which
// enrichment signals are present, in the fixed priority order
// model_zoo > vision_enhanced > full_enriched > enriched > basic.
func SelectTemplate(ec *EnrichedContext) TemplateTier {
	if ec == nil {
		return TierBasic
	}
	switch {
	case ec.ModelZoo:
		return TierModelZoo
	case ec.VisionEnhanced:
		return TierVisionEnhanced
	case ec.FullEnriched:
		return TierFullEnriched
	case len(ec.Zones) > 0 || ec.Baselines != nil || len(ec.CrossCamera) > 0:
		return TierEnriched
	default:
		return TierBasic
	}
}

// DetectionLine is one formatted detection row for the prompt body,
// mirroring nemotron_analyzer.py's _format_detections.
type DetectionLine struct {
	Time       string
	ObjectType string
	Confidence string
}

// FormatDetections renders a numbered detection list.
func FormatDetections(lines []DetectionLine) string {
	var b strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&b, "  %d. %s - %s (confidence: %s)\n", i+1, l.Time, l.ObjectType, l.Confidence)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatZones renders zone context, or a placeholder when empty.
func FormatZones(zones []ZoneContext) string {
	if len(zones) == 0 {
		return "No zone data available."
	}
	var b strings.Builder
	for _, z := range zones {
		fmt.Fprintf(&b, "- %s: %d detection(s), risk weight: %s\n", z.ZoneName, z.DetectionCount, z.RiskWeight)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatBaseline renders baseline deviation context, or a placeholder.
func FormatBaseline(b *BaselineContext) string {
	if b == nil {
		return "No baseline data available."
	}
	var out strings.Builder
	if len(b.ExpectedDetections) > 0 {
		out.WriteString("Expected activity:\n")
		keys := make([]string, 0, len(b.ExpectedDetections))
		for k := range b.ExpectedDetections {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&out, "  - %s: ~%.1f per hour\n", k, b.ExpectedDetections[k])
		}
	} else {
		out.WriteString("No historical baseline for this time slot.\n")
	}
	if len(b.CurrentDetections) > 0 {
		out.WriteString("Current activity:\n")
		keys := make([]string, 0, len(b.CurrentDetections))
		for k := range b.CurrentDetections {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&out, "  - %s: %d\n", k, b.CurrentDetections[k])
		}
	}
	if b.IsAnomalous {
		fmt.Fprintf(&out, "NOTICE: activity is unusual for this time (deviation: %.2f)\n", b.DeviationScore)
	}
	return strings.TrimRight(out.String(), "\n")
}

// FormatCrossCamera renders cross-camera correlation, or a placeholder.
func FormatCrossCamera(activity []CrossCameraActivity) string {
	if len(activity) == 0 {
		return "No activity detected on other cameras."
	}
	var b strings.Builder
	for _, a := range activity {
		offset := ""
		if abs(a.TimeOffsetSeconds) > 60 {
			mins := abs(a.TimeOffsetSeconds) / 60
			dir := "after"
			if a.TimeOffsetSeconds < 0 {
				dir = "before"
			}
			offset = fmt.Sprintf(" (%.0f min %s)", mins, dir)
		}
		types := "unknown"
		if len(a.ObjectTypes) > 0 {
			types = strings.Join(a.ObjectTypes, ", ")
		}
		fmt.Fprintf(&b, "- %s: %d detection(s) [%s]%s\n", a.CameraName, a.DetectionCount, types, offset)
	}
	return strings.TrimRight(b.String(), "\n")
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// PromptInputs is everything BuildPrompt needs, gathered by the analyzer.
type PromptInputs struct {
	CameraName     string
	StartTime      string
	EndTime        string
	DetectionLines []DetectionLine
	Context        *EnrichedContext
}

// BuildPrompt formats the tiered prompt body. The basic tier matches
// nemotron_analyzer.py's RISK_ANALYSIS_PROMPT shape; richer tiers append
// the corresponding context sections.
func BuildPrompt(in PromptInputs) string {
	tier := SelectTemplate(in.Context)
	detections := FormatDetections(in.DetectionLines)

	var b strings.Builder
	fmt.Fprintf(&b, "You are a home security risk analyst. Camera: %s\n", in.CameraName)
	fmt.Fprintf(&b, "Time window: %s to %s\n\n", in.StartTime, in.EndTime)
	b.WriteString("Detections:\n")
	b.WriteString(detections)
	b.WriteString("\n")

	if tier != TierBasic && in.Context != nil {
		b.WriteString("\nZone context:\n")
		b.WriteString(FormatZones(in.Context.Zones))
		b.WriteString("\n\nBaseline comparison:\n")
		b.WriteString(FormatBaseline(in.Context.Baselines))
		b.WriteString("\n\nCross-camera activity:\n")
		b.WriteString(FormatCrossCamera(in.Context.CrossCamera))
		b.WriteString("\n")
	}

	b.WriteString("\nRespond with a single JSON object: ")
	b.WriteString(`{"risk_score": <0-100 int>, "risk_level": "<low|medium|high|critical>", "summary": "<one sentence>", "reasoning": "<brief explanation>"}`)
	return b.String()
}
