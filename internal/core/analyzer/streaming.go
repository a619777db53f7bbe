package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	ctxpkg "github.com/sentrycore/vms-core/internal/core/context"
	"github.com/sentrycore/vms-core/internal/data"
)

// StreamEventType discriminates the three streaming event shapes (§4.3).
type StreamEventType string

const (
	StreamProgress StreamEventType = "progress"
	StreamComplete StreamEventType = "complete"
	StreamError    StreamEventType = "error"
)

// StreamEvent is one item of analyze_batch_streaming's lazy sequence.
// Exactly one of Progress/Complete/Error is populated, matching Type.
type StreamEvent struct {
	Type     StreamEventType
	Progress *ProgressData
	Complete *CompleteData
	Error    *ErrorData
}

type ProgressData struct {
	Content         string
	AccumulatedText string
}

type CompleteData struct {
	EventID   int64
	RiskScore int
	RiskLevel string
	Summary   string
	Reasoning string
}

type ErrorData struct {
	ErrorCode    string
	ErrorMessage string
	Recoverable  bool
}

// AnalyzeBatchStreaming implements analyze_batch_streaming (§4.3): returns
// a channel of StreamEvent terminating in exactly one complete or error.
// The channel is closed by the sender once the terminal event is sent.
func (a *Analyzer) AnalyzeBatchStreaming(ctx context.Context, batchID string, cameraID uuid.UUID, detectionIDs []int64) <-chan StreamEvent {
	out := make(chan StreamEvent, 8)
	go a.runStream(ctx, batchID, cameraID, detectionIDs, out)
	return out
}

func (a *Analyzer) runStream(ctx context.Context, batchID string, cameraID uuid.UUID, detectionIDs []int64, out chan<- StreamEvent) {
	defer close(out)

	if existing, err := a.events.GetByBatchID(ctx, batchID); err == nil {
		out <- StreamEvent{Type: StreamComplete, Complete: &CompleteData{
			EventID: existing.ID, RiskScore: existing.RiskScore, RiskLevel: existing.RiskLevel,
			Summary: existing.Summary, Reasoning: existing.Reasoning,
		}}
		return
	} else if err != data.ErrRecordNotFound {
		a.sendErr(out, "INTERNAL_ERROR", err.Error(), true)
		return
	}

	if len(detectionIDs) == 0 {
		a.sendErr(out, "BATCH_NOT_FOUND", fmt.Sprintf("batch %q not found", batchID), false)
		return
	}

	dets, err := a.detections.BatchFetchDetections(ctx, detectionIDs, data.DefaultBatchFetchSize, true)
	if err != nil {
		a.sendErr(out, "INTERNAL_ERROR", err.Error(), true)
		return
	}
	if len(dets) == 0 {
		a.sendErr(out, "NO_DETECTIONS", fmt.Sprintf("batch %q has no detections", batchID), false)
		return
	}

	startTime, endTime := dets[0].DetectedAt, dets[0].DetectedAt
	for _, d := range dets {
		if d.DetectedAt.Before(startTime) {
			startTime = d.DetectedAt
		}
		if d.DetectedAt.After(endTime) {
			endTime = d.DetectedAt
		}
	}

	cameraName := cameraID.String()
	if a.cameraNames != nil {
		cameraName = a.cameraNames.Name(ctx, cameraID)
	}
	var enriched *ctxpkg.EnrichedContext
	if a.enricher != nil {
		enriched = a.enricher.Enrich(ctx, cameraName, cameraID, dets)
	}
	prompt := ctxpkg.BuildPrompt(ctxpkg.PromptInputs{
		CameraName:     cameraName,
		StartTime:      startTime.Format(time.RFC3339),
		EndTime:        endTime.Format(time.RFC3339),
		DetectionLines: detectionLines(dets),
		Context:        enriched,
	})

	if err := a.sem.Acquire(ctx); err != nil {
		a.sendErr(out, "CANCELLED", "cancelled waiting for inference permit", true)
		return
	}
	defer a.sem.Release()

	var accumulated string
	streamErr := a.llm.streamChunks(ctx, prompt, func(content string) {
		accumulated += content
		select {
		case out <- StreamEvent{Type: StreamProgress, Progress: &ProgressData{Content: content, AccumulatedText: accumulated}}:
		case <-ctx.Done():
		}
	})

	if ctx.Err() != nil {
		// Cancelled mid-stream: permit released above, no event persisted,
		// no complete/error beyond this point (§5).
		return
	}

	var risk RiskData
	if streamErr != nil {
		risk = FallbackRiskData(streamErr.Error())
	} else {
		risk, err = ExtractRiskJSON(accumulated)
		if err != nil {
			risk = FallbackRiskData(err.Error())
		}
	}
	risk = ValidateRiskData(risk, a.severity)

	event := &data.Event{
		BatchID:   batchID,
		CameraID:  cameraID,
		StartedAt: startTime,
		EndedAt:   endTime,
		RiskScore: risk.RiskScore,
		RiskLevel: risk.RiskLevel,
		Summary:   risk.Summary,
		Reasoning: risk.Reasoning,
		LLMPrompt: prompt,
	}
	if err := a.events.Create(ctx, event); err != nil {
		a.sendErr(out, "INTERNAL_ERROR", err.Error(), true)
		return
	}
	ids := make([]int64, 0, len(dets))
	for _, d := range dets {
		ids = append(ids, d.ID)
	}
	if err := a.junction.LinkMany(ctx, event.ID, ids); err != nil {
		a.sendErr(out, "INTERNAL_ERROR", err.Error(), true)
		return
	}

	a.broadcastEvent(ctx, event)

	out <- StreamEvent{Type: StreamComplete, Complete: &CompleteData{
		EventID: event.ID, RiskScore: event.RiskScore, RiskLevel: event.RiskLevel,
		Summary: event.Summary, Reasoning: event.Reasoning,
	}}
}

func (a *Analyzer) sendErr(out chan<- StreamEvent, code, msg string, recoverable bool) {
	out <- StreamEvent{Type: StreamError, Error: &ErrorData{ErrorCode: code, ErrorMessage: msg, Recoverable: recoverable}}
}
