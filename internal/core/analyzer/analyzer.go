// Package analyzer implements NemotronAnalyzer (§4.2/§4.3): turns a closed
// batch or a single fast-path detection into a persisted, broadcast risk
// Event, tolerating LLM failure/parse errors via fallback risk data and
// guarding exactly-once event creation under concurrent retries.
package analyzer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sentrycore/vms-core/internal/core/config"
	ctxpkg "github.com/sentrycore/vms-core/internal/core/context"
	"github.com/sentrycore/vms-core/internal/core/errs"
	"github.com/sentrycore/vms-core/internal/core/inference"
	"github.com/sentrycore/vms-core/internal/core/queue"
	"github.com/sentrycore/vms-core/internal/data"
)

// EventEnvelope is the broadcast message shape from §4.2/§6:
// {"type": "event", "data": {...}}.
type EventEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventPayload is the envelope's data field.
type EventPayload struct {
	EventID    int64     `json:"event_id"`
	BatchID    string    `json:"batch_id"`
	CameraID   string    `json:"camera_id"`
	RiskScore  int       `json:"risk_score"`
	RiskLevel  string    `json:"risk_level"`
	Summary    string    `json:"summary"`
	StartedAt  time.Time `json:"started_at"`
	IsFastPath bool      `json:"is_fast_path"`
}

// Broadcaster publishes a finished event envelope to subscribers, wired to
// internal/core/broadcast in the full pipeline.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, env EventEnvelope) error
}

// CameraNameResolver supplies a human-readable camera name for the prompt;
// falls back to the id's string form when absent (matching the original's
// "camera not found, using ID as name" behavior).
type CameraNameResolver interface {
	Name(ctx context.Context, cameraID uuid.UUID) string
}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastEvent(context.Context, EventEnvelope) error { return nil }

// Analyzer is NemotronAnalyzer.
type Analyzer struct {
	events      data.EventModel
	detections  data.DetectionModel
	junction    data.EventDetectionModel
	sem         *inference.Semaphore
	llm         *llmClient
	severity    config.Severity
	enricher    *ctxpkg.Enricher
	broadcaster Broadcaster
	cameraNames CameraNameResolver
}

type Config struct {
	Events      data.EventModel
	Detections  data.DetectionModel
	Junction    data.EventDetectionModel
	Semaphore   *inference.Semaphore
	AI          config.AI
	Severity    config.Severity
	Enricher    *ctxpkg.Enricher
	Broadcaster Broadcaster
	CameraNames CameraNameResolver
}

func New(cfg Config) *Analyzer {
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	return &Analyzer{
		events:      cfg.Events,
		detections:  cfg.Detections,
		junction:    cfg.Junction,
		sem:         cfg.Semaphore,
		llm:         newLLMClient(cfg.AI),
		severity:    cfg.Severity,
		enricher:    cfg.Enricher,
		broadcaster: broadcaster,
		cameraNames: cfg.CameraNames,
	}
}

// HealthCheck implements health_check (§4.2): GETs /health with the
// configured health timeout.
func (a *Analyzer) HealthCheck(ctx context.Context) bool {
	return a.llm.healthCheck(ctx)
}

// AnalyzeWorkItem implements queue.AnalysisHandler, wiring AnalysisQueueWorker
// to AnalyzeBatch without the queue package importing analyzer.
func (a *Analyzer) AnalyzeWorkItem(ctx context.Context, item queue.WorkItem) error {
	cameraID, err := uuid.Parse(item.CameraID)
	if err != nil {
		return errs.ValueError(fmt.Sprintf("invalid camera id %q in work item", item.CameraID), err)
	}
	_, err = a.AnalyzeBatch(ctx, item.BatchID, cameraID, item.DetectionIDs)
	return err
}

// AnalyzeDetectionFastPath implements batch.FastPathTrigger: same pipeline
// as AnalyzeBatch with a single detection, batch_id="fast_path_<id>",
// is_fast_path=true. Invoked "asynchronously" per §4.1 — errors are logged,
// never propagated, since the caller (BatchAggregator.AddDetection) has
// already returned the synthetic batch id to its caller.
func (a *Analyzer) AnalyzeDetectionFastPath(ctx context.Context, cameraIDStr string, detectionID int64) {
	cameraID, err := uuid.Parse(cameraIDStr)
	if err != nil {
		log.Printf("analyzer: fast path skipped, invalid camera id %q: %v", cameraIDStr, err)
		return
	}
	batchID := fmt.Sprintf("fast_path_%d", detectionID)
	if _, err := a.analyze(ctx, batchID, cameraID, []int64{detectionID}, true); err != nil {
		log.Printf("analyzer: fast path analysis failed for detection %d: %v", detectionID, err)
	}
}

// AnalyzeBatch implements analyze_batch (§4.2).
func (a *Analyzer) AnalyzeBatch(ctx context.Context, batchID string, cameraID uuid.UUID, detectionIDs []int64) (*data.Event, error) {
	return a.analyze(ctx, batchID, cameraID, detectionIDs, false)
}

func (a *Analyzer) analyze(ctx context.Context, batchID string, cameraID uuid.UUID, detectionIDs []int64, fastPath bool) (*data.Event, error) {
	if existing, err := a.events.GetByBatchID(ctx, batchID); err == nil {
		return existing, nil
	} else if err != data.ErrRecordNotFound {
		return nil, errs.RuntimeError("failed to check event idempotency", err)
	}

	if len(detectionIDs) == 0 {
		return nil, errs.NoDetections(batchID)
	}

	dets, err := a.detections.BatchFetchDetections(ctx, detectionIDs, data.DefaultBatchFetchSize, true)
	if err != nil {
		return nil, errs.RuntimeError("failed to fetch detections for batch", err)
	}
	if len(dets) == 0 {
		return nil, errs.NoDetections(batchID)
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

	risk, llmErr := a.callLLM(ctx, prompt)
	if llmErr != nil {
		risk = FallbackRiskData(llmErr.Error())
	}
	risk = ValidateRiskData(risk, a.severity)

	event := &data.Event{
		BatchID:    batchID,
		CameraID:   cameraID,
		StartedAt:  startTime,
		EndedAt:    endTime,
		RiskScore:  risk.RiskScore,
		RiskLevel:  risk.RiskLevel,
		Summary:    risk.Summary,
		Reasoning:  risk.Reasoning,
		IsFastPath: fastPath,
		LLMPrompt:  prompt,
	}
	if err := a.events.Create(ctx, event); err != nil {
		return nil, errs.RuntimeError("failed to persist event", err)
	}

	ids := make([]int64, 0, len(dets))
	for _, d := range dets {
		ids = append(ids, d.ID)
	}
	if err := a.junction.LinkMany(ctx, event.ID, ids); err != nil {
		return nil, errs.RuntimeError("failed to link event detections", err)
	}

	a.broadcastEvent(ctx, event)
	return event, nil
}

// callLLM acquires the semaphore for exactly the LLM call and parses the
// completion, releasing on every exit path (§4.5).
func (a *Analyzer) callLLM(ctx context.Context, prompt string) (RiskData, error) {
	if err := a.sem.Acquire(ctx); err != nil {
		return RiskData{}, errs.New(errs.KindInfrastructure, errs.CodeInternalError, "failed to acquire inference semaphore", err)
	}
	defer a.sem.Release()

	content, err := a.llm.complete(ctx, prompt)
	if err != nil {
		return RiskData{}, err
	}
	return ExtractRiskJSON(content)
}

func (a *Analyzer) broadcastEvent(ctx context.Context, event *data.Event) {
	if event.DeletedAt != nil {
		return
	}
	env := EventEnvelope{
		Type: "event",
		Data: EventPayload{
			EventID:    event.ID,
			BatchID:    event.BatchID,
			CameraID:   event.CameraID.String(),
			RiskScore:  event.RiskScore,
			RiskLevel:  event.RiskLevel,
			Summary:    event.Summary,
			StartedAt:  event.StartedAt,
			IsFastPath: event.IsFastPath,
		},
	}
	if err := a.broadcaster.BroadcastEvent(ctx, env); err != nil {
		log.Printf("analyzer: failed to broadcast event %d: %v", event.ID, err)
	}
}

func detectionLines(dets []*data.Detection) []ctxpkg.DetectionLine {
	lines := make([]ctxpkg.DetectionLine, 0, len(dets))
	for _, d := range dets {
		conf := "N/A"
		if d.Confidence != nil {
			conf = fmt.Sprintf("%.2f", *d.Confidence)
		}
		objType := d.ObjectType
		if objType == "" {
			objType = "unknown"
		}
		lines = append(lines, ctxpkg.DetectionLine{
			Time:       d.DetectedAt.Format("15:04:05"),
			ObjectType: objType,
			Confidence: conf,
		})
	}
	return lines
}
