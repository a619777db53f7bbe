// Package batch implements BatchAggregator (§4.1): per-camera time-window
// detection batching with a fast-path diversion for high-confidence
// critical detections, backed by the shared key-value store.
package batch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/sentrycore/vms-core/internal/core/config"
	"github.com/sentrycore/vms-core/internal/core/errs"
	"github.com/sentrycore/vms-core/internal/core/kvstore"
	"github.com/sentrycore/vms-core/internal/core/queue"
	"github.com/sentrycore/vms-core/internal/metrics"
)

const (
	analysisQueueName = "analysis_queue"
	currentKeyPattern = "batch:*:current"
)

// FastPathTrigger is the analyzer seam invoked when a detection qualifies
// for immediate analysis; NemotronAnalyzer implements it.
type FastPathTrigger interface {
	AnalyzeDetectionFastPath(ctx context.Context, cameraID string, detectionID int64)
}

// PressureGauge exposes the current GPU memory-pressure level to
// should_apply_backpressure without pulling in the gpu package's full
// sampler machinery.
type PressureGauge interface {
	IsCritical() bool
}

// Summary is close_batch's return value (§4.1).
type Summary struct {
	BatchID        string
	CameraID       string
	DetectionCount int
	Detections     []int64
	StartedAt      time.Time
	ClosedAt       time.Time
}

// Aggregator is BatchAggregator.
type Aggregator struct {
	store    kvstore.Store
	producer queue.Producer
	fastPath FastPathTrigger
	pressure PressureGauge
	cfg      config.Pipeline
}

func NewAggregator(store kvstore.Store, producer queue.Producer, fastPath FastPathTrigger, pressure PressureGauge, cfg config.Pipeline) *Aggregator {
	return &Aggregator{store: store, producer: producer, fastPath: fastPath, pressure: pressure, cfg: cfg}
}

func currentKey(cameraID string) string   { return fmt.Sprintf("batch:%s:current", cameraID) }
func cameraIDKey(batchID string) string    { return fmt.Sprintf("batch:%s:camera_id", batchID) }
func startedAtKey(batchID string) string   { return fmt.Sprintf("batch:%s:started_at", batchID) }
func lastActivityKey(batchID string) string { return fmt.Sprintf("batch:%s:last_activity", batchID) }
func detectionsKey(batchID string) string  { return fmt.Sprintf("batch:%s:detections", batchID) }

func newBatchID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// AddDetection implements add_detection (§4.1).
func (a *Aggregator) AddDetection(ctx context.Context, cameraID string, detectionID int64, confidence *float64, objectType string) (string, error) {
	if detectionID <= 0 {
		return "", errs.New(errs.KindPermanentClient, errs.CodeValueError, "detection_id must be a positive integer", nil)
	}

	if a.qualifiesForFastPath(confidence, objectType) {
		metrics.RecordFastPath()
		if a.fastPath != nil {
			go a.fastPath.AnalyzeDetectionFastPath(context.WithoutCancel(ctx), cameraID, detectionID)
		}
		return fmt.Sprintf("fast_path_%d", detectionID), nil
	}

	if a.store == nil {
		return "", errs.RuntimeError("key-value client is not configured", nil)
	}

	now := time.Now()
	bid, err := a.ensureCurrentBatch(ctx, cameraID, now)
	if err != nil {
		return "", err
	}

	if _, err := a.store.RPush(ctx, detectionsKey(bid), strconv.FormatInt(detectionID, 10)); err != nil {
		return "", errs.RuntimeError("failed to append detection to batch", err)
	}
	if err := a.store.Set(ctx, lastActivityKey(bid), formatTime(now), 0); err != nil {
		return "", errs.RuntimeError("failed to update batch activity", err)
	}

	return bid, nil
}

func (a *Aggregator) qualifiesForFastPath(confidence *float64, objectType string) bool {
	if confidence == nil || objectType == "" {
		return false
	}
	if *confidence < a.cfg.FastPathConfidenceThresh {
		return false
	}
	lower := strings.ToLower(objectType)
	for _, t := range a.cfg.FastPathObjectTypes {
		if strings.ToLower(t) == lower {
			return true
		}
	}
	return false
}

// ensureCurrentBatch resolves the race between concurrent first-detections
// for the same camera using SETNX: the winner writes a placeholder id,
// then fully initializes metadata; the loser re-reads the winner's id.
func (a *Aggregator) ensureCurrentBatch(ctx context.Context, cameraID string, now time.Time) (string, error) {
	key := currentKey(cameraID)

	existing, found, err := a.store.Get(ctx, key)
	if err != nil {
		return "", errs.RuntimeError("failed to read current batch id", err)
	}
	if found && existing != "" {
		return existing, nil
	}

	candidate := newBatchID()
	won, err := a.store.SetNX(ctx, key, candidate, 0)
	if err != nil {
		return "", errs.RuntimeError("failed to set current batch id", err)
	}
	if !won {
		// Lost the race; the winner's id is now in place.
		winner, found, err := a.store.Get(ctx, key)
		if err != nil {
			return "", errs.RuntimeError("failed to read current batch id after race", err)
		}
		if found && winner != "" {
			return winner, nil
		}
		return candidate, nil
	}

	pipe := a.store.Pipeline()
	pipe.Set(ctx, cameraIDKey(candidate), cameraID, 0)
	pipe.Set(ctx, startedAtKey(candidate), formatTime(now), 0)
	pipe.Set(ctx, lastActivityKey(candidate), formatTime(now), 0)
	if err := pipe.Exec(ctx); err != nil {
		return "", errs.RuntimeError("failed to initialize batch metadata", err)
	}
	return candidate, nil
}

// CheckBatchTimeouts implements check_batch_timeouts (§4.1): cursor-scans
// `batch:*:current`, then phases the started_at/last_activity fetch via
// pipelines, closing any batch whose window or idle timeout elapsed.
func (a *Aggregator) CheckBatchTimeouts(ctx context.Context) []string {
	var closed []string
	now := time.Now()

	var cameraKeys []string
	if err := a.store.ScanKeys(ctx, currentKeyPattern, func(keys []string) error {
		cameraKeys = append(cameraKeys, keys...)
		return nil
	}); err != nil {
		log.Printf("[ERROR] batch timeout scan failed: %v", err)
		return nil
	}
	if len(cameraKeys) == 0 {
		return nil
	}

	// Phase 1: pipelined fetch of current batch ids.
	pipe1 := a.store.Pipeline()
	results := make([]*kvstore.StringResult, len(cameraKeys))
	for i, k := range cameraKeys {
		results[i] = pipe1.Get(ctx, k)
	}
	if err := pipe1.Exec(ctx); err != nil {
		log.Printf("[ERROR] batch timeout phase1 fetch failed: %v", err)
		return nil
	}

	var batchIDs []string
	for _, r := range results {
		if r.Found && r.Val != "" {
			batchIDs = append(batchIDs, r.Val)
		}
	}
	metrics.CoreBatchesOpenGauge.Set(float64(len(batchIDs)))
	if len(batchIDs) == 0 {
		return nil
	}

	// Phase 2: pipelined fetch of started_at/last_activity per batch.
	pipe2 := a.store.Pipeline()
	startedRes := make([]*kvstore.StringResult, len(batchIDs))
	activityRes := make([]*kvstore.StringResult, len(batchIDs))
	for i, bid := range batchIDs {
		startedRes[i] = pipe2.Get(ctx, startedAtKey(bid))
		activityRes[i] = pipe2.Get(ctx, lastActivityKey(bid))
	}
	if err := pipe2.Exec(ctx); err != nil {
		log.Printf("[ERROR] batch timeout phase2 fetch failed: %v", err)
		return nil
	}

	for i, bid := range batchIDs {
		if !startedRes[i].Found {
			continue // skip batches with missing started_at
		}
		startedAt, err := parseTime(startedRes[i].Val)
		if err != nil {
			continue
		}
		lastActivity := startedAt
		if activityRes[i].Found {
			if t, err := parseTime(activityRes[i].Val); err == nil {
				lastActivity = t
			}
		}

		windowElapsed := now.Sub(startedAt)
		idle := now.Sub(lastActivity)
		if windowElapsed >= a.cfg.BatchWindow() || idle >= a.cfg.BatchIdleTimeout() {
			if _, err := a.CloseBatch(ctx, bid); err != nil {
				log.Printf("[ERROR] failed to close batch %s: %v", bid, err)
				continue
			}
			reason := "window_elapsed"
			if idle >= a.cfg.BatchIdleTimeout() {
				reason = "idle_timeout"
			}
			metrics.RecordBatchClosed(reason)
			closed = append(closed, bid)
		}
	}
	return closed
}

// CloseBatch implements close_batch (§4.1).
func (a *Aggregator) CloseBatch(ctx context.Context, batchID string) (Summary, error) {
	cameraID, found, err := a.store.Get(ctx, cameraIDKey(batchID))
	if err != nil {
		return Summary{}, errs.RuntimeError("failed to read batch camera_id", err)
	}
	if !found || cameraID == "" {
		return Summary{}, errs.ValueError(fmt.Sprintf("batch %q has no camera_id", batchID), nil)
	}

	startedAt := time.Now()
	if raw, found, err := a.store.Get(ctx, startedAtKey(batchID)); err == nil && found {
		if t, err := parseTime(raw); err == nil {
			startedAt = t
		}
	}

	rawDetections, err := a.store.LRange(ctx, detectionsKey(batchID), 0, -1)
	if err != nil {
		return Summary{}, errs.RuntimeError("failed to read batch detections", err)
	}
	detections := make([]int64, 0, len(rawDetections))
	for _, d := range rawDetections {
		id, err := strconv.ParseInt(d, 10, 64)
		if err != nil {
			continue
		}
		detections = append(detections, id)
	}

	closedAt := time.Now()

	if len(detections) > 0 {
		item := queue.WorkItem{
			BatchID:      batchID,
			CameraID:     cameraID,
			DetectionIDs: detections,
			Timestamp:    closedAt,
		}
		result, err := a.producer.AddSafe(ctx, analysisQueueName, item, queue.PolicyDLQ)
		if err != nil {
			return Summary{}, errs.RuntimeError("failed to enqueue closed batch", err)
		}
		if !result.Success {
			return Summary{}, errs.RuntimeError("analysis_queue rejected closed batch: "+result.Error, nil)
		}
		if result.Warning != "" {
			log.Printf("[WARN] batch %s enqueue warning: %s", batchID, result.Warning)
		}
	}

	if err := a.store.Del(ctx,
		currentKey(cameraID),
		cameraIDKey(batchID),
		startedAtKey(batchID),
		lastActivityKey(batchID),
		detectionsKey(batchID),
	); err != nil {
		log.Printf("[WARN] failed to clean up batch keys for %s: %v", batchID, err)
	}

	return Summary{
		BatchID:        batchID,
		CameraID:       cameraID,
		DetectionCount: len(detections),
		Detections:     detections,
		StartedAt:      startedAt,
		ClosedAt:       closedAt,
	}, nil
}

// ShouldApplyBackpressure implements should_apply_backpressure (§4.1).
func (a *Aggregator) ShouldApplyBackpressure() bool {
	if a.pressure == nil {
		return false
	}
	return a.pressure.IsCritical()
}

func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func parseTime(s string) (time.Time, error) {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(secs*1e9)), nil
}
