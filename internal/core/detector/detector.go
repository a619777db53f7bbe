// Package detector implements the DetectorClient integration contract
// (§4.4): turns an image file plus camera id into persisted Detection
// rows, bounded by the process-wide inference semaphore.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sentrycore/vms-core/internal/core/config"
	"github.com/sentrycore/vms-core/internal/core/errs"
	"github.com/sentrycore/vms-core/internal/core/inference"
	"github.com/sentrycore/vms-core/internal/data"
	"github.com/sentrycore/vms-core/internal/metrics"
)

// rawDetection is one entry in the external detector's response body.
type rawDetection struct {
	ObjectType string  `json:"object_type"`
	Confidence float64 `json:"confidence"`
	BBoxX      float64 `json:"bbox_x"`
	BBoxY      float64 `json:"bbox_y"`
	BBoxWidth  float64 `json:"bbox_width"`
	BBoxHeight float64 `json:"bbox_height"`
}

type detectResponse struct {
	Detections []rawDetection `json:"detections"`
}

// BaselineTracker records per-camera activity baselines as a side effect
// of detect_objects (§4.4: "logically a collaborator, not part of this
// core spec"). Left as a narrow interface so the core stays decoupled
// from whatever owns baseline storage.
type BaselineTracker interface {
	RecordActivity(ctx context.Context, cameraID uuid.UUID, objectType string, at time.Time)
}

type noopBaselineTracker struct{}

func (noopBaselineTracker) RecordActivity(context.Context, uuid.UUID, string, time.Time) {}

// Client is DetectorClient: the HTTP integration with the external
// object-detector service, modeled on sfu.Client's do()-wraps-net/http
// pattern.
type Client struct {
	cfg        config.AI
	httpClient *http.Client
	sem        *inference.Semaphore
	detections data.DetectionModel
	baselines  BaselineTracker
}

func New(cfg config.AI, sem *inference.Semaphore, detections data.DetectionModel, baselines BaselineTracker) *Client {
	if baselines == nil {
		baselines = noopBaselineTracker{}
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.ConnectTimeout() + cfg.DetectorReadTimeout(),
		},
		sem:        sem,
		detections: detections,
		baselines:  baselines,
	}
}

// DetectObjects implements detect_objects(image_path, camera_id, session):
// acquires one semaphore permit, validates the file locally, POSTs it to
// the detector with a bounded retry budget, filters by the configured
// confidence floor, and persists the survivors.
func (c *Client) DetectObjects(ctx context.Context, imagePath string, cameraID uuid.UUID) ([]*data.Detection, error) {
	if err := c.sem.Acquire(ctx); err != nil {
		return nil, errs.New(errs.KindInfrastructure, errs.CodeInternalError, "failed to acquire inference semaphore", err)
	}
	defer c.sem.Release()

	info, err := os.Stat(imagePath)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return nil, errs.ValueError(fmt.Sprintf("invalid image file %q", imagePath), err)
	}

	raw, err := c.postWithRetry(ctx, imagePath)
	if err != nil {
		metrics.RecordDetectorRequest("error")
		return nil, err
	}
	metrics.RecordDetectorRequest("success")

	detections := make([]*data.Detection, 0, len(raw))
	for _, r := range raw {
		if r.Confidence < c.cfg.DetectorConfidenceFloor {
			continue
		}
		conf := r.Confidence
		bx, by, bw, bh := r.BBoxX, r.BBoxY, r.BBoxWidth, r.BBoxHeight
		d := &data.Detection{
			CameraID:   cameraID,
			FilePath:   imagePath,
			DetectedAt: time.Now(),
			ObjectType: r.ObjectType,
			Confidence: &conf,
			BBoxX:      &bx,
			BBoxY:      &by,
			BBoxWidth:  &bw,
			BBoxHeight: &bh,
			MediaType:  "image",
		}
		if err := c.detections.Create(ctx, d); err != nil {
			return nil, errs.RuntimeError("failed to persist detection", err)
		}
		c.baselines.RecordActivity(ctx, cameraID, r.ObjectType, d.DetectedAt)
		detections = append(detections, d)
	}

	return detections, nil
}

// postWithRetry submits the image across up to cfg.DetectorMaxRetries
// attempts, raising DETECTOR_UNAVAILABLE once the budget is exhausted
// (§4.4: connect/timeout/5xx are retried, not surfaced as parse errors).
func (c *Client) postWithRetry(ctx context.Context, imagePath string) ([]rawDetection, error) {
	var lastErr error
	attempts := c.cfg.DetectorMaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errs.New(errs.KindPermanentClient, errs.CodeCancelled, "detection cancelled", ctx.Err())
			case <-time.After(backoffFor(attempt)):
			}
		}

		raw, retryable, err := c.postOnce(ctx, imagePath)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, errs.DetectorUnavailable(lastErr)
}

// postOnce makes a single attempt. The returned bool reports whether the
// failure is transport/5xx-retryable per §4.4.
func (c *Client) postOnce(ctx context.Context, imagePath string) ([]rawDetection, bool, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, false, errs.ValueError("failed to open image file", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", imagePath)
	if err != nil {
		return nil, false, errs.ValueError("failed to build upload body", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, false, errs.ValueError("failed to read image file", err)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.DetectorURL, &buf)
	if err != nil {
		return nil, false, errs.ValueError("failed to build detector request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.cfg.DetectorAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.DetectorAPIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("detector returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, false, errs.ValueError(fmt.Sprintf("detector rejected request: status %d", resp.StatusCode), nil)
	}

	var parsed detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, errs.New(errs.KindParse, "PARSE_ERROR", "failed to parse detector response", err)
	}
	return parsed.Detections, false, nil
}

func backoffFor(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
