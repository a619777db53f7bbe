// Package context builds the enriched prompt context for NemotronAnalyzer
// (§4.2/§4.3 additions): zone mapping, baseline deviation, and
// cross-camera correlation, plus the deterministic template-tier
// selection the spec's §9 Open Question fixes the priority order for.
//
// This is an integration contract, not a reimplementation of the vision
// enrichment models: EnrichmentPipeline's actual outputs are consumed as
// opaque structured data (spec §1 Non-goals). BaselineContext is built from
// the batch's own detection counts and timestamps plus expected counts from
// an optional BaselineProvider. No zone mapping is done here: Enrich leaves
// Zones empty.
package context

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"

	"github.com/sentrycore/vms-core/internal/core/kvstore"
	"github.com/sentrycore/vms-core/internal/data"
)

// ZoneContext mirrors context_enricher.py's ZoneContext: a named region
// and how many of the batch's detections fall inside it.
type ZoneContext struct {
	ZoneID         string
	ZoneName       string
	RiskWeight     string
	DetectionCount int
}

// BaselineContext mirrors context_enricher.py's BaselineContext: how the
// current batch's per-class counts compare to historical expectation.
type BaselineContext struct {
	HourOfDay          int
	DayOfWeek          string
	CurrentDetections  map[string]int
	ExpectedDetections map[string]float64
	DeviationScore     float64
	IsAnomalous        bool
}

// CrossCameraActivity mirrors context_enricher.py's CrossCameraActivity:
// detections on another camera inside the correlation window.
type CrossCameraActivity struct {
	CameraID          string
	CameraName        string
	DetectionCount    int
	ObjectTypes       []string
	TimeOffsetSeconds float64
}

// EnrichedContext is the complete contextual package handed to prompt
// formatting and template-tier selection.
type EnrichedContext struct {
	CameraName  string
	CameraID    uuid.UUID
	Zones       []ZoneContext
	Baselines   *BaselineContext
	CrossCamera []CrossCameraActivity
	StartTime   time.Time
	EndTime     time.Time

	// VisionEnhanced/ModelZoo/FullEnriched flag the presence of richer
	// enrichment signals beyond zones/baselines/cross-camera, supplied
	// by EnrichmentPipeline's opaque structured output (§9 template tiers).
	VisionEnhanced bool
	ModelZoo       bool
	FullEnriched   bool
}

// CrossCameraWindow is the correlation window from context_enricher.py's
// CROSS_CAMERA_WINDOW_SECONDS.
const CrossCameraWindow = 5 * time.Minute

// BaselineProvider supplies historical per-class hourly frequencies, kept
// as a narrow interface since baseline storage itself is out of scope
// here (§1 Non-goals).
type BaselineProvider interface {
	ExpectedCounts(ctx context.Context, cameraID uuid.UUID, hour int) (map[string]float64, error)
}

type baselineCacheKey struct {
	cameraID uuid.UUID
	hour     int
}

// CachedBaselineProvider wraps a BaselineProvider with a bounded in-memory
// cache keyed by (camera, hour-of-day), since baseline lookups repeat every
// batch on the same camera within the same hour and the expected-count
// distribution changes slowly.
type CachedBaselineProvider struct {
	inner BaselineProvider
	cache *lru.Cache[baselineCacheKey, map[string]float64]
}

// NewCachedBaselineProvider wraps inner with an LRU cache holding up to
// size entries.
func NewCachedBaselineProvider(inner BaselineProvider, size int) *CachedBaselineProvider {
	cache, err := lru.New[baselineCacheKey, map[string]float64](size)
	if err != nil {
		cache, _ = lru.New[baselineCacheKey, map[string]float64](128)
	}
	return &CachedBaselineProvider{inner: inner, cache: cache}
}

func (c *CachedBaselineProvider) ExpectedCounts(ctx context.Context, cameraID uuid.UUID, hour int) (map[string]float64, error) {
	key := baselineCacheKey{cameraID: cameraID, hour: hour}
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}
	expected, err := c.inner.ExpectedCounts(ctx, cameraID, hour)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, expected)
	return expected, nil
}

// RedisBaselineProvider reads precomputed per-class hourly frequencies out
// of the shared kvstore.Store, written by the offline baseline job that
// computes them from historical detection volume. That job is out of
// scope here (§1 Non-goals); this is only the read side.
type RedisBaselineProvider struct {
	store kvstore.Store
}

func NewRedisBaselineProvider(store kvstore.Store) *RedisBaselineProvider {
	return &RedisBaselineProvider{store: store}
}

func baselineKey(cameraID uuid.UUID, hour int) string {
	return fmt.Sprintf("baseline:%s:%d", cameraID, hour)
}

func (p *RedisBaselineProvider) ExpectedCounts(ctx context.Context, cameraID uuid.UUID, hour int) (map[string]float64, error) {
	raw, found, err := p.store.Get(ctx, baselineKey(cameraID, hour))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var counts map[string]float64
	if err := json.Unmarshal([]byte(raw), &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

// CrossCameraSource supplies other cameras' detections within a window,
// kept narrow for the same reason.
type CrossCameraSource interface {
	DetectionsInWindow(ctx context.Context, excludeCameraID uuid.UUID, start, end time.Time) ([]*data.Detection, error)
}

// Enricher assembles an EnrichedContext for a batch's detections, the Go
// analogue of context_enricher.py's ContextEnricher.enrich.
type Enricher struct {
	baselines BaselineProvider
	crossCam  CrossCameraSource
}

func NewEnricher(baselines BaselineProvider, crossCam CrossCameraSource) *Enricher {
	return &Enricher{baselines: baselines, crossCam: crossCam}
}

// Enrich builds the full context. baselines/crossCam collaborators may be
// nil (not an error). A nil crossCam omits the cross-camera section; a nil
// baselines still yields a BaselineContext with the current counts and a
// neutral DeviationScore of 0.5. With no detections, both are left nil.
func (e *Enricher) Enrich(ctx context.Context, cameraName string, cameraID uuid.UUID, detections []*data.Detection) *EnrichedContext {
	if len(detections) == 0 {
		return &EnrichedContext{CameraName: cameraName, CameraID: cameraID}
	}

	start, end := detections[0].DetectedAt, detections[0].DetectedAt
	for _, d := range detections {
		if d.DetectedAt.Before(start) {
			start = d.DetectedAt
		}
		if d.DetectedAt.After(end) {
			end = d.DetectedAt
		}
	}

	ec := &EnrichedContext{
		CameraName: cameraName,
		CameraID:   cameraID,
		StartTime:  start,
		EndTime:    end,
		Baselines:  e.baselineContext(ctx, cameraID, detections, start),
	}

	if e.crossCam != nil {
		ec.CrossCamera = e.crossCameraActivity(ctx, cameraID, start, end)
	}

	return ec
}

func (e *Enricher) baselineContext(ctx context.Context, cameraID uuid.UUID, detections []*data.Detection, reference time.Time) *BaselineContext {
	current := make(map[string]int)
	for _, d := range detections {
		objType := d.ObjectType
		if objType == "" {
			objType = "unknown"
		}
		current[objType]++
	}

	bc := &BaselineContext{
		HourOfDay:         reference.Hour(),
		DayOfWeek:         reference.Weekday().String(),
		CurrentDetections: current,
	}

	if e.baselines == nil {
		bc.DeviationScore = 0.5
		return bc
	}

	expected, err := e.baselines.ExpectedCounts(ctx, cameraID, reference.Hour())
	if err != nil || len(expected) == 0 {
		bc.DeviationScore = 0.5
		return bc
	}
	bc.ExpectedDetections = expected

	var totalExpected, totalCurrent float64
	for _, v := range expected {
		totalExpected += v
	}
	for _, v := range current {
		totalCurrent += float64(v)
	}

	if totalExpected > 0 {
		ratio := totalCurrent / totalExpected
		if ratio > 1 {
			bc.DeviationScore = 1.0 - 1.0/ratio
		} else {
			bc.DeviationScore = (1.0 - ratio) * 0.5
		}
		if bc.DeviationScore < 0 {
			bc.DeviationScore = 0
		}
		if bc.DeviationScore > 1 {
			bc.DeviationScore = 1
		}
		bc.IsAnomalous = bc.DeviationScore > 0.5
	}

	return bc
}

func (e *Enricher) crossCameraActivity(ctx context.Context, cameraID uuid.UUID, start, end time.Time) []CrossCameraActivity {
	windowStart := start.Add(-CrossCameraWindow)
	windowEnd := end.Add(CrossCameraWindow)

	others, err := e.crossCam.DetectionsInWindow(ctx, cameraID, windowStart, windowEnd)
	if err != nil || len(others) == 0 {
		return nil
	}

	byCamera := make(map[uuid.UUID][]*data.Detection)
	for _, d := range others {
		byCamera[d.CameraID] = append(byCamera[d.CameraID], d)
	}

	reference := start.Add(end.Sub(start) / 2)
	activity := make([]CrossCameraActivity, 0, len(byCamera))
	for camID, dets := range byCamera {
		typeSet := make(map[string]struct{})
		var totalOffset float64
		for _, d := range dets {
			if d.ObjectType != "" {
				typeSet[d.ObjectType] = struct{}{}
			}
			totalOffset += d.DetectedAt.Sub(reference).Seconds()
		}
		types := make([]string, 0, len(typeSet))
		for t := range typeSet {
			types = append(types, t)
		}
		sort.Strings(types)

		activity = append(activity, CrossCameraActivity{
			CameraID:          camID.String(),
			CameraName:        camID.String(),
			DetectionCount:    len(dets),
			ObjectTypes:       types,
			TimeOffsetSeconds: totalOffset / float64(len(dets)),
		})
	}

	sort.Slice(activity, func(i, j int) bool { return activity[i].DetectionCount > activity[j].DetectionCount })
	return activity
}
