package batch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrycore/vms-core/internal/core/batch"
	"github.com/sentrycore/vms-core/internal/core/config"
	"github.com/sentrycore/vms-core/internal/core/kvstore"
	"github.com/sentrycore/vms-core/internal/core/queue"
)

type fakeFastPath struct {
	mu       sync.Mutex
	invoked  bool
	cameraID string
	detID    int64
}

func (f *fakeFastPath) AnalyzeDetectionFastPath(ctx context.Context, cameraID string, detectionID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = true
	f.cameraID = cameraID
	f.detID = detectionID
}

func (f *fakeFastPath) wasInvoked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invoked
}

type fakePressure struct{ critical bool }

func (f fakePressure) IsCritical() bool { return f.critical }

func newTestAggregator(t *testing.T, fp *fakeFastPath, pressure batch.PressureGauge, cfg config.Pipeline) (*batch.Aggregator, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvstore.New(rdb)
	q := queue.New(store, 1000)
	return batch.NewAggregator(store, q, fp, pressure, cfg), q
}

func testPipelineConfig() config.Pipeline {
	return config.Pipeline{
		BatchWindowSeconds:       90,
		BatchIdleTimeoutSeconds:  30,
		FastPathConfidenceThresh: 0.90,
		FastPathObjectTypes:      []string{"person"},
	}
}

func TestAddDetection_FastPathBypassesBatch(t *testing.T) {
	fp := &fakeFastPath{}
	conf := 0.95
	agg, _ := newTestAggregator(t, fp, fakePressure{}, testPipelineConfig())

	id, err := agg.AddDetection(context.Background(), "cam-1", 42, &conf, "person")
	require.NoError(t, err)
	assert.Contains(t, id, "fast_path_")

	time.Sleep(20 * time.Millisecond) // fast path runs detached in a goroutine
	assert.True(t, fp.wasInvoked())
}

func TestAddDetection_BelowThresholdAccumulatesInBatch(t *testing.T) {
	fp := &fakeFastPath{}
	conf := 0.5
	agg, _ := newTestAggregator(t, fp, fakePressure{}, testPipelineConfig())

	bid1, err := agg.AddDetection(context.Background(), "cam-1", 1, &conf, "person")
	require.NoError(t, err)
	bid2, err := agg.AddDetection(context.Background(), "cam-1", 2, &conf, "person")
	require.NoError(t, err)

	assert.Equal(t, bid1, bid2)
	assert.False(t, fp.wasInvoked())
}

func TestAddDetection_RejectsNonPositiveID(t *testing.T) {
	agg, _ := newTestAggregator(t, &fakeFastPath{}, fakePressure{}, testPipelineConfig())
	_, err := agg.AddDetection(context.Background(), "cam-1", 0, nil, "")
	assert.Error(t, err)
}

func TestCloseBatch_EnqueuesAndClearsKeys(t *testing.T) {
	conf := 0.5
	agg, q := newTestAggregator(t, &fakeFastPath{}, fakePressure{}, testPipelineConfig())
	ctx := context.Background()

	bid, err := agg.AddDetection(ctx, "cam-2", 10, &conf, "car")
	require.NoError(t, err)

	summary, err := agg.CloseBatch(ctx, bid)
	require.NoError(t, err)
	assert.Equal(t, "cam-2", summary.CameraID)
	assert.Equal(t, []int64{10}, summary.Detections)

	n, err := q.Len(ctx, "analysis_queue")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A second AddDetection for the same camera opens a fresh batch id.
	bid2, err := agg.AddDetection(ctx, "cam-2", 11, &conf, "car")
	require.NoError(t, err)
	assert.NotEqual(t, bid, bid2)
}

func TestShouldApplyBackpressure(t *testing.T) {
	agg, _ := newTestAggregator(t, &fakeFastPath{}, fakePressure{critical: true}, testPipelineConfig())
	assert.True(t, agg.ShouldApplyBackpressure())

	agg2, _ := newTestAggregator(t, &fakeFastPath{}, fakePressure{critical: false}, testPipelineConfig())
	assert.False(t, agg2.ShouldApplyBackpressure())
}

func TestShouldApplyBackpressure_NilGauge(t *testing.T) {
	agg, _ := newTestAggregator(t, &fakeFastPath{}, nil, testPipelineConfig())
	assert.False(t, agg.ShouldApplyBackpressure())
}
