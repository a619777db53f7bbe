package context_test

import (
	gocontext "context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctxpkg "github.com/sentrycore/vms-core/internal/core/context"
	"github.com/sentrycore/vms-core/internal/core/kvstore"
	"github.com/sentrycore/vms-core/internal/data"
)

func TestEnrich_NoDetections(t *testing.T) {
	e := ctxpkg.NewEnricher(nil, nil)
	ec := e.Enrich(gocontext.Background(), "Front Door", uuid.New(), nil)
	assert.Nil(t, ec.Baselines)
	assert.Nil(t, ec.CrossCamera)
}

func TestEnrich_NilCollaboratorsNeutralBaselineNoCrossCamera(t *testing.T) {
	e := ctxpkg.NewEnricher(nil, nil)
	now := time.Now()
	dets := []*data.Detection{
		{CameraID: uuid.New(), ObjectType: "person", DetectedAt: now},
		{CameraID: uuid.New(), ObjectType: "person", DetectedAt: now.Add(time.Minute)},
	}
	ec := e.Enrich(gocontext.Background(), "Lobby", uuid.New(), dets)
	require.NotNil(t, ec.Baselines)
	assert.Equal(t, 0.5, ec.Baselines.DeviationScore)
	assert.Nil(t, ec.CrossCamera)
}

type stubBaselines struct {
	counts map[string]float64
}

func (s stubBaselines) ExpectedCounts(gocontext.Context, uuid.UUID, int) (map[string]float64, error) {
	return s.counts, nil
}

type countingBaselines struct {
	calls  int
	counts map[string]float64
}

func (c *countingBaselines) ExpectedCounts(gocontext.Context, uuid.UUID, int) (map[string]float64, error) {
	c.calls++
	return c.counts, nil
}

func TestCachedBaselineProvider_OnlyCallsInnerOncePerKey(t *testing.T) {
	inner := &countingBaselines{counts: map[string]float64{"person": 2}}
	cached := ctxpkg.NewCachedBaselineProvider(inner, 8)
	camID := uuid.New()

	first, err := cached.ExpectedCounts(gocontext.Background(), camID, 9)
	require.NoError(t, err)
	second, err := cached.ExpectedCounts(gocontext.Background(), camID, 9)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)

	_, err = cached.ExpectedCounts(gocontext.Background(), camID, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestRedisBaselineProvider_MissingKeyReturnsNil(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	store := kvstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	p := ctxpkg.NewRedisBaselineProvider(store)

	counts, err := p.ExpectedCounts(gocontext.Background(), uuid.New(), 14)
	require.NoError(t, err)
	assert.Nil(t, counts)
}

func TestRedisBaselineProvider_DecodesStoredCounts(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	store := kvstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	p := ctxpkg.NewRedisBaselineProvider(store)
	camID := uuid.New()

	require.NoError(t, mr.Set("baseline:"+camID.String()+":14", `{"person":3.5,"vehicle":1}`))

	counts, err := p.ExpectedCounts(gocontext.Background(), camID, 14)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"person": 3.5, "vehicle": 1}, counts)
}

func TestEnrich_DeviationFlagsAnomaly(t *testing.T) {
	e := ctxpkg.NewEnricher(stubBaselines{counts: map[string]float64{"person": 1}}, nil)
	now := time.Now()
	dets := make([]*data.Detection, 0, 10)
	for i := 0; i < 10; i++ {
		dets = append(dets, &data.Detection{ObjectType: "person", DetectedAt: now})
	}
	ec := e.Enrich(gocontext.Background(), "Lot", uuid.New(), dets)
	require.NotNil(t, ec.Baselines)
	assert.True(t, ec.Baselines.IsAnomalous)
}

func TestSelectTemplate_PriorityOrder(t *testing.T) {
	assert.Equal(t, ctxpkg.TierBasic, ctxpkg.SelectTemplate(nil))

	ec := &ctxpkg.EnrichedContext{ModelZoo: true, VisionEnhanced: true}
	assert.Equal(t, ctxpkg.TierModelZoo, ctxpkg.SelectTemplate(ec))

	ec = &ctxpkg.EnrichedContext{VisionEnhanced: true, FullEnriched: true}
	assert.Equal(t, ctxpkg.TierVisionEnhanced, ctxpkg.SelectTemplate(ec))

	ec = &ctxpkg.EnrichedContext{FullEnriched: true}
	assert.Equal(t, ctxpkg.TierFullEnriched, ctxpkg.SelectTemplate(ec))

	ec = &ctxpkg.EnrichedContext{Zones: []ctxpkg.ZoneContext{{ZoneID: "z1"}}}
	assert.Equal(t, ctxpkg.TierEnriched, ctxpkg.SelectTemplate(ec))

	ec = &ctxpkg.EnrichedContext{}
	assert.Equal(t, ctxpkg.TierBasic, ctxpkg.SelectTemplate(ec))
}
