package gpu

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentrycore/vms-core/internal/core/config"
)

type stubSampler struct {
	name string
	stat Stats
	err  error
}

func (s stubSampler) Sample(context.Context) (Stats, error) { return s.stat, s.err }
func (s stubSampler) Name() string                           { return s.name }

func testGPUConfig() config.GPU {
	return config.GPU{WarningThresholdPct: 85, CriticalThresholdPct: 95}
}

func TestClassify(t *testing.T) {
	cfg := testGPUConfig()
	assert.Equal(t, LevelNormal, classify(50, cfg))
	assert.Equal(t, LevelWarning, classify(86, cfg))
	assert.Equal(t, LevelCritical, classify(96, cfg))
}

func TestPoll_FallsBackThroughSamplerChain(t *testing.T) {
	m := NewMonitor(testGPUConfig(),
		stubSampler{name: "native", err: errors.New("unavailable")},
		stubSampler{name: "cli", stat: Stats{UsedPercent: 97}},
	)
	m.poll(context.Background())
	assert.Equal(t, LevelCritical, m.Level())
}

func TestPoll_AllSamplersFailStaysAtCurrentLevel(t *testing.T) {
	m := NewMonitor(testGPUConfig(), stubSampler{name: "native", err: errors.New("down")})
	m.poll(context.Background())
	assert.Equal(t, LevelNormal, m.Level())
}

func TestPoll_FiresTransitionCallbackOnce(t *testing.T) {
	m := NewMonitor(testGPUConfig(), stubSampler{name: "mock", stat: Stats{UsedPercent: 90}})

	var mu sync.Mutex
	var calls int
	m.OnTransition(func(newLevel, oldLevel Level) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		assert.Equal(t, LevelWarning, newLevel)
		assert.Equal(t, LevelNormal, oldLevel)
	})

	m.poll(context.Background())
	m.poll(context.Background()) // same level again: no further callback

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestCounts_TracksWarningAndCriticalEvents(t *testing.T) {
	m := NewMonitor(testGPUConfig(), stubSampler{name: "mock", stat: Stats{UsedPercent: 90}})
	m.poll(context.Background())

	counts := m.Counts()
	assert.Equal(t, 1, counts.TotalWarningEvents)
	assert.Equal(t, 0, counts.TotalCriticalEvents)
	assert.False(t, counts.LastWarningAt.IsZero())
}

func TestIsCritical(t *testing.T) {
	m := NewMonitor(testGPUConfig(), stubSampler{name: "mock", stat: Stats{UsedPercent: 99}})
	assert.False(t, m.IsCritical())
	m.poll(context.Background())
	assert.True(t, m.IsCritical())
}
