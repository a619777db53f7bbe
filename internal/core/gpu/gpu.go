// Package gpu implements GPUMonitor (§4.7): polls VRAM utilization through
// a fallback chain of samplers, classifies a discrete memory-pressure
// level, and invokes registered callbacks on transitions.
package gpu

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sentrycore/vms-core/internal/core/config"
	"github.com/sentrycore/vms-core/internal/metrics"
)

// Level is the discrete pressure signal the rest of the core throttles on.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "WARNING"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "NORMAL"
	}
}

// Stats is one VRAM sample.
type Stats struct {
	UsedPercent float64
	UsedGB      float64
	TotalGB     float64
}

// Sampler yields one VRAM reading. The fallback chain tries samplers in
// order, per original_source/backend/services/gpu_monitor.py: native
// bindings, a CLI tool, the AI container's reported metrics, and finally
// deterministic mock values for dev environments.
type Sampler interface {
	Sample(ctx context.Context) (Stats, error)
	Name() string
}

// TransitionCallback is invoked on a level change, never on a no-op read.
type TransitionCallback func(newLevel, oldLevel Level)

// Monitor is GPUMonitor.
type Monitor struct {
	samplers []Sampler
	cfg      config.GPU

	mu                 sync.Mutex
	level              Level
	totalWarningEvents int
	totalCriticalEvents int
	lastWarningAt      time.Time
	lastCriticalAt     time.Time

	callbacks []TransitionCallback

	stop chan struct{}
	done chan struct{}
}

// NewMonitor builds a Monitor trying each sampler in order until one
// succeeds, per sample.
func NewMonitor(cfg config.GPU, samplers ...Sampler) *Monitor {
	return &Monitor{
		samplers: samplers,
		cfg:      cfg,
		level:    LevelNormal,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnTransition registers a callback fired on every level change, e.g. the
// semaphore throttle (§4.7).
func (m *Monitor) OnTransition(cb TransitionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Level returns the current pressure level.
func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// IsCritical implements batch.PressureGauge.
func (m *Monitor) IsCritical() bool {
	return m.Level() == LevelCritical
}

// Start runs the polling loop until ctx is cancelled or Stop is called,
// mirroring the teacher's ticker-driven scheduler in internal/nvr/monitor.go.
func (m *Monitor) Start(ctx context.Context) {
	interval := m.cfg.PollInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) poll(ctx context.Context) {
	stats, err := m.sample(ctx)
	if err != nil {
		// On a sampling error the current level is left as it was (not
		// reset to NORMAL) and no callbacks fire.
		log.Printf("[WARN] gpu monitor: all samplers failed: %v", err)
		return
	}

	newLevel := classify(stats.UsedPercent, m.cfg)

	m.mu.Lock()
	oldLevel := m.level
	if newLevel == oldLevel {
		m.mu.Unlock()
		return
	}
	m.level = newLevel
	now := time.Now()
	switch newLevel {
	case LevelWarning:
		m.totalWarningEvents++
		m.lastWarningAt = now
	case LevelCritical:
		m.totalCriticalEvents++
		m.lastCriticalAt = now
	}
	callbacks := append([]TransitionCallback(nil), m.callbacks...)
	m.mu.Unlock()

	metrics.SetGPUPressureLevel(int(newLevel))

	for _, cb := range callbacks {
		cb(newLevel, oldLevel)
	}
}

func (m *Monitor) sample(ctx context.Context) (Stats, error) {
	var lastErr error
	for _, s := range m.samplers {
		stats, err := s.Sample(ctx)
		if err == nil {
			return stats, nil
		}
		lastErr = err
		log.Printf("[DEBUG] gpu sampler %s failed, trying next: %v", s.Name(), err)
	}
	return Stats{}, lastErr
}

func classify(usedPct float64, cfg config.GPU) Level {
	critical := cfg.CriticalThresholdPct
	warning := cfg.WarningThresholdPct
	if critical <= 0 {
		critical = 95
	}
	if warning <= 0 {
		warning = 85
	}
	switch {
	case usedPct >= critical:
		return LevelCritical
	case usedPct >= warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// EventCounts exposes total_warning_events/total_critical_events and the
// last-event timestamps §4.7 requires for observability.
type EventCounts struct {
	TotalWarningEvents  int
	TotalCriticalEvents int
	LastWarningAt       time.Time
	LastCriticalAt      time.Time
}

func (m *Monitor) Counts() EventCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return EventCounts{
		TotalWarningEvents:  m.totalWarningEvents,
		TotalCriticalEvents: m.totalCriticalEvents,
		LastWarningAt:       m.lastWarningAt,
		LastCriticalAt:      m.lastCriticalAt,
	}
}
