// Package inference implements InferenceSemaphore (§4.5): a process-wide
// bounded-concurrency gate shared by the detector and analyzer, reactive
// to GPU memory pressure.
package inference

import (
	"context"
	"sync"

	"github.com/sentrycore/vms-core/internal/metrics"
)

// PressureLevel mirrors gpu.Level without importing the gpu package,
// keeping inference a leaf dependency the way the teacher's narrow
// Repository/Auditor interfaces avoid owning their collaborators.
type PressureLevel int

const (
	LevelNormal PressureLevel = iota
	LevelWarning
	LevelCritical
)

// Semaphore is the singleton bounded-concurrency gate. Callers obtain it
// via the Core wiring struct (§9: "one process-wide handle held inside a
// Core context struct passed explicitly"), not a package-level global, so
// tests can construct fresh instances.
type Semaphore struct {
	mu        sync.Mutex
	ch        chan struct{}
	base      int
	reduced   int // current reduction applied to base, 0 when NORMAL
	inFlight  int
	level     PressureLevel
}

// New constructs a Semaphore with the given base permit count
// (ai_max_concurrent_inferences, default 4).
func New(basePermits int) *Semaphore {
	if basePermits < 1 {
		basePermits = 1
	}
	metrics.SetSemaphoreCapacity(basePermits)
	return &Semaphore{
		ch:   make(chan struct{}, basePermits),
		base: basePermits,
	}
}

// Acquire blocks until a permit is available or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		s.mu.Lock()
		s.inFlight++
		metrics.SetSemaphoreInFlight(s.inFlight)
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit. Safe to call exactly once per successful
// Acquire; callers must release on every exit path including errors.
func (s *Semaphore) Release() {
	select {
	case <-s.ch:
		s.mu.Lock()
		if s.inFlight > 0 {
			s.inFlight--
		}
		metrics.SetSemaphoreInFlight(s.inFlight)
		s.mu.Unlock()
	default:
	}
}

// InFlight reports the current number of held permits, used for the
// semaphore in-flight gauge (§5's testable "max observed concurrent
// in-flight inferences ≤ N").
func (s *Semaphore) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// ReducePermitsForMemoryPressure implements §4.5's throttle rule. It is
// idempotent per level transition: calling it again with the same level
// has no further effect because the reduction is computed from base, not
// compounded from the previous reduced capacity.
func (s *Semaphore) ReducePermitsForMemoryPressure(level PressureLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.level = level

	var target int
	switch level {
	case LevelWarning:
		target = s.base - s.base/4 // reduce by ~25%
	case LevelCritical:
		target = s.base / 2 // reduce to ~50%
	default:
		s.restoreLocked()
		return
	}
	if target < 1 {
		target = 1
	}
	s.resizeLocked(target)
}

// RestorePermitsAfterPressure implements §4.5's restore rule. Safe to call
// repeatedly; a no-op once already at base capacity.
func (s *Semaphore) RestorePermitsAfterPressure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restoreLocked()
}

func (s *Semaphore) restoreLocked() {
	s.level = LevelNormal
	if s.reduced == 0 {
		return
	}
	s.resizeLocked(s.base)
}

// resizeLocked swaps the permit channel to the new capacity, carrying over
// any currently-held permits (represented by the difference between the
// old channel's length and capacity) so in-flight callers still hold a
// valid slot.
func (s *Semaphore) resizeLocked(capacity int) {
	held := len(s.ch)
	newCh := make(chan struct{}, capacity)
	for i := 0; i < held && i < capacity; i++ {
		newCh <- struct{}{}
	}
	s.ch = newCh
	if capacity == s.base {
		s.reduced = 0
	} else {
		s.reduced = s.base - capacity
	}
	metrics.SetSemaphoreCapacity(capacity)
}

// OnPressureChange adapts GPUMonitor's level-transition callback shape
// (§4.7: "invokes registered callbacks (new_level, old_level)") into the
// semaphore throttle described in §4.5/§4.7.
func (s *Semaphore) OnPressureChange(newLevel, _ PressureLevel) {
	if newLevel == LevelNormal {
		s.RestorePermitsAfterPressure()
		return
	}
	s.ReducePermitsForMemoryPressure(newLevel)
}

// IsCritical implements the batch.PressureGauge contract so BatchAggregator
// can read should_apply_backpressure from the same pressure signal that
// throttles this semaphore, without depending on gpu directly.
func (s *Semaphore) IsCritical() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level == LevelCritical
}
