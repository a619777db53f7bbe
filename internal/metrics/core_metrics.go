package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CORE pipeline metrics: batch aggregation, analysis queue, inference
// semaphore, GPU memory pressure, and analyzer latency/outcome.
// All metrics are low-cardinality (no camera_id/batch_id labels).

var (
	// CoreBatchesOpenGauge tracks the number of per-camera batches
	// currently accumulating detections (§4.1).
	CoreBatchesOpenGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "core_batches_open",
			Help: "Number of camera batches currently open",
		},
	)

	// CoreBatchesClosedTotal counts batch closures by reason.
	CoreBatchesClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_batches_closed_total",
			Help: "Total batch closures by reason",
		},
		[]string{"reason"},
	)

	// CoreFastPathTotal counts detections routed through the fast path
	// instead of batch accumulation (§4.1).
	CoreFastPathTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "core_fast_path_total",
			Help: "Total detections routed through the fast path",
		},
	)

	// CoreQueueDepthGauge tracks the analysis_queue list length (§4.6).
	CoreQueueDepthGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "core_queue_depth",
			Help: "Current length of the analysis queue",
		},
	)

	// CoreDLQDepthGauge tracks the dead-letter queue length (§4.6).
	CoreDLQDepthGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "core_dlq_depth",
			Help: "Current length of the dead-letter queue",
		},
	)

	// CoreQueueOverflowTotal counts items dropped/rejected by the
	// configured overflow policy (§4.6).
	CoreQueueOverflowTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_queue_overflow_total",
			Help: "Total work items affected by queue overflow policy",
		},
		[]string{"policy"},
	)

	// CoreSemaphoreInFlightGauge tracks concurrently held inference
	// permits (§4.5).
	CoreSemaphoreInFlightGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "core_semaphore_in_flight",
			Help: "Number of inference permits currently held",
		},
	)

	// CoreSemaphoreCapacityGauge tracks the semaphore's current dynamic
	// capacity, which shrinks under GPU memory pressure (§4.5/§4.7).
	CoreSemaphoreCapacityGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "core_semaphore_capacity",
			Help: "Current inference semaphore capacity",
		},
	)

	// CoreGPUPressureLevelGauge reports the current MemoryPressureLevel
	// as an ordinal (0=normal, 1=warning, 2=critical) (§4.7).
	CoreGPUPressureLevelGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "core_gpu_pressure_level",
			Help: "Current GPU memory pressure level (0=normal,1=warning,2=critical)",
		},
	)

	// CoreAnalyzerLatency tracks end-to-end analyze_batch/streaming
	// latency (§4.2/§4.3).
	CoreAnalyzerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "core_analyzer_latency_ms",
			Help:    "Analyzer latency in milliseconds by path",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"path"},
	)

	// CoreAnalyzerOutcomeTotal counts analysis queue item outcomes
	// (success, dropped_<error code>, dlq).
	CoreAnalyzerOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_analyzer_outcome_total",
			Help: "Total analyzer completions by outcome",
		},
		[]string{"outcome"},
	)

	// CoreDetectorRequestsTotal counts DetectorClient calls by result.
	CoreDetectorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_detector_requests_total",
			Help: "Total detector requests by result",
		},
		[]string{"result"},
	)

	// CoreSoftDeleteCascadeTotal counts cascade soft-delete/restore
	// operations by entity kind (§4.8).
	CoreSoftDeleteCascadeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_softdelete_cascade_total",
			Help: "Total cascade soft-delete/restore operations",
		},
		[]string{"entity", "action"},
	)
)

func RecordBatchClosed(reason string) {
	CoreBatchesClosedTotal.WithLabelValues(reason).Inc()
}

func RecordFastPath() {
	CoreFastPathTotal.Inc()
}

func SetQueueDepth(depth int64) {
	CoreQueueDepthGauge.Set(float64(depth))
}

func SetDLQDepth(depth int64) {
	CoreDLQDepthGauge.Set(float64(depth))
}

func RecordQueueOverflow(policy string) {
	CoreQueueOverflowTotal.WithLabelValues(policy).Inc()
}

func SetSemaphoreInFlight(n int) {
	CoreSemaphoreInFlightGauge.Set(float64(n))
}

func SetSemaphoreCapacity(n int) {
	CoreSemaphoreCapacityGauge.Set(float64(n))
}

func SetGPUPressureLevel(level int) {
	CoreGPUPressureLevelGauge.Set(float64(level))
}

func RecordAnalyzerLatency(path string, latencyMs float64) {
	CoreAnalyzerLatency.WithLabelValues(path).Observe(latencyMs)
}

func RecordAnalyzerOutcome(outcome string) {
	CoreAnalyzerOutcomeTotal.WithLabelValues(outcome).Inc()
}

func RecordDetectorRequest(result string) {
	CoreDetectorRequestsTotal.WithLabelValues(result).Inc()
}

func RecordSoftDeleteCascade(entity, action string) {
	CoreSoftDeleteCascadeTotal.WithLabelValues(entity, action).Inc()
}
