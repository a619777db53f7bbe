// Package config holds the yaml-tagged configuration structs for the
// detection/analysis pipeline (§6 of the spec): batching, AI concurrency,
// severity thresholds, GPU pressure, and queue limits.
package config

import "time"

// Pipeline controls BatchAggregator behavior.
type Pipeline struct {
	BatchWindowSeconds         int      `yaml:"batch_window_seconds"`
	BatchIdleTimeoutSeconds    int      `yaml:"batch_idle_timeout_seconds"`
	FastPathConfidenceThresh   float64  `yaml:"fast_path_confidence_threshold"`
	FastPathObjectTypes        []string `yaml:"fast_path_object_types"`
}

func (p Pipeline) BatchWindow() time.Duration {
	return time.Duration(p.BatchWindowSeconds) * time.Second
}

func (p Pipeline) BatchIdleTimeout() time.Duration {
	return time.Duration(p.BatchIdleTimeoutSeconds) * time.Second
}

// AI controls the detector/analyzer HTTP clients and concurrency gate.
type AI struct {
	MaxConcurrentInferences int    `yaml:"ai_max_concurrent_inferences"`
	ConnectTimeoutMs        int    `yaml:"ai_connect_timeout_ms"`
	DetectorURL             string `yaml:"detector_url"`
	DetectorAPIKey          string `yaml:"detector_api_key"`
	DetectorReadTimeoutMs   int    `yaml:"detector_read_timeout_ms"`
	DetectorMaxRetries      int    `yaml:"detector_max_retries"`
	DetectorConfidenceFloor float64 `yaml:"detector_confidence_floor"`
	NemotronURL             string `yaml:"nemotron_url"`
	NemotronAPIKey          string `yaml:"nemotron_api_key"`
	NemotronReadTimeoutMs   int    `yaml:"nemotron_read_timeout_ms"`
	NemotronHealthTimeoutMs int    `yaml:"nemotron_health_timeout_ms"`
	NemotronMaxRetries      int    `yaml:"nemotron_max_retries"`
	NemotronContextWindow   int    `yaml:"nemotron_context_window"`
	NemotronMaxOutputTokens int    `yaml:"nemotron_max_output_tokens"`
}

func (a AI) ConnectTimeout() time.Duration { return time.Duration(a.ConnectTimeoutMs) * time.Millisecond }
func (a AI) DetectorReadTimeout() time.Duration {
	return time.Duration(a.DetectorReadTimeoutMs) * time.Millisecond
}
func (a AI) NemotronReadTimeout() time.Duration {
	return time.Duration(a.NemotronReadTimeoutMs) * time.Millisecond
}
func (a AI) NemotronHealthTimeout() time.Duration {
	return time.Duration(a.NemotronHealthTimeoutMs) * time.Millisecond
}

// Severity maps risk_score to risk_level (§3, §6).
type Severity struct {
	LowMax    int `yaml:"severity_low_max"`
	MediumMax int `yaml:"severity_medium_max"`
	HighMax   int `yaml:"severity_high_max"`
}

// Classify returns the risk level consistent with the configured thresholds.
// Boundary behavior per §8: low<=LowMax, medium<=MediumMax, high<=HighMax, else critical.
func (s Severity) Classify(score int) string {
	switch {
	case score <= s.LowMax:
		return "low"
	case score <= s.MediumMax:
		return "medium"
	case score <= s.HighMax:
		return "high"
	default:
		return "critical"
	}
}

// GPU controls GPUMonitor polling and pressure thresholds.
type GPU struct {
	PollIntervalSeconds  int     `yaml:"gpu_poll_interval_seconds"`
	StatsHistoryMinutes  int     `yaml:"gpu_stats_history_minutes"`
	WarningThresholdPct  float64 `yaml:"gpu_warning_threshold_pct"`
	CriticalThresholdPct float64 `yaml:"gpu_critical_threshold_pct"`
	ContainerHealthURL   string  `yaml:"gpu_container_health_url"`
}

func (g GPU) PollInterval() time.Duration {
	return time.Duration(g.PollIntervalSeconds) * time.Second
}

// Queue controls analysis_queue/DLQ limits and the retry cap applied by
// AnalysisQueueWorker.
type Queue struct {
	AnalysisQueueName string `yaml:"analysis_queue_name"`
	MaxLength         int64  `yaml:"queue_max_length"`
	DLQRetentionHours int    `yaml:"dlq_retention_hours"`
	WorkerRetryCap    int    `yaml:"worker_retry_cap"`
	DequeueTimeoutMs  int    `yaml:"dequeue_timeout_ms"`
}

func (q Queue) DequeueTimeout() time.Duration {
	return time.Duration(q.DequeueTimeoutMs) * time.Millisecond
}

// Root is the top-level pipeline configuration, unmarshalled from
// config/default.yaml the way cmd/server/main.go unmarshals rootCfg.
type Root struct {
	Pipeline Pipeline `yaml:"pipeline"`
	AI       AI       `yaml:"ai"`
	Severity Severity `yaml:"severity"`
	GPU      GPU      `yaml:"gpu"`
	Queue    Queue    `yaml:"queue"`
}

// Defaults returns the configuration defaults enumerated in §4.1/§6.
func Defaults() Root {
	return Root{
		Pipeline: Pipeline{
			BatchWindowSeconds:       90,
			BatchIdleTimeoutSeconds:  30,
			FastPathConfidenceThresh: 0.90,
			FastPathObjectTypes:      []string{"person"},
		},
		AI: AI{
			MaxConcurrentInferences: 4,
			ConnectTimeoutMs:        5000,
			DetectorReadTimeoutMs:   10000,
			DetectorMaxRetries:      3,
			DetectorConfidenceFloor: 0.5,
			NemotronReadTimeoutMs:   60000,
			NemotronHealthTimeoutMs: 3000,
			NemotronMaxRetries:      3,
			NemotronContextWindow:   8192,
			NemotronMaxOutputTokens: 512,
		},
		Severity: Severity{LowMax: 29, MediumMax: 59, HighMax: 84},
		GPU: GPU{
			PollIntervalSeconds:  10,
			StatsHistoryMinutes:  60,
			WarningThresholdPct:  85,
			CriticalThresholdPct: 95,
		},
		Queue: Queue{
			AnalysisQueueName: "analysis_queue",
			MaxLength:         10000,
			DLQRetentionHours: 72,
			WorkerRetryCap:    5,
			DequeueTimeoutMs:  2000,
		},
	}
}
