package gpu

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// NativeSampler stands in for an NVML/cgo binding. This module ships no
// cgo dependency, so it always reports unavailable, letting the fallback
// chain fall through to CLISampler — the same "native binding, else shell
// out" order as original_source/backend/services/gpu_monitor.py's
// _initialize_nvml/_check_nvidia_smi pair.
type NativeSampler struct{}

func (NativeSampler) Name() string { return "native" }

func (NativeSampler) Sample(ctx context.Context) (Stats, error) {
	return Stats{}, errors.New("native GPU bindings not compiled into this build")
}

// CLISampler shells out to nvidia-smi, parsing its CSV output, matching
// _get_gpu_stats_nvidia_smi.
type CLISampler struct {
	// Runner is overridable in tests; defaults to exec.CommandContext.
	Runner func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewCLISampler() *CLISampler {
	return &CLISampler{Runner: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func (c *CLISampler) Name() string { return "nvidia-smi" }

func (c *CLISampler) Sample(ctx context.Context) (Stats, error) {
	out, err := c.Runner(ctx, "nvidia-smi",
		"--query-gpu=memory.used,memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return Stats{}, fmt.Errorf("nvidia-smi: %w", err)
	}
	r := csv.NewReader(strings.NewReader(string(out)))
	record, err := r.Read()
	if err != nil || len(record) < 2 {
		return Stats{}, fmt.Errorf("nvidia-smi: unparsable output %q", string(out))
	}
	usedMB, err := strconv.ParseFloat(strings.TrimSpace(record[0]), 64)
	if err != nil {
		return Stats{}, fmt.Errorf("nvidia-smi: bad memory.used %q", record[0])
	}
	totalMB, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
	if err != nil || totalMB == 0 {
		return Stats{}, fmt.Errorf("nvidia-smi: bad memory.total %q", record[1])
	}
	return Stats{
		UsedGB:      usedMB / 1024,
		TotalGB:     totalMB / 1024,
		UsedPercent: usedMB / totalMB * 100,
	}, nil
}

// ContainerSampler reads the detector container's reported VRAM metric off
// its /health endpoint, matching _get_gpu_stats_real's HTTP fallback.
type ContainerSampler struct {
	HealthURL string
	Client    *http.Client
}

func NewContainerSampler(healthURL string) *ContainerSampler {
	return &ContainerSampler{HealthURL: healthURL, Client: &http.Client{Timeout: 3 * time.Second}}
}

type containerHealthPayload struct {
	VRAMUsedGB  float64 `json:"vram_used_gb"`
	VRAMTotalGB float64 `json:"vram_total_gb"`
}

func (c *ContainerSampler) Name() string { return "container-health" }

func (c *ContainerSampler) Sample(ctx context.Context) (Stats, error) {
	if c.HealthURL == "" {
		return Stats{}, errors.New("container health url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.HealthURL, nil)
	if err != nil {
		return Stats{}, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return Stats{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("container health returned %d", resp.StatusCode)
	}
	var payload containerHealthPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Stats{}, fmt.Errorf("container health: %w", err)
	}
	if payload.VRAMTotalGB == 0 {
		return Stats{}, errors.New("container health: vram_total_gb is zero")
	}
	return Stats{
		UsedGB:      payload.VRAMUsedGB,
		TotalGB:     payload.VRAMTotalGB,
		UsedPercent: payload.VRAMUsedGB / payload.VRAMTotalGB * 100,
	}, nil
}

// MockSampler produces deterministic sinusoidal values for dev
// environments, ported from _get_gpu_stats_mock so local runs still
// exercise the WARNING/CRITICAL transitions without real hardware.
type MockSampler struct {
	TotalGB   float64
	BaselinePct float64
	AmplitudePct float64
	PeriodSeconds float64
	start     time.Time
}

func NewMockSampler() *MockSampler {
	return &MockSampler{
		TotalGB:       24,
		BaselinePct:   60,
		AmplitudePct:  30,
		PeriodSeconds: 300,
		start:         time.Now(),
	}
}

func (m *MockSampler) Name() string { return "mock" }

func (m *MockSampler) Sample(ctx context.Context) (Stats, error) {
	elapsed := time.Since(m.start).Seconds()
	phase := 2 * math.Pi * elapsed / m.PeriodSeconds
	pct := m.BaselinePct + m.AmplitudePct*math.Sin(phase)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return Stats{
		UsedPercent: pct,
		UsedGB:      m.TotalGB * pct / 100,
		TotalGB:     m.TotalGB,
	}, nil
}

// DefaultChain returns the fallback order NewMonitor should be constructed
// with in production: native, CLI, container, then mock.
func DefaultChain(containerHealthURL string) []Sampler {
	chain := []Sampler{NativeSampler{}, NewCLISampler()}
	if containerHealthURL != "" {
		chain = append(chain, NewContainerSampler(containerHealthURL))
	}
	chain = append(chain, NewMockSampler())
	return chain
}
