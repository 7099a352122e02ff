package pages

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/veilcrawl/veilcrawl/events"
)

// Sample is one resource reading.
type Sample struct {
	MemoryMB   float64 `json:"memoryMB"`
	CPUPercent float64 `json:"cpuPercent"`
}

// Sampler supplies resource readings. The default reads Go runtime memory;
// tests inject deterministic samplers.
type Sampler func() Sample

func runtimeSampler() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{MemoryMB: float64(ms.Alloc) / (1 << 20)}
}

// MonitorStats tracks resource monitor history.
type MonitorStats struct {
	Current           Sample `json:"current"`
	Peak              Sample `json:"peak"`
	ChecksPerformed   int    `json:"checksPerformed"`
	ThresholdExceeded int    `json:"thresholdExceeded"`
}

// resourceMonitor samples memory and CPU on a ticker and reports health
// against profile limits. When disabled, Healthy always returns true.
type resourceMonitor struct {
	mu        sync.Mutex
	enabled   bool
	maxMemMB  float64
	maxCPUPct float64
	sample    Sampler
	stats     MonitorStats
	bus       *events.Bus
	stop      chan struct{}
	done      chan struct{}
}

func newResourceMonitor(cfg ProfileConfig, sample Sampler, bus *events.Bus) *resourceMonitor {
	if sample == nil {
		sample = runtimeSampler
	}
	return &resourceMonitor{
		enabled:   cfg.ResourceMonitoring,
		maxMemMB:  cfg.MaxMemoryMB,
		maxCPUPct: cfg.MaxCPUPercent,
		sample:    sample,
		bus:       bus,
	}
}

// start launches the sampling ticker. No-op when monitoring is disabled.
func (m *resourceMonitor) start(ctx context.Context, interval time.Duration) {
	if !m.enabled {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.check()
			}
		}
	}()
}

func (m *resourceMonitor) check() {
	s := m.sample()

	m.mu.Lock()
	m.stats.Current = s
	m.stats.ChecksPerformed++
	if s.MemoryMB > m.stats.Peak.MemoryMB {
		m.stats.Peak.MemoryMB = s.MemoryMB
	}
	if s.CPUPercent > m.stats.Peak.CPUPercent {
		m.stats.Peak.CPUPercent = s.CPUPercent
	}
	memOver := m.maxMemMB > 0 && s.MemoryMB > m.maxMemMB
	cpuOver := m.maxCPUPct > 0 && s.CPUPercent > m.maxCPUPct
	if memOver || cpuOver {
		m.stats.ThresholdExceeded++
	}
	stats := m.stats
	m.mu.Unlock()

	if m.bus == nil {
		return
	}
	if memOver {
		m.bus.Emit("pages", "threshold-exceeded", map[string]any{"resource": "memory", "stats": stats})
	}
	if cpuOver {
		m.bus.Emit("pages", "threshold-exceeded", map[string]any{"resource": "cpu", "stats": stats})
	}
}

// healthy reports whether the latest sample is within limits.
// Always true while monitoring is disabled.
func (m *resourceMonitor) healthy() bool {
	if !m.enabled {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxMemMB > 0 && m.stats.Current.MemoryMB > m.maxMemMB {
		return false
	}
	if m.maxCPUPct > 0 && m.stats.Current.CPUPercent > m.maxCPUPct {
		return false
	}
	return true
}

func (m *resourceMonitor) snapshot() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *resourceMonitor) close() {
	if m.stop == nil {
		return
	}
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}
