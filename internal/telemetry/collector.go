// Package telemetry provides system health and resource telemetry for the
// backend's probing surfaces. The GPU-accelerated detector runs out of
// process; this collector reports the host and service side of the story.
package telemetry

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is one telemetry observation.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Service ServiceStats `json:"service"`
	Host    HostStats    `json:"host"`
}

// ServiceStats describes this process.
type ServiceStats struct {
	PID           int     `json:"pid"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	MemoryRSSMB   float64 `json:"memory_rss_mb"`
	CPUPercent    float64 `json:"cpu_percent"`
}

// HostStats describes the machine.
type HostStats struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryUsedPct  float64 `json:"memory_used_pct"`
	MemoryTotalMB  float64 `json:"memory_total_mb"`
	DiskUsedPct    float64 `json:"disk_used_pct"`
	DiskFreeGB     float64 `json:"disk_free_gb"`
}

// Collector gathers telemetry with caching, so frequent health probes do
// not repeatedly sample the host.
type Collector struct {
	startTime time.Time

	mu            sync.RWMutex
	cached        *Snapshot
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a telemetry collector.
func NewCollector(cacheDuration time.Duration) *Collector {
	return &Collector{
		startTime:     time.Now(),
		cacheDuration: cacheDuration,
	}
}

// Snapshot returns current telemetry, cached for the collector's TTL.
func (c *Collector) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.RLock()
	if c.cached != nil && time.Now().Before(c.cacheExpiry) {
		snapshot := *c.cached
		c.mu.RUnlock()
		return &snapshot, nil
	}
	c.mu.RUnlock()

	snapshot, err := c.collect(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = snapshot
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	return snapshot, nil
}

func (c *Collector) collect(ctx context.Context) (*Snapshot, error) {
	snapshot := &Snapshot{
		Timestamp: time.Now().UTC(),
		Service: ServiceStats{
			PID:           os.Getpid(),
			UptimeSeconds: time.Since(c.startTime).Seconds(),
			Goroutines:    runtime.NumGoroutine(),
		},
	}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
			snapshot.Service.MemoryRSSMB = float64(memInfo.RSS) / 1024 / 1024
		}
		if cpuPct, err := proc.CPUPercentWithContext(ctx); err == nil {
			snapshot.Service.CPUPercent = cpuPct
		}
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snapshot.Host.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snapshot.Host.MemoryUsedPct = vm.UsedPercent
		snapshot.Host.MemoryTotalMB = float64(vm.Total) / 1024 / 1024
	}
	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snapshot.Host.DiskUsedPct = usage.UsedPercent
		snapshot.Host.DiskFreeGB = float64(usage.Free) / 1024 / 1024 / 1024
	}

	return snapshot, nil
}
