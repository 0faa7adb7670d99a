// Package sysmetrics samples host resource utilization for heartbeat
// reporting.
package sysmetrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time reading of host resource usage, expressed
// as percentages in [0, 100].
type Snapshot struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// Sampler collects Snapshots on demand. It caches nothing between calls;
// Heartbeat is infrequent enough that a fresh read each time is cheap.
type Sampler struct {
	diskPath string
}

// NewSampler builds a Sampler that reports disk usage for diskPath (the
// worker's scratch/work directory, typically "/").
func NewSampler(diskPath string) *Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Sampler{diskPath: diskPath}
}

// Collect takes one reading. Any individual metric that fails to sample
// is reported as zero rather than aborting the whole snapshot — a
// heartbeat with partial data is still useful.
func (s *Sampler) Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemPercent = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, s.diskPath); err == nil {
		snap.DiskPercent = du.UsedPercent
	}

	return snap
}
