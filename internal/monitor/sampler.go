package monitor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics is one sample of host resource usage.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	DiskPercent   float64 `json:"diskPercent"`
	Load1         float64 `json:"load1"`
}

// SystemSampler reads host metrics. Injected so tests can fake load.
type SystemSampler interface {
	Sample(ctx context.Context) (SystemMetrics, error)
}

type gopsutilSampler struct {
	diskPath string
}

// NewSystemSampler returns the gopsutil-backed sampler.
func NewSystemSampler() SystemSampler {
	return &gopsutilSampler{diskPath: "/"}
}

func (s *gopsutilSampler) Sample(ctx context.Context) (SystemMetrics, error) {
	var metrics SystemMetrics

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return metrics, fmt.Errorf("cpu sample failed: %w", err)
	}
	if len(cpuPercents) > 0 {
		metrics.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return metrics, fmt.Errorf("memory sample failed: %w", err)
	}
	metrics.MemoryPercent = vm.UsedPercent

	usage, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return metrics, fmt.Errorf("disk sample failed: %w", err)
	}
	metrics.DiskPercent = usage.UsedPercent

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return metrics, fmt.Errorf("load sample failed: %w", err)
	}
	metrics.Load1 = avg.Load1

	return metrics, nil
}
