package executor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

const defaultSampleInterval = 250 * time.Millisecond

// Sampler takes best-effort resource usage snapshots. A nil Sampler samples nothing.
type Sampler struct {
	logger   *zap.Logger
	interval time.Duration
}

// NewSampler creates a sampler, or returns nil when monitoring is disabled
func NewSampler(enabled bool, logger *zap.Logger) *Sampler {
	if !enabled {
		return nil
	}
	return &Sampler{
		logger:   logger.Named("sampler"),
		interval: defaultSampleInterval,
	}
}

// Snapshot samples one process
func (s *Sampler) Snapshot(pid int32) *model.ResourceUsage {
	if s == nil {
		return nil
	}

	proc, err := process.NewProcess(pid)
	if err != nil {
		s.logger.Debug("Failed to open process", zap.Int32("pid", pid), zap.Error(err))
		return nil
	}

	usage := &model.ResourceUsage{}
	if cpuPercent, err := proc.CPUPercent(); err == nil {
		usage.CPUPercent = cpuPercent
	}
	if memInfo, err := proc.MemoryInfo(); err == nil {
		usage.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
	} else {
		s.logger.Debug("Failed to get memory usage", zap.Int32("pid", pid), zap.Error(err))
		return nil
	}
	if memPercent, err := proc.MemoryPercent(); err == nil {
		usage.MemoryPercent = memPercent
	}
	return usage
}

// Track samples a child process until the returned stop function is called.
// stop returns the last successful sample.
func (s *Sampler) Track(ctx context.Context, pid int32) func() *model.ResourceUsage {
	if s == nil {
		return func() *model.ResourceUsage { return nil }
	}

	var (
		mu   sync.Mutex
		last = s.Snapshot(pid)
	)
	stop := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if usage := s.Snapshot(pid); usage != nil {
					mu.Lock()
					last = usage
					mu.Unlock()
				}
			}
		}
	}()

	return func() *model.ResourceUsage {
		close(stop)
		<-finished
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

// SampleHost collects host CPU and memory usage percentages
func SampleHost(logger *zap.Logger) (cpuUsage, memUsage float64) {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		logger.Error("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		cpuUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		logger.Error("Failed to get memory usage", zap.Error(err))
	} else {
		memUsage = memInfo.UsedPercent
	}
	return cpuUsage, memUsage
}
