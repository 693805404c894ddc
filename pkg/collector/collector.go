// Package collector implements the telemetry source: best-effort, periodic
// per-process resource sampling via gopsutil. Individual process errors are
// skipped so one inaccessible process never fails a whole batch.
package collector

import (
	"context"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"procpulse/pkg/model"
)

// Sampler gathers bounded batches of process samples and host-wide stats.
type Sampler struct {
	topN   int
	logger *zap.Logger
}

// NewSampler creates a Sampler returning the top N processes by CPU usage.
func NewSampler(topN int, logger *zap.Logger) *Sampler {
	if topN <= 0 {
		topN = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{topN: topN, logger: logger}
}

// Sample enumerates processes and returns the top N by CPU usage as samples.
// System-wide network counters are apportioned across the batch by CPU share
// since per-process counters are not portable.
func (s *Sampler) Sample(ctx context.Context) ([]model.Sample, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	samples := make([]model.Sample, 0, len(procs))
	var cpuTotal float64

	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		memPct, _ := p.MemoryPercentWithContext(ctx)
		threads, _ := p.NumThreadsWithContext(ctx)
		nice, _ := p.NiceWithContext(ctx)

		sample := model.Sample{
			PID:           p.Pid,
			Name:          name,
			Timestamp:     now,
			CPUPercent:    cpuPct,
			MemoryPercent: float64(memPct),
			Threads:       threads,
			Priority:      nice,
		}

		if io, err := p.IOCountersWithContext(ctx); err == nil && io != nil {
			sample.IOReadBytes = io.ReadBytes
			sample.IOWriteBytes = io.WriteBytes
		}

		cpuTotal += cpuPct
		samples = append(samples, sample)
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].CPUPercent > samples[j].CPUPercent })
	if len(samples) > s.topN {
		samples = samples[:s.topN]
	}

	if counters, err := gnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 && cpuTotal > 0 {
		for i := range samples {
			share := samples[i].CPUPercent / cpuTotal
			samples[i].NetSentBytes = uint64(float64(counters[0].BytesSent) * share)
			samples[i].NetRecvBytes = uint64(float64(counters[0].BytesRecv) * share)
		}
	}

	return samples, nil
}

// SystemStats returns host-wide cpu, memory, and disk usage.
func (s *Sampler) SystemStats(ctx context.Context) (model.SystemStats, error) {
	stats := model.SystemStats{Timestamp: time.Now()}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		stats.CPUPercent = pcts[0]
	} else if err != nil {
		s.logger.Debug("cpu percent unavailable", zap.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemPercent = vm.UsedPercent
	} else {
		s.logger.Debug("memory stats unavailable", zap.Error(err))
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		stats.DiskPercent = du.UsedPercent
	} else {
		s.logger.Debug("disk stats unavailable", zap.Error(err))
	}

	if procs, err := process.ProcessesWithContext(ctx); err == nil {
		stats.NumProcesses = len(procs)
	}

	return stats, nil
}
