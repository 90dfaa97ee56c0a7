package sysprobe

import (
	"context"
	"fmt"

	"gpulimit/domain/resource"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const mib = 1024 * 1024

type gopsutilCollector struct{}

func (g *gopsutilCollector) CPUTimes(ctx context.Context) (CPUStats, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return CPUStats{}, err
	}
	if len(times) == 0 {
		return CPUStats{}, fmt.Errorf("no cpu times returned")
	}
	t := times[0]
	return CPUStats{
		User:    t.User,
		System:  t.System,
		Idle:    t.Idle,
		Nice:    t.Nice,
		Iowait:  t.Iowait,
		Irq:     t.Irq,
		Softirq: t.Softirq,
		Steal:   t.Steal,
	}, nil
}

func (g *gopsutilCollector) VirtualMemory(ctx context.Context) (resource.Memory, error) {
	m, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return resource.Memory{}, err
	}
	return resource.Memory{
		TotalMB: m.Total / mib,
		FreeMB:  m.Available / mib,
		UsedMB:  m.Used / mib,
	}, nil
}

func (g *gopsutilCollector) LoadAvg(ctx context.Context) (LoadStats, error) {
	l, err := load.AvgWithContext(ctx)
	if err != nil {
		return LoadStats{}, err
	}
	return LoadStats{
		Load1:  l.Load1,
		Load5:  l.Load5,
		Load15: l.Load15,
	}, nil
}

func (g *gopsutilCollector) Process(ctx context.Context, pid int) (resource.ProcessStats, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return resource.ProcessStats{}, err
	}

	stats := resource.ProcessStats{PID: pid}
	if memInfo, err := p.MemoryInfoWithContext(ctx); err == nil {
		stats.RSSMB = memInfo.RSS / mib
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = pct
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = n
	}
	return stats, nil
}
