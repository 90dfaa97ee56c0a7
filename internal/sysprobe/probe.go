// Package sysprobe reports device and host resources for admission control.
// GPU figures come from nvidia-smi, host figures from gopsutil.
package sysprobe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gpulimit/domain/resource"
)

type CPUStats struct {
	User    float64
	System  float64
	Idle    float64
	Nice    float64
	Iowait  float64
	Irq     float64
	Softirq float64
	Steal   float64
}

func (c CPUStats) Total() float64 {
	return c.User + c.System + c.Idle + c.Nice + c.Iowait + c.Irq + c.Softirq + c.Steal
}

type LoadStats struct {
	Load1  float64
	Load5  float64
	Load15 float64
}

// SystemCollector is the host side of the probe.
type SystemCollector interface {
	CPUTimes(ctx context.Context) (CPUStats, error)
	VirtualMemory(ctx context.Context) (resource.Memory, error)
	LoadAvg(ctx context.Context) (LoadStats, error)
	Process(ctx context.Context, pid int) (resource.ProcessStats, error)
}

// GPUQuerier lists GPUs. A host without a GPU toolchain returns no devices
// and no error.
type GPUQuerier interface {
	QueryGPUs(ctx context.Context) ([]resource.Device, error)
}

type Config struct {
	Collector SystemCollector
	GPUs      GPUQuerier
	Now       func() time.Time
}

type probe struct {
	sys     SystemCollector
	gpus    GPUQuerier
	now     func() time.Time

	// cpuMu serializes sampling so each delta pairs adjacent samples.
	cpuMu   sync.Mutex
	lastCPU *CPUStats
}

// New builds a probe backed by gopsutil and the nvidia-smi at smiPath.
func New(smiPath string, runner Runner) resource.Probe {
	return NewWithConfig(&Config{
		Collector: &gopsutilCollector{},
		GPUs:      NewNvidiaSMI(smiPath, runner),
	})
}

func NewWithConfig(cfg *Config) resource.Probe {
	p := &probe{now: time.Now}
	if cfg != nil {
		p.sys = cfg.Collector
		p.gpus = cfg.GPUs
		if cfg.Now != nil {
			p.now = cfg.Now
		}
	}
	if p.sys == nil {
		p.sys = &gopsutilCollector{}
	}
	if p.gpus == nil {
		p.gpus = noGPUs{}
	}
	return p
}

func (p *probe) Snapshot(ctx context.Context) (resource.Snapshot, error) {
	snap := resource.Snapshot{At: p.now()}

	devices, err := p.gpus.QueryGPUs(ctx)
	if err != nil {
		return resource.Snapshot{}, fmt.Errorf("failed to query gpus: %w", err)
	}
	snap.Devices = devices

	memory, err := p.sys.VirtualMemory(ctx)
	if err != nil {
		return resource.Snapshot{}, fmt.Errorf("failed to read host memory: %w", err)
	}
	snap.Memory = memory

	if cpuPercent, ok := p.collectCPU(ctx); ok {
		snap.CPUPercent = &cpuPercent
	}

	if l, err := p.sys.LoadAvg(ctx); err == nil {
		snap.LoadAvg1 = &l.Load1
	}

	return snap, nil
}

func (p *probe) Process(ctx context.Context, pid int) (resource.ProcessStats, error) {
	return p.sys.Process(ctx, pid)
}

// collectCPU reports utilization since the previous call; the first call
// only records a baseline.
func (p *probe) collectCPU(ctx context.Context) (float64, bool) {
	p.cpuMu.Lock()
	defer p.cpuMu.Unlock()

	current, err := p.sys.CPUTimes(ctx)
	if err != nil {
		return 0, false
	}

	if p.lastCPU == nil {
		p.lastCPU = &current
		return 0, false
	}

	delta := CPUStats{
		User:    current.User - p.lastCPU.User,
		System:  current.System - p.lastCPU.System,
		Idle:    current.Idle - p.lastCPU.Idle,
		Nice:    current.Nice - p.lastCPU.Nice,
		Iowait:  current.Iowait - p.lastCPU.Iowait,
		Irq:     current.Irq - p.lastCPU.Irq,
		Softirq: current.Softirq - p.lastCPU.Softirq,
		Steal:   current.Steal - p.lastCPU.Steal,
	}
	p.lastCPU = &current

	total := delta.Total()
	if total == 0 {
		return 0, false
	}
	return (1 - delta.Idle/total) * 100, true
}

type noGPUs struct{}

func (noGPUs) QueryGPUs(context.Context) ([]resource.Device, error) {
	return nil, nil
}
