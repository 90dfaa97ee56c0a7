package sysprobe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gpulimit/domain/resource"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSystemCollector struct {
	cpuStats  CPUStats
	cpuErr    error
	memStats  resource.Memory
	memErr    error
	loadStats LoadStats
	loadErr   error
	proc      resource.ProcessStats
	procErr   error
}

func (m *mockSystemCollector) CPUTimes(ctx context.Context) (CPUStats, error) {
	return m.cpuStats, m.cpuErr
}

func (m *mockSystemCollector) VirtualMemory(ctx context.Context) (resource.Memory, error) {
	return m.memStats, m.memErr
}

func (m *mockSystemCollector) LoadAvg(ctx context.Context) (LoadStats, error) {
	return m.loadStats, m.loadErr
}

func (m *mockSystemCollector) Process(ctx context.Context, pid int) (resource.ProcessStats, error) {
	return m.proc, m.procErr
}

type mockGPUs struct {
	devices []resource.Device
	err     error
}

func (m *mockGPUs) QueryGPUs(ctx context.Context) ([]resource.Device, error) {
	return m.devices, m.err
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestProbe(sys *mockSystemCollector, gpus *mockGPUs) resource.Probe {
	return NewWithConfig(&Config{
		Collector: sys,
		GPUs:      gpus,
		Now:       func() time.Time { return fixedNow },
	})
}

// TestSnapshot_CombinesHostAndDevices - devices and memory land in one snapshot
func TestSnapshot_CombinesHostAndDevices(t *testing.T) {
	sys := &mockSystemCollector{
		memStats:  resource.Memory{TotalMB: 64000, FreeMB: 32000, UsedMB: 32000},
		loadStats: LoadStats{Load1: 1.5},
	}
	gpus := &mockGPUs{devices: []resource.Device{{ID: 0, TotalMB: 16000, FreeMB: 8000}}}

	snap, err := newTestProbe(sys, gpus).Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, fixedNow, snap.At)
	assert.Equal(t, gpus.devices, snap.Devices)
	assert.Equal(t, sys.memStats, snap.Memory)
	require.NotNil(t, snap.LoadAvg1)
	assert.Equal(t, 1.5, *snap.LoadAvg1)
	assert.Nil(t, snap.CPUPercent, "first snapshot only records a cpu baseline")
}

// TestSnapshot_SecondCallReportsCPUDelta - cpu utilization is computed between snapshots
func TestSnapshot_SecondCallReportsCPUDelta(t *testing.T) {
	sys := &mockSystemCollector{cpuStats: CPUStats{User: 100, Idle: 900}}
	p := newTestProbe(sys, &mockGPUs{})

	_, err := p.Snapshot(context.Background())
	require.NoError(t, err)

	sys.cpuStats = CPUStats{User: 150, Idle: 950}
	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)

	require.NotNil(t, snap.CPUPercent)
	assert.InDelta(t, 50.0, *snap.CPUPercent, 0.001)
}

// TestSnapshot_GPUErrorFails - a broken gpu query fails the snapshot
func TestSnapshot_GPUErrorFails(t *testing.T) {
	_, err := newTestProbe(&mockSystemCollector{}, &mockGPUs{err: errors.New("boom")}).Snapshot(context.Background())
	assert.Error(t, err)
}

// TestSnapshot_MemoryErrorFails - host memory is required
func TestSnapshot_MemoryErrorFails(t *testing.T) {
	_, err := newTestProbe(&mockSystemCollector{memErr: errors.New("boom")}, &mockGPUs{}).Snapshot(context.Background())
	assert.Error(t, err)
}

// TestSnapshot_OptionalHostFiguresIgnoreErrors - cpu and load are best effort
func TestSnapshot_OptionalHostFiguresIgnoreErrors(t *testing.T) {
	sys := &mockSystemCollector{cpuErr: errors.New("no cpu"), loadErr: errors.New("no load")}

	snap, err := newTestProbe(sys, &mockGPUs{}).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.CPUPercent)
	assert.Nil(t, snap.LoadAvg1)
}

func TestProcess_DelegatesToCollector(t *testing.T) {
	sys := &mockSystemCollector{proc: resource.ProcessStats{PID: 42, RSSMB: 100}}

	stats, err := newTestProbe(sys, &mockGPUs{}).Process(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), stats.RSSMB)
}

func TestNewWithConfig_Defaults(t *testing.T) {
	p := NewWithConfig(nil)
	require.NotNil(t, p)
}

// tickingCollector advances user and idle time by one unit per sample.
type tickingCollector struct {
	mockSystemCollector
	mu    sync.Mutex
	ticks float64
}

func (c *tickingCollector) CPUTimes(ctx context.Context) (CPUStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
	return CPUStats{User: c.ticks, Idle: c.ticks}, nil
}

// TestSnapshot_ConcurrentCallers - callers share one cpu baseline without corrupting it
func TestSnapshot_ConcurrentCallers(t *testing.T) {
	p := NewWithConfig(&Config{Collector: &tickingCollector{}, GPUs: &mockGPUs{}})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		baselines int
		percents  []float64
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				snap, err := p.Snapshot(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				if snap.CPUPercent == nil {
					baselines++
				} else {
					percents = append(percents, *snap.CPUPercent)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, baselines)
	require.Len(t, percents, 8*50-1)
	for _, pct := range percents {
		assert.InDelta(t, 50.0, pct, 0.001)
	}
}
