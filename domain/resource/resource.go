// Package resource describes point-in-time device and host figures used for
// admission decisions.
package resource

import (
	"context"
	"time"
)

// Device is one GPU as reported by the probe. Memory figures are MiB.
type Device struct {
	ID          int      `json:"id"`
	Name        string   `json:"name,omitempty"`
	TotalMB     uint64   `json:"memory_total_mb"`
	FreeMB      uint64   `json:"memory_free_mb"`
	UsedMB      uint64   `json:"memory_used_mb"`
	Utilization *float64 `json:"utilization_percent,omitempty"`
}

// FreeRatio is free/total, or 0 when total is unknown.
func (d Device) FreeRatio() float64 {
	if d.TotalMB == 0 {
		return 0
	}
	return float64(d.FreeMB) / float64(d.TotalMB)
}

// Memory is host RAM in MiB.
type Memory struct {
	TotalMB uint64 `json:"total_mb"`
	FreeMB  uint64 `json:"free_mb"`
	UsedMB  uint64 `json:"used_mb"`
}

func (m Memory) FreeRatio() float64 {
	if m.TotalMB == 0 {
		return 0
	}
	return float64(m.FreeMB) / float64(m.TotalMB)
}

// Snapshot is captured once per decision and never cached beyond it.
type Snapshot struct {
	At         time.Time `json:"at"`
	Devices    []Device  `json:"devices"`
	Memory     Memory    `json:"memory"`
	CPUPercent *float64  `json:"cpu_percent,omitempty"`
	LoadAvg1   *float64  `json:"load_avg_1,omitempty"`
}

// Device returns the device with the given id.
func (s Snapshot) Device(id int) (Device, bool) {
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// ProcessStats are figures for one running child process.
type ProcessStats struct {
	PID        int     `json:"pid"`
	RSSMB      uint64  `json:"rss_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

type Probe interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Process(ctx context.Context, pid int) (ProcessStats, error)
}
