package task

import (
	"context"
	"time"
)

// Run is one launch attempt of a task, kept for auditing. It is never used
// to rebuild the queue.
type Run struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Instance   string     `gorm:"index" json:"instance"`
	TaskID     int        `gorm:"index" json:"task_id"`
	Attempt    int        `json:"attempt"`
	Dir        string     `json:"pwd"`
	Command    string     `json:"command"`
	Devices    string     `json:"devices"`
	PID        int        `json:"pid"`
	Status     string     `json:"status"`
	ExitCode   *int       `json:"exit_code"`
	Error      string     `json:"error"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

type RunFilters struct {
	Instance string
	TaskID   *int
	Limit    int
}

type Repository interface {
	Create(ctx context.Context, run *Run) error
	Update(ctx context.Context, run *Run) error
	FindAll(ctx context.Context, filters RunFilters) ([]Run, error)
}
