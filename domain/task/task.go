// Package task holds the task status model shared by the queue, the scheduler
// and every presentation layer.
package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a queued command.
type Status int

const (
	StatusWaiting Status = iota
	StatusRunning
	StatusComplete
	StatusRuntimeError
	StatusCmdError
	StatusKilled
	StatusPaused
)

// DefaultPriority is used when add is called without --priority.
// Lower values are scheduled sooner.
const DefaultPriority = 5

var statusNames = map[Status]string{
	StatusWaiting:      "waiting",
	StatusRunning:      "running",
	StatusComplete:     "complete",
	StatusRuntimeError: "runtime_error",
	StatusCmdError:     "CMD_ERROR",
	StatusKilled:       "killed",
	StatusPaused:       "paused",
}

// Statuses lists every status in declaration order.
var Statuses = []Status{
	StatusWaiting,
	StatusRunning,
	StatusComplete,
	StatusRuntimeError,
	StatusCmdError,
	StatusKilled,
	StatusPaused,
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Status(" + strconv.Itoa(int(s)) + ")"
}

// ParseStatus accepts a status name. CMD_ERROR is matched case-insensitively
// so that `clean cmd_error` works from a shell.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// Startable reports whether start is legal from s.
func (s Status) Startable() bool {
	switch s {
	case StatusWaiting, StatusRuntimeError, StatusKilled, StatusPaused:
		return true
	}
	return false
}

// AutoStartable reports whether the scheduler may admit a task in s on its own.
func (s Status) AutoStartable() bool {
	return s == StatusWaiting || s == StatusRuntimeError
}

// Live reports whether s has an OS process attached.
func (s Status) Live() bool {
	return s == StatusRunning || s == StatusPaused
}

var admissionRank = map[Status]int{
	StatusWaiting:      0,
	StatusRuntimeError: 1,
	StatusPaused:       2,
	StatusKilled:       2,
	StatusComplete:     3,
	StatusCmdError:     3,
	StatusRunning:      4,
}

var displayRank = map[Status]int{
	StatusRunning:      0,
	StatusPaused:       1,
	StatusWaiting:      2,
	StatusRuntimeError: 3,
	StatusKilled:       4,
	StatusComplete:     5,
	StatusCmdError:     6,
}

// CompareAdmission orders statuses for admission: waiting, then
// runtime_error, then everything else. Running sorts last.
func CompareAdmission(a, b Status) int {
	return admissionRank[a] - admissionRank[b]
}

// CompareDisplay orders statuses for `ls --sort=show`.
func CompareDisplay(a, b Status) int {
	return displayRank[a] - displayRank[b]
}

// Info is a point-in-time copy of a task. It is safe to keep and format
// without holding any lock.
type Info struct {
	ID         int        `json:"id"`
	Position   int        `json:"position"`
	Dir        string     `json:"pwd"`
	Args       []string   `json:"argv"`
	Priority   int        `json:"priority"`
	GPUs       int        `json:"gpus"`
	OutputPath string     `json:"output_path"`
	Devices    []int      `json:"devices,omitempty"`
	PID        int        `json:"pid,omitempty"`
	RunCount   int        `json:"run_count"`
	Status     Status     `json:"-"`
	StatusName string     `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	ErrorTrace string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// CommandLine joins the argument vector for display only.
func (i Info) CommandLine() string {
	return strings.Join(i.Args, " ")
}

// RunningTime is the wall time of the current or last run.
func (i Info) RunningTime(now time.Time) time.Duration {
	if i.StartedAt == nil {
		return 0
	}
	end := now
	if i.FinishedAt != nil && !i.Status.Live() {
		end = *i.FinishedAt
	}
	return end.Sub(*i.StartedAt)
}

// FormatDevices renders a device list the way it is exported to children:
// a single id or a comma-joined list.
func FormatDevices(devices []int) string {
	parts := make([]string, len(devices))
	for i, d := range devices {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}
