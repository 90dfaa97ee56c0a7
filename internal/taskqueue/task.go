package taskqueue

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gpulimit/domain/task"
	"gpulimit/internal/cmdexec"

	log "github.com/sirupsen/logrus"
)

// DeviceEnv is exported to every child with its assigned device ids.
const DeviceEnv = "CUDA_VISIBLE_DEVICES"

// Task is one queued command and, while live, its process. All mutable
// fields are guarded by mu; the queue lock is never taken while mu is held.
type Task struct {
	id        int
	dir       string
	args      []string
	gpus      int
	createdAt time.Time
	q         *Queue

	mu         sync.Mutex
	priority   int
	output     string
	status     task.Status
	devices    []int
	runCount   int
	proc       cmdexec.Process
	gen        int
	exitCode   *int
	errTrace   string
	startedAt  *time.Time
	finishedAt *time.Time
	removed    bool // set by Queue.Remove, never cleared
}

func (t *Task) ID() int {
	return t.id
}

func (t *Task) Status() task.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Start launches the task on devices, or continues it when paused. A
// process that cannot be spawned leaves the task in CMD_ERROR and the
// returned error wraps ErrLaunchFailed.
func (t *Task) Start(devices []int) error {
	t.mu.Lock()
	if !t.status.Startable() {
		status := t.status
		t.mu.Unlock()
		return stateError("start", t.id, status)
	}
	if t.q.closing.Load() {
		t.mu.Unlock()
		return fmt.Errorf("task %d: %w", t.id, ErrShuttingDown)
	}
	if t.removed {
		t.mu.Unlock()
		return fmt.Errorf("task %d was removed: %w", t.id, ErrNotFound)
	}

	if t.status == task.StatusPaused {
		err := t.continueLocked()
		t.mu.Unlock()
		return err
	}

	now := t.q.now()
	t.runCount++
	t.gen++
	t.status = task.StatusRunning
	t.devices = append([]int(nil), devices...)
	t.startedAt = &now
	t.finishedAt = nil
	t.exitCode = nil
	t.errTrace = ""

	spec := cmdexec.Spec{
		Dir:    t.dir,
		Args:   t.args,
		Env:    map[string]string{DeviceEnv: task.FormatDevices(devices)},
		Output: t.output,
		Header: t.dir + "# " + strings.Join(t.args, " "),
	}
	proc, err := t.q.launcher.Launch(spec)
	if err != nil {
		t.status = task.StatusCmdError
		t.devices = nil
		t.finishedAt = &now
		t.errTrace = launchTrace(spec, now, err)
		started := t.infoLocked()
		t.mu.Unlock()

		t.writeTrace(spec.Output, started.ErrorTrace)
		log.WithFields(log.Fields{
			"task_id": t.id,
			"device":  task.FormatDevices(devices),
		}).WithError(err).Error("failed to launch task")

		t.q.notifyStarted(started)
		go t.q.notifyEnded(started)
		return fmt.Errorf("task %d: %w: %v", t.id, ErrLaunchFailed, err)
	}

	t.proc = proc
	gen := t.gen
	started := t.infoLocked()
	t.mu.Unlock()

	log.WithFields(log.Fields{
		"task_id": t.id,
		"device":  task.FormatDevices(devices),
		"pid":     proc.Pid(),
	}).Infof("started: %s$ %s", t.dir, strings.Join(t.args, " "))

	t.q.notifyStarted(started)
	go t.supervise(proc, gen)
	return nil
}

// supervise waits for one run attempt and reports it exactly once.
func (t *Task) supervise(proc cmdexec.Process, gen int) {
	code, waitErr := proc.Wait()
	now := t.q.now()

	t.mu.Lock()
	if t.gen != gen {
		// Killed and started again before this run was reaped.
		ended := t.infoLocked()
		ended.RunCount -= t.gen - gen
		t.mu.Unlock()
		ended.Status = task.StatusKilled
		ended.StatusName = task.StatusKilled.String()
		ended.Devices = nil
		ended.PID = proc.Pid()
		ended.ExitCode = &code
		ended.FinishedAt = &now
		t.q.notifyEnded(ended)
		return
	}

	t.exitCode = &code
	t.finishedAt = &now
	t.proc = nil
	t.devices = nil
	switch {
	case t.status == task.StatusKilled:
	case waitErr != nil:
		t.status = task.StatusRuntimeError
		t.errTrace = waitErr.Error()
	case code == 0:
		t.status = task.StatusComplete
	default:
		t.status = task.StatusRuntimeError
	}
	ended := t.infoLocked()
	ended.PID = proc.Pid()
	t.mu.Unlock()

	log.WithFields(log.Fields{
		"task_id":   t.id,
		"pid":       proc.Pid(),
		"exit_code": code,
	}).Infof("finished with status %s", ended.StatusName)

	t.q.notifyEnded(ended)
}

// Kill terminates a live task, escalating to SIGKILL after the grace period.
// It returns once the process has exited.
func (t *Task) Kill() error {
	t.mu.Lock()
	if !t.status.Live() {
		status := t.status
		t.mu.Unlock()
		return stateError("kill", t.id, status)
	}
	wasPaused := t.status == task.StatusPaused
	proc := t.proc
	t.status = task.StatusKilled
	t.devices = nil
	t.mu.Unlock()

	logger := log.WithFields(log.Fields{"task_id": t.id, "pid": proc.Pid()})
	logger.Info("killing task")

	if err := proc.Terminate(); err != nil && !errors.Is(err, cmdexec.ErrProcessDone) {
		logger.WithError(err).Warn("failed to send SIGTERM")
	}
	if wasPaused {
		// A stopped group only sees SIGTERM once continued.
		_ = proc.Resume()
	}

	select {
	case <-proc.Done():
		return nil
	case <-time.After(t.q.killGrace):
	}

	logger.Warn("task ignored SIGTERM, sending SIGKILL")
	if err := proc.Kill(); err != nil && !errors.Is(err, cmdexec.ErrProcessDone) {
		return fmt.Errorf("failed to kill task %d: %w", t.id, err)
	}
	<-proc.Done()
	return nil
}

// Pause suspends a running task's process group.
func (t *Task) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != task.StatusRunning {
		return stateError("pause", t.id, t.status)
	}
	if err := t.proc.Suspend(); err != nil {
		return fmt.Errorf("failed to pause task %d: %w", t.id, err)
	}
	t.status = task.StatusPaused
	log.WithField("task_id", t.id).Info("paused")
	return nil
}

// Resume continues a paused task.
func (t *Task) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != task.StatusPaused {
		return stateError("resume", t.id, t.status)
	}
	return t.continueLocked()
}

func (t *Task) continueLocked() error {
	if err := t.proc.Resume(); err != nil {
		return fmt.Errorf("failed to resume task %d: %w", t.id, err)
	}
	t.status = task.StatusRunning
	log.WithField("task_id", t.id).Info("resumed")
	return nil
}

// Info returns a copy of the task's current state.
func (t *Task) Info() task.Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.infoLocked()
}

func (t *Task) infoLocked() task.Info {
	info := task.Info{
		ID:         t.id,
		Dir:        t.dir,
		Args:       append([]string(nil), t.args...),
		Priority:   t.priority,
		GPUs:       t.gpus,
		OutputPath: t.output,
		RunCount:   t.runCount,
		Status:     t.status,
		StatusName: t.status.String(),
		ErrorTrace: t.errTrace,
		CreatedAt:  t.createdAt,
	}
	if len(t.devices) > 0 {
		info.Devices = append([]int(nil), t.devices...)
	}
	if t.proc != nil {
		info.PID = t.proc.Pid()
	}
	if t.exitCode != nil {
		code := *t.exitCode
		info.ExitCode = &code
	}
	if t.startedAt != nil {
		at := *t.startedAt
		info.StartedAt = &at
	}
	if t.finishedAt != nil {
		at := *t.finishedAt
		info.FinishedAt = &at
	}
	return info
}

func (t *Task) setPriority(p int) {
	t.mu.Lock()
	t.priority = p
	t.mu.Unlock()
}

func (t *Task) getPriority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// writeTrace leaves the launch diagnostic where `log <id>` points.
func (t *Task) writeTrace(path, trace string) {
	if path == "" {
		return
	}
	header := t.dir + "# " + strings.Join(t.args, " ") + "\n"
	if err := os.WriteFile(path, []byte(header+trace+"\n"), 0644); err != nil {
		log.WithField("task_id", t.id).WithError(err).Debug("failed to write launch trace")
	}
}

func launchTrace(spec cmdexec.Spec, at time.Time, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "launch failed at %s\n", at.Format(time.RFC3339))
	fmt.Fprintf(&b, "pwd: %s\n", spec.Dir)
	fmt.Fprintf(&b, "argv: %q\n", spec.Args)
	fmt.Fprintf(&b, "env: %s=%s\n", DeviceEnv, spec.Env[DeviceEnv])
	fmt.Fprintf(&b, "error: %v", err)
	for unwrapped := errors.Unwrap(err); unwrapped != nil; unwrapped = errors.Unwrap(unwrapped) {
		fmt.Fprintf(&b, "\ncaused by: %v", unwrapped)
	}
	return b.String()
}

func stateError(op string, id int, status task.Status) error {
	return fmt.Errorf("cannot %s task %d with status `%s`: %w", op, id, status, ErrInvalidState)
}
