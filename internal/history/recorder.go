// Package history writes one audit row per run attempt. It never feeds the
// queue back; a restarted server starts empty.
package history

import (
	"context"
	"strings"
	"sync"
	"time"

	"gpulimit/domain/task"
	"gpulimit/internal/taskqueue"

	log "github.com/sirupsen/logrus"
)

const queueSize = 256

type eventKind int

const (
	eventStarted eventKind = iota
	eventEnded
)

type event struct {
	kind eventKind
	info task.Info
}

type runKey struct {
	taskID  int
	attempt int
}

// Recorder persists queue events on its own goroutine so slow disks never
// stall admission.
type Recorder struct {
	repo     task.Repository
	instance string
	timeout  time.Duration

	mu     sync.Mutex
	closed bool
	events chan event
	done   chan struct{}

	open map[runKey]*task.Run // worker goroutine only
}

func New(repo task.Repository, instance string) *Recorder {
	r := &Recorder{
		repo:     repo,
		instance: instance,
		timeout:  5 * time.Second,
		events:   make(chan event, queueSize),
		done:     make(chan struct{}),
		open:     map[runKey]*task.Run{},
	}
	go r.loop()
	return r
}

func (r *Recorder) Hooks() taskqueue.Hooks {
	return taskqueue.Hooks{
		Started: func(info task.Info) { r.enqueue(event{eventStarted, info}) },
		Ended:   func(info task.Info) { r.enqueue(event{eventEnded, info}) },
	}
}

// Close drains pending events and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) enqueue(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- e:
	default:
		log.WithField("task_id", e.info.ID).Warn("history queue full, dropping run event")
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		var err error
		switch e.kind {
		case eventStarted:
			err = r.started(ctx, e.info)
		case eventEnded:
			err = r.ended(ctx, e.info)
		}
		cancel()
		if err != nil {
			log.WithField("task_id", e.info.ID).WithError(err).Warn("failed to record run")
		}
	}
}

func (r *Recorder) started(ctx context.Context, info task.Info) error {
	run := r.newRun(info)
	if err := r.repo.Create(ctx, run); err != nil {
		return err
	}
	r.open[runKey{info.ID, info.RunCount}] = run
	return nil
}

func (r *Recorder) ended(ctx context.Context, info task.Info) error {
	key := runKey{info.ID, info.RunCount}
	run, found := r.open[key]
	if !found {
		run = r.newRun(info)
	}
	delete(r.open, key)

	run.Status = info.StatusName
	run.ExitCode = info.ExitCode
	run.Error = info.ErrorTrace
	run.FinishedAt = info.FinishedAt
	if info.PID > 0 {
		run.PID = info.PID
	}

	if !found {
		return r.repo.Create(ctx, run)
	}
	return r.repo.Update(ctx, run)
}

func (r *Recorder) newRun(info task.Info) *task.Run {
	run := &task.Run{
		Instance: r.instance,
		TaskID:   info.ID,
		Attempt:  info.RunCount,
		Dir:      info.Dir,
		Command:  strings.Join(info.Args, " "),
		Devices:  task.FormatDevices(info.Devices),
		PID:      info.PID,
		Status:   info.StatusName,
		Error:    info.ErrorTrace,
	}
	if info.StartedAt != nil {
		run.StartedAt = *info.StartedAt
	} else {
		run.StartedAt = time.Now()
	}
	return run
}
