// Package taskqueue holds the ordered task store and each task's process
// supervision. Structural changes to the order go through one queue lock;
// per-task state has its own lock and is never held across the queue lock.
package taskqueue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"gpulimit/domain/task"
	"gpulimit/internal/cmdexec"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNotFound        = errors.New("task not found")
	ErrInvalidState    = errors.New("invalid task state")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrEmptyCommand    = errors.New("empty command")
	ErrLaunchFailed    = errors.New("launch failed")
	ErrShuttingDown    = errors.New("queue is shutting down")
)

// DefaultKillGrace is how long Kill waits after SIGTERM.
const DefaultKillGrace = 5 * time.Second

// Hooks are notified outside every lock. Ended fires once per run attempt.
type Hooks struct {
	Added   func(task.Info)
	Started func(task.Info)
	Ended   func(task.Info)
}

// AddRequest describes a new task.
type AddRequest struct {
	Dir      string
	Args     []string
	Priority int
	Output   string // relative paths resolve against Dir; empty uses <logdir>/<id>.log
	GPUs     int
}

type Queue struct {
	mu     sync.Mutex
	tasks  []*Task
	nextID int

	hooksMu sync.RWMutex
	hooks   []Hooks

	logDir    string
	launcher  cmdexec.Launcher
	killGrace time.Duration
	now       func() time.Time

	closing atomic.Bool
}

type Option func(*Queue)

func WithLogDir(dir string) Option {
	return func(q *Queue) {
		q.logDir = dir
	}
}

func WithLauncher(l cmdexec.Launcher) Option {
	return func(q *Queue) {
		q.launcher = l
	}
}

func WithKillGrace(d time.Duration) Option {
	return func(q *Queue) {
		q.killGrace = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		logDir:    os.TempDir(),
		launcher:  cmdexec.New(),
		killGrace: DefaultKillGrace,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Observe registers hooks. Call before the queue is shared.
func (q *Queue) Observe(h Hooks) {
	q.hooksMu.Lock()
	q.hooks = append(q.hooks, h)
	q.hooksMu.Unlock()
}

func (q *Queue) LogDir() string {
	return q.logDir
}

// Add inserts a task after every task whose priority is <= req.Priority.
func (q *Queue) Add(req AddRequest) (task.Info, error) {
	if len(req.Args) == 0 {
		return task.Info{}, ErrEmptyCommand
	}
	gpus := req.GPUs
	if gpus < 1 {
		gpus = 1
	}

	q.mu.Lock()
	id := q.nextID
	q.nextID++

	output := req.Output
	switch {
	case output == "":
		output = filepath.Join(q.logDir, fmt.Sprintf("%d.log", id))
	case !filepath.IsAbs(output):
		output = filepath.Join(req.Dir, output)
	}

	t := &Task{
		id:        id,
		dir:       req.Dir,
		args:      append([]string(nil), req.Args...),
		gpus:      gpus,
		createdAt: q.now(),
		q:         q,
		priority:  req.Priority,
		output:    output,
		status:    task.StatusWaiting,
	}

	pos := len(q.tasks)
	for i, other := range q.tasks {
		if other.getPriority() > req.Priority {
			pos = i
			break
		}
	}
	q.tasks = slices.Insert(q.tasks, pos, t)
	length := len(q.tasks)
	q.mu.Unlock()

	info := t.Info()
	info.Position = pos
	log.WithFields(log.Fields{
		"task_id":  id,
		"priority": req.Priority,
	}).Infof("added task to queue(len: %d): %s$ %s", length, req.Dir, info.CommandLine())

	q.notifyAdded(info)
	return info, nil
}

// Get returns the live task handle for id.
func (q *Queue) Get(id int) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(id); i >= 0 {
		return q.tasks[i], nil
	}
	return nil, fmt.Errorf("can not found id %d in task queue: %w", id, ErrNotFound)
}

// Remove kills a live task, then deletes it from the queue.
func (q *Queue) Remove(id int) (task.Info, error) {
	t, err := q.Get(id)
	if err != nil {
		return task.Info{}, err
	}

	// Once marked, Start refuses the task, so a live check made here
	// cannot be overtaken by a concurrent admission.
	t.mu.Lock()
	t.removed = true
	live := t.status.Live()
	t.mu.Unlock()

	if live {
		if err := t.Kill(); err != nil && !errors.Is(err, ErrInvalidState) {
			return task.Info{}, err
		}
	}

	q.mu.Lock()
	if i := slices.Index(q.tasks, t); i >= 0 {
		q.tasks = slices.Delete(q.tasks, i, i+1)
	}
	q.mu.Unlock()

	log.WithField("task_id", id).Info("removed task")
	return t.Info(), nil
}

// Move places a task at index regardless of priority. index may equal the
// queue length, which moves the task to the end.
func (q *Queue) Move(id, index int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if index < 0 || index > len(q.tasks) {
		return fmt.Errorf("index %d is bigger than task queue length(%d): %w", index, len(q.tasks), ErrIndexOutOfRange)
	}
	i := q.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("can not found task %d: %w", id, ErrNotFound)
	}

	t := q.tasks[i]
	q.tasks = slices.Delete(q.tasks, i, i+1)
	q.tasks = slices.Insert(q.tasks, min(index, len(q.tasks)), t)
	return nil
}

// ChangePriority reinserts the task per the priority rule.
func (q *Queue) ChangePriority(id, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("can not found task %d: %w", id, ErrNotFound)
	}
	t := q.tasks[i]
	q.tasks = slices.Delete(q.tasks, i, i+1)
	t.setPriority(priority)

	pos := len(q.tasks)
	for j, other := range q.tasks {
		if other.getPriority() > priority {
			pos = j
			break
		}
	}
	q.tasks = slices.Insert(q.tasks, pos, t)
	return nil
}

// Clean removes tasks in the given statuses, by default complete and
// CMD_ERROR. Live statuses are rejected; use Remove for those.
func (q *Queue) Clean(statuses ...task.Status) ([]task.Info, error) {
	if len(statuses) == 0 {
		statuses = []task.Status{task.StatusComplete, task.StatusCmdError}
	}
	for _, s := range statuses {
		if s.Live() {
			return nil, fmt.Errorf("can not clean %s tasks, kill them first: %w", s, ErrInvalidState)
		}
	}

	q.mu.Lock()
	var removed []task.Info
	kept := q.tasks[:0:0]
	for _, t := range q.tasks {
		t.mu.Lock()
		match := slices.Contains(statuses, t.status)
		if match {
			t.removed = true
			removed = append(removed, t.infoLocked())
		}
		t.mu.Unlock()
		if !match {
			kept = append(kept, t)
		}
	}
	q.tasks = kept
	q.mu.Unlock()

	if len(removed) > 0 {
		log.Infof("cleaned %d tasks", len(removed))
	}
	return removed, nil
}

// Tasks copies the current order. The handles stay valid after removal.
func (q *Queue) Tasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.tasks)
}

// Snapshot returns the queue as values with positions filled in. Task state
// is read after the queue lock is released.
func (q *Queue) Snapshot() []task.Info {
	tasks := q.Tasks()
	infos := make([]task.Info, len(tasks))
	for i, t := range tasks {
		infos[i] = t.Info()
		infos[i].Position = i
	}
	return infos
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Shutdown kills every live task and waits for them to exit. Start fails
// with ErrShuttingDown from here on.
func (q *Queue) Shutdown() {
	q.closing.Store(true)
	var wg sync.WaitGroup
	for _, t := range q.Tasks() {
		if !t.Status().Live() {
			continue
		}
		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			if err := t.Kill(); err != nil && !errors.Is(err, ErrInvalidState) {
				log.WithField("task_id", t.id).WithError(err).Error("failed to kill task on shutdown")
			}
		}(t)
	}
	wg.Wait()
}

func (q *Queue) indexLocked(id int) int {
	return slices.IndexFunc(q.tasks, func(t *Task) bool { return t.id == id })
}

func (q *Queue) snapshotHooks() []Hooks {
	q.hooksMu.RLock()
	defer q.hooksMu.RUnlock()
	return slices.Clone(q.hooks)
}

func (q *Queue) notifyAdded(info task.Info) {
	for _, h := range q.snapshotHooks() {
		if h.Added != nil {
			h.Added(info)
		}
	}
}

func (q *Queue) notifyStarted(info task.Info) {
	for _, h := range q.snapshotHooks() {
		if h.Started != nil {
			h.Started(info)
		}
	}
}

func (q *Queue) notifyEnded(info task.Info) {
	for _, h := range q.snapshotHooks() {
		if h.Ended != nil {
			h.Ended(info)
		}
	}
}
