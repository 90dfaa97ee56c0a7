// Package scheduling decides which queued task runs next and on which
// devices.
package scheduling

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"gpulimit/domain/resource"
	"gpulimit/domain/task"
	"gpulimit/internal/taskqueue"

	log "github.com/sirupsen/logrus"
)

// Policy is consulted by the scheduler loop, by queue events and by `start`.
type Policy interface {
	// Tick admits at most one task and reports whether it did.
	Tick(ctx context.Context) (bool, error)
	OnAdd(ctx context.Context)
	OnTaskEnd(ctx context.Context)
	// ForceStart starts id on the best device ignoring thresholds, or
	// behaves like Tick when id is nil.
	ForceStart(ctx context.Context, id *int) (Admission, error)
}

// Queue is the part of the task queue a policy reads.
type Queue interface {
	Tasks() []*taskqueue.Task
	Get(id int) (*taskqueue.Task, error)
}

// Admission describes one start decision.
type Admission struct {
	Admitted bool
	TaskID   int
	Devices  []int
	Reason   string // why nothing was admitted
}

type BasePolicy struct {
	queue  Queue
	probe  resource.Probe
	params *Params

	// mu makes the probe-check-start sequence exclusive.
	mu sync.Mutex
}

func NewBasePolicy(queue Queue, probe resource.Probe, params *Params) *BasePolicy {
	return &BasePolicy{queue: queue, probe: probe, params: params}
}

// Hooks connects the policy's fast paths to queue events.
func Hooks(p Policy) taskqueue.Hooks {
	return taskqueue.Hooks{
		Added: func(task.Info) { p.OnAdd(context.Background()) },
		Ended: func(task.Info) { p.OnTaskEnd(context.Background()) },
	}
}

func (p *BasePolicy) Tick(ctx context.Context) (bool, error) {
	a, err := p.tick(ctx)
	return a.Admitted, err
}

// OnAdd starts the new task right away on an idle queue.
func (p *BasePolicy) OnAdd(ctx context.Context) {
	for _, t := range p.queue.Tasks() {
		if t.Status() == task.StatusRunning {
			return
		}
	}
	if _, err := p.tick(ctx); err != nil {
		log.WithError(err).Warn("admission after add failed")
	}
}

func (p *BasePolicy) OnTaskEnd(ctx context.Context) {
	if _, err := p.tick(ctx); err != nil {
		log.WithError(err).Warn("admission after task end failed")
	}
}

func (p *BasePolicy) ForceStart(ctx context.Context, id *int) (Admission, error) {
	if id == nil {
		return p.tick(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	t, err := p.queue.Get(*id)
	if err != nil {
		return Admission{}, err
	}

	snap, err := p.probe.Snapshot(ctx)
	if err != nil {
		return Admission{}, fmt.Errorf("failed to probe resources: %w", err)
	}

	info := t.Info()
	devices := pickDevices(snap.Devices, info.GPUs)
	if err := t.Start(devices); err != nil {
		return Admission{TaskID: *id}, err
	}

	log.WithFields(log.Fields{
		"task_id": *id,
		"device":  task.FormatDevices(devices),
	}).Info("force started task")
	return Admission{Admitted: true, TaskID: *id, Devices: devices}, nil
}

func (p *BasePolicy) tick(ctx context.Context) (Admission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	values := p.params.Values()

	snap, err := p.probe.Snapshot(ctx)
	if err != nil {
		return Admission{}, fmt.Errorf("failed to probe resources: %w", err)
	}

	if snap.Memory.TotalMB > 0 && snap.Memory.FreeRatio() < values.SafetyKeepMemory {
		return Admission{Reason: fmt.Sprintf("host memory free %d/%d MiB is below the reserve", snap.Memory.FreeMB, snap.Memory.TotalMB)}, nil
	}

	tasks := p.queue.Tasks()
	infos := make([]task.Info, len(tasks))
	for i, t := range tasks {
		infos[i] = t.Info()
		infos[i].Position = i
	}

	eligible := eligibleDevices(snap.Devices, RunningPerDevice(infos), values)
	if len(eligible) == 0 {
		return Admission{Reason: "no device has enough free memory"}, nil
	}

	candidates := Candidates(infos, values.MaxErrTimes)
	if len(candidates) == 0 {
		return Admission{Reason: "no task is waiting"}, nil
	}

	next := candidates[0]
	want := max(next.GPUs, 1)
	if len(snap.Devices) > 0 && len(eligible) < want {
		return Admission{Reason: fmt.Sprintf("task %d needs %d devices, %d eligible", next.ID, want, len(eligible))}, nil
	}
	devices := eligible[:min(want, len(eligible))]

	t := tasks[next.Position]
	if err := t.Start(devices); err != nil {
		if errors.Is(err, taskqueue.ErrShuttingDown) || errors.Is(err, taskqueue.ErrNotFound) {
			return Admission{TaskID: next.ID, Reason: err.Error()}, nil
		}
		if errors.Is(err, taskqueue.ErrLaunchFailed) || errors.Is(err, taskqueue.ErrInvalidState) {
			log.WithField("task_id", next.ID).WithError(err).Warn("admission did not start task")
			return Admission{TaskID: next.ID, Reason: err.Error()}, nil
		}
		return Admission{}, err
	}

	log.WithFields(log.Fields{
		"task_id": next.ID,
		"device":  task.FormatDevices(devices),
	}).Info("admitted task")
	return Admission{Admitted: true, TaskID: next.ID, Devices: devices}, nil
}

// Candidates returns auto-startable tasks below the retry cap in admission
// order: status class, then run count, then queue position.
func Candidates(infos []task.Info, maxErrTimes int) []task.Info {
	var out []task.Info
	for _, info := range infos {
		if info.Status.AutoStartable() && info.RunCount < maxErrTimes {
			out = append(out, info)
		}
	}
	slices.SortStableFunc(out, func(a, b task.Info) int {
		return cmp.Or(
			task.CompareAdmission(a.Status, b.Status),
			cmp.Compare(a.RunCount, b.RunCount),
			cmp.Compare(a.Position, b.Position),
		)
	})
	return out
}

// RunningPerDevice counts live tasks on each device.
func RunningPerDevice(infos []task.Info) map[int]int {
	counts := make(map[int]int)
	for _, info := range infos {
		if !info.Status.Live() {
			continue
		}
		for _, d := range info.Devices {
			counts[d]++
		}
	}
	return counts
}

// eligibleDevices returns ids of devices clearing every reserve, most free
// memory first. With no devices reported the host itself is device 0.
func eligibleDevices(devices []resource.Device, running map[int]int, v Values) []int {
	capped := func(id int) bool {
		return v.MaxRunningTasks > 0 && running[id] >= v.MaxRunningTasks
	}

	if len(devices) == 0 {
		if capped(0) {
			return nil
		}
		return []int{0}
	}

	var ok []resource.Device
	for _, d := range devices {
		if d.FreeMB < v.MiniMemRemainMB || d.FreeRatio() < v.SafetyKeepGPUMemory || capped(d.ID) {
			continue
		}
		ok = append(ok, d)
	}
	return byFreeMemory(ok)
}

// pickDevices ignores every reserve and takes the n devices with the most
// free memory.
func pickDevices(devices []resource.Device, n int) []int {
	if len(devices) == 0 {
		return []int{0}
	}
	ids := byFreeMemory(devices)
	return ids[:min(max(n, 1), len(ids))]
}

func byFreeMemory(devices []resource.Device) []int {
	sorted := slices.Clone(devices)
	slices.SortStableFunc(sorted, func(a, b resource.Device) int {
		return cmp.Or(cmp.Compare(b.FreeMB, a.FreeMB), cmp.Compare(a.ID, b.ID))
	})
	ids := make([]int, len(sorted))
	for i, d := range sorted {
		ids[i] = d.ID
	}
	return ids
}
