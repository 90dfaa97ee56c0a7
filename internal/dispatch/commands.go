package dispatch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gpulimit/domain/task"
	"gpulimit/internal/scheduling"
	"gpulimit/internal/taskqueue"

	"github.com/mattn/go-shellwords"
)

var idParam = Param{Name: "id", Kind: KindInt, Required: true}

var sortModes = []string{"queue", "id", "priority", "show", "run"}

func (d *Dispatcher) table() []*Command {
	return []*Command{
		{
			Name:  "add",
			Usage: "add [--priority=N] [--logpath=PATH] [--gpus=N] cmd...",
			Help:  "add a command to the queue; lower priority values run sooner",
			Flags: []Param{
				{Name: "priority", Kind: KindInt, Default: strconv.Itoa(task.DefaultPriority), Help: "task priority"},
				{Name: "logpath", Kind: KindString, Help: "output file, relative to the working directory"},
				{Name: "gpus", Kind: KindInt, Default: "1", Help: "number of devices"},
			},
			Variadic:              &Param{Name: "cmd", Kind: KindString, Required: true},
			StopAtFirstPositional: true,
			Handler:               d.add,
		},
		{
			Name:  "ls",
			Usage: "ls [--all] [--sort=queue|id|priority|show|run]",
			Help:  "list the queue; commands are cut at 80 characters unless --all",
			Flags: []Param{
				{Name: "all", Kind: KindBool},
				{Name: "sort", Kind: KindString, Default: "queue"},
			},
			Handler: d.ls,
		},
		{
			Name:       "show",
			Usage:      "show id",
			Help:       "show task details",
			Positional: []Param{idParam},
			Handler:    d.show,
		},
		{
			Name:       "rm",
			Usage:      "rm id",
			Help:       "remove a task, killing it first if it is running",
			Positional: []Param{idParam},
			Handler:    d.rm,
		},
		{
			Name:       "kill",
			Usage:      "kill id",
			Help:       "terminate a running task",
			Positional: []Param{idParam},
			Handler:    d.kill,
		},
		{
			Name:       "mv",
			Usage:      "mv id [index]",
			Help:       "move a task to index (default 0) regardless of priority",
			Positional: []Param{idParam, {Name: "index", Kind: KindInt, Default: "0"}},
			Handler:    d.mv,
		},
		{
			Name:  "set",
			Usage: "set [name] [value]",
			Help:  "show or change scheduling parameters",
			Positional: []Param{
				{Name: "name", Kind: KindString},
				{Name: "value", Kind: KindString},
			},
			Handler: d.set,
		},
		{
			Name:       "start",
			Usage:      "start [id]",
			Help:       "run one admission now, or force-start task id",
			Positional: []Param{{Name: "id", Kind: KindInt}},
			Handler:    d.start,
		},
		{
			Name:       "log",
			Usage:      "log id|main",
			Help:       "print the output file of a task, or the server log",
			Positional: []Param{{Name: "target", Kind: KindString, Required: true}},
			Handler:    d.log,
		},
		{
			Name:    "status",
			Usage:   "status",
			Help:    "show host, device and queue utilization",
			Handler: d.status,
		},
		{
			Name:       "debug",
			Usage:      "debug id",
			Help:       "show the launch error of a CMD_ERROR task",
			Positional: []Param{idParam},
			Handler:    d.debug,
		},
		{
			Name:     "clean",
			Usage:    "clean [status...]",
			Help:     "remove tasks by status (default: complete CMD_ERROR)",
			Variadic: &Param{Name: "status", Kind: KindString},
			Handler:  d.clean,
		},
		{
			Name:       "pause",
			Usage:      "pause id",
			Help:       "suspend a running task",
			Positional: []Param{idParam},
			Handler:    d.pause,
		},
		{
			Name:       "resume",
			Usage:      "resume id",
			Help:       "continue a paused task",
			Positional: []Param{idParam},
			Handler:    d.resume,
		},
		{
			Name:       "priority",
			Usage:      "priority id value",
			Help:       "change a task's priority and reposition it",
			Positional: []Param{idParam, {Name: "value", Kind: KindInt, Required: true}},
			Handler:    d.priority,
		},
		{
			Name:       "history",
			Usage:      "history [id] [--limit=N]",
			Help:       "show recorded run attempts, newest first",
			Positional: []Param{{Name: "id", Kind: KindInt}},
			Flags:      []Param{{Name: "limit", Kind: KindInt, Default: "20"}},
			Handler:    d.history,
		},
		{
			Name:       "help",
			Usage:      "help [command]",
			Help:       "show usage",
			Positional: []Param{{Name: "command", Kind: KindString}},
			Handler:    d.help,
		},
	}
}

func (d *Dispatcher) add(ctx context.Context, c *Call) Result {
	args := c.Rest()
	if len(args) == 1 && strings.ContainsAny(args[0], " \t") {
		words, err := shellwords.Parse(args[0])
		if err != nil {
			return failure(fmt.Errorf("%w: cannot split command %q: %v", ErrArgument, args[0], err))
		}
		args = words
	}
	if c.Int("gpus") < 1 {
		return failure(fmt.Errorf("%w: --gpus must be at least 1", ErrArgument))
	}

	info, err := d.deps.Queue.Add(taskqueue.AddRequest{
		Dir:      c.Dir,
		Args:     args,
		Priority: c.Int("priority"),
		Output:   c.String("logpath"),
		GPUs:     c.Int("gpus"),
	})
	if err != nil {
		return failure(err)
	}

	lines := []string{fmt.Sprintf("[info]: add task(id:%d) to queue(len: %d)", info.ID, d.deps.Queue.Len())}
	if t, err := d.deps.Queue.Get(info.ID); err == nil {
		if now := t.Info(); now.Status == task.StatusRunning {
			lines = append(lines, fmt.Sprintf("[info]: start task %d on GPU %s", info.ID, task.FormatDevices(now.Devices)))
		}
	}
	return text(strings.Join(lines, "\n"))
}

func (d *Dispatcher) ls(ctx context.Context, c *Call) Result {
	mode := c.String("sort")
	if !slices.Contains(sortModes, mode) {
		return failure(fmt.Errorf("%w: sort must be one of %s, got %q", ErrArgument, strings.Join(sortModes, ", "), mode))
	}

	infos := d.deps.Queue.Snapshot()
	sortInfos(infos, mode)

	all := c.Bool("all")
	t := newTable("[ID]", "num", "priority", "status", "run_times", "pwd", "cmds")
	for _, info := range infos {
		t.row(info.ID, info.Position, info.Priority, statusCell(info), info.RunCount, info.Dir+"#", truncate(info.CommandLine(), all))
	}
	return text(t.String())
}

func sortInfos(infos []task.Info, mode string) {
	var less func(a, b task.Info) int
	switch mode {
	case "id":
		less = func(a, b task.Info) int { return cmp.Compare(a.ID, b.ID) }
	case "priority":
		less = func(a, b task.Info) int { return cmp.Compare(a.Priority, b.Priority) }
	case "show":
		less = func(a, b task.Info) int { return task.CompareDisplay(a.Status, b.Status) }
	case "run":
		less = func(a, b task.Info) int {
			return cmp.Or(task.CompareAdmission(a.Status, b.Status), cmp.Compare(a.RunCount, b.RunCount))
		}
	default:
		return
	}
	slices.SortStableFunc(infos, less)
}

func (d *Dispatcher) show(ctx context.Context, c *Call) Result {
	t, err := d.deps.Queue.Get(c.Int("id"))
	if err != nil {
		return failure(err)
	}
	info := t.Info()

	var pid any
	if info.PID > 0 {
		pid = info.PID
	}
	var devices any
	if len(info.Devices) > 0 {
		devices = task.FormatDevices(info.Devices)
	}

	tb := newTable()
	tb.row("task id:", info.ID)
	tb.row("task pid:", pid)
	tb.row("priority:", info.Priority)
	tb.row("use gpu:", devices)
	tb.row("gpus wanted:", info.GPUs)
	tb.row("run times:", info.RunCount)
	tb.row("status:", info.StatusName)
	tb.row("exit code:", info.ExitCode)
	tb.row("out file:", info.OutputPath)
	tb.row("pwd:", info.Dir)
	tb.row("cmds:", info.CommandLine())
	tb.row("created:", info.CreatedAt)
	tb.row("started:", info.StartedAt)
	tb.row("finished:", info.FinishedAt)
	if info.StartedAt != nil {
		tb.row("running time:", info.RunningTime(d.deps.Now()))
	}

	if info.Status.Live() && info.PID > 0 && d.deps.Probe != nil {
		if stats, err := d.deps.Probe.Process(ctx, info.PID); err == nil {
			tb.row("rss:", fmt.Sprintf("%d MiB", stats.RSSMB))
			tb.row("cpu:", fmt.Sprintf("%.1f%%", stats.CPUPercent))
			tb.row("threads:", stats.Threads)
		}
	}
	return text(tb.String())
}

func (d *Dispatcher) rm(ctx context.Context, c *Call) Result {
	id := c.Int("id")
	if _, err := d.deps.Queue.Remove(id); err != nil {
		return failure(err)
	}
	return okf("[info]: del task %d", id)
}

func (d *Dispatcher) kill(ctx context.Context, c *Call) Result {
	id := c.Int("id")
	t, err := d.deps.Queue.Get(id)
	if err != nil {
		return failure(err)
	}
	if err := t.Kill(); err != nil {
		return failure(err)
	}
	return okf("[info]: kill task %d succeed.", id)
}

func (d *Dispatcher) mv(ctx context.Context, c *Call) Result {
	id, index := c.Int("id"), c.Int("index")
	if err := d.deps.Queue.Move(id, index); err != nil {
		return failure(err)
	}
	return okf("[info]: move %d to %d", id, index)
}

func (d *Dispatcher) set(ctx context.Context, c *Call) Result {
	params := d.deps.Params
	if !c.Has("name") {
		lines := make([]string, 0)
		for _, p := range params.All() {
			lines = append(lines, fmt.Sprintf("%s = %s", p.Name, p.Value))
		}
		return text(strings.Join(lines, "\n"))
	}

	name := c.String("name")
	if !c.Has("value") {
		v, err := params.Get(name)
		if err != nil {
			return failure(err)
		}
		return okf("%s = %s", name, v)
	}

	if err := params.Set(name, c.String("value")); err != nil {
		return failure(err)
	}
	v, _ := params.Get(name)
	return okf("[info]: set %s = %s", name, v)
}

func (d *Dispatcher) start(ctx context.Context, c *Call) Result {
	id := c.IntPtr("id")
	a, err := d.deps.Policy.ForceStart(ctx, id)
	if err != nil {
		return failure(err)
	}
	switch {
	case a.Admitted:
		return okf("[info]: start task %d succeed on GPU %s.", a.TaskID, task.FormatDevices(a.Devices))
	case a.Reason != "":
		return okf("[info]: no task started: %s", a.Reason)
	default:
		return text("[info]: no task started")
	}
}

func (d *Dispatcher) log(ctx context.Context, c *Call) Result {
	target := c.String("target")
	if target == "main" {
		return text(d.deps.MainLog)
	}

	id, err := strconv.Atoi(target)
	if err != nil {
		return failure(fmt.Errorf("%w: log expects a task id or `main`, got %q", ErrArgument, target))
	}
	t, err := d.deps.Queue.Get(id)
	if err != nil {
		return failure(err)
	}
	path := t.Info().OutputPath
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return text(path)
}

func (d *Dispatcher) status(ctx context.Context, c *Call) Result {
	if d.deps.Probe == nil {
		return failure(errors.New("no resource probe configured"))
	}
	snap, err := d.deps.Probe.Snapshot(ctx)
	if err != nil {
		return failure(err)
	}
	infos := d.deps.Queue.Snapshot()
	running := scheduling.RunningPerDevice(infos)

	var sections []string

	host := newTable("CPU utilization", "load avg", "memory total", "memory free", "memory used")
	host.row(snap.CPUPercent, snap.LoadAvg1, snap.Memory.TotalMB, snap.Memory.FreeMB, snap.Memory.UsedMB)
	sections = append(sections, host.String())

	devices := newTable("GPU[ID]", "name", "memory total", "memory free", "memory used", "utilization", "running tasks num")
	if len(snap.Devices) == 0 {
		devices.row(0, "cpu", snap.Memory.TotalMB, snap.Memory.FreeMB, snap.Memory.UsedMB, snap.CPUPercent, running[0])
	}
	for _, dev := range snap.Devices {
		devices.row(dev.ID, dev.Name, dev.TotalMB, dev.FreeMB, dev.UsedMB, dev.Utilization, running[dev.ID])
	}
	sections = append(sections, devices.String())

	counts := map[task.Status]int{}
	for _, info := range infos {
		counts[info.Status]++
	}
	queue := newTable("status", "tasks")
	for _, s := range task.Statuses {
		queue.row(s.String(), counts[s])
	}
	sections = append(sections, queue.String())

	if d.deps.Instance != "" {
		sections = append(sections, "server instance: "+d.deps.Instance)
	}
	return text(strings.Join(sections, "\n\n"))
}

func (d *Dispatcher) debug(ctx context.Context, c *Call) Result {
	t, err := d.deps.Queue.Get(c.Int("id"))
	if err != nil {
		return failure(err)
	}
	info := t.Info()
	if info.ErrorTrace == "" {
		return okf("[info]: task %d has no captured error (status `%s`)", info.ID, info.StatusName)
	}
	return text(info.ErrorTrace)
}

func (d *Dispatcher) clean(ctx context.Context, c *Call) Result {
	var statuses []task.Status
	for _, name := range c.Rest() {
		s, err := task.ParseStatus(name)
		if err != nil {
			return failure(fmt.Errorf("%w: %v", ErrArgument, err))
		}
		statuses = append(statuses, s)
	}

	removed, err := d.deps.Queue.Clean(statuses...)
	if err != nil {
		return failure(err)
	}

	t := newTable("id", "status", "run_times", "pwd", "cmds")
	for _, info := range removed {
		t.row(info.ID, info.StatusName, info.RunCount, info.Dir, info.CommandLine())
	}
	return text("[info]: rm task as follows:\n" + t.String())
}

func (d *Dispatcher) pause(ctx context.Context, c *Call) Result {
	id := c.Int("id")
	t, err := d.deps.Queue.Get(id)
	if err != nil {
		return failure(err)
	}
	if err := t.Pause(); err != nil {
		return failure(err)
	}
	return okf("[info]: pause task %d succeed.", id)
}

func (d *Dispatcher) resume(ctx context.Context, c *Call) Result {
	id := c.Int("id")
	t, err := d.deps.Queue.Get(id)
	if err != nil {
		return failure(err)
	}
	if err := t.Resume(); err != nil {
		return failure(err)
	}
	return okf("[info]: resume task %d succeed.", id)
}

func (d *Dispatcher) priority(ctx context.Context, c *Call) Result {
	id, p := c.Int("id"), c.Int("value")
	if err := d.deps.Queue.ChangePriority(id, p); err != nil {
		return failure(err)
	}
	return okf("[info]: set task %d priority to %d", id, p)
}

func (d *Dispatcher) history(ctx context.Context, c *Call) Result {
	if d.deps.History == nil {
		return failure(errors.New("run history is disabled"))
	}
	runs, err := d.deps.History.FindAll(ctx, task.RunFilters{
		TaskID: c.IntPtr("id"),
		Limit:  c.Int("limit"),
	})
	if err != nil {
		return failure(err)
	}

	t := newTable("run", "task", "attempt", "status", "exit", "gpu", "started", "finished", "cmds")
	for _, r := range runs {
		devices := r.Devices
		if devices == "" {
			devices = "-"
		}
		t.row(r.ID, r.TaskID, r.Attempt, r.Status, r.ExitCode, devices, r.StartedAt, r.FinishedAt, truncate(r.Command, false))
	}
	return text(t.String())
}

func (d *Dispatcher) help(ctx context.Context, c *Call) Result {
	if c.Has("command") {
		name := c.String("command")
		cmd, found := d.commands[name]
		if !found {
			return failure(fmt.Errorf("%w: unknown command `%s`", ErrArgument, name))
		}
		lines := []string{cmd.Usage, "", "    " + cmd.Help}
		if len(cmd.Flags) > 0 {
			lines = append(lines, "", "Options:")
			for _, f := range cmd.Flags {
				line := fmt.Sprintf("    --%s (%s)", f.Name, f.Kind)
				if f.Default != "" {
					line += " default " + f.Default
				}
				if f.Help != "" {
					line += ": " + f.Help
				}
				lines = append(lines, line)
			}
		}
		return text(strings.Join(lines, "\n"))
	}

	t := newTable()
	for _, name := range d.Commands() {
		cmd := d.commands[name]
		t.row(cmd.Usage, cmd.Help)
	}
	return text("usage: gpulimit <command> [args]\n\n" + t.String())
}
