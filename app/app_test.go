package app

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gpulimit/domain/resource"
	"gpulimit/domain/task"
	"gpulimit/internal/logging"
	"gpulimit/internal/pidlock"
	"gpulimit/internal/scheduling"
	"gpulimit/internal/taskqueue"
	"gpulimit/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleGPU struct{}

func (idleGPU) Snapshot(ctx context.Context) (resource.Snapshot, error) {
	return resource.Snapshot{
		At:      time.Now(),
		Devices: []resource.Device{{ID: 0, TotalMB: 16000, FreeMB: 15000}},
		Memory:  resource.Memory{TotalMB: 32000, FreeMB: 30000},
	}, nil
}

func (idleGPU) Process(ctx context.Context, pid int) (resource.ProcessStats, error) {
	return resource.ProcessStats{PID: pid}, nil
}

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		Listen:      wire.Address{Network: "unix", Addr: filepath.Join(dir, "g.sock")},
		LogDir:      filepath.Join(dir, "logs"),
		HistoryDB:   "file:" + filepath.Join(dir, "history.db"),
		CleanLogDir: true,
		Probe:       idleGPU{},
		Params:      map[string]float64{scheduling.ParamTimerPollingTime: 0.1},
	}
}

func taskAdd(t *testing.T, args ...string) taskqueue.AddRequest {
	return taskqueue.AddRequest{Dir: t.TempDir(), Args: args, Priority: task.DefaultPriority, GPUs: 1}
}

func roundTrip(t *testing.T, addr wire.Address, dir string, argv ...string) string {
	t.Helper()
	conn, err := net.DialTimeout(addr.Network, addr.Addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteRequest(conn, wire.Request{Dir: dir, Argv: argv}))
	reply, err := wire.ReadString(conn)
	require.NoError(t, err)
	return reply
}

func TestContainer_RunsTaskEndToEnd(t *testing.T) {
	opts := testOptions(t)
	c, err := NewContainer(opts)
	require.NoError(t, err)
	assert.NotEmpty(t, c.Instance)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))

	served := make(chan error, 1)
	go func() { served <- c.Serve(ctx) }()

	workDir := t.TempDir()
	reply := roundTrip(t, opts.Listen, workDir, "add", "sh", "-c", "echo hi")
	assert.Contains(t, reply, "add task(id:0)")

	require.Eventually(t, func() bool {
		tk, err := c.Queue.Get(0)
		return err == nil && tk.Status() == task.StatusComplete
	}, 5*time.Second, 20*time.Millisecond)

	out, err := os.ReadFile(filepath.Join(opts.LogDir, "0.log"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "hi")

	require.Eventually(t, func() bool {
		runs, err := c.History.FindAll(context.Background(), task.RunFilters{})
		return err == nil && len(runs) == 1 && runs[0].Status == "complete"
	}, 5*time.Second, 20*time.Millisecond)

	assert.Contains(t, roundTrip(t, opts.Listen, workDir, "ls"), "complete")

	cancel()
	require.NoError(t, <-served)
	c.Shutdown()

	_, err = os.Stat(opts.Listen.Addr)
	assert.True(t, os.IsNotExist(err), "socket should be removed")
	_, err = os.Stat(filepath.Join(opts.LogDir, lockFileName))
	assert.True(t, os.IsNotExist(err), "lock should be released")
}

func TestContainer_SecondInstanceIsRejected(t *testing.T) {
	opts := testOptions(t)
	first, err := NewContainer(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, first.Start(ctx))
	defer first.Shutdown()

	opts.HistoryDB = ""
	second, err := NewContainer(opts)
	require.NoError(t, err)
	assert.Nil(t, second.History)

	err = second.Start(ctx)
	require.ErrorIs(t, err, pidlock.ErrLockBusy)
	second.Shutdown()

	holder, err := pidlock.Read(filepath.Join(opts.LogDir, lockFileName))
	require.NoError(t, err)
	assert.Equal(t, first.Instance, holder.Instance)
}

func TestContainer_RejectedInstanceKeepsTaskLogs(t *testing.T) {
	opts := testOptions(t)
	opts.HistoryDB = ""
	first, err := NewContainer(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, first.Start(ctx))
	defer first.Shutdown()

	live := filepath.Join(opts.LogDir, "0.log")
	require.NoError(t, os.WriteFile(live, []byte("epoch 1\n"), 0644))

	second, err := NewContainer(opts)
	require.NoError(t, err)
	require.ErrorIs(t, second.Start(ctx), pidlock.ErrLockBusy)
	second.Shutdown()

	out, err := os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, "epoch 1\n", string(out))
}

func TestContainer_ShutdownKillsRunningTasks(t *testing.T) {
	opts := testOptions(t)
	opts.HistoryDB = ""
	opts.KillGrace = 200 * time.Millisecond
	opts.Params[scheduling.ParamMaxRunningTasks] = 1
	c, err := NewContainer(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))

	first, err := c.Queue.Add(taskAdd(t, "sleep", "30"))
	require.NoError(t, err)
	second, err := c.Queue.Add(taskAdd(t, "sleep", "30"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tk, _ := c.Queue.Get(first.ID)
		return tk.Status() == task.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	c.Shutdown()

	tk, err := c.Queue.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusKilled, tk.Status())

	// The kill must not hand the device to the next task.
	tk, err = c.Queue.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusWaiting, tk.Status())
}

func TestNewContainer_InvalidParams(t *testing.T) {
	opts := testOptions(t)
	opts.Params = map[string]float64{"NOT_A_PARAM": 1}

	_, err := NewContainer(opts)
	assert.ErrorIs(t, err, scheduling.ErrUnknownParam)
}

func TestNewContainer_AppliesParams(t *testing.T) {
	opts := testOptions(t)
	opts.HistoryDB = ""
	opts.Params = map[string]float64{scheduling.ParamMaxErrTimes: 7}

	c, err := NewContainer(opts)
	require.NoError(t, err)

	v, err := c.Params.Get(scheduling.ParamMaxErrTimes)
	require.NoError(t, err)
	assert.Equal(t, "7", v)
}

func TestCleanLogDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0.log", "12.log", logging.MainLogName, "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	require.NoError(t, cleanLogDir(dir))

	assert.NoFileExists(t, filepath.Join(dir, "0.log"))
	assert.NoFileExists(t, filepath.Join(dir, "12.log"))
	assert.FileExists(t, filepath.Join(dir, logging.MainLogName))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestContainer_CleansLogDirOnlyOnceStarted(t *testing.T) {
	opts := testOptions(t)
	opts.HistoryDB = ""
	opts.LogDir = filepath.Join(opts.LogDir, "nested", "logs")

	c, err := NewContainer(opts)
	require.NoError(t, err)
	assert.DirExists(t, opts.LogDir)

	stale := filepath.Join(opts.LogDir, "7.log")
	require.NoError(t, os.WriteFile(stale, []byte("old run"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Shutdown()

	assert.NoFileExists(t, stale)
}

func TestContainer_KeepsLogsWhenCleaningIsOff(t *testing.T) {
	opts := testOptions(t)
	opts.HistoryDB = ""
	opts.CleanLogDir = false

	kept := filepath.Join(opts.LogDir, "3.log")
	require.NoError(t, os.MkdirAll(opts.LogDir, 0755))
	require.NoError(t, os.WriteFile(kept, []byte("x"), 0644))

	c, err := NewContainer(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Shutdown()

	assert.FileExists(t, kept)
}
