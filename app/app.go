// Package app wires the queue, the policy and every surface around them.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gpulimit/app/jobs/schedulejob"
	"gpulimit/domain/resource"
	"gpulimit/domain/task"
	"gpulimit/internal/cmdexec"
	"gpulimit/internal/dbconn"
	"gpulimit/internal/dispatch"
	"gpulimit/internal/history"
	"gpulimit/internal/logging"
	"gpulimit/internal/pidlock"
	gormRepo "gpulimit/internal/repository/gorm"
	"gpulimit/internal/scheduling"
	"gpulimit/internal/server"
	"gpulimit/internal/sysprobe"
	"gpulimit/internal/taskqueue"
	"gpulimit/internal/wire"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const lockFileName = "gpulimit.lock"

type Options struct {
	Listen      wire.Address
	LogDir      string
	HistoryDB   string // empty disables run history
	NvidiaSMI   string
	KillGrace   time.Duration
	CleanLogDir bool
	Params      map[string]float64
	Instance    string // generated when empty

	Probe    resource.Probe   // defaults to sysprobe
	Launcher cmdexec.Launcher // defaults to cmdexec.New()
}

type Container struct {
	Instance   string
	StartedAt  time.Time
	Queue      *taskqueue.Queue
	Params     *scheduling.Params
	Policy     *scheduling.BasePolicy
	Probe      resource.Probe
	History    task.Repository // nil when history is disabled
	Dispatcher *dispatch.Dispatcher
	Server     *server.Server

	db       *gorm.DB
	recorder *history.Recorder
	lock     *pidlock.Lock
	job      *schedulejob.ScheduleJob
	listen   wire.Address
	locked   bool
	cleanLog bool
}

func NewContainer(opts Options) (*Container, error) {
	if opts.Instance == "" {
		opts.Instance = uuid.NewString()
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = taskqueue.DefaultKillGrace
	}

	if err := os.MkdirAll(opts.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	params := scheduling.NewParams()
	if err := applyParams(params, opts.Params); err != nil {
		return nil, err
	}

	executor := cmdexec.New()
	probe := opts.Probe
	if probe == nil {
		probe = sysprobe.New(opts.NvidiaSMI, executor)
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = executor
	}

	queue := taskqueue.New(
		taskqueue.WithLogDir(opts.LogDir),
		taskqueue.WithLauncher(launcher),
		taskqueue.WithKillGrace(opts.KillGrace),
	)
	policy := scheduling.NewBasePolicy(queue, probe, params)
	queue.Observe(scheduling.Hooks(policy))

	c := &Container{
		Instance:  opts.Instance,
		StartedAt: time.Now(),
		Queue:     queue,
		Params:    params,
		Policy:    policy,
		Probe:     probe,
		lock:      pidlock.New(filepath.Join(opts.LogDir, lockFileName)),
		job:       schedulejob.New(params.PollInterval),
		listen:    opts.Listen,
		cleanLog:  opts.CleanLogDir,
	}

	var reader dispatch.HistoryReader
	if opts.HistoryDB != "" {
		if err := c.openHistory(opts.HistoryDB); err != nil {
			return nil, err
		}
		reader = c.History
	}

	dispatcher, err := dispatch.New(dispatch.Deps{
		Queue:    queue,
		Policy:   policy,
		Params:   params,
		Probe:    probe,
		History:  reader,
		MainLog:  filepath.Join(opts.LogDir, logging.MainLogName),
		Instance: opts.Instance,
	})
	if err != nil {
		c.closeHistory()
		return nil, err
	}
	c.Dispatcher = dispatcher
	c.Server = server.New(opts.Listen, dispatcher)

	return c, nil
}

func (c *Container) openHistory(url string) error {
	db, err := dbconn.Open(dbconn.WithURL(url))
	if err != nil {
		return fmt.Errorf("open history db: %w", err)
	}
	if err := dbconn.Migrate(db, &task.Run{}); err != nil {
		dbconn.Close(db)
		return fmt.Errorf("migrate history db: %w", err)
	}

	c.db = db
	c.History = gormRepo.NewRunRepository(db)
	c.recorder = history.New(c.History, c.Instance)
	c.Queue.Observe(c.recorder.Hooks())
	return nil
}

// Start takes the instance lock, binds the control socket and starts the
// scheduler loop. Serve must be called afterwards.
func (c *Container) Start(ctx context.Context) error {
	if err := c.lock.Acquire(c.Instance, c.listen.String()); err != nil {
		return err
	}
	c.locked = true
	if c.cleanLog {
		if err := cleanLogDir(c.Queue.LogDir()); err != nil {
			c.releaseLock()
			return err
		}
	}
	if err := c.Server.Listen(); err != nil {
		c.releaseLock()
		return err
	}
	c.job.Register(ctx, c.Policy)

	log.WithFields(log.Fields{
		"instance": c.Instance,
		"listen":   c.listen.String(),
		"log_dir":  c.Queue.LogDir(),
	}).Info("gpulimit server started")
	return nil
}

// Serve blocks until ctx is cancelled.
func (c *Container) Serve(ctx context.Context) error {
	return c.Server.Serve(ctx)
}

// Shutdown stops the loop, kills every live task and closes the stores.
func (c *Container) Shutdown() {
	c.job.Shutdown()
	c.Queue.Shutdown()
	c.closeHistory()
	c.releaseLock()
	log.WithField("instance", c.Instance).Info("gpulimit server stopped")
}

func (c *Container) closeHistory() {
	if c.recorder != nil {
		c.recorder.Close()
	}
	if c.db != nil {
		if err := dbconn.Close(c.db); err != nil {
			log.WithError(err).Warn("failed to close history db")
		}
	}
}

func (c *Container) releaseLock() {
	if !c.locked {
		return
	}
	c.locked = false
	if err := c.lock.Release(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to release instance lock")
	}
}

// applyParams sets the initial tunables in name order so that errors are
// reported deterministically.
func applyParams(params *scheduling.Params, values map[string]float64) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if err := params.SetValue(name, values[name]); err != nil {
			return fmt.Errorf("initial params: %w", err)
		}
	}
	return nil
}

// cleanLogDir removes task output left by an earlier server. It runs only
// while holding the instance lock. The main log is kept.
func cleanLogDir(dir string) error {
	stale, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil {
		return err
	}
	for _, path := range stale {
		if filepath.Base(path) == logging.MainLogName {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clean log dir: %w", err)
		}
	}
	return nil
}
