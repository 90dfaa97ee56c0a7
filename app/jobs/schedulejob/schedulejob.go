// Package schedulejob is the slow-path scheduler loop. Queue events drive
// admissions directly; this job catches whatever they miss.
package schedulejob

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type TriggerFunc func(context.Context, func() error)

// Ticker is the policy call the loop drives.
type Ticker interface {
	Tick(ctx context.Context) (bool, error)
}

type ScheduleJobConfig struct {
	Trigger TriggerFunc
}

type ScheduleJob struct {
	config ScheduleJobConfig
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New polls at interval(), which is re-read before every wait.
func New(interval func() time.Duration) *ScheduleJob {
	return NewJobWithConf(ScheduleJobConfig{
		Trigger: func(ctx context.Context, fn func() error) {
			triggerWithConfig(ctx, fn, TriggerConfig{Interval: interval})
		},
	})
}

func NewJobWithConf(cfg ScheduleJobConfig) *ScheduleJob {
	if cfg.Trigger == nil {
		cfg.Trigger = Trigger
	}
	return &ScheduleJob{config: cfg}
}

func (sj *ScheduleJob) Register(ctx context.Context, policy Ticker) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	sj.cancel = cancel
	sj.wg.Add(1)
	go func() {
		defer sj.wg.Done()
		sj.config.Trigger(ctx, func() error {
			return tick(ctx, policy)
		})
	}()
	return cancel
}

func (sj *ScheduleJob) Shutdown() {
	if sj.cancel != nil {
		sj.cancel()
	}
	sj.wg.Wait()
}

// tick turns a panicking cycle into an error so the loop keeps going.
func tick(ctx context.Context, policy Ticker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler tick panicked: %v", r)
		}
	}()

	admitted, err := policy.Tick(ctx)
	if err != nil {
		return err
	}
	if admitted {
		log.Debug("scheduler poll admitted a task")
	}
	return nil
}
