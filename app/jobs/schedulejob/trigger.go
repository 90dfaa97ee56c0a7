package schedulejob

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultInterval = 10 * time.Second

type TriggerConfig struct {
	Interval func() time.Duration
}

func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		Interval: func() time.Duration { return defaultInterval },
	}
}

func triggerWithConfig(ctx context.Context, fn func() error, config TriggerConfig) {
	for {
		interval := config.Interval()
		if interval <= 0 {
			interval = defaultInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if err := fn(); err != nil {
				log.Errorf("Failed while running scheduler tick: %s", err)
			}
		}
	}
}

func Trigger(ctx context.Context, fn func() error) {
	triggerWithConfig(ctx, fn, DefaultTriggerConfig())
}
