// Package retention purges soft-deleted scenes once their undo window has
// lapsed. The sweep runs on a cron schedule under the server process.
package retention

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"

	"sceneline/internal/engine"
)

type Sweeper struct {
	Engine engine.Engine
	Logger *log.Logger

	cron *cron.Cron
}

func New(eng engine.Engine) *Sweeper {
	return &Sweeper{Engine: eng}
}

func (s *Sweeper) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Start schedules the sweep and runs until the context is cancelled.
// The schedule accepts cron specs and @every shorthands.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() { s.SweepOnce(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// SweepOnce purges everything past the undo window right now.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	n, err := s.Engine.PurgeExpired(ctx)
	if err != nil {
		s.logger().Printf("retention: purge expired scenes: %v", err)
		return
	}
	if n > 0 {
		s.logger().Printf("retention: purged %d scene(s)", n)
	}
}
