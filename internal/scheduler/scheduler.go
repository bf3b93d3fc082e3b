// Package scheduler runs the balance cycle on a fixed interval, replacing
// the "sleep and poll a shared flag every second" pattern with cooperative
// cancellation so shutdown is prompt even mid-cycle (§5, §9).
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Cycle is anything that can run one balance pass; *orchestrator.BalanceCycle
// satisfies this.
type Cycle interface {
	Run(ctx context.Context) error
}

// Scheduler is the single long-lived worker described in §5: cycles run
// sequentially, separated by Interval, until ctx is cancelled or Once is
// set and one pass has completed.
type Scheduler struct {
	Cycle    Cycle
	Interval time.Duration
	Once     bool
	Log      *zap.Logger
}

func (s *Scheduler) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Run blocks until ctx is cancelled (normal shutdown) or, under Once, after
// exactly one cycle completes.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := s.Cycle.Run(ctx); err != nil {
			if ctx.Err() != nil {
				s.log().Info("scheduler stopping: context cancelled")
				return nil
			}
			return err
		}

		if s.Once {
			s.log().Info("single-pass run complete, exiting")
			return nil
		}

		timer := time.NewTimer(s.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log().Info("scheduler stopping: context cancelled")
			return nil
		case <-timer.C:
		}
	}
}
