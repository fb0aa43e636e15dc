package delivery

import (
	"context"
	"time"

	"github.com/COSCUP/newsletter/internal/pkg/distlock"
	"github.com/COSCUP/newsletter/internal/pkg/logger"
)

// Housekeeping is a periodic maintenance task run alongside the schedule
// check (expired-session purge, rate-limit log pruning).
type Housekeeping func(ctx context.Context) error

// Scheduler periodically starts scheduled newsletters whose time has come
// and runs housekeeping tasks. With a lock set, only one instance ticks at
// a time; the others skip the round.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration
	lock     distlock.Lock
	tasks    []Housekeeping
}

func NewScheduler(orch *Orchestrator, interval time.Duration, tasks ...Housekeeping) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{orch: orch, interval: interval, tasks: tasks}
}

// SetLock guards ticks with a cross-instance lock. Must be called before
// Run.
func (s *Scheduler) SetLock(lock distlock.Lock) { s.lock = lock }

// Run blocks until ctx is canceled, ticking at the configured interval.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("scheduler started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			logger.Warn("scheduler lock acquire failed", "error", err)
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := s.lock.Release(ctx); err != nil {
				logger.Warn("scheduler lock release failed", "error", err)
			}
		}()
	}

	if err := s.orch.StartDue(ctx); err != nil {
		logger.Error("scheduled send check failed", "error", err)
	}
	for _, task := range s.tasks {
		if err := task(ctx); err != nil {
			logger.Warn("housekeeping task failed", "error", err)
		}
	}
}
