// Package scheduler triggers backup jobs on their strategies' cron
// schedules.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/strategy"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// DefaultInterval is how often schedules are checked.
const DefaultInterval = 30 * time.Second

// Strategies lists the registered strategies.
type Strategies interface {
	List() []*models.BackupStrategy
}

// Executor runs one backup job.
type Executor interface {
	Execute(ctx context.Context, strategyName string) (*models.BackupJob, error)
}

type entry struct {
	schedule string
	next     time.Time
}

// Scheduler starts a job for each strategy whose next activation has
// passed. The next activation is computed from the previous trigger, so a
// long-running job does not cause a burst of catch-up runs.
type Scheduler struct {
	strategies Strategies
	exec       Executor
	interval   time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

// New creates a Scheduler. A non-positive interval selects DefaultInterval.
func New(strategies Strategies, exec Executor, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		strategies: strategies,
		exec:       exec,
		interval:   interval,
		logger:     logger.Named("scheduler"),
		now:        func() time.Time { return time.Now().UTC() },
		entries:    make(map[string]*entry),
	}
}

// Run checks schedules every interval until ctx is cancelled, then waits
// for the jobs it started to return.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts every due strategy and returns their names.
func (s *Scheduler) Tick(ctx context.Context) []string {
	now := s.now()
	list := s.strategies.List()

	s.mu.Lock()
	seen := make(map[string]bool, len(list))
	var due []string
	for _, st := range list {
		if st.Schedule == "" {
			continue
		}
		seen[st.Name] = true

		e, ok := s.entries[st.Name]
		if !ok || e.schedule != st.Schedule {
			sched, err := strategy.ParseSchedule(st.Schedule)
			if err != nil {
				s.logger.Warn("skipping strategy with bad schedule",
					zap.String("strategy", st.Name), zap.Error(err))
				continue
			}
			s.entries[st.Name] = &entry{schedule: st.Schedule, next: sched.Next(now)}
			continue
		}
		if now.Before(e.next) {
			continue
		}
		sched, err := strategy.ParseSchedule(e.schedule)
		if err != nil {
			continue
		}
		e.next = sched.Next(now)
		due = append(due, st.Name)
	}
	for name := range s.entries {
		if !seen[name] {
			delete(s.entries, name)
		}
	}
	s.mu.Unlock()

	for _, name := range due {
		s.wg.Add(1)
		go s.trigger(ctx, name)
	}
	return due
}

// NextRun reports the next activation of strategy, if it is tracked.
func (s *Scheduler) NextRun(strategy string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[strategy]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

func (s *Scheduler) trigger(ctx context.Context, name string) {
	defer s.wg.Done()

	log := s.logger.With(zap.String("strategy", name))
	log.Debug("scheduled backup due")
	job, err := s.exec.Execute(ctx, name)
	switch {
	case err == nil:
		log.Debug("scheduled backup finished", zap.String("job_id", job.ID))
	case errors.Is(err, errs.ErrConflict):
		log.Info("previous run still in progress, skipping")
	case errors.Is(err, errs.ErrNotFound):
		log.Debug("strategy removed before it ran")
	case errors.Is(err, errs.ErrUnavailable):
		log.Debug("executor not accepting jobs", zap.Error(err))
	default:
		log.Warn("scheduled backup failed", zap.Error(err))
	}
}
