package statistics

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler drives the two rollup schedules: the previous day right after
// midnight, and the current day at the top of every hour.
type Scheduler struct {
	agg    *Aggregator
	now    func() time.Time
	logger *slog.Logger
}

// NewScheduler creates a scheduler for agg
func NewScheduler(agg *Aggregator) *Scheduler {
	return &Scheduler{
		agg:    agg,
		now:    time.Now,
		logger: slog.Default().With("component", "statistics-scheduler"),
	}
}

// NextRun returns the next top of the hour strictly after t, in t's zone
func NextRun(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
}

// Run blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Statistics scheduler started")

	for {
		now := s.now().In(s.agg.Location())
		next := NextRun(now)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Statistics scheduler stopped")
			return nil
		case <-timer.C:
		}

		s.Tick(ctx, next)
	}
}

// Tick runs the jobs due at t. At midnight that is the daily rollup of the
// day that just ended followed by the refresh of the new day.
func (s *Scheduler) Tick(ctx context.Context, t time.Time) {
	t = t.In(s.agg.Location())

	if t.Hour() == 0 {
		s.compute(ctx, t.AddDate(0, 0, -1), "daily")
	}
	s.compute(ctx, t, "hourly")
}

func (s *Scheduler) compute(ctx context.Context, day time.Time, job string) {
	stats, err := s.agg.ComputeDaily(ctx, day)
	if err != nil {
		s.logger.Error("Statistics rollup failed", "job", job, "date", day.Format(DateLayout), "error", err)
		return
	}
	if stats == nil {
		s.logger.Debug("Statistics rollup found no data", "job", job, "date", day.Format(DateLayout))
	}
}
