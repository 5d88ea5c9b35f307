package service

import (
	"context"
	"log/slog"
	"time"
)

// Sweep cadence: a cycle that failed to remove something is retried sooner
// than the regular interval.
const (
	DefaultSweepInterval = time.Hour
	sweepRetryInterval   = 5 * time.Minute
)

// Sweeper periodically removes expired packages from a ContentStore. All
// removals happen on the single sweeper goroutine, so no two removals race.
type Sweeper struct {
	content  *ContentStore
	ttl      time.Duration
	interval time.Duration
	retry    time.Duration
}

// NewSweeper creates a sweeper enforcing ttl at the given interval.
func NewSweeper(content *ContentStore, ttl, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		content:  content,
		ttl:      ttl,
		interval: interval,
		retry:    sweepRetryInterval,
	}
}

// Start runs the sweep loop in its own goroutine until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	slog.Info("retention sweeper started", "ttl", s.ttl, "interval", s.interval)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopped")
			return
		case <-timer.C:
		}

		next := s.interval
		if err := s.Sweep(time.Now()); err != nil {
			slog.Error("sweep cycle had errors", "error", err)
			next = s.retry
		}
		timer.Reset(next)
	}
}

// Sweep removes every entry expired at now, then clears stale untracked
// debris. Removal failures are logged per entry; the first error is returned
// so the loop can shorten its next cycle.
func (s *Sweeper) Sweep(now time.Time) error {
	var firstErr error

	expired := s.content.ListExpired(now, s.ttl)
	for _, entry := range expired {
		if err := s.content.Remove(entry.TaskID); err != nil {
			slog.Error("failed to remove expired package", "task_id", entry.TaskID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		slog.Info("removed expired package", "task_id", entry.TaskID, "age", now.Sub(entry.CreatedAt).String())
	}

	if err := s.content.CleanupStale(now, s.ttl); err != nil {
		slog.Warn("stale cleanup failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
