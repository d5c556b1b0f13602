// Package scheduler runs the periodic maintenance jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/filmgen/backend/internal/logger"
)

// Sweeper fails generation jobs stuck in pending or processing.
type Sweeper interface {
	SweepStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Pruner drops idle per-user state. Implemented by *middleware.RateLimiter.
type Pruner interface {
	Prune()
}

type Options struct {
	// SweepSpec is a six field cron expression (with seconds).
	SweepSpec  string
	StaleAfter time.Duration
	Limiter    Pruner
	Logger     *slog.Logger
}

type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	opts    Options
	log     *slog.Logger
}

// New registers the jobs. An invalid cron expression is returned as an
// error rather than logged.
func New(sweeper Sweeper, opts Options) (*Scheduler, error) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithSeconds(),
	)
	s := &Scheduler{cron: c, sweeper: sweeper, opts: opts, log: logger.OrDefault(opts.Logger)}

	if _, err := c.AddFunc(opts.SweepSpec, s.SweepStaleJobs); err != nil {
		return nil, err
	}
	if opts.Limiter != nil {
		if _, err := c.AddFunc("0 */10 * * * *", opts.Limiter.Prune); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SweepStaleJobs runs one sweep. Errors are logged; the next tick retries.
func (s *Scheduler) SweepStaleJobs() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.sweeper.SweepStale(ctx, s.opts.StaleAfter)
	if err != nil {
		s.log.Error("stale job sweep failed", "error", err)
		return
	}
	s.log.Debug("stale job sweep finished", "failed", n)
}

func (s *Scheduler) Start() {
	s.log.Info("starting scheduler", "entries", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}
