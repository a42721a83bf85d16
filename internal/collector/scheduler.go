package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrPollInProgress is returned by a Poller when a previous cycle has not
// finished yet.
var ErrPollInProgress = errors.New("poll already in progress")

type Poller interface {
	PollOnce(ctx context.Context) error
}

// Sweeper discards expired bookkeeping, e.g. terminal command entries.
type Sweeper interface {
	Prune(now time.Time) int
}

// maxErrorBackoff caps the hold after repeated failures.
const maxErrorBackoff = 5 * time.Minute

// Scheduler drives the poll cycle at a fixed interval. Overlapping runs are
// skipped and a failed poll holds the job for errorBackoff, doubled for every
// further consecutive failure, so ticks that land inside the backoff are
// skipped as well.
type Scheduler struct {
	logger        *slog.Logger
	poller        Poller
	sweeper       Sweeper
	interval      time.Duration
	sweepInterval time.Duration
	errorBackoff  time.Duration
	failures      atomic.Int32
}

func NewScheduler(
	logger *slog.Logger,
	poller Poller,
	sweeper Sweeper,
	interval, sweepInterval, errorBackoff time.Duration,
) *Scheduler {
	if errorBackoff < 0 {
		errorBackoff = 0
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Scheduler{
		logger:        logger,
		poller:        poller,
		sweeper:       sweeper,
		interval:      interval,
		sweepInterval: sweepInterval,
		errorBackoff:  errorBackoff,
	}
}

// Run polls once immediately, then on every interval until ctx is done. It
// waits for a running job to finish before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("poll interval must be > 0, got %s", s.interval)
	}
	cronLog := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))

	pollJob := cron.FuncJob(func() { s.poll(ctx) })
	pollID, err := c.AddJob(every(s.interval), pollJob)
	if err != nil {
		return fmt.Errorf("schedule poll job: %w", err)
	}
	if s.sweeper != nil {
		if _, err := c.AddFunc(every(s.sweepInterval), func() {
			if n := s.sweeper.Prune(time.Now()); n > 0 {
				s.logger.Debug("expired commands swept", "count", n)
			}
		}); err != nil {
			return fmt.Errorf("schedule sweep job: %w", err)
		}
	}

	s.logger.Info("poll scheduler started", "interval", s.interval, "sweep_interval", s.sweepInterval)
	c.Start()
	// The initial poll goes through the same wrapped job so a tick that
	// fires while it is still running is skipped.
	var initial sync.WaitGroup
	initial.Add(1)
	go func() {
		defer initial.Done()
		c.Entry(pollID).WrappedJob.Run()
	}()

	<-ctx.Done()
	<-c.Stop().Done()
	initial.Wait()
	s.logger.Info("poll scheduler stopped")
	return nil
}

func (s *Scheduler) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	err := s.poller.PollOnce(ctx)
	switch {
	case err == nil:
		s.failures.Store(0)
	case errors.Is(err, ErrPollInProgress):
		s.logger.Debug("poll skipped, previous cycle still running")
	case ctx.Err() != nil:
	default:
		failures := int(s.failures.Add(1))
		backoff := s.backoff(failures)
		s.logger.Warn("poll cycle failed", "error", err, "consecutive_failures", failures, "backoff", backoff)
		sleepWithContext(ctx, backoff)
	}
}

// backoff is errorBackoff doubled per consecutive failure after the first,
// capped at maxErrorBackoff.
func (s *Scheduler) backoff(failures int) time.Duration {
	if s.errorBackoff <= 0 || failures <= 0 {
		return 0
	}
	d := s.errorBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxErrorBackoff {
			return maxErrorBackoff
		}
	}
	return min(d, maxErrorBackoff)
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
