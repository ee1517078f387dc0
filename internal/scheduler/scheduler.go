// Package scheduler runs a scan job on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TickFunc is invoked on every interval with the tick's scheduled time.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunOnStart fires one tick right after the startup delay instead of
	// waiting a full interval.
	RunOnStart bool
}

// Scheduler drives periodic execution of one job. Ticks never overlap: a tick
// that runs past the next boundary makes the scheduler skip to the following one.
type Scheduler struct {
	opts   Options
	tick   TickFunc
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler.
func New(opts Options, tick TickFunc, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("scheduler %q: interval must be positive", opts.Name)
	}
	if tick == nil {
		return nil, fmt.Errorf("scheduler %q: tick func is required", opts.Name)
	}
	return &Scheduler{
		opts:   opts,
		tick:   tick,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Name returns the job name.
func (s *Scheduler) Name() string { return s.opts.Name }

// Run blocks, invoking the tick function at each interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.StartupDelay > 0 {
		if err := wait(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	if s.opts.RunOnStart {
		s.execute(ctx, s.bucketStart(s.now()))
	}

	next := s.nextTick(s.now())
	for {
		if delay := next.Sub(s.now()); delay < 0 {
			s.logger.Warn().Time("missed", next).Msg("tick overran its interval, skipping ahead")
			next = s.nextTick(s.now())
		}

		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
		if err := wait(ctx, next.Sub(s.now())); err != nil {
			return err
		}

		s.execute(ctx, s.bucketStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, tick time.Time) {
	s.logger.Info().Time("tick", tick).Msg("executing scheduled tick")
	if err := s.tick(ctx, tick); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Time("tick", tick).Msg("tick execution failed")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

// RunAll runs every scheduler until ctx is cancelled and returns the first
// error that is not a cancellation.
func RunAll(ctx context.Context, schedulers ...*Scheduler) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range schedulers {
		s := s
		g.Go(func() error { return s.Run(gctx) })
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
