package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration

	// RunAtStart fires one tick right after the startup delay instead of waiting a full interval.
	RunAtStart bool
}

// Scheduler drives a periodic loop. A failing or panicking tick is logged and the loop continues.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	failures int
}

// escalateAfter consecutive failures are logged at error level; earlier ones at warn.
const escalateAfter = 3

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("loop", opts.Name).Logger(),
	}
}

// Run blocks, invoking tick at each interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunAtStart {
		s.fire(ctx, tick, time.Now().UTC())
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			// 落后太多时跳过错过的 bucket
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.fire(ctx, tick, s.bucketStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, bucket time.Time) {
	started := time.Now()
	err := safeTick(ctx, tick, bucket)
	elapsed := time.Since(started)
	if elapsed > s.opts.Interval {
		s.logger.Warn().Time("bucket", bucket).Dur("elapsed", elapsed).Dur("interval", s.opts.Interval).Msg("tick overran interval")
	}
	if err != nil {
		s.failures++
		ev := s.logger.Warn()
		if s.failures >= escalateAfter {
			ev = s.logger.Error()
		}
		ev.Err(err).Time("bucket", bucket).Int("consecutive_failures", s.failures).Msg("tick execution failed")
		return
	}
	if s.failures > 0 {
		s.logger.Info().Int("after_failures", s.failures).Msg("tick recovered")
		s.failures = 0
	}
	s.logger.Debug().Time("bucket", bucket).Dur("elapsed", elapsed).Msg("tick finished")
}

func safeTick(ctx context.Context, tick TickFunc, bucket time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return tick(ctx, bucket)
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
