package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dropwatch/internal/alerting"
	"dropwatch/internal/cronjob"
	"dropwatch/internal/health"
	"dropwatch/internal/hotwindow"
	"dropwatch/internal/scan"
	"dropwatch/internal/scheduler"
	"dropwatch/internal/signals"
	"dropwatch/internal/storage"
	"dropwatch/internal/trainer"
)

// Deps are the long-lived components the service drives.
type Deps struct {
	Bus       *signals.Bus
	Recorder  *signals.Recorder
	Scan      *scan.Pool
	Refresher *hotwindow.Refresher
	Trainer   *trainer.Trainer
	Monitor   *health.Monitor
	Watcher   *alerting.Watcher
	Locker    storage.AdvisoryLocker
}

// Options configure the loops.
type Options struct {
	ScanTick      scheduler.Options
	RefreshTick   scheduler.Options
	Refresh       hotwindow.Options
	TrainSchedule string
	LockKey       int64
	RecorderBuf   int
}

// Service orchestrates scanning, hot-window refresh, outcome recording and training.
type Service struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

// New constructs the service.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.RecorderBuf <= 0 {
		opts.RecorderBuf = 256
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Run starts every loop and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Bus == nil || s.deps.Scan == nil {
		return errors.New("service: bus and scan pool are required")
	}

	var runner *cronjob.Runner
	if s.deps.Trainer != nil && s.opts.TrainSchedule != "" {
		runner = cronjob.New(ctx, s.logger)
		if _, err := runner.Add("train", s.opts.TrainSchedule, s.TrainOnce); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.deps.Recorder != nil {
		// outcome 不能丢事件；bus 退出时关闭 channel，recorder 读完剩余事件再返回
		events := s.deps.Bus.SubscribeBlocking(s.opts.RecorderBuf, signals.RecorderTypes...)
		g.Go(func() error {
			s.deps.Recorder.Run(context.WithoutCancel(gctx), events)
			return nil
		})
	}
	g.Go(func() error { return s.deps.Bus.Run(gctx) })

	if s.deps.Watcher != nil && s.deps.Monitor != nil {
		g.Go(func() error {
			s.deps.Watcher.Run(gctx, s.deps.Monitor.Transitions())
			return nil
		})
	}

	scanTick := s.opts.ScanTick
	scanTick.Name = "scan"
	g.Go(func() error {
		return scheduler.New(scanTick, s.logger).Run(gctx, s.deps.Scan.Tick)
	})

	if s.deps.Refresher != nil {
		refreshTick := s.opts.RefreshTick
		refreshTick.Name = "hotwindow"
		g.Go(func() error {
			return scheduler.New(refreshTick, s.logger).Run(gctx, s.RefreshHot)
		})
	}

	if runner != nil {
		runner.Start()
		defer runner.Stop()
	}

	s.logger.Info().Msg("service loops started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RefreshHot runs one hot-window refresh. Only one process sharing the database refreshes per bucket.
func (s *Service) RefreshHot(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx, s.opts.LockKey)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip refresh because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	n, err := s.deps.Refresher.Refresh(ctx, s.opts.Refresh)
	if err != nil {
		return fmt.Errorf("refresh hot windows: %w", err)
	}
	s.logger.Debug().Time("bucket", bucket).Int("markers", n).Msg("hot window refresh done")
	return nil
}

// TrainOnce runs the trainer under its own advisory lock.
func (s *Service) TrainOnce(ctx context.Context) error {
	key := s.opts.LockKey
	if key != 0 {
		key++
	}
	unlock, proceed, err := s.acquireLock(ctx, key)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Info().Msg("skip training because another process holds the lock")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}
	_, err = s.deps.Trainer.Train(ctx)
	return err
}

func (s *Service) acquireLock(ctx context.Context, key int64) (func(), bool, error) {
	if key == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
