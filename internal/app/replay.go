package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"dropwatch/internal/signals"
	"dropwatch/internal/storage"
)

const defaultReplayBatch = 1000

// Replay re-applies stored url_seen/url_live/in_stock signals to drop outcomes.
// Outcome updates are monotonic, so replaying a range twice is harmless.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	from, to := opts.From.UTC(), opts.To.UTC()
	if !to.IsZero() && !from.Before(to) {
		return errors.New("回放范围为空，请检查 --from/--to")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultReplayBatch
	}

	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn 未配置，无法回放")
	}
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	if opts.DryRun {
		a.Logger.Warn().Msg("回放 dry-run：不会写入数据库")
	}

	stats, err := replaySignals(ctx, store, signals.NewRecorder(store, a.Logger), storage.SignalFilter{
		Types: signals.RecorderTypes,
		Since: from,
		Until: to,
		Limit: opts.BatchSize,
		ByID:  true,
	}, opts.DryRun, a.Logger)
	a.Logger.Info().
		Int("scanned", stats.scanned).
		Int("applied", stats.applied).
		Int("failed", stats.failed).
		Bool("dry_run", opts.DryRun).
		Str("range", rangeText(from, to)).
		Msg("回放完成")
	if err != nil {
		return err
	}
	if stats.failed > 0 {
		return errors.New("部分信号回放失败，请检查日志")
	}
	return nil
}

type replayStats struct {
	scanned int
	applied int
	failed  int
}

func replaySignals(ctx context.Context, source storage.SignalStore, rec *signals.Recorder, filter storage.SignalFilter, dryRun bool, logger zerolog.Logger) (replayStats, error) {
	var stats replayStats
	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		page, err := source.ListSignals(ctx, filter)
		if err != nil {
			return stats, err
		}
		for _, ev := range page {
			stats.scanned++
			filter.AfterID = ev.ID
			if dryRun {
				continue
			}
			if _, applied, err := rec.Handle(ctx, ev); err != nil {
				stats.failed++
				logger.Error().Err(err).Int64("signal_id", ev.ID).Msg("回放失败")
			} else if applied {
				stats.applied++
			}
		}
		if len(page) < filter.Limit {
			return stats, nil
		}
	}
}

func rangeText(from, to time.Time) string {
	if to.IsZero() {
		return from.Format(time.RFC3339) + "..now"
	}
	return from.Format(time.RFC3339) + ".." + to.Format(time.RFC3339)
}
