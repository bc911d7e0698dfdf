package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"dropwatch/internal/domain"
	"dropwatch/internal/model"
	"dropwatch/internal/storage"
)

// TrainingTypes are the signals that count as a drop for the hour model.
var TrainingTypes = []domain.SignalType{domain.SignalURLLive, domain.SignalInStock}

// Options configure a training run.
type Options struct {
	HorizonDays     int
	MaxRows         int
	ArtifactPath    string
	Calibrate       bool
	CalibrationPath string
}

// CalibrationSink receives a freshly fitted calibration.
type CalibrationSink interface {
	SetCalibration(model.Calibration)
}

// Trainer rebuilds hour-of-day models from the signal log.
type Trainer struct {
	signals  storage.SignalStore
	registry *model.Registry
	sink     CalibrationSink
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
}

// New constructs a trainer publishing into registry.
func New(signals storage.SignalStore, registry *model.Registry, opts Options, logger zerolog.Logger) *Trainer {
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 30
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 200000
	}
	return &Trainer{
		signals:  signals,
		registry: registry,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With().Str("component", "trainer").Logger(),
	}
}

// WithClock overrides the time source.
func (t *Trainer) WithClock(now func() time.Time) *Trainer {
	t.now = now
	return t
}

// WithCalibrationSink forwards fitted calibrations to sink.
func (t *Trainer) WithCalibrationSink(sink CalibrationSink) *Trainer {
	t.sink = sink
	return t
}

// Train runs one training pass. On error the published snapshot is left untouched.
func (t *Trainer) Train(ctx context.Context) (*model.Snapshot, error) {
	if t.signals == nil {
		return nil, errors.New("trainer: signal store not configured")
	}
	started := t.now().UTC()
	since := started.AddDate(0, 0, -t.opts.HorizonDays)

	// 超过 max_rows 时保留最近的事件
	events, err := t.signals.ListSignals(ctx, storage.SignalFilter{
		Types:  TrainingTypes,
		Since:  since,
		Limit:  t.opts.MaxRows,
		Newest: true,
	})
	if err != nil {
		return nil, fmt.Errorf("load training signals: %w", err)
	}
	if len(events) >= t.opts.MaxRows {
		t.logger.Warn().Int("max_rows", t.opts.MaxRows).Time("oldest_kept", events[len(events)-1].ObservedAt).Msg("training input truncated to the newest rows")
	}

	counts := bucketByHour(events)
	snap := &model.Snapshot{
		Version:     model.ArtifactVersion,
		TrainedAt:   started,
		HorizonDays: t.opts.HorizonDays,
		Retailers:   make(map[string]model.RetailerHourModel, len(counts)),
	}
	for slug, c := range counts {
		if m, ok := model.FromCounts(c); ok {
			snap.Retailers[slug] = m
		}
	}

	if t.opts.ArtifactPath != "" {
		if err := model.Save(t.opts.ArtifactPath, snap); err != nil {
			return nil, fmt.Errorf("persist hour model: %w", err)
		}
	}
	if t.registry != nil {
		t.registry.Publish(snap)
	}

	t.logger.Info().
		Int("events", len(events)).
		Int("retailers", len(snap.Retailers)).
		Int("horizon_days", t.opts.HorizonDays).
		Dur("elapsed", t.now().Sub(started)).
		Msg("hour model trained")

	if t.opts.Calibrate {
		t.calibrate(snap, events, since, started)
	}
	return snap, nil
}

// calibrate failures are logged; the hour model is already published.
func (t *Trainer) calibrate(snap *model.Snapshot, events []domain.SignalEvent, since, until time.Time) {
	samples := buildSamples(snap, events, since, until)
	cal, ok := fitCalibration(samples)
	if !ok {
		t.logger.Info().Int("samples", len(samples)).Msg("calibration skipped, not enough labelled samples")
		return
	}
	cal.FittedAt = until
	if t.opts.CalibrationPath != "" {
		if err := model.SaveCalibration(t.opts.CalibrationPath, cal); err != nil {
			t.logger.Error().Err(err).Str("path", t.opts.CalibrationPath).Msg("failed to write calibration")
			return
		}
	}
	if t.sink != nil {
		t.sink.SetCalibration(cal)
	}
	t.logger.Info().
		Float64("a", cal.A).
		Float64("b", cal.B).
		Int("samples", cal.Samples).
		Msg("calibration fitted")
}

func bucketByHour(events []domain.SignalEvent) map[string][model.Hours]int {
	out := make(map[string][model.Hours]int)
	for _, ev := range events {
		c := out[ev.RetailerID]
		c[ev.ObservedAt.UTC().Hour()]++
		out[ev.RetailerID] = c
	}
	return out
}
