package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"dropwatch/internal/domain"
	"dropwatch/internal/model"
	"dropwatch/internal/storage"
)

// ErrInvalidQuery rejects queries outside the accepted ranges.
var ErrInvalidQuery = errors.New("predict: invalid query")

const (
	minHorizon = 30
	maxHorizon = 1440
	maxTopK    = 5

	windowLength     = time.Hour
	fallbackConf     = 30
	defaultTopConf   = 55
	defaultConfStep  = 5
	defaultConfFloor = 50
)

// Query asks for the likely drop windows of one retailer, optionally for one product.
type Query struct {
	ProductID      string
	RetailerSlug   string
	HorizonMinutes int
	TopK           int
}

// ShadowOptions control how classifier output is attached to windows.
type ShadowOptions struct {
	Enabled           bool
	Primary           bool
	AllowUncalibrated bool
	Threshold         float64
}

// Options tune the engine.
type Options struct {
	DefaultHorizonMinutes int
	DefaultTopK           int
	HistoryLookback       time.Duration
	HistoryLimit          int
	DefaultHours          map[string][]int
	Shadow                ShadowOptions
}

// DefaultHours are the known drop hours (UTC) used when nothing was learned yet.
func DefaultHours() map[string][]int {
	return map[string][]int{
		"best-buy":       {14, 15},
		"target":         {8, 13},
		"walmart":        {15, 19},
		"gamestop":       {15, 16},
		"pokemon-center": {14, 18},
	}
}

type strategy struct {
	name string
	run  func(ctx context.Context, q Query, now time.Time) ([]domain.PredictedWindow, error)
}

// Engine produces drop windows from a chain of strategies. The first strategy
// returning windows wins; the fallback always does.
type Engine struct {
	models     *model.Registry
	snapshots  storage.SnapshotStore
	classifier *Classifier
	opts       Options
	now        func() time.Time
	logger     zerolog.Logger
	chain      []strategy
}

// NewEngine wires an engine. snapshots and classifier may be nil.
func NewEngine(models *model.Registry, snapshots storage.SnapshotStore, classifier *Classifier, opts Options, logger zerolog.Logger) *Engine {
	if models == nil {
		models = model.NewRegistry(nil)
	}
	if opts.DefaultHorizonMinutes == 0 {
		opts.DefaultHorizonMinutes = maxHorizon
	}
	if opts.DefaultTopK == 0 {
		opts.DefaultTopK = 3
	}
	if opts.HistoryLookback <= 0 {
		opts.HistoryLookback = 30 * 24 * time.Hour
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 5000
	}
	if opts.DefaultHours == nil {
		opts.DefaultHours = DefaultHours()
	}
	e := &Engine{
		models:     models,
		snapshots:  snapshots,
		classifier: classifier,
		opts:       opts,
		now:        time.Now,
		logger:     logger.With().Str("component", "predict").Logger(),
	}
	e.chain = []strategy{
		{domain.RationaleHourModel, e.fromHourModel},
		{domain.RationaleProductHistory, e.fromProductHistory},
		{domain.RationaleDefaultHours, e.fromDefaultHours},
	}
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// PredictWindows returns at least one window for every valid query.
func (e *Engine) PredictWindows(ctx context.Context, q Query) ([]domain.PredictedWindow, error) {
	q, err := e.normalize(q)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()

	var windows []domain.PredictedWindow
	for _, s := range e.chain {
		out, err := e.runSafely(ctx, s, q, now)
		if err != nil {
			e.logger.Warn().Err(err).
				Str("strategy", s.name).
				Str("retailer", q.RetailerSlug).
				Str("product", q.ProductID).
				Msg("prediction strategy failed")
			continue
		}
		if len(out) > 0 {
			windows = out
			break
		}
	}
	if len(windows) == 0 {
		windows = []domain.PredictedWindow{e.window(q, now, now.Add(windowLength), fallbackConf, domain.RationaleFallback)}
	}

	e.applyShadow(ctx, q, now, windows)
	sortWindows(windows)
	return windows, nil
}

func (e *Engine) normalize(q Query) (Query, error) {
	if q.RetailerSlug == "" {
		return q, fmt.Errorf("%w: retailer is required", ErrInvalidQuery)
	}
	if q.HorizonMinutes == 0 {
		q.HorizonMinutes = e.opts.DefaultHorizonMinutes
	}
	if q.HorizonMinutes < minHorizon || q.HorizonMinutes > maxHorizon {
		return q, fmt.Errorf("%w: horizon %d outside [%d, %d] minutes", ErrInvalidQuery, q.HorizonMinutes, minHorizon, maxHorizon)
	}
	if q.TopK == 0 {
		q.TopK = e.opts.DefaultTopK
	}
	if q.TopK < 1 || q.TopK > maxTopK {
		return q, fmt.Errorf("%w: top_k %d outside [1, %d]", ErrInvalidQuery, q.TopK, maxTopK)
	}
	return q, nil
}

func (e *Engine) runSafely(ctx context.Context, s strategy, q Query, now time.Time) (out []domain.PredictedWindow, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.run(ctx, q, now)
}

func (e *Engine) fromHourModel(_ context.Context, q Query, now time.Time) ([]domain.PredictedWindow, error) {
	m, ok := e.models.Current().Retailer(q.RetailerSlug)
	if !ok {
		return nil, nil
	}
	horizonEnd := now.Add(time.Duration(q.HorizonMinutes) * time.Minute)
	var out []domain.PredictedWindow
	for _, hw := range m.Top(q.TopK) {
		start, end, ok := hourWindow(now, hw.Hour, horizonEnd)
		if !ok {
			continue
		}
		out = append(out, e.window(q, start, end, percent(hw.Weight), domain.RationaleHourModel))
	}
	return out, nil
}

func (e *Engine) fromProductHistory(ctx context.Context, q Query, now time.Time) ([]domain.PredictedWindow, error) {
	if q.ProductID == "" || e.snapshots == nil {
		return nil, nil
	}
	times, err := e.snapshots.ListInStockTimes(ctx, q.ProductID, q.RetailerSlug, now.Add(-e.opts.HistoryLookback), e.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load in-stock history: %w", err)
	}
	if len(times) == 0 {
		return nil, nil
	}
	var counts [model.Hours]int
	for _, t := range times {
		counts[t.UTC().Hour()]++
	}
	ranked := make([]int, 0, model.Hours)
	for h, c := range counts {
		if c > 0 {
			ranked = append(ranked, h)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return counts[ranked[i]] > counts[ranked[j]] })
	if len(ranked) > q.TopK {
		ranked = ranked[:q.TopK]
	}

	horizonEnd := now.Add(time.Duration(q.HorizonMinutes) * time.Minute)
	var out []domain.PredictedWindow
	for _, h := range ranked {
		start, end, ok := hourWindow(now, h, horizonEnd)
		if !ok {
			continue
		}
		conf := percent(float64(counts[h]) / float64(len(times)))
		out = append(out, e.window(q, start, end, conf, domain.RationaleProductHistory))
	}
	return out, nil
}

func (e *Engine) fromDefaultHours(_ context.Context, q Query, now time.Time) ([]domain.PredictedWindow, error) {
	hours := e.opts.DefaultHours[q.RetailerSlug]
	horizonEnd := now.Add(time.Duration(q.HorizonMinutes) * time.Minute)
	var out []domain.PredictedWindow
	for i, h := range hours {
		if len(out) == q.TopK {
			break
		}
		start, end, ok := hourWindow(now, h, horizonEnd)
		if !ok {
			continue
		}
		conf := defaultTopConf - i*defaultConfStep
		if conf < defaultConfFloor {
			conf = defaultConfFloor
		}
		out = append(out, e.window(q, start, end, conf, domain.RationaleDefaultHours))
	}
	return out, nil
}

func (e *Engine) applyShadow(ctx context.Context, q Query, now time.Time, windows []domain.PredictedWindow) {
	if e.classifier == nil || !e.opts.Shadow.Enabled {
		return
	}
	cal := e.classifier.Calibration()
	primary := e.opts.Shadow.Primary && (cal.Trusted || e.opts.Shadow.AllowUncalibrated)
	m, _ := e.models.Current().Retailer(q.RetailerSlug)

	for i := range windows {
		w := &windows[i]
		features, err := e.classifier.Features(ctx, q.ProductID, q.RetailerSlug, m.Weights[w.Start.Hour()], now)
		if err != nil {
			e.logger.Warn().Err(err).Str("retailer", q.RetailerSlug).Msg("shadow features unavailable")
			return
		}
		p := cal.Probability(features)
		w.ShadowProbability = &p
		if !primary {
			continue
		}
		w.Confidence = percent(p)
		w.Rationale = append(w.Rationale, domain.RationaleShadowPrimary)
		if p < e.opts.Shadow.Threshold {
			w.BelowThreshold = true
			w.Rationale = append(w.Rationale, domain.RationaleBelowThreshold)
		}
	}
}

func (e *Engine) window(q Query, start, end time.Time, conf int, rationale string) domain.PredictedWindow {
	return domain.PredictedWindow{
		RetailerID: q.RetailerSlug,
		ProductID:  q.ProductID,
		Start:      start,
		End:        end,
		Confidence: conf,
		Rationale:  []string{rationale},
	}
}

// hourWindow returns the next occurrence of hour starting at or after now.
// When now is inside that hour the window opens immediately.
func hourWindow(now time.Time, hour int, horizonEnd time.Time) (time.Time, time.Time, bool) {
	start := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	end := start.Add(windowLength)
	if !end.After(now) {
		start = start.AddDate(0, 0, 1)
		end = start.Add(windowLength)
	}
	if start.Before(now) {
		start = now
	}
	if !start.Before(horizonEnd) {
		return time.Time{}, time.Time{}, false
	}
	if end.After(horizonEnd) {
		end = horizonEnd
	}
	return start, end, true
}

func percent(v float64) int {
	c := int(math.Round(v * 100))
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

func sortWindows(ws []domain.PredictedWindow) {
	sort.SliceStable(ws, func(i, j int) bool {
		if ws[i].Confidence != ws[j].Confidence {
			return ws[i].Confidence > ws[j].Confidence
		}
		return ws[i].Start.Before(ws[j].Start)
	})
}
