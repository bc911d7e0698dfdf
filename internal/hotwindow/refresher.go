package hotwindow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dropwatch/internal/cache"
	"dropwatch/internal/domain"
	"dropwatch/internal/predict"
)

const (
	hotPrefix      = "hot:"
	retailerPrefix = hotPrefix + "retailer:"
	pairPrefix     = hotPrefix + "pr:"
)

// Predictor is the slice of the prediction engine the refresher needs.
type Predictor interface {
	PredictWindows(ctx context.Context, q predict.Query) ([]domain.PredictedWindow, error)
}

// Catalog supplies the products worth watching.
type Catalog interface {
	TopProducts(ctx context.Context, n int) ([]domain.Product, error)
}

// Config wires refresher collaborators.
type Config struct {
	KeyPrefix   string
	Concurrency int
	PairTimeout time.Duration
}

// Options select what one refresh covers.
type Options struct {
	TopN           int
	Retailers      []string
	HorizonMinutes int
	TopK           int
}

// Marker is the value stored under a hot key.
type Marker struct {
	RetailerID string    `json:"retailer_id"`
	ProductID  string    `json:"product_id,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Confidence int       `json:"confidence"`

	// TTL is the window end minus the refresh time.
	TTL time.Duration `json:"-"`
}

// Refresher turns predicted windows into short-lived hot markers.
type Refresher struct {
	predictor Predictor
	catalog   Catalog
	store     cache.Store
	cfg       Config
	now       func() time.Time
	logger    zerolog.Logger
}

// NewRefresher constructs a refresher.
func NewRefresher(predictor Predictor, catalog Catalog, store cache.Store, cfg Config, logger zerolog.Logger) *Refresher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PairTimeout <= 0 {
		cfg.PairTimeout = 10 * time.Second
	}
	return &Refresher{
		predictor: predictor,
		catalog:   catalog,
		store:     store,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With().Str("component", "hotwindow").Logger(),
	}
}

// WithClock overrides the time source.
func (r *Refresher) WithClock(now func() time.Time) *Refresher {
	r.now = now
	return r
}

// Refresh predicts windows for the top products at each allowed retailer and
// writes short-lived markers for every window that has time left. It returns the number of
// markers written. Failures of a single pair are logged and skipped.
func (r *Refresher) Refresh(ctx context.Context, opts Options) (int, error) {
	products, err := r.catalog.TopProducts(ctx, opts.TopN)
	if err != nil {
		return 0, fmt.Errorf("load top products: %w", err)
	}

	var (
		written  atomic.Int64
		mu       sync.Mutex
		retailer = make(map[string]Marker)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, p := range products {
		for _, slug := range opts.Retailers {
			q := predict.Query{
				ProductID:      p.ID,
				RetailerSlug:   slug,
				HorizonMinutes: opts.HorizonMinutes,
				TopK:           opts.TopK,
			}
			g.Go(func() error {
				m, ok := longest(r.refreshPair(gctx, q))
				if !ok {
					return nil
				}
				if err := r.write(gctx, pairKey(m.ProductID, m.RetailerID), m); err != nil {
					r.logger.Warn().Err(err).Str("product", m.ProductID).Str("retailer", m.RetailerID).Msg("failed to write hot marker")
					return nil
				}
				written.Add(1)
				mu.Lock()
				if cur, ok := retailer[slug]; !ok || m.TTL > cur.TTL {
					m.ProductID = ""
					retailer[slug] = m
				}
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return int(written.Load()), err
	}

	for slug, m := range retailer {
		if err := r.write(ctx, RetailerKey(slug), m); err != nil {
			r.logger.Warn().Err(err).Str("retailer", slug).Msg("failed to write retailer hot marker")
			continue
		}
		written.Add(1)
	}

	n := int(written.Load())
	r.logger.Info().
		Int("products", len(products)).
		Int("retailers", len(opts.Retailers)).
		Int("markers", n).
		Msg("hot windows refreshed")
	return n, nil
}

func (r *Refresher) refreshPair(ctx context.Context, q predict.Query) (out []Marker) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("retailer", q.RetailerSlug).Str("product", q.ProductID).Msg("hot window pair panicked")
			out = nil
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, r.cfg.PairTimeout)
	defer cancel()

	windows, err := r.predictor.PredictWindows(pctx, q)
	if err != nil {
		r.logger.Warn().Err(err).Str("retailer", q.RetailerSlug).Str("product", q.ProductID).Msg("prediction failed for pair")
		return nil
	}
	now := r.now()
	for _, w := range windows {
		// 未来窗口的 marker 从现在起一直存活到窗口结束
		remaining := w.Remaining(now)
		if remaining <= 0 {
			continue
		}
		out = append(out, Marker{
			RetailerID: q.RetailerSlug,
			ProductID:  q.ProductID,
			Start:      w.Start,
			End:        w.End,
			Confidence: w.Confidence,
			TTL:        remaining,
		})
	}
	return out
}

func (r *Refresher) write(ctx context.Context, key string, m Marker) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, r.cfg.KeyPrefix+key, body, m.TTL)
}

// longest picks the marker that stays alive the longest; one key holds one marker.
func longest(ms []Marker) (Marker, bool) {
	if len(ms) == 0 {
		return Marker{}, false
	}
	best := ms[0]
	for _, m := range ms[1:] {
		if m.TTL > best.TTL {
			best = m
		}
	}
	return best, true
}

// HasActiveHotWindow reports whether any hot marker is live.
func (r *Refresher) HasActiveHotWindow(ctx context.Context) (bool, error) {
	return r.store.AnyWithPrefix(ctx, r.cfg.KeyPrefix+hotPrefix)
}

// IsHot reports whether the product/retailer pair currently has a marker.
func (r *Refresher) IsHot(ctx context.Context, productID, retailerID string) (bool, error) {
	_, found, err := r.store.Get(ctx, r.cfg.KeyPrefix+pairKey(productID, retailerID))
	return found, err
}

// Active lists live markers sorted by key.
func (r *Refresher) Active(ctx context.Context) (map[string]Marker, []string, error) {
	keys, err := r.store.Keys(ctx, r.cfg.KeyPrefix+hotPrefix)
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(keys)
	out := make(map[string]Marker, len(keys))
	live := make([]string, 0, len(keys))
	for _, k := range keys {
		body, found, err := r.store.Get(ctx, k)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			continue
		}
		var m Marker
		if err := json.Unmarshal(body, &m); err != nil {
			r.logger.Debug().Err(err).Str("key", k).Msg("skip undecodable marker")
			continue
		}
		short := strings.TrimPrefix(k, r.cfg.KeyPrefix)
		out[short] = m
		live = append(live, short)
	}
	return out, live, nil
}

// RetailerKey is the marker key for a retailer.
func RetailerKey(slug string) string {
	return retailerPrefix + slug
}

func pairKey(productID, slug string) string {
	return pairPrefix + productID + ":" + slug
}
