package scan

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dropwatch/internal/adapter"
	"dropwatch/internal/domain"
)

// Adapters resolves a retailer slug to its adapter.
type Adapters interface {
	Get(slug string) (adapter.Adapter, bool)
}

// Catalog supplies the products to scan.
type Catalog interface {
	TopProducts(ctx context.Context, n int) ([]domain.Product, error)
}

// Observer consumes every successful availability record.
type Observer interface {
	Observe(ctx context.Context, rec domain.AvailabilityRecord) ([]domain.SignalEvent, error)
}

// HotChecker reports whether a pair is inside a hot window.
type HotChecker interface {
	IsHot(ctx context.Context, productID, retailerID string) (bool, error)
}

// Options tune the pool.
type Options struct {
	Workers      int
	Interval     time.Duration
	HotInterval  time.Duration
	CallTimeout  time.Duration
	RetryBackoff time.Duration
	TopProducts  int
	Retailers    []string
}

// Job is one product/retailer availability check.
type Job struct {
	Product  domain.Product
	Retailer string
	Hot      bool
}

// Result summarises one batch.
type Result struct {
	BatchID   string
	Jobs      int
	Hot       int
	Succeeded int
	NotFound  int
	Failed    int
	Signals   int
	Elapsed   time.Duration
}

type pairKey struct {
	product  string
	retailer string
}

// Pool runs bounded concurrent availability checks. Hot pairs are rescanned on
// the hot interval, the rest on the regular interval.
type Pool struct {
	adapters Adapters
	catalog  Catalog
	observer Observer
	hot      HotChecker
	opts     Options
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger

	mu       sync.Mutex
	lastScan map[pairKey]time.Time
}

// New constructs a pool. hot may be nil, in which case every pair uses the regular interval.
func New(adapters Adapters, catalog Catalog, observer Observer, hot HotChecker, opts Options, logger zerolog.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.HotInterval <= 0 {
		opts.HotInterval = time.Minute
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 78 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	return &Pool{
		adapters: adapters,
		catalog:  catalog,
		observer: observer,
		hot:      hot,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepCtx,
		logger:   logger.With().Str("component", "scan").Logger(),
		lastScan: make(map[pairKey]time.Time),
	}
}

// Tick scans every pair that is due at bucket. It matches scheduler.TickFunc.
func (p *Pool) Tick(ctx context.Context, bucket time.Time) error {
	jobs, err := p.Due(ctx, bucket)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		p.logger.Debug().Time("bucket", bucket).Msg("no pairs due")
		return nil
	}
	p.Run(ctx, jobs)
	return nil
}

// Due lists the pairs whose interval has elapsed at now.
func (p *Pool) Due(ctx context.Context, now time.Time) ([]Job, error) {
	products, err := p.catalog.TopProducts(ctx, p.opts.TopProducts)
	if err != nil {
		return nil, fmt.Errorf("load scan products: %w", err)
	}

	p.mu.Lock()
	last := make(map[pairKey]time.Time, len(p.lastScan))
	for k, v := range p.lastScan {
		last[k] = v
	}
	p.mu.Unlock()

	var jobs []Job
	for _, prod := range products {
		for _, slug := range p.opts.Retailers {
			if _, ok := p.adapters.Get(slug); !ok {
				continue
			}
			hot := p.isHot(ctx, prod.ID, slug)
			interval := p.opts.Interval
			if hot {
				interval = p.opts.HotInterval
			}
			prev, seen := last[pairKey{prod.ID, slug}]
			if seen && now.Sub(prev) < interval {
				continue
			}
			jobs = append(jobs, Job{Product: prod, Retailer: slug, Hot: hot})
		}
	}
	return jobs, nil
}

func (p *Pool) isHot(ctx context.Context, productID, slug string) bool {
	if p.hot == nil {
		return false
	}
	hot, err := p.hot.IsHot(ctx, productID, slug)
	if err != nil {
		p.logger.Debug().Err(err).Str("product", productID).Str("retailer", slug).Msg("hot lookup failed")
		return false
	}
	return hot
}

// Run executes jobs on the worker pool and blocks until all have finished.
func (p *Pool) Run(ctx context.Context, jobs []Job) Result {
	started := p.now()
	res := Result{BatchID: uuid.NewString(), Jobs: len(jobs)}
	logger := p.logger.With().Str("batch", res.BatchID).Logger()

	var succeeded, notFound, failed, signals, hot atomic.Int64
	queue := make(chan Job)
	var wg sync.WaitGroup
	workers := p.opts.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				if job.Hot {
					hot.Add(1)
				}
				n, err := p.process(ctx, logger, job)
				signals.Add(int64(n))
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, domain.ErrNotFound):
					notFound.Add(1)
				default:
					failed.Add(1)
				}
			}
		}()
	}

dispatch:
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			break dispatch
		case queue <- job:
		}
	}
	close(queue)
	wg.Wait()

	res.Hot = int(hot.Load())
	res.Succeeded = int(succeeded.Load())
	res.NotFound = int(notFound.Load())
	res.Failed = int(failed.Load())
	res.Signals = int(signals.Load())
	res.Elapsed = p.now().Sub(started)

	logger.Info().
		Int("jobs", res.Jobs).
		Int("hot", res.Hot).
		Int("succeeded", res.Succeeded).
		Int("not_found", res.NotFound).
		Int("failed", res.Failed).
		Int("signals", res.Signals).
		Dur("elapsed", res.Elapsed).
		Msg("scan batch finished")
	return res
}

func (p *Pool) process(ctx context.Context, logger zerolog.Logger, job Job) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("retailer", job.Retailer).Str("product", job.Product.ID).Msg("scan job panicked")
			err = fmt.Errorf("scan panic: %v", r)
		}
	}()

	ad, ok := p.adapters.Get(job.Retailer)
	if !ok {
		return 0, fmt.Errorf("unknown retailer %q", job.Retailer)
	}
	p.mark(job)

	rec, err := p.check(ctx, ad, job.Product.Request())
	if err != nil && domain.IsRetryable(err) && ctx.Err() == nil {
		wait := jitter(p.opts.RetryBackoff)
		logger.Debug().Err(err).Str("retailer", job.Retailer).Dur("backoff", wait).Msg("retrying availability check")
		if serr := p.sleep(ctx, wait); serr != nil {
			return 0, err
		}
		rec, err = p.check(ctx, ad, job.Product.Request())
	}
	if err != nil {
		ev := logger.Warn()
		if errors.Is(err, domain.ErrNotFound) {
			ev = logger.Debug()
		}
		ev.Err(err).Str("retailer", job.Retailer).Str("product", job.Product.ID).Msg("availability check failed")
		return 0, err
	}

	if p.observer == nil {
		return 0, nil
	}
	events, err := p.observer.Observe(ctx, rec)
	if err != nil {
		logger.Error().Err(err).Str("retailer", job.Retailer).Str("product", job.Product.ID).Msg("failed to observe record")
	}
	return len(events), nil
}

func (p *Pool) check(ctx context.Context, ad adapter.Adapter, req domain.AvailabilityRequest) (domain.AvailabilityRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	defer cancel()
	return ad.CheckAvailability(cctx, req)
}

func (p *Pool) mark(job Job) {
	p.mu.Lock()
	p.lastScan[pairKey{job.Product.ID, job.Retailer}] = p.now()
	p.mu.Unlock()
}

// jitter spreads retries over [d, 1.5d).
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
