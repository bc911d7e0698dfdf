package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultMaxBody = 4 << 20

// FetcherOptions parameterise the acquisition layer.
type FetcherOptions struct {
	RequestTimeout time.Duration
	RenderTimeout  time.Duration
	ScrapeFloor    time.Duration
	MaxBodyBytes   int64
	Profiles       []Profile
}

// Fetcher performs outbound requests with politeness pacing and escalating fallbacks.
type Fetcher struct {
	opts     FetcherOptions
	logger   zerolog.Logger
	pacer    Pacer
	sessions *SessionPool
	renderer Renderer

	mu        sync.RWMutex
	intervals map[string]time.Duration
	last      sync.Map // identity -> *atomic.Int64 (unix nanos)
	renders   atomic.Int64
}

// NewFetcher wires the acquisition layer. renderer may be nil.
func NewFetcher(opts FetcherOptions, pacer Pacer, sessions *SessionPool, renderer Renderer, logger zerolog.Logger) *Fetcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = 3 * opts.RequestTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	if pacer == nil {
		pacer = NewLocalPacer()
	}
	if sessions == nil {
		sessions, _ = NewSessionPool(nil)
	}
	return &Fetcher{
		opts:      opts,
		logger:    logger.With().Str("component", "acquire").Logger(),
		pacer:     pacer,
		sessions:  sessions,
		renderer:  renderer,
		intervals: make(map[string]time.Duration),
	}
}

// Register sets the politeness floor for identity from its requests-per-minute budget.
// Scraping identities never go below the configured scrape floor.
func (f *Fetcher) Register(identity string, class Class, requestsPerMinute int) time.Duration {
	var interval time.Duration
	if requestsPerMinute > 0 {
		interval = time.Minute / time.Duration(requestsPerMinute)
	}
	if class == ClassScrape && interval < f.opts.ScrapeFloor {
		interval = f.opts.ScrapeFloor
	}
	f.mu.Lock()
	f.intervals[identity] = interval
	f.mu.Unlock()
	return interval
}

// Interval returns the registered politeness floor for identity.
func (f *Fetcher) Interval(identity string) time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.intervals[identity]
}

// LastRequest returns when identity last issued an outbound request.
func (f *Fetcher) LastRequest(identity string) time.Time {
	v, ok := f.last.Load(identity)
	if !ok {
		return time.Time{}
	}
	return time.Unix(0, v.(*atomic.Int64).Load())
}

// Sessions exposes the session pool, mainly for diagnostics.
func (f *Fetcher) Sessions() *SessionPool {
	return f.sessions
}

// Renders counts render-path escalations since start.
func (f *Fetcher) Renders() int64 {
	return f.renders.Load()
}

// Fetch retrieves target. Scraping identities escalate on 403/429: one session rotation,
// then one rendered fetch. API identities never escalate; the caller owns backoff.
// The returned error is classified with the domain taxonomy.
func (f *Fetcher) Fetch(ctx context.Context, target string, opts Options) (*Response, error) {
	if opts.Identity == "" {
		return nil, errors.New("acquire: identity required")
	}
	if opts.Class == "" {
		opts.Class = ClassAPI
	}
	log := f.logger.With().Str("identity", opts.Identity).Str("url", target).Logger()
	meterFrom(ctx).fetch()

	if opts.Render {
		resp, err := f.render(ctx, target, opts)
		return resp, Classify(opts.Identity, resp, err)
	}

	resp, err := f.attempt(ctx, target, opts, f.sessions.Current(opts.Identity), PathDirect)
	if err != nil || !blocked(resp) || opts.Class != ClassScrape {
		return resp, Classify(opts.Identity, resp, err)
	}

	log.Warn().Int("status", resp.Status).Msg("blocked, rotating session")
	rotated := f.sessions.Rotate(opts.Identity)
	resp, err = f.attempt(ctx, target, opts, rotated, PathRotated)
	if err == nil && !blocked(resp) {
		return resp, Classify(opts.Identity, resp, nil)
	}
	if err != nil && ctx.Err() != nil {
		return resp, Classify(opts.Identity, resp, err)
	}

	if f.renderer == nil {
		log.Warn().Msg("rotation failed and no renderer configured")
		return resp, Classify(opts.Identity, resp, err)
	}
	log.Warn().Msg("rotation failed, escalating to rendered fetch")
	rendered, renderErr := f.render(ctx, target, opts)
	return rendered, Classify(opts.Identity, rendered, renderErr)
}

func (f *Fetcher) attempt(ctx context.Context, target string, opts Options, session *Session, path Path) (*Response, error) {
	if err := f.wait(ctx, opts.Identity); err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.opts.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	f.headers(req.Header, opts)

	// 只计网络耗时，不含 pacer 等待
	start := time.Now()
	meter := meterFrom(ctx)
	resp, err := session.Client.Do(req)
	if err != nil {
		meter.observe(time.Since(start))
		f.logger.Debug().Err(err).Str("identity", opts.Identity).Str("path", string(path)).Msg("request failed")
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	latency := time.Since(start)
	meter.observe(latency)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	f.logger.Debug().
		Str("identity", opts.Identity).
		Str("path", string(path)).
		Int("status", resp.StatusCode).
		Dur("latency", latency).
		Msg("request completed")

	return &Response{
		Status:   resp.StatusCode,
		Body:     body,
		Header:   resp.Header.Clone(),
		Path:     path,
		FinalURL: resp.Request.URL.String(),
		Session:  session.ID,
		Latency:  latency,
	}, nil
}

func (f *Fetcher) render(ctx context.Context, target string, opts Options) (*Response, error) {
	if f.renderer == nil {
		return nil, ErrRenderUnavailable
	}
	if err := f.wait(ctx, opts.Identity); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.opts.RenderTimeout)
	defer cancel()

	h := make(http.Header)
	f.headers(h, opts)
	f.renders.Add(1)
	start := time.Now()
	resp, err := f.renderer.Render(ctx, target, h)
	latency := time.Since(start)
	meterFrom(ctx).observe(latency)
	if resp != nil {
		resp.Latency = latency
	}
	return resp, err
}

func (f *Fetcher) headers(h http.Header, opts Options) {
	ProfileFor(opts.Identity, f.opts.Profiles).Apply(h, opts.Class)
	for k, vals := range opts.Headers {
		h.Del(k)
		for _, v := range vals {
			h.Add(k, v)
		}
	}
}

func (f *Fetcher) wait(ctx context.Context, identity string) error {
	slot, err := f.pacer.Wait(ctx, identity, f.Interval(identity))
	if err != nil {
		return err
	}
	v, _ := f.last.LoadOrStore(identity, new(atomic.Int64))
	ts := v.(*atomic.Int64)
	for {
		prev := ts.Load()
		if slot.UnixNano() <= prev || ts.CompareAndSwap(prev, slot.UnixNano()) {
			return nil
		}
	}
}
