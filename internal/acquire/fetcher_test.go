package acquire

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dropwatch/internal/domain"
)

type fakeRenderer struct {
	calls  atomic.Int32
	status int
}

func (r *fakeRenderer) Render(ctx context.Context, target string, headers http.Header) (*Response, error) {
	r.calls.Add(1)
	return &Response{Status: r.status, Body: []byte("<html>rendered</html>"), Path: PathRendered, FinalURL: target}, nil
}

func newTestFetcher(t *testing.T, renderer Renderer) *Fetcher {
	t.Helper()
	pool, err := NewSessionPool(nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewFetcher(FetcherOptions{RequestTimeout: time.Second, RenderTimeout: 2 * time.Second}, NewLocalPacer(), pool, renderer, zerolog.Nop())
}

func TestScrapeForbiddenRotatesOnceThenRenders(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	renderer := &fakeRenderer{status: http.StatusOK}
	f := newTestFetcher(t, renderer)

	resp, err := f.Fetch(context.Background(), srv.URL, Options{Identity: "target", Class: ClassScrape})
	if err != nil {
		t.Fatalf("render fallback should succeed: %v", err)
	}
	if resp.Path != PathRendered {
		t.Fatalf("expected rendered path, got %s", resp.Path)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected direct + one rotated attempt, got %d hits", hits.Load())
	}
	if got := f.Sessions().Rotations("target"); got != 1 {
		t.Fatalf("expected exactly one rotation, got %d", got)
	}
	if renderer.calls.Load() != 1 {
		t.Fatalf("expected one render call, got %d", renderer.calls.Load())
	}
}

func TestScrapeRotationRecovers(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	renderer := &fakeRenderer{status: http.StatusOK}
	f := newTestFetcher(t, renderer)

	resp, err := f.Fetch(context.Background(), srv.URL, Options{Identity: "walmart", Class: ClassScrape})
	if err != nil {
		t.Fatalf("rotated attempt should succeed: %v", err)
	}
	if resp.Path != PathRotated {
		t.Fatalf("expected rotated path, got %s", resp.Path)
	}
	if renderer.calls.Load() != 0 {
		t.Fatal("render path must not be used when rotation succeeds")
	}
}

func TestAPIForbiddenDoesNotEscalate(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	renderer := &fakeRenderer{status: http.StatusOK}
	f := newTestFetcher(t, renderer)

	_, err := f.Fetch(context.Background(), srv.URL, Options{Identity: "best-buy", Class: ClassAPI})
	if !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("expected AUTH error, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", hits.Load())
	}
	if f.Sessions().Rotations("best-buy") != 0 || renderer.calls.Load() != 0 {
		t.Fatal("API identities must not rotate or render")
	}
}

func TestScrapeWithoutRendererSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	_, err := f.Fetch(context.Background(), srv.URL, Options{Identity: "gamestop", Class: ClassScrape})
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Fatalf("expected RATE_LIMIT, got %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Fatal("rate limit should be retryable")
	}
}

func TestNotFoundAndServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	if _, err := f.Fetch(context.Background(), srv.URL+"/missing", Options{Identity: "x"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/boom", Options{Identity: "x"}); !errors.Is(err, domain.ErrServerError) {
		t.Fatalf("expected SERVER_ERROR, got %v", err)
	}
}

func TestNetworkFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	f := newTestFetcher(t, &fakeRenderer{status: http.StatusOK})
	_, err := f.Fetch(context.Background(), addr, Options{Identity: "target", Class: ClassScrape})
	if !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("expected NETWORK error, got %v", err)
	}
}

func TestStableIdentityHeaders(t *testing.T) {
	var (
		mu  sync.Mutex
		uas []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		uas = append(uas, r.Header.Get("User-Agent"))
		mu.Unlock()
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	for i := 0; i < 3; i++ {
		if _, err := f.Fetch(context.Background(), srv.URL, Options{Identity: "target", Class: ClassScrape}); err != nil {
			t.Fatal(err)
		}
	}
	if uas[0] == "" || uas[0] != uas[1] || uas[1] != uas[2] {
		t.Fatalf("user agent should be stable per identity: %v", uas)
	}
	if f.LastRequest("target").IsZero() {
		t.Fatal("last request timestamp should be recorded")
	}
}

func TestRegisterPolitenessFloor(t *testing.T) {
	pool, _ := NewSessionPool(nil)
	f := NewFetcher(FetcherOptions{ScrapeFloor: 3 * time.Second}, nil, pool, nil, zerolog.Nop())

	if got := f.Register("best-buy", ClassAPI, 60); got != time.Second {
		t.Fatalf("60 rpm should give 1s interval, got %s", got)
	}
	if got := f.Register("target", ClassScrape, 60); got != 3*time.Second {
		t.Fatalf("scrape floor should raise interval to 3s, got %s", got)
	}
	if got := f.Register("slow", ClassScrape, 6); got != 10*time.Second {
		t.Fatalf("6 rpm should give 10s interval, got %s", got)
	}
}

func TestLocalPacerSpacesRequests(t *testing.T) {
	p := NewLocalPacer()
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := p.Wait(ctx, "k", 20*time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Fatalf("three requests at 20ms spacing finished too quickly: %s", elapsed)
	}
}

func TestProfileForIsDeterministic(t *testing.T) {
	a := ProfileFor("target", nil)
	b := ProfileFor("target", nil)
	if a.UserAgent != b.UserAgent {
		t.Fatal("profile should be stable for the same identity")
	}
	seen := map[string]bool{}
	for _, id := range []string{"target", "walmart", "gamestop", "best-buy", "pokemon-center", "amazon"} {
		seen[ProfileFor(id, nil).Name] = true
	}
	if len(seen) < 2 {
		t.Fatal("different identities should spread across profiles")
	}
}

func TestSessionKeyOnProxyUser(t *testing.T) {
	pool, err := NewSessionPool([]string{"http://user:pw@proxy.local:8000"})
	if err != nil {
		t.Fatal(err)
	}
	s1 := pool.Current("target")
	s2 := pool.Rotate("target")
	if s1.ID == s2.ID {
		t.Fatal("rotation must issue a new session key")
	}
	if s2.Proxy == nil || s2.Proxy.User.Username() == "user" {
		t.Fatalf("proxy username should carry the session key: %v", s2.Proxy)
	}
}

func TestMeterCountsOnlyRequestTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	interval := f.Register("walmart", ClassScrape, 300)

	ctx, meter := WithMeter(context.Background())
	start := time.Now()
	for i := 0; i < 3; i++ {
		resp, err := f.Fetch(ctx, srv.URL, Options{Identity: "walmart", Class: ClassScrape})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Latency <= 0 || resp.Latency >= interval {
			t.Fatalf("response latency %s should cover the request only", resp.Latency)
		}
	}
	elapsed := time.Since(start)
	if elapsed < 2*interval {
		t.Fatalf("expected paced fetches, took %s", elapsed)
	}
	if !meter.Used() || meter.Requests() != 3 {
		t.Fatalf("expected 3 metered requests, got %d", meter.Requests())
	}
	if meter.Total() >= interval {
		t.Fatalf("metered %s of %s wall time; pacing leaked into latency", meter.Total(), elapsed)
	}
}
