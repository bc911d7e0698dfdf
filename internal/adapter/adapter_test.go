package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dropwatch/internal/acquire"
	"dropwatch/internal/domain"
	"dropwatch/internal/health"
)

var testNow = time.Date(2026, 10, 15, 15, 0, 0, 0, time.UTC) // a Thursday

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []string
	agents  []string
	handler func(target string) (*acquire.Response, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, target string, opts acquire.Options) (*acquire.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target)
	f.agents = append(f.agents, opts.Headers.Get("User-Agent"))
	f.mu.Unlock()
	return f.handler(target)
}

func htmlResponse(body string) *acquire.Response {
	return &acquire.Response{Status: http.StatusOK, Body: []byte(body), Path: acquire.PathDirect}
}

func checkInvariant(t *testing.T, recs ...domain.AvailabilityRecord) {
	t.Helper()
	for _, rec := range recs {
		if !rec.InStock && rec.Status != domain.StatusOutOfStock {
			t.Fatalf("record %q: inStock=false with status %s", rec.Title, rec.Status)
		}
		if rec.Price != nil && rec.Price.IsNegative() {
			t.Fatalf("record %q: negative price", rec.Title)
		}
	}
}

const searchPage = `<html><body>
<div class="results">
  <div class="card" data-id="pika-plush">
    <a href="/p/pikachu-plush"><span class="title">Pokémon Plush Figure - Pikachu</span></a>
    <span class="price">$19.99</span><span class="stock">Add to cart</span>
  </div>
  <div class="card" data-id="sv-bb">
    <a href="/p/sv-booster-box"><span class="title">Pokémon TCG: Scarlet &amp; Violet Booster Box</span></a>
    <span class="price">$143.64</span><span class="stock">Sold out</span>
  </div>
  <div class="card">
    <a href="/p/etb"><span class="title">Pokémon TCG Elite Trainer Box</span></a>
    <span class="stock">Only 2 left</span>
  </div>
  <div class="card"><span class="price">$5.00</span></div>
</div>
</body></html>`

const productPage = `<html><body>
<div class="buy">Sold out online</div>
<div class="ship">Arrives Friday</div>
</body></html>`

func testScrapeSite() ScrapeSite {
	return ScrapeSite{
		Slug:        "target",
		BaseURL:     "https://shop.test",
		SearchPath:  "/s?q=%s",
		Policy:      PokemonTCG,
		FetchDetail: true,
		Selectors: Selectors{
			Item:             []string{"li.missing", "div.card"},
			Title:            []string{".name", ".title"},
			Link:             []string{"a"},
			Price:            []string{".price"},
			Availability:     []string{".stock"},
			IDAttr:           []string{"data-id"},
			ShipText:         []string{".ship"},
			PageAvailability: []string{".buy"},
		},
	}
}

func newScrape(handler func(string) (*acquire.Response, error)) (*ScrapeAdapter, *fakeFetcher) {
	f := &fakeFetcher{handler: handler}
	return NewScrapeAdapter(testScrapeSite(), Deps{Fetcher: f, Logger: zerolog.Nop(), Now: func() time.Time { return testNow }}), f
}

func TestPolicyPlushExcludedBoosterKept(t *testing.T) {
	t.Parallel()

	plush := PokemonTCG.Evaluate("Pokémon Plush Figure")
	if plush.Keep || !strings.HasPrefix(plush.Reason, "excluded:") {
		t.Fatalf("plush should be excluded, got %+v", plush)
	}
	box := PokemonTCG.Evaluate("Pokémon TCG Scarlet & Violet Booster Box")
	if !box.Keep {
		t.Fatalf("booster box should be kept, got %+v", box)
	}
	if PokemonTCG.Keep("Scarlet & Violet Booster Box") {
		t.Fatal("titles without the category term should not pass")
	}
}

func TestScrapeSearchFiltersCategory(t *testing.T) {
	t.Parallel()

	a, _ := newScrape(func(target string) (*acquire.Response, error) {
		return htmlResponse(searchPage), nil
	})
	recs, err := a.SearchProducts(context.Background(), "pokemon booster box")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 results after filtering, got %d: %+v", len(recs), recs)
	}
	for _, rec := range recs {
		if strings.Contains(strings.ToLower(rec.Title), "plush") {
			t.Fatalf("plush leaked through: %q", rec.Title)
		}
	}
	checkInvariant(t, recs...)

	box := recs[0]
	if box.ProductID != "sv-bb" || box.ProductURL != "https://shop.test/p/sv-booster-box" {
		t.Fatalf("unexpected id/url: %q %q", box.ProductID, box.ProductURL)
	}
	if box.Price == nil || box.Price.StringFixed(2) != "143.64" {
		t.Fatalf("unexpected price %v", box.Price)
	}
	if box.InStock || box.Status != domain.StatusOutOfStock {
		t.Fatalf("sold out card should be out of stock: %+v", box)
	}
	etb := recs[1]
	if etb.Status != domain.StatusLowStock || !etb.InStock || etb.Price != nil {
		t.Fatalf("unexpected etb record: %+v", etb)
	}
	if etb.ProductID != "etb" {
		t.Fatalf("expected url-derived id, got %q", etb.ProductID)
	}
}

func TestScrapeCheckUsesShipDate(t *testing.T) {
	t.Parallel()

	a, f := newScrape(func(target string) (*acquire.Response, error) {
		if strings.Contains(target, "/p/") {
			return htmlResponse(productPage), nil
		}
		return htmlResponse(searchPage), nil
	})
	rec, err := a.CheckAvailability(context.Background(), domain.AvailabilityRequest{ProductID: "p1", Query: "Scarlet Violet Booster Box"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	checkInvariant(t, rec)
	if rec.ProductID != "p1" || rec.RetailerID != "target" {
		t.Fatalf("ids not carried: %+v", rec)
	}
	if !rec.InStock || rec.Status != domain.StatusInStock {
		t.Fatalf("future ship date should upgrade to in stock: %+v", rec)
	}
	if rec.Metadata["ship_date"] != "2026-10-16" {
		t.Fatalf("unexpected ship date %q", rec.Metadata["ship_date"])
	}
	if rec.Metadata["fetch_path"] != string(acquire.PathDirect) {
		t.Fatalf("missing fetch path: %v", rec.Metadata)
	}
	if len(f.calls) != 2 || !strings.HasSuffix(f.calls[1], "/p/sv-booster-box") {
		t.Fatalf("expected search then product page, got %v", f.calls)
	}
}

func TestScrapeZeroMatches(t *testing.T) {
	t.Parallel()

	a, _ := newScrape(func(target string) (*acquire.Response, error) {
		return htmlResponse("<html><body><p>No results</p></body></html>"), nil
	})
	recs, err := a.SearchProducts(context.Background(), "pokemon")
	if err != nil || len(recs) != 0 || recs == nil {
		t.Fatalf("expected empty non-nil result, got %v %v", recs, err)
	}
	_, err = a.CheckAvailability(context.Background(), domain.AvailabilityRequest{ProductID: "p1", Query: "pokemon tcg"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestScrapeDetailFailureKeepsSearchRecord(t *testing.T) {
	t.Parallel()

	a, _ := newScrape(func(target string) (*acquire.Response, error) {
		if strings.Contains(target, "/p/") {
			return nil, domain.NewError(domain.KindAuth, "target", "fetch", errors.New("blocked"))
		}
		return htmlResponse(searchPage), nil
	})
	rec, err := a.CheckAvailability(context.Background(), domain.AvailabilityRequest{Query: "elite trainer box"})
	if err != nil {
		t.Fatalf("detail failure must not fail the check: %v", err)
	}
	if rec.Status != domain.StatusLowStock || rec.Metadata["detail_error"] != string(domain.KindAuth) {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestScrapeErrorsClassified(t *testing.T) {
	t.Parallel()

	a, _ := newScrape(func(target string) (*acquire.Response, error) {
		return nil, domain.NewError(domain.KindRateLimit, "target", "fetch", errors.New("429"))
	})
	_, err := a.CheckAvailability(context.Background(), domain.AvailabilityRequest{Query: "pokemon tcg"})
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindRateLimit || de.Op != "check" || !de.Retryable() {
		t.Fatalf("expected retryable RATE_LIMIT on check, got %v", err)
	}
}

const bestBuyProduct = `{"sku":6543210,"upc":"0820650853517","name":"Pokémon TCG Prismatic Evolutions Elite Trainer Box",
"salePrice":49.99,"regularPrice":59.99,"url":"https://www.bestbuy.com/site/6543210.p","addToCartUrl":"https://api.bestbuy.com/click/-/6543210/cart",
"onlineAvailability":false,"orderable":"SoldOut"}`

const bestBuySearch = `{"total":2,"products":[
{"sku":111,"name":"Pokémon Plush Figure Eevee","salePrice":24.99,"onlineAvailability":true,"orderable":"Available"},
{"sku":222,"name":"Pokémon TCG Surging Sparks Booster Bundle","salePrice":26.99,"onlineAvailability":true,"orderable":"Available"}]}`

func newAPI(handler func(string) (*acquire.Response, error)) (*APIAdapter, *fakeFetcher) {
	f := &fakeFetcher{handler: handler}
	site := BestBuy()
	site.BaseURL = "https://api.test"
	site.APIKey = "k"
	return NewAPIAdapter(site, Deps{Fetcher: f, Logger: zerolog.Nop(), Now: func() time.Time { return testNow }}), f
}

func TestAPICheckBySKU(t *testing.T) {
	t.Parallel()

	a, f := newAPI(func(target string) (*acquire.Response, error) {
		return htmlResponse(bestBuyProduct), nil
	})
	rec, err := a.CheckAvailability(context.Background(), domain.AvailabilityRequest{ProductID: "p1", SKU: "6543210"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	checkInvariant(t, rec)
	if rec.InStock || rec.Status != domain.StatusOutOfStock {
		t.Fatalf("sold out product reported available: %+v", rec)
	}
	if rec.ProductID != "p1" || rec.Metadata["sku"] != "6543210" {
		t.Fatalf("unexpected ids: %+v", rec)
	}
	if rec.Price.StringFixed(2) != "49.99" || rec.OriginalPrice.StringFixed(2) != "59.99" {
		t.Fatalf("unexpected prices %v %v", rec.Price, rec.OriginalPrice)
	}
	if !strings.Contains(f.calls[0], "/v1/products/6543210.json") || !strings.Contains(f.calls[0], "apiKey=k") {
		t.Fatalf("unexpected endpoint %s", f.calls[0])
	}
	if !strings.HasPrefix(f.agents[0], "dropwatch/") {
		t.Fatalf("api calls should identify the client, got %q", f.agents[0])
	}
}

func TestAPISearchAppliesPolicy(t *testing.T) {
	t.Parallel()

	a, f := newAPI(func(target string) (*acquire.Response, error) {
		return htmlResponse(bestBuySearch), nil
	})
	recs, err := a.SearchProducts(context.Background(), "Pokémon booster")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(recs) != 1 || recs[0].ProductID != "222" || !recs[0].InStock {
		t.Fatalf("unexpected results: %+v", recs)
	}
	if !strings.Contains(f.calls[0], "products(search=pokemon&search=booster)") {
		t.Fatalf("unexpected search endpoint %s", f.calls[0])
	}
}

func TestAPINotFoundIsNotRetryable(t *testing.T) {
	t.Parallel()

	a, _ := newAPI(func(target string) (*acquire.Response, error) {
		return nil, domain.NewError(domain.KindNotFound, "best-buy", "fetch", errors.New("404"))
	})
	_, err := a.CheckAvailability(context.Background(), domain.AvailabilityRequest{SKU: "0"})
	if !errors.Is(err, domain.ErrNotFound) || domain.IsRetryable(err) {
		t.Fatalf("expected non-retryable NOT_FOUND, got %v", err)
	}
}

func TestInstrumentRecordsEveryCall(t *testing.T) {
	t.Parallel()

	calls := 0
	a, _ := newAPI(func(target string) (*acquire.Response, error) {
		calls++
		if calls == 1 {
			return htmlResponse(bestBuyProduct), nil
		}
		return nil, domain.NewError(domain.KindServerError, "best-buy", "fetch", errors.New("502"))
	})
	mon := health.NewMonitor(health.Options{Window: 10, MinSample: 5}, zerolog.Nop())
	wrapped := Instrument(a, mon)

	_, _ = wrapped.CheckAvailability(context.Background(), domain.AvailabilityRequest{SKU: "6543210"})
	_, _ = wrapped.CheckAvailability(context.Background(), domain.AvailabilityRequest{SKU: "6543210"})
	_ = wrapped.HealthCheck(context.Background())

	st, ok := mon.State("best-buy")
	if !ok || st.Total != 3 || st.Successful != 1 {
		t.Fatalf("unexpected health state %+v", st)
	}
	if st.Class != acquire.ClassAPI {
		t.Fatalf("class not recorded: %s", st.Class)
	}
}

func TestInstrumentExcludesPacingFromLatency(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/p/") {
			fmt.Fprint(w, productPage)
			return
		}
		fmt.Fprint(w, searchPage)
	}))
	defer srv.Close()

	site := testScrapeSite()
	site.BaseURL = srv.URL
	fetcher := acquire.NewFetcher(acquire.FetcherOptions{RequestTimeout: 5 * time.Second}, nil, nil, nil, zerolog.Nop())
	interval := fetcher.Register(site.Slug, acquire.ClassScrape, 200)
	mon := health.NewMonitor(health.Options{Window: 10, MinSample: 1}, zerolog.Nop())
	wrapped := Instrument(NewScrapeAdapter(site, Deps{Fetcher: fetcher, Logger: zerolog.Nop(), Now: func() time.Time { return testNow }}), mon)

	// 每次 check 是搜索页加详情页两个请求，后面的请求都要等 interval
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := wrapped.CheckAvailability(context.Background(), domain.AvailabilityRequest{ProductID: "p1", Query: "Scarlet Violet Booster Box"}); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 4*interval {
		t.Fatalf("requests were not paced: %s for 6 requests at %s", elapsed, interval)
	}

	st, ok := mon.State(site.Slug)
	if !ok || st.Total != 3 || st.Successful != 3 {
		t.Fatalf("unexpected health state %+v", st)
	}
	if st.AvgLatency >= interval/2 {
		t.Fatalf("avg latency %s includes politeness waits (interval %s)", st.AvgLatency, interval)
	}
	if st.Circuit != health.CircuitClosed || !st.Healthy {
		t.Fatalf("fast paced site should stay healthy: %+v", st)
	}
}

func TestInstrumentFallsBackToWallTime(t *testing.T) {
	t.Parallel()

	a, _ := newAPI(func(target string) (*acquire.Response, error) {
		time.Sleep(20 * time.Millisecond)
		return htmlResponse(bestBuyProduct), nil
	})
	mon := health.NewMonitor(health.Options{Window: 10, MinSample: 1}, zerolog.Nop())
	if _, err := Instrument(a, mon).CheckAvailability(context.Background(), domain.AvailabilityRequest{SKU: "6543210"}); err != nil {
		t.Fatal(err)
	}
	st, _ := mon.State("best-buy")
	if st.AvgLatency < 20*time.Millisecond {
		t.Fatalf("unmetered fetcher should record wall time, got %s", st.AvgLatency)
	}
}

type nopRegistrar struct{ seen map[string]int }

func (r *nopRegistrar) Register(identity string, class acquire.Class, rpm int) time.Duration {
	r.seen[identity] = rpm
	return time.Second
}

func TestRegistryOverrides(t *testing.T) {
	t.Parallel()

	off := false
	reg := &nopRegistrar{seen: map[string]int{}}
	r := NewRegistry(map[string]Override{
		"walmart": {Enabled: &off},
		"target":  {RequestsPerMinute: 4},
	}, Deps{Fetcher: &fakeFetcher{}, Logger: zerolog.Nop()}, reg, health.NewMonitor(health.Options{}, zerolog.Nop()))

	if _, ok := r.Get("walmart"); ok {
		t.Fatal("disabled retailer should be absent")
	}
	want := []string{"best-buy", "gamestop", "pokemon-center", "target"}
	if got := r.Slugs(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected slugs %v", got)
	}
	if reg.seen["target"] != 4 {
		t.Fatalf("rpm override not registered: %v", reg.seen)
	}
	a, _ := r.Get("best-buy")
	if a.Class() != acquire.ClassAPI {
		t.Fatal("best-buy should be api-backed")
	}
	rows := r.Retailers()
	if len(rows) != 4 || rows[0].Slug != "best-buy" || rows[0].Kind != domain.RetailerAPI || rows[0].Name == "" {
		t.Fatalf("unexpected catalog rows %+v", rows)
	}
}
