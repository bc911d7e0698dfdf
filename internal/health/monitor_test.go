package health

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dropwatch/internal/acquire"
	"dropwatch/internal/domain"
)

func TestScrapeThresholdsLooserThanAPI(t *testing.T) {
	t.Parallel()

	api := ThresholdsFor(acquire.ClassAPI)
	scrape := ThresholdsFor(acquire.ClassScrape)
	if api.MinSuccessRate != 0.90 || api.MaxAvgLatency != 5*time.Second {
		t.Fatalf("unexpected api thresholds: %+v", api)
	}
	if scrape.MinSuccessRate != 0.80 || scrape.MaxAvgLatency != 10*time.Second {
		t.Fatalf("unexpected scrape thresholds: %+v", scrape)
	}
}

func TestCircuitOpensAndCloses(t *testing.T) {
	t.Parallel()

	m := NewMonitor(Options{Window: 10, MinSample: 5}, zerolog.Nop())
	fail := domain.NewError(domain.KindAuth, "best-buy", "check", errors.New("forbidden"))

	// 8/10 success is below the API bar.
	for i := 0; i < 8; i++ {
		m.Record("best-buy", acquire.ClassAPI, 100*time.Millisecond, nil)
	}
	for i := 0; i < 2; i++ {
		m.Record("best-buy", acquire.ClassAPI, 100*time.Millisecond, fail)
	}
	st, _ := m.State("best-buy")
	if st.Healthy || st.Circuit != CircuitOpen {
		t.Fatalf("expected open circuit, got %+v", st)
	}
	if st.LastErrorKind != domain.KindAuth {
		t.Fatalf("expected last error kind AUTH, got %s", st.LastErrorKind)
	}

	select {
	case tr := <-m.Transitions():
		if tr.From != CircuitClosed || tr.To != CircuitOpen {
			t.Fatalf("unexpected transition %+v", tr)
		}
	default:
		t.Fatal("expected a transition")
	}

	// The window rolls the failures out.
	for i := 0; i < 10; i++ {
		m.Record("best-buy", acquire.ClassAPI, 100*time.Millisecond, nil)
	}
	st, _ = m.State("best-buy")
	if !st.Healthy || st.Circuit != CircuitClosed {
		t.Fatalf("expected recovery, got %+v", st)
	}
	if st.Total != 20 || st.Successful != 18 {
		t.Fatalf("lifetime counters wrong: %+v", st)
	}
	tr := <-m.Transitions()
	if tr.To != CircuitClosed {
		t.Fatalf("expected close transition, got %+v", tr)
	}
}

func TestScrapeToleratesEightyPercent(t *testing.T) {
	t.Parallel()

	m := NewMonitor(Options{Window: 10, MinSample: 5}, zerolog.Nop())
	for i := 0; i < 10; i++ {
		var err error
		if i%5 == 0 {
			err = domain.NewError(domain.KindServerError, "target", "search", nil)
		}
		m.Record("target", acquire.ClassScrape, time.Second, err)
	}
	st, _ := m.State("target")
	if !st.Healthy {
		t.Fatalf("80%% success should be healthy for scraping: %+v", st)
	}
}

func TestNotFoundCountsAsSuccess(t *testing.T) {
	t.Parallel()

	m := NewMonitor(Options{Window: 10, MinSample: 1}, zerolog.Nop())
	for i := 0; i < 5; i++ {
		m.Record("walmart", acquire.ClassScrape, time.Second, domain.NewError(domain.KindNotFound, "walmart", "check", nil))
	}
	st, _ := m.State("walmart")
	if st.SuccessRate != 1 || !st.Healthy {
		t.Fatalf("not found should not hurt health: %+v", st)
	}
}

func TestLatencyThreshold(t *testing.T) {
	t.Parallel()

	m := NewMonitor(Options{Window: 10, MinSample: 5}, zerolog.Nop())
	for i := 0; i < 5; i++ {
		m.Record("best-buy", acquire.ClassAPI, 6*time.Second, nil)
	}
	st, _ := m.State("best-buy")
	if st.Healthy {
		t.Fatalf("6s average latency should be unhealthy for an api adapter: %+v", st)
	}
}

func TestMinSampleAndSnapshotOrder(t *testing.T) {
	t.Parallel()

	m := NewMonitor(Options{Window: 10, MinSample: 5}, zerolog.Nop())
	m.Register("walmart", acquire.ClassScrape)
	m.Record("target", acquire.ClassScrape, time.Second, errors.New("boom"))

	snap := m.Snapshot()
	if len(snap) != 2 || snap[0].Adapter != "target" || snap[1].Adapter != "walmart" {
		t.Fatalf("snapshot should be sorted: %+v", snap)
	}
	if !snap[0].Healthy {
		t.Fatal("one failure is below the minimum sample and must not open the circuit")
	}
}

func TestTransitionsNeverBlock(t *testing.T) {
	t.Parallel()

	m := NewMonitor(Options{Window: 1, MinSample: 1, Buffer: 1}, zerolog.Nop())
	for i := 0; i < 6; i++ {
		var err error
		if i%2 == 0 {
			err = errors.New("flap")
		}
		m.Record("gamestop", acquire.ClassScrape, time.Millisecond, err)
	}
	if m.Dropped() == 0 {
		t.Fatal("expected dropped transitions with a full buffer")
	}
}
