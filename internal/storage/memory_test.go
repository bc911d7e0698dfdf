package storage

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"dropwatch/internal/domain"
)

func TestRecordBuyWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	if _, err := m.RecordFirstSeen(ctx, "p1", "r1", base); err != nil {
		t.Fatal(err)
	}
	o, err := m.RecordFirstInStock(ctx, "p1", "r1", base.Add(300*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if o.BuyWindowSeconds == nil || *o.BuyWindowSeconds != 300 {
		t.Fatalf("expected 300s buy window, got %v", o.BuyWindowSeconds)
	}
	if !o.Success || !o.DropAt.Equal(base) {
		t.Fatalf("unexpected outcome %+v", o)
	}

	got, ok, err := m.GetOutcome(ctx, "p1", "r1", base)
	if err != nil || !ok || got.ID != o.ID {
		t.Fatalf("get outcome: %+v %v %v", got, ok, err)
	}
}

func TestOutcomeOrderAndDuplicationIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	type call struct {
		seen bool
		at   time.Time
	}
	calls := []call{
		{true, base.Add(10 * time.Minute)},
		{true, base.Add(2 * time.Minute)},
		{false, base.Add(30 * time.Minute)},
		{false, base.Add(12 * time.Minute)},
		{true, base.Add(2 * time.Minute)},
		{false, base.Add(12 * time.Minute)},
		{true, base.Add(45 * time.Minute)},
	}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		m := NewMemory()
		order := rng.Perm(len(calls))
		var last domain.DropOutcome
		for _, idx := range order {
			c := calls[idx]
			var err error
			if c.seen {
				last, err = m.RecordFirstSeen(ctx, "p", "r", c.at)
			} else {
				last, err = m.RecordFirstInStock(ctx, "p", "r", c.at)
			}
			if err != nil {
				t.Fatal(err)
			}
		}
		if !last.FirstSeenAt.Equal(base.Add(2 * time.Minute)) {
			t.Fatalf("order %v: first seen %v", order, last.FirstSeenAt)
		}
		if !last.FirstInStockAt.Equal(base.Add(12 * time.Minute)) {
			t.Fatalf("order %v: first in stock %v", order, last.FirstInStockAt)
		}
		if *last.BuyWindowSeconds != 600 {
			t.Fatalf("order %v: buy window %d", order, *last.BuyWindowSeconds)
		}
		all, _ := m.ListRecentOutcomes(ctx, 10)
		if len(all) != 1 {
			t.Fatalf("order %v: expected one occurrence, got %d", order, len(all))
		}
	}
}

func TestOutcomeConcurrentWriters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := base.Add(time.Duration(i) * time.Minute)
			if i%2 == 0 {
				_, _ = m.RecordFirstSeen(ctx, "p", "r", at)
			} else {
				_, _ = m.RecordFirstInStock(ctx, "p", "r", at)
			}
		}(i)
	}
	wg.Wait()

	o, ok, _ := m.GetOutcome(ctx, "p", "r", base)
	if !ok {
		t.Fatal("outcome missing")
	}
	if !o.FirstSeenAt.Equal(base) || !o.FirstInStockAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("earliest wins violated: %+v", o)
	}
}

func TestOutcomeNewOccurrenceOutsideLookback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	first, _ := m.RecordFirstSeen(ctx, "p", "r", base)
	second, _ := m.RecordFirstSeen(ctx, "p", "r", base.Add(5*24*time.Hour))
	if first.ID == second.ID {
		t.Fatal("a signal days later should open a new occurrence")
	}
	recent, _ := m.ListRecentOutcomes(ctx, 1)
	if len(recent) != 1 || recent[0].ID != second.ID {
		t.Fatalf("expected newest occurrence first, got %+v", recent)
	}
}

func TestOutcomeChainsLongerThanLookback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	stamps := []time.Time{base, base.Add(40 * time.Hour), base.Add(80 * time.Hour)}

	record := func(order []int) []domain.DropOutcome {
		m := NewMemory()
		for _, i := range order {
			if _, err := m.RecordFirstSeen(ctx, "p", "r", stamps[i]); err != nil {
				t.Fatal(err)
			}
		}
		all, _ := m.ListRecentOutcomes(ctx, 10)
		return all
	}

	// 按时间顺序到达：T+80h 距 T 超过 48h，开新 occurrence
	forward := record([]int{0, 1, 2})
	if len(forward) != 2 || !forward[0].DropAt.Equal(stamps[2]) || !forward[1].FirstSeenAt.Equal(base) {
		t.Fatalf("in-order chain should split at the lookback, got %+v", forward)
	}

	// 倒序到达：每一步都在上一个 drop_at 的 48h 内，合并成一次 occurrence
	reverse := record([]int{2, 1, 0})
	if len(reverse) != 1 || !reverse[0].FirstSeenAt.Equal(base) || !reverse[0].DropAt.Equal(base) {
		t.Fatalf("reverse chain should collapse into one occurrence, got %+v", reverse)
	}

	// 两种顺序下包含 T 的 occurrence 都以 T 为 first seen
	for _, got := range [][]domain.DropOutcome{forward, reverse} {
		o := got[len(got)-1]
		if !o.FirstSeenAt.Equal(base) {
			t.Fatalf("earliest seen lost: %+v", o)
		}
	}
}

func TestSignalsFilterAndCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	events := []domain.SignalEvent{
		{ProductID: "p1", RetailerID: "best-buy", Type: domain.SignalURLLive, ObservedAt: base.Add(2 * time.Hour)},
		{ProductID: "p1", RetailerID: "best-buy", Type: domain.SignalInStock, ObservedAt: base},
		{ProductID: "p2", RetailerID: "best-buy", Type: domain.SignalURLLive, ObservedAt: base.Add(time.Hour)},
		{ProductID: "p1", RetailerID: "target", Type: domain.SignalPricePresent, ObservedAt: base},
	}
	for _, ev := range events {
		if _, err := m.RecordSignal(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := m.ListSignals(ctx, SignalFilter{RetailerID: "best-buy", Types: []domain.SignalType{domain.SignalURLLive, domain.SignalInStock}})
	if len(got) != 3 || got[0].Type != domain.SignalInStock || got[2].ProductID != "p1" {
		t.Fatalf("unexpected listing %+v", got)
	}
	limited, _ := m.ListSignals(ctx, SignalFilter{Since: base.Add(30 * time.Minute), Limit: 1})
	if len(limited) != 1 || limited[0].ProductID != "p2" {
		t.Fatalf("unexpected limited listing %+v", limited)
	}
	newest, _ := m.ListSignals(ctx, SignalFilter{RetailerID: "best-buy", Newest: true, Limit: 2})
	if len(newest) != 2 || !newest[0].ObservedAt.Equal(base.Add(2*time.Hour)) || newest[1].ProductID != "p2" {
		t.Fatalf("newest-first listing should keep the latest rows, got %+v", newest)
	}

	counts, _ := m.CountSignals(ctx, SignalFilter{ProductID: "p1"})
	if counts[domain.SignalURLLive] != 1 || counts[domain.SignalInStock] != 1 || counts[domain.SignalPricePresent] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestSnapshotsAndCatalog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_ = m.RecordSnapshot(ctx, domain.AvailabilitySnapshot{ProductID: "p1", RetailerID: "target", InStock: i%2 == 0, Status: domain.StatusInStock, ObservedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	times, _ := m.ListInStockTimes(ctx, "p1", "target", base, 10)
	if len(times) != 2 || !times[0].Equal(base.Add(2*time.Hour)) {
		t.Fatalf("unexpected in-stock times %v", times)
	}
	ratio, _ := m.AvailabilityRatio(ctx, "", "target", base)
	if ratio.Ratio() != 0.5 {
		t.Fatalf("expected ratio 0.5, got %v", ratio)
	}

	_ = m.UpsertRetailer(ctx, domain.Retailer{Slug: "target", Name: "Target", Kind: domain.RetailerScrape, Active: true})
	_ = m.UpsertProduct(ctx, domain.Product{ID: "a", Popularity: 1, Active: true})
	_ = m.UpsertProduct(ctx, domain.Product{ID: "b", Popularity: 9, Active: true})
	_ = m.UpsertProduct(ctx, domain.Product{ID: "c", Popularity: 99, Active: false})

	r, err := m.Retailer(ctx, "target")
	if err != nil || r.ID != "target" {
		t.Fatalf("retailer lookup: %+v %v", r, err)
	}
	if _, err := m.Retailer(ctx, "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	top, _ := m.TopProducts(ctx, 5)
	if len(top) != 2 || top[0].ID != "b" {
		t.Fatalf("unexpected top products %+v", top)
	}
}

func TestAdvisoryLockExclusive(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	unlock, ok, _ := m.TryAdvisoryLock(context.Background(), 42)
	if !ok {
		t.Fatal("first lock should succeed")
	}
	if _, ok, _ := m.TryAdvisoryLock(context.Background(), 42); ok {
		t.Fatal("second lock should fail")
	}
	unlock()
	if _, ok, _ := m.TryAdvisoryLock(context.Background(), 42); !ok {
		t.Fatal("lock should be free after unlock")
	}
}
