package signals

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dropwatch/internal/domain"
	"dropwatch/internal/storage"
)

type capture struct {
	mu     sync.Mutex
	events []domain.SignalEvent
}

func (c *capture) Publish(ctx context.Context, ev domain.SignalEvent) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *capture) types() []domain.SignalType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.SignalType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	c.events = nil
	return out
}

func equalTypes(a, b []domain.SignalType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestObserverEdgeTriggered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &capture{}
	mem := storage.NewMemory()
	obs := NewObserver(pub, mem, zerolog.Nop())
	base := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	price := decimal.NewFromFloat(49.99)

	rec := domain.AvailabilityRecord{ProductID: "p1", RetailerID: "target", ProductURL: "https://x/p/1", Status: domain.StatusOutOfStock, LastUpdated: base}
	_, _ = obs.Observe(ctx, rec)
	if got := pub.types(); !equalTypes(got, []domain.SignalType{domain.SignalURLSeen, domain.SignalURLLive}) {
		t.Fatalf("first observation: %v", got)
	}

	rec.LastUpdated = base.Add(time.Minute)
	_, _ = obs.Observe(ctx, rec)
	if got := pub.types(); len(got) != 0 {
		t.Fatalf("unchanged record should be silent, got %v", got)
	}

	rec.InStock, rec.Status, rec.Price = true, domain.StatusInStock, &price
	rec.LastUpdated = base.Add(2 * time.Minute)
	_, _ = obs.Observe(ctx, rec)
	want := []domain.SignalType{domain.SignalPricePresent, domain.SignalInStock, domain.SignalStatusChange}
	if got := pub.types(); !equalTypes(got, want) {
		t.Fatalf("restock: got %v want %v", got, want)
	}

	times, _ := mem.ListInStockTimes(ctx, "p1", "target", base, 10)
	if len(times) != 1 || !times[0].Equal(base.Add(2*time.Minute)) {
		t.Fatalf("snapshots not recorded: %v", times)
	}
}

func TestBusPersistsAndFansOut(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	bus := NewBus(mem, 16, zerolog.Nop())
	inStock := bus.Subscribe(4, domain.SignalInStock)
	all := bus.Subscribe(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = bus.Run(ctx)
		close(done)
	}()

	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	_ = bus.Publish(ctx, domain.SignalEvent{ProductID: "p", RetailerID: "r", Type: domain.SignalURLLive, ObservedAt: at})
	_ = bus.Publish(ctx, domain.SignalEvent{ProductID: "p", RetailerID: "r", Type: domain.SignalInStock, ObservedAt: at})

	ev := <-inStock
	if ev.Type != domain.SignalInStock || ev.ID == 0 {
		t.Fatalf("expected persisted in_stock event, got %+v", ev)
	}
	first := <-all
	second := <-all
	if first.Type != domain.SignalURLLive || second.Type != domain.SignalInStock {
		t.Fatalf("unexpected fan-out order %v %v", first.Type, second.Type)
	}

	cancel()
	<-done
	if _, ok := <-inStock; ok {
		t.Fatal("subscription should be closed after Run returns")
	}
	stored, _ := mem.ListSignals(context.Background(), storage.SignalFilter{})
	if len(stored) != 2 || bus.Stats().Persisted != 2 {
		t.Fatalf("expected 2 persisted events, got %d", len(stored))
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil, 16, zerolog.Nop())
	_ = bus.Subscribe(1, domain.SignalInStock)
	for i := 0; i < 3; i++ {
		bus.handle(context.Background(), domain.SignalEvent{Type: domain.SignalInStock})
	}
	if bus.Stats().Dropped != 2 {
		t.Fatalf("expected 2 dropped events, got %d", bus.Stats().Dropped)
	}
}

type slowOutcomes struct {
	*storage.Memory
	delay time.Duration
}

func (s slowOutcomes) RecordFirstInStock(ctx context.Context, productID, retailerID string, at time.Time) (domain.DropOutcome, error) {
	time.Sleep(s.delay)
	return s.Memory.RecordFirstInStock(ctx, productID, retailerID, at)
}

func TestBlockingSubscriberReceivesEveryEvent(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	bus := NewBus(mem, 4, zerolog.Nop())
	events := bus.SubscribeBlocking(1, RecorderTypes...)
	rec := NewRecorder(slowOutcomes{Memory: mem, delay: 2 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	busDone := make(chan struct{})
	go func() {
		_ = bus.Run(ctx)
		close(busDone)
	}()
	recDone := make(chan struct{})
	go func() {
		rec.Run(context.Background(), events)
		close(recDone)
	}()

	const n = 60
	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ev := domain.SignalEvent{ProductID: fmt.Sprintf("p%02d", i), RetailerID: "walmart", Type: domain.SignalInStock, ObservedAt: at}
		if err := bus.Publish(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	cancel()
	<-busDone
	<-recDone

	if d := bus.Stats().Dropped; d != 0 {
		t.Fatalf("expected no dropped events, got %d", d)
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("p%02d", i)
		o, ok, err := mem.GetOutcome(context.Background(), id, "walmart", at)
		if err != nil || !ok || o.FirstInStockAt == nil {
			t.Fatalf("in_stock for %s was lost: ok=%v err=%v", id, ok, err)
		}
	}
}

func TestRecorderBuildsOutcome(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := storage.NewMemory()
	rec := NewRecorder(mem, zerolog.Nop())
	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	events := make(chan domain.SignalEvent, 4)
	events <- domain.SignalEvent{ProductID: "p1", RetailerID: "r1", Type: domain.SignalURLLive, ObservedAt: at}
	events <- domain.SignalEvent{ProductID: "p1", RetailerID: "r1", Type: domain.SignalPricePresent, ObservedAt: at}
	events <- domain.SignalEvent{ProductID: "p1", RetailerID: "r1", Type: domain.SignalInStock, ObservedAt: at.Add(300 * time.Second)}
	close(events)
	rec.Run(ctx, events)

	o, ok, err := mem.GetOutcome(ctx, "p1", "r1", at)
	if err != nil || !ok {
		t.Fatalf("outcome missing: %v", err)
	}
	if o.BuyWindowSeconds == nil || *o.BuyWindowSeconds != 300 || !o.Success {
		t.Fatalf("unexpected outcome %+v", o)
	}
}
