package signals

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dropwatch/internal/domain"
	"dropwatch/internal/storage"
)

// Bus persists published signal events and fans them out to typed subscribers.
// Producers never call consumers directly.
type Bus struct {
	in     chan domain.SignalEvent
	store  storage.SignalStore
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[domain.SignalType][]*subscription
	closed bool

	published atomic.Uint64
	persisted atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

type subscription struct {
	ch chan domain.SignalEvent

	// blocking 订阅者施加背压，bus 等它收下事件
	blocking bool
}

// Stats are the bus counters.
type Stats struct {
	Published uint64
	Persisted uint64
	Failed    uint64
	Dropped   uint64
}

// NewBus builds a bus with an input buffer of buf events.
func NewBus(store storage.SignalStore, buf int, logger zerolog.Logger) *Bus {
	if buf <= 0 {
		buf = 256
	}
	return &Bus{
		in:     make(chan domain.SignalEvent, buf),
		store:  store,
		logger: logger.With().Str("component", "signal_bus").Logger(),
		subs:   make(map[domain.SignalType][]*subscription),
	}
}

// Publish enqueues an event, waiting for buffer space until ctx is done.
func (b *Bus) Publish(ctx context.Context, ev domain.SignalEvent) error {
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now().UTC()
	}
	select {
	case b.in <- ev:
		b.published.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel receiving persisted events of the given types (all types when
// none are given). A subscriber that falls behind loses events rather than stalling the bus.
func (b *Bus) Subscribe(buf int, types ...domain.SignalType) <-chan domain.SignalEvent {
	return b.subscribe(buf, false, types)
}

// SubscribeBlocking is Subscribe for consumers that must see every event: when its buffer is
// full the bus waits for the consumer instead of dropping, which slows persistence and
// eventually Publish. The consumer must keep reading until the channel is closed, which
// happens once Run has drained and returned. Only the bounded shutdown drain can drop.
func (b *Bus) SubscribeBlocking(buf int, types ...domain.SignalType) <-chan domain.SignalEvent {
	return b.subscribe(buf, true, types)
}

func (b *Bus) subscribe(buf int, blocking bool, types []domain.SignalType) <-chan domain.SignalEvent {
	if buf <= 0 {
		buf = 64
	}
	if len(types) == 0 {
		types = domain.AllSignalTypes
	}
	sub := &subscription{ch: make(chan domain.SignalEvent, buf), blocking: blocking}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	for _, t := range types {
		b.subs[t] = append(b.subs[t], sub)
	}
	return sub.ch
}

// Run consumes published events until ctx is cancelled, then drains what is already
// buffered and closes every subscription.
func (b *Bus) Run(ctx context.Context) error {
	defer b.closeSubscribers()

	stats := time.NewTicker(time.Minute)
	defer stats.Stop()

	// 已出队的事件要写完并交付，取消只结束循环
	work := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			b.drain()
			return ctx.Err()
		case <-stats.C:
			s := b.Stats()
			b.logger.Debug().
				Uint64("published", s.Published).
				Uint64("persisted", s.Persisted).
				Uint64("failed", s.Failed).
				Uint64("dropped", s.Dropped).
				Msg("signal bus stats")
		case ev := <-b.in:
			b.handle(work, ev)
		}
	}
}

// Stats returns a copy of the counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Persisted: b.persisted.Load(),
		Failed:    b.failed.Load(),
		Dropped:   b.dropped.Load(),
	}
}

func (b *Bus) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-b.in:
			b.handle(ctx, ev)
		default:
			return
		}
	}
}

func (b *Bus) handle(ctx context.Context, ev domain.SignalEvent) {
	if b.store != nil {
		stored, err := b.store.RecordSignal(ctx, ev)
		if err != nil {
			b.failed.Add(1)
			b.logger.Error().Err(err).
				Str("product", ev.ProductID).
				Str("retailer", ev.RetailerID).
				Str("type", string(ev.Type)).
				Msg("persist signal failed")
		} else {
			b.persisted.Add(1)
			ev = stored
		}
	}
	b.fanout(ctx, ev)
}

func (b *Bus) fanout(ctx context.Context, ev domain.SignalEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[ev.Type] {
		if sub.blocking {
			select {
			case sub.ch <- ev:
			case <-ctx.Done():
				b.dropped.Add(1)
				b.logger.Warn().
					Str("product", ev.ProductID).
					Str("retailer", ev.RetailerID).
					Str("type", string(ev.Type)).
					Msg("blocking subscriber did not accept event before shutdown")
			}
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) closeSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[*subscription]struct{})
	for _, list := range b.subs {
		for _, sub := range list {
			if _, ok := seen[sub]; ok {
				continue
			}
			seen[sub] = struct{}{}
			close(sub.ch)
		}
	}
}
