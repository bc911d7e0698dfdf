package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"dropwatch/internal/domain"
)

// Memory implements Repository in process memory, for DSN-less runs and tests.
type Memory struct {
	mu        sync.RWMutex
	signals   []domain.SignalEvent
	nextID    int64
	snapshots []domain.AvailabilitySnapshot
	retailers map[string]domain.Retailer
	products  map[string]domain.Product

	outcomeMu sync.Mutex
	outcomes  map[pairKey][]*domain.DropOutcome
	pairLocks map[pairKey]*sync.Mutex
	outcomeID int64

	lockMu sync.Mutex
	locks  map[int64]bool
}

type pairKey struct {
	product  string
	retailer string
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		retailers: make(map[string]domain.Retailer),
		products:  make(map[string]domain.Product),
		outcomes:  make(map[pairKey][]*domain.DropOutcome),
		pairLocks: make(map[pairKey]*sync.Mutex),
		locks:     make(map[int64]bool),
	}
}

func (m *Memory) Close() {}

// TryAdvisoryLock emulates a session advisory lock within this process.
func (m *Memory) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	return func() {
		m.lockMu.Lock()
		delete(m.locks, key)
		m.lockMu.Unlock()
	}, true, nil
}

func (m *Memory) RecordSignal(ctx context.Context, ev domain.SignalEvent) (domain.SignalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ev.ID = m.nextID
	ev.ObservedAt = ev.ObservedAt.UTC()
	m.signals = append(m.signals, ev)
	return ev, nil
}

func (m *Memory) ListSignals(ctx context.Context, filter SignalFilter) ([]domain.SignalEvent, error) {
	m.mu.RLock()
	out := make([]domain.SignalEvent, 0)
	for _, ev := range m.signals {
		if filter.matches(ev) {
			out = append(out, ev)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if filter.ByID || out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	if filter.Newest && !filter.ByID {
		slices.Reverse(out)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) CountSignals(ctx context.Context, filter SignalFilter) (map[domain.SignalType]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[domain.SignalType]int)
	for _, ev := range m.signals {
		if filter.matches(ev) {
			counts[ev.Type]++
		}
	}
	return counts, nil
}

func (m *Memory) RecordFirstSeen(ctx context.Context, productID, retailerID string, at time.Time) (domain.DropOutcome, error) {
	return m.applyOutcome(productID, retailerID, at, domain.SeenLookback, func(o *domain.DropOutcome) { o.ApplySeen(at) })
}

func (m *Memory) RecordFirstInStock(ctx context.Context, productID, retailerID string, at time.Time) (domain.DropOutcome, error) {
	return m.applyOutcome(productID, retailerID, at, domain.InStockLookback, func(o *domain.DropOutcome) { o.ApplyInStock(at) })
}

func (m *Memory) applyOutcome(productID, retailerID string, at time.Time, lookback time.Duration, apply func(*domain.DropOutcome)) (domain.DropOutcome, error) {
	key := pairKey{productID, retailerID}
	lock := m.pairLock(key)
	lock.Lock()
	defer lock.Unlock()

	at = at.UTC()
	m.outcomeMu.Lock()
	target := latestCovering(m.outcomes[key], at, lookback)
	m.outcomeMu.Unlock()

	if target != nil {
		apply(target)
		return *target, nil
	}

	o := domain.NewDropOutcome(productID, retailerID, at)
	apply(&o)
	m.outcomeMu.Lock()
	m.outcomeID++
	o.ID = m.outcomeID
	m.outcomes[key] = append(m.outcomes[key], &o)
	m.outcomeMu.Unlock()
	return o, nil
}

func (m *Memory) pairLock(key pairKey) *sync.Mutex {
	m.outcomeMu.Lock()
	defer m.outcomeMu.Unlock()
	l, ok := m.pairLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.pairLocks[key] = l
	}
	return l
}

func latestCovering(list []*domain.DropOutcome, at time.Time, lookback time.Duration) *domain.DropOutcome {
	var best *domain.DropOutcome
	for _, o := range list {
		if !o.Covers(at, lookback) {
			continue
		}
		if best == nil || o.DropAt.After(best.DropAt) {
			best = o
		}
	}
	return best
}

func (m *Memory) GetOutcome(ctx context.Context, productID, retailerID string, at time.Time) (domain.DropOutcome, bool, error) {
	key := pairKey{productID, retailerID}
	lock := m.pairLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.outcomeMu.Lock()
	defer m.outcomeMu.Unlock()
	if o := latestCovering(m.outcomes[key], at.UTC(), domain.InStockLookback); o != nil {
		return *o, true, nil
	}
	return domain.DropOutcome{}, false, nil
}

func (m *Memory) ListRecentOutcomes(ctx context.Context, limit int) ([]domain.DropOutcome, error) {
	// Outcome pointers are only mutated under their pair lock, so copy each under it.
	m.outcomeMu.Lock()
	keys := make([]pairKey, 0, len(m.outcomes))
	for k := range m.outcomes {
		keys = append(keys, k)
	}
	m.outcomeMu.Unlock()

	out := make([]domain.DropOutcome, 0)
	for _, k := range keys {
		lock := m.pairLock(k)
		lock.Lock()
		m.outcomeMu.Lock()
		for _, o := range m.outcomes[k] {
			out = append(out, *o)
		}
		m.outcomeMu.Unlock()
		lock.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DropAt.After(out[j].DropAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecordSnapshot(ctx context.Context, snap domain.AvailabilitySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.ObservedAt = snap.ObservedAt.UTC()
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func (m *Memory) ListInStockTimes(ctx context.Context, productID, retailerID string, since time.Time, limit int) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]time.Time, 0)
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		s := m.snapshots[i]
		if s.ProductID != productID || s.RetailerID != retailerID || !s.InStock || s.ObservedAt.Before(since) {
			continue
		}
		out = append(out, s.ObservedAt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) AvailabilityRatio(ctx context.Context, productID, retailerID string, since time.Time) (AvailabilityRatio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var r AvailabilityRatio
	for _, s := range m.snapshots {
		if s.RetailerID != retailerID || s.ObservedAt.Before(since) {
			continue
		}
		if productID != "" && s.ProductID != productID {
			continue
		}
		r.Total++
		if s.InStock {
			r.InStock++
		}
	}
	return r, nil
}

func (m *Memory) Retailer(ctx context.Context, slug string) (domain.Retailer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.retailers {
		if r.Slug == slug {
			return r, nil
		}
	}
	return domain.Retailer{}, ErrNotFound
}

func (m *Memory) ActiveRetailers(ctx context.Context) ([]domain.Retailer, error) {
	m.mu.RLock()
	out := make([]domain.Retailer, 0, len(m.retailers))
	for _, r := range m.retailers {
		if r.Active {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *Memory) TopProducts(ctx context.Context, n int) ([]domain.Product, error) {
	m.mu.RLock()
	out := make([]domain.Product, 0, len(m.products))
	for _, p := range m.products {
		if p.Active {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Popularity != out[j].Popularity {
			return out[i].Popularity > out[j].Popularity
		}
		return out[i].ID < out[j].ID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) UpsertRetailer(ctx context.Context, r domain.Retailer) error {
	if r.ID == "" {
		r.ID = r.Slug
	}
	m.mu.Lock()
	m.retailers[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) UpsertProduct(ctx context.Context, p domain.Product) error {
	m.mu.Lock()
	m.products[p.ID] = p
	m.mu.Unlock()
	return nil
}
