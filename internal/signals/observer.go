package signals

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"dropwatch/internal/domain"
	"dropwatch/internal/storage"
)

// Publisher accepts signal events; *Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, ev domain.SignalEvent) error
}

var _ Publisher = (*Bus)(nil)

type pair struct {
	product  string
	retailer string
}

type lastSeen struct {
	url     string
	live    bool
	priced  bool
	inStock bool
	status  domain.Status
}

// Observer turns successive availability records into signal events. Events are
// edge-triggered: each fires when its condition becomes true for a pair, so the log
// records transitions rather than scan cadence.
type Observer struct {
	pub       Publisher
	snapshots storage.SnapshotStore
	logger    zerolog.Logger

	mu   sync.Mutex
	last map[pair]lastSeen
}

// NewObserver builds an observer. snapshots may be nil.
func NewObserver(pub Publisher, snapshots storage.SnapshotStore, logger zerolog.Logger) *Observer {
	return &Observer{
		pub:       pub,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "observer").Logger(),
		last:      make(map[pair]lastSeen),
	}
}

// Observe compares rec with the previous record for its pair, publishes the resulting
// events and stores an availability snapshot.
func (o *Observer) Observe(ctx context.Context, rec domain.AvailabilityRecord) ([]domain.SignalEvent, error) {
	rec = rec.Normalize()
	key := pair{rec.ProductID, rec.RetailerID}
	at := rec.LastUpdated.UTC()

	cur := lastSeen{
		url:     rec.ProductURL,
		live:    rec.ProductURL != "" && rec.Status != domain.StatusDiscontinued,
		priced:  rec.HasPrice(),
		inStock: rec.InStock,
		status:  rec.Status,
	}

	o.mu.Lock()
	prev, seen := o.last[key]
	o.last[key] = cur
	o.mu.Unlock()

	var types []domain.SignalType
	if cur.url != "" && (!seen || prev.url != cur.url) {
		types = append(types, domain.SignalURLSeen)
	}
	if cur.live && (!seen || !prev.live) {
		types = append(types, domain.SignalURLLive)
	}
	if cur.priced && (!seen || !prev.priced) {
		types = append(types, domain.SignalPricePresent)
	}
	if cur.inStock && (!seen || !prev.inStock) {
		types = append(types, domain.SignalInStock)
	}
	if seen && prev.status != cur.status {
		types = append(types, domain.SignalStatusChange)
	}

	events := make([]domain.SignalEvent, 0, len(types))
	for _, t := range types {
		ev := domain.SignalEvent{ProductID: rec.ProductID, RetailerID: rec.RetailerID, Type: t, ObservedAt: at}
		if err := o.pub.Publish(ctx, ev); err != nil {
			return events, err
		}
		events = append(events, ev)
	}

	if o.snapshots != nil {
		if err := o.snapshots.RecordSnapshot(ctx, domain.SnapshotFromRecord(rec)); err != nil {
			o.logger.Warn().Err(err).Str("product", rec.ProductID).Str("retailer", rec.RetailerID).Msg("store snapshot failed")
		}
	}
	return events, nil
}
