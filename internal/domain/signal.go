package domain

import "time"

// SignalType enumerates observed facts recorded in the signal log.
type SignalType string

const (
	SignalURLSeen      SignalType = "url_seen"
	SignalURLLive      SignalType = "url_live"
	SignalPricePresent SignalType = "price_present"
	SignalInStock      SignalType = "in_stock"
	SignalStatusChange SignalType = "status_change"
)

// AllSignalTypes lists every signal type in a stable order.
var AllSignalTypes = []SignalType{
	SignalURLSeen,
	SignalURLLive,
	SignalPricePresent,
	SignalInStock,
	SignalStatusChange,
}

// SignalEvent is one append-only observation.
type SignalEvent struct {
	ID         int64
	ProductID  string
	RetailerID string
	Type       SignalType
	ObservedAt time.Time
}

// AvailabilitySnapshot is a persisted copy of a single adapter observation.
type AvailabilitySnapshot struct {
	ProductID  string
	RetailerID string
	InStock    bool
	Status     Status
	Price      string
	ObservedAt time.Time
}

// SnapshotFromRecord projects a record into its stored snapshot form.
func SnapshotFromRecord(rec AvailabilityRecord) AvailabilitySnapshot {
	snap := AvailabilitySnapshot{
		ProductID:  rec.ProductID,
		RetailerID: rec.RetailerID,
		InStock:    rec.InStock,
		Status:     rec.Status,
		ObservedAt: rec.LastUpdated.UTC(),
	}
	if rec.Price != nil {
		snap.Price = rec.Price.StringFixed(2)
	}
	return snap
}
