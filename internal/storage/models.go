package storage

import (
	"time"

	"dropwatch/internal/domain"
)

// SignalFilter narrows signal listings. Zero values mean "any".
type SignalFilter struct {
	ProductID  string
	RetailerID string
	Types      []domain.SignalType
	Since      time.Time
	Until      time.Time
	AfterID    int64
	Limit      int

	// ByID orders by id instead of observation time, for paging with AfterID.
	ByID bool

	// Newest orders by observation time descending, so Limit keeps the most recent rows.
	Newest bool
}

func (f SignalFilter) matches(ev domain.SignalEvent) bool {
	if f.ProductID != "" && ev.ProductID != f.ProductID {
		return false
	}
	if f.RetailerID != "" && ev.RetailerID != f.RetailerID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && ev.ObservedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !ev.ObservedAt.Before(f.Until) {
		return false
	}
	return ev.ID > f.AfterID
}

func (f SignalFilter) typeNames() []string {
	out := make([]string, len(f.Types))
	for i, t := range f.Types {
		out[i] = string(t)
	}
	return out
}

// AvailabilityRatio summarises stored snapshots for a pair.
type AvailabilityRatio struct {
	InStock int
	Total   int
}

// Ratio returns the in-stock share, zero when nothing was observed.
func (r AvailabilityRatio) Ratio() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.InStock) / float64(r.Total)
}
