package domain

import "time"

const (
	// SeenLookback bounds how far back a first-seen signal attaches to an existing occurrence.
	SeenLookback = 48 * time.Hour
	// InStockLookback bounds how far back an in-stock signal attaches to an existing occurrence.
	InStockLookback = 72 * time.Hour
)

// DropOutcome is one inferred purchase opportunity for a product at a retailer.
//
// Updates are monotonic: every timestamp only moves earlier. SeenInferred marks a
// first-seen value that was borrowed from an in-stock signal; a real first-seen
// signal replaces it so that the final state does not depend on arrival order.
type DropOutcome struct {
	ID               int64
	ProductID        string
	RetailerID       string
	DropAt           time.Time
	FirstSeenAt      *time.Time
	SeenInferred     bool
	FirstInStockAt   *time.Time
	BuyWindowSeconds *int64
	Success          bool
	UpdatedAt        time.Time
}

// NewDropOutcome starts an occurrence anchored at the first relevant signal.
func NewDropOutcome(productID, retailerID string, at time.Time) DropOutcome {
	at = at.UTC()
	return DropOutcome{ProductID: productID, RetailerID: retailerID, DropAt: at}
}

// ApplySeen folds a first-seen observation into the outcome.
func (o *DropOutcome) ApplySeen(at time.Time) {
	at = at.UTC()
	switch {
	case o.FirstSeenAt == nil, o.SeenInferred:
		o.FirstSeenAt = timePtr(at)
		o.SeenInferred = false
	case at.Before(*o.FirstSeenAt):
		o.FirstSeenAt = timePtr(at)
	}
	o.touch(at)
}

// ApplyInStock folds a first-in-stock observation into the outcome.
func (o *DropOutcome) ApplyInStock(at time.Time) {
	at = at.UTC()
	if o.FirstInStockAt == nil || at.Before(*o.FirstInStockAt) {
		o.FirstInStockAt = timePtr(at)
	}
	if o.FirstSeenAt == nil {
		o.FirstSeenAt = timePtr(at)
		o.SeenInferred = true
	} else if o.SeenInferred && at.Before(*o.FirstSeenAt) {
		o.FirstSeenAt = timePtr(at)
	}
	o.Success = true
	o.touch(at)
}

// BuyWindow returns the recorded buy window, if both ends are known.
func (o DropOutcome) BuyWindow() (time.Duration, bool) {
	if o.BuyWindowSeconds == nil {
		return 0, false
	}
	return time.Duration(*o.BuyWindowSeconds) * time.Second, true
}

func (o *DropOutcome) touch(at time.Time) {
	if o.DropAt.IsZero() || at.Before(o.DropAt) {
		o.DropAt = at
	}
	if o.FirstSeenAt != nil && o.FirstInStockAt != nil {
		secs := int64(o.FirstInStockAt.Sub(*o.FirstSeenAt) / time.Second)
		if secs < 0 {
			secs = 0
		}
		o.BuyWindowSeconds = &secs
	}
	o.UpdatedAt = time.Now().UTC()
}

// Covers reports whether an observation at t belongs to this occurrence given the lookback.
// The window is symmetric around t so a late-delivered earlier observation still joins the
// occurrence it precedes.
func (o DropOutcome) Covers(t time.Time, lookback time.Duration) bool {
	lo := t.Add(-lookback)
	hi := t.Add(lookback)
	return !o.DropAt.Before(lo) && !o.DropAt.After(hi)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
