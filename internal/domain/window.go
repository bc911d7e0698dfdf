package domain

import "time"

// Rationale tags identifying which strategy produced a window.
const (
	RationaleHourModel      = "hour_model"
	RationaleProductHistory = "product_history"
	RationaleDefaultHours   = "default_hours"
	RationaleFallback       = "fallback"
	RationaleShadowPrimary  = "shadow_primary"
	RationaleBelowThreshold = "below_threshold"
)

// PredictedWindow is a candidate time range in which a drop is likely.
type PredictedWindow struct {
	RetailerID        string    `json:"retailer_id"`
	ProductID         string    `json:"product_id,omitempty"`
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	Confidence        int       `json:"confidence"`
	Rationale         []string  `json:"rationale"`
	ShadowProbability *float64  `json:"shadow_probability,omitempty"`
	BelowThreshold    bool      `json:"below_threshold,omitempty"`
}

// Remaining returns how long the window stays open measured from now.
func (w PredictedWindow) Remaining(now time.Time) time.Duration {
	return w.End.Sub(now)
}

// HasRationale reports whether tag is attached to the window.
func (w PredictedWindow) HasRationale(tag string) bool {
	for _, r := range w.Rationale {
		if r == tag {
			return true
		}
	}
	return false
}
