package model

import (
	"math"
	"sort"
	"sync/atomic"
	"time"
)

// Hours is the number of UTC hour-of-day buckets.
const Hours = 24

// RetailerHourModel is a normalised hour-of-day histogram for one retailer.
type RetailerHourModel struct {
	Weights     [Hours]float64 `json:"hourWeights"`
	TotalEvents int            `json:"totalEvents"`
}

// HourWeight pairs an hour with its weight.
type HourWeight struct {
	Hour   int
	Weight float64
}

// FromCounts normalises raw counts so the weights sum to 1.
func FromCounts(counts [Hours]int) (RetailerHourModel, bool) {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return RetailerHourModel{}, false
	}
	var m RetailerHourModel
	m.TotalEvents = total
	for h, c := range counts {
		m.Weights[h] = float64(c) / float64(total)
	}
	return m, true
}

// Sum of all weights; 1 for a trained model.
func (m RetailerHourModel) Sum() float64 {
	var s float64
	for _, w := range m.Weights {
		s += w
	}
	return s
}

// Top returns the k heaviest hours, heaviest first, ties broken by earlier hour.
// Zero-weight hours are never returned.
func (m RetailerHourModel) Top(k int) []HourWeight {
	all := make([]HourWeight, 0, Hours)
	for h, w := range m.Weights {
		if w > 0 {
			all = append(all, HourWeight{Hour: h, Weight: w})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Weight > all[j].Weight })
	if k > 0 && len(all) > k {
		all = all[:k]
	}
	return all
}

// Snapshot is an immutable set of trained retailer models.
type Snapshot struct {
	Version     int                          `json:"version"`
	TrainedAt   time.Time                    `json:"trainedAt"`
	HorizonDays int                          `json:"horizonDays"`
	Retailers   map[string]RetailerHourModel `json:"retailers"`
}

// Empty returns a snapshot without models.
func Empty() *Snapshot {
	return &Snapshot{Version: ArtifactVersion, Retailers: map[string]RetailerHourModel{}}
}

// Retailer returns the model for slug.
func (s *Snapshot) Retailer(slug string) (RetailerHourModel, bool) {
	if s == nil {
		return RetailerHourModel{}, false
	}
	m, ok := s.Retailers[slug]
	return m, ok && m.TotalEvents > 0
}

// Slugs lists retailers in sorted order.
func (s *Snapshot) Slugs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Retailers))
	for slug := range s.Retailers {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// Registry publishes snapshots to concurrent readers.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// NewRegistry starts with initial, or an empty snapshot when nil.
func NewRegistry(initial *Snapshot) *Registry {
	r := &Registry{}
	if initial == nil {
		initial = Empty()
	}
	r.current.Store(initial)
	return r
}

// Current returns the published snapshot. Callers must not mutate it.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Publish swaps in a new snapshot.
func (r *Registry) Publish(s *Snapshot) {
	if s == nil {
		return
	}
	r.current.Store(s)
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
