package trainer

import (
	"time"

	"dropwatch/internal/domain"
	"dropwatch/internal/model"
)

const (
	minSamples    = 48
	maxIterations = 2000
	rateA         = 4.0
	rateB         = 0.5
	coefBound     = 50.0
	tolerance     = 1e-7
)

type sample struct {
	z float64
	y float64
}

type dayHour struct {
	retailer string
	day      time.Time
	hour     int
}

// buildSamples emits one sample per retailer and whole UTC day-hour in [since, until).
// z is the hour weight, y is 1 when a training event fell into that hour.
func buildSamples(snap *model.Snapshot, events []domain.SignalEvent, since, until time.Time) []sample {
	hit := make(map[dayHour]bool, len(events))
	for _, ev := range events {
		at := ev.ObservedAt.UTC()
		hit[dayHour{ev.RetailerID, truncateDay(at), at.Hour()}] = true
	}

	var out []sample
	for _, slug := range snap.Slugs() {
		m, ok := snap.Retailer(slug)
		if !ok {
			continue
		}
		for slot := since.UTC().Truncate(time.Hour); !slot.Add(time.Hour).After(until); slot = slot.Add(time.Hour) {
			y := 0.0
			if hit[dayHour{slug, truncateDay(slot), slot.Hour()}] {
				y = 1
			}
			out = append(out, sample{z: m.Weights[slot.Hour()], y: y})
		}
	}
	return out
}

// fitCalibration fits p = sigmoid(a*z + b) by batch gradient descent on log loss.
// The fitted model scores the hour feature alone.
func fitCalibration(samples []sample) (model.Calibration, bool) {
	if len(samples) < minSamples {
		return model.Calibration{}, false
	}
	positives := 0
	for _, s := range samples {
		if s.y > 0 {
			positives++
		}
	}
	if positives == 0 || positives == len(samples) {
		return model.Calibration{}, false
	}

	a, b := 1.0, 0.0
	n := float64(len(samples))
	for i := 0; i < maxIterations; i++ {
		var ga, gb float64
		for _, s := range samples {
			diff := model.Sigmoid(a*s.z+b) - s.y
			ga += diff * s.z
			gb += diff
		}
		ga /= n
		gb /= n
		a = clamp(a-rateA*ga, -coefBound, coefBound)
		b = clamp(b-rateB*gb, -coefBound, coefBound)
		if ga*ga+gb*gb < tolerance*tolerance {
			break
		}
	}

	cal := model.Calibration{A: a, B: b, Trusted: true, Samples: len(samples)}
	cal.Weights[0] = 1
	return cal, true
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
