package predict

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"dropwatch/internal/domain"
	"dropwatch/internal/model"
	"dropwatch/internal/storage"
)

// ClassifierOptions tune feature extraction.
type ClassifierOptions struct {
	RecentWindow         time.Duration
	NormalizationCap     float64
	AvailabilityLookback time.Duration
}

// Classifier scores windows with the logistic calibrator.
// Feature order: hour weight, url_live, price_present, status_change, url_seen, availability ratio.
type Classifier struct {
	signals   storage.SignalStore
	snapshots storage.SnapshotStore
	opts      ClassifierOptions
	cal       atomic.Pointer[model.Calibration]
}

// NewClassifier constructs a classifier. Either store may be nil; its features read as zero.
func NewClassifier(signals storage.SignalStore, snapshots storage.SnapshotStore, cal model.Calibration, opts ClassifierOptions) *Classifier {
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 6 * time.Hour
	}
	if opts.NormalizationCap <= 0 {
		opts.NormalizationCap = 10
	}
	if opts.AvailabilityLookback <= 0 {
		opts.AvailabilityLookback = 7 * 24 * time.Hour
	}
	c := &Classifier{signals: signals, snapshots: snapshots, opts: opts}
	c.cal.Store(&cal)
	return c
}

// Calibration returns the active coefficients.
func (c *Classifier) Calibration() model.Calibration {
	return *c.cal.Load()
}

// SetCalibration swaps in new coefficients.
func (c *Classifier) SetCalibration(cal model.Calibration) {
	c.cal.Store(&cal)
}

// Features builds the feature vector for a pair at now.
func (c *Classifier) Features(ctx context.Context, productID, retailerID string, hourWeight float64, now time.Time) ([model.FeatureCount]float64, error) {
	var x [model.FeatureCount]float64
	x[0] = hourWeight

	if c.signals != nil {
		counts, err := c.signals.CountSignals(ctx, storage.SignalFilter{
			ProductID:  productID,
			RetailerID: retailerID,
			Since:      now.Add(-c.opts.RecentWindow),
			Until:      now,
		})
		if err != nil {
			return x, fmt.Errorf("count recent signals: %w", err)
		}
		x[1] = c.norm(counts[domain.SignalURLLive])
		x[2] = c.norm(counts[domain.SignalPricePresent])
		x[3] = c.norm(counts[domain.SignalStatusChange])
		x[4] = c.norm(counts[domain.SignalURLSeen])
	}

	if c.snapshots != nil {
		ratio, err := c.snapshots.AvailabilityRatio(ctx, productID, retailerID, now.Add(-c.opts.AvailabilityLookback))
		if err != nil {
			return x, fmt.Errorf("availability ratio: %w", err)
		}
		x[5] = ratio.Ratio()
	}
	return x, nil
}

// Score returns the calibrated probability for a pair.
func (c *Classifier) Score(ctx context.Context, productID, retailerID string, hourWeight float64, now time.Time) (float64, error) {
	x, err := c.Features(ctx, productID, retailerID, hourWeight, now)
	if err != nil {
		return 0, err
	}
	return c.Calibration().Probability(x), nil
}

func (c *Classifier) norm(count int) float64 {
	v := float64(count) / c.opts.NormalizationCap
	if v > 1 {
		return 1
	}
	return v
}
