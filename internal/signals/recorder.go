package signals

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"dropwatch/internal/domain"
	"dropwatch/internal/storage"
)

// RecorderTypes are the signal types that move drop outcomes.
var RecorderTypes = []domain.SignalType{domain.SignalURLSeen, domain.SignalURLLive, domain.SignalInStock}

// Recorder folds signal events into drop outcomes.
type Recorder struct {
	store  storage.OutcomeStore
	logger zerolog.Logger
}

// NewRecorder builds a recorder over store.
func NewRecorder(store storage.OutcomeStore, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger.With().Str("component", "outcome_recorder").Logger()}
}

// Handle applies one event. Other signal types are ignored.
func (r *Recorder) Handle(ctx context.Context, ev domain.SignalEvent) (domain.DropOutcome, bool, error) {
	var (
		o   domain.DropOutcome
		err error
	)
	switch ev.Type {
	case domain.SignalURLSeen, domain.SignalURLLive:
		o, err = r.store.RecordFirstSeen(ctx, ev.ProductID, ev.RetailerID, ev.ObservedAt)
	case domain.SignalInStock:
		o, err = r.store.RecordFirstInStock(ctx, ev.ProductID, ev.RetailerID, ev.ObservedAt)
	default:
		return domain.DropOutcome{}, false, nil
	}
	if err != nil {
		return domain.DropOutcome{}, false, fmt.Errorf("record %s: %w", ev.Type, err)
	}
	return o, true, nil
}

// Run consumes events until the channel closes or ctx is done. Failures are logged.
func (r *Recorder) Run(ctx context.Context, events <-chan domain.SignalEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o, applied, err := r.Handle(ctx, ev)
			if err != nil {
				r.logger.Error().Err(err).Str("product", ev.ProductID).Str("retailer", ev.RetailerID).Msg("outcome update failed")
				continue
			}
			if applied && o.BuyWindowSeconds != nil {
				r.logger.Debug().
					Str("product", o.ProductID).
					Str("retailer", o.RetailerID).
					Int64("buy_window_seconds", *o.BuyWindowSeconds).
					Msg("outcome updated")
			}
		}
	}
}
