package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dropwatch/internal/health"
)

// Watcher forwards circuit transitions to a notifier, at most once per
// adapter and target state within the cooldown.
type Watcher struct {
	notifier Notifier
	channels []string
	cooldown time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewWatcher constructs a watcher. A nil notifier only logs transitions.
func NewWatcher(notifier Notifier, channels []string, cooldown time.Duration, logger zerolog.Logger) *Watcher {
	return &Watcher{
		notifier: notifier,
		channels: channels,
		cooldown: cooldown,
		now:      time.Now,
		logger:   logger.With().Str("component", "alerting").Logger(),
		sent:     make(map[string]time.Time),
	}
}

// Run consumes transitions until ctx is done or the channel closes.
func (w *Watcher) Run(ctx context.Context, transitions <-chan health.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			w.Handle(ctx, tr)
		}
	}
}

// Handle processes a single transition and reports whether a notification was sent.
func (w *Watcher) Handle(ctx context.Context, tr health.Transition) bool {
	w.logger.Warn().
		Str("adapter", tr.Adapter).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Float64("success_rate", tr.State.SuccessRate).
		Dur("avg_latency", tr.State.AvgLatency).
		Msg("adapter circuit changed")

	if w.notifier == nil || !w.allow(tr) {
		return false
	}
	if err := w.notifier.Notify(ctx, FromTransition(tr, w.channels)); err != nil {
		w.logger.Error().Err(err).Str("adapter", tr.Adapter).Msg("failed to dispatch alert")
		return false
	}
	return true
}

func (w *Watcher) allow(tr health.Transition) bool {
	key := tr.Adapter + "/" + string(tr.To)
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.sent[key]; ok && w.cooldown > 0 && now.Sub(last) < w.cooldown {
		return false
	}
	w.sent[key] = now
	return true
}
