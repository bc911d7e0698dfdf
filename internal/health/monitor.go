package health

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dropwatch/internal/acquire"
	"dropwatch/internal/domain"
)

// Circuit is an informational breaker state; callers decide what to do with OPEN.
type Circuit string

const (
	CircuitClosed Circuit = "CLOSED"
	CircuitOpen   Circuit = "OPEN"
)

// Thresholds bound a healthy adapter.
type Thresholds struct {
	MinSuccessRate float64
	MaxAvgLatency  time.Duration
}

// ThresholdsFor returns the bounds for an adapter class. Scraping is held to a looser bar.
func ThresholdsFor(class acquire.Class) Thresholds {
	if class == acquire.ClassScrape {
		return Thresholds{MinSuccessRate: 0.80, MaxAvgLatency: 10 * time.Second}
	}
	return Thresholds{MinSuccessRate: 0.90, MaxAvgLatency: 5 * time.Second}
}

// State is a point-in-time view of one adapter.
type State struct {
	Adapter       string        `json:"adapter"`
	Class         acquire.Class `json:"class"`
	Total         int64         `json:"total_requests"`
	Successful    int64         `json:"successful_requests"`
	WindowSize    int           `json:"window_size"`
	SuccessRate   float64       `json:"success_rate"`
	AvgLatency    time.Duration `json:"avg_latency"`
	Healthy       bool          `json:"healthy"`
	Circuit       Circuit       `json:"circuit"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorKind domain.Kind   `json:"last_error_kind,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Transition is emitted whenever an adapter's circuit flips.
type Transition struct {
	Adapter string
	From    Circuit
	To      Circuit
	State   State
	At      time.Time
}

// Options configure the monitor.
type Options struct {
	Window    int
	MinSample int
	Buffer    int
}

// Monitor tracks per-adapter success rate and latency over a rolling window.
type Monitor struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	trackers map[string]*tracker

	transitions chan Transition
	dropped     atomic.Int64
}

type sample struct {
	ok      bool
	latency time.Duration
}

type tracker struct {
	class      acquire.Class
	ring       []sample
	next       int
	filled     int
	total      int64
	successful int64
	circuit    Circuit
	lastErr    error
	updated    time.Time
}

// NewMonitor builds a monitor. Transitions are buffered; when the buffer is full they are dropped.
func NewMonitor(opts Options, logger zerolog.Logger) *Monitor {
	if opts.Window <= 0 {
		opts.Window = 100
	}
	if opts.MinSample <= 0 {
		opts.MinSample = 5
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 32
	}
	return &Monitor{
		opts:        opts,
		logger:      logger.With().Str("component", "health").Logger(),
		now:         time.Now,
		trackers:    make(map[string]*tracker),
		transitions: make(chan Transition, opts.Buffer),
	}
}

// WithClock overrides the time source; tests only.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Register makes an adapter visible in snapshots before its first call.
func (m *Monitor) Register(adapter string, class acquire.Class) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackerLocked(adapter, class)
}

// Record folds one call outcome into the adapter's window. NOT_FOUND means the site
// answered, so it counts as a success.
func (m *Monitor) Record(adapter string, class acquire.Class, latency time.Duration, err error) State {
	ok := err == nil || errors.Is(err, domain.ErrNotFound)

	m.mu.Lock()
	t := m.trackerLocked(adapter, class)
	t.ring[t.next] = sample{ok: ok, latency: latency}
	t.next = (t.next + 1) % len(t.ring)
	if t.filled < len(t.ring) {
		t.filled++
	}
	t.total++
	if ok {
		t.successful++
	} else {
		t.lastErr = err
	}
	t.updated = m.now().UTC()

	state := m.stateLocked(adapter, t)
	prev := t.circuit
	t.circuit = state.Circuit
	m.mu.Unlock()

	if prev != state.Circuit {
		m.emit(Transition{Adapter: adapter, From: prev, To: state.Circuit, State: state, At: state.UpdatedAt})
	}
	return state
}

// State returns the current state of one adapter.
func (m *Monitor) State(adapter string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[adapter]
	if !ok {
		return State{}, false
	}
	return m.stateLocked(adapter, t), true
}

// Snapshot returns every tracked adapter sorted by id.
func (m *Monitor) Snapshot() []State {
	m.mu.Lock()
	out := make([]State, 0, len(m.trackers))
	for id, t := range m.trackers {
		out = append(out, m.stateLocked(id, t))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Adapter < out[j].Adapter })
	return out
}

// Transitions is consumed by the alerting notifier.
func (m *Monitor) Transitions() <-chan Transition {
	return m.transitions
}

// Dropped counts transitions discarded because nobody was reading.
func (m *Monitor) Dropped() int64 {
	return m.dropped.Load()
}

func (m *Monitor) emit(tr Transition) {
	select {
	case m.transitions <- tr:
	default:
		m.dropped.Add(1)
	}
	ev := m.logger.Info()
	if tr.To == CircuitOpen {
		ev = m.logger.Warn()
	}
	ev.Str("adapter", tr.Adapter).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Float64("success_rate", tr.State.SuccessRate).
		Dur("avg_latency", tr.State.AvgLatency).
		Msg("adapter circuit changed")
}

func (m *Monitor) trackerLocked(adapter string, class acquire.Class) *tracker {
	t, ok := m.trackers[adapter]
	if !ok {
		t = &tracker{class: class, ring: make([]sample, m.opts.Window), circuit: CircuitClosed}
		m.trackers[adapter] = t
	}
	if class != "" {
		t.class = class
	}
	return t
}

func (m *Monitor) stateLocked(adapter string, t *tracker) State {
	st := State{
		Adapter:    adapter,
		Class:      t.class,
		Total:      t.total,
		Successful: t.successful,
		WindowSize: t.filled,
		Healthy:    true,
		Circuit:    CircuitClosed,
		UpdatedAt:  t.updated,
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
		st.LastErrorKind, _ = domain.KindOf(t.lastErr)
	}
	if t.filled == 0 {
		return st
	}

	var okCount int
	var latency time.Duration
	for i := 0; i < t.filled; i++ {
		s := t.ring[i]
		if s.ok {
			okCount++
		}
		latency += s.latency
	}
	st.SuccessRate = float64(okCount) / float64(t.filled)
	st.AvgLatency = latency / time.Duration(t.filled)

	if t.filled < m.opts.MinSample {
		return st
	}
	th := ThresholdsFor(t.class)
	if st.SuccessRate < th.MinSuccessRate || st.AvgLatency > th.MaxAvgLatency {
		st.Healthy = false
		st.Circuit = CircuitOpen
	}
	return st
}
