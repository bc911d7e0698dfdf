package acquire

import (
	"context"
	"sync/atomic"
	"time"
)

type meterKey struct{}

// Meter accumulates time spent on outbound requests for one logical call.
// Pacer waits are not counted.
type Meter struct {
	fetches  atomic.Int64
	requests atomic.Int64
	nanos    atomic.Int64
}

// WithMeter attaches a fresh Meter to ctx; every Fetch under ctx reports into it.
func WithMeter(ctx context.Context) (context.Context, *Meter) {
	m := &Meter{}
	return context.WithValue(ctx, meterKey{}, m), m
}

func meterFrom(ctx context.Context) *Meter {
	m, _ := ctx.Value(meterKey{}).(*Meter)
	return m
}

func (m *Meter) fetch() {
	if m != nil {
		m.fetches.Add(1)
	}
}

func (m *Meter) observe(d time.Duration) {
	if m != nil {
		m.requests.Add(1)
		m.nanos.Add(int64(d))
	}
}

// Used reports whether any Fetch ran under the meter.
func (m *Meter) Used() bool {
	return m.fetches.Load() > 0
}

// Requests counts outbound requests actually sent.
func (m *Meter) Requests() int {
	return int(m.requests.Load())
}

// Total is the summed outbound request time.
func (m *Meter) Total() time.Duration {
	return time.Duration(m.nanos.Load())
}
