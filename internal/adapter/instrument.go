package adapter

import (
	"context"
	"time"

	"dropwatch/internal/acquire"
	"dropwatch/internal/domain"
	"dropwatch/internal/health"
)

// Recorder receives call outcomes; *health.Monitor implements it.
type Recorder interface {
	Register(adapter string, class acquire.Class)
	Record(adapter string, class acquire.Class, latency time.Duration, err error) health.State
}

var _ Recorder = (*health.Monitor)(nil)

type instrumented struct {
	Adapter
	rec Recorder
}

// Instrument records every call's outcome and latency before returning it. Latency is the
// outbound request time metered by the fetcher; politeness waits do not count against health.
func Instrument(a Adapter, rec Recorder) Adapter {
	rec.Register(a.ID(), a.Class())
	return &instrumented{Adapter: a, rec: rec}
}

func (i *instrumented) CheckAvailability(ctx context.Context, req domain.AvailabilityRequest) (domain.AvailabilityRecord, error) {
	ctx, meter := acquire.WithMeter(ctx)
	start := time.Now()
	rec, err := i.Adapter.CheckAvailability(ctx, req)
	i.rec.Record(i.ID(), i.Class(), latency(meter, start), err)
	return rec, err
}

func (i *instrumented) SearchProducts(ctx context.Context, query string) ([]domain.AvailabilityRecord, error) {
	ctx, meter := acquire.WithMeter(ctx)
	start := time.Now()
	recs, err := i.Adapter.SearchProducts(ctx, query)
	i.rec.Record(i.ID(), i.Class(), latency(meter, start), err)
	return recs, err
}

func (i *instrumented) HealthCheck(ctx context.Context) error {
	ctx, meter := acquire.WithMeter(ctx)
	start := time.Now()
	err := i.Adapter.HealthCheck(ctx)
	i.rec.Record(i.ID(), i.Class(), latency(meter, start), err)
	return err
}

// latency prefers metered request time; adapters that never hit the fetcher fall back to wall time.
func latency(m *acquire.Meter, start time.Time) time.Duration {
	if m.Used() {
		return m.Total()
	}
	return time.Since(start)
}
