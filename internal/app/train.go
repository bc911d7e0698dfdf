package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"
)

// Train runs one training pass and prints the resulting top hours.
func (a *App) Train(ctx context.Context) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	snap, err := a.newTrainer(rt).Train(ctx)
	if err != nil {
		return err
	}
	if len(snap.Retailers) == 0 {
		fmt.Fprintln(a.Out, "no training signals in horizon")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Retailer\tEvents\tTop Hours (UTC)")
	for _, slug := range snap.Slugs() {
		m := snap.Retailers[slug]
		top := ""
		for i, hw := range m.Top(3) {
			if i > 0 {
				top += ", "
			}
			top += fmt.Sprintf("%02d:00 %.0f%%", hw.Hour, hw.Weight*100)
		}
		fmt.Fprintf(writer, "%s\t%d\t%s\n", slug, m.TotalEvents, top)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	cal := rt.classifier.Calibration()
	fmt.Fprintf(a.Out, "calibration: trusted=%t a=%.4f b=%.4f samples=%d\n", cal.Trusted, cal.A, cal.B, cal.Samples)
	return nil
}

// Health checks every adapter once and prints the monitor view.
func (a *App) Health(ctx context.Context, timeout time.Duration) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if timeout <= 0 {
		timeout = a.Config.Scan.CallTimeout
	}
	for _, ad := range rt.adapters.All() {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := ad.HealthCheck(callCtx); err != nil {
			a.Logger.Warn().Err(err).Str("retailer", ad.ID()).Msg("health check failed")
		}
		cancel()
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Adapter\tClass\tCircuit\tHealthy\tSuccess%\tAvg Latency\tLast Error")
	for _, st := range rt.monitor.Snapshot() {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%t\t%.1f\t%s\t%s\n",
			st.Adapter,
			st.Class,
			st.Circuit,
			st.Healthy,
			st.SuccessRate*100,
			st.AvgLatency.Round(time.Millisecond),
			sanitizeInline(st.LastError),
		)
	}
	return writer.Flush()
}
