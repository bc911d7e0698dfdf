package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"dropwatch/internal/domain"
	"dropwatch/internal/hotwindow"
	"dropwatch/internal/predict"
)

// Predict prints the likely drop windows for one retailer.
func (a *App) Predict(ctx context.Context, opts PredictOptions) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	windows, err := rt.engine.PredictWindows(ctx, predict.Query{
		ProductID:      opts.ProductID,
		RetailerSlug:   opts.Retailer,
		HorizonMinutes: opts.HorizonMinutes,
		TopK:           opts.TopK,
	})
	if err != nil {
		return err
	}
	if opts.JSON {
		return writeJSON(a, windows)
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Retailer\tStart (UTC)\tEnd (UTC)\tConfidence\tShadow P\tRationale")
	for _, w := range windows {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%s\n",
			w.RetailerID,
			w.Start.UTC().Format(time.RFC3339),
			w.End.UTC().Format(time.RFC3339),
			w.Confidence,
			shadowText(w),
			strings.Join(w.Rationale, ","),
		)
	}
	return writer.Flush()
}

func shadowText(w domain.PredictedWindow) string {
	if w.ShadowProbability == nil {
		return "-"
	}
	return fmt.Sprintf("%.3f", *w.ShadowProbability)
}

// HotRefresh runs one refresh pass outside the service loop.
func (a *App) HotRefresh(ctx context.Context) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	hw := a.Config.HotWindow
	n, err := rt.refresher.Refresh(ctx, hotwindow.Options{
		TopN:           hw.TopN,
		Retailers:      hw.Retailers,
		HorizonMinutes: hw.HorizonMinutes,
		TopK:           hw.TopK,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "wrote %d hot markers\n", n)
	return nil
}

// HotStatus lists the markers currently live in the cache.
func (a *App) HotStatus(ctx context.Context) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	markers, keys, err := rt.refresher.Active(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(a.Out, "no active hot windows")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Key\tRetailer\tProduct\tStart (UTC)\tEnd (UTC)\tConfidence")
	for _, key := range keys {
		m := markers[key]
		product := m.ProductID
		if product == "" {
			product = "*"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\n",
			key,
			m.RetailerID,
			product,
			m.Start.UTC().Format(time.RFC3339),
			m.End.UTC().Format(time.RFC3339),
			m.Confidence,
		)
	}
	return writer.Flush()
}
