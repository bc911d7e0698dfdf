package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"dropwatch/internal/domain"
	"dropwatch/internal/model"
	"dropwatch/internal/storage"
)

// ExportModel writes the published hour model as CSV and/or PNG, and optionally recent outcomes.
func (a *App) ExportModel(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.OutcomesCSVPath == "" {
		return errors.New("at least one of --csv, --png or --outcomes-csv must be provided")
	}

	if opts.CSVPath != "" || opts.PNGPath != "" {
		snap, err := model.Load(a.Config.Trainer.ArtifactPath)
		if err != nil {
			return err
		}
		slugs := selectRetailers(snap, opts.Retailers)
		if len(slugs) == 0 {
			a.Logger.Info().Str("path", a.Config.Trainer.ArtifactPath).Msg("no trained retailers to export")
		} else {
			a.Logger.Info().Strs("retailers", slugs).Time("trained_at", snap.TrainedAt).Msg("exporting hour model")
			if opts.CSVPath != "" {
				if err := writeModelCSV(opts.CSVPath, snap, slugs); err != nil {
					return err
				}
			}
			if opts.PNGPath != "" {
				if err := writeModelPNG(opts.PNGPath, snap, slugs); err != nil {
					return err
				}
			}
		}
	}

	if opts.OutcomesCSVPath != "" {
		store, err := storage.Open(ctx, a.Config.Database)
		if err != nil {
			return err
		}
		defer store.Close()

		outcomes, err := store.ListRecentOutcomes(ctx, a.Config.ResolveExportRows(opts.MaxRows))
		if err != nil {
			return err
		}
		a.Logger.Info().Int("rows", len(outcomes)).Msg("exporting outcomes")
		if err := writeOutcomesCSV(opts.OutcomesCSVPath, outcomes); err != nil {
			return err
		}
	}
	return nil
}

func selectRetailers(snap *model.Snapshot, want []string) []string {
	var out []string
	for _, slug := range snap.Slugs() {
		if _, ok := snap.Retailer(slug); !ok {
			continue
		}
		if len(want) > 0 && !contains(want, slug) {
			continue
		}
		out = append(out, slug)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func writeModelCSV(path string, snap *model.Snapshot, slugs []string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"retailer", "hour_utc", "weight", "total_events", "trained_at"}); err != nil {
		return err
	}
	trainedAt := snap.TrainedAt.UTC().Format(time.RFC3339)
	for _, slug := range slugs {
		m := snap.Retailers[slug]
		for h := 0; h < model.Hours; h++ {
			record := []string{
				slug,
				strconv.Itoa(h),
				strconv.FormatFloat(m.Weights[h], 'f', 6, 64),
				strconv.Itoa(m.TotalEvents),
				trainedAt,
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeModelPNG(path string, snap *model.Snapshot, slugs []string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	hours := make([]float64, model.Hours)
	ticks := make([]chart.Tick, 0, model.Hours/3+1)
	for h := range hours {
		hours[h] = float64(h)
		if h%3 == 0 {
			ticks = append(ticks, chart.Tick{Value: float64(h), Label: fmt.Sprintf("%02d", h)})
		}
	}

	series := make([]chart.Series, 0, len(slugs))
	for _, slug := range slugs {
		m := snap.Retailers[slug]
		weights := make([]float64, model.Hours)
		for h := range weights {
			weights[h] = m.Weights[h] * 100
		}
		series = append(series, chart.ContinuousSeries{
			Name:    slug,
			XValues: hours,
			YValues: weights,
		})
	}

	percentFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f%%")
	}
	graph := chart.Chart{
		Title:  "Drop share by UTC hour",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			Name:  "Hour (UTC)",
			Ticks: ticks,
		},
		YAxis: chart.YAxis{
			Name:           "Share of events",
			ValueFormatter: percentFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func writeOutcomesCSV(path string, outcomes []domain.DropOutcome) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"product_id", "retailer_id", "drop_at", "first_seen_at", "seen_inferred", "first_in_stock_at", "buy_window_seconds", "success"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, o := range outcomes {
		window := ""
		if o.BuyWindowSeconds != nil {
			window = strconv.FormatInt(*o.BuyWindowSeconds, 10)
		}
		record := []string{
			o.ProductID,
			o.RetailerID,
			o.DropAt.UTC().Format(time.RFC3339),
			optionalTime(o.FirstSeenAt),
			strconv.FormatBool(o.SeenInferred),
			optionalTime(o.FirstInStockAt),
			window,
			strconv.FormatBool(o.Success),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func optionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
