package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"dropwatch/internal/domain"
	"dropwatch/internal/storage"
)

// Outcomes prints the most recently updated drop outcomes.
func (a *App) Outcomes(ctx context.Context, opts OutcomesOptions) error {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	outcomes, err := store.ListRecentOutcomes(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		fmt.Fprintln(a.Out, "no outcomes found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Drop (UTC)\tProduct\tRetailer\tFirst Seen\tFirst In Stock\tBuy Window\tSuccess")
	for _, o := range outcomes {
		seen := formatTime(o.FirstSeenAt)
		if o.SeenInferred {
			seen += " (inferred)"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			o.DropAt.UTC().Format(time.RFC3339),
			o.ProductID,
			o.RetailerID,
			seen,
			formatTime(o.FirstInStockAt),
			formatBuyWindow(o),
			o.Success,
		)
	}
	return writer.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatBuyWindow(o domain.DropOutcome) string {
	w, ok := o.BuyWindow()
	if !ok {
		return "-"
	}
	return w.String()
}
