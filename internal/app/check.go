package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"dropwatch/internal/domain"
)

// Check runs a single availability lookup against one adapter.
func (a *App) Check(ctx context.Context, opts CheckOptions) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	ad, ok := rt.adapters.Get(opts.Retailer)
	if !ok {
		return fmt.Errorf("unknown or disabled retailer %q (have %s)", opts.Retailer, strings.Join(rt.adapters.Slugs(), ", "))
	}

	req := domain.AvailabilityRequest{UPC: opts.UPC, SKU: opts.SKU, Query: opts.Query, ZIP: opts.ZIP, RadiusMiles: opts.Radius}
	if opts.ProductID != "" {
		p, found := a.product(opts.ProductID)
		if !found {
			return fmt.Errorf("product %q not in catalog", opts.ProductID)
		}
		req = mergeRequest(p.Request(), req)
	}
	if req.UPC == "" && req.SKU == "" && req.Query == "" {
		return errors.New("one of --product, --upc, --sku or --query is required")
	}

	started := time.Now()
	rec, err := ad.CheckAvailability(ctx, req)
	if err != nil {
		return err
	}
	a.Logger.Debug().Str("retailer", opts.Retailer).Dur("elapsed", time.Since(started)).Msg("check finished")

	if opts.JSON {
		return writeJSON(a, rec)
	}
	return a.printRecords([]domain.AvailabilityRecord{rec})
}

// Search runs a free-text search against one adapter.
func (a *App) Search(ctx context.Context, retailer, query string, limit int, asJSON bool) error {
	if strings.TrimSpace(query) == "" {
		return errors.New("query is required")
	}
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	ad, ok := rt.adapters.Get(retailer)
	if !ok {
		return fmt.Errorf("unknown or disabled retailer %q", retailer)
	}
	recs, err := ad.SearchProducts(ctx, query)
	if err != nil {
		return err
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	if asJSON {
		return writeJSON(a, recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(a.Out, "no results")
		return nil
	}
	return a.printRecords(recs)
}

// mergeRequest fills empty fields of override from base.
func mergeRequest(base, override domain.AvailabilityRequest) domain.AvailabilityRequest {
	out := base
	if override.UPC != "" {
		out.UPC = override.UPC
	}
	if override.SKU != "" {
		out.SKU = override.SKU
	}
	if override.Query != "" {
		out.Query = override.Query
	}
	out.ZIP = override.ZIP
	out.RadiusMiles = override.RadiusMiles
	return out
}

func (a *App) printRecords(recs []domain.AvailabilityRecord) error {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Retailer\tStatus\tPrice\tStores\tTitle\tURL")
	for _, rec := range recs {
		price := "-"
		if rec.Price != nil {
			price = rec.Price.StringFixed(2)
		}
		inStore := 0
		for _, s := range rec.StoreLocations {
			if s.InStock {
				inStore++
			}
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			rec.RetailerID,
			rec.Status,
			price,
			inStore, len(rec.StoreLocations),
			sanitizeInline(rec.Title),
			rec.ProductURL,
		)
	}
	return writer.Flush()
}

func writeJSON(a *App, v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
