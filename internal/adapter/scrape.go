package adapter

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"dropwatch/internal/acquire"
	"dropwatch/internal/domain"
)

// Selectors lists CSS alternatives per field; the first one that matches wins.
type Selectors struct {
	Item         []string
	Title        []string
	Link         []string
	Price        []string
	Availability []string
	IDAttr       []string

	// product page
	ShipText         []string
	PageAvailability []string
	PagePrice        []string
}

// ScrapeSite profiles a storefront that is read through its HTML.
type ScrapeSite struct {
	Slug              string
	Name              string
	BaseURL           string
	SearchPath        string // fmt pattern receiving the escaped query
	RequestsPerMinute int
	Selectors         Selectors
	Policy            CategoryPolicy
	FetchDetail       bool
	Render            bool
}

// ScrapeAdapter checks availability by parsing search and product pages.
type ScrapeAdapter struct {
	site   ScrapeSite
	deps   Deps
	logger zerolog.Logger
}

var _ Adapter = (*ScrapeAdapter)(nil)

// NewScrapeAdapter builds an adapter for site.
func NewScrapeAdapter(site ScrapeSite, deps Deps) *ScrapeAdapter {
	site.BaseURL = strings.TrimRight(site.BaseURL, "/")
	return &ScrapeAdapter{
		site:   site,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "adapter").Str("retailer", site.Slug).Logger(),
	}
}

func (s *ScrapeAdapter) ID() string           { return s.site.Slug }
func (s *ScrapeAdapter) Class() acquire.Class { return acquire.ClassScrape }

// SearchProducts parses the search page and keeps results inside the category policy.
func (s *ScrapeAdapter) SearchProducts(ctx context.Context, query string) ([]domain.AvailabilityRecord, error) {
	recs, _, err := s.search(ctx, query)
	if err != nil {
		return nil, tag(err, "search")
	}
	return recs, nil
}

// CheckAvailability searches, picks the best matching result and optionally reads its
// product page for a ship date.
func (s *ScrapeAdapter) CheckAvailability(ctx context.Context, req domain.AvailabilityRequest) (domain.AvailabilityRecord, error) {
	const op = "check"
	terms := req.SearchTerms()
	recs, path, err := s.search(ctx, terms)
	if err != nil {
		return domain.AvailabilityRecord{}, tag(err, op)
	}
	rec, ok := bestMatch(terms, recs)
	if !ok {
		return domain.AvailabilityRecord{}, notFound(s.site.Slug, op, terms)
	}
	if req.ProductID != "" {
		rec.ProductID = req.ProductID
	}
	rec.SetMeta("fetch_path", string(path))

	if s.site.FetchDetail && rec.ProductURL != "" {
		s.enrich(ctx, &rec)
	}
	return rec.Normalize(), nil
}

// HealthCheck fetches the storefront home page.
func (s *ScrapeAdapter) HealthCheck(ctx context.Context) error {
	if _, err := s.fetch(ctx, s.site.BaseURL+"/"); err != nil && !isNotFound(err) {
		return tag(err, "health")
	}
	return nil
}

func (s *ScrapeAdapter) search(ctx context.Context, query string) ([]domain.AvailabilityRecord, acquire.Path, error) {
	query = cleanText(query)
	if query == "" {
		return []domain.AvailabilityRecord{}, "", nil
	}
	target := s.site.BaseURL + fmt.Sprintf(s.site.SearchPath, url.QueryEscape(query))
	resp, err := s.fetch(ctx, target)
	if err != nil {
		if isNotFound(err) {
			return []domain.AvailabilityRecord{}, "", nil
		}
		return nil, "", err
	}
	recs, err := s.parseResults(resp.Body)
	if err != nil {
		return nil, resp.Path, domain.NewError(domain.KindServerError, s.site.Slug, "search", err)
	}
	return recs, resp.Path, nil
}

// parseResults tolerates missing optional fields; an unrecognised page is zero results.
func (s *ScrapeAdapter) parseResults(body []byte) ([]domain.AvailabilityRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	sel := s.site.Selectors
	items := firstMatch(doc.Selection, sel.Item)
	out := []domain.AvailabilityRecord{}
	if items == nil {
		s.logger.Debug().Msg("no result items matched")
		return out, nil
	}

	now := s.deps.now()
	items.Each(func(_ int, item *goquery.Selection) {
		title := firstText(item, sel.Title)
		if title == "" {
			return
		}
		if v := s.site.Policy.Evaluate(title); !v.Keep {
			s.logger.Debug().Str("title", title).Str("reason", v.Reason).Msg("result filtered")
			return
		}
		rec := domain.AvailabilityRecord{
			RetailerID:  s.site.Slug,
			Title:       title,
			ProductURL:  s.resolve(firstAttr(item, sel.Link, "href")),
			Price:       ParsePrice(firstText(item, sel.Price)),
			LastUpdated: now,
		}
		rec.ProductID = firstAttr(item, []string{""}, sel.IDAttr...)
		if rec.ProductID == "" {
			rec.ProductID = productKey(rec.ProductURL)
		}
		availability := firstText(item, sel.Availability)
		if status, ok := StatusFromText(availability); ok {
			rec.Status = status
			rec.InStock = status.Purchasable()
		}
		rec.SetMeta("availability_text", availability)
		rec.SetMeta("source", "scrape")
		out = append(out, rec.Normalize())
	})
	return out, nil
}

// enrich refetches the product page. Failures keep the search-level record.
func (s *ScrapeAdapter) enrich(ctx context.Context, rec *domain.AvailabilityRecord) {
	resp, err := s.fetch(ctx, rec.ProductURL)
	if err != nil {
		s.logger.Debug().Err(err).Str("url", rec.ProductURL).Msg("product page fetch failed")
		rec.SetMeta("detail_error", string(kindOrUnknown(err)))
		return
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		rec.SetMeta("detail_error", "parse")
		return
	}
	sel := s.site.Selectors
	if status, ok := StatusFromText(firstText(doc.Selection, sel.PageAvailability)); ok {
		rec.Status = status
		rec.InStock = status.Purchasable()
	}
	if rec.Price == nil {
		rec.Price = ParsePrice(firstText(doc.Selection, sel.PagePrice))
	}

	shipText := firstText(doc.Selection, sel.ShipText)
	rec.SetMeta("ship_text", shipText)
	now := s.deps.now()
	if date, ok := ParseShipDate(shipText, now); ok && IsFutureShipDate(date, now) {
		rec.SetMeta("ship_date", date.Format("2006-01-02"))
		if !rec.InStock || rec.Status == domain.StatusPreOrder {
			rec.InStock = true
			rec.Status = domain.StatusInStock
		}
	}
}

func (s *ScrapeAdapter) fetch(ctx context.Context, target string) (*acquire.Response, error) {
	return s.deps.Fetcher.Fetch(ctx, target, acquire.Options{
		Identity: s.site.Slug,
		Class:    acquire.ClassScrape,
		Render:   s.site.Render,
	})
}

func (s *ScrapeAdapter) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	base, err := url.Parse(s.site.BaseURL + "/")
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func firstMatch(root *goquery.Selection, selectors []string) *goquery.Selection {
	for _, css := range selectors {
		if found := root.Find(css); found.Length() > 0 {
			return found
		}
	}
	return nil
}

func firstText(root *goquery.Selection, selectors []string) string {
	for _, css := range selectors {
		if t := cleanText(root.Find(css).First().Text()); t != "" {
			return t
		}
	}
	return ""
}

// firstAttr returns the first non-empty attribute among attrs on the first matching selector.
// An empty selector means root itself.
func firstAttr(root *goquery.Selection, selectors []string, attrs ...string) string {
	for _, css := range selectors {
		node := root
		if css != "" {
			node = root.Find(css).First()
		}
		for _, attr := range attrs {
			if v, ok := node.Attr(attr); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

// productKey derives a stable id from the product URL path.
func productKey(productURL string) string {
	u, err := url.Parse(productURL)
	if err != nil || u.Path == "" {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	return parts[len(parts)-1]
}

func kindOrUnknown(err error) domain.Kind {
	if kind, ok := domain.KindOf(err); ok {
		return kind
	}
	return "UNKNOWN"
}
