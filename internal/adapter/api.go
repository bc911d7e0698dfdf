package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"dropwatch/internal/acquire"
	"dropwatch/internal/domain"
	"dropwatch/internal/version"
)

// FieldMap names the vendor JSON keys mapped onto a record.
type FieldMap struct {
	Items         string
	ID            string
	UPC           string
	Title         string
	Price         string
	OriginalPrice string
	URL           string
	CartURL       string
	Online        string
	Orderable     string
}

// BestBuyFields matches the Best Buy products API.
var BestBuyFields = FieldMap{
	Items:         "products",
	ID:            "sku",
	UPC:           "upc",
	Title:         "name",
	Price:         "salePrice",
	OriginalPrice: "regularPrice",
	URL:           "url",
	CartURL:       "addToCartUrl",
	Online:        "onlineAvailability",
	Orderable:     "orderable",
}

// APISite profiles a retailer with a documented product API.
type APISite struct {
	Slug              string
	Name              string
	BaseURL           string
	APIKey            string
	RequestsPerMinute int
	PageSize          int
	Fields            FieldMap
	Policy            *CategoryPolicy
}

// APIAdapter checks availability through a JSON product API.
type APIAdapter struct {
	site   APISite
	deps   Deps
	logger zerolog.Logger
}

var _ Adapter = (*APIAdapter)(nil)

// NewAPIAdapter builds an adapter for site.
func NewAPIAdapter(site APISite, deps Deps) *APIAdapter {
	if site.PageSize <= 0 {
		site.PageSize = 25
	}
	if site.Fields.Items == "" {
		site.Fields = BestBuyFields
	}
	site.BaseURL = strings.TrimRight(site.BaseURL, "/")
	return &APIAdapter{
		site:   site,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "adapter").Str("retailer", site.Slug).Logger(),
	}
}

func (a *APIAdapter) ID() string           { return a.site.Slug }
func (a *APIAdapter) Class() acquire.Class { return acquire.ClassAPI }

// CheckAvailability looks the product up by SKU, then UPC, then by search terms.
func (a *APIAdapter) CheckAvailability(ctx context.Context, req domain.AvailabilityRequest) (domain.AvailabilityRecord, error) {
	const op = "check"
	var (
		rec domain.AvailabilityRecord
		err error
	)
	switch {
	case req.SKU != "":
		rec, err = a.bySKU(ctx, req.SKU)
	case req.UPC != "":
		rec, err = a.first(ctx, a.endpoint("products(upc="+url.PathEscape(req.UPC)+")", nil), req.UPC)
	default:
		var recs []domain.AvailabilityRecord
		recs, err = a.SearchProducts(ctx, req.SearchTerms())
		if err == nil {
			if best, ok := bestMatch(req.SearchTerms(), recs); ok {
				rec = best
			} else {
				err = notFound(a.site.Slug, op, req.SearchTerms())
			}
		}
	}
	if err != nil {
		return domain.AvailabilityRecord{}, tag(err, op)
	}

	if req.ProductID != "" {
		rec.ProductID = req.ProductID
	}
	if req.ZIP != "" {
		a.attachStores(ctx, &rec, req)
	}
	return rec.Normalize(), nil
}

// SearchProducts runs a keyword search; no results is an empty slice.
func (a *APIAdapter) SearchProducts(ctx context.Context, query string) ([]domain.AvailabilityRecord, error) {
	terms := tokens(query)
	if len(terms) == 0 {
		return []domain.AvailabilityRecord{}, nil
	}
	parts := make([]string, len(terms))
	for i, term := range terms {
		parts[i] = "search=" + url.PathEscape(term)
	}
	extra := url.Values{"pageSize": {strconv.Itoa(a.site.PageSize)}}
	items, err := a.list(ctx, a.endpoint("products("+strings.Join(parts, "&")+")", extra))
	if err != nil {
		if !isNotFound(err) {
			return nil, tag(err, "search")
		}
		return []domain.AvailabilityRecord{}, nil
	}

	out := make([]domain.AvailabilityRecord, 0, len(items))
	for _, item := range items {
		rec := a.mapItem(item)
		if a.site.Policy != nil {
			if v := a.site.Policy.Evaluate(rec.Title); !v.Keep {
				a.logger.Debug().Str("title", rec.Title).Str("reason", v.Reason).Msg("result filtered")
				continue
			}
		}
		out = append(out, rec.Normalize())
	}
	return out, nil
}

// HealthCheck issues a minimal search.
func (a *APIAdapter) HealthCheck(ctx context.Context) error {
	_, err := a.get(ctx, a.endpoint("products(search=pokemon)", url.Values{"pageSize": {"1"}}))
	if err != nil && !isNotFound(err) {
		return tag(err, "health")
	}
	return nil
}

func (a *APIAdapter) bySKU(ctx context.Context, sku string) (domain.AvailabilityRecord, error) {
	body, err := a.get(ctx, a.endpoint("products/"+url.PathEscape(sku)+".json", nil))
	if err != nil {
		return domain.AvailabilityRecord{}, err
	}
	var item map[string]any
	if err := json.Unmarshal(body, &item); err != nil {
		return domain.AvailabilityRecord{}, domain.NewError(domain.KindServerError, a.site.Slug, "check", fmt.Errorf("decode product: %w", err))
	}
	if len(item) == 0 {
		return domain.AvailabilityRecord{}, notFound(a.site.Slug, "check", sku)
	}
	return a.mapItem(item), nil
}

func (a *APIAdapter) first(ctx context.Context, endpoint, what string) (domain.AvailabilityRecord, error) {
	items, err := a.list(ctx, endpoint)
	if err != nil {
		return domain.AvailabilityRecord{}, err
	}
	if len(items) == 0 {
		return domain.AvailabilityRecord{}, notFound(a.site.Slug, "check", what)
	}
	return a.mapItem(items[0]), nil
}

func (a *APIAdapter) list(ctx context.Context, endpoint string) ([]map[string]any, error) {
	body, err := a.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, domain.NewError(domain.KindServerError, a.site.Slug, "fetch", fmt.Errorf("decode list: %w", err))
	}
	raw, ok := payload[a.site.Fields.Items]
	if !ok {
		return nil, nil
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, domain.NewError(domain.KindServerError, a.site.Slug, "fetch", fmt.Errorf("decode items: %w", err))
	}
	return items, nil
}

func (a *APIAdapter) get(ctx context.Context, endpoint string) ([]byte, error) {
	resp, err := a.deps.Fetcher.Fetch(ctx, endpoint, acquire.Options{
		Identity: a.site.Slug,
		Class:    acquire.ClassAPI,
		Headers:  http.Header{"Accept": {"application/json"}, "User-Agent": {version.UserAgent()}},
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *APIAdapter) endpoint(path string, extra url.Values) string {
	q := url.Values{"format": {"json"}}
	if a.site.APIKey != "" {
		q.Set("apiKey", a.site.APIKey)
	}
	for k, v := range extra {
		q[k] = v
	}
	return a.site.BaseURL + "/v1/" + path + "?" + q.Encode()
}

func (a *APIAdapter) mapItem(item map[string]any) domain.AvailabilityRecord {
	f := a.site.Fields
	rec := domain.AvailabilityRecord{
		RetailerID:  a.site.Slug,
		ProductID:   jsonString(item, f.ID),
		Title:       cleanText(jsonString(item, f.Title)),
		ProductURL:  jsonString(item, f.URL),
		CartURL:     jsonString(item, f.CartURL),
		LastUpdated: a.deps.now(),
	}
	if v, ok := jsonFloat(item, f.Price); ok {
		rec.Price = PriceFromFloat(v)
	}
	if v, ok := jsonFloat(item, f.OriginalPrice); ok {
		rec.OriginalPrice = PriceFromFloat(v)
	}

	online, hasOnline := item[f.Online].(bool)
	orderable := jsonString(item, f.Orderable)
	if status, ok := StatusFromText(orderable); ok {
		rec.Status = status
		rec.InStock = status.Purchasable()
		if hasOnline && !online && status == domain.StatusInStock {
			rec.InStock = false
		}
	} else {
		rec.InStock = hasOnline && online
	}

	rec.SetMeta("sku", jsonString(item, f.ID))
	rec.SetMeta("upc", jsonString(item, f.UPC))
	rec.SetMeta("orderable", orderable)
	rec.SetMeta("source", "api")
	return rec
}

type storesPayload struct {
	Stores []struct {
		StoreID    string  `json:"storeID"`
		Name       string  `json:"name"`
		PostalCode string  `json:"postalCode"`
		Distance   float64 `json:"distance"`
		LowStock   bool    `json:"lowStock"`
	} `json:"stores"`
}

// attachStores adds pickup stores near req.ZIP; a failure only loses store detail.
func (a *APIAdapter) attachStores(ctx context.Context, rec *domain.AvailabilityRecord, req domain.AvailabilityRequest) {
	sku := rec.Metadata["sku"]
	if sku == "" {
		return
	}
	body, err := a.get(ctx, a.endpoint("products/"+url.PathEscape(sku)+"/stores.json", url.Values{"postalCode": {req.ZIP}}))
	if err != nil {
		a.logger.Warn().Err(err).Str("zip", req.ZIP).Msg("store lookup failed")
		rec.SetMeta("store_lookup", "failed")
		return
	}
	var payload storesPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		a.logger.Warn().Err(err).Msg("decode stores")
		return
	}
	for _, s := range payload.Stores {
		if req.RadiusMiles > 0 && s.Distance > float64(req.RadiusMiles) {
			continue
		}
		rec.StoreLocations = append(rec.StoreLocations, domain.StoreLocation{
			StoreID:  s.StoreID,
			Name:     s.Name,
			ZIP:      s.PostalCode,
			Distance: s.Distance,
			InStock:  true,
		})
	}
	if len(rec.StoreLocations) > 0 && !rec.InStock {
		rec.InStock = true
		rec.Status = domain.StatusInStock
		rec.SetMeta("in_store_only", "true")
	}
}

func jsonString(item map[string]any, key string) string {
	if key == "" {
		return ""
	}
	switch v := item[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}

func jsonFloat(item map[string]any, key string) (float64, bool) {
	switch v := item[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimPrefix(v, "$"), 64)
		return f, err == nil
	}
	return 0, false
}

func isNotFound(err error) bool {
	kind, ok := domain.KindOf(err)
	return ok && kind == domain.KindNotFound
}

// bestMatch picks the record whose title shares the most tokens with query.
func bestMatch(query string, recs []domain.AvailabilityRecord) (domain.AvailabilityRecord, bool) {
	best, bestScore := -1, 0
	for i, rec := range recs {
		if score := overlap(query, rec.Title); score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return domain.AvailabilityRecord{}, false
	}
	return recs[best], true
}
