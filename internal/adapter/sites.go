package adapter

import (
	"sort"
	"time"

	"dropwatch/internal/acquire"
	"dropwatch/internal/domain"
)

// BestBuy is the API-backed reference site.
func BestBuy() APISite {
	policy := PokemonTCG
	return APISite{
		Slug:              "best-buy",
		Name:              "Best Buy",
		BaseURL:           "https://api.bestbuy.com",
		RequestsPerMinute: 300,
		Fields:            BestBuyFields,
		Policy:            &policy,
	}
}

// ScrapeSites returns the built-in storefront profiles.
func ScrapeSites() []ScrapeSite {
	return []ScrapeSite{
		{
			Slug:              "target",
			Name:              "Target",
			BaseURL:           "https://www.target.com",
			SearchPath:        "/s?searchTerm=%s",
			RequestsPerMinute: 12,
			Policy:            PokemonTCG,
			FetchDetail:       true,
			Selectors: Selectors{
				Item:             []string{`[data-test="@web/site-top-of-funnel/ProductCardWrapper"]`, `[data-test="product-grid"] section`, `li[data-test="list-entry-product-card"]`},
				Title:            []string{`[data-test="product-title"]`, `a[data-test="product-title"]`, `h3`},
				Link:             []string{`a[data-test="product-title"]`, `a[href*="/p/"]`},
				Price:            []string{`[data-test="current-price"]`, `span[data-test="product-price"]`},
				Availability:     []string{`[data-test="fulfillment-cell-shipping"]`, `[data-test="shippingButton"]`, `[data-test="soldOutButton"]`},
				IDAttr:           []string{"data-tcin"},
				ShipText:         []string{`[data-test="fulfillment-cell-shipping"]`, `[data-test="shipItButton"]`},
				PageAvailability: []string{`[data-test="shippingButton"]`, `[data-test="soldOutButton"]`, `[data-test="preorderButton"]`},
				PagePrice:        []string{`[data-test="product-price"]`},
			},
		},
		{
			Slug:              "walmart",
			Name:              "Walmart",
			BaseURL:           "https://www.walmart.com",
			SearchPath:        "/search?q=%s",
			RequestsPerMinute: 10,
			Policy:            PokemonTCG,
			FetchDetail:       true,
			Selectors: Selectors{
				Item:             []string{`[data-item-id]`, `div[data-testid="list-view"]`, `div.search-result-gridview-item`},
				Title:            []string{`[data-automation-id="product-title"]`, `span.lh-title`, `a span`},
				Link:             []string{`a[link-identifier]`, `a[href*="/ip/"]`},
				Price:            []string{`[data-automation-id="product-price"] .f2`, `[data-automation-id="product-price"]`, `div.price-main`},
				Availability:     []string{`[data-automation-id="fulfillment-badge"]`, `[data-automation-id="add-to-cart"]`, `div.out-of-stock`},
				IDAttr:           []string{"data-item-id"},
				ShipText:         []string{`[data-seo-id="fulfillment-shipping-intent"]`, `[data-testid="shipping-tile"]`, `div.fulfillment-shipping-text`},
				PageAvailability: []string{`[data-automation-id="atc"]`, `[data-testid="add-to-cart-section"]`, `div.prod-ProductOffer-oosMsg`},
				PagePrice:        []string{`[itemprop="price"]`, `span.price-characteristic`},
			},
		},
		{
			Slug:              "gamestop",
			Name:              "GameStop",
			BaseURL:           "https://www.gamestop.com",
			SearchPath:        "/search/?q=%s",
			RequestsPerMinute: 12,
			Policy:            PokemonTCG,
			Selectors: Selectors{
				Item:         []string{`div.product-tile`, `div.product-grid-tile`, `li.grid-tile`},
				Title:        []string{`.pd-name`, `.product-tile-header a`, `a.link-name`},
				Link:         []string{`a.product-tile-link`, `.product-tile-header a`, `a`},
				Price:        []string{`.actual-price`, `.price .sales .value`, `span.price`},
				Availability: []string{`.availability-msg`, `button.add-to-cart`, `.product-availability`},
				IDAttr:       []string{"data-pid", "data-itemid"},
			},
		},
		{
			Slug:              "pokemon-center",
			Name:              "Pokémon Center",
			BaseURL:           "https://www.pokemoncenter.com",
			SearchPath:        "/search/%s",
			RequestsPerMinute: 6,
			Policy:            PokemonTCG,
			FetchDetail:       true,
			Render:            true,
			Selectors: Selectors{
				Item:             []string{`[data-testid="product-card"]`, `div.product-tile`, `li.product`},
				Title:            []string{`[data-testid="product-title"]`, `.product-title`, `h2`, `h3`},
				Link:             []string{`a[href*="/product/"]`, `a`},
				Price:            []string{`[data-testid="product-price"]`, `.product-price`, `.price`},
				Availability:     []string{`[data-testid="product-availability"]`, `.stock-status`, `button`},
				IDAttr:           []string{"data-product-id", "data-sku"},
				ShipText:         []string{`[data-testid="shipping-message"]`, `.shipping-estimate`, `.ship-date`},
				PageAvailability: []string{`[data-testid="add-to-cart-button"]`, `.add-to-cart`, `.product-availability`},
				PagePrice:        []string{`[data-testid="product-price"]`, `.product-price`},
			},
		},
	}
}

// Override adjusts a built-in profile; zero values keep the built-in setting.
type Override struct {
	Enabled           *bool
	BaseURL           string
	APIKey            string
	RequestsPerMinute int
	FetchDetail       *bool
}

// Registrar receives each adapter's politeness budget; *acquire.Fetcher implements it.
type Registrar interface {
	Register(identity string, class acquire.Class, requestsPerMinute int) time.Duration
}

var _ Registrar = (*acquire.Fetcher)(nil)

// Registry holds the adapters enabled for this process, keyed by retailer slug.
type Registry struct {
	adapters map[string]Adapter
	names    map[string]string
}

// NewRegistry instantiates every enabled built-in site with overrides applied and
// registers its request budget. When monitor is non-nil each adapter is instrumented.
func NewRegistry(overrides map[string]Override, deps Deps, registrar Registrar, monitor Recorder) *Registry {
	reg := &Registry{adapters: make(map[string]Adapter), names: make(map[string]string)}
	log := deps.Logger.With().Str("component", "adapter_registry").Logger()

	add := func(a Adapter, name string, rpm int) {
		interval := registrar.Register(a.ID(), a.Class(), rpm)
		if monitor != nil {
			a = Instrument(a, monitor)
		}
		reg.adapters[a.ID()] = a
		reg.names[a.ID()] = name
		log.Debug().Str("retailer", a.ID()).Str("class", string(a.Class())).Dur("interval", interval).Msg("adapter registered")
	}

	api := BestBuy()
	if ov, ok := overrides[api.Slug]; !ok || enabled(ov) {
		if ok {
			api.BaseURL = pick(ov.BaseURL, api.BaseURL)
			api.APIKey = pick(ov.APIKey, api.APIKey)
			if ov.RequestsPerMinute > 0 {
				api.RequestsPerMinute = ov.RequestsPerMinute
			}
		}
		if api.APIKey == "" {
			log.Warn().Str("retailer", api.Slug).Msg("no api key configured, requests will be rejected")
		}
		add(NewAPIAdapter(api, deps), api.Name, api.RequestsPerMinute)
	}

	for _, site := range ScrapeSites() {
		ov, ok := overrides[site.Slug]
		if ok && !enabled(ov) {
			continue
		}
		if ok {
			site.BaseURL = pick(ov.BaseURL, site.BaseURL)
			if ov.RequestsPerMinute > 0 {
				site.RequestsPerMinute = ov.RequestsPerMinute
			}
			if ov.FetchDetail != nil {
				site.FetchDetail = *ov.FetchDetail
			}
		}
		add(NewScrapeAdapter(site, deps), site.Name, site.RequestsPerMinute)
	}
	return reg
}

// Get returns the adapter for slug.
func (r *Registry) Get(slug string) (Adapter, bool) {
	a, ok := r.adapters[slug]
	return a, ok
}

// Slugs lists registered retailers in sorted order.
func (r *Registry) Slugs() []string {
	out := make([]string, 0, len(r.adapters))
	for slug := range r.adapters {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// Retailers describes the registered adapters as catalog rows.
func (r *Registry) Retailers() []domain.Retailer {
	out := make([]domain.Retailer, 0, len(r.adapters))
	for _, slug := range r.Slugs() {
		out = append(out, domain.Retailer{
			ID:     slug,
			Slug:   slug,
			Name:   r.names[slug],
			Kind:   domain.RetailerKind(r.adapters[slug].Class()),
			Active: true,
		})
	}
	return out
}

// All returns the adapters sorted by slug.
func (r *Registry) All() []Adapter {
	slugs := r.Slugs()
	out := make([]Adapter, len(slugs))
	for i, slug := range slugs {
		out[i] = r.adapters[slug]
	}
	return out
}

func enabled(ov Override) bool {
	return ov.Enabled == nil || *ov.Enabled
}

func pick(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
