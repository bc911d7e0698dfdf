package domain

// RetailerKind distinguishes API-backed sites from scraped sites.
type RetailerKind string

const (
	RetailerAPI    RetailerKind = "api"
	RetailerScrape RetailerKind = "scrape"
)

// Retailer is a row of the retailers reference table.
type Retailer struct {
	ID     string
	Slug   string
	Name   string
	Kind   RetailerKind
	Active bool
}

// Product is a row of the products reference table.
type Product struct {
	ID         string
	Name       string
	UPC        string
	SKU        string
	Popularity int
	Active     bool
}

// Request builds the availability request used to check p.
func (p Product) Request() AvailabilityRequest {
	return AvailabilityRequest{ProductID: p.ID, UPC: p.UPC, SKU: p.SKU, Query: p.Name}
}
