package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the canonical availability state reported by every adapter.
type Status string

const (
	StatusInStock      Status = "in_stock"
	StatusLowStock     Status = "low_stock"
	StatusOutOfStock   Status = "out_of_stock"
	StatusPreOrder     Status = "pre_order"
	StatusDiscontinued Status = "discontinued"
)

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInStock, StatusLowStock, StatusOutOfStock, StatusPreOrder, StatusDiscontinued:
		return true
	}
	return false
}

// Purchasable reports whether the status lets a shopper buy right now.
func (s Status) Purchasable() bool {
	return s == StatusInStock || s == StatusLowStock || s == StatusPreOrder
}

// AvailabilityRequest identifies a product at a retailer for a single check.
type AvailabilityRequest struct {
	ProductID   string
	UPC         string
	SKU         string
	Query       string
	ZIP         string
	RadiusMiles int
}

// SearchTerms returns the text used by scraping adapters when no SKU is known.
func (r AvailabilityRequest) SearchTerms() string {
	if q := strings.TrimSpace(r.Query); q != "" {
		return q
	}
	if r.UPC != "" {
		return r.UPC
	}
	if r.SKU != "" {
		return r.SKU
	}
	return r.ProductID
}

// StoreLocation is a physical store reporting stock for a record.
type StoreLocation struct {
	StoreID  string  `json:"store_id"`
	Name     string  `json:"name"`
	ZIP      string  `json:"zip,omitempty"`
	Distance float64 `json:"distance_miles,omitempty"`
	InStock  bool    `json:"in_stock"`
}

// AvailabilityRecord is the canonical result produced by every adapter.
type AvailabilityRecord struct {
	RetailerID     string            `json:"retailer_id"`
	ProductID      string            `json:"product_id"`
	Title          string            `json:"title,omitempty"`
	InStock        bool              `json:"in_stock"`
	Status         Status            `json:"availability_status"`
	Price          *decimal.Decimal  `json:"price,omitempty"`
	OriginalPrice  *decimal.Decimal  `json:"original_price,omitempty"`
	ProductURL     string            `json:"product_url"`
	CartURL        string            `json:"cart_url,omitempty"`
	StoreLocations []StoreLocation   `json:"store_locations"`
	LastUpdated    time.Time         `json:"last_updated"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Normalize enforces the record invariants: an out-of-stock flag always maps to
// out_of_stock, unknown statuses are derived from the flag, negative prices are dropped.
func (r AvailabilityRecord) Normalize() AvailabilityRecord {
	if !r.Status.Valid() {
		if r.InStock {
			r.Status = StatusInStock
		} else {
			r.Status = StatusOutOfStock
		}
	}
	if !r.InStock {
		r.Status = StatusOutOfStock
	}
	if r.InStock && r.Status == StatusOutOfStock {
		r.Status = StatusInStock
	}
	r.Price = nonNegative(r.Price)
	r.OriginalPrice = nonNegative(r.OriginalPrice)
	if r.StoreLocations == nil {
		r.StoreLocations = []StoreLocation{}
	}
	if r.LastUpdated.IsZero() {
		r.LastUpdated = time.Now().UTC()
	}
	return r
}

// HasPrice reports whether a positive price was captured.
func (r AvailabilityRecord) HasPrice() bool {
	return r.Price != nil && r.Price.IsPositive()
}

// SetMeta stores a metadata value, allocating the map on first use.
func (r *AvailabilityRecord) SetMeta(key, value string) {
	if value == "" {
		return
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

func nonNegative(d *decimal.Decimal) *decimal.Decimal {
	if d == nil || d.IsNegative() {
		return nil
	}
	return d
}
