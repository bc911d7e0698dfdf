package adapter

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"dropwatch/internal/domain"
)

type statusPhrase struct {
	phrase string
	status domain.Status
}

// Checked in order, so negative phrasings ("not available") precede their positive substrings.
var statusPhrases = []statusPhrase{
	{"discontinued", domain.StatusDiscontinued},
	{"no longer available", domain.StatusDiscontinued},
	{"sold out", domain.StatusOutOfStock},
	{"soldout", domain.StatusOutOfStock},
	{"out of stock", domain.StatusOutOfStock},
	{"outofstock", domain.StatusOutOfStock},
	{"not available", domain.StatusOutOfStock},
	{"notavailable", domain.StatusOutOfStock},
	{"unavailable", domain.StatusOutOfStock},
	{"notify me", domain.StatusOutOfStock},
	{"coming soon", domain.StatusOutOfStock},
	{"comingsoon", domain.StatusOutOfStock},
	{"pre order", domain.StatusPreOrder},
	{"preorder", domain.StatusPreOrder},
	{"backorder", domain.StatusPreOrder},
	{"limited stock", domain.StatusLowStock},
	{"low stock", domain.StatusLowStock},
	{"few left", domain.StatusLowStock},
	{"in stock", domain.StatusInStock},
	{"instock", domain.StatusInStock},
	{"add to cart", domain.StatusInStock},
	{"ship it", domain.StatusInStock},
	{"pick it up", domain.StatusInStock},
	{"available", domain.StatusInStock},
}

var lowStockCount = regexp.MustCompile(`\bonly \d+ left\b`)

// StatusFromText maps free availability text onto a canonical status.
func StatusFromText(text string) (domain.Status, bool) {
	folded := fold(text)
	if strings.TrimSpace(folded) == "" {
		return "", false
	}
	if lowStockCount.MatchString(folded) {
		return domain.StatusLowStock, true
	}
	for _, p := range statusPhrases {
		if containsTerm(folded, p.phrase) {
			return p.status, true
		}
	}
	return "", false
}

var priceExpr = regexp.MustCompile(`-?\d[\d,]*(?:\.\d{1,2})?`)

// ParsePrice reads the first amount in text such as "$1,299.99" or "Now $54.99 (was $64.99)".
// Garbled or negative amounts yield nil.
func ParsePrice(text string) *decimal.Decimal {
	m := priceExpr.FindString(text)
	if m == "" {
		return nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m, ",", ""))
	if err != nil || d.IsNegative() {
		return nil
	}
	return &d
}

// PriceFromFloat converts a vendor JSON number.
func PriceFromFloat(v float64) *decimal.Decimal {
	if v < 0 {
		return nil
	}
	d := decimal.NewFromFloat(v).Round(2)
	return &d
}
