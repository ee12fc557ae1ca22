package sync

import (
	"strings"

	"ils-backend/internal/shopify"
)

// Keywords that mark a line item as a prescription lens product. Matched
// case-insensitively as substrings against title, name and product type.
// Deliberately excludes "glasses" and "frame": sunglasses, cases and frames
// ship without a prescription.
var lensKeywords = []string{
	"lens",
	"progressive",
	"bifocal",
	"trifocal",
	"varifocal",
	"single vision",
	"photochromic",
	"prescription",
}

// IsLensItem reports whether one line item requires prescription
// verification before fulfillment.
func IsLensItem(it shopify.LineItem) bool {
	for _, field := range []string{it.Title, it.Name, it.ProductType} {
		f := strings.ToLower(field)
		if f == "" {
			continue
		}
		for _, kw := range lensKeywords {
			if strings.Contains(f, kw) {
				return true
			}
		}
	}
	return false
}

// ContainsLensItems scans an order's line items for lens products.
func ContainsLensItems(items []shopify.LineItem) bool {
	for _, it := range items {
		if IsLensItem(it) {
			return true
		}
	}
	return false
}
