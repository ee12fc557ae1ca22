package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ils-backend/internal/shopify"
)

func TestIsLensItem(t *testing.T) {
	cases := []struct {
		name string
		item shopify.LineItem
		want bool
	}{
		{"progressive in title", shopify.LineItem{Title: "Progressive Lenses - Premium"}, true},
		{"keyword in product type only", shopify.LineItem{Title: "Clarity 2.0", ProductType: "Single Vision"}, true},
		{"keyword in name only", shopify.LineItem{Name: "Photochromic upgrade"}, true},
		{"mixed case", shopify.LineItem{Title: "BIFOCAL Reader"}, true},
		{"prescription keyword", shopify.LineItem{Title: "Prescription Swim Goggles"}, true},
		{"sunglasses accessory", shopify.LineItem{Title: "Sunglasses Case"}, false},
		{"bare frame", shopify.LineItem{Title: "Acetate Frame - Tortoise", ProductType: "Frames"}, false},
		{"cleaning kit", shopify.LineItem{Title: "Cleaning Kit", Name: "Cleaning Kit"}, false},
		{"empty item", shopify.LineItem{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsLensItem(tc.item))
		})
	}
}

func TestContainsLensItems(t *testing.T) {
	assert.False(t, ContainsLensItems(nil))
	assert.False(t, ContainsLensItems([]shopify.LineItem{
		{Title: "Sunglasses Case"},
		{Title: "Microfibre Cloth"},
	}))
	assert.True(t, ContainsLensItems([]shopify.LineItem{
		{Title: "Microfibre Cloth"},
		{Title: "Varifocal Lens Package"},
	}))
}
