package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Order is the raw Admin API order shape. Line items and addresses stay
// close to the wire so the sync engine can persist them opaquely.
type Order struct {
	ID                int64           `json:"id"`
	OrderNumber       int64           `json:"order_number"`
	Name              string          `json:"name"`
	Email             string          `json:"email"`
	Phone             string          `json:"phone"`
	Currency          string          `json:"currency"`
	TotalPrice        string          `json:"total_price"`
	SubtotalPrice     string          `json:"subtotal_price"`
	TotalTax          string          `json:"total_tax"`
	FinancialStatus   string          `json:"financial_status"`
	FulfillmentStatus string          `json:"fulfillment_status"`
	Customer          Customer        `json:"customer"`
	ShippingAddress   json.RawMessage `json:"shipping_address"`
	BillingAddress    json.RawMessage `json:"billing_address"`
	LineItems         []LineItem      `json:"line_items"`
	CancelledAt       string          `json:"cancelled_at"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
}

type Customer struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

type LineItem struct {
	ID          int64  `json:"id"`
	ProductID   int64  `json:"product_id"`
	VariantID   int64  `json:"variant_id"`
	Title       string `json:"title"`
	Name        string `json:"name"`
	SKU         string `json:"sku"`
	ProductType string `json:"product_type,omitempty"`
	Quantity    int    `json:"quantity"`
	Price       string `json:"price"`
}

type Product struct {
	ID          int64            `json:"id"`
	Title       string           `json:"title"`
	ProductType string           `json:"product_type"`
	Status      string           `json:"status"`
	Variants    []ProductVariant `json:"variants"`
}

type ProductVariant struct {
	ID              int64  `json:"id"`
	ProductID       int64  `json:"product_id"`
	Title           string `json:"title"`
	SKU             string `json:"sku"`
	Price           string `json:"price"`
	InventoryItemID int64  `json:"inventory_item_id"`
	InventoryQty    int    `json:"inventory_quantity"`
}

// ListOrders fetches one page of orders updated at or after updatedAtMin
// (RFC3339, optional). limit is clamped to Shopify's 250 page cap.
func (c *Client) ListOrders(ctx context.Context, shopDomain, accessToken, updatedAtMin string, limit int) ([]Order, error) {
	if limit <= 0 || limit > 250 {
		limit = 250
	}
	q := url.Values{}
	q.Set("status", "any")
	q.Set("limit", fmt.Sprintf("%d", limit))
	if updatedAtMin != "" {
		q.Set("updated_at_min", updatedAtMin)
	}

	var out struct {
		Orders []Order `json:"orders"`
	}
	if err := c.Do(ctx, shopDomain, accessToken, http.MethodGet, "/orders.json?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

func (c *Client) ListProducts(ctx context.Context, shopDomain, accessToken string, limit int) ([]Product, error) {
	if limit <= 0 || limit > 250 {
		limit = 250
	}
	var out struct {
		Products []Product `json:"products"`
	}
	path := fmt.Sprintf("/products.json?limit=%d", limit)
	if err := c.Do(ctx, shopDomain, accessToken, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Products, nil
}

type Fulfillment struct {
	TrackingNumber  string `json:"tracking_number,omitempty"`
	TrackingCompany string `json:"tracking_company,omitempty"`
	NotifyCustomer  bool   `json:"notify_customer"`
}

// CreateFulfillment pushes tracking info for one order. Failures propagate
// as-is; the caller must not touch local state until this succeeds.
func (c *Client) CreateFulfillment(ctx context.Context, shopDomain, accessToken string, orderID int64, f Fulfillment) error {
	body := map[string]any{"fulfillment": f}
	path := fmt.Sprintf("/orders/%d/fulfillments.json", orderID)
	return c.Do(ctx, shopDomain, accessToken, http.MethodPost, path, body, nil)
}

// AdjustInventory applies a signed delta to one inventory item at a location.
func (c *Client) AdjustInventory(ctx context.Context, shopDomain, accessToken string, locationID, inventoryItemID int64, delta int) error {
	body := map[string]any{
		"location_id":          locationID,
		"inventory_item_id":    inventoryItemID,
		"available_adjustment": delta,
	}
	return c.Do(ctx, shopDomain, accessToken, http.MethodPost, "/inventory_levels/adjust.json", body, nil)
}

// PrimaryLocationID returns the shop's first location, used as the default
// target for inventory adjustments.
func (c *Client) PrimaryLocationID(ctx context.Context, shopDomain, accessToken string) (int64, error) {
	var out struct {
		Locations []struct {
			ID int64 `json:"id"`
		} `json:"locations"`
	}
	if err := c.Do(ctx, shopDomain, accessToken, http.MethodGet, "/locations.json", nil, &out); err != nil {
		return 0, err
	}
	if len(out.Locations) == 0 {
		return 0, fmt.Errorf("shop %s has no locations", shopDomain)
	}
	return out.Locations[0].ID, nil
}
