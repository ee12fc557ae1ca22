package shopify

import (
	"context"
	"fmt"
	"net/http"
)

// Topics every connected store is subscribed to. orders/create and
// orders/updated feed the same idempotent sync path; products topics keep
// the product mappings fresh.
var webhookTopics = []string{
	"orders/create",
	"orders/updated",
	"orders/fulfilled",
	"orders/cancelled",
	"products/create",
	"products/update",
	"products/delete",
}

type Webhook struct {
	ID      int64  `json:"id"`
	Address string `json:"address"`
	Topic   string `json:"topic"`
	Format  string `json:"format"`
}

func (c *Client) CreateWebhook(ctx context.Context, shopDomain, accessToken, topic, address string) (int64, error) {
	body := map[string]any{
		"webhook": map[string]string{
			"address": address,
			"topic":   topic,
			"format":  "json",
		},
	}
	var out struct {
		Webhook Webhook `json:"webhook"`
	}
	if err := c.Do(ctx, shopDomain, accessToken, http.MethodPost, "/webhooks.json", body, &out); err != nil {
		return 0, fmt.Errorf("create webhook %s: %w", topic, err)
	}
	return out.Webhook.ID, nil
}

func (c *Client) ListWebhooks(ctx context.Context, shopDomain, accessToken string) ([]Webhook, error) {
	var out struct {
		Webhooks []Webhook `json:"webhooks"`
	}
	if err := c.Do(ctx, shopDomain, accessToken, http.MethodGet, "/webhooks.json", nil, &out); err != nil {
		return nil, err
	}
	return out.Webhooks, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, shopDomain, accessToken string, id int64) error {
	path := fmt.Sprintf("/webhooks/%d.json", id)
	return c.Do(ctx, shopDomain, accessToken, http.MethodDelete, path, nil, nil)
}

// SubscribeWebhookTopics registers all required topics pointing at the
// ingress URL. Per-topic failures are collected, not fatal: a store missing
// one topic still syncs the rest.
func (c *Client) SubscribeWebhookTopics(ctx context.Context, shopDomain, accessToken, address string) (created []string, failed []map[string]string) {
	for _, t := range webhookTopics {
		if _, err := c.CreateWebhook(ctx, shopDomain, accessToken, t, address); err != nil {
			failed = append(failed, map[string]string{"topic": t, "error": err.Error()})
			continue
		}
		created = append(created, t)
	}
	return created, failed
}

// UnsubscribeAllWebhooks removes every webhook that points at our ingress.
// Called on store disconnect.
func (c *Client) UnsubscribeAllWebhooks(ctx context.Context, shopDomain, accessToken, address string) error {
	hooks, err := c.ListWebhooks(ctx, shopDomain, accessToken)
	if err != nil {
		return err
	}
	for _, h := range hooks {
		if h.Address != address {
			continue
		}
		if err := c.DeleteWebhook(ctx, shopDomain, accessToken, h.ID); err != nil {
			return err
		}
	}
	return nil
}
