package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"ils-backend/internal/db"
	"ils-backend/internal/shopify"
	"ils-backend/internal/store"
	"ils-backend/internal/webhooklog"
)

type Queue interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// WebhookTask is the SQS message handed from ingress to the worker. The log
// entry key rides along so the worker can mark the entry processed.
type WebhookTask struct {
	CompanyID   string          `json:"companyId"`
	StoreDomain string          `json:"storeDomain"`
	Topic       string          `json:"topic"`
	WebhookID   string          `json:"webhookId,omitempty"`
	LogID       string          `json:"logId"`
	ReceivedAt  string          `json:"receivedAt"`
	Payload     json.RawMessage `json:"payload"`
}

// Ingress accepts public webhook POSTs: verify, persist, enqueue, respond.
// The 200 goes back before any processing happens so Shopify never
// retry-storms a slow sync.
type Ingress struct {
	stores *store.Repo
	logs   *webhooklog.Repo
	ddb    db.API
	queue  Queue
}

func NewIngress(ddb db.API, stores *store.Repo, queue Queue) *Ingress {
	return &Ingress{
		stores: stores,
		logs:   webhooklog.NewRepo(ddb),
		ddb:    ddb,
		queue:  queue,
	}
}

func (h *Ingress) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	topic := header(req, "X-Shopify-Topic")
	hmacHeader := header(req, "X-Shopify-Hmac-Sha256")
	shopDomain := strings.ToLower(header(req, "X-Shopify-Shop-Domain"))
	webhookID := header(req, "X-Shopify-Webhook-Id")

	if topic == "" || hmacHeader == "" || shopDomain == "" {
		return errResp(400, "missing webhook headers")
	}

	st, err := h.stores.FindByDomain(ctx, shopDomain)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errResp(404, "unknown store")
		}
		fmt.Printf("ingress: store lookup %s: %v\n", shopDomain, err)
		return errResp(500, "store lookup failed")
	}

	secret, err := h.stores.WebhookSecret(st)
	if err != nil {
		// Configuration error: broken key or corrupt secret. Not retryable.
		fmt.Printf("ingress: webhook secret for %s: %v\n", shopDomain, err)
		return errResp(500, "store misconfigured")
	}

	body, err := rawBody(req)
	if err != nil {
		return errResp(400, "invalid body encoding")
	}

	valid := shopify.VerifyWebhookHMAC(secret, body, hmacHeader)

	// Persist before acting on validity: spoofed requests leave a trail.
	headersJSON, _ := json.Marshal(req.Headers)
	entry := &webhooklog.Entry{
		StoreDomain:    shopDomain,
		CompanyID:      st.CompanyID,
		Topic:          topic,
		WebhookID:      webhookID,
		Payload:        string(body),
		Headers:        string(headersJSON),
		SignatureValid: valid,
	}
	if err := h.logs.Insert(ctx, entry); err != nil {
		fmt.Printf("ingress: persist webhook log: %v\n", err)
		return errResp(500, "failed to persist webhook")
	}

	if !valid {
		return errResp(401, "invalid signature")
	}

	dup, err := shopify.ClaimWebhook(ctx, h.ddb, webhookID, shopDomain, topic)
	if err != nil {
		fmt.Printf("ingress: dedupe claim: %v\n", err)
	}
	if dup {
		return jsonResp(200, map[string]any{"id": entry.ID, "duplicate": true})
	}

	task := WebhookTask{
		CompanyID:   st.CompanyID,
		StoreDomain: shopDomain,
		Topic:       topic,
		WebhookID:   webhookID,
		LogID:       entry.ID,
		ReceivedAt:  entry.ReceivedAt,
		Payload:     json.RawMessage(body),
	}
	msg, _ := json.Marshal(task)

	queueURL := strings.TrimSpace(os.Getenv("WEBHOOK_QUEUE_URL"))
	if queueURL == "" {
		return errResp(500, "WEBHOOK_QUEUE_URL not set")
	}
	if _, err := h.queue.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(msg)),
	}); err != nil {
		// The log entry survives; maintenance can re-enqueue it.
		fmt.Printf("ingress: enqueue webhook %s: %v\n", entry.ID, err)
		return errResp(500, "failed to enqueue webhook")
	}

	_ = h.stores.UpdateLastEvent(ctx, st.CompanyID, shopDomain, entry.ReceivedAt, topic)

	return jsonResp(200, map[string]any{"id": entry.ID})
}
