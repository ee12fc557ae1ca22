package handlers

import (
	"context"
	"encoding/json"
	"errors"
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

// Maintenance re-drives webhook log entries that failed processing: each
// failed entry is put back on the worker queue and its retry count bumped.
type Maintenance struct {
	stores *store.Repo
	logs   *webhooklog.Repo
	queue  Queue
}

func NewMaintenance(ddb db.API, stores *store.Repo, queue Queue) *Maintenance {
	return &Maintenance{
		stores: stores,
		logs:   webhooklog.NewRepo(ddb),
		queue:  queue,
	}
}

func (h *Maintenance) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if req.RawPath != "/maintenance/webhooks/reprocess" || req.RequestContext.HTTP.Method != "POST" {
		return errResp(404, "not found")
	}
	return h.reprocessFailed(ctx, req)
}

func (h *Maintenance) reprocessFailed(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, _, err := tenant(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	shop := strings.ToLower(strings.TrimSpace(req.QueryStringParameters["shop"]))
	if !shopify.IsValidShopDomain(shop) {
		return errResp(400, "invalid shop")
	}

	// The log table is keyed by domain; confirm the caller owns the store
	// before touching its entries.
	st, err := h.stores.Get(ctx, companyID, shop)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errResp(404, "store not connected")
		}
		return errResp(500, "store lookup failed")
	}

	queueURL := strings.TrimSpace(os.Getenv("WEBHOOK_QUEUE_URL"))
	if queueURL == "" {
		return errResp(500, "WEBHOOK_QUEUE_URL not set")
	}

	failed, err := h.logs.ListFailed(ctx, shop, 100)
	if err != nil {
		return errResp(500, "query failed")
	}

	enqueued := 0
	skipped := 0
	for i := range failed {
		entry := &failed[i]
		if !entry.SignatureValid {
			// Never re-drive entries that failed verification.
			skipped++
			continue
		}

		task := WebhookTask{
			CompanyID:   st.CompanyID,
			StoreDomain: entry.StoreDomain,
			Topic:       entry.Topic,
			WebhookID:   entry.WebhookID,
			LogID:       entry.ID,
			ReceivedAt:  entry.ReceivedAt,
			Payload:     json.RawMessage(entry.Payload),
		}
		msg, merr := json.Marshal(task)
		if merr != nil {
			skipped++
			continue
		}

		if _, serr := h.queue.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(queueURL),
			MessageBody: aws.String(string(msg)),
		}); serr != nil {
			return errResp(500, "enqueue failed")
		}
		enqueued++
	}

	return jsonResp(200, map[string]any{
		"shop":     shop,
		"enqueued": enqueued,
		"skipped":  skipped,
	})
}
