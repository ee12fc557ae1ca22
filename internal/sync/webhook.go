package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"ils-backend/internal/shopify"
	"ils-backend/internal/store"
)

// ProcessWebhook dispatches one validated webhook payload by topic.
// orders/create and orders/updated share the idempotent sync path, which is
// why create and update logic is one code path. Unknown topics are logged
// and ignored, never an error.
func (e *Engine) ProcessWebhook(ctx context.Context, st *store.Store, topic string, payload []byte) error {
	switch topic {
	case "orders/create", "orders/updated":
		o, err := parseOrder(payload)
		if err != nil {
			return err
		}
		_, err = e.SyncOrder(ctx, st, o)
		return err

	case "orders/fulfilled":
		o, err := parseOrder(payload)
		if err != nil {
			return err
		}
		// External fulfillment only updates the local flag; internal order
		// status is driven by the fulfillment bridge, not by webhooks.
		return e.markExternallyFulfilled(ctx, st, strconv.FormatInt(o.ID, 10), o.FulfillmentStatus)

	case "orders/cancelled":
		o, err := parseOrder(payload)
		if err != nil {
			return err
		}
		return e.cancelOrder(ctx, st, strconv.FormatInt(o.ID, 10))

	case "products/create", "products/update":
		var wrapper shopify.Product
		if err := json.Unmarshal(payload, &wrapper); err != nil {
			return fmt.Errorf("unmarshal product payload: %w", err)
		}
		return e.mappings.UpsertFromProduct(ctx, st.CompanyID, st.Domain, &wrapper)

	case "products/delete":
		var del struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(payload, &del); err != nil {
			return fmt.Errorf("unmarshal product delete payload: %w", err)
		}
		// Soft-disable, never delete: orders may still reference the mapping.
		return e.mappings.Disable(ctx, st.CompanyID, st.Domain, del.ID)

	default:
		fmt.Printf("sync: ignoring webhook topic %q for %s\n", topic, st.Domain)
		return nil
	}
}

func parseOrder(payload []byte) (*shopify.Order, error) {
	var o shopify.Order
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order payload: %w", err)
	}
	if o.ID == 0 {
		return nil, fmt.Errorf("order payload missing id")
	}
	return &o, nil
}

func (e *Engine) markExternallyFulfilled(ctx context.Context, st *store.Store, externalID, status string) error {
	rec, err := e.GetOrder(ctx, st.CompanyID, st.Domain, externalID)
	if err != nil {
		return err
	}
	if status == "" {
		status = "fulfilled"
	}
	tbl, err := e.ordersTable()
	if err != nil {
		return err
	}
	_, err = e.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: rec.PK},
			"SK": &types.AttributeValueMemberS{Value: rec.SK},
		},
		UpdateExpression: aws.String("SET FulfillmentStatus = :f, UpdatedAt = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":f": &types.AttributeValueMemberS{Value: status},
			":u": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	})
	return err
}

// cancelOrder marks the record cancelled and nothing else: totals, line
// items and links stay intact for audit.
func (e *Engine) cancelOrder(ctx context.Context, st *store.Store, externalID string) error {
	rec, err := e.GetOrder(ctx, st.CompanyID, st.Domain, externalID)
	if err != nil {
		return err
	}
	tbl, err := e.ordersTable()
	if err != nil {
		return err
	}
	_, err = e.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: rec.PK},
			"SK": &types.AttributeValueMemberS{Value: rec.SK},
		},
		UpdateExpression: aws.String("SET SyncStatus = :st, UpdatedAt = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: StatusCancelled},
			":u":  &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	})
	return err
}
