package shopify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"ils-backend/internal/db"
)

func DedupeTable() string {
	return os.Getenv("WEBHOOK_DEDUPE_TABLE")
}

// ClaimWebhook records the X-Shopify-Webhook-Id with a conditional put so
// redelivered webhooks are processed at most once. Returns (isDuplicate,
// error); on duplicate the caller should ack and skip. An unset table means
// dedupe is disabled and nothing is blocked.
func ClaimWebhook(ctx context.Context, ddb db.API, webhookID, shopDomain, topic string) (bool, error) {
	tbl := strings.TrimSpace(DedupeTable())
	if tbl == "" {
		return false, nil
	}
	webhookID = strings.TrimSpace(webhookID)
	if webhookID == "" {
		return false, nil
	}

	// TTL: keep dedupe records for 7 days
	exp := time.Now().UTC().Add(7 * 24 * time.Hour).Unix()

	_, err := ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(tbl),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: fmt.Sprintf("WH#%s", webhookID)},
			"Shop":      &types.AttributeValueMemberS{Value: shopDomain},
			"Topic":     &types.AttributeValueMemberS{Value: topic},
			"CreatedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			"ExpiresAt": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", exp)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})

	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return true, nil
		}
		return false, err
	}

	return false, nil
}
