package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"ils-backend/internal/db"
	"ils-backend/internal/shopify"
	"ils-backend/internal/sync"
)

type MonthlySummary struct {
	Month       string         `json:"month"`
	Shop        string         `json:"shop"`
	Currency    string         `json:"currency"`
	GrossSales  float64        `json:"grossSales"`
	TotalTax    float64        `json:"totalTax"`
	OrderCount  int            `json:"orderCount"`
	ByStatus    map[string]int `json:"byStatus"`
	LensOrders  int            `json:"lensOrders"`
	AwaitingRx  int            `json:"awaitingPrescription"`
	AvgOrderVal float64        `json:"avgOrderValue"`
}

// summaryMonthly aggregates one store's synced orders for a calendar month
// straight off the by-store GSI; the ETL parquet path covers longer ranges.
func (h *Orders) summaryMonthly(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, _, err := tenant(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	shop := strings.ToLower(strings.TrimSpace(req.QueryStringParameters["shop"]))
	if !shopify.IsValidShopDomain(shop) {
		return errResp(400, "invalid shop")
	}

	month := strings.TrimSpace(req.QueryStringParameters["month"])
	if month == "" || len(month) != 7 || month[4] != '-' {
		return errResp(400, "month is required in format YYYY-MM")
	}

	table := db.OrdersTableName()
	if strings.TrimSpace(table) == "" {
		return errResp(500, "ORDERS_TABLE is not set")
	}

	client, err := db.NewDynamoClient(ctx)
	if err != nil {
		return errResp(500, "failed to init dynamodb")
	}

	gsiPk := fmt.Sprintf("COMPANY#%s#STORE#%s", companyID, shop)

	sum := MonthlySummary{
		Month:    month,
		Shop:     shop,
		ByStatus: map[string]int{},
	}

	var start map[string]types.AttributeValue
	for {
		out, err := client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(table),
			IndexName:              aws.String("GSI1"),
			KeyConditionExpression: aws.String("GSI1PK = :pk AND begins_with(GSI1SK, :month)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":    &types.AttributeValueMemberS{Value: gsiPk},
				":month": &types.AttributeValueMemberS{Value: month},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return errResp(500, "query failed")
		}

		var items []sync.Record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return errResp(500, "unmarshal failed")
		}

		for _, rec := range items {
			sum.OrderCount++
			sum.GrossSales += rec.TotalPrice
			sum.TotalTax += rec.TotalTax
			sum.ByStatus[rec.SyncStatus]++
			if sum.Currency == "" {
				sum.Currency = rec.Currency
			}
			if rec.LensRecommendation != "" || rec.AwaitingPrescription || rec.PrescriptionID != "" {
				sum.LensOrders++
			}
			if rec.AwaitingPrescription {
				sum.AwaitingRx++
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}

	if sum.OrderCount > 0 {
		sum.AvgOrderVal = sum.GrossSales / float64(sum.OrderCount)
	}
	return jsonResp(200, sum)
}
