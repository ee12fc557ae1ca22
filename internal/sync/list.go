package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type ListParams struct {
	CompanyID   string
	StoreDomain string // optional; empty lists across all stores
	SyncStatus  string // optional filter
	Limit       int
	NextToken   string
}

type ListPage struct {
	Items     []Record `json:"items"`
	NextToken string   `json:"nextToken,omitempty"`
}

// ListOrders pages through a company's external order records, newest key
// order last. Pagination tokens are the opaque DynamoDB LastEvaluatedKey,
// base64-wrapped.
func (e *Engine) ListOrders(ctx context.Context, p ListParams) (*ListPage, error) {
	tbl, err := e.ordersTable()
	if err != nil {
		return nil, err
	}
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 50
	}

	keyCond := "PK = :pk AND begins_with(SK, :sk)"
	vals := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: companyPK(p.CompanyID)},
		":sk": &types.AttributeValueMemberS{Value: "SHOPIFY#"},
	}
	if p.StoreDomain != "" {
		vals[":sk"] = &types.AttributeValueMemberS{Value: fmt.Sprintf("SHOPIFY#%s#ORDER#", p.StoreDomain)}
	}

	in := &dynamodb.QueryInput{
		TableName:                 aws.String(tbl),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeValues: vals,
		Limit:                     aws.Int32(int32(p.Limit)),
		ScanIndexForward:          aws.Bool(false),
	}
	if p.SyncStatus != "" {
		in.FilterExpression = aws.String("SyncStatus = :st")
		vals[":st"] = &types.AttributeValueMemberS{Value: p.SyncStatus}
	}
	if p.NextToken != "" {
		start, derr := decodePageToken(p.NextToken)
		if derr != nil {
			return nil, derr
		}
		in.ExclusiveStartKey = start
	}

	out, err := e.ddb.Query(ctx, in)
	if err != nil {
		return nil, err
	}

	page := &ListPage{Items: []Record{}}
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &page.Items); err != nil {
		return nil, err
	}
	if len(out.LastEvaluatedKey) > 0 {
		tok, terr := encodePageToken(out.LastEvaluatedKey)
		if terr != nil {
			return nil, terr
		}
		page.NextToken = tok
	}
	return page, nil
}

// CountByStatus scans one store's records and tallies sync statuses. Small
// per-tenant cardinality keeps the full query affordable.
func (e *Engine) CountByStatus(ctx context.Context, companyID, storeDomain string) (map[string]int, error) {
	tbl, err := e.ordersTable()
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	var start map[string]types.AttributeValue
	for {
		out, err := e.ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(tbl),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: companyPK(companyID)},
				":sk": &types.AttributeValueMemberS{Value: fmt.Sprintf("SHOPIFY#%s#ORDER#", storeDomain)},
			},
			ProjectionExpression: aws.String("SyncStatus"),
			ExclusiveStartKey:    start,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			if s, ok := item["SyncStatus"].(*types.AttributeValueMemberS); ok {
				counts[s.Value]++
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	return counts, nil
}

func encodePageToken(key map[string]types.AttributeValue) (string, error) {
	flat := map[string]string{}
	for k, v := range key {
		s, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			return "", fmt.Errorf("unsupported page key attribute %q", k)
		}
		flat[k] = s.Value
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodePageToken(tok string) (map[string]types.AttributeValue, error) {
	b, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return nil, fmt.Errorf("bad page token")
	}
	var flat map[string]string
	if err := json.Unmarshal(b, &flat); err != nil {
		return nil, fmt.Errorf("bad page token")
	}
	key := make(map[string]types.AttributeValue, len(flat))
	for k, v := range flat {
		key[k] = &types.AttributeValueMemberS{Value: v}
	}
	return key, nil
}
