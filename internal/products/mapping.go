package products

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"ils-backend/internal/db"
	"ils-backend/internal/shopify"
)

// Mapping links an internal catalog item to one external product variant,
// with cached price and stock. Deleted external products are soft-disabled
// so historical orders keep resolving.
type Mapping struct {
	PK string `dynamodbav:"PK" json:"-"`
	SK string `dynamodbav:"SK" json:"-"`

	CompanyID   string `dynamodbav:"CompanyID" json:"companyId"`
	StoreDomain string `dynamodbav:"StoreDomain" json:"storeDomain"`

	ExternalProductID int64  `dynamodbav:"ExternalProductID" json:"externalProductId"`
	ExternalVariantID int64  `dynamodbav:"ExternalVariantID" json:"externalVariantId"`
	InventoryItemID   int64  `dynamodbav:"InventoryItemID,omitempty" json:"inventoryItemId,omitempty"`
	InternalItemID    string `dynamodbav:"InternalItemID,omitempty" json:"internalItemId,omitempty"`

	Title       string  `dynamodbav:"Title" json:"title"`
	ProductType string  `dynamodbav:"ProductType,omitempty" json:"productType,omitempty"`
	SKU         string  `dynamodbav:"SKU,omitempty" json:"sku,omitempty"`
	Price       float64 `dynamodbav:"Price" json:"price"`
	Stock       int     `dynamodbav:"Stock" json:"stock"`
	SyncEnabled bool    `dynamodbav:"SyncEnabled" json:"syncEnabled"`

	UpdatedAt string `dynamodbav:"UpdatedAt" json:"updatedAt"`
}

type Repo struct {
	ddb db.API
}

func NewRepo(ddb db.API) *Repo {
	return &Repo{ddb: ddb}
}

func (r *Repo) table() (string, error) {
	t := strings.TrimSpace(db.ProductMappingsTableName())
	if t == "" {
		return "", errors.New("PRODUCT_MAPPINGS_TABLE not set")
	}
	return t, nil
}

func mappingSK(storeDomain string, productID, variantID int64) string {
	return fmt.Sprintf("STORE#%s#PRODUCT#%d#VARIANT#%d", storeDomain, productID, variantID)
}

func productPrefix(storeDomain string, productID int64) string {
	return fmt.Sprintf("STORE#%s#PRODUCT#%d#", storeDomain, productID)
}

// UpsertFromProduct refreshes one mapping per variant from a product sync
// or a products/update webhook.
func (r *Repo) UpsertFromProduct(ctx context.Context, companyID, storeDomain string, p *shopify.Product) error {
	tbl, err := r.table()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, v := range p.Variants {
		m := Mapping{
			PK:                fmt.Sprintf("COMPANY#%s", companyID),
			SK:                mappingSK(storeDomain, p.ID, v.ID),
			CompanyID:         companyID,
			StoreDomain:       storeDomain,
			ExternalProductID: p.ID,
			ExternalVariantID: v.ID,
			InventoryItemID:   v.InventoryItemID,
			Title:             p.Title,
			ProductType:       p.ProductType,
			SKU:               v.SKU,
			Price:             parsePrice(v.Price),
			Stock:             v.InventoryQty,
			SyncEnabled:       true,
			UpdatedAt:         now,
		}
		item, merr := attributevalue.MarshalMap(m)
		if merr != nil {
			return fmt.Errorf("marshal mapping: %w", merr)
		}
		if _, err := r.ddb.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(tbl),
			Item:      item,
		}); err != nil {
			return fmt.Errorf("put mapping %s: %w", m.SK, err)
		}
	}
	return nil
}

// Disable soft-disables every variant mapping of a deleted external
// product.
func (r *Repo) Disable(ctx context.Context, companyID, storeDomain string, productID int64) error {
	tbl, err := r.table()
	if err != nil {
		return err
	}
	out, err := r.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(tbl),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: fmt.Sprintf("COMPANY#%s", companyID)},
			":pref": &types.AttributeValueMemberS{Value: productPrefix(storeDomain, productID)},
		},
	})
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, it := range out.Items {
		sk, ok := it["SK"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		if _, err := r.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(tbl),
			Key: map[string]types.AttributeValue{
				"PK": it["PK"],
				"SK": sk,
			},
			UpdateExpression: aws.String("SET SyncEnabled = :f, UpdatedAt = :u"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":f": &types.AttributeValueMemberBOOL{Value: false},
				":u": &types.AttributeValueMemberS{Value: now},
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// DecrementStock drops the cached stock count for one variant. Missing
// mappings are skipped: not every sold item is mapped.
func (r *Repo) DecrementStock(ctx context.Context, companyID, storeDomain string, productID, variantID int64, qty int) error {
	tbl, err := r.table()
	if err != nil {
		return err
	}
	_, err = r.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("COMPANY#%s", companyID)},
			"SK": &types.AttributeValueMemberS{Value: mappingSK(storeDomain, productID, variantID)},
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
		UpdateExpression:    aws.String("SET Stock = Stock - :q, UpdatedAt = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":q": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", qty)},
			":u": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return nil
		}
		return err
	}
	return nil
}

func (r *Repo) ListByStore(ctx context.Context, companyID, storeDomain string) ([]Mapping, error) {
	tbl, err := r.table()
	if err != nil {
		return nil, err
	}
	out, err := r.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(tbl),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: fmt.Sprintf("COMPANY#%s", companyID)},
			":pref": &types.AttributeValueMemberS{Value: fmt.Sprintf("STORE#%s#PRODUCT#", storeDomain)},
		},
		Limit: aws.Int32(250),
	})
	if err != nil {
		return nil, err
	}
	var out2 []Mapping
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &out2); err != nil {
		return nil, err
	}
	return out2, nil
}

func parsePrice(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
