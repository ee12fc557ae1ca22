package webhooklog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"ils-backend/internal/db"
)

// Entry is one received webhook, persisted before any trust decision so a
// forensic trail survives even spoofed requests. Entries are append-only;
// processing flips Processed or records ProcessingError, nothing deletes
// them.
type Entry struct {
	PK string `dynamodbav:"PK" json:"-"`
	SK string `dynamodbav:"SK" json:"-"`

	ID             string `dynamodbav:"ID" json:"id"`
	StoreDomain    string `dynamodbav:"StoreDomain" json:"storeDomain"`
	CompanyID      string `dynamodbav:"CompanyID" json:"companyId"`
	Topic          string `dynamodbav:"Topic" json:"topic"`
	WebhookID      string `dynamodbav:"WebhookID,omitempty" json:"webhookId,omitempty"`
	Payload        string `dynamodbav:"Payload" json:"-"`
	Headers        string `dynamodbav:"Headers" json:"-"`
	SignatureValid bool   `dynamodbav:"SignatureValid" json:"signatureValid"`
	Processed      bool   `dynamodbav:"Processed" json:"processed"`
	ProcessingErr  string `dynamodbav:"ProcessingError,omitempty" json:"processingError,omitempty"`
	RetryCount     int    `dynamodbav:"RetryCount" json:"retryCount"`
	ReceivedAt     string `dynamodbav:"ReceivedAt" json:"receivedAt"`
	ProcessedAt    string `dynamodbav:"ProcessedAt,omitempty" json:"processedAt,omitempty"`
}

type Repo struct {
	ddb db.API
}

func NewRepo(ddb db.API) *Repo {
	return &Repo{ddb: ddb}
}

func (r *Repo) table() (string, error) {
	t := strings.TrimSpace(db.WebhookLogsTableName())
	if t == "" {
		return "", errors.New("WEBHOOK_LOGS_TABLE not set")
	}
	return t, nil
}

// Insert persists the entry and assigns its id. Called on ingress before
// signature validity is acted on.
func (r *Repo) Insert(ctx context.Context, e *Entry) error {
	tbl, err := r.table()
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ReceivedAt == "" {
		e.ReceivedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.PK = storePK(e.StoreDomain)
	e.SK = entrySK(e.ReceivedAt, e.ID)

	item, err := attributevalue.MarshalMap(e)
	if err != nil {
		return fmt.Errorf("marshal webhook log: %w", err)
	}
	_, err = r.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(tbl),
		Item:      item,
	})
	return err
}

func (r *Repo) MarkProcessed(ctx context.Context, e *Entry) error {
	return r.update(ctx, e, "SET Processed = :p, ProcessedAt = :a REMOVE ProcessingError",
		map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberBOOL{Value: true},
			":a": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		})
}

func (r *Repo) MarkFailed(ctx context.Context, e *Entry, procErr error) error {
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	return r.update(ctx, e, "SET ProcessingError = :e, RetryCount = RetryCount + :one",
		map[string]types.AttributeValue{
			":e":   &types.AttributeValueMemberS{Value: msg},
			":one": &types.AttributeValueMemberN{Value: "1"},
		})
}

// ListFailed returns unprocessed valid-signature entries for a store, used
// by the maintenance reprocess path.
func (r *Repo) ListFailed(ctx context.Context, storeDomain string, limit int32) ([]Entry, error) {
	tbl, err := r.table()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	out, err := r.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(tbl),
		KeyConditionExpression: aws.String("PK = :pk"),
		FilterExpression:       aws.String("Processed = :f AND SignatureValid = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: storePK(storeDomain)},
			":f":  &types.AttributeValueMemberBOOL{Value: false},
			":t":  &types.AttributeValueMemberBOOL{Value: true},
		},
		Limit: aws.Int32(limit),
	})
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Repo) Get(ctx context.Context, storeDomain, receivedAt, id string) (*Entry, error) {
	tbl, err := r.table()
	if err != nil {
		return nil, err
	}
	out, err := r.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: storePK(storeDomain)},
			"SK": &types.AttributeValueMemberS{Value: entrySK(receivedAt, id)},
		},
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, errors.New("webhook log entry not found")
	}
	var e Entry
	if err := attributevalue.UnmarshalMap(out.Item, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// update keys the item from the entry's identifying fields, not PK/SK:
// the worker rebuilds entries from queue tasks, which carry only the store
// domain, received-at and id.
func (r *Repo) update(ctx context.Context, e *Entry, expr string, vals map[string]types.AttributeValue) error {
	tbl, err := r.table()
	if err != nil {
		return err
	}
	if e.StoreDomain == "" || e.ReceivedAt == "" || e.ID == "" {
		return errors.New("webhook log entry missing key fields")
	}
	_, err = r.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: storePK(e.StoreDomain)},
			"SK": &types.AttributeValueMemberS{Value: entrySK(e.ReceivedAt, e.ID)},
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: vals,
	})
	return err
}

func storePK(domain string) string {
	return fmt.Sprintf("STORE#%s", domain)
}

func entrySK(receivedAt, id string) string {
	return fmt.Sprintf("WH#%s#%s", receivedAt, id)
}
