package store

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

	"ils-backend/internal/db"
	"ils-backend/internal/security"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusError    = "error"
)

var ErrNotFound = errors.New("store not found")

// Store is one Shopify storefront connection, owned by exactly one company.
// Secrets are stored encrypted; GSI1 lets the webhook ingress resolve a
// store from the shop domain header alone.
type Store struct {
	PK string `dynamodbav:"PK" json:"-"`
	SK string `dynamodbav:"SK" json:"-"`

	GSI1PK string `dynamodbav:"GSI1PK" json:"-"`

	CompanyID        string `dynamodbav:"CompanyID" json:"companyId"`
	Domain           string `dynamodbav:"Domain" json:"domain"`
	AccessTokenEnc   string `dynamodbav:"AccessTokenEnc" json:"-"`
	WebhookSecretEnc string `dynamodbav:"WebhookSecretEnc" json:"-"`
	Scope            string `dynamodbav:"Scope" json:"scope"`

	RequirePrescriptionUpload bool `dynamodbav:"RequirePrescriptionUpload" json:"requirePrescriptionUpload"`
	AIRecommendations         bool `dynamodbav:"AIRecommendations" json:"aiRecommendations"`
	AutoSync                  bool `dynamodbav:"AutoSync" json:"autoSync"`

	Status         string `dynamodbav:"Status" json:"status"`
	LastSyncAt     string `dynamodbav:"LastSyncAt,omitempty" json:"lastSyncAt,omitempty"`
	LastEventAt    string `dynamodbav:"LastEventAt,omitempty" json:"lastEventAt,omitempty"`
	LastEventTopic string `dynamodbav:"LastEventTopic,omitempty" json:"lastEventTopic,omitempty"`

	CreatedAt string `dynamodbav:"CreatedAt" json:"createdAt"`
	UpdatedAt string `dynamodbav:"UpdatedAt" json:"updatedAt"`
}

func CompanyPK(companyID string) string {
	return fmt.Sprintf("COMPANY#%s", companyID)
}

func DomainSK(domain string) string {
	return fmt.Sprintf("STORE#%s", domain)
}

type Repo struct {
	ddb   db.API
	codec *security.Codec
}

func NewRepo(ddb db.API, codec *security.Codec) *Repo {
	return &Repo{ddb: ddb, codec: codec}
}

func (r *Repo) table() (string, error) {
	t := strings.TrimSpace(db.StoresTableName())
	if t == "" {
		return "", errors.New("STORES_TABLE not set")
	}
	return t, nil
}

func (r *Repo) Put(ctx context.Context, st *Store) error {
	tbl, err := r.table()
	if err != nil {
		return err
	}
	st.PK = CompanyPK(st.CompanyID)
	st.SK = DomainSK(st.Domain)
	st.GSI1PK = fmt.Sprintf("DOMAIN#%s", st.Domain)
	if st.CreatedAt == "" {
		st.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	st.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	item, err := attributevalue.MarshalMap(st)
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	_, err = r.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(tbl),
		Item:      item,
	})
	return err
}

func (r *Repo) Get(ctx context.Context, companyID, domain string) (*Store, error) {
	tbl, err := r.table()
	if err != nil {
		return nil, err
	}
	out, err := r.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: CompanyPK(companyID)},
			"SK": &types.AttributeValueMemberS{Value: DomainSK(domain)},
		},
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var st Store
	if err := attributevalue.UnmarshalMap(out.Item, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// FindByDomain resolves a store from the shop domain alone, used by the
// webhook ingress where no tenant context exists yet.
func (r *Repo) FindByDomain(ctx context.Context, domain string) (*Store, error) {
	tbl, err := r.table()
	if err != nil {
		return nil, err
	}
	out, err := r.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(tbl),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("GSI1PK = :d"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberS{Value: fmt.Sprintf("DOMAIN#%s", domain)},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, ErrNotFound
	}
	var st Store
	if err := attributevalue.UnmarshalMap(out.Items[0], &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *Repo) ListByCompany(ctx context.Context, companyID string) ([]Store, error) {
	tbl, err := r.table()
	if err != nil {
		return nil, err
	}
	out, err := r.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(tbl),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: CompanyPK(companyID)},
			":pref": &types.AttributeValueMemberS{Value: "STORE#"},
		},
		Limit: aws.Int32(50),
	})
	if err != nil {
		return nil, err
	}
	var stores []Store
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &stores); err != nil {
		return nil, err
	}
	return stores, nil
}

// AccessToken decrypts the stored Admin API token. A failure here is a
// configuration error, never retryable.
func (r *Repo) AccessToken(st *Store) (string, error) {
	enc := strings.TrimSpace(st.AccessTokenEnc)
	if enc == "" {
		return "", fmt.Errorf("store %s has no access token", st.Domain)
	}
	tok, err := r.codec.Decrypt(enc)
	if err != nil {
		return "", fmt.Errorf("decrypt access token for %s: %w", st.Domain, err)
	}
	return tok, nil
}

func (r *Repo) WebhookSecret(st *Store) (string, error) {
	enc := strings.TrimSpace(st.WebhookSecretEnc)
	if enc == "" {
		return "", fmt.Errorf("store %s has no webhook secret", st.Domain)
	}
	sec, err := r.codec.Decrypt(enc)
	if err != nil {
		return "", fmt.Errorf("decrypt webhook secret for %s: %w", st.Domain, err)
	}
	return sec, nil
}

func (r *Repo) Encrypt(plaintext string) (string, error) {
	return r.codec.Encrypt(plaintext)
}

func (r *Repo) UpdateStatus(ctx context.Context, companyID, domain, status string) error {
	return r.update(ctx, companyID, domain, "SET #s = :s, UpdatedAt = :u", map[string]string{"#s": "Status"},
		map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: status},
			":u": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		})
}

func (r *Repo) UpdateLastSync(ctx context.Context, companyID, domain, atISO string) error {
	return r.update(ctx, companyID, domain, "SET LastSyncAt = :t", nil,
		map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: atISO},
		})
}

// UpdateLastEvent records the most recent webhook seen for a store.
// Non-fatal bookkeeping; callers ignore the error.
func (r *Repo) UpdateLastEvent(ctx context.Context, companyID, domain, atISO, topic string) error {
	return r.update(ctx, companyID, domain, "SET LastEventAt = :a, LastEventTopic = :t", nil,
		map[string]types.AttributeValue{
			":a": &types.AttributeValueMemberS{Value: atISO},
			":t": &types.AttributeValueMemberS{Value: topic},
		})
}

func (r *Repo) update(ctx context.Context, companyID, domain, expr string, names map[string]string, vals map[string]types.AttributeValue) error {
	tbl, err := r.table()
	if err != nil {
		return err
	}
	in := &dynamodb.UpdateItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: CompanyPK(companyID)},
			"SK": &types.AttributeValueMemberS{Value: DomainSK(domain)},
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: vals,
	}
	if len(names) > 0 {
		in.ExpressionAttributeNames = names
	}
	_, err = r.ddb.UpdateItem(ctx, in)
	return err
}
