package patient

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

var ErrNotFound = errors.New("patient not found")

// Patient is the company-scoped customer record. Orders reference patients
// but never own them. Email matching is case-insensitive via EmailLower on
// GSI1.
type Patient struct {
	PK string `dynamodbav:"PK" json:"-"`
	SK string `dynamodbav:"SK" json:"-"`

	GSI1PK string `dynamodbav:"GSI1PK,omitempty" json:"-"`

	ID         string `dynamodbav:"ID" json:"id"`
	CompanyID  string `dynamodbav:"CompanyID" json:"companyId"`
	FirstName  string `dynamodbav:"FirstName" json:"firstName"`
	LastName   string `dynamodbav:"LastName" json:"lastName"`
	Email      string `dynamodbav:"Email" json:"email"`
	EmailLower string `dynamodbav:"EmailLower" json:"-"`
	Phone      string `dynamodbav:"Phone,omitempty" json:"phone,omitempty"`
	Address    string `dynamodbav:"Address,omitempty" json:"address,omitempty"`
	Source     string `dynamodbav:"Source" json:"source"`
	CreatedAt  string `dynamodbav:"CreatedAt" json:"createdAt"`
}

type Repo struct {
	ddb db.API
}

func NewRepo(ddb db.API) *Repo {
	return &Repo{ddb: ddb}
}

func (r *Repo) table() (string, error) {
	t := strings.TrimSpace(db.PatientsTableName())
	if t == "" {
		return "", errors.New("PATIENTS_TABLE not set")
	}
	return t, nil
}

// FindByEmail matches case-insensitively within one company.
func (r *Repo) FindByEmail(ctx context.Context, companyID, email string) (*Patient, error) {
	tbl, err := r.table()
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(strings.TrimSpace(email))
	if lower == "" {
		return nil, ErrNotFound
	}
	out, err := r.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(tbl),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("GSI1PK = :e"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e": &types.AttributeValueMemberS{Value: emailKey(companyID, lower)},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, ErrNotFound
	}
	var p Patient
	if err := attributevalue.UnmarshalMap(out.Items[0], &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new patient sourced from an external order's customer
// fields.
func (r *Repo) Create(ctx context.Context, p *Patient) error {
	tbl, err := r.table()
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.PK = fmt.Sprintf("COMPANY#%s", p.CompanyID)
	p.SK = fmt.Sprintf("PATIENT#%s", p.ID)
	p.EmailLower = strings.ToLower(strings.TrimSpace(p.Email))
	if p.EmailLower != "" {
		p.GSI1PK = emailKey(p.CompanyID, p.EmailLower)
	}
	if p.CreatedAt == "" {
		p.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal patient: %w", err)
	}
	_, err = r.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(tbl),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	return err
}

func emailKey(companyID, emailLower string) string {
	return fmt.Sprintf("COMPANY#%s#EMAIL#%s", companyID, emailLower)
}
