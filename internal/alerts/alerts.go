package alerts

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"ils-backend/internal/db"
)

type SNSClient interface {
	CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher fans sync alerts out to a per-company SNS topic. Every call is
// best-effort from the engine's point of view.
type Publisher struct {
	ddb db.API
	sns SNSClient
}

func NewPublisher(ddb db.API, snsClient SNSClient) *Publisher {
	return &Publisher{ddb: ddb, sns: snsClient}
}

func companyPK(companyID string) string {
	return fmt.Sprintf("COMPANY#%s", companyID)
}

func shortHash(s string) string {
	h := sha1.Sum([]byte(s))
	// 8 bytes -> 16 hex chars, stable and short
	return hex.EncodeToString(h[:8])
}

// EnsureCompanyAlerts ensures an SNS topic exists for the company and that
// the operator email is subscribed (confirmed once by the operator).
// Returns the topic ARN.
func (p *Publisher) EnsureCompanyAlerts(ctx context.Context, companyID, email string) (string, error) {
	companyID = strings.TrimSpace(companyID)
	email = strings.TrimSpace(email)
	if companyID == "" || email == "" {
		return "", nil
	}

	stage := strings.TrimSpace(os.Getenv("ALERTS_STAGE"))
	if stage == "" {
		stage = "dev"
	}

	existing, _ := p.topicArn(ctx, companyID)
	if existing != "" {
		return existing, nil
	}

	topicName := fmt.Sprintf("ils-sync-alerts-%s-%s", stage, shortHash(companyID))

	ct, err := p.sns.CreateTopic(ctx, &sns.CreateTopicInput{
		Name: aws.String(topicName),
	})
	if err != nil {
		return "", err
	}
	arn := aws.ToString(ct.TopicArn)

	_, err = p.sns.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(arn),
		Protocol: aws.String("email"),
		Endpoint: aws.String(email),
	})
	if err != nil {
		return "", err
	}

	tbl := strings.TrimSpace(db.CompaniesTableName())
	if tbl != "" {
		_, _ = p.ddb.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(tbl),
			Item: map[string]types.AttributeValue{
				"PK":             &types.AttributeValueMemberS{Value: companyPK(companyID)},
				"AlertsEmail":    &types.AttributeValueMemberS{Value: email},
				"AlertsTopicArn": &types.AttributeValueMemberS{Value: arn},
				"UpdatedAt":      &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			},
		})
	}

	return arn, nil
}

// PublishSyncAlert notifies the company's operators. Companies without a
// confirmed topic are silently skipped.
func (p *Publisher) PublishSyncAlert(ctx context.Context, companyID, subject, message string) error {
	arn, err := p.topicArn(ctx, companyID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(arn) == "" {
		return nil
	}
	_, err = p.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(arn),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	return err
}

func (p *Publisher) topicArn(ctx context.Context, companyID string) (string, error) {
	tbl := strings.TrimSpace(db.CompaniesTableName())
	if tbl == "" || strings.TrimSpace(companyID) == "" {
		return "", nil
	}

	out, err := p.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: companyPK(companyID)},
		},
	})
	if err != nil || out.Item == nil {
		return "", err
	}

	if v, ok := out.Item["AlertsTopicArn"].(*types.AttributeValueMemberS); ok {
		return v.Value, nil
	}
	return "", nil
}
