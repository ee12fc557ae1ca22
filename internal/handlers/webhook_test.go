package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ils-backend/internal/security"
	"ils-backend/internal/store"
	"ils-backend/internal/webhooklog"
)

// memDB covers the fraction of db.API the ingress path touches: the store
// GSI lookup, webhook log puts and the dedupe conditional put.
type memDB struct {
	tables map[string]map[string]map[string]types.AttributeValue
}

func newMemDB() *memDB {
	return &memDB{tables: map[string]map[string]map[string]types.AttributeValue{}}
}

func (m *memDB) tbl(name string) map[string]map[string]types.AttributeValue {
	t, ok := m.tables[name]
	if !ok {
		t = map[string]map[string]types.AttributeValue{}
		m.tables[name] = t
	}
	return t
}

func avS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (m *memDB) key(item map[string]types.AttributeValue) string {
	return avS(item, "PK") + "|" + avS(item, "SK")
}

func (m *memDB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	item, ok := m.tbl(*in.TableName)[m.key(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (m *memDB) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	t := m.tbl(*in.TableName)
	k := m.key(in.Item)
	if in.ConditionExpression != nil && strings.Contains(*in.ConditionExpression, "attribute_not_exists") {
		if _, exists := t[k]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	t[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *memDB) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *memDB) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(m.tbl(*in.TableName), m.key(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *memDB) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	// The ingress only queries the stores GSI: "GSI1PK = :d".
	want, _ := in.ExpressionAttributeValues[":d"].(*types.AttributeValueMemberS)
	var out []map[string]types.AttributeValue
	for _, item := range m.tbl(*in.TableName) {
		if want != nil && avS(item, "GSI1PK") == want.Value {
			out = append(out, item)
		}
	}
	return &dynamodb.QueryOutput{Items: out, Count: int32(len(out))}, nil
}

func (m *memDB) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return &dynamodb.ScanOutput{}, nil
}

type memQueue struct {
	sent []sqs.SendMessageInput
	err  error
}

func (q *memQueue) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.sent = append(q.sent, *in)
	return &sqs.SendMessageOutput{}, nil
}

const testShop = "lenslab.myshopify.com"

func webhookSign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func seedStore(t *testing.T, m *memDB, repo *store.Repo, secret string) {
	t.Helper()
	enc, err := repo.Encrypt(secret)
	require.NoError(t, err)
	st := &store.Store{
		CompanyID:        "c1",
		Domain:           testShop,
		WebhookSecretEnc: enc,
		Status:           store.StatusActive,
	}
	require.NoError(t, repo.Put(context.Background(), st))
}

func newTestIngress(t *testing.T, secret string) (*Ingress, *memDB, *memQueue) {
	t.Helper()
	t.Setenv("STORES_TABLE", "stores-test")
	t.Setenv("WEBHOOK_LOGS_TABLE", "webhook-logs-test")
	t.Setenv("WEBHOOK_QUEUE_URL", "https://sqs.test/queue")
	t.Setenv("TOKEN_ENC_KEY_B64", base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))

	codec, err := security.LoadCodec(context.Background())
	require.NoError(t, err)

	m := newMemDB()
	repo := store.NewRepo(m, codec)
	seedStore(t, m, repo, secret)
	q := &memQueue{}
	return NewIngress(m, repo, q), m, q
}

func webhookReq(topic, shop, sig, body string) events.APIGatewayV2HTTPRequest {
	return events.APIGatewayV2HTTPRequest{
		RawPath: "/webhooks/shopify",
		Headers: map[string]string{
			"x-shopify-topic":       topic,
			"x-shopify-hmac-sha256": sig,
			"x-shopify-shop-domain": shop,
			"x-shopify-webhook-id":  "wh-evt-1",
		},
		Body: body,
	}
}

func loggedEntries(t *testing.T, m *memDB) []webhooklog.Entry {
	t.Helper()
	var out []webhooklog.Entry
	for _, item := range m.tbl("webhook-logs-test") {
		var e webhooklog.Entry
		require.NoError(t, attributevalue.UnmarshalMap(item, &e))
		out = append(out, e)
	}
	return out
}

func TestIngressMissingHeaders(t *testing.T) {
	h, m, q := newTestIngress(t, "sekrit")

	resp, err := h.Handle(context.Background(), events.APIGatewayV2HTTPRequest{Body: "{}"})
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Empty(t, m.tbl("webhook-logs-test"), "nothing logged without a shop to attribute it to")
	assert.Empty(t, q.sent)
}

func TestIngressUnknownStore(t *testing.T) {
	h, _, q := newTestIngress(t, "sekrit")

	body := `{"id":1}`
	req := webhookReq("orders/create", "other-shop.myshopify.com", webhookSign("sekrit", []byte(body)), body)
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
	assert.Empty(t, q.sent)
}

func TestIngressInvalidSignatureStillLogged(t *testing.T) {
	h, m, q := newTestIngress(t, "sekrit")

	body := `{"id":42}`
	req := webhookReq("orders/create", testShop, webhookSign("wrong-secret", []byte(body)), body)
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	entries := loggedEntries(t, m)
	require.Len(t, entries, 1, "spoofed requests must leave a trail")
	assert.False(t, entries[0].SignatureValid)
	assert.Equal(t, body, entries[0].Payload)
	assert.Equal(t, "orders/create", entries[0].Topic)
	assert.Empty(t, q.sent, "invalid signatures never reach the queue")
}

func TestIngressHappyPathEnqueues(t *testing.T) {
	h, m, q := newTestIngress(t, "sekrit")

	body := `{"id":42,"order_number":1001}`
	req := webhookReq("orders/create", testShop, webhookSign("sekrit", []byte(body)), body)
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	entries := loggedEntries(t, m)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].SignatureValid)

	require.Len(t, q.sent, 1)
	assert.Equal(t, "https://sqs.test/queue", *q.sent[0].QueueUrl)
	var task WebhookTask
	require.NoError(t, json.Unmarshal([]byte(*q.sent[0].MessageBody), &task))
	assert.Equal(t, "c1", task.CompanyID)
	assert.Equal(t, testShop, task.StoreDomain)
	assert.Equal(t, "orders/create", task.Topic)
	assert.Equal(t, entries[0].ID, task.LogID)
	assert.JSONEq(t, body, string(task.Payload))
}

func TestIngressBase64BodyVerifies(t *testing.T) {
	h, _, q := newTestIngress(t, "sekrit")

	body := `{"id":43}`
	req := webhookReq("orders/updated", testShop, webhookSign("sekrit", []byte(body)), base64.StdEncoding.EncodeToString([]byte(body)))
	req.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	require.Len(t, q.sent, 1)
}

func TestIngressDuplicateWebhookSkipsQueue(t *testing.T) {
	h, m, q := newTestIngress(t, "sekrit")
	t.Setenv("WEBHOOK_DEDUPE_TABLE", "dedupe-test")

	body := `{"id":44}`
	req := webhookReq("orders/create", testShop, webhookSign("sekrit", []byte(body)), body)

	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	require.Len(t, q.sent, 1)

	// Same webhook id again: acked, logged, not enqueued.
	resp, err = h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, resp.Body, `"duplicate":true`)
	assert.Len(t, q.sent, 1)
	assert.Len(t, loggedEntries(t, m), 2, "every delivery is logged, duplicates included")
}

func TestIngressQueueFailure(t *testing.T) {
	h, m, q := newTestIngress(t, "sekrit")
	q.err = assert.AnError

	body := `{"id":45}`
	req := webhookReq("orders/create", testShop, webhookSign("sekrit", []byte(body)), body)
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Len(t, loggedEntries(t, m), 1, "entry survives for maintenance re-enqueue")
}
