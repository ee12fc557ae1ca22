package webhooklog

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logDB is an in-memory stand-in covering the calls the log repo issues:
// plain puts, keyed updates with SET/REMOVE and counter arithmetic, and the
// filtered PK query behind ListFailed.
type logDB struct {
	items map[string]map[string]types.AttributeValue
}

func newLogDB() *logDB {
	return &logDB{items: map[string]map[string]types.AttributeValue{}}
}

func logKey(item map[string]types.AttributeValue) string {
	pk, _ := item["PK"].(*types.AttributeValueMemberS)
	sk, _ := item["SK"].(*types.AttributeValueMemberS)
	if pk == nil || sk == nil {
		return "|"
	}
	return pk.Value + "|" + sk.Value
}

func (d *logDB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	item, ok := d.items[logKey(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (d *logDB) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	d.items[logKey(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem behaves like DynamoDB: an update against a key with no stored
// item would upsert a fresh item, so the test asserts on the original key's
// item to catch updates that miss.
func (d *logDB) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	for _, kv := range in.Key {
		if s, ok := kv.(*types.AttributeValueMemberS); ok && s.Value == "" {
			return nil, errors.New("ValidationException: empty key attribute")
		}
	}
	k := logKey(in.Key)
	item, ok := d.items[k]
	if !ok {
		item = map[string]types.AttributeValue{}
		for n, v := range in.Key {
			item[n] = v
		}
		d.items[k] = item
	}
	expr := *in.UpdateExpression
	setPart := expr
	removePart := ""
	if i := strings.Index(expr, "REMOVE"); i >= 0 {
		setPart, removePart = expr[:i], expr[i+len("REMOVE"):]
	}
	setPart = strings.TrimPrefix(strings.TrimSpace(setPart), "SET")
	for _, clause := range strings.Split(setPart, ",") {
		parts := strings.SplitN(clause, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		rhs := strings.TrimSpace(parts[1])
		if strings.Contains(rhs, "+") {
			ref := strings.TrimSpace(rhs[strings.Index(rhs, "+")+1:])
			cur := int64(0)
			if n, ok := item[name].(*types.AttributeValueMemberN); ok {
				cur, _ = strconv.ParseInt(n.Value, 10, 64)
			}
			add, _ := strconv.ParseInt(in.ExpressionAttributeValues[ref].(*types.AttributeValueMemberN).Value, 10, 64)
			item[name] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cur+add, 10)}
			continue
		}
		item[name] = in.ExpressionAttributeValues[rhs]
	}
	for _, name := range strings.Split(removePart, ",") {
		if n := strings.TrimSpace(name); n != "" {
			delete(item, n)
		}
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (d *logDB) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(d.items, logKey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (d *logDB) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	pk, _ := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS)
	var out []map[string]types.AttributeValue
	for _, item := range d.items {
		ipk, _ := item["PK"].(*types.AttributeValueMemberS)
		if pk == nil || ipk == nil || ipk.Value != pk.Value {
			continue
		}
		if in.FilterExpression != nil {
			processed := false
			if b, ok := item["Processed"].(*types.AttributeValueMemberBOOL); ok {
				processed = b.Value
			}
			sigValid := false
			if b, ok := item["SignatureValid"].(*types.AttributeValueMemberBOOL); ok {
				sigValid = b.Value
			}
			if processed || !sigValid {
				continue
			}
		}
		out = append(out, item)
	}
	return &dynamodb.QueryOutput{Items: out, Count: int32(len(out))}, nil
}

func (d *logDB) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return &dynamodb.ScanOutput{}, nil
}

func storedEntry(t *testing.T, d *logDB, e *Entry) *Entry {
	t.Helper()
	item, ok := d.items[storePK(e.StoreDomain)+"|"+entrySK(e.ReceivedAt, e.ID)]
	require.True(t, ok, "entry %s not stored under its insert key", e.ID)
	var out Entry
	require.NoError(t, attributevalue.UnmarshalMap(item, &out))
	return &out
}

func insertEntry(t *testing.T, r *Repo, valid bool) *Entry {
	t.Helper()
	e := &Entry{
		StoreDomain:    "lenslab.myshopify.com",
		CompanyID:      "c1",
		Topic:          "orders/create",
		Payload:        `{"id":1}`,
		SignatureValid: valid,
	}
	require.NoError(t, r.Insert(context.Background(), e))
	return e
}

// The worker rebuilds entries from the queue task, carrying only the id,
// store domain and received-at. Mark calls must land on the inserted item.
func workerShaped(e *Entry) *Entry {
	return &Entry{
		ID:          e.ID,
		StoreDomain: e.StoreDomain,
		ReceivedAt:  e.ReceivedAt,
	}
}

func TestMarkProcessedFromWorkerShapedEntry(t *testing.T) {
	t.Setenv("WEBHOOK_LOGS_TABLE", "webhook-logs-test")
	d := newLogDB()
	r := NewRepo(d)

	inserted := insertEntry(t, r, true)
	require.NoError(t, r.MarkProcessed(context.Background(), workerShaped(inserted)))

	got := storedEntry(t, d, inserted)
	assert.True(t, got.Processed)
	assert.NotEmpty(t, got.ProcessedAt)
	assert.Len(t, d.items, 1, "update must hit the inserted item, not upsert a second one")
}

func TestMarkFailedRecordsErrorAndRetryCount(t *testing.T) {
	t.Setenv("WEBHOOK_LOGS_TABLE", "webhook-logs-test")
	d := newLogDB()
	r := NewRepo(d)

	inserted := insertEntry(t, r, true)
	ctx := context.Background()

	require.NoError(t, r.MarkFailed(ctx, workerShaped(inserted), errors.New("order payload missing id")))
	require.NoError(t, r.MarkFailed(ctx, workerShaped(inserted), errors.New("order payload missing id")))

	got := storedEntry(t, d, inserted)
	assert.False(t, got.Processed)
	assert.Equal(t, "order payload missing id", got.ProcessingErr)
	assert.Equal(t, 2, got.RetryCount)
	assert.Len(t, d.items, 1)

	// A later success clears the recorded error.
	require.NoError(t, r.MarkProcessed(ctx, workerShaped(inserted)))
	got = storedEntry(t, d, inserted)
	assert.True(t, got.Processed)
	assert.Empty(t, got.ProcessingErr)
}

func TestMarkRejectsEntryWithoutKeyFields(t *testing.T) {
	t.Setenv("WEBHOOK_LOGS_TABLE", "webhook-logs-test")
	r := NewRepo(newLogDB())

	err := r.MarkProcessed(context.Background(), &Entry{ID: "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing key fields")
}

func TestListFailedSkipsProcessedAndInvalid(t *testing.T) {
	t.Setenv("WEBHOOK_LOGS_TABLE", "webhook-logs-test")
	d := newLogDB()
	r := NewRepo(d)
	ctx := context.Background()

	failed := insertEntry(t, r, true)
	require.NoError(t, r.MarkFailed(ctx, workerShaped(failed), errors.New("boom")))

	done := insertEntry(t, r, true)
	require.NoError(t, r.MarkProcessed(ctx, workerShaped(done)))

	insertEntry(t, r, false) // spoofed delivery, never re-driven

	entries, err := r.ListFailed(ctx, "lenslab.myshopify.com", 50)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, failed.ID, entries[0].ID)
}
