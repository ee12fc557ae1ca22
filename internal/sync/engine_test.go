package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ils-backend/internal/shopify"
	"ils-backend/internal/store"
)

// fakeDB is an in-memory stand-in for the DynamoDB subset in db.API. It
// honors attribute_not_exists conditions on PutItem and applies the SET /
// REMOVE update expressions the repositories actually issue.
type fakeDB struct {
	tables map[string]map[string]map[string]types.AttributeValue

	// putHook runs before each PutItem; returning a non-nil error short
	// circuits the write. Used to simulate a concurrent writer winning the
	// conditional insert.
	putHook func(in *dynamodb.PutItemInput) error
}

func newFakeDB() *fakeDB {
	return &fakeDB{tables: map[string]map[string]map[string]types.AttributeValue{}}
}

func (f *fakeDB) tbl(name string) map[string]map[string]types.AttributeValue {
	t, ok := f.tables[name]
	if !ok {
		t = map[string]map[string]types.AttributeValue{}
		f.tables[name] = t
	}
	return t
}

func itemKey(key map[string]types.AttributeValue) string {
	pk, sk := "", ""
	if v, ok := key["PK"].(*types.AttributeValueMemberS); ok {
		pk = v.Value
	}
	if v, ok := key["SK"].(*types.AttributeValueMemberS); ok {
		sk = v.Value
	}
	return pk + "|" + sk
}

func cloneItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (f *fakeDB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	item, ok := f.tbl(*in.TableName)[itemKey(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: cloneItem(item)}, nil
}

func (f *fakeDB) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putHook != nil {
		if err := f.putHook(in); err != nil {
			return nil, err
		}
	}
	t := f.tbl(*in.TableName)
	k := itemKey(in.Item)
	if in.ConditionExpression != nil && strings.Contains(*in.ConditionExpression, "attribute_not_exists") {
		if _, exists := t[k]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	t[k] = cloneItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDB) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	t := f.tbl(*in.TableName)
	k := itemKey(in.Key)
	item, exists := t[k]
	if in.ConditionExpression != nil && strings.Contains(*in.ConditionExpression, "attribute_exists") && !exists {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if !exists {
		item = cloneItem(in.Key)
	}
	applyUpdateExpr(item, *in.UpdateExpression, in.ExpressionAttributeValues)
	t[k] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDB) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.tbl(*in.TableName), itemKey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDB) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	var out []map[string]types.AttributeValue
	for _, item := range f.tbl(*in.TableName) {
		if matchesKeyCondition(item, *in.KeyConditionExpression, in.ExpressionAttributeValues) {
			out = append(out, cloneItem(item))
		}
	}
	return &dynamodb.QueryOutput{Items: out, Count: int32(len(out))}, nil
}

func (f *fakeDB) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	var out []map[string]types.AttributeValue
	for _, item := range f.tbl(*in.TableName) {
		out = append(out, cloneItem(item))
	}
	return &dynamodb.ScanOutput{Items: out, Count: int32(len(out))}, nil
}

// matchesKeyCondition handles the clause shapes this codebase issues:
// "X = :v" and "begins_with(X, :v)" joined by AND.
func matchesKeyCondition(item map[string]types.AttributeValue, expr string, vals map[string]types.AttributeValue) bool {
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		if strings.HasPrefix(clause, "begins_with(") {
			inner := strings.TrimSuffix(strings.TrimPrefix(clause, "begins_with("), ")")
			parts := strings.SplitN(inner, ",", 2)
			name := strings.TrimSpace(parts[0])
			want, _ := vals[strings.TrimSpace(parts[1])].(*types.AttributeValueMemberS)
			have, ok := item[name].(*types.AttributeValueMemberS)
			if want == nil || !ok || !strings.HasPrefix(have.Value, want.Value) {
				return false
			}
			continue
		}
		parts := strings.SplitN(clause, "=", 2)
		if len(parts) != 2 {
			return false
		}
		name := strings.TrimSpace(parts[0])
		want, _ := vals[strings.TrimSpace(parts[1])].(*types.AttributeValueMemberS)
		have, ok := item[name].(*types.AttributeValueMemberS)
		if want == nil || !ok || have.Value != want.Value {
			return false
		}
	}
	return true
}

// applyUpdateExpr supports "SET a = :v, b = b + :n, c = c - :n ... REMOVE d".
func applyUpdateExpr(item map[string]types.AttributeValue, expr string, vals map[string]types.AttributeValue) {
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
		op := ""
		if strings.Contains(rhs, "+") {
			op = "+"
		} else if strings.Contains(rhs, " - ") {
			op = "-"
		}
		if op != "" {
			ref := strings.TrimSpace(rhs[strings.Index(rhs, op)+1:])
			cur := int64(0)
			if n, ok := item[name].(*types.AttributeValueMemberN); ok {
				cur, _ = strconv.ParseInt(n.Value, 10, 64)
			}
			delta, _ := strconv.ParseInt(vals[ref].(*types.AttributeValueMemberN).Value, 10, 64)
			if op == "-" {
				delta = -delta
			}
			item[name] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cur+delta, 10)}
			continue
		}
		item[name] = vals[rhs]
	}
	for _, name := range strings.Split(removePart, ",") {
		if n := strings.TrimSpace(name); n != "" {
			delete(item, n)
		}
	}
}

type fakeGateway struct {
	err         error
	calls       int
	lastOrderID int64
}

func (g *fakeGateway) CreateFulfillment(ctx context.Context, shopDomain, accessToken string, orderID int64, f shopify.Fulfillment) error {
	g.calls++
	g.lastOrderID = orderID
	return g.err
}

type fakeRecommender struct {
	text string
	err  error
}

func (r *fakeRecommender) RecommendLenses(ctx context.Context, items []shopify.LineItem) (string, error) {
	return r.text, r.err
}

type fakeAlerts struct {
	subjects []string
}

func (a *fakeAlerts) PublishSyncAlert(ctx context.Context, companyID, subject, message string) error {
	a.subjects = append(a.subjects, subject)
	return nil
}

func setTestTables(t *testing.T) {
	t.Setenv("ORDERS_TABLE", "orders-test")
	t.Setenv("ILS_ORDERS_TABLE", "ils-orders-test")
	t.Setenv("PATIENTS_TABLE", "patients-test")
	t.Setenv("PRODUCT_MAPPINGS_TABLE", "mappings-test")
}

func testStore() *store.Store {
	return &store.Store{
		CompanyID:                 "c1",
		Domain:                    "optics-demo.myshopify.com",
		Status:                    store.StatusActive,
		RequirePrescriptionUpload: true,
		AIRecommendations:         false,
	}
}

func testOrder(id int64) *shopify.Order {
	return &shopify.Order{
		ID:          id,
		OrderNumber: 1001,
		Name:        "#1001",
		Email:       "Jamie.Doe@Example.com",
		Currency:    "AUD",
		TotalPrice:  "249.90",
		TotalTax:    "22.72",
		Customer: shopify.Customer{
			FirstName: "Jamie",
			LastName:  "Doe",
			Email:     "jamie.doe@example.com",
		},
		LineItems: []shopify.LineItem{
			{ID: 1, ProductID: 10, VariantID: 100, Title: "Progressive Lenses - Premium", Quantity: 1, Price: "249.90"},
		},
		FinancialStatus: "paid",
	}
}

func getRecord(t *testing.T, f *fakeDB, st *store.Store, externalID string) *Record {
	t.Helper()
	item, ok := f.tbl("orders-test")[companyPK(st.CompanyID)+"|"+orderSK(st.Domain, externalID)]
	require.True(t, ok, "order record %s not in table", externalID)
	var rec Record
	require.NoError(t, attributevalue.UnmarshalMap(item, &rec))
	return &rec
}

func TestSyncOrderCreatesThenConverges(t *testing.T) {
	setTestTables(t)
	f := newFakeDB()
	e := NewEngine(f, &fakeGateway{}, nil, nil)
	st := testStore()

	rec, err := e.SyncOrder(context.Background(), st, testOrder(555))
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, rec.SyncStatus)
	assert.Equal(t, "555", rec.ExternalID)
	assert.True(t, rec.AwaitingPrescription, "lens order under an rx-required store must wait")
	assert.NotEmpty(t, rec.PatientID, "customer email should resolve to a patient")
	assert.InDelta(t, 249.90, rec.TotalPrice, 0.001)

	// Simulate a later local state change, then replay the same order.
	stored := getRecord(t, f, st, "555")
	attached, err := e.AttachPrescription(context.Background(), st, "555", "rx-1", true)
	require.NoError(t, err)
	assert.False(t, attached.AwaitingPrescription)

	updated := testOrder(555)
	updated.FinancialStatus = "refunded"
	rec2, err := e.SyncOrder(context.Background(), st, updated)
	require.NoError(t, err)

	assert.Equal(t, "refunded", rec2.FinancialStatus)
	assert.Equal(t, stored.PatientID, rec2.PatientID, "patient link must survive updates")
	final := getRecord(t, f, st, "555")
	assert.Equal(t, "rx-1", final.PrescriptionID, "prescription link must survive updates")
	assert.True(t, final.PrescriptionVerified)
	assert.Equal(t, StatusSynced, final.SyncStatus)

	// Exactly one patient exists even after two syncs of the same customer.
	assert.Len(t, f.tbl("patients-test"), 1)
}

func TestSyncOrderInsertRaceFallsToUpdate(t *testing.T) {
	setTestTables(t)
	f := newFakeDB()
	e := NewEngine(f, &fakeGateway{}, nil, nil)
	st := testStore()

	// The hook plays the concurrent winner: it lands a record for the same
	// key right before our conditional insert, which must then fail and
	// reroute through the update path.
	f.putHook = func(in *dynamodb.PutItemInput) error {
		if *in.TableName != "orders-test" {
			return nil
		}
		f.putHook = nil
		winner := &Record{
			PK: companyPK(st.CompanyID), SK: orderSK(st.Domain, "777"),
			CompanyID: st.CompanyID, StoreDomain: st.Domain,
			ExternalID: "777", SyncStatus: StatusProcessing,
			ILSOrderID: "ils-already", PatientID: "pat-w",
			CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
		}
		item, err := attributevalue.MarshalMap(winner)
		if err != nil {
			return err
		}
		f.tbl("orders-test")[itemKey(item)] = item
		return nil
	}

	rec, err := e.SyncOrder(context.Background(), st, testOrder(777))
	require.NoError(t, err)

	assert.Equal(t, StatusProcessing, rec.SyncStatus, "loser must not clobber the winner's status")
	assert.Equal(t, "ils-already", rec.ILSOrderID)
	assert.Equal(t, "pat-w", rec.PatientID)
	assert.Equal(t, "paid", rec.FinancialStatus, "payload fields still apply via update")
	assert.Len(t, f.tbl("orders-test"), 1)
}

func TestCreateILSOrderPreconditions(t *testing.T) {
	setTestTables(t)
	f := newFakeDB()
	e := NewEngine(f, &fakeGateway{}, nil, nil)
	st := testStore()
	ctx := context.Background()

	_, err := e.CreateILSOrder(ctx, st, "404404")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = e.SyncOrder(ctx, st, testOrder(888))
	require.NoError(t, err)

	_, err = e.CreateILSOrder(ctx, st, "888")
	assert.ErrorIs(t, err, ErrPrescriptionRequired, "unverified lens order must not promote")

	_, err = e.AttachPrescription(ctx, st, "888", "rx-9", true)
	require.NoError(t, err)

	rec, err := e.CreateILSOrder(ctx, st, "888")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, rec.SyncStatus)
	assert.NotEmpty(t, rec.ILSOrderID)
	assert.Len(t, f.tbl("ils-orders-test"), 1, "internal order row written")

	_, err = e.CreateILSOrder(ctx, st, "888")
	assert.ErrorIs(t, err, ErrAlreadyPromoted)
	assert.Len(t, f.tbl("ils-orders-test"), 1, "no duplicate internal order")
}

func TestFulfillOrderRemoteFirst(t *testing.T) {
	setTestTables(t)
	f := newFakeDB()
	gw := &fakeGateway{err: errors.New("shopify down")}
	e := NewEngine(f, gw, nil, nil)
	st := testStore()
	ctx := context.Background()

	_, err := e.SyncOrder(ctx, st, testOrder(999))
	require.NoError(t, err)

	_, err = e.FulfillOrder(ctx, st, "token", "999", shopify.Fulfillment{TrackingNumber: "TRK1"})
	require.Error(t, err)
	assert.Equal(t, 1, gw.calls)
	rec := getRecord(t, f, st, "999")
	assert.Equal(t, StatusSynced, rec.SyncStatus, "gateway failure must leave the record untouched")
	assert.Empty(t, rec.FulfilledAt)

	gw.err = nil
	rec2, err := e.FulfillOrder(ctx, st, "token", "999", shopify.Fulfillment{TrackingNumber: "TRK1"})
	require.NoError(t, err)
	assert.Equal(t, int64(999), gw.lastOrderID)
	assert.Equal(t, StatusCompleted, rec2.SyncStatus)
	assert.Equal(t, "fulfilled", rec2.FulfillmentStatus)
	assert.NotEmpty(t, rec2.FulfilledAt)
}

func TestCancelWebhookPreservesFields(t *testing.T) {
	setTestTables(t)
	f := newFakeDB()
	e := NewEngine(f, &fakeGateway{}, nil, nil)
	st := testStore()
	ctx := context.Background()

	before, err := e.SyncOrder(ctx, st, testOrder(1212))
	require.NoError(t, err)

	payload := fmt.Sprintf(`{"id":1212,"cancelled_at":%q}`, "2026-08-30T10:00:00Z")
	require.NoError(t, e.ProcessWebhook(ctx, st, "orders/cancelled", []byte(payload)))

	rec := getRecord(t, f, st, "1212")
	assert.Equal(t, StatusCancelled, rec.SyncStatus)
	assert.Equal(t, before.TotalPrice, rec.TotalPrice, "totals stay intact for audit")
	assert.Equal(t, before.LineItems, rec.LineItems)
	assert.Equal(t, before.PatientID, rec.PatientID)
}

func TestProcessWebhookUnknownTopicIgnored(t *testing.T) {
	setTestTables(t)
	f := newFakeDB()
	e := NewEngine(f, &fakeGateway{}, nil, nil)

	err := e.ProcessWebhook(context.Background(), testStore(), "checkouts/create", []byte(`{"id":1}`))
	assert.NoError(t, err)
	assert.Empty(t, f.tbl("orders-test"))
}

func TestRetrySyncBumpsCountAndMarksFailure(t *testing.T) {
	setTestTables(t)
	f := newFakeDB()
	alerts := &fakeAlerts{}
	e := NewEngine(f, &fakeGateway{}, nil, alerts)
	st := testStore()
	ctx := context.Background()

	_, err := e.SyncOrder(ctx, st, testOrder(333))
	require.NoError(t, err)

	// Prescription still unverified, so retry re-runs promotion and fails.
	_, err = e.RetrySync(ctx, st, "333")
	assert.ErrorIs(t, err, ErrPrescriptionRequired)

	rec := getRecord(t, f, st, "333")
	assert.Equal(t, StatusFailed, rec.SyncStatus)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Contains(t, rec.LastError, "prescription_not_verified")
	assert.NotEmpty(t, rec.LastAttemptAt)
	require.Len(t, alerts.subjects, 1)
	assert.Equal(t, "Order sync retry failed", alerts.subjects[0])

	_, err = e.RetrySync(ctx, st, "333")
	assert.Error(t, err)
	assert.Equal(t, 2, getRecord(t, f, st, "333").RetryCount, "each retry increments the count")

	// Verify the prescription and the next retry succeeds end to end.
	_, err = e.AttachPrescription(ctx, st, "333", "rx-3", true)
	require.NoError(t, err)
	rec2, err := e.RetrySync(ctx, st, "333")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, rec2.SyncStatus)
	assert.Equal(t, 3, getRecord(t, f, st, "333").RetryCount)
}

func TestResolvePatientMatchesCaseInsensitively(t *testing.T) {
	setTestTables(t)
	f := newFakeDB()
	e := NewEngine(f, &fakeGateway{}, nil, nil)
	st := testStore()
	ctx := context.Background()

	first, err := e.SyncOrder(ctx, st, testOrder(111))
	require.NoError(t, err)

	second := testOrder(222)
	second.Email = "JAMIE.DOE@example.com"
	rec, err := e.SyncOrder(ctx, st, second)
	require.NoError(t, err)

	assert.Equal(t, first.PatientID, rec.PatientID, "same email, any casing, same patient")
	assert.Len(t, f.tbl("patients-test"), 1)
}

func TestSyncOrderRecommendationBestEffort(t *testing.T) {
	setTestTables(t)
	f := newFakeDB()
	st := testStore()
	st.AIRecommendations = true
	ctx := context.Background()

	e := NewEngine(f, &fakeGateway{}, &fakeRecommender{err: errors.New("bedrock throttled")}, nil)
	rec, err := e.SyncOrder(ctx, st, testOrder(444))
	require.NoError(t, err, "recommendation failure never blocks a sync")
	assert.Empty(t, rec.LensRecommendation)

	e2 := NewEngine(f, &fakeGateway{}, &fakeRecommender{text: "Premium progressive with blue-light coating"}, nil)
	rec2, err := e2.SyncOrder(ctx, st, testOrder(445))
	require.NoError(t, err)
	assert.Equal(t, "Premium progressive with blue-light coating", rec2.LensRecommendation)
}
