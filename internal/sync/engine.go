package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"ils-backend/internal/db"
	"ils-backend/internal/patient"
	"ils-backend/internal/products"
	"ils-backend/internal/shopify"
	"ils-backend/internal/store"
)

// Gateway is the slice of the Shopify client the engine needs.
type Gateway interface {
	CreateFulfillment(ctx context.Context, shopDomain, accessToken string, orderID int64, f shopify.Fulfillment) error
}

// Recommender produces best-effort lens recommendations for an order's line
// items. Failures never block a sync.
type Recommender interface {
	RecommendLenses(ctx context.Context, items []shopify.LineItem) (string, error)
}

// Alerts publishes operator notifications. Best-effort.
type Alerts interface {
	PublishSyncAlert(ctx context.Context, companyID, subject, message string) error
}

// Engine reconciles external Shopify orders onto internal order and patient
// records. All dependencies are injected so tests run against fakes.
type Engine struct {
	ddb      db.API
	patients *patient.Repo
	mappings *products.Repo
	gw       Gateway
	rec      Recommender
	alerts   Alerts
}

func NewEngine(ddb db.API, gw Gateway, rec Recommender, alerts Alerts) *Engine {
	return &Engine{
		ddb:      ddb,
		patients: patient.NewRepo(ddb),
		mappings: products.NewRepo(ddb),
		gw:       gw,
		rec:      rec,
		alerts:   alerts,
	}
}

func (e *Engine) ordersTable() (string, error) {
	t := strings.TrimSpace(db.OrdersTableName())
	if t == "" {
		return "", errors.New("ORDERS_TABLE not set")
	}
	return t, nil
}

// GetOrder loads one external order record. Returns ErrOrderNotFound when
// absent.
func (e *Engine) GetOrder(ctx context.Context, companyID, storeDomain, externalID string) (*Record, error) {
	tbl, err := e.ordersTable()
	if err != nil {
		return nil, err
	}
	out, err := e.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: companyPK(companyID)},
			"SK": &types.AttributeValueMemberS{Value: orderSK(storeDomain, externalID)},
		},
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, ErrOrderNotFound
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SyncOrder maps one external order onto a Record, idempotently. A repeat
// call with the same external id takes the update path and converges to the
// same record; sync status, patient link and prescription link are never
// touched on update. Two concurrent first syncs race on the conditional
// insert and the loser falls through to the update path.
func (e *Engine) SyncOrder(ctx context.Context, st *store.Store, o *shopify.Order) (*Record, error) {
	externalID := strconv.FormatInt(o.ID, 10)

	existing, err := e.GetOrder(ctx, st.CompanyID, st.Domain, externalID)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return nil, err
	}
	if existing != nil {
		return e.applyUpdate(ctx, existing, o)
	}

	rec, err := e.buildRecord(ctx, st, o, externalID)
	if err != nil {
		return nil, err
	}

	tbl, err := e.ordersTable()
	if err != nil {
		return nil, err
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal order record: %w", err)
	}
	_, err = e.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(tbl),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			// Lost the first-insert race; the other writer's record wins
			// and this payload becomes an update.
			current, gerr := e.GetOrder(ctx, st.CompanyID, st.Domain, externalID)
			if gerr != nil {
				return nil, gerr
			}
			return e.applyUpdate(ctx, current, o)
		}
		return nil, err
	}

	// Inventory decrement is a best-effort side effect of first sync.
	e.decrementInventory(ctx, st, o)

	return rec, nil
}

// buildRecord runs the create path: patient resolution, lens detection and
// the optional AI recommendation.
func (e *Engine) buildRecord(ctx context.Context, st *store.Store, o *shopify.Order, externalID string) (*Record, error) {
	p, err := e.resolvePatient(ctx, st, o)
	if err != nil {
		return nil, err
	}

	hasLens := ContainsLensItems(o.LineItems)

	now := time.Now().UTC().Format(time.RFC3339)
	rec := &Record{
		PK:     companyPK(st.CompanyID),
		SK:     orderSK(st.Domain, externalID),
		GSI1PK: storeOrdersGSIPK(st.CompanyID, st.Domain),
		GSI1SK: now,

		CompanyID:   st.CompanyID,
		StoreDomain: st.Domain,

		ExternalID:     externalID,
		ExternalNumber: o.OrderNumber,
		ExternalName:   o.Name,

		CustomerEmail: customerEmail(o),
		CustomerName:  customerName(o),
		CustomerPhone: customerPhone(o),

		ShippingAddress: string(o.ShippingAddress),
		BillingAddress:  string(o.BillingAddress),
		LineItems:       marshalLineItems(o.LineItems),

		TotalPrice:    parseAmount(o.TotalPrice),
		SubtotalPrice: parseAmount(o.SubtotalPrice),
		TotalTax:      parseAmount(o.TotalTax),
		Currency:      o.Currency,

		FinancialStatus:   o.FinancialStatus,
		FulfillmentStatus: o.FulfillmentStatus,

		SyncStatus: StatusSynced,

		AwaitingPrescription: hasLens && st.RequirePrescriptionUpload,

		CreatedAt: now,
		UpdatedAt: now,
	}
	if p != nil {
		rec.PatientID = p.ID
	}

	if hasLens && st.AIRecommendations && e.rec != nil {
		if recText, rerr := e.rec.RecommendLenses(ctx, o.LineItems); rerr != nil {
			fmt.Printf("sync: lens recommendation for order %s failed: %v\n", externalID, rerr)
		} else {
			rec.LensRecommendation = recText
		}
	}

	return rec, nil
}

// resolvePatient matches by email within the company, creating a patient
// from the order's customer fields when no match exists. Orders without any
// email sync unlinked.
func (e *Engine) resolvePatient(ctx context.Context, st *store.Store, o *shopify.Order) (*patient.Patient, error) {
	email := customerEmail(o)
	if email == "" {
		return nil, nil
	}

	p, err := e.patients.FindByEmail(ctx, st.CompanyID, email)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, patient.ErrNotFound) {
		return nil, err
	}

	np := &patient.Patient{
		CompanyID: st.CompanyID,
		FirstName: o.Customer.FirstName,
		LastName:  o.Customer.LastName,
		Email:     email,
		Phone:     customerPhone(o),
		Address:   string(o.ShippingAddress),
		Source:    "shopify",
	}
	if err := e.patients.Create(ctx, np); err != nil {
		return nil, fmt.Errorf("create patient for %s: %w", email, err)
	}
	return np, nil
}

// applyUpdate overwrites mutable fields only. Sync status, patient link,
// prescription link and the internal order link survive every update.
func (e *Engine) applyUpdate(ctx context.Context, existing *Record, o *shopify.Order) (*Record, error) {
	tbl, err := e.ordersTable()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	existing.ExternalNumber = o.OrderNumber
	existing.ExternalName = o.Name
	existing.LineItems = marshalLineItems(o.LineItems)
	existing.TotalPrice = parseAmount(o.TotalPrice)
	existing.SubtotalPrice = parseAmount(o.SubtotalPrice)
	existing.TotalTax = parseAmount(o.TotalTax)
	existing.FinancialStatus = o.FinancialStatus
	existing.FulfillmentStatus = o.FulfillmentStatus
	existing.UpdatedAt = now

	_, err = e.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: existing.PK},
			"SK": &types.AttributeValueMemberS{Value: existing.SK},
		},
		UpdateExpression: aws.String("SET ExternalNumber = :num, ExternalName = :name, LineItems = :li, TotalPrice = :tp, SubtotalPrice = :sp, TotalTax = :tt, FinancialStatus = :fin, FulfillmentStatus = :ful, UpdatedAt = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":num":  &types.AttributeValueMemberN{Value: strconv.FormatInt(o.OrderNumber, 10)},
			":name": &types.AttributeValueMemberS{Value: o.Name},
			":li":   &types.AttributeValueMemberS{Value: existing.LineItems},
			":tp":   &types.AttributeValueMemberN{Value: formatAmount(existing.TotalPrice)},
			":sp":   &types.AttributeValueMemberN{Value: formatAmount(existing.SubtotalPrice)},
			":tt":   &types.AttributeValueMemberN{Value: formatAmount(existing.TotalTax)},
			":fin":  &types.AttributeValueMemberS{Value: o.FinancialStatus},
			":ful":  &types.AttributeValueMemberS{Value: o.FulfillmentStatus},
			":u":    &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// CreateILSOrder promotes a synced external order into an internal practice
// order. Preconditions are hard errors: the record must exist, must not be
// promoted twice, and a store requiring prescription upload blocks
// promotion until the prescription is verified.
func (e *Engine) CreateILSOrder(ctx context.Context, st *store.Store, externalID string) (*Record, error) {
	rec, err := e.GetOrder(ctx, st.CompanyID, st.Domain, externalID)
	if err != nil {
		return nil, err
	}
	if rec.ILSOrderID != "" {
		return nil, ErrAlreadyPromoted
	}
	if st.RequirePrescriptionUpload && rec.AwaitingPrescription && !rec.PrescriptionVerified {
		return nil, ErrPrescriptionRequired
	}

	ilsID, err := e.insertILSOrder(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("insert internal order: %w", err)
	}

	tbl, err := e.ordersTable()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = e.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: rec.PK},
			"SK": &types.AttributeValueMemberS{Value: rec.SK},
		},
		UpdateExpression: aws.String("SET ILSOrderID = :id, SyncStatus = :st, UpdatedAt = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{Value: ilsID},
			":st": &types.AttributeValueMemberS{Value: StatusProcessing},
			":u":  &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		return nil, err
	}

	rec.ILSOrderID = ilsID
	rec.SyncStatus = StatusProcessing
	rec.UpdatedAt = now
	return rec, nil
}

// insertILSOrder writes the internal order carrying the external record's
// line items, linked back to the external id.
func (e *Engine) insertILSOrder(ctx context.Context, rec *Record) (string, error) {
	tbl := strings.TrimSpace(db.ILSOrdersTableName())
	if tbl == "" {
		return "", errors.New("ILS_ORDERS_TABLE not set")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	item := map[string]types.AttributeValue{
		"PK":              &types.AttributeValueMemberS{Value: rec.PK},
		"SK":              &types.AttributeValueMemberS{Value: fmt.Sprintf("ILSORDER#%s", id)},
		"ID":              &types.AttributeValueMemberS{Value: id},
		"CompanyID":       &types.AttributeValueMemberS{Value: rec.CompanyID},
		"PatientID":       &types.AttributeValueMemberS{Value: rec.PatientID},
		"PrescriptionID":  &types.AttributeValueMemberS{Value: rec.PrescriptionID},
		"ExternalOrderID": &types.AttributeValueMemberS{Value: rec.ExternalID},
		"StoreDomain":     &types.AttributeValueMemberS{Value: rec.StoreDomain},
		"LineItems":       &types.AttributeValueMemberS{Value: rec.LineItems},
		"TotalPrice":      &types.AttributeValueMemberN{Value: formatAmount(rec.TotalPrice)},
		"Currency":        &types.AttributeValueMemberS{Value: rec.Currency},
		"Status":          &types.AttributeValueMemberS{Value: "pending"},
		"Source":          &types.AttributeValueMemberS{Value: "shopify"},
		"CreatedAt":       &types.AttributeValueMemberS{Value: now},
	}
	_, err := e.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(tbl),
		Item:      item,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// FulfillOrder pushes tracking to Shopify, then flips local state. The
// remote call comes first: a failure propagates and leaves the record
// untouched, so callers retry the whole operation.
func (e *Engine) FulfillOrder(ctx context.Context, st *store.Store, accessToken, externalID string, f shopify.Fulfillment) (*Record, error) {
	rec, err := e.GetOrder(ctx, st.CompanyID, st.Domain, externalID)
	if err != nil {
		return nil, err
	}

	orderID, err := strconv.ParseInt(externalID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad external order id %q: %w", externalID, err)
	}
	if err := e.gw.CreateFulfillment(ctx, st.Domain, accessToken, orderID, f); err != nil {
		return nil, err
	}

	tbl, err := e.ordersTable()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = e.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: rec.PK},
			"SK": &types.AttributeValueMemberS{Value: rec.SK},
		},
		UpdateExpression: aws.String("SET FulfillmentStatus = :f, FulfilledAt = :at, SyncStatus = :st, UpdatedAt = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":f":  &types.AttributeValueMemberS{Value: "fulfilled"},
			":at": &types.AttributeValueMemberS{Value: now},
			":st": &types.AttributeValueMemberS{Value: StatusCompleted},
			":u":  &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		return nil, err
	}

	rec.FulfillmentStatus = "fulfilled"
	rec.FulfilledAt = now
	rec.SyncStatus = StatusCompleted
	rec.UpdatedAt = now
	return rec, nil
}

// RetrySync resets the record to pending, bumps the retry count and re-runs
// promotion. The retry count has no enforced ceiling; operators apply their
// own policy.
func (e *Engine) RetrySync(ctx context.Context, st *store.Store, externalID string) (*Record, error) {
	rec, err := e.GetOrder(ctx, st.CompanyID, st.Domain, externalID)
	if err != nil {
		return nil, err
	}

	tbl, err := e.ordersTable()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = e.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: rec.PK},
			"SK": &types.AttributeValueMemberS{Value: rec.SK},
		},
		UpdateExpression: aws.String("SET SyncStatus = :st, RetryCount = RetryCount + :one, LastAttemptAt = :at, UpdatedAt = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st":  &types.AttributeValueMemberS{Value: StatusPending},
			":one": &types.AttributeValueMemberN{Value: "1"},
			":at":  &types.AttributeValueMemberS{Value: now},
			":u":   &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		return nil, err
	}

	promoted, perr := e.CreateILSOrder(ctx, st, externalID)
	if perr != nil {
		e.markFailed(ctx, rec, perr)
		e.notify(ctx, st.CompanyID, "Order sync retry failed",
			fmt.Sprintf("Store %s order %s: %v", st.Domain, externalID, perr))
		return nil, perr
	}
	return promoted, nil
}

type BulkItemResult struct {
	ExternalID string `json:"externalOrderId"`
	Error      string `json:"error,omitempty"`
}

type BulkResult struct {
	Synced int              `json:"synced"`
	Failed int              `json:"failed"`
	Items  []BulkItemResult `json:"items"`
}

// SyncBulk processes orders sequentially, collecting per-item outcomes
// without aborting the batch.
func (e *Engine) SyncBulk(ctx context.Context, st *store.Store, orders []shopify.Order) *BulkResult {
	res := &BulkResult{}
	for i := range orders {
		o := &orders[i]
		extID := strconv.FormatInt(o.ID, 10)
		if _, err := e.SyncOrder(ctx, st, o); err != nil {
			res.Failed++
			res.Items = append(res.Items, BulkItemResult{ExternalID: extID, Error: err.Error()})
			continue
		}
		res.Synced++
		res.Items = append(res.Items, BulkItemResult{ExternalID: extID})
	}
	return res
}

// AttachPrescription links a verified (or pending) prescription onto the
// record. Verified prescriptions lift the fulfillment gate.
func (e *Engine) AttachPrescription(ctx context.Context, st *store.Store, externalID, prescriptionID string, verified bool) (*Record, error) {
	rec, err := e.GetOrder(ctx, st.CompanyID, st.Domain, externalID)
	if err != nil {
		return nil, err
	}

	tbl, err := e.ordersTable()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = e.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: rec.PK},
			"SK": &types.AttributeValueMemberS{Value: rec.SK},
		},
		UpdateExpression: aws.String("SET PrescriptionID = :id, PrescriptionVerified = :v, AwaitingPrescription = :aw, UpdatedAt = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{Value: prescriptionID},
			":v":  &types.AttributeValueMemberBOOL{Value: verified},
			":aw": &types.AttributeValueMemberBOOL{Value: !verified && rec.AwaitingPrescription},
			":u":  &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		return nil, err
	}

	rec.PrescriptionID = prescriptionID
	rec.PrescriptionVerified = verified
	if verified {
		rec.AwaitingPrescription = false
	}
	rec.UpdatedAt = now
	return rec, nil
}

func (e *Engine) markFailed(ctx context.Context, rec *Record, cause error) {
	tbl, err := e.ordersTable()
	if err != nil {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, uerr := e.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: rec.PK},
			"SK": &types.AttributeValueMemberS{Value: rec.SK},
		},
		UpdateExpression: aws.String("SET SyncStatus = :st, LastError = :e, UpdatedAt = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: StatusFailed},
			":e":  &types.AttributeValueMemberS{Value: cause.Error()},
			":u":  &types.AttributeValueMemberS{Value: now},
		},
	})
	if uerr != nil {
		fmt.Printf("sync: mark failed for %s: %v\n", rec.ExternalID, uerr)
	}
}

func (e *Engine) notify(ctx context.Context, companyID, subject, message string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.PublishSyncAlert(ctx, companyID, subject, message); err != nil {
		fmt.Printf("sync: alert publish failed: %v\n", err)
	}
}

func (e *Engine) decrementInventory(ctx context.Context, st *store.Store, o *shopify.Order) {
	for _, it := range o.LineItems {
		if it.ProductID == 0 || it.VariantID == 0 || it.Quantity <= 0 {
			continue
		}
		if err := e.mappings.DecrementStock(ctx, st.CompanyID, st.Domain, it.ProductID, it.VariantID, it.Quantity); err != nil {
			fmt.Printf("sync: stock decrement for variant %d failed: %v\n", it.VariantID, err)
		}
	}
}

func customerEmail(o *shopify.Order) string {
	if e := strings.TrimSpace(o.Email); e != "" {
		return e
	}
	return strings.TrimSpace(o.Customer.Email)
}

func customerName(o *shopify.Order) string {
	name := strings.TrimSpace(o.Customer.FirstName + " " + o.Customer.LastName)
	return name
}

func customerPhone(o *shopify.Order) string {
	if p := strings.TrimSpace(o.Phone); p != "" {
		return p
	}
	return strings.TrimSpace(o.Customer.Phone)
}

func marshalLineItems(items []shopify.LineItem) string {
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func parseAmount(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func formatAmount(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
