package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"ils-backend/internal/shopify"
	"ils-backend/internal/store"
	"ils-backend/internal/sync"
)

// Orders is the internal REST surface over the reconciliation engine:
// listing, bulk pull, promotion, fulfillment, retry and prescription
// attachment.
type Orders struct {
	stores *store.Repo
	engine *sync.Engine
	gw     *shopify.Client
}

func NewOrders(stores *store.Repo, engine *sync.Engine, gw *shopify.Client) *Orders {
	return &Orders{stores: stores, engine: engine, gw: gw}
}

func (h *Orders) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	method := req.RequestContext.HTTP.Method

	switch {
	case req.RawPath == "/orders" && method == "GET":
		return h.list(ctx, req)
	case req.RawPath == "/orders/stats" && method == "GET":
		return h.stats(ctx, req)
	case req.RawPath == "/orders/summary" && method == "GET":
		return h.summaryMonthly(ctx, req)
	case req.RawPath == "/orders/sync" && method == "POST":
		return h.pullSync(ctx, req)
	case strings.HasSuffix(req.RawPath, "/promote") && method == "POST":
		return h.promote(ctx, req)
	case strings.HasSuffix(req.RawPath, "/fulfill") && method == "POST":
		return h.fulfill(ctx, req)
	case strings.HasSuffix(req.RawPath, "/retry") && method == "POST":
		return h.retry(ctx, req)
	case strings.HasSuffix(req.RawPath, "/prescription") && method == "POST":
		return h.attachPrescription(ctx, req)
	case strings.HasPrefix(req.RawPath, "/orders/") && method == "GET":
		return h.get(ctx, req)
	default:
		return errResp(404, "not found")
	}
}

func (h *Orders) list(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, _, err := tenant(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	q := req.QueryStringParameters
	limit, _ := strconv.Atoi(q["limit"])

	page, err := h.engine.ListOrders(ctx, sync.ListParams{
		CompanyID:   companyID,
		StoreDomain: strings.ToLower(strings.TrimSpace(q["shop"])),
		SyncStatus:  strings.TrimSpace(q["status"]),
		Limit:       limit,
		NextToken:   strings.TrimSpace(q["nextToken"]),
	})
	if err != nil {
		return errResp(500, "query failed")
	}
	return jsonResp(200, page)
}

func (h *Orders) get(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, _, err := tenant(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}
	shop, extID, ok := orderPathParams(req)
	if !ok {
		return errResp(400, "shop query param and order id required")
	}

	rec, err := h.engine.GetOrder(ctx, companyID, shop, extID)
	if err != nil {
		return domainResp(err)
	}
	return jsonResp(200, rec)
}

// stats returns live per-store sync-status counts.
func (h *Orders) stats(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, _, err := tenant(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}
	shop := strings.ToLower(strings.TrimSpace(req.QueryStringParameters["shop"]))
	if !shopify.IsValidShopDomain(shop) {
		return errResp(400, "invalid shop")
	}

	counts, err := h.engine.CountByStatus(ctx, companyID, shop)
	if err != nil {
		return errResp(500, "query failed")
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return jsonResp(200, map[string]any{
		"shop":     shop,
		"total":    total,
		"byStatus": counts,
	})
}

type pullSyncRequest struct {
	Shop         string `json:"shop"`
	UpdatedAfter string `json:"updatedAfter,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// pullSync fetches a page of orders from the remote store and reconciles
// each one, returning per-item outcomes.
func (h *Orders) pullSync(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, _, err := tenant(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	var in pullSyncRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		return errResp(400, "invalid json body")
	}
	shop := strings.ToLower(strings.TrimSpace(in.Shop))

	st, token, resp, ok := h.activeStore(ctx, companyID, shop)
	if !ok {
		return resp, nil
	}

	updatedAfter := in.UpdatedAfter
	if updatedAfter == "" && st.LastSyncAt != "" {
		updatedAfter = st.LastSyncAt
	}

	orders, err := h.gw.ListOrders(ctx, shop, token, updatedAfter, in.Limit)
	if err != nil {
		return gatewayResp(err)
	}

	res := h.engine.SyncBulk(ctx, st, orders)

	now := time.Now().UTC().Format(time.RFC3339)
	if err := h.stores.UpdateLastSync(ctx, companyID, shop, now); err != nil {
		// The pull already succeeded; a stale watermark only widens the
		// next pull window.
		res.Items = append(res.Items, sync.BulkItemResult{Error: "failed to update sync watermark"})
	}

	return jsonResp(200, res)
}

func (h *Orders) promote(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, _, err := tenant(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}
	shop, extID, ok := orderPathParams(req)
	if !ok {
		return errResp(400, "shop query param and order id required")
	}

	st, _, resp, ok := h.activeStore(ctx, companyID, shop)
	if !ok {
		return resp, nil
	}

	rec, err := h.engine.CreateILSOrder(ctx, st, extID)
	if err != nil {
		return domainResp(err)
	}
	return jsonResp(200, rec)
}

type fulfillRequest struct {
	TrackingNumber  string `json:"trackingNumber,omitempty"`
	TrackingCompany string `json:"trackingCompany,omitempty"`
	NotifyCustomer  bool   `json:"notifyCustomer"`
}

func (h *Orders) fulfill(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, _, err := tenant(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}
	shop, extID, ok := orderPathParams(req)
	if !ok {
		return errResp(400, "shop query param and order id required")
	}

	var in fulfillRequest
	if req.Body != "" {
		if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
			return errResp(400, "invalid json body")
		}
	}

	st, token, resp, ok := h.activeStore(ctx, companyID, shop)
	if !ok {
		return resp, nil
	}

	rec, err := h.engine.FulfillOrder(ctx, st, token, extID, shopify.Fulfillment{
		TrackingNumber:  in.TrackingNumber,
		TrackingCompany: in.TrackingCompany,
		NotifyCustomer:  in.NotifyCustomer,
	})
	if err != nil {
		var apiErr *shopify.APIError
		if errors.As(err, &apiErr) {
			return gatewayResp(err)
		}
		return domainResp(err)
	}
	return jsonResp(200, rec)
}

func (h *Orders) retry(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, _, err := tenant(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}
	shop, extID, ok := orderPathParams(req)
	if !ok {
		return errResp(400, "shop query param and order id required")
	}

	st, _, resp, ok := h.activeStore(ctx, companyID, shop)
	if !ok {
		return resp, nil
	}

	rec, err := h.engine.RetrySync(ctx, st, extID)
	if err != nil {
		return domainResp(err)
	}
	return jsonResp(200, rec)
}

type attachPrescriptionRequest struct {
	PrescriptionID string `json:"prescriptionId"`
	Verified       bool   `json:"verified"`
}

func (h *Orders) attachPrescription(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, _, err := tenant(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}
	shop, extID, ok := orderPathParams(req)
	if !ok {
		return errResp(400, "shop query param and order id required")
	}

	var in attachPrescriptionRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		return errResp(400, "invalid json body")
	}
	if in.PrescriptionID == "" {
		return errResp(400, "prescriptionId required")
	}

	st, _, resp, ok := h.activeStore(ctx, companyID, shop)
	if !ok {
		return resp, nil
	}

	rec, err := h.engine.AttachPrescription(ctx, st, extID, in.PrescriptionID, in.Verified)
	if err != nil {
		return domainResp(err)
	}
	return jsonResp(200, rec)
}

// activeStore resolves and gates one connected store; on failure the third
// return value is a ready error response.
func (h *Orders) activeStore(ctx context.Context, companyID, shop string) (*store.Store, string, events.APIGatewayV2HTTPResponse, bool) {
	fail := func(status int, msg string) (*store.Store, string, events.APIGatewayV2HTTPResponse, bool) {
		resp, _ := errResp(status, msg)
		return nil, "", resp, false
	}

	if !shopify.IsValidShopDomain(shop) {
		return fail(400, "invalid shop")
	}
	st, err := h.stores.Get(ctx, companyID, shop)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(404, "store not connected")
		}
		return fail(500, "store lookup failed")
	}
	if st.Status != store.StatusActive {
		return fail(409, "store is not active")
	}
	token, err := h.stores.AccessToken(st)
	if err != nil {
		return fail(500, "credential decryption failed")
	}
	return st, token, events.APIGatewayV2HTTPResponse{}, true
}

// orderPathParams extracts /orders/{externalID}[/action] plus the shop
// query param.
func orderPathParams(req events.APIGatewayV2HTTPRequest) (shop, externalID string, ok bool) {
	shop = strings.ToLower(strings.TrimSpace(req.QueryStringParameters["shop"]))
	parts := strings.Split(strings.Trim(req.RawPath, "/"), "/")
	if len(parts) < 2 || parts[0] != "orders" || parts[1] == "" {
		return "", "", false
	}
	if shop == "" {
		return "", "", false
	}
	return shop, parts[1], true
}

// gatewayResp maps typed upstream errors onto API statuses.
func gatewayResp(err error) (events.APIGatewayV2HTTPResponse, error) {
	var apiErr *shopify.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case shopify.KindRateLimited:
			return errResp(429, "remote store rate limited the request")
		case shopify.KindAuthFailed:
			return errResp(502, "store credentials rejected by remote")
		case shopify.KindNotFound:
			return errResp(404, "remote resource not found")
		default:
			return errResp(502, "remote store request failed")
		}
	}
	return errResp(500, "internal error")
}
