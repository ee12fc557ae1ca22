package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"ils-backend/internal/db"
	"ils-backend/internal/products"
	"ils-backend/internal/security"
	"ils-backend/internal/shopify"
	"ils-backend/internal/store"
)

// REST surface for product mappings: list what is mapped, and pull a full
// resync of the remote catalog into the mapping table.

type app struct {
	stores   *store.Repo
	mappings *products.Repo
	gw       *shopify.Client
}

func (a *app) handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	method := req.RequestContext.HTTP.Method

	switch {
	case req.RawPath == "/products" && method == "GET":
		return a.list(ctx, req)
	case req.RawPath == "/products/sync" && method == "POST":
		return a.resync(ctx, req)
	default:
		return response(404, map[string]any{"error": "not found"})
	}
}

func (a *app) list(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, shop, errResp, ok := a.tenantShop(ctx, req)
	if !ok {
		return errResp, nil
	}

	items, err := a.mappings.ListByStore(ctx, companyID, shop)
	if err != nil {
		return response(500, map[string]any{"error": "query failed"})
	}
	return response(200, map[string]any{"items": items})
}

func (a *app) resync(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, shop, errResp, ok := a.tenantShop(ctx, req)
	if !ok {
		return errResp, nil
	}

	st, err := a.stores.Get(ctx, companyID, shop)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response(404, map[string]any{"error": "store not connected"})
		}
		return response(500, map[string]any{"error": "store lookup failed"})
	}
	token, err := a.stores.AccessToken(st)
	if err != nil {
		return response(500, map[string]any{"error": "credential decryption failed"})
	}

	list, err := a.gw.ListProducts(ctx, shop, token, 0)
	if err != nil {
		return response(502, map[string]any{"error": "remote product fetch failed"})
	}

	synced := 0
	failed := 0
	for i := range list {
		if err := a.mappings.UpsertFromProduct(ctx, companyID, shop, &list[i]); err != nil {
			fmt.Printf("products: upsert product %d for %s: %v\n", list[i].ID, shop, err)
			failed++
			continue
		}
		synced++
	}

	return response(200, map[string]any{
		"shop":   shop,
		"synced": synced,
		"failed": failed,
	})
}

func (a *app) tenantShop(ctx context.Context, req events.APIGatewayV2HTTPRequest) (companyID, shop string, resp events.APIGatewayV2HTTPResponse, ok bool) {
	claims := req.RequestContext.Authorizer.JWT.Claims
	if claims != nil {
		companyID = strings.TrimSpace(claims["custom:company_id"])
		if companyID == "" {
			companyID = strings.TrimSpace(claims["company_id"])
		}
		if companyID == "" {
			companyID = strings.TrimSpace(claims["sub"])
		}
	}
	if companyID == "" {
		r, _ := response(401, map[string]any{"error": "unauthorized"})
		return "", "", r, false
	}

	shop = strings.ToLower(strings.TrimSpace(req.QueryStringParameters["shop"]))
	if !shopify.IsValidShopDomain(shop) {
		r, _ := response(400, map[string]any{"error": "invalid shop"})
		return "", "", r, false
	}
	return companyID, shop, events.APIGatewayV2HTTPResponse{}, true
}

func response(status int, v any) (events.APIGatewayV2HTTPResponse, error) {
	b, _ := json.Marshal(v)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers: map[string]string{
			"content-type": "application/json",
		},
		Body: string(b),
	}, nil
}

func main() {
	ctx := context.Background()

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		log.Fatalf("init dynamodb: %v", err)
	}
	codec, err := security.LoadCodec(ctx)
	if err != nil {
		log.Fatalf("load encryption key: %v", err)
	}

	a := &app{
		stores:   store.NewRepo(ddb, codec),
		mappings: products.NewRepo(ddb),
		gw:       shopify.NewClient(""),
	}

	lambda.Start(a.handle)
}
