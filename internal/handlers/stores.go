package handlers

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"ils-backend/internal/db"
	"ils-backend/internal/shopify"
	"ils-backend/internal/store"
)

// Stores manages the store lifecycle: OAuth connect, callback with webhook
// registration, listing, settings update, disconnect with webhook
// unregistration.
type Stores struct {
	ddb    db.API
	stores *store.Repo
	gw     *shopify.Client

	// exchange swaps the authorization code for an access token. A field so
	// tests can stub the Shopify call.
	exchange func(ctx context.Context, shop, code, secret string) (token, scope string, err error)
}

func NewStores(ddb db.API, stores *store.Repo, gw *shopify.Client) *Stores {
	return &Stores{ddb: ddb, stores: stores, gw: gw, exchange: exchangeOAuthCode}
}

func (h *Stores) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	switch req.RawPath {
	case "/stores/connect":
		return h.connect(ctx, req)
	case "/stores/callback":
		return h.callback(ctx, req)
	case "/stores":
		switch req.RequestContext.HTTP.Method {
		case "GET":
			return h.list(ctx, req)
		case "PATCH":
			return h.updateSettings(ctx, req)
		case "DELETE":
			return h.disconnect(ctx, req)
		}
		return errResp(405, "method not allowed")
	default:
		return errResp(404, "not found")
	}
}

func (h *Stores) connect(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, _, err := tenant(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	shop := strings.ToLower(strings.TrimSpace(req.QueryStringParameters["shop"]))
	if !shopify.IsValidShopDomain(shop) {
		return errResp(400, "invalid shop (expected like your-store.myshopify.com)")
	}

	state, err := randomState(24)
	if err != nil {
		return errResp(500, "failed to generate state")
	}

	stateTable := strings.TrimSpace(db.OAuthStateTableName())
	if stateTable == "" {
		return errResp(500, "OAUTH_STATE_TABLE not set")
	}

	exp := time.Now().UTC().Add(10 * time.Minute).Unix()

	_, err = h.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(stateTable),
		Item: map[string]types.AttributeValue{
			"State":          &types.AttributeValueMemberS{Value: state},
			"CompanyID":      &types.AttributeValueMemberS{Value: companyID},
			"Shop":           &types.AttributeValueMemberS{Value: shop},
			"ExpiresAtEpoch": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", exp)},
		},
	})
	if err != nil {
		return errResp(500, "failed to store oauth state")
	}

	apiKey := os.Getenv("SHOPIFY_API_KEY")
	scopes := strings.TrimSpace(os.Getenv("SHOPIFY_SCOPES"))
	redirectBase := strings.TrimRight(os.Getenv("SHOPIFY_REDIRECT_BASE"), "/")
	if apiKey == "" || scopes == "" || redirectBase == "" {
		return errResp(500, "missing SHOPIFY_* env vars")
	}

	redirectURI := redirectBase + "/stores/callback"

	authorize := fmt.Sprintf("https://%s/admin/oauth/authorize", shop)
	u, _ := url.Parse(authorize)
	q := u.Query()
	q.Set("client_id", apiKey)
	q.Set("scope", scopes)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	u.RawQuery = q.Encode()

	return jsonResp(200, map[string]any{
		"authorizeUrl": u.String(),
	})
}

func (h *Stores) callback(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	params := req.QueryStringParameters

	shop := strings.ToLower(strings.TrimSpace(params["shop"]))
	code := strings.TrimSpace(params["code"])
	state := strings.TrimSpace(params["state"])
	hmacParam := strings.TrimSpace(params["hmac"])

	if !shopify.IsValidShopDomain(shop) || code == "" || state == "" || hmacParam == "" {
		return errResp(400, "missing required oauth params")
	}

	secret := os.Getenv("SHOPIFY_API_SECRET")
	if secret == "" {
		return errResp(500, "SHOPIFY_API_SECRET not set")
	}
	if !shopify.VerifyParamHMAC(params, secret, hmacParam) {
		return errResp(400, "invalid hmac")
	}

	// Validate state
	stateTable := strings.TrimSpace(db.OAuthStateTableName())
	out, err := h.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(stateTable),
		Key: map[string]types.AttributeValue{
			"State": &types.AttributeValueMemberS{Value: state},
		},
	})
	if err != nil || out.Item == nil {
		return errResp(400, "invalid or expired state")
	}

	companyID := attrS(out.Item["CompanyID"])
	shopFromState := attrS(out.Item["Shop"])
	if companyID == "" || shopFromState == "" || shopFromState != shop {
		return errResp(400, "state mismatch")
	}
	// DynamoDB TTL expiry can lag by hours; enforce the window ourselves.
	if exp := attrN(out.Item["ExpiresAtEpoch"]); exp == 0 || time.Now().UTC().Unix() > exp {
		return errResp(400, "invalid or expired state")
	}

	token, scope, err := h.exchange(ctx, shop, code, secret)
	if err != nil {
		fmt.Printf("stores: oauth code exchange for %s: %v\n", shop, err)
		return errResp(502, "oauth code exchange failed")
	}

	encTok, err := h.stores.Encrypt(token)
	if err != nil {
		return errResp(500, "failed to encrypt token")
	}
	// Webhook payloads are signed with the app secret; store it encrypted
	// per store so ingress never needs process-wide secrets.
	encSecret, err := h.stores.Encrypt(secret)
	if err != nil {
		return errResp(500, "failed to encrypt webhook secret")
	}

	st := &store.Store{
		CompanyID:        companyID,
		Domain:           shop,
		AccessTokenEnc:   encTok,
		WebhookSecretEnc: encSecret,
		Scope:            scope,
		AutoSync:         true,
		Status:           store.StatusActive,
	}
	if err := h.stores.Put(ctx, st); err != nil {
		return errResp(500, "failed to store connection")
	}

	// Subscribe this store to required webhook topics
	ingressURL := strings.TrimSpace(os.Getenv("WEBHOOK_INGRESS_URL"))
	if ingressURL != "" {
		created, failed := h.gw.SubscribeWebhookTopics(ctx, shop, token, ingressURL)
		fmt.Printf("stores: webhooks for %s: created=%v failed=%v\n", shop, created, failed)
	}

	// one-time state cleanup
	_, _ = h.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(stateTable),
		Key: map[string]types.AttributeValue{
			"State": &types.AttributeValueMemberS{Value: state},
		},
	})

	fe := strings.TrimRight(os.Getenv("FRONTEND_BASE_URL"), "/")
	if fe == "" {
		fe = "/"
	}
	return events.APIGatewayV2HTTPResponse{
		StatusCode: 302,
		Headers: map[string]string{
			"location": fe + "/stores?connected=1&shop=" + url.QueryEscape(shop),
		},
	}, nil
}

func (h *Stores) list(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, _, err := tenant(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	stores, err := h.stores.ListByCompany(ctx, companyID)
	if err != nil {
		return errResp(500, "query failed")
	}
	return jsonResp(200, map[string]any{"items": stores})
}

type storeSettingsRequest struct {
	Shop                      string `json:"shop"`
	RequirePrescriptionUpload *bool  `json:"requirePrescriptionUpload,omitempty"`
	AIRecommendations         *bool  `json:"aiRecommendations,omitempty"`
	AutoSync                  *bool  `json:"autoSync,omitempty"`
}

func (h *Stores) updateSettings(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, _, err := tenant(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	var in storeSettingsRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		return errResp(400, "invalid json body")
	}
	shop := strings.ToLower(strings.TrimSpace(in.Shop))
	if !shopify.IsValidShopDomain(shop) {
		return errResp(400, "invalid shop")
	}

	st, err := h.stores.Get(ctx, companyID, shop)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errResp(404, "store not connected")
		}
		return errResp(500, "lookup failed")
	}

	if in.RequirePrescriptionUpload != nil {
		st.RequirePrescriptionUpload = *in.RequirePrescriptionUpload
	}
	if in.AIRecommendations != nil {
		st.AIRecommendations = *in.AIRecommendations
	}
	if in.AutoSync != nil {
		st.AutoSync = *in.AutoSync
	}
	if err := h.stores.Put(ctx, st); err != nil {
		return errResp(500, "update failed")
	}
	return jsonResp(200, st)
}

func (h *Stores) disconnect(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	companyID, _, err := tenant(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	shop := strings.ToLower(strings.TrimSpace(req.QueryStringParameters["shop"]))
	if !shopify.IsValidShopDomain(shop) {
		return errResp(400, "invalid shop")
	}

	st, err := h.stores.Get(ctx, companyID, shop)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errResp(404, "store not connected")
		}
		return errResp(500, "lookup failed")
	}

	// Best-effort webhook cleanup; the store is deactivated either way.
	if token, terr := h.stores.AccessToken(st); terr == nil {
		ingressURL := strings.TrimSpace(os.Getenv("WEBHOOK_INGRESS_URL"))
		if ingressURL != "" {
			if uerr := h.gw.UnsubscribeAllWebhooks(ctx, shop, token, ingressURL); uerr != nil {
				fmt.Printf("stores: webhook cleanup for %s: %v\n", shop, uerr)
			}
		}
	}

	if err := h.stores.UpdateStatus(ctx, companyID, shop, store.StatusInactive); err != nil {
		return errResp(500, "deactivate failed")
	}

	return jsonResp(200, map[string]any{"ok": true})
}

func exchangeOAuthCode(ctx context.Context, shop, code, secret string) (token, scope string, err error) {
	apiKey := os.Getenv("SHOPIFY_API_KEY")
	tokenURL := fmt.Sprintf("https://%s/admin/oauth/access_token", shop)

	body := map[string]string{
		"client_id":     apiKey,
		"client_secret": secret,
		"code":          code,
	}
	b, _ := json.Marshal(body)

	httpReq, _ := http.NewRequestWithContext(ctx, "POST", tokenURL, bytes.NewReader(b))
	httpReq.Header.Set("content-type", "application/json")

	httpRes, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return "", "", errors.New("token exchange failed")
	}
	defer httpRes.Body.Close()

	raw, _ := io.ReadAll(httpRes.Body)
	if httpRes.StatusCode < 200 || httpRes.StatusCode >= 300 {
		return "", "", fmt.Errorf("token exchange failed: %s", string(raw))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		Scope       string `json:"scope"`
	}
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return "", "", errors.New("invalid token response")
	}
	return tok.AccessToken, tok.Scope, nil
}

func attrS(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func attrN(av types.AttributeValue) int64 {
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		v, err := strconv.ParseInt(n.Value, 10, 64)
		if err == nil {
			return v
		}
	}
	return 0
}

func randomState(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
