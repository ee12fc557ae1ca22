package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	bedrockruntime "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/glue"

	"ils-backend/internal/insights"
	"ils-backend/internal/store"
)

// Ask answers natural-language questions about a practice's sync metrics:
// Glue schema -> Claude-generated SQL -> validation -> Athena, with a
// Dynamo-backed answer cache and model-side SQL repair on Athena errors.
type Ask struct {
	cfg    aws.Config
	glue   *glue.Client
	ddb    *dynamodb.Client
	stores *store.Repo
}

func NewAsk(cfg aws.Config, stores *store.Repo) *Ask {
	return &Ask{
		cfg:    cfg,
		glue:   glue.NewFromConfig(cfg),
		ddb:    dynamodb.NewFromConfig(cfg),
		stores: stores,
	}
}

type AskRequest struct {
	Question string   `json:"question"`
	Shops    []string `json:"shops,omitempty"` // optional subset of connected stores
}

func (h *Ask) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	var body AskRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return jsonErr(http.StatusBadRequest, "invalid_json", err), nil
	}
	body.Question = strings.TrimSpace(body.Question)
	if body.Question == "" {
		return jsonErr(http.StatusBadRequest, "question_required", nil), nil
	}

	companyID, _, err := tenant(req)
	if err != nil {
		return jsonErr(http.StatusUnauthorized, "missing_company_id", nil), nil
	}

	// Tenant scoping: the question may only touch this company's stores.
	connected, err := h.stores.ListByCompany(ctx, companyID)
	if err != nil {
		return jsonErr(http.StatusInternalServerError, "store_lookup_failed", err), nil
	}
	allowedDomains := make([]string, 0, len(connected))
	for _, st := range connected {
		allowedDomains = append(allowedDomains, st.Domain)
	}
	if len(allowedDomains) == 0 {
		return jsonOK(map[string]any{
			"type":  "no_stores",
			"error": "no stores connected to this practice",
		}), nil
	}

	effective := intersectAllowed(body.Shops, allowedDomains)
	if len(effective) == 0 {
		return jsonErr(http.StatusForbidden, "no_allowed_stores_in_request", nil), nil
	}
	allowedDomains = effective

	schema, err := insights.LoadTableSchemaFromEnv(ctx, h.glue)
	if err != nil {
		return jsonErr(http.StatusInternalServerError, "glue_get_table_failed", err), nil
	}
	schemaText := insights.CompactSchemaText(schema)

	maxDays := 90
	if v := strings.TrimSpace(os.Getenv("INSIGHTS_MAX_DAYS")); v != "" {
		if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
			maxDays = n
		}
	}
	today := insights.TodayISO()
	schemaHash := insights.SchemaHash(schemaText)

	ck := insights.CacheKey{
		CompanyID:  companyID,
		Domains:    allowedDomains,
		Question:   body.Question,
		TodayISO:   today,
		MaxDays:    maxDays,
		SchemaHash: schemaHash,
	}

	if cached, ok, err := insights.GetCached(ctx, h.ddb, ck); err == nil && ok {
		return jsonOK(map[string]any{
			"type":          "result",
			"cached":        true,
			"sql":           cached.SQL,
			"assumptions":   cached.Assumptions,
			"confidence":    cached.Confidence,
			"result":        insights.ShapeResult(cached.Columns, cached.Rows),
			"query_id":      cached.QueryID,
			"scanned_bytes": cached.ScannedBytes,
			"exec_ms":       cached.ExecMs,
		}), nil
	}

	prompt := insights.BuildPrompt(insights.QueryRequest{
		Question:        body.Question,
		AllowedDomains:  allowedDomains,
		MaxDaysLookback: maxDays,
		SchemaText:      schemaText,
		TodayISO:        today,
	})

	br := bedrockruntime.NewFromConfig(h.cfg)
	ath := athena.NewFromConfig(h.cfg)

	modelRes, err := insights.GenerateSQL(ctx, br, prompt)
	if err != nil {
		return jsonErr(http.StatusInternalServerError, "bedrock_error", err), nil
	}

	if modelRes.NeedsClarification {
		return jsonOK(map[string]any{
			"type":                "clarification",
			"clarifying_question": modelRes.ClarifyingQuestion,
			"assumptions":         modelRes.Assumptions,
			"confidence":          modelRes.Confidence,
		}), nil
	}

	validate := insights.ValidateOptions{
		AllowedDomains:  allowedDomains,
		RequireDTFilter: true,
		MaxDaysLookback: maxDays,
		TodayISO:        today,
	}
	if err := insights.ValidateSQL(modelRes.SQL, validate); err != nil {
		return jsonOK(map[string]any{
			"type":        "sql_rejected",
			"reason":      err.Error(),
			"model_sql":   modelRes.SQL,
			"assumptions": modelRes.Assumptions,
			"confidence":  modelRes.Confidence,
		}), nil
	}

	runOpt := insights.RunOptions{
		Database:       strings.TrimSpace(os.Getenv("ATHENA_DATABASE")),
		Workgroup:      strings.TrimSpace(os.Getenv("ATHENA_WORKGROUP")),
		OutputLocation: strings.TrimSpace(os.Getenv("ATHENA_OUTPUT_S3")),
		MaxWait:        25 * time.Second,
		PollInterval:   700 * time.Millisecond,
		MaxResultRows:  200,
	}

	finalRes, athRes, runErr := insights.ExecuteWithRepair(
		ctx, br, ath, validate, runOpt,
		body.Question, schemaText, allowedDomains, maxDays, today,
		modelRes,
		2, // max fix attempts
	)
	if runErr != nil {
		lastSQL := ""
		var lastAssumptions []string
		lastConfidence := 0.0
		if finalRes != nil {
			lastSQL = finalRes.SQL
			lastAssumptions = finalRes.Assumptions
			lastConfidence = finalRes.Confidence
		}
		return jsonOK(map[string]any{
			"type":        "athena_failed",
			"error":       runErr.Error(),
			"last_sql":    lastSQL,
			"assumptions": lastAssumptions,
			"confidence":  lastConfidence,
		}), nil
	}

	if athRes == nil && finalRes != nil && finalRes.NeedsClarification {
		return jsonOK(map[string]any{
			"type":                "clarification",
			"clarifying_question": finalRes.ClarifyingQuestion,
			"assumptions":         finalRes.Assumptions,
			"confidence":          finalRes.Confidence,
		}), nil
	}

	_ = insights.PutCached(ctx, h.ddb, ck, insights.CachedResponse{
		SQL:          finalRes.SQL,
		Columns:      athRes.Columns,
		Rows:         athRes.Rows,
		Assumptions:  finalRes.Assumptions,
		Confidence:   finalRes.Confidence,
		ScannedBytes: athRes.ScannedBytes,
		ExecMs:       athRes.ExecutionMs,
		QueryID:      athRes.QueryExecutionID,
	})

	return jsonOK(map[string]any{
		"type":          "result",
		"sql":           finalRes.SQL,
		"assumptions":   finalRes.Assumptions,
		"confidence":    finalRes.Confidence,
		"result":        insights.ShapeResult(athRes.Columns, athRes.Rows),
		"query_id":      athRes.QueryExecutionID,
		"scanned_bytes": athRes.ScannedBytes,
		"exec_ms":       athRes.ExecutionMs,
	}), nil
}

func jsonOK(v any) events.APIGatewayV2HTTPResponse {
	b, _ := json.Marshal(v)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: string(b),
	}
}

func jsonErr(status int, msg string, err error) events.APIGatewayV2HTTPResponse {
	resp := map[string]any{"error": msg}
	if err != nil {
		resp["detail"] = err.Error()
	}
	b, _ := json.Marshal(resp)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: string(b),
	}
}

func intersectAllowed(requested, allowed []string) []string {
	if len(requested) == 0 {
		return allowed
	}
	allowedSet := map[string]bool{}
	for _, a := range allowed {
		allowedSet[strings.ToLower(strings.TrimSpace(a))] = true
	}
	out := make([]string, 0, len(requested))
	seen := map[string]bool{}
	for _, r := range requested {
		r2 := strings.ToLower(strings.TrimSpace(r))
		if r2 == "" || !allowedSet[r2] || seen[r2] {
			continue
		}
		seen[r2] = true
		out = append(out, r2)
	}
	return out
}
