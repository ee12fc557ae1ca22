package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	bedrockruntime "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

type BedrockClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type QueryRequest struct {
	Question        string
	AllowedDomains  []string // store domains the caller may query
	MaxDaysLookback int
	SchemaText      string
	TodayISO        string // e.g. 2026-08-31
}

type ModelResult struct {
	SQL                string   `json:"sql"`
	Confidence         float64  `json:"confidence"`
	Assumptions        []string `json:"assumptions"`
	NeedsClarification bool     `json:"needs_clarification"`
	ClarifyingQuestion *string  `json:"clarifying_question"`
}

func BuildPrompt(r QueryRequest) string {
	domains := strings.Join(r.AllowedDomains, ", ")
	if domains == "" {
		domains = "(none)"
	}

	today, _ := time.Parse("2006-01-02", r.TodayISO)
	dtMin := today.AddDate(0, 0, -r.MaxDaysLookback).Format("2006-01-02")

	return fmt.Sprintf(`
You are a Text-to-SQL compiler for AWS Athena over an optical practice's
daily Shopify sync metrics.

OUTPUT: valid JSON ONLY (never SQL alone).

CRITICAL RULES:
- One SELECT statement only, no semicolon, no comments.
- Use ONLY tables/columns in schema.
- store_domain must be restricted to this allowlist: [%s].
- dt must always have a lower bound >= '%s'.
  Example:
    dt >= date '%s'
    OR dt between date '%s' and date '%s'
- NEVER remove the dt filter.
- Prefer partition pruning: filter dt and store_domain.
- ALWAYS wrap aggregate functions in COALESCE(..., 0) so results never
  return NULL, e.g. SUM(x) => COALESCE(SUM(x), 0).
- When the user asks for a total, return a single scalar column named
  appropriately (e.g. total_gross_sales).

TODAY: %s
DT_MIN_ALLOWED: %s

SCHEMA:
%s

USER QUESTION:
%s

Return JSON:
{
  "sql": "...",
  "confidence": 0.0,
  "assumptions": ["..."],
  "needs_clarification": false,
  "clarifying_question": null
}
`, domains, dtMin, dtMin, dtMin, r.TodayISO, r.TodayISO, dtMin, r.SchemaText, r.Question)
}

// GenerateSQL sends the prompt to Claude on Bedrock and parses the JSON
// answer. The model is required to return pure JSON; anything around it is
// stripped out.
func GenerateSQL(ctx context.Context, c BedrockClient, prompt string) (*ModelResult, error) {
	modelID := strings.TrimSpace(os.Getenv("BEDROCK_MODEL_ID"))
	if modelID == "" {
		return nil, fmt.Errorf("missing env BEDROCK_MODEL_ID")
	}

	payload := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        700,
		"temperature":       0.0,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
				},
			},
		},
	}
	body, _ := json.Marshal(payload)

	out, err := c.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock InvokeModel: %w", err)
	}

	var raw struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(out.Body, &raw); err != nil {
		return nil, fmt.Errorf("bedrock response unmarshal: %w", err)
	}

	var text string
	for _, c := range raw.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	text = strings.TrimSpace(text)

	jsonStr := extractFirstJSONObject(text)
	if jsonStr == "" {
		return nil, fmt.Errorf("model did not return JSON object")
	}

	var res ModelResult
	if err := json.Unmarshal([]byte(jsonStr), &res); err != nil {
		return nil, fmt.Errorf("model JSON parse failed: %w; raw=%s", err, truncate(jsonStr, 800))
	}
	res.SQL = strings.TrimSpace(res.SQL)
	return &res, nil
}

func TodayISO() string {
	return time.Now().UTC().Format("2006-01-02")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// extractFirstJSONObject finds the first balanced {...} block; good enough
// for model output, not a full JSON parser.
func extractFirstJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
