package insights

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type FixSQLRequest struct {
	OriginalQuestion string
	SchemaText       string
	AllowedDomains   []string
	MaxDaysLookback  int
	TodayISO         string

	PreviousSQL string
	AthenaError string
}

func BuildFixPrompt(r FixSQLRequest) string {
	today, _ := time.Parse("2006-01-02", r.TodayISO)
	dtMin := today.AddDate(0, 0, -r.MaxDaysLookback).Format("2006-01-02")

	domains := strings.Join(r.AllowedDomains, ", ")
	if domains == "" {
		domains = "(none)"
	}

	return fmt.Sprintf(`
FIX the SQL query.

CRITICAL RULES:
- Output JSON only.
- One SELECT only.
- store_domain must remain inside allowlist [%s].
- dt MUST have lower bound >= '%s'.
- schema + question must be respected.

SCHEMA:
%s

QUESTION:
%s

PREVIOUS SQL:
%s

ATHENA ERROR:
%s

Return JSON:
{
  "sql": "...",
  "confidence": 0.0,
  "assumptions": ["..."],
  "needs_clarification": false,
  "clarifying_question": null
}
`, domains, dtMin, r.SchemaText, r.OriginalQuestion, r.PreviousSQL, r.AthenaError)
}

// ExecuteWithRepair runs the model's SQL and, on Athena failure, asks the
// model to repair its own statement up to maxFixAttempts times. Every
// candidate passes ValidateSQL before it touches Athena.
func ExecuteWithRepair(
	ctx context.Context,
	bedrock BedrockClient,
	ath AthenaClient,
	validate ValidateOptions,
	runOpt RunOptions,
	question string,
	schemaText string,
	allowedDomains []string,
	maxDays int,
	todayISO string,
	initial *ModelResult,
	maxFixAttempts int,
) (*ModelResult, *QueryResult, error) {

	if maxFixAttempts < 0 {
		maxFixAttempts = 0
	}

	cur := *initial
	if err := ValidateSQL(cur.SQL, validate); err != nil {
		return nil, nil, fmt.Errorf("initial sql rejected: %w", err)
	}
	res, err := RunQuery(ctx, ath, cur.SQL, runOpt)
	if err == nil {
		return &cur, res, nil
	}

	lastErr := err
	for attempt := 1; attempt <= maxFixAttempts; attempt++ {
		fixPrompt := BuildFixPrompt(FixSQLRequest{
			OriginalQuestion: question,
			SchemaText:       schemaText,
			AllowedDomains:   allowedDomains,
			MaxDaysLookback:  maxDays,
			TodayISO:         todayISO,
			PreviousSQL:      cur.SQL,
			AthenaError:      lastErr.Error(),
		})

		fixed, ferr := GenerateSQL(ctx, bedrock, fixPrompt)
		if ferr != nil {
			return nil, nil, fmt.Errorf("bedrock fix attempt %d failed: %w", attempt, ferr)
		}
		if fixed.NeedsClarification {
			return fixed, nil, nil
		}

		if err := ValidateSQL(fixed.SQL, validate); err != nil {
			lastErr = fmt.Errorf("fixed sql rejected: %w", err)
			cur = *fixed
			continue
		}

		r2, err2 := RunQuery(ctx, ath, fixed.SQL, runOpt)
		if err2 == nil {
			return fixed, r2, nil
		}
		lastErr = err2
		cur = *fixed
	}

	return &cur, nil, fmt.Errorf("athena failed after retries: %w", lastErr)
}
