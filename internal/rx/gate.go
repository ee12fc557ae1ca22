package rx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	bedrockruntime "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"ils-backend/internal/shopify"
)

type BedrockClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Gate consumes the prescription verification service. The sync engine only
// reads the verification verdict; OCR extraction lives behind the model.
type Gate struct {
	client  BedrockClient
	modelID string
}

func New(ctx context.Context) (*Gate, error) {
	modelID := strings.TrimSpace(os.Getenv("BEDROCK_MODEL_ID"))
	if modelID == "" {
		return nil, fmt.Errorf("missing env BEDROCK_MODEL_ID")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &Gate{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

func NewWithClient(client BedrockClient, modelID string) *Gate {
	return &Gate{client: client, modelID: modelID}
}

type UploadParams struct {
	ExternalOrderID string
	ImageBase64     string
	MediaType       string // e.g. image/jpeg
}

type VerificationResult struct {
	VerificationStatus string         `json:"verification_status"` // verified | rejected | needs_review
	ExtractedData      map[string]any `json:"extracted_data"`
	Confidence         float64        `json:"confidence"`
}

func (r *VerificationResult) Verified() bool {
	return r.VerificationStatus == "verified"
}

const ocrPrompt = `You are an optical prescription reader. Extract the prescription
from the attached image and return JSON ONLY:
{
  "verification_status": "verified" | "rejected" | "needs_review",
  "extracted_data": {
    "od_sphere": "...", "od_cylinder": "...", "od_axis": "...",
    "os_sphere": "...", "os_cylinder": "...", "os_axis": "...",
    "pd": "...", "add": "...", "prescriber": "...", "expiry_date": "..."
  },
  "confidence": 0.0
}
Use "rejected" when the image is not a prescription, "needs_review" when
values are unreadable or the prescription looks expired.`

// UploadPrescription runs OCR over a prescription image. Callers persist
// the prescription and feed the verdict back to the sync engine.
func (g *Gate) UploadPrescription(ctx context.Context, p UploadParams) (*VerificationResult, error) {
	if strings.TrimSpace(p.ImageBase64) == "" {
		return nil, fmt.Errorf("missing prescription image")
	}
	mediaType := p.MediaType
	if mediaType == "" {
		mediaType = "image/jpeg"
	}

	payload := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        700,
		"temperature":       0.0,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{
						"type": "image",
						"source": map[string]any{
							"type":       "base64",
							"media_type": mediaType,
							"data":       p.ImageBase64,
						},
					},
					{"type": "text", "text": ocrPrompt},
				},
			},
		},
	}

	text, err := g.invoke(ctx, payload)
	if err != nil {
		return nil, err
	}

	var res VerificationResult
	if err := json.Unmarshal([]byte(extractJSON(text)), &res); err != nil {
		return nil, fmt.Errorf("parse verification result: %w", err)
	}
	if res.VerificationStatus == "" {
		return nil, fmt.Errorf("model returned no verification status")
	}
	return &res, nil
}

// RecommendLenses produces a short recommendation text for the lens items
// of an order. Best-effort: the engine logs and continues on failure.
func (g *Gate) RecommendLenses(ctx context.Context, items []shopify.LineItem) (string, error) {
	titles := make([]string, 0, len(items))
	for _, it := range items {
		if t := strings.TrimSpace(it.Title); t != "" {
			titles = append(titles, t)
		}
	}
	if len(titles) == 0 {
		return "", fmt.Errorf("no line items to recommend for")
	}

	prompt := fmt.Sprintf(`An optical store order contains these items:
%s

In 2-3 sentences, recommend lens options (coatings, materials, indices)
an optician should offer for this order. Plain text only.`, strings.Join(titles, "\n"))

	payload := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        300,
		"temperature":       0.2,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
				},
			},
		},
	}

	return g.invoke(ctx, payload)
}

func (g *Gate) invoke(ctx context.Context, payload map[string]any) (string, error) {
	body, _ := json.Marshal(payload)

	out, err := g.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(g.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock InvokeModel: %w", err)
	}

	var raw struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(out.Body, &raw); err != nil {
		return "", fmt.Errorf("bedrock response unmarshal: %w", err)
	}
	var sb strings.Builder
	for _, c := range raw.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("bedrock returned empty content")
	}
	return text, nil
}

// extractJSON trims any prose the model wraps around the JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
