package rx

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ils-backend/internal/shopify"
)

// fakeBedrock replays a canned Claude-shaped response and records the
// request body for assertions.
type fakeBedrock struct {
	text    string
	err     error
	lastReq map[string]any
}

func (f *fakeBedrock) InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	_ = json.Unmarshal(in.Body, &f.lastReq)
	body, _ := json.Marshal(map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": f.text},
		},
	})
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func TestUploadPrescriptionVerified(t *testing.T) {
	fb := &fakeBedrock{text: `Here is the extraction:
{"verification_status":"verified","extracted_data":{"od_sphere":"-1.25","pd":"63"},"confidence":0.93}`}
	g := NewWithClient(fb, "model-x")

	res, err := g.UploadPrescription(context.Background(), UploadParams{
		ExternalOrderID: "555",
		ImageBase64:     "aGVsbG8=",
		MediaType:       "image/png",
	})
	require.NoError(t, err)
	assert.True(t, res.Verified())
	assert.Equal(t, "-1.25", res.ExtractedData["od_sphere"])
	assert.InDelta(t, 0.93, res.Confidence, 0.001)

	// The image rides along as a base64 content block.
	msgs := fb.lastReq["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].([]any)
	img := content[0].(map[string]any)
	assert.Equal(t, "image", img["type"])
	assert.Equal(t, "image/png", img["source"].(map[string]any)["media_type"])
	assert.Equal(t, "bedrock-2023-05-31", fb.lastReq["anthropic_version"])
}

func TestUploadPrescriptionNeedsReview(t *testing.T) {
	fb := &fakeBedrock{text: `{"verification_status":"needs_review","extracted_data":{},"confidence":0.4}`}
	g := NewWithClient(fb, "model-x")

	res, err := g.UploadPrescription(context.Background(), UploadParams{ImageBase64: "aGVsbG8="})
	require.NoError(t, err)
	assert.False(t, res.Verified())
	assert.Equal(t, "needs_review", res.VerificationStatus)
}

func TestUploadPrescriptionRejectsBadInput(t *testing.T) {
	g := NewWithClient(&fakeBedrock{}, "model-x")

	_, err := g.UploadPrescription(context.Background(), UploadParams{})
	assert.Error(t, err, "missing image is caught before any model call")

	g2 := NewWithClient(&fakeBedrock{text: "I could not read this image, sorry."}, "model-x")
	_, err = g2.UploadPrescription(context.Background(), UploadParams{ImageBase64: "aGVsbG8="})
	assert.Error(t, err, "prose without a JSON verdict is an error")
}

func TestRecommendLenses(t *testing.T) {
	fb := &fakeBedrock{text: "Offer 1.67 high-index with anti-reflective coating."}
	g := NewWithClient(fb, "model-x")

	out, err := g.RecommendLenses(context.Background(), []shopify.LineItem{
		{Title: "Progressive Lenses - Premium"},
		{Title: ""},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "high-index")

	_, err = g.RecommendLenses(context.Background(), nil)
	assert.Error(t, err, "nothing to recommend for")
}
