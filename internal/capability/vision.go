package capability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	mserrors "mediscope/internal/errors"
	jsonx "mediscope/internal/shared/json"
)

const defaultVisionPrompt = "Describe the medical findings in this image in detail."

// VisionClient answers free-text questions about a medical image through an
// OpenAI-compatible chat completions endpoint with image_url content parts.
type VisionClient struct {
	baseClient
	model string
}

// NewVisionClient constructs a vision Q&A adapter. A nil http client gets a
// circuit-breaker-guarded default.
func NewVisionClient(endpoint, apiKey, model string, client *http.Client) *VisionClient {
	return &VisionClient{
		baseClient: newBaseClient("vision", endpoint, apiKey, client),
		model:      model,
	}
}

func (c *VisionClient) Invoke(ctx context.Context, req Request) (*Payload, error) {
	if req.Reference == "" {
		return nil, mserrors.NewPermanentError(errors.New("missing image reference"), "No image was provided for vision analysis.")
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = defaultVisionPrompt
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
					{"type": "image_url", "image_url": map[string]any{"url": req.Reference}},
				},
			},
		},
	}

	c.logger.Debug("Vision request for %s", req.Reference)
	respBody, err := c.postJSON(ctx, c.endpoint+"/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := jsonx.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode vision response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return nil, mserrors.NewTransientError(errors.New("empty vision response"), "The vision service returned an empty answer.")
	}

	findings := parsed.Choices[0].Message.Content
	return &Payload{
		Text: findings,
		Data: map[string]any{"prompt": prompt},
	}, nil
}
