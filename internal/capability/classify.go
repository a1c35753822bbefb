package capability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/kaptinlin/jsonrepair"

	mserrors "mediscope/internal/errors"
	jsonx "mediscope/internal/shared/json"
)

// ClassifyClient runs zero-shot image classification against a fixed set of
// candidate labels. Some deployments front the model with an LLM proxy that
// occasionally emits malformed JSON, so decoding falls back to jsonrepair
// before giving up.
type ClassifyClient struct {
	baseClient
	model string
}

// NewClassifyClient constructs a zero-shot classification adapter.
func NewClassifyClient(endpoint, apiKey, model string, client *http.Client) *ClassifyClient {
	return &ClassifyClient{
		baseClient: newBaseClient("classify", endpoint, apiKey, client),
		model:      model,
	}
}

type classifyRequest struct {
	Model      string   `json:"model,omitempty"`
	Image      string   `json:"image_url"`
	Candidates []string `json:"candidate_labels"`
}

type classifyResponse struct {
	Labels []struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	} `json:"labels"`
}

func (c *ClassifyClient) Invoke(ctx context.Context, req Request) (*Payload, error) {
	if req.Reference == "" {
		return nil, mserrors.NewPermanentError(errors.New("missing image reference"), "No image was provided for classification.")
	}
	if len(req.Candidates) == 0 {
		return nil, mserrors.NewPermanentError(errors.New("no candidate labels"), "Classification requires at least one candidate label.")
	}

	respBody, err := c.postJSON(ctx, c.endpoint, classifyRequest{
		Model:      c.model,
		Image:      req.Reference,
		Candidates: req.Candidates,
	})
	if err != nil {
		return nil, err
	}

	parsed, err := decodeClassifyResponse(respBody)
	if err != nil {
		return nil, err
	}
	if len(parsed.Labels) == 0 {
		return nil, mserrors.NewTransientError(errors.New("empty classification result"), "The classifier returned no labels.")
	}

	labels := parsed.Labels
	sort.SliceStable(labels, func(i, j int) bool { return labels[i].Score > labels[j].Score })

	scores := make(map[string]float64, len(labels))
	for _, l := range labels {
		scores[l.Label] = l.Score
	}

	top := labels[0]
	return &Payload{
		Text: fmt.Sprintf("Zero-shot classification: %s (%.2f).", top.Label, top.Score),
		Data: map[string]any{
			"top_label": top.Label,
			"top_score": top.Score,
			"scores":    scores,
		},
	}, nil
}

func decodeClassifyResponse(body []byte) (*classifyResponse, error) {
	var parsed classifyResponse
	if err := jsonx.Unmarshal(body, &parsed); err == nil {
		return &parsed, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(string(body))
	if repairErr != nil {
		return nil, mserrors.NewTransientError(fmt.Errorf("repair classification response: %w", repairErr), "The classifier returned an unreadable response.")
	}
	if err := jsonx.Unmarshal([]byte(repaired), &parsed); err != nil {
		return nil, mserrors.NewTransientError(fmt.Errorf("decode repaired classification response: %w", err), "The classifier returned an unreadable response.")
	}
	return &parsed, nil
}
