package capability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	mserrors "mediscope/internal/errors"
	jsonx "mediscope/internal/shared/json"
)

// AcousticClient scores respiratory or cardiac audio against an acoustic
// anomaly model. The backend returns an embedding plus per-condition scores;
// the adapter keeps the scores and summarizes the dominant finding.
type AcousticClient struct {
	baseClient
	model string
}

// NewAcousticClient constructs an acoustic analysis adapter.
func NewAcousticClient(endpoint, apiKey, model string, client *http.Client) *AcousticClient {
	return &AcousticClient{
		baseClient: newBaseClient("acoustic", endpoint, apiKey, client),
		model:      model,
	}
}

type acousticRequest struct {
	Model string `json:"model,omitempty"`
	Audio string `json:"audio_url"`
}

type acousticResponse struct {
	Embedding []float64          `json:"embedding"`
	Scores    map[string]float64 `json:"scores"`
}

func (c *AcousticClient) Invoke(ctx context.Context, req Request) (*Payload, error) {
	if req.Reference == "" {
		return nil, mserrors.NewPermanentError(errors.New("missing audio reference"), "No audio was provided for acoustic analysis.")
	}

	respBody, err := c.postJSON(ctx, c.endpoint, acousticRequest{Model: c.model, Audio: req.Reference})
	if err != nil {
		return nil, err
	}

	var parsed acousticResponse
	if err := jsonx.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode acoustic response: %w", err)
	}
	if len(parsed.Scores) == 0 && len(parsed.Embedding) == 0 {
		return nil, mserrors.NewTransientError(errors.New("empty acoustic result"), "The acoustic model returned no analysis.")
	}

	label, score := dominantScore(parsed.Scores)
	text := "Acoustic analysis produced an embedding with no scored findings."
	if label != "" {
		text = fmt.Sprintf("Acoustic analysis: dominant finding %q (confidence %.2f).", label, score)
	}

	data := map[string]any{}
	if len(parsed.Scores) > 0 {
		data["scores"] = parsed.Scores
	}
	if len(parsed.Embedding) > 0 {
		data["embedding_dims"] = len(parsed.Embedding)
	}

	return &Payload{Text: text, Data: data}, nil
}

func dominantScore(scores map[string]float64) (string, float64) {
	best := ""
	bestScore := math.Inf(-1)
	for label, score := range scores {
		if score > bestScore || (score == bestScore && label < best) {
			best, bestScore = label, score
		}
	}
	if best == "" {
		return "", 0
	}
	return best, bestScore
}
