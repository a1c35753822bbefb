package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	mserrors "mediscope/internal/errors"
	"mediscope/internal/httpclient"
	jsonx "mediscope/internal/shared/json"
)

// SpeechClient transcribes patient audio. The ASR backend takes a file
// upload, so the adapter downloads the evidence URL first and forwards the
// bytes as multipart form data.
type SpeechClient struct {
	baseClient
	model string
}

// NewSpeechClient constructs a speech transcription adapter.
func NewSpeechClient(endpoint, apiKey, model string, client *http.Client) *SpeechClient {
	return &SpeechClient{
		baseClient: newBaseClient("speech", endpoint, apiKey, client),
		model:      model,
	}
}

func (c *SpeechClient) Invoke(ctx context.Context, req Request) (*Payload, error) {
	if req.Reference == "" {
		return nil, mserrors.NewPermanentError(errors.New("missing audio reference"), "No audio was provided for transcription.")
	}

	c.logger.Debug("Downloading audio from %s", req.Reference)
	audio, err := c.download(ctx, req.Reference)
	if err != nil {
		return nil, err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "patient_audio.wav")
	if err != nil {
		return nil, fmt.Errorf("build multipart form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("write audio payload: %w", err)
	}
	if c.model != "" {
		if err := writer.WriteField("model", c.model); err != nil {
			return nil, fmt.Errorf("write model field: %w", err)
		}
	}
	if req.Language != "" {
		if err := writer.WriteField("language", req.Language); err != nil {
			return nil, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapHTTPError(resp.StatusCode, respBody)
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := jsonx.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode transcription response: %w", err)
	}

	transcript := strings.TrimSpace(parsed.Text)
	if transcript == "" {
		return nil, mserrors.NewTransientError(errors.New("empty transcription"), "Audio processing failed or the recording is silent.")
	}

	return &Payload{
		Text: transcript,
		Data: map[string]any{"bytes": len(audio)},
	}, nil
}

func (c *SpeechClient) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapHTTPError(resp.StatusCode, []byte(fmt.Sprintf("download %s", url)))
	}

	data, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		if httpclient.IsResponseTooLarge(err) {
			return nil, mserrors.NewPermanentError(err, "The audio recording is too large to process.")
		}
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(data) == 0 {
		return nil, mserrors.NewPermanentError(io.ErrUnexpectedEOF, "The audio recording is empty.")
	}
	return data, nil
}
