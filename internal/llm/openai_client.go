package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	mserrors "mediscope/internal/errors"
	"mediscope/internal/httpclient"
	jsonx "mediscope/internal/shared/json"
	"mediscope/internal/shared/logging"
)

const maxResponseBytes = 8 * 1024 * 1024

// Client is an LLM completion provider. StreamComplete delivers incremental
// content through callbacks and still returns the aggregated response.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error)
}

// Config holds the connection settings for an OpenAI-compatible provider.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// openaiClient speaks the OpenAI-compatible chat completions API.
type openaiClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	logger     logging.Logger
}

// NewOpenAIClient constructs a chat completions client. A zero Timeout falls
// back to the transport default, and the HTTP client is guarded by a circuit
// breaker shared across all calls to this provider.
func NewOpenAIClient(config Config) (Client, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.groq.com/openai/v1"
	}
	if config.Model == "" {
		return nil, errors.New("llm: model is required")
	}
	return &openaiClient{
		httpClient: httpclient.NewWithCircuitBreaker(config.Timeout, "llm"),
		baseURL:    baseURL,
		apiKey:     config.APIKey,
		model:      config.Model,
		logger:     logging.NewComponentLogger("LLM"),
	}, nil
}

func (c *openaiClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body, err := jsonx.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	resp, err := c.doPost(ctx, endpoint, body)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("Error response body: %s", string(respBody))
		return nil, mapHTTPError(resp.StatusCode, respBody)
	}

	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage TokenUsage `json:"usage"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := jsonx.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if oaiResp.Error != nil && oaiResp.Error.Message != "" {
		return nil, mapHTTPError(resp.StatusCode, []byte(oaiResp.Error.Message))
	}
	if len(oaiResp.Choices) == 0 {
		return nil, mserrors.NewTransientError(errors.New("no choices in response"), "LLM returned an empty response. Please retry.")
	}

	return &CompletionResponse{
		Content:    oaiResp.Choices[0].Message.Content,
		StopReason: oaiResp.Choices[0].FinishReason,
		Usage:      oaiResp.Usage,
	}, nil
}

// StreamComplete streams incremental completion deltas while constructing the
// final aggregated response.
func (c *openaiClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	body, err := jsonx.Marshal(c.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	resp, err := c.doPost(ctx, endpoint, body)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
		if readErr != nil {
			return nil, fmt.Errorf("read response: %w", readErr)
		}
		c.logger.Debug("Error response body: %s", string(respBody))
		return nil, mapHTTPError(resp.StatusCode, respBody)
	}

	type streamChunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *TokenUsage `json:"usage"`
	}

	scanner := newStreamScanner(resp.Body)

	var contentBuilder strings.Builder
	usage := TokenUsage{}
	finishReason := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := jsonx.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("Failed to decode stream chunk: %v", err)
			continue
		}

		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
		if text := choice.Delta.Content; text != "" {
			contentBuilder.WriteString(text)
			if callbacks.OnContentDelta != nil {
				callbacks.OnContentDelta(ContentDelta{Delta: text})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, mserrors.NewTransientError(fmt.Errorf("read response stream: %w", err), "The LLM stream was interrupted. Please retry.")
	}

	if callbacks.OnContentDelta != nil {
		callbacks.OnContentDelta(ContentDelta{Final: true})
	}

	return &CompletionResponse{
		Content:    contentBuilder.String(),
		StopReason: finishReason,
		Usage:      usage,
	}, nil
}

func (c *openaiClient) buildRequest(req CompletionRequest, stream bool) map[string]any {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, map[string]any{"role": msg.Role, "content": msg.Content})
	}
	oaiReq := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": req.Temperature,
		"stream":      stream,
	}
	if req.MaxTokens > 0 {
		oaiReq["max_tokens"] = req.MaxTokens
	}
	return oaiReq
}

func (c *openaiClient) doPost(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.httpClient.Do(httpReq)
}

// wrapRequestError classifies transport-level failures.
func wrapRequestError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return mserrors.NewTransientError(err, "The LLM request timed out. Please retry.")
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return mserrors.NewTransientError(err, "The LLM request timed out. Please retry.")
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return mserrors.NewTransientError(err, "Could not reach the LLM provider.")
}

// mapHTTPError converts a non-2xx response to the shared error taxonomy.
func mapHTTPError(statusCode int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	err := fmt.Errorf("llm: status %d: %s", statusCode, msg)
	switch {
	case statusCode == http.StatusTooManyRequests:
		return mserrors.NewTransientError(err, "The LLM provider is rate limiting requests. Please retry shortly.")
	case statusCode >= 500:
		return mserrors.NewTransientError(err, "The LLM provider returned a server error. Please retry.")
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return mserrors.NewPermanentError(err, "LLM authentication failed. Check the configured API key.")
	default:
		return mserrors.NewPermanentError(err, "The LLM request was rejected by the provider.")
	}
}
