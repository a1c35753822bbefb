// Package capability contains one adapter per remote analysis backend the
// diagnostic pipeline fans out to. Every adapter is stateless and safe for
// concurrent use across requests; each invocation is independent.
package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	mserrors "mediscope/internal/errors"
	"mediscope/internal/httpclient"
	jsonx "mediscope/internal/shared/json"
	"mediscope/internal/shared/logging"
)

const maxResponseBytes = 8 * 1024 * 1024

// Request carries one evidence reference plus request-scoped parameters into
// a capability invocation.
type Request struct {
	// Reference is the evidence URI (image, audio or document URL), or the
	// raw query text for capabilities that take no reference.
	Reference string
	// Prompt is the request's free-text context, when relevant.
	Prompt string
	// Language is the target output language.
	Language string
	// Candidates are zero-shot classification labels.
	Candidates []string
}

// Payload is an opaque result handed to the synthesis stage. The
// orchestration core never interprets Data beyond serializing it.
type Payload struct {
	// Text is the human-readable rendering included in the synthesis context.
	Text string `json:"text"`
	// Data holds structured details specific to the capability.
	Data map[string]any `json:"data,omitempty"`
}

// Client is a single remote analytical capability.
type Client interface {
	Invoke(ctx context.Context, req Request) (*Payload, error)
}

// baseClient holds the pieces every HTTP-backed adapter needs.
type baseClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	logger     logging.Logger
}

func newBaseClient(name, endpoint, apiKey string, client *http.Client) baseClient {
	if client == nil {
		client = httpclient.NewWithCircuitBreaker(0, name)
	}
	return baseClient{
		httpClient: client,
		endpoint:   endpoint,
		apiKey:     apiKey,
		logger:     logging.NewComponentLogger(name),
	}
}

// postJSON sends a JSON body and returns the raw response body after mapping
// HTTP-level failures onto the shared error taxonomy.
func (c *baseClient) postJSON(ctx context.Context, endpoint string, body any) ([]byte, error) {
	data, err := jsonx.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
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
	return respBody, nil
}

// wrapRequestError classifies transport-level failures. Context expiry maps
// to a timeout, everything else to a transient network error.
func wrapRequestError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return mserrors.NewTransientError(err, "Remote analysis timed out.")
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return mserrors.NewTransientError(err, "Remote analysis timed out.")
	}
	return mserrors.NewTransientError(err, "Could not reach the remote analysis service.")
}

// errorDetailLimit bounds how much of an upstream error body is carried in
// the wrapped error.
const errorDetailLimit = 512

// mapHTTPError converts a non-2xx response to a transient or permanent error.
func mapHTTPError(statusCode int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > errorDetailLimit {
		// Cut on a rune boundary; upstream bodies may be localized.
		cut := errorDetailLimit
		for cut > 0 && !utf8.RuneStart(detail[cut]) {
			cut--
		}
		detail = detail[:cut]
	}
	base := fmt.Errorf("remote service returned status %d: %s", statusCode, detail)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return mserrors.NewTransientError(base, "Upstream rate limit reached.")
	case statusCode >= 500:
		return mserrors.NewTransientError(base, "Remote service error. The service is temporarily unavailable.")
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return mserrors.NewPermanentError(base, "The remote service rejected the evidence as invalid input.")
	default:
		return mserrors.NewPermanentError(base, "")
	}
}
