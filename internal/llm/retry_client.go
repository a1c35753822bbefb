package llm

import (
	"context"
	"fmt"
	"time"

	mserrors "mediscope/internal/errors"
)

// retryClient wraps a Client with transient-failure retries. Streaming calls
// are only retried when no content has been delivered yet, so callers never
// see duplicated tokens.
type retryClient struct {
	delegate Client
	config   mserrors.RetryConfig
}

// NewRetryClient wraps delegate with retry-on-transient behaviour.
func NewRetryClient(delegate Client, config mserrors.RetryConfig) Client {
	if config.MaxAttempts <= 0 {
		config = mserrors.DefaultRetryConfig()
	}
	return &retryClient{delegate: delegate, config: config}
}

func (c *retryClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return mserrors.RetryWithResult(ctx, c.config, func(ctx context.Context) (*CompletionResponse, error) {
		return c.delegate.Complete(ctx, req)
	})
}

// StreamComplete runs its own attempt loop instead of RetryWithResult: once
// any delta has reached the caller, a retry would replay tokens the caller
// has already forwarded downstream, so the loop must stop structurally
// rather than depend on error classification.
func (c *retryClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	delivered := false
	wrapped := StreamCallbacks{
		OnContentDelta: func(delta ContentDelta) {
			if delta.Delta != "" {
				delivered = true
			}
			if callbacks.OnContentDelta != nil {
				callbacks.OnContentDelta(delta)
			}
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled: %w", err)
		}

		resp, err := c.delegate.StreamComplete(ctx, req, wrapped)
		if err == nil {
			return resp, nil
		}
		if delivered {
			// The stream broke mid-output. No further attempts.
			return nil, mserrors.NewPermanentError(err, "The LLM stream failed after partial output.")
		}
		if !mserrors.IsTransient(err) {
			return nil, err
		}
		lastErr = err

		if attempt == c.config.MaxAttempts {
			break
		}
		select {
		case <-time.After(mserrors.Backoff(attempt, c.config)):
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
