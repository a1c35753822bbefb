// Package llm provides the OpenAI-compatible chat completions client used by
// the synthesis stage.
package llm

// Message is a single chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one completion call.
type CompletionRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// Metadata carries request-scoped values such as request_id for logging.
	Metadata map[string]any
}

// TokenUsage reports token accounting from the provider.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the aggregated result of a completion call.
type CompletionResponse struct {
	Content    string
	StopReason string
	Usage      TokenUsage
}

// ContentDelta is one incremental chunk of streamed content. Final marks the
// end of the stream and carries no text.
type ContentDelta struct {
	Delta string
	Final bool
}

// StreamCallbacks receive incremental output during StreamComplete.
type StreamCallbacks struct {
	OnContentDelta func(ContentDelta)
}
