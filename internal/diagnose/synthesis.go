package diagnose

import (
	"context"
	"fmt"
	"strings"

	mserrors "mediscope/internal/errors"
	"mediscope/internal/llm"
	"mediscope/internal/shared/logging"
	tokenutil "mediscope/internal/shared/token"
)

const (
	defaultSectionTokenBudget = 2000
	synthesisSystemPrompt     = "You are a clinical assistant. Write a structured diagnostic report " +
		"based strictly on the evidence sections below. Note uncertainty explicitly, " +
		"flag sections marked unavailable, and never invent findings. " +
		"This is decision support, not a medical diagnosis."
)

// Synthesizer renders the aggregated context into a prompt and streams the
// generated report.
type Synthesizer struct {
	client        llm.Client
	descriptors   []TaskDescriptor
	temperature   float64
	sectionBudget int
	maxTokens     int
	logger        logging.Logger
}

// NewSynthesizer constructs the synthesis stage over an LLM client.
func NewSynthesizer(client llm.Client, labels []string, temperature float64, sectionTokenBudget, maxTokens int) *Synthesizer {
	if sectionTokenBudget <= 0 {
		sectionTokenBudget = defaultSectionTokenBudget
	}
	return &Synthesizer{
		client:        client,
		descriptors:   taskDescriptors(labels),
		temperature:   temperature,
		sectionBudget: sectionTokenBudget,
		maxTokens:     maxTokens,
		logger:        logging.NewComponentLogger("Synthesis"),
	}
}

// Run streams the narrative report built from the aggregated context. Tokens
// are forwarded through the emitter as they arrive; on success exactly one
// synthesis-done event carries the full concatenated text. On collaborator
// failure the error is returned and no done event is emitted.
func (s *Synthesizer) Run(ctx context.Context, agg *AggregatedContext, emitter Emitter) error {
	emitter.Emit(ProgressEvent{Kind: EventSynthesisStarted})

	prompt := s.buildPrompt(agg)
	s.logger.Debug("Synthesis prompt is %d tokens", tokenutil.CountTokens(prompt))

	resp, err := s.client.StreamComplete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: synthesisSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	}, llm.StreamCallbacks{
		OnContentDelta: func(delta llm.ContentDelta) {
			if delta.Final || delta.Delta == "" {
				return
			}
			emitter.Emit(ProgressEvent{Kind: EventSynthesisToken, Payload: delta.Delta})
		},
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return mserrors.NewTransientError(fmt.Errorf("empty synthesis output"), "The report generator returned no text.")
	}

	emitter.Emit(ProgressEvent{Kind: EventSynthesisDone, Payload: resp.Content})
	return nil
}

// buildPrompt serializes the context deterministically: one labeled section
// per task in declaration order, with failed and skipped tasks rendered as an
// explicit unavailable marker so the model sees what was attempted.
func (s *Synthesizer) buildPrompt(agg *AggregatedContext) string {
	var b strings.Builder

	if agg.Bundle.Prompt != "" {
		b.WriteString("Patient context: ")
		b.WriteString(agg.Bundle.Prompt)
		b.WriteString("\n\n")
	}

	b.WriteString("Evidence sections:\n\n")
	for _, desc := range s.descriptors {
		outcome, ok := agg.Outcomes[desc.ID]
		if !ok {
			continue
		}
		b.WriteString("## ")
		b.WriteString(desc.Title)
		b.WriteString("\n")
		switch outcome.Status {
		case StatusSucceeded:
			text := ""
			if outcome.Payload != nil {
				text = strings.TrimSpace(outcome.Payload.Text)
			}
			if text == "" {
				text = "(no textual result)"
			}
			b.WriteString(tokenutil.Truncate(text, s.sectionBudget))
		case StatusFailed:
			fmt.Fprintf(&b, "unavailable (%s)", outcome.FailureReason)
		case StatusSkipped:
			b.WriteString("unavailable (not provided)")
		}
		b.WriteString("\n\n")
	}

	if agg.Bundle.Language != "" {
		fmt.Fprintf(&b, "Write the report in %s.\n", agg.Bundle.Language)
	}

	return b.String()
}
