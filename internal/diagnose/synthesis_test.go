package diagnose

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mserrors "mediscope/internal/errors"
)

func newTestSynthesizer(client *fakeLLM) *Synthesizer {
	return NewSynthesizer(client, testLabels, 0.3, 2000, 0)
}

func aggWith(bundle *EvidenceBundle, outcomes ...TaskOutcome) *AggregatedContext {
	m := make(map[TaskID]TaskOutcome, len(outcomes))
	for _, o := range outcomes {
		m[o.Task] = o
	}
	return &AggregatedContext{Bundle: bundle, Outcomes: m}
}

func TestSynthesisTokenConcatenationEqualsDonePayload(t *testing.T) {
	client := &fakeLLM{deltas: []string{"The patient ", "likely has ", "pneumonia."}}
	synth := newTestSynthesizer(client)

	sink := &captureEmitter{}
	err := synth.Run(context.Background(), aggWith(
		&EvidenceBundle{ImageRef: "x", Prompt: "cough"},
		TaskOutcome{Task: TaskVision, Status: StatusSucceeded, Payload: textPayload("consolidation")},
	), newOrderedEmitter(sink))
	require.NoError(t, err)

	var concat strings.Builder
	for _, event := range sink.byKind(EventSynthesisToken) {
		concat.WriteString(event.Payload)
	}
	done := sink.byKind(EventSynthesisDone)
	require.Len(t, done, 1)
	assert.Equal(t, done[0].Payload, concat.String())

	last, ok := sink.last()
	require.True(t, ok)
	assert.Equal(t, EventSynthesisDone, last.Kind)
}

func TestSynthesisFailureReturnsErrorWithoutDone(t *testing.T) {
	client := &fakeLLM{
		deltas: []string{"partial "},
		err:    mserrors.NewTransientError(errors.New("429"), "rate limited"),
	}
	synth := newTestSynthesizer(client)

	sink := &captureEmitter{}
	err := synth.Run(context.Background(), aggWith(
		&EvidenceBundle{ImageRef: "x"},
		TaskOutcome{Task: TaskVision, Status: StatusSucceeded, Payload: textPayload("findings")},
	), newOrderedEmitter(sink))
	require.Error(t, err)

	assert.Empty(t, sink.byKind(EventSynthesisDone))
	// Partial tokens already forwarded are not retracted.
	assert.Len(t, sink.byKind(EventSynthesisToken), 1)
}

func TestBuildPromptRendersSectionsInDeclarationOrder(t *testing.T) {
	synth := newTestSynthesizer(&fakeLLM{})

	prompt := synth.buildPrompt(aggWith(
		&EvidenceBundle{ImageRef: "x", AudioRef: "y", Prompt: "shortness of breath", Language: "Spanish"},
		TaskOutcome{Task: TaskVision, Status: StatusSucceeded, Payload: textPayload("consolidation right base")},
		TaskOutcome{Task: TaskSpeech, Status: StatusFailed, FailureReason: "remote service error"},
		TaskOutcome{Task: TaskAcoustic, Status: StatusSucceeded, Payload: textPayload("crackles detected")},
		TaskOutcome{Task: TaskDocument, Status: StatusSkipped},
	))

	assert.Contains(t, prompt, "Patient context: shortness of breath")
	assert.Contains(t, prompt, "## Image findings\nconsolidation right base")
	assert.Contains(t, prompt, "## Patient audio transcript\nunavailable (remote service error)")
	assert.Contains(t, prompt, "## Document extract\nunavailable (not provided)")
	assert.Contains(t, prompt, "Write the report in Spanish.")

	// Declaration order: vision before speech before acoustic.
	vision := strings.Index(prompt, "## Image findings")
	speech := strings.Index(prompt, "## Patient audio transcript")
	acoustic := strings.Index(prompt, "## Acoustic analysis")
	assert.Less(t, vision, speech)
	assert.Less(t, speech, acoustic)
}

func TestBuildPromptIsDeterministic(t *testing.T) {
	synth := newTestSynthesizer(&fakeLLM{})
	agg := aggWith(
		&EvidenceBundle{ImageRef: "x", Prompt: "p"},
		TaskOutcome{Task: TaskVision, Status: StatusSucceeded, Payload: textPayload("a")},
		TaskOutcome{Task: TaskClassification, Status: StatusSucceeded, Payload: textPayload("b")},
		TaskOutcome{Task: TaskWebSearch, Status: StatusFailed, FailureReason: "timeout"},
	)

	first := synth.buildPrompt(agg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, synth.buildPrompt(agg))
	}
}
