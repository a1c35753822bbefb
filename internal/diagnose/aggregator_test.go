package diagnose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mserrors "mediscope/internal/errors"
)

func TestBundleValidateRejectsEmpty(t *testing.T) {
	bundle := &EvidenceBundle{}
	err := bundle.Validate()
	require.Error(t, err)
	assert.True(t, mserrors.IsValidation(err))

	bundle.Prompt = "chest pain"
	assert.NoError(t, bundle.Validate())
}

func TestBuildTaskSetMatchesEvidence(t *testing.T) {
	descs := taskDescriptors(testLabels)

	// Image plus prompt: vision and classification apply, plus web search.
	set := BuildTaskSet(descs, &EvidenceBundle{ImageRef: "https://x/img.png", Prompt: "chest pain"})
	var ids []TaskID
	for _, d := range set.Applicable {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []TaskID{TaskVision, TaskClassification, TaskWebSearch}, ids)
	assert.ElementsMatch(t, []TaskID{TaskSpeech, TaskAcoustic, TaskDocument}, set.Skipped)
	assert.Equal(t, []TaskID{TaskVision}, set.RequiredIDs())
}

func TestBuildTaskSetHonorsSkipEnrichments(t *testing.T) {
	descs := taskDescriptors(testLabels)
	bundle := &EvidenceBundle{
		ImageRef:        "https://x/img.png",
		Prompt:          "chest pain",
		SkipEnrichments: []TaskID{TaskWebSearch, TaskClassification},
	}

	set := BuildTaskSet(descs, bundle)
	assert.Len(t, set.Applicable, 1)
	assert.Equal(t, TaskVision, set.Applicable[0].ID)
	assert.Contains(t, set.Skipped, TaskWebSearch)
	assert.Contains(t, set.Skipped, TaskClassification)
}

func TestAggregatorMergeIsIdempotent(t *testing.T) {
	agg := NewAggregator(&EvidenceBundle{ImageRef: "x"}, []TaskID{TaskVision})

	outcome := TaskOutcome{Task: TaskVision, Status: StatusSucceeded, Payload: textPayload("findings")}
	assert.True(t, agg.Merge(outcome))
	assert.False(t, agg.Merge(outcome), "second terminal outcome for the same task must be dropped")

	late := TaskOutcome{Task: TaskVision, Status: StatusFailed, FailureReason: "late timeout"}
	assert.False(t, agg.Merge(late))

	ctx := agg.Context()
	got, ok := ctx.Succeeded(TaskVision)
	require.True(t, ok)
	assert.Equal(t, "findings", got.Payload.Text)
}

func TestAggregatorGateSatisfied(t *testing.T) {
	agg := NewAggregator(&EvidenceBundle{}, []TaskID{TaskVision, TaskSpeech})
	assert.False(t, agg.GateSatisfied())

	agg.Merge(TaskOutcome{Task: TaskVision, Status: StatusSucceeded, Payload: textPayload("ok")})
	assert.False(t, agg.GateSatisfied(), "one required task still pending")

	// A failure is terminal too; the gate does not require success.
	agg.Merge(TaskOutcome{Task: TaskSpeech, Status: StatusFailed, FailureReason: "remote error"})
	assert.True(t, agg.GateSatisfied())
	assert.True(t, agg.AnySucceeded())
}

func TestAggregatorContextIsSnapshot(t *testing.T) {
	agg := NewAggregator(&EvidenceBundle{}, nil)
	agg.Merge(TaskOutcome{Task: TaskVision, Status: StatusSucceeded, Payload: textPayload("a")})

	snapshot := agg.Context()
	agg.Merge(TaskOutcome{Task: TaskSpeech, Status: StatusSucceeded, Payload: textPayload("b")})

	assert.Len(t, snapshot.Outcomes, 1)
}
