package diagnose

import (
	"strings"
	"unicode/utf8"

	"mediscope/internal/capability"
)

// TaskID identifies one analytical capability in the fan-out.
type TaskID string

const (
	TaskVision         TaskID = "vision"
	TaskSpeech         TaskID = "speech"
	TaskAcoustic       TaskID = "acoustic"
	TaskClassification TaskID = "classification"
	TaskDocument       TaskID = "document"
	TaskWebSearch      TaskID = "websearch"
)

// TaskDescriptor is a declarative unit of work: which evidence it consumes,
// which capability it calls, and whether it gates synthesis.
type TaskDescriptor struct {
	ID TaskID
	// Title labels the task's section in the synthesized report.
	Title string
	// Required tasks gate synthesis; optional tasks are enrichments.
	Required bool
	// AppliesTo reports whether the bundle carries this task's evidence.
	AppliesTo func(b *EvidenceBundle) bool
	// BuildRequest maps the bundle onto the capability call.
	BuildRequest func(b *EvidenceBundle) capability.Request
	// EnrichRequest, if set, folds already-settled findings into the request
	// right before invocation. It must not wait for unsettled tasks; it
	// sees whatever has settled at that moment.
	EnrichRequest func(req *capability.Request, findings *AggregatedContext)
}

// taskDescriptors is the declaration-order task list evaluated once per
// request. Start events follow this order.
func taskDescriptors(labels []string) []TaskDescriptor {
	return []TaskDescriptor{
		{
			ID:        TaskVision,
			Title:     "Image findings",
			Required:  true,
			AppliesTo: func(b *EvidenceBundle) bool { return b.ImageRef != "" },
			BuildRequest: func(b *EvidenceBundle) capability.Request {
				return capability.Request{Reference: b.ImageRef, Prompt: b.Prompt, Language: b.Language}
			},
		},
		{
			ID:        TaskSpeech,
			Title:     "Patient audio transcript",
			Required:  true,
			AppliesTo: func(b *EvidenceBundle) bool { return b.AudioRef != "" },
			BuildRequest: func(b *EvidenceBundle) capability.Request {
				return capability.Request{Reference: b.AudioRef, Language: b.Language}
			},
		},
		{
			ID:        TaskAcoustic,
			Title:     "Acoustic analysis",
			Required:  true,
			AppliesTo: func(b *EvidenceBundle) bool { return b.AudioRef != "" },
			BuildRequest: func(b *EvidenceBundle) capability.Request {
				return capability.Request{Reference: b.AudioRef}
			},
		},
		{
			ID:        TaskClassification,
			Title:     "Image classification",
			Required:  false,
			AppliesTo: func(b *EvidenceBundle) bool { return b.ImageRef != "" },
			BuildRequest: func(b *EvidenceBundle) capability.Request {
				return capability.Request{Reference: b.ImageRef, Candidates: labels}
			},
		},
		{
			ID:        TaskDocument,
			Title:     "Document extract",
			Required:  true,
			AppliesTo: func(b *EvidenceBundle) bool { return b.DocumentRef != "" },
			BuildRequest: func(b *EvidenceBundle) capability.Request {
				return capability.Request{Reference: b.DocumentRef, Language: b.Language}
			},
		},
		{
			ID:        TaskWebSearch,
			Title:     "Medical literature search",
			Required:  false,
			AppliesTo: func(b *EvidenceBundle) bool { return b.Prompt != "" },
			BuildRequest: func(b *EvidenceBundle) capability.Request {
				return capability.Request{Prompt: b.Prompt, Language: b.Language}
			},
			// Findings that settled before the search launched (for example
			// cached analysis results) sharpen the query; otherwise the raw
			// complaint stands alone.
			EnrichRequest: func(req *capability.Request, findings *AggregatedContext) {
				req.Prompt = buildSearchQuery(req.Prompt, findings)
			},
		},
	}
}

// searchFindingLimit caps each finding fragment folded into the search query.
const searchFindingLimit = 160

// buildSearchQuery appends settled findings to the caller's prompt. With no
// usable findings the prompt stands alone.
func buildSearchQuery(prompt string, findings *AggregatedContext) string {
	parts := []string{prompt}
	for _, id := range []TaskID{TaskClassification, TaskVision, TaskSpeech} {
		outcome, ok := findings.Succeeded(id)
		if !ok || outcome.Payload == nil {
			continue
		}
		text := strings.TrimSpace(outcome.Payload.Text)
		if text == "" {
			continue
		}
		parts = append(parts, clip(text, searchFindingLimit))
	}
	return strings.Join(parts, "\n")
}

// clip shortens text to at most limit bytes without splitting a rune, so
// truncated localized findings stay valid UTF-8.
func clip(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

// TaskSet is the per-request split of descriptors into tasks that will run
// and tasks skipped because their evidence is absent or the caller opted out.
type TaskSet struct {
	Applicable []TaskDescriptor
	Skipped    []TaskID
}

// BuildTaskSet evaluates every descriptor's predicate against the bundle.
// Optional tasks listed in the bundle's SkipEnrichments are skipped even when
// their evidence is present.
func BuildTaskSet(descriptors []TaskDescriptor, bundle *EvidenceBundle) TaskSet {
	set := TaskSet{}
	for _, desc := range descriptors {
		if !desc.AppliesTo(bundle) || (!desc.Required && bundle.skips(desc.ID)) {
			set.Skipped = append(set.Skipped, desc.ID)
			continue
		}
		set.Applicable = append(set.Applicable, desc)
	}
	return set
}

// RequiredIDs returns the identifiers of applicable required tasks.
func (s TaskSet) RequiredIDs() []TaskID {
	var ids []TaskID
	for _, desc := range s.Applicable {
		if desc.Required {
			ids = append(ids, desc.ID)
		}
	}
	return ids
}
