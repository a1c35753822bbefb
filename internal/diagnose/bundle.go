// Package diagnose implements the multimodal diagnostic orchestration core:
// fan-out scheduling of capability tasks over an evidence bundle, streaming
// progress events, failure isolation, and the final synthesized report.
package diagnose

import (
	"strings"

	mserrors "mediscope/internal/errors"
)

// EvidenceBundle is the validated set of inputs for one orchestration
// request. Every field is optional individually; at least one of image,
// audio, document or prompt must be present.
type EvidenceBundle struct {
	ImageRef    string `json:"image_url,omitempty"`
	AudioRef    string `json:"audio_url,omitempty"`
	DocumentRef string `json:"document_url,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	// Language selects the report output language. Empty means English.
	Language string `json:"language,omitempty"`
	// SkipEnrichments lists optional tasks the caller wants disabled for
	// this request, e.g. ["websearch"].
	SkipEnrichments []TaskID `json:"skip_enrichments,omitempty"`
}

// Normalize trims whitespace from every textual field in place.
func (b *EvidenceBundle) Normalize() {
	b.ImageRef = strings.TrimSpace(b.ImageRef)
	b.AudioRef = strings.TrimSpace(b.AudioRef)
	b.DocumentRef = strings.TrimSpace(b.DocumentRef)
	b.Prompt = strings.TrimSpace(b.Prompt)
	b.Language = strings.TrimSpace(b.Language)
}

// Validate rejects empty bundles before any scheduling happens.
func (b *EvidenceBundle) Validate() error {
	if b.ImageRef == "" && b.AudioRef == "" && b.DocumentRef == "" && b.Prompt == "" {
		return mserrors.NewValidationError("at least one of image, audio, document or prompt is required")
	}
	return nil
}

func (b *EvidenceBundle) skips(id TaskID) bool {
	for _, skipped := range b.SkipEnrichments {
		if skipped == id {
			return true
		}
	}
	return false
}
