package diagnose

import (
	"context"
	"errors"

	mserrors "mediscope/internal/errors"
	"mediscope/internal/shared/logging"
)

// Pipeline runs one diagnostic orchestration request end to end: validation,
// fan-out scheduling, then streaming synthesis.
type Pipeline struct {
	scheduler   *Scheduler
	synthesizer *Synthesizer
	metrics     *Metrics
	logger      logging.Logger
}

// NewPipeline wires a scheduler and synthesizer together. A nil metrics uses
// the shared process-wide collectors.
func NewPipeline(scheduler *Scheduler, synthesizer *Synthesizer, metrics *Metrics) *Pipeline {
	if metrics == nil {
		metrics = defaultMetrics()
	}
	return &Pipeline{
		scheduler:   scheduler,
		synthesizer: synthesizer,
		metrics:     metrics,
		logger:      logging.NewComponentLogger("Pipeline"),
	}
}

// Run executes the request, forwarding progress events to sink.
//
// Validation failures are returned before any event is emitted, so the
// transport can reject the request without opening a stream. Once streaming
// has begun, every failure path ends in exactly one terminal frame: fatal on
// all-required-failed or synthesis failure, synthesis-done on success. A
// context cancellation emits nothing; the client is gone.
func (p *Pipeline) Run(ctx context.Context, bundle *EvidenceBundle, sink Emitter) error {
	bundle.Normalize()
	if err := bundle.Validate(); err != nil {
		return err
	}

	p.metrics.IncActiveRequests()
	defer p.metrics.DecActiveRequests()

	emitter := newOrderedEmitter(sink)

	agg, err := p.scheduler.Run(ctx, bundle, emitter)
	if err != nil {
		if mserrors.IsValidation(err) {
			// Zero applicable tasks is rejected the same way as an empty
			// bundle: no events were emitted, the transport returns 400.
			return err
		}
		return p.finishWithError(ctx, emitter, err)
	}

	if err := p.synthesizer.Run(ctx, agg, emitter); err != nil {
		return p.finishWithError(ctx, emitter, err)
	}
	return nil
}

// finishWithError emits the single terminal fatal frame unless the client is
// already gone.
func (p *Pipeline) finishWithError(ctx context.Context, emitter *orderedEmitter, err error) error {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		p.logger.Info("Request cancelled by client: %v", err)
		return err
	}

	reason := mserrors.Readable(err)
	if errors.Is(err, ErrAllRequiredFailed) {
		reason = "all required analysis tasks failed"
	}
	p.logger.Error("Request failed: %v", err)
	emitter.Emit(ProgressEvent{Kind: EventFatal, Payload: reason})
	return err
}
