package diagnose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mediscope/internal/async"
	"mediscope/internal/capability"
	mserrors "mediscope/internal/errors"
	"mediscope/internal/shared/logging"
)

// ErrAllRequiredFailed is returned when every required task failed and
// synthesis must be skipped.
var ErrAllRequiredFailed = errors.New("all required tasks failed")

const (
	defaultTaskTimeout = 60 * time.Second
	// completedSummaryLimit bounds the summary carried by task-completed
	// events; the full payload still reaches synthesis.
	completedSummaryLimit = 200
)

// SchedulerConfig carries per-request scheduling knobs. Timeouts are keyed by
// task identifier; missing entries fall back to DefaultTimeout.
type SchedulerConfig struct {
	Timeouts       map[TaskID]time.Duration
	DefaultTimeout time.Duration
}

func (c SchedulerConfig) timeoutFor(id TaskID) time.Duration {
	if t, ok := c.Timeouts[id]; ok && t > 0 {
		return t
	}
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return defaultTaskTimeout
}

// Scheduler fans an evidence bundle out over the configured capability
// clients and joins the results.
type Scheduler struct {
	clients     map[TaskID]capability.Client
	descriptors []TaskDescriptor
	config      SchedulerConfig
	metrics     *Metrics
	logger      logging.Logger
}

// NewScheduler builds a scheduler over the given capability clients. labels
// are the zero-shot classification candidates. A nil metrics uses the shared
// process-wide collectors.
func NewScheduler(clients map[TaskID]capability.Client, labels []string, config SchedulerConfig, metrics *Metrics) *Scheduler {
	if metrics == nil {
		metrics = defaultMetrics()
	}
	return &Scheduler{
		clients:     clients,
		descriptors: taskDescriptors(labels),
		config:      config,
		metrics:     metrics,
		logger:      logging.NewComponentLogger("Scheduler"),
	}
}

// Run launches every applicable task concurrently, emits progress events and
// returns the aggregated context once every task has settled. Each unit is
// bounded by its own per-task timeout, so an optional enrichment runs until
// it resolves or its timeout abandons it with a failed: timeout outcome; one
// that finishes inside its budget is included in the context. Required tasks
// gate the result: with a non-empty required set, at least one must succeed.
//
// A context cancellation (client disconnect) is returned as-is so the caller
// can tear down without emitting a terminal frame.
func (s *Scheduler) Run(ctx context.Context, bundle *EvidenceBundle, emitter Emitter) (*AggregatedContext, error) {
	set := BuildTaskSet(s.descriptors, bundle)
	if len(set.Applicable) == 0 {
		return nil, mserrors.NewValidationError("no analysis applies to the provided evidence")
	}

	agg := NewAggregator(bundle, set.RequiredIDs())
	for _, id := range set.Skipped {
		agg.Merge(TaskOutcome{Task: id, Status: StatusSkipped})
	}

	// Start events follow declaration order, ahead of any completion.
	for _, desc := range set.Applicable {
		emitter.Emit(ProgressEvent{Kind: EventTaskStarted, Task: desc.ID})
	}

	var wg sync.WaitGroup
	for _, desc := range set.Applicable {
		desc := desc
		taskCtx, cancel := context.WithTimeout(ctx, s.config.timeoutFor(desc.ID))
		wg.Add(1)

		async.Go(s.logger, "task-"+string(desc.ID), func() {
			defer wg.Done()
			defer cancel()

			outcome := s.invoke(taskCtx, desc, bundle, agg)
			if !agg.Merge(outcome) {
				// A terminal entry already exists for this task.
				return
			}
			s.recordMetrics(outcome)
			emitter.Emit(terminalEvent(outcome))
		})
	}

	// Join every unit. The wait is bounded: each task context carries its
	// own timeout, and a client disconnect cancels them all at once.
	wg.Wait()

	if err := ctx.Err(); err != nil {
		// Client went away. Bail out without a terminal frame; the stream
		// is already closed.
		return nil, err
	}

	if len(set.RequiredIDs()) > 0 && !anyRequiredSucceeded(agg, set) {
		return nil, ErrAllRequiredFailed
	}

	return agg.Context(), nil
}

// invoke runs one capability call and converts the result into an outcome.
func (s *Scheduler) invoke(ctx context.Context, desc TaskDescriptor, bundle *EvidenceBundle, agg *Aggregator) TaskOutcome {
	start := time.Now()

	client, ok := s.clients[desc.ID]
	if !ok || client == nil {
		return TaskOutcome{
			Task:          desc.ID,
			Required:      desc.Required,
			Status:        StatusFailed,
			FailureReason: fmt.Sprintf("capability %s is not configured", desc.ID),
			Duration:      time.Since(start),
		}
	}

	req := desc.BuildRequest(bundle)
	if desc.EnrichRequest != nil {
		desc.EnrichRequest(&req, agg.Context())
	}

	payload, err := client.Invoke(ctx, req)
	duration := time.Since(start)

	if err != nil {
		reason := mserrors.Readable(err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		s.logger.Warn("Task %s failed after %s: %v", desc.ID, duration.Round(time.Millisecond), err)
		return TaskOutcome{
			Task:          desc.ID,
			Required:      desc.Required,
			Status:        StatusFailed,
			FailureReason: reason,
			Duration:      duration,
		}
	}

	s.logger.Info("Task %s settled in %s", desc.ID, duration.Round(time.Millisecond))
	return TaskOutcome{
		Task:     desc.ID,
		Required: desc.Required,
		Status:   StatusSucceeded,
		Payload:  payload,
		Duration: duration,
	}
}

func (s *Scheduler) recordMetrics(outcome TaskOutcome) {
	s.metrics.ObserveTaskDuration(outcome.Task, outcome.Status, outcome.Duration)
	if outcome.Status == StatusFailed {
		reason := "error"
		if outcome.FailureReason == "timeout" {
			reason = "timeout"
		}
		s.metrics.IncTaskFailure(outcome.Task, reason)
	}
}

func terminalEvent(outcome TaskOutcome) ProgressEvent {
	if outcome.Status == StatusSucceeded {
		return ProgressEvent{
			Kind:    EventTaskCompleted,
			Task:    outcome.Task,
			Payload: summarize(outcome.Payload),
		}
	}
	return ProgressEvent{
		Kind:    EventTaskFailed,
		Task:    outcome.Task,
		Payload: outcome.FailureReason,
	}
}

func summarize(payload *capability.Payload) string {
	if payload == nil {
		return ""
	}
	text := strings.TrimSpace(payload.Text)
	if len(text) <= completedSummaryLimit {
		return text
	}
	return clip(text, completedSummaryLimit) + "..."
}

func anyRequiredSucceeded(agg *Aggregator, set TaskSet) bool {
	snapshot := agg.Context()
	for _, id := range set.RequiredIDs() {
		if _, ok := snapshot.Succeeded(id); ok {
			return true
		}
	}
	return false
}
