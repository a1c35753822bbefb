package diagnose

import "sync"

// AggregatedContext is the read-only fan-in result handed to synthesis:
// every settled outcome keyed by task identifier plus the original bundle.
type AggregatedContext struct {
	Bundle   *EvidenceBundle
	Outcomes map[TaskID]TaskOutcome
}

// Succeeded returns the payload-bearing outcome for id, if any.
func (c *AggregatedContext) Succeeded(id TaskID) (TaskOutcome, bool) {
	outcome, ok := c.Outcomes[id]
	if !ok || outcome.Status != StatusSucceeded {
		return TaskOutcome{}, false
	}
	return outcome, true
}

// Aggregator accumulates task outcomes for one request. Merge is safe for
// concurrent use and idempotent per task identifier: once an identifier holds
// a terminal entry, later outcomes for it are dropped.
type Aggregator struct {
	mu       sync.Mutex
	bundle   *EvidenceBundle
	required map[TaskID]bool
	outcomes map[TaskID]TaskOutcome
}

// NewAggregator creates an aggregator gated on the given required task ids.
func NewAggregator(bundle *EvidenceBundle, requiredIDs []TaskID) *Aggregator {
	required := make(map[TaskID]bool, len(requiredIDs))
	for _, id := range requiredIDs {
		required[id] = true
	}
	return &Aggregator{
		bundle:   bundle,
		required: required,
		outcomes: make(map[TaskID]TaskOutcome),
	}
}

// Merge records an outcome. It reports whether the outcome was accepted;
// a duplicate for an identifier that already holds a terminal entry is
// dropped and reported as false.
func (a *Aggregator) Merge(outcome TaskOutcome) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.outcomes[outcome.Task]; ok && existing.Terminal() {
		return false
	}
	a.outcomes[outcome.Task] = outcome
	return true
}

// GateSatisfied reports whether every required task holds a terminal entry.
func (a *Aggregator) GateSatisfied() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id := range a.required {
		outcome, ok := a.outcomes[id]
		if !ok || !outcome.Terminal() {
			return false
		}
	}
	return true
}

// AnySucceeded reports whether at least one task succeeded.
func (a *Aggregator) AnySucceeded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, outcome := range a.outcomes {
		if outcome.Status == StatusSucceeded {
			return true
		}
	}
	return false
}

// Context snapshots the accumulated outcomes. Call after gate satisfaction;
// the returned map is a copy, so late merges cannot mutate it.
func (a *Aggregator) Context() *AggregatedContext {
	a.mu.Lock()
	defer a.mu.Unlock()

	outcomes := make(map[TaskID]TaskOutcome, len(a.outcomes))
	for id, outcome := range a.outcomes {
		outcomes[id] = outcome
	}
	return &AggregatedContext{Bundle: a.bundle, Outcomes: outcomes}
}
