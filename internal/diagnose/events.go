package diagnose

import "sync"

// EventKind discriminates progress event variants.
type EventKind string

const (
	EventTaskStarted      EventKind = "task-started"
	EventTaskCompleted    EventKind = "task-completed"
	EventTaskFailed       EventKind = "task-failed"
	EventSynthesisStarted EventKind = "synthesis-started"
	EventSynthesisToken   EventKind = "synthesis-token"
	EventSynthesisDone    EventKind = "synthesis-done"
	EventFatal            EventKind = "fatal"
)

// ProgressEvent is one frame of the outbound stream. Task is set for
// task-scoped kinds; Payload carries the summary, token text, full report
// or failure reason depending on Kind.
type ProgressEvent struct {
	Kind    EventKind `json:"event"`
	Task    TaskID    `json:"task,omitempty"`
	Payload string    `json:"payload,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e ProgressEvent) Terminal() bool {
	return e.Kind == EventSynthesisDone || e.Kind == EventFatal
}

// Emitter receives progress events in emission order.
type Emitter interface {
	Emit(event ProgressEvent)
}

// EmitFunc adapts a function to the Emitter interface.
type EmitFunc func(event ProgressEvent)

func (f EmitFunc) Emit(event ProgressEvent) { f(event) }

// orderedEmitter serializes concurrent emissions and enforces the stream
// invariants: exactly one terminal frame, nothing after it, a task's
// terminal event never precedes its started event, and at most one terminal
// event per task. Violating events are dropped rather than forwarded.
type orderedEmitter struct {
	mu      sync.Mutex
	sink    Emitter
	closed  bool
	started map[TaskID]bool
	settled map[TaskID]bool
}

func newOrderedEmitter(sink Emitter) *orderedEmitter {
	return &orderedEmitter{
		sink:    sink,
		started: make(map[TaskID]bool),
		settled: make(map[TaskID]bool),
	}
}

func (e *orderedEmitter) Emit(event ProgressEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	switch event.Kind {
	case EventTaskStarted:
		if e.started[event.Task] {
			return
		}
		e.started[event.Task] = true
	case EventTaskCompleted, EventTaskFailed:
		if !e.started[event.Task] || e.settled[event.Task] {
			return
		}
		e.settled[event.Task] = true
	case EventSynthesisDone, EventFatal:
		e.closed = true
	}

	e.sink.Emit(event)
}

// Closed reports whether a terminal frame has been emitted.
func (e *orderedEmitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
