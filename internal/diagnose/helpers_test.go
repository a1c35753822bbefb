package diagnose

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mediscope/internal/capability"
	"mediscope/internal/llm"
)

// captureEmitter records events in emission order, safe for concurrent use.
type captureEmitter struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (e *captureEmitter) Emit(event ProgressEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *captureEmitter) all() []ProgressEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ProgressEvent(nil), e.events...)
}

func (e *captureEmitter) byKind(kind EventKind) []ProgressEvent {
	var out []ProgressEvent
	for _, event := range e.all() {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

func (e *captureEmitter) last() (ProgressEvent, bool) {
	events := e.all()
	if len(events) == 0 {
		return ProgressEvent{}, false
	}
	return events[len(events)-1], true
}

// fakeCapability is a scriptable capability client.
type fakeCapability struct {
	calls   atomic.Int64
	payload *capability.Payload
	err     error
	// delay simulates a slow remote; the call still honours ctx.
	delay time.Duration
	// block makes the call wait for ctx cancellation or timeout.
	block bool

	mu      sync.Mutex
	lastReq capability.Request
}

func (f *fakeCapability) Invoke(ctx context.Context, req capability.Request) (*capability.Payload, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func (f *fakeCapability) request() capability.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

func textPayload(text string) *capability.Payload {
	return &capability.Payload{Text: text}
}

// fakeLLM streams scripted deltas through the callback.
type fakeLLM struct {
	deltas []string
	err    error
	calls  atomic.Int64
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	var full string
	for _, d := range f.deltas {
		full += d
	}
	return &llm.CompletionResponse{Content: full}, nil
}

func (f *fakeLLM) StreamComplete(ctx context.Context, req llm.CompletionRequest, callbacks llm.StreamCallbacks) (*llm.CompletionResponse, error) {
	f.calls.Add(1)
	var full string
	for _, d := range f.deltas {
		full += d
		if callbacks.OnContentDelta != nil {
			callbacks.OnContentDelta(llm.ContentDelta{Delta: d})
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if callbacks.OnContentDelta != nil {
		callbacks.OnContentDelta(llm.ContentDelta{Final: true})
	}
	return &llm.CompletionResponse{Content: full}, nil
}

func testMetrics() *Metrics {
	return MustNewMetrics(prometheus.NewRegistry())
}

func testSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{DefaultTimeout: 2 * time.Second}
}

var testLabels = []string{"Normal", "Fracture", "Pneumonia", "Infection", "Tumor", "Hemorrhage"}
