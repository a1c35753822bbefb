package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediscope/internal/diagnose"
	mserrors "mediscope/internal/errors"
)

// scriptedRunner replays a fixed event sequence or fails up front.
type scriptedRunner struct {
	events []diagnose.ProgressEvent
	err    error
}

func (r *scriptedRunner) Run(ctx context.Context, bundle *diagnose.EvidenceBundle, sink diagnose.Emitter) error {
	if r.err != nil && len(r.events) == 0 {
		return r.err
	}
	for _, event := range r.events {
		sink.Emit(event)
	}
	return r.err
}

func newTestServer(runner PipelineRunner) *Server {
	handler := NewDiagnoseHandler(runner, nil)
	return NewServer(handler, ServerConfig{Host: "127.0.0.1", Port: 0, EnableCORS: true})
}

func postDiagnose(t *testing.T, server *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/diagnose", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Engine().ServeHTTP(rec, req)
	return rec
}

func TestDiagnoseSSERejectsInvalidJSON(t *testing.T) {
	server := newTestServer(&scriptedRunner{})
	rec := postDiagnose(t, server, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestDiagnoseSSERejectsValidationErrorWithoutStream(t *testing.T) {
	server := newTestServer(&scriptedRunner{
		err: mserrors.NewValidationError("at least one of image, audio, document or prompt is required"),
	})

	rec := postDiagnose(t, server, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "required")
}

func TestDiagnoseSSEStreamsEventsUntilDone(t *testing.T) {
	server := newTestServer(&scriptedRunner{events: []diagnose.ProgressEvent{
		{Kind: diagnose.EventTaskStarted, Task: diagnose.TaskVision},
		{Kind: diagnose.EventTaskCompleted, Task: diagnose.TaskVision, Payload: "clear lungs"},
		{Kind: diagnose.EventSynthesisStarted},
		{Kind: diagnose.EventSynthesisToken, Payload: "Report"},
		{Kind: diagnose.EventSynthesisDone, Payload: "Report"},
	}})

	rec := postDiagnose(t, server, `{"image_url":"https://x/img.png"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	var kinds []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
	}
	assert.Equal(t, []string{
		"task-started", "task-completed", "synthesis-started", "synthesis-token", "synthesis-done",
	}, kinds)
}

func TestDiagnoseSSEFatalIsLastFrame(t *testing.T) {
	server := newTestServer(&scriptedRunner{
		events: []diagnose.ProgressEvent{
			{Kind: diagnose.EventTaskStarted, Task: diagnose.TaskVision},
			{Kind: diagnose.EventTaskFailed, Task: diagnose.TaskVision, Payload: "timeout"},
			{Kind: diagnose.EventFatal, Payload: "all required analysis tasks failed"},
		},
		err: diagnose.ErrAllRequiredFailed,
	})

	rec := postDiagnose(t, server, `{"image_url":"https://x/img.png"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	fatalIdx := strings.Index(body, "event: fatal")
	require.GreaterOrEqual(t, fatalIdx, 0)
	rest := body[fatalIdx:]
	assert.Equal(t, 1, strings.Count(body, "event: fatal"))
	assert.NotContains(t, rest[len("event: fatal"):], "event: ")
}

func TestHealthz(t *testing.T) {
	server := newTestServer(&scriptedRunner{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointExposed(t *testing.T) {
	server := newTestServer(&scriptedRunner{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
