package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"mediscope/internal/async"
	"mediscope/internal/diagnose"
	mserrors "mediscope/internal/errors"
	"mediscope/internal/observability"
	jsonx "mediscope/internal/shared/json"
	"mediscope/internal/shared/logging"
)

const (
	// eventBuffer absorbs bursts between pipeline emission and the write
	// loop without blocking task goroutines.
	eventBuffer = 100

	heartbeatInterval = 30 * time.Second
)

// PipelineRunner is the orchestration entry point the transport drives.
type PipelineRunner interface {
	Run(ctx context.Context, bundle *diagnose.EvidenceBundle, sink diagnose.Emitter) error
}

// DiagnoseHandler serves diagnostic requests over SSE and WebSocket.
type DiagnoseHandler struct {
	runner PipelineRunner
	tracer *observability.TracerProvider
	logger logging.Logger
}

// NewDiagnoseHandler creates the transport handler. tracer may be nil.
func NewDiagnoseHandler(runner PipelineRunner, tracer *observability.TracerProvider) *DiagnoseHandler {
	return &DiagnoseHandler{
		runner: runner,
		tracer: tracer,
		logger: logging.NewComponentLogger("DiagnoseHandler"),
	}
}

// HandleDiagnoseSSE runs one orchestration request and streams progress
// events as Server-Sent Events. Invalid bundles are rejected with a JSON 400
// before any stream is opened.
func (h *DiagnoseHandler) HandleDiagnoseSSE(c *gin.Context) {
	var bundle diagnose.EvidenceBundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	requestID := uuid.NewString()
	ctx := c.Request.Context()
	if h.tracer != nil {
		spanCtx, span := h.tracer.StartSpan(ctx, observability.SpanSSEConnection, observability.RequestAttrs(requestID)...)
		defer span.End()
		ctx = spanCtx
	}

	events := make(chan diagnose.ProgressEvent, eventBuffer)
	var runErr error
	async.Go(h.logger, "diagnose-"+requestID, func() {
		defer close(events)
		runErr = h.runner.Run(ctx, &bundle, diagnose.EmitFunc(func(event diagnose.ProgressEvent) {
			select {
			case events <- event:
			case <-ctx.Done():
			}
		}))
	})

	// The first event decides whether a stream opens at all: a request
	// rejected during validation produces none.
	first, ok := <-events
	if !ok {
		h.writeRejection(c, runErr)
		return
	}

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	h.logger.Info("SSE stream opened for request %s", requestID)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	h.writeSSEEvent(c, flusher, first)

	for {
		select {
		case event, open := <-events:
			if !open {
				h.logger.Info("SSE stream finished for request %s", requestID)
				return
			}
			h.writeSSEEvent(c, flusher, event)

		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
				h.logger.Warn("Heartbeat write failed for request %s: %v", requestID, err)
				return
			}
			flusher.Flush()

		case <-ctx.Done():
			h.logger.Info("Client disconnected from request %s", requestID)
			return
		}
	}
}

func (h *DiagnoseHandler) writeSSEEvent(c *gin.Context, flusher http.Flusher, event diagnose.ProgressEvent) {
	data, err := jsonx.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to serialize event: %v", err)
		return
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Kind, data); err != nil {
		h.logger.Warn("SSE write failed: %v", err)
		return
	}
	flusher.Flush()
}

// writeRejection maps a pipeline error that occurred before any event onto a
// synchronous JSON response.
func (h *DiagnoseHandler) writeRejection(c *gin.Context, err error) {
	if err == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream produced no events"})
		return
	}
	if mserrors.IsValidation(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": mserrors.Readable(err)})
}
