package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"mediscope/internal/async"
	"mediscope/internal/diagnose"
	mserrors "mediscope/internal/errors"
	"mediscope/internal/observability"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS layer in front of this.
		return true
	},
}

// wsEnvelope mirrors the SSE framing for WebSocket clients: either a
// rejection error or a progress event per message.
type wsEnvelope struct {
	Error string                  `json:"error,omitempty"`
	Event *diagnose.ProgressEvent `json:"event,omitempty"`
}

// HandleDiagnoseWS runs one orchestration request over a WebSocket. The
// client sends a single evidence bundle as the first message; every progress
// event comes back as one JSON message and the server closes the socket
// after the terminal frame.
func (h *DiagnoseHandler) HandleDiagnoseWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	requestID := uuid.NewString()

	var bundle diagnose.EvidenceBundle
	if err := conn.ReadJSON(&bundle); err != nil {
		_ = conn.WriteJSON(wsEnvelope{Error: "invalid request payload"})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.StartSpan(ctx, observability.SpanDiagnoseRequest, observability.RequestAttrs(requestID)...)
		defer span.End()
	}

	// Reads after the bundle only serve to detect the client going away.
	async.Go(h.logger, "ws-read-"+requestID, func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	})

	var writeMu sync.Mutex
	writeEvent := func(envelope wsEnvelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(envelope)
	}

	events := make(chan diagnose.ProgressEvent, eventBuffer)
	var runErr error
	async.Go(h.logger, "ws-diagnose-"+requestID, func() {
		defer close(events)
		runErr = h.runner.Run(ctx, &bundle, diagnose.EmitFunc(func(event diagnose.ProgressEvent) {
			select {
			case events <- event:
			case <-ctx.Done():
			}
		}))
	})

	sent := false
	for event := range events {
		event := event
		if err := writeEvent(wsEnvelope{Event: &event}); err != nil {
			h.logger.Info("WebSocket client gone for request %s: %v", requestID, err)
			cancel()
			// Drain so the pipeline goroutine can finish.
			for range events {
			}
			return
		}
		sent = true
	}

	if runErr != nil && span != nil {
		span.SetAttributes(observability.ErrorAttrs(runErr)...)
	}
	if !sent && runErr != nil {
		msg := mserrors.Readable(runErr)
		if mserrors.IsValidation(runErr) {
			msg = runErr.Error()
		}
		_ = writeEvent(wsEnvelope{Error: msg})
	}

	writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
}
