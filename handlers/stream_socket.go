package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/upb/llm-orchestrator/services"
	"github.com/upb/llm-orchestrator/services/inference"
	"go.uber.org/zap"
)

// StreamSocketHandler streams one completion per WebSocket connection: the
// client sends a request frame, the server answers with chunk frames and
// closes the connection.
type StreamSocketHandler struct {
	engine         *inference.Engine
	originPatterns []string
	logger         *zap.Logger
}

// NewStreamSocketHandler creates a new StreamSocketHandler. originPatterns
// lists the host patterns allowed for cross-origin upgrades.
func NewStreamSocketHandler(engine *inference.Engine, originPatterns []string, logger *zap.Logger) *StreamSocketHandler {
	return &StreamSocketHandler{
		engine:         engine,
		originPatterns: originPatterns,
		logger:         logger,
	}
}

// ServeHTTP handles GET /v1/completions/ws
func (h *StreamSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		h.logger.Debug("failed to read websocket request", zap.Error(err))
		return
	}

	var req inference.CompletionRequest
	if typ != websocket.MessageText || json.Unmarshal(data, &req) != nil {
		h.logger.Debug("invalid websocket request frame", zap.Stringer("type", typ))
		conn.Close(websocket.StatusUnsupportedData, "invalid request frame")
		return
	}
	req.Stream = true

	stream, err := h.engine.Stream(ctx, &req)
	if err != nil {
		h.fail(ctx, conn, err)
		return
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		if err != nil {
			h.logger.Warn("stream failed",
				zap.String("request_id", stream.RequestID()),
				zap.Error(err))
			h.fail(ctx, conn, err)
			return
		}
		if err := wsjson.Write(ctx, conn, chunk); err != nil {
			h.logger.Debug("client went away",
				zap.String("request_id", stream.RequestID()),
				zap.Error(err))
			return
		}
	}
}

func (h *StreamSocketHandler) fail(ctx context.Context, conn *websocket.Conn, err error) {
	e := streamError(err)
	frame := socketError{Type: "error", Error: e.Error, Message: e.Message}
	if writeErr := wsjson.Write(ctx, conn, frame); writeErr != nil {
		h.logger.Debug("failed to write error frame", zap.Error(writeErr))
	}

	code := websocket.StatusInternalError
	if services.GetErrorType(services.Classify(err)) == services.ErrorTypeValidation {
		code = websocket.StatusPolicyViolation
	}
	conn.Close(code, e.Error)
}

// socketError is the frame sent before closing on failure
type socketError struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
}
