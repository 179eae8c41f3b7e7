package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-orchestrator/middleware"
	"github.com/upb/llm-orchestrator/services"
	"github.com/upb/llm-orchestrator/services/inference"
	"github.com/upb/llm-orchestrator/utils"
	"go.uber.org/zap"
)

// maxRequestBody bounds the size of a completion request body
const maxRequestBody = 4 << 20

// CompletionHandler serves completions over HTTP
type CompletionHandler struct {
	engine *inference.Engine
	logger *zap.Logger
}

// NewCompletionHandler creates a new CompletionHandler
func NewCompletionHandler(engine *inference.Engine, logger *zap.Logger) *CompletionHandler {
	return &CompletionHandler{
		engine: engine,
		logger: logger,
	}
}

// HandleComplete handles POST /v1/completions.
// The answer is buffered unless the body sets "stream": true, in which case
// chunks are written as server-sent events.
func (h *CompletionHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	httpRequestID := middleware.GetRequestIDFromContext(ctx)

	var req inference.CompletionRequest
	if err := decodeCompletionRequest(r, &req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("http_request_id", httpRequestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	if req.Stream {
		h.streamEvents(w, r, &req)
		return
	}

	resp, err := h.engine.Complete(ctx, &req)
	if err != nil {
		h.logger.Warn("completion failed",
			zap.String("http_request_id", httpRequestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	w.Header().Set("X-Completion-ID", resp.RequestID)
	if err := utils.WriteOK(w, resp); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
	}
}

func (h *CompletionHandler) streamEvents(w http.ResponseWriter, r *http.Request, req *inference.CompletionRequest) {
	events, err := utils.NewEventWriter(w)
	if err != nil {
		_ = utils.WriteInternalServerError(w, "Streaming not supported")
		return
	}

	stream, err := h.engine.Stream(r.Context(), req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	defer stream.Close()

	w.Header().Set("X-Completion-ID", stream.RequestID())
	events.Start()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			h.logger.Warn("stream failed",
				zap.String("request_id", stream.RequestID()),
				zap.Error(err))
			if writeErr := events.Send("error", streamError(err)); writeErr != nil {
				h.logger.Debug("failed to write error event", zap.Error(writeErr))
			}
			return
		}

		if err := events.Send("", chunk); err != nil {
			h.logger.Debug("client went away",
				zap.String("request_id", stream.RequestID()),
				zap.Error(err))
			return
		}
	}
}

// HandleCancel handles DELETE /v1/requests/{id}
func (h *CompletionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.engine.Cancel(id) {
		HandleServiceError(w, services.ErrRequestNotFound, h.logger)
		return
	}

	h.logger.Info("request cancelled by caller", zap.String("request_id", id))
	_ = utils.WriteOK(w, map[string]interface{}{
		"request_id": id,
		"cancelled":  true,
	})
}

// HandleInFlight handles GET /v1/requests
func (h *CompletionHandler) HandleInFlight(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, map[string]interface{}{
		"request_ids": h.engine.InFlight(),
	})
}

func decodeCompletionRequest(r *http.Request, req *inference.CompletionRequest) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// streamError is the payload of an error event or frame
func streamError(err error) utils.ErrorResponse {
	d := services.Classify(err)
	message := err.Error()
	if d.Type == services.ErrorTypeInternal {
		message = "An internal error occurred"
	}
	return utils.ErrorResponse{
		Error:   string(d.Type),
		Message: message,
	}
}
