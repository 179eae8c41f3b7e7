package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-orchestrator/models"
	"github.com/upb/llm-orchestrator/repositories"
	"github.com/upb/llm-orchestrator/services"
	"github.com/upb/llm-orchestrator/utils"
	"go.uber.org/zap"
)

// SessionHandler serves recorded conversations
type SessionHandler struct {
	repo   repositories.SessionRepository
	logger *zap.Logger
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(repo repositories.SessionRepository, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		repo:   repo,
		logger: logger,
	}
}

// HandleGet handles GET /v1/sessions/{id}?limit=&offset=
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)

	msgs, err := h.repo.ListBySession(r.Context(), sessionID, limit, offset)
	if err != nil {
		HandleServiceError(w, services.WrapInternal("failed to load session", err), h.logger)
		return
	}
	if len(msgs) == 0 && offset == 0 {
		HandleServiceError(w, services.ErrSessionNotFound, h.logger)
		return
	}

	_ = utils.WriteOK(w, sessionPage{SessionID: sessionID, Messages: msgs})
}

// HandleSearch handles GET /v1/sessions/search?q=&limit=
func (h *SessionHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		_ = utils.WriteBadRequest(w, "query parameter q is required", nil)
		return
	}

	msgs, err := h.repo.Search(r.Context(), query, queryInt(r, "limit", 0))
	if err != nil {
		HandleServiceError(w, services.WrapInternal("failed to search sessions", err), h.logger)
		return
	}
	if msgs == nil {
		msgs = []*models.SessionMessage{}
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"query":    query,
		"messages": msgs,
	})
}

// HandleDelete handles DELETE /v1/admin/sessions/{id}
func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	n, err := h.repo.DeleteSession(r.Context(), sessionID)
	if err != nil {
		HandleServiceError(w, services.WrapInternal("failed to delete session", err), h.logger)
		return
	}
	if n == 0 {
		HandleServiceError(w, services.ErrSessionNotFound, h.logger)
		return
	}

	h.logger.Info("session deleted",
		zap.String("session_id", sessionID),
		zap.Int64("messages", n))
	_ = utils.WriteOK(w, map[string]interface{}{
		"session_id": sessionID,
		"deleted":    n,
	})
}

type sessionPage struct {
	SessionID string                   `json:"session_id"`
	Messages  []*models.SessionMessage `json:"messages"`
}

// queryInt reads a non-negative integer query parameter
func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
