package handlers

import (
	"net/http"

	"github.com/upb/llm-orchestrator/middleware"
	"github.com/upb/llm-orchestrator/services/inference"
	"github.com/upb/llm-orchestrator/utils"
	"go.uber.org/zap"
)

// StatsHandler exposes engine counters and the operator controls over them
type StatsHandler struct {
	engine *inference.Engine
	logger *zap.Logger
}

// NewStatsHandler creates a new StatsHandler
func NewStatsHandler(engine *inference.Engine, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{
		engine: engine,
		logger: logger,
	}
}

// HandleMetrics handles GET /v1/metrics
func (h *StatsHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.engine.Metrics())
}

// HandleCosts handles GET /v1/costs
func (h *StatsHandler) HandleCosts(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.engine.CostStats())
}

// HandleCache handles GET /v1/cache
func (h *StatsHandler) HandleCache(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.engine.CacheStats())
}

// HandleCancelAll handles POST /v1/admin/cancel-all
func (h *StatsHandler) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	n := h.engine.CancelAll()
	h.audit(r, "cancel_all", zap.Int("cancelled", n))
	_ = utils.WriteOK(w, map[string]int{"cancelled": n})
}

// HandleClearCache handles DELETE /v1/admin/cache
func (h *StatsHandler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	h.engine.ClearCache()
	h.audit(r, "clear_cache")
	utils.WriteNoContent(w)
}

// HandleResetMetrics handles POST /v1/admin/metrics/reset
func (h *StatsHandler) HandleResetMetrics(w http.ResponseWriter, r *http.Request) {
	h.engine.ResetMetrics()
	h.audit(r, "reset_metrics")
	utils.WriteNoContent(w)
}

// HandleResetCosts handles POST /v1/admin/costs/reset
func (h *StatsHandler) HandleResetCosts(w http.ResponseWriter, r *http.Request) {
	h.engine.ResetCosts()
	h.audit(r, "reset_costs")
	utils.WriteNoContent(w)
}

// audit logs an operator action with the acting subject
func (h *StatsHandler) audit(r *http.Request, action string, fields ...zap.Field) {
	subject := ""
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		subject = claims.Subject
	}
	h.logger.Info("operator action",
		append([]zap.Field{
			zap.String("action", action),
			zap.String("subject", subject),
			zap.String("http_request_id", middleware.GetRequestIDFromContext(r.Context())),
		}, fields...)...)
}
