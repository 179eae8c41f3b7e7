package handlers

import (
	"net/http"

	"github.com/upb/llm-orchestrator/services"
	"github.com/upb/llm-orchestrator/services/providers"
	"github.com/upb/llm-orchestrator/utils"
	"go.uber.org/zap"
)

// ModelsHandler exposes the model registry
type ModelsHandler struct {
	registry *providers.Registry
	logger   *zap.Logger
}

// NewModelsHandler creates a new ModelsHandler
func NewModelsHandler(registry *providers.Registry, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{
		registry: registry,
		logger:   logger,
	}
}

// HandleList handles GET /v1/models[?provider=][&q=]
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var models []providers.ModelDescriptor
	if name := query.Get("provider"); name != "" {
		models = h.registry.ModelsByProvider(name)
	} else {
		models = h.registry.Models()
	}

	if pattern := query.Get("q"); pattern != "" {
		matched := make(map[string]bool)
		for _, id := range h.registry.FindModels(pattern) {
			matched[id] = true
		}
		filtered := models[:0:0]
		for _, m := range models {
			if matched[m.ID] {
				filtered = append(filtered, m)
			}
		}
		models = filtered
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"providers": h.registry.Providers(),
		"models":    models,
	})
}

// HandleRecommend handles GET /v1/models/recommend?mode=&profile=
func (h *ModelsHandler) HandleRecommend(w http.ResponseWriter, r *http.Request) {
	mode := providers.Mode(r.URL.Query().Get("mode"))
	profile := providers.PerformanceProfile(r.URL.Query().Get("profile"))

	id := h.registry.Recommend(mode, profile)
	model, ok := h.registry.Lookup(id)
	if id == "" || !ok {
		HandleServiceError(w, services.NewDomainError(services.ErrorTypeNotFound, "no model available", nil).
			WithDetail("mode", string(mode)).
			WithDetail("profile", string(profile)), h.logger)
		return
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"model":      model.ID,
		"provider":   model.Provider,
		"descriptor": model,
	})
}
