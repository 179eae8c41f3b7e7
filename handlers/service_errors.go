package handlers

import (
	"net/http"

	"github.com/upb/llm-orchestrator/services"
	"github.com/upb/llm-orchestrator/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps engine and domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	domainErr := services.Classify(err)
	status := domainErr.StatusCode()

	message := err.Error()
	if domainErr.Type == services.ErrorTypeInternal {
		// Log internal errors but return generic message
		logger.Error("internal server error", zap.Error(err))
		message = "An internal error occurred"
	}

	var details map[string]interface{}
	if len(domainErr.Details) > 0 {
		details = domainErr.Details
	}

	if writeErr := utils.WriteError(w, status, message, details); writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}

	logger.Debug("handled service error",
		zap.String("type", string(domainErr.Type)),
		zap.Int("status", status),
		zap.Any("details", domainErr.Details))
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
