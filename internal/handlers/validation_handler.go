package handlers

import (
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/models"
	"github.com/pixcrawler/pixcrawler/internal/services/validation"
)

// ValidationHandler serves the validation dispatch endpoint.
type ValidationHandler struct {
	validationService *validation.Service
	logger            arbor.ILogger
}

// NewValidationHandler creates the validation handler.
func NewValidationHandler(validationService *validation.Service, logger arbor.ILogger) *ValidationHandler {
	return &ValidationHandler{
		validationService: validationService,
		logger:            logger,
	}
}

// ValidateJobHandler dispatches one validation task per image of a job.
// POST /api/v1/validation/job/{id} with body {level}
func (h *ValidationHandler) ValidateJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathSegment(r.URL.Path, "/api/v1/validation/job/", 0)

	var req struct {
		Level models.ValidationLevel `json:"level"`
	}
	if !DecodeBody(w, r, &req) {
		return
	}

	taskIDs, err := h.validationService.ValidateJobImages(r.Context(), UserIDFrom(r.Context()), jobID, req.Level)
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("user_id", UserIDFrom(r.Context())).
			Str("request_id", RequestIDFrom(r.Context())).
			Str("job_id", jobID).
			Msg("Failed to dispatch validation")
		WriteFault(w, r, err)
		return
	}

	WriteData(w, http.StatusOK, map[string]interface{}{
		"job_id":           jobID,
		"images_count":     len(taskIDs),
		"validation_level": req.Level,
		"task_ids":         taskIDs,
		"message":          fmt.Sprintf("Dispatched %d validation tasks", len(taskIDs)),
	})
}
