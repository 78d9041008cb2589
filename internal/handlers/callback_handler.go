package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/models"
	"github.com/pixcrawler/pixcrawler/internal/services/auth"
	"github.com/pixcrawler/pixcrawler/internal/services/jobs"
	"github.com/pixcrawler/pixcrawler/internal/services/validation"
)

// WorkerSecretHeader authenticates out-of-process workers posting task
// results.
const WorkerSecretHeader = "X-Worker-Secret"

// taskCallback is the inbound result body. Chunk tasks post
// {job_id, task_id, result}; validation tasks post {image_id, result}.
// The result shape depends on the task family, so it is decoded after
// the identifiers select the branch.
type taskCallback struct {
	JobID   string `json:"job_id"`
	TaskID  string `json:"task_id"`
	ImageID string `json:"image_id"`

	Result json.RawMessage `json:"result"`
}

// CallbackHandler receives task results from out-of-process workers.
// In-process workers bypass HTTP and call the services directly.
type CallbackHandler struct {
	authService       *auth.Service
	jobService        *jobs.Service
	validationService *validation.Service
	logger            arbor.ILogger
}

// NewCallbackHandler creates the worker callback handler.
func NewCallbackHandler(authService *auth.Service, jobService *jobs.Service, validationService *validation.Service, logger arbor.ILogger) *CallbackHandler {
	return &CallbackHandler{
		authService:       authService,
		jobService:        jobService,
		validationService: validationService,
		logger:            logger,
	}
}

// TaskCallbackHandler applies one posted task result.
// POST /api/v1/tasks/callback
//
// A callback for an unknown task, an unknown entity, or a job no longer
// running is accepted silently; workers must never retry on business
// state.
func (h *CallbackHandler) TaskCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.authService.VerifyWorkerSecret(r.Header.Get(WorkerSecretHeader)); err != nil {
		WriteFault(w, r, err)
		return
	}

	var cb taskCallback
	if !DecodeBody(w, r, &cb) {
		return
	}

	switch {
	case cb.ImageID != "":
		h.applyValidationCallback(w, r, cb)
	case cb.JobID != "" && cb.TaskID != "":
		h.applyChunkCallback(w, r, cb)
	default:
		WriteFault(w, r, faults.New(faults.KindBadRequest, "callback needs job_id and task_id, or image_id"))
	}
}

func (h *CallbackHandler) applyChunkCallback(w http.ResponseWriter, r *http.Request, cb taskCallback) {
	var result models.TaskResult
	if len(cb.Result) > 0 {
		if err := json.Unmarshal(cb.Result, &result); err != nil {
			WriteFault(w, r, faults.Wrap(faults.KindBadRequest, err, "malformed task result"))
			return
		}
	}

	outcome, _, err := h.jobService.HandleTaskCompletion(r.Context(), cb.JobID, cb.TaskID, result)
	if err != nil {
		if faults.KindOf(err) == faults.KindNotFound {
			h.accept(w, "ignored")
			return
		}
		h.logger.Error().
			Err(err).
			Str("job_id", cb.JobID).
			Str("task_id", cb.TaskID).
			Str("request_id", RequestIDFrom(r.Context())).
			Msg("Failed to apply task completion")
		WriteFault(w, r, err)
		return
	}

	h.accept(w, string(outcome))
}

func (h *CallbackHandler) applyValidationCallback(w http.ResponseWriter, r *http.Request, cb taskCallback) {
	var result models.ValidationResult
	if len(cb.Result) > 0 {
		if err := json.Unmarshal(cb.Result, &result); err != nil {
			WriteFault(w, r, faults.Wrap(faults.KindBadRequest, err, "malformed validation result"))
			return
		}
	}

	if err := h.validationService.HandleValidationResult(r.Context(), cb.ImageID, result); err != nil {
		if faults.KindOf(err) == faults.KindNotFound {
			h.accept(w, "ignored")
			return
		}
		h.logger.Error().
			Err(err).
			Str("image_id", cb.ImageID).
			Str("request_id", RequestIDFrom(r.Context())).
			Msg("Failed to apply validation result")
		WriteFault(w, r, err)
		return
	}

	h.accept(w, "applied")
}

func (h *CallbackHandler) accept(w http.ResponseWriter, outcome string) {
	WriteData(w, http.StatusOK, map[string]string{
		"status":  "accepted",
		"outcome": outcome,
	})
}
