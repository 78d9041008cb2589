package handlers

import (
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/interfaces"
	"github.com/pixcrawler/pixcrawler/internal/models"
	"github.com/pixcrawler/pixcrawler/internal/services/jobs"
)

// JobHandler serves the crawl-job endpoints.
type JobHandler struct {
	jobService *jobs.Service
	images     interfaces.ImageStorage
	logger     arbor.ILogger
}

// NewJobHandler creates the job handler.
func NewJobHandler(jobService *jobs.Service, images interfaces.ImageStorage, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		images:     images,
		logger:     logger,
	}
}

// CreateJobHandler creates a pending job.
// POST /api/v1/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateJobRequest
	if !DecodeValidBody(w, r, &req) {
		return
	}

	job, err := h.jobService.CreateJob(r.Context(), UserIDFrom(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err, "Failed to create job")
		return
	}

	WriteData(w, http.StatusCreated, job)
}

// ListJobsHandler returns the caller's jobs.
// GET /api/v1/jobs?status=&project_id=&page=&limit=
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	page, limit := PaginationParams(r)
	filter := models.JobListFilter{
		ProjectID: r.URL.Query().Get("project_id"),
		Status:    models.JobStatus(r.URL.Query().Get("status")),
		Page:      page,
		Limit:     limit,
	}

	list, total, err := h.jobService.ListJobs(r.Context(), UserIDFrom(r.Context()), filter)
	if err != nil {
		h.writeError(w, r, err, "Failed to list jobs")
		return
	}

	WriteCollection(w, list, total, page, limit)
}

// GetJobHandler returns one job.
// GET /api/v1/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathSegment(r.URL.Path, "/api/v1/jobs/", 0)

	job, err := h.jobService.GetJob(r.Context(), UserIDFrom(r.Context()), jobID)
	if err != nil {
		h.writeError(w, r, err, "Failed to get job")
		return
	}

	WriteData(w, http.StatusOK, job)
}

// StartJobHandler decomposes and dispatches a pending job.
// POST /api/v1/jobs/{id}/start
func (h *JobHandler) StartJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathSegment(r.URL.Path, "/api/v1/jobs/", 0)

	job, err := h.jobService.StartJob(r.Context(), UserIDFrom(r.Context()), jobID)
	if err != nil {
		h.writeError(w, r, err, "Failed to start job")
		return
	}

	WriteData(w, http.StatusOK, map[string]interface{}{
		"job_id":       job.ID,
		"status":       job.Status,
		"task_ids":     job.TaskIDs,
		"total_chunks": job.TotalChunks,
		"message":      fmt.Sprintf("Dispatched %d tasks", len(job.TaskIDs)),
	})
}

// CancelJobHandler cancels a job and revokes its queued tasks.
// POST /api/v1/jobs/{id}/cancel (alias /stop)
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathSegment(r.URL.Path, "/api/v1/jobs/", 0)

	job, revoked, err := h.jobService.CancelJob(r.Context(), UserIDFrom(r.Context()), jobID)
	if err != nil {
		h.writeError(w, r, err, "Failed to cancel job")
		return
	}

	WriteData(w, http.StatusOK, map[string]interface{}{
		"job_id":        job.ID,
		"status":        job.Status,
		"revoked_tasks": revoked,
		"message":       "Job cancelled",
	})
}

// RetryJobHandler resets a failed or cancelled job and re-dispatches it.
// POST /api/v1/jobs/{id}/retry
func (h *JobHandler) RetryJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathSegment(r.URL.Path, "/api/v1/jobs/", 0)

	job, err := h.jobService.RetryJob(r.Context(), UserIDFrom(r.Context()), jobID)
	if err != nil {
		h.writeError(w, r, err, "Failed to retry job")
		return
	}

	WriteData(w, http.StatusOK, map[string]interface{}{
		"job_id":       job.ID,
		"status":       job.Status,
		"task_ids":     job.TaskIDs,
		"total_chunks": job.TotalChunks,
		"message":      fmt.Sprintf("Re-dispatched %d tasks", len(job.TaskIDs)),
	})
}

// GetProgressHandler returns the progress read model.
// GET /api/v1/jobs/{id}/progress
func (h *JobHandler) GetProgressHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathSegment(r.URL.Path, "/api/v1/jobs/", 0)

	report, err := h.jobService.GetProgress(r.Context(), UserIDFrom(r.Context()), jobID)
	if err != nil {
		h.writeError(w, r, err, "Failed to get job progress")
		return
	}

	WriteData(w, http.StatusOK, report)
}

// ListImagesHandler returns the job's crawled images.
// GET /api/v1/jobs/{id}/images?page=&limit=
func (h *JobHandler) ListImagesHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathSegment(r.URL.Path, "/api/v1/jobs/", 0)

	// Ownership check runs through the job read.
	if _, err := h.jobService.GetJob(r.Context(), UserIDFrom(r.Context()), jobID); err != nil {
		h.writeError(w, r, err, "Failed to get job")
		return
	}

	page, limit := PaginationParams(r)
	list, total, err := h.images.GetByJob(r.Context(), jobID, page, limit)
	if err != nil {
		h.writeError(w, r, err, "Failed to list images")
		return
	}

	WriteCollection(w, list, total, page, limit)
}

func (h *JobHandler) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	h.logger.Error().
		Err(err).
		Str("user_id", UserIDFrom(r.Context())).
		Str("request_id", RequestIDFrom(r.Context())).
		Str("path", r.URL.Path).
		Msg(msg)
	WriteFault(w, r, err)
}
