package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
	"github.com/pixcrawler/pixcrawler/internal/models"
)

// CreateJobRequest is the input to CreateJob. Binding-level constraints
// are expressed as validator tags and checked by the HTTP layer;
// semantic constraints (supported engines, caps, ownership) are checked
// here.
type CreateJobRequest struct {
	ProjectID      string                 `json:"project_id" validate:"required"`
	Name           string                 `json:"name" validate:"required,max=200"`
	Keywords       []string               `json:"keywords" validate:"required,min=1,dive,required"`
	Engines        []string               `json:"engines" validate:"required,min=1"`
	MaxImages      int                    `json:"max_images" validate:"required,gt=0"`
	QualityFilters map[string]interface{} `json:"quality_filters,omitempty"`
}

// ProgressReport is the read model returned by GetProgress.
type ProgressReport struct {
	JobID               string                `json:"job_id"`
	Status              models.JobStatus      `json:"status"`
	Progress            int                   `json:"progress"`
	TotalChunks         int                   `json:"total_chunks"`
	ActiveChunks        int                   `json:"active_chunks"`
	CompletedChunks     int                   `json:"completed_chunks"`
	FailedChunks        int                   `json:"failed_chunks"`
	DownloadedImages    int                   `json:"downloaded_images"`
	ValidImages         int                   `json:"valid_images"`
	Error               string                `json:"error,omitempty"`
	StartedAt           *time.Time            `json:"started_at,omitempty"`
	CompletedAt         *time.Time            `json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time            `json:"estimated_completion,omitempty"`
	Chunks              *models.ChunkProgress `json:"chunks,omitempty"`
}

// Service owns the crawl-job lifecycle: creation, decomposition and
// dispatch, completion aggregation, cancellation and retry. All writes
// to job state go through the storage layer's guarded operations; the
// service decides, the storage applies.
type Service struct {
	storage    interfaces.StorageManager
	dispatcher interfaces.TaskDispatcher
	notifier   interfaces.Notifier
	config     *common.Config
	logger     arbor.ILogger

	// Per-user dispatch limiters, created lazily.
	dispatchMu       sync.Mutex
	dispatchLimiters map[string]*rate.Limiter
}

// NewService creates the job service.
func NewService(storage interfaces.StorageManager, dispatcher interfaces.TaskDispatcher, notifier interfaces.Notifier, config *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		storage:          storage,
		dispatcher:       dispatcher,
		notifier:         notifier,
		config:           config,
		logger:           logger,
		dispatchLimiters: make(map[string]*rate.Limiter),
	}
}

// CreateJob validates the request, checks project ownership and creates
// the job in pending. Nothing is dispatched until StartJob.
func (s *Service) CreateJob(ctx context.Context, userID string, req CreateJobRequest) (*models.CrawlJob, error) {
	for i, keyword := range req.Keywords {
		if strings.TrimSpace(keyword) == "" {
			return nil, faults.Validationf("keywords", "keyword %d is blank", i)
		}
	}
	for _, engine := range req.Engines {
		if !models.SupportedEngines[engine] {
			return nil, faults.Validationf("engines", "unsupported engine %q", engine)
		}
	}
	if req.MaxImages > s.config.Jobs.MaxImagesCap {
		return nil, faults.Validationf("max_images", "exceeds the cap of %d", s.config.Jobs.MaxImagesCap)
	}

	project, err := s.storage.ProjectStorage().GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.UserID != userID {
		return nil, faults.New(faults.KindForbidden, "project %s does not belong to the caller", req.ProjectID)
	}

	job := &models.CrawlJob{
		ID:             common.NewJobID(),
		ProjectID:      req.ProjectID,
		Name:           req.Name,
		Keywords:       req.Keywords,
		Engines:        req.Engines,
		MaxImages:      req.MaxImages,
		QualityFilters: req.QualityFilters,
		Decomposition:  models.Decomposition(s.config.Jobs.Decomposition),
		Status:         models.JobStatusPending,
		CreatedAt:      time.Now(),
	}
	if err := s.storage.JobStorage().CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("project_id", job.ProjectID).
		Int("keywords", len(job.Keywords)).
		Int("engines", len(job.Engines)).
		Int("max_images", job.MaxImages).
		Msg("Crawl job created")
	return job, nil
}

// GetJob returns the job after an ownership check.
func (s *Service) GetJob(ctx context.Context, userID, jobID string) (*models.CrawlJob, error) {
	job, _, err := s.getOwnedJob(ctx, userID, jobID)
	return job, err
}

// ListJobs returns the caller's jobs with the total count.
func (s *Service) ListJobs(ctx context.Context, userID string, filter models.JobListFilter) ([]*models.CrawlJob, int, error) {
	return s.storage.JobStorage().ListJobsForUser(ctx, userID, filter)
}

// StartJob decomposes a pending job into chunks and dispatches them.
// Starting a running job is idempotent and returns the job with its
// already dispatched task ids; any other non-pending status is a
// BadRequest. The status moves to running before the first task is
// queued so a completion callback can never race an unstarted job.
func (s *Service) StartJob(ctx context.Context, userID, jobID string) (*models.CrawlJob, error) {
	job, project, err := s.getOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status == models.JobStatusRunning {
		s.logger.Debug().Str("job_id", jobID).Msg("Start of a running job, returning existing dispatch")
		return job, nil
	}
	if job.Status != models.JobStatusPending {
		return nil, faults.New(faults.KindBadRequest, "cannot start job %s in status %s", jobID, job.Status)
	}

	if !s.allowDispatch(userID) {
		return nil, faults.RateLimitedFor(time.Minute, "dispatch rate limit exceeded for this user")
	}

	plans, err := s.buildPlans(ctx, job)
	if err != nil {
		return nil, err
	}
	total := len(plans)
	if total == 0 {
		return nil, faults.Validationf("keywords", "job decomposes into zero chunks")
	}
	if total > s.config.Jobs.MaxTotalChunks {
		return nil, faults.Validationf("max_images", "job decomposes into %d chunks, cap is %d", total, s.config.Jobs.MaxTotalChunks)
	}

	now := time.Now()
	progress := 0
	job, err = s.storage.JobStorage().TransitionStatus(ctx, jobID,
		[]models.JobStatus{models.JobStatusPending}, models.JobStatusRunning,
		interfaces.TransitionFields{
			StartedAt:    &now,
			TotalChunks:  &total,
			ActiveChunks: &total,
			Progress:     &progress,
		})
	if err != nil {
		return nil, err
	}

	for _, plan := range plans {
		taskID, enqueueErr := s.dispatcher.Enqueue(ctx, plan.TaskName, plan.Payload)
		if enqueueErr != nil {
			// Whether the broker rejected the payload or is down, a
			// partially dispatched job cannot stay running.
			s.failDispatch(ctx, job, project, enqueueErr)
			return nil, enqueueErr
		}
		if err := s.storage.JobStorage().AppendTaskID(ctx, jobID, taskID); err != nil {
			// Persistence failures mid-loop leave untracked tasks behind;
			// the job must not stay running on a partial dispatch.
			s.failDispatch(ctx, job, project, err)
			return nil, err
		}
		if chunkID, ok := plan.Payload["chunk_id"].(string); ok {
			if _, err := s.storage.ChunkStorage().TransitionChunk(ctx, chunkID,
				[]models.ChunkStatus{models.ChunkStatusPending}, models.ChunkStatusProcessing, taskID, ""); err != nil {
				s.failDispatch(ctx, job, project, err)
				return nil, err
			}
		}
		job.TaskIDs = append(job.TaskIDs, taskID)
	}

	s.logger.Info().
		Str("job_id", jobID).
		Int("chunks", total).
		Str("decomposition", string(job.Decomposition)).
		Msg("Crawl job started")

	s.emit(project.UserID, models.NotificationJobStarted, map[string]interface{}{
		"job_id":       jobID,
		"total_chunks": total,
	})
	return job, nil
}

// CancelJob moves a pending or running job to cancelled and revokes its
// still-active tasks, returning the job and how many tasks were handed
// to the broker for revocation. Cancelling a cancelled job is
// idempotent; a completed or failed job cannot be cancelled.
func (s *Service) CancelJob(ctx context.Context, userID, jobID string) (*models.CrawlJob, int, error) {
	job, project, err := s.getOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, 0, err
	}

	if job.Status == models.JobStatusCancelled {
		return job, 0, nil
	}
	if job.Status == models.JobStatusCompleted || job.Status == models.JobStatusFailed {
		return nil, 0, faults.New(faults.KindBadRequest, "cannot cancel job %s in status %s", jobID, job.Status)
	}

	active, err := s.storage.JobStorage().GetActiveTaskIDs(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}

	now := time.Now()
	zero := 0
	job, err = s.storage.JobStorage().TransitionStatus(ctx, jobID,
		[]models.JobStatus{models.JobStatusPending, models.JobStatusRunning}, models.JobStatusCancelled,
		interfaces.TransitionFields{CompletedAt: &now, ActiveChunks: &zero})
	if err != nil {
		return nil, 0, err
	}

	// Revocation is best-effort and must not delay the response.
	if len(active) > 0 {
		common.SafeGo(s.logger, "revoke-tasks", func() {
			accepted, revokeErr := s.dispatcher.RevokeMany(context.Background(), active)
			if revokeErr != nil {
				s.logger.Warn().Err(revokeErr).Str("job_id", jobID).Msg("Task revocation failed")
				return
			}
			s.logger.Info().
				Str("job_id", jobID).
				Int("revoked", accepted).
				Int("requested", len(active)).
				Msg("Active tasks revoked")
		})
	}

	s.logger.Info().Str("job_id", jobID).Msg("Crawl job cancelled")
	s.emit(project.UserID, models.NotificationJobCancelled, map[string]interface{}{"job_id": jobID})
	return job, len(active), nil
}

// RetryJob resets a failed or cancelled job back to pending with all
// counters zeroed, clears stale chunk rows, then starts it again.
func (s *Service) RetryJob(ctx context.Context, userID, jobID string) (*models.CrawlJob, error) {
	job, _, err := s.getOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusFailed && job.Status != models.JobStatusCancelled {
		return nil, faults.New(faults.KindBadRequest, "cannot retry job %s in status %s", jobID, job.Status)
	}

	if _, err := s.storage.JobStorage().ResetCounters(ctx, jobID); err != nil {
		return nil, err
	}
	if err := s.storage.ChunkStorage().DeleteByJob(ctx, jobID); err != nil {
		return nil, err
	}
	if _, err := s.storage.JobStorage().TransitionStatus(ctx, jobID,
		[]models.JobStatus{models.JobStatusFailed, models.JobStatusCancelled}, models.JobStatusPending,
		interfaces.TransitionFields{}); err != nil {
		return nil, err
	}

	s.logger.Info().Str("job_id", jobID).Msg("Crawl job reset for retry")
	return s.StartJob(ctx, userID, jobID)
}

// GetProgress returns the job's progress read model.
func (s *Service) GetProgress(ctx context.Context, userID, jobID string) (*ProgressReport, error) {
	job, _, err := s.getOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	report := &ProgressReport{
		JobID:               job.ID,
		Status:              job.Status,
		Progress:            job.Progress,
		TotalChunks:         job.TotalChunks,
		ActiveChunks:        job.ActiveChunks,
		CompletedChunks:     job.CompletedChunks,
		FailedChunks:        job.FailedChunks,
		DownloadedImages:    job.DownloadedImages,
		ValidImages:         job.ValidImages,
		Error:               job.Error,
		StartedAt:           job.StartedAt,
		CompletedAt:         job.CompletedAt,
		EstimatedCompletion: job.EstimatedCompletion(time.Now()),
	}

	if job.Decomposition == models.DecompositionRange && job.TotalChunks > 0 {
		chunks, err := s.storage.ChunkStorage().ProgressFor(ctx, jobID)
		if err != nil {
			return nil, err
		}
		report.Chunks = chunks
	}
	return report, nil
}

// HandleTaskCompletion applies one worker completion callback. The
// entire aggregation (status guard, dedup, counters, image rows,
// terminal detection) commits in a single storage transaction; this
// method supplies the policy inputs and reacts to the outcome.
func (s *Service) HandleTaskCompletion(ctx context.Context, jobID, taskID string, result models.TaskResult) (interfaces.CompletionOutcome, *models.CrawlJob, error) {
	update := interfaces.CompletionUpdate{
		Success:          result.Success && !result.Failed,
		Downloaded:       result.Downloaded,
		Images:           result.Images,
		Error:            completionError(result),
		FailureThreshold: s.config.Jobs.FailureThreshold,
	}

	outcome, job, err := s.storage.JobStorage().ApplyTaskCompletion(ctx, jobID, taskID, update)
	if err != nil {
		return outcome, nil, err
	}

	switch outcome {
	case interfaces.OutcomeDuplicate:
		s.logger.Debug().Str("job_id", jobID).Str("task_id", taskID).Msg("Duplicate completion callback ignored")
		return outcome, job, nil
	case interfaces.OutcomeIgnored:
		s.logger.Debug().
			Str("job_id", jobID).
			Str("task_id", taskID).
			Str("status", string(job.Status)).
			Msg("Completion callback ignored for settled job")
		return outcome, job, nil
	}

	s.settleChunkRow(ctx, taskID, update)

	if outcome == interfaces.OutcomeCompleted || outcome == interfaces.OutcomeFailed {
		s.notifyTerminal(ctx, job, outcome)
	}
	return outcome, job, nil
}

// FailStalledJob is invoked by the maintenance sweep for a running job
// whose progress has stalled. It fails the job and revokes whatever
// tasks are still outstanding.
func (s *Service) FailStalledJob(ctx context.Context, job *models.CrawlJob) error {
	active, err := s.storage.JobStorage().GetActiveTaskIDs(ctx, job.ID)
	if err != nil {
		return err
	}

	now := time.Now()
	zero := 0
	reason := fmt.Sprintf("Stalled: no progress for %s", s.config.Jobs.StaleAfter)
	updated, err := s.storage.JobStorage().TransitionStatus(ctx, job.ID,
		[]models.JobStatus{models.JobStatusRunning}, models.JobStatusFailed,
		interfaces.TransitionFields{CompletedAt: &now, Error: &reason, ActiveChunks: &zero})
	if err != nil {
		// The job settled on its own between the sweep's read and this
		// transition; nothing to do.
		if faults.KindOf(err) == faults.KindBadRequest {
			return nil
		}
		return err
	}

	if len(active) > 0 {
		if _, err := s.dispatcher.RevokeMany(ctx, active); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to revoke tasks of stalled job")
		}
	}

	s.logger.Warn().
		Str("job_id", job.ID).
		Int("active_tasks", len(active)).
		Msg("Stalled job failed by sweep")
	s.notifyTerminal(ctx, updated, interfaces.OutcomeFailed)
	return nil
}

func (s *Service) getOwnedJob(ctx context.Context, userID, jobID string) (*models.CrawlJob, *models.Project, error) {
	job, err := s.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	project, err := s.storage.ProjectStorage().GetProject(ctx, job.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	if project.UserID != userID {
		return nil, nil, faults.New(faults.KindForbidden, "job %s does not belong to the caller", jobID)
	}
	return job, project, nil
}

func (s *Service) buildPlans(ctx context.Context, job *models.CrawlJob) ([]ChunkPlan, error) {
	switch job.Decomposition {
	case models.DecompositionRange:
		chunks, err := s.storage.ChunkStorage().CreateChunks(ctx, job.ID, s.config.Jobs.ChunkSize, job.MaxImages, 0)
		if err != nil {
			return nil, err
		}
		plans := make([]ChunkPlan, len(chunks))
		for i, chunk := range chunks {
			plans[i] = rangePlan(job, chunk)
		}
		return plans, nil
	default:
		return keywordEnginePlans(job), nil
	}
}

// failDispatch rolls a freshly started job to failed when dispatch
// could not queue all of its chunks.
func (s *Service) failDispatch(ctx context.Context, job *models.CrawlJob, project *models.Project, cause error) {
	reason := fmt.Sprintf("Dispatch failed: %v", cause)
	zero := 0
	now := time.Now()
	if _, err := s.storage.JobStorage().TransitionStatus(ctx, job.ID,
		[]models.JobStatus{models.JobStatusRunning}, models.JobStatusFailed,
		interfaces.TransitionFields{CompletedAt: &now, Error: &reason, ActiveChunks: &zero}); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed after dispatch error")
		return
	}
	s.logger.Error().Err(cause).Str("job_id", job.ID).Msg("Job dispatch failed")
	s.emit(project.UserID, models.NotificationJobFailed, map[string]interface{}{
		"job_id": job.ID,
		"error":  reason,
	})
}

func (s *Service) settleChunkRow(ctx context.Context, taskID string, update interfaces.CompletionUpdate) {
	chunk, err := s.storage.ChunkStorage().GetByTaskID(ctx, taskID)
	if err != nil {
		// Keyword-engine jobs have no chunk rows.
		if faults.KindOf(err) != faults.KindNotFound {
			s.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to look up chunk for task")
		}
		return
	}

	to := models.ChunkStatusCompleted
	if !update.Success {
		to = models.ChunkStatusFailed
	}
	if _, err := s.storage.ChunkStorage().TransitionChunk(ctx, chunk.ID,
		[]models.ChunkStatus{models.ChunkStatusProcessing, models.ChunkStatusPending}, to, "", update.Error); err != nil {
		s.logger.Warn().Err(err).Str("chunk_id", chunk.ID).Msg("Failed to settle chunk row")
	}
}

func (s *Service) notifyTerminal(ctx context.Context, job *models.CrawlJob, outcome interfaces.CompletionOutcome) {
	project, err := s.storage.ProjectStorage().GetProject(ctx, job.ProjectID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to resolve project for notification")
		return
	}

	typ := models.NotificationJobCompleted
	payload := map[string]interface{}{
		"job_id":            job.ID,
		"downloaded_images": job.DownloadedImages,
		"completed_chunks":  job.CompletedChunks,
		"failed_chunks":     job.FailedChunks,
	}
	if outcome == interfaces.OutcomeFailed {
		typ = models.NotificationJobFailed
		payload["error"] = job.Error
	}
	s.emit(project.UserID, typ, payload)
}

func (s *Service) emit(userID string, typ models.NotificationType, payload map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	common.SafeGo(s.logger, "notify", func() {
		s.notifier.Emit(context.Background(), userID, typ, payload)
	})
}

// allowDispatch enforces the per-user dispatch rate limit applied
// before a start is accepted.
func (s *Service) allowDispatch(userID string) bool {
	perMinute := s.config.RateLimits.DispatchPerUserPerMin
	if perMinute <= 0 {
		return true
	}

	s.dispatchMu.Lock()
	limiter, ok := s.dispatchLimiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		s.dispatchLimiters[userID] = limiter
	}
	s.dispatchMu.Unlock()

	return limiter.Allow()
}

// completionError formats the worker's failure into the job error
// convention "Category: brief description".
func completionError(result models.TaskResult) string {
	if result.Error == "" {
		return ""
	}
	if result.ErrorKind != "" {
		return fmt.Sprintf("%s: %s", kindLabel(result.ErrorKind), result.Error)
	}
	return result.Error
}

// kindLabel turns a taxonomy kind like "rate_limited" into "Rate limited".
func kindLabel(kind string) string {
	label := strings.ReplaceAll(kind, "_", " ")
	if label == "" {
		return label
	}
	return strings.ToUpper(label[:1]) + label[1:]
}
