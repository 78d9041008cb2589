package interfaces

import (
	"context"
	"time"

	"github.com/pixcrawler/pixcrawler/internal/models"
)

// CounterDeltas carries signed chunk-counter adjustments. The storage
// applies all deltas in one transaction and rejects any result that
// would violate the counter bound invariant.
type CounterDeltas struct {
	Completed  int
	Active     int
	Failed     int
	Downloaded int
	Valid      int
}

// TransitionFields are the optional row updates applied together with a
// guarded status transition. Nil pointers leave the column untouched.
type TransitionFields struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *string
	TotalChunks *int
	Progress    *int
	// ActiveChunks is set (not delta'd) when present; used by start
	// (active = total) and cancel (active = 0).
	ActiveChunks *int
}

// CompletionOutcome reports what a completion callback did to the job.
type CompletionOutcome string

const (
	// OutcomeIgnored: job was not in a state that accepts callbacks.
	OutcomeIgnored CompletionOutcome = "ignored"
	// OutcomeDuplicate: this task id was already processed.
	OutcomeDuplicate CompletionOutcome = "duplicate"
	// OutcomeApplied: counters updated, job still running.
	OutcomeApplied CompletionOutcome = "applied"
	// OutcomeCompleted / OutcomeFailed: this callback settled the job.
	OutcomeCompleted CompletionOutcome = "completed"
	OutcomeFailed    CompletionOutcome = "failed"
)

// CompletionUpdate is the mechanical input to ApplyTaskCompletion,
// pre-computed by the job service from a worker's TaskResult.
type CompletionUpdate struct {
	Success    bool
	Downloaded int
	Images     []models.ImageRecord
	Error      string
	// FailureThreshold is the terminal policy: failed/total at or above
	// this ratio turns the terminal status into failed.
	FailureThreshold float64
}

// JobStorage is the crawl-job repository. Methods report datastore truth
// only: NotFound for absent rows, Validation for constraint violations,
// Infrastructure when the store itself fails. Guard failures on
// TransitionStatus surface as BadRequest faults for the service to
// interpret.
type JobStorage interface {
	CreateJob(ctx context.Context, job *models.CrawlJob) error
	GetJob(ctx context.Context, jobID string) (*models.CrawlJob, error)
	// ListJobsForUser returns the user's jobs (through project ownership)
	// plus the total count for pagination.
	ListJobsForUser(ctx context.Context, userID string, filter models.JobListFilter) ([]*models.CrawlJob, int, error)

	// AppendTaskID atomically appends a dispatched task id to the job's
	// ordered tracking list.
	AppendTaskID(ctx context.Context, jobID, taskID string) error
	GetActiveTaskIDs(ctx context.Context, jobID string) ([]string, error)

	// UpdateCounters applies signed deltas in a single transaction,
	// re-reading the row, and returns the updated job.
	UpdateCounters(ctx context.Context, jobID string, deltas CounterDeltas) (*models.CrawlJob, error)

	// TransitionStatus is the guarded CAS: the update commits iff the
	// current status is in fromSet, otherwise a BadRequest fault is
	// returned and nothing changes.
	TransitionStatus(ctx context.Context, jobID string, fromSet []models.JobStatus, to models.JobStatus, fields TransitionFields) (*models.CrawlJob, error)

	// MarkTaskProcessed records the task id in the dedup set. Returns
	// true the first time, false for a replay.
	MarkTaskProcessed(ctx context.Context, jobID, taskID string) (bool, error)

	// ApplyTaskCompletion runs the whole completion aggregation in one
	// transaction: status guard, dedup insert, counter deltas, image
	// rows, terminal detection and the terminal CAS.
	ApplyTaskCompletion(ctx context.Context, jobID, taskID string, update CompletionUpdate) (CompletionOutcome, *models.CrawlJob, error)

	// ResetCounters zeroes all counters, clears task ids, the processed
	// set and the error column. Allowed only from failed or cancelled.
	ResetCounters(ctx context.Context, jobID string) (*models.CrawlJob, error)

	CountJobsByProject(ctx context.Context, projectID string, statuses ...models.JobStatus) (int, error)
	// GetStaleRunningJobs returns running jobs with no applied progress
	// since the cutoff.
	GetStaleRunningJobs(ctx context.Context, cutoff time.Time) ([]*models.CrawlJob, error)
	DeleteJobsByProject(ctx context.Context, projectID string) error
}

// ImageStorage persists crawled image rows.
type ImageStorage interface {
	BulkCreate(ctx context.Context, jobID string, records []models.ImageRecord) ([]*models.Image, error)
	GetImage(ctx context.Context, imageID string) (*models.Image, error)
	MarkValidated(ctx context.Context, imageID string, result models.ValidationResult) error
	GetByJob(ctx context.Context, jobID string, page, limit int) ([]*models.Image, int, error)
	CountByJob(ctx context.Context, jobID string) (int, error)
}

// ChunkStorage persists job chunks under the range decomposition.
type ChunkStorage interface {
	CreateChunks(ctx context.Context, jobID string, chunkSize, maxImages, priority int) ([]*models.JobChunk, error)
	NextPending(ctx context.Context, jobID string) (*models.JobChunk, error)
	GetByTaskID(ctx context.Context, taskID string) (*models.JobChunk, error)
	// TransitionChunk is the per-chunk guarded CAS.
	TransitionChunk(ctx context.Context, chunkID string, fromSet []models.ChunkStatus, to models.ChunkStatus, taskID, errorMessage string) (*models.JobChunk, error)
	ProgressFor(ctx context.Context, jobID string) (*models.ChunkProgress, error)
	DeleteByJob(ctx context.Context, jobID string) error
}

// ProjectStorage persists projects.
type ProjectStorage interface {
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, projectID string) (*models.Project, error)
	ListProjects(ctx context.Context, userID string) ([]*models.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
}

// NotificationStorage persists append-only notifications.
type NotificationStorage interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]*models.Notification, error)
}

// APIKeyStorage persists bearer token to user mappings.
type APIKeyStorage interface {
	SaveAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKey(ctx context.Context, token string) (*models.APIKey, error)
}

// StorageManager aggregates the per-entity storages over one datastore.
type StorageManager interface {
	JobStorage() JobStorage
	ImageStorage() ImageStorage
	ChunkStorage() ChunkStorage
	ProjectStorage() ProjectStorage
	NotificationStorage() NotificationStorage
	APIKeyStorage() APIKeyStorage
	RunValueLogGC() error
	Close() error
}
