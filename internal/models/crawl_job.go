package models

import (
	"time"
)

// JobStatus represents the state of a crawl job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is completed, failed or cancelled.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Decomposition selects how a job is split into dispatchable chunks.
// A job uses exactly one form, fixed at start.
type Decomposition string

const (
	// DecompositionKeywordEngine produces one chunk per (keyword, engine)
	// pair, each capped at ceil(max_images / total_chunks) images.
	DecompositionKeywordEngine Decomposition = "keyword_engine"
	// DecompositionRange produces fixed-size, contiguous half-open image
	// ranges of jobs.chunk_size images each, tracked as JobChunk rows.
	DecompositionRange Decomposition = "range"
)

// SupportedEngines is the set of search engines a job may request.
var SupportedEngines = map[string]bool{
	"google":     true,
	"bing":       true,
	"baidu":      true,
	"duckduckgo": true,
}

// CrawlJob is the central entity of the orchestrator. Input parameters
// (Keywords, Engines, MaxImages) are immutable after creation; counters
// and status are owned by the job service and mutated only through the
// job storage's guarded operations.
//
// Invariants held at every committed state:
//   - completed + active + failed <= total when total > 0
//   - running implies total > 0 and StartedAt set
//   - terminal implies active == 0 and CompletedAt set
//   - progress = floor(100 * completed / total) when total > 0, else 0
type CrawlJob struct {
	ID        string `json:"id" badgerhold:"key"`
	ProjectID string `json:"project_id" badgerhold:"index"`
	Name      string `json:"name"`

	// Input parameters, immutable after creation.
	Keywords  []string `json:"keywords"`
	Engines   []string `json:"engines"`
	MaxImages int      `json:"max_images"`

	// QualityFilters is an optional set of validation filters applied by
	// workers (min_width, min_height, formats). Stored as primitives only.
	QualityFilters map[string]interface{} `json:"quality_filters,omitempty"`

	Decomposition Decomposition `json:"decomposition"`

	Status   JobStatus `json:"status" badgerhold:"index"`
	Progress int       `json:"progress"` // integer percentage 0-100, derived

	// Chunk counters. Deltas are applied atomically by the job storage.
	TotalChunks     int `json:"total_chunks"`
	ActiveChunks    int `json:"active_chunks"`
	CompletedChunks int `json:"completed_chunks"`
	FailedChunks    int `json:"failed_chunks"`

	DownloadedImages int `json:"downloaded_images"`
	ValidImages      int `json:"valid_images"`

	// TaskIDs is the ordered list of broker task identifiers recorded at
	// dispatch. Deduplication of completion callbacks is tracked in a
	// side table, not here (see JobStorage.MarkTaskProcessed).
	TaskIDs []string `json:"task_ids"`

	// Error holds a concise reason when status is failed.
	// Format: "Category: brief description".
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// LastProgressAt is bumped on every applied completion callback.
	// The stale-job sweep fails running jobs whose progress has stalled.
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
}

// ComputeProgress returns the derived integer progress percentage.
func (j *CrawlJob) ComputeProgress() int {
	if j.TotalChunks <= 0 {
		return 0
	}
	return 100 * j.CompletedChunks / j.TotalChunks
}

// SettledChunks returns completed + failed.
func (j *CrawlJob) SettledChunks() int {
	return j.CompletedChunks + j.FailedChunks
}

// EstimatedCompletion projects a completion time from the observed
// completion rate. Returns nil before any chunk has settled.
func (j *CrawlJob) EstimatedCompletion(now time.Time) *time.Time {
	if j.Status != JobStatusRunning || j.StartedAt == nil {
		return nil
	}
	settled := j.SettledChunks()
	remaining := j.TotalChunks - settled
	if settled == 0 || remaining <= 0 {
		return nil
	}
	elapsed := now.Sub(*j.StartedAt)
	perChunk := elapsed / time.Duration(settled)
	eta := now.Add(perChunk * time.Duration(remaining))
	return &eta
}

// JobListFilter narrows job listing queries.
type JobListFilter struct {
	ProjectID string
	Status    JobStatus
	Page      int // 1-based
	Limit     int
}
