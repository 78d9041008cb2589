package models

import "time"

// ChunkStatus mirrors the job state machine restricted to a single chunk.
type ChunkStatus string

const (
	ChunkStatusPending    ChunkStatus = "pending"
	ChunkStatusProcessing ChunkStatus = "processing"
	ChunkStatusCompleted  ChunkStatus = "completed"
	ChunkStatusFailed     ChunkStatus = "failed"
)

// JobChunk is one fixed-size image range of a job under the range
// decomposition. Ranges are half-open [Start, End), contiguous and
// non-overlapping within a job; their widths sum to the job's MaxImages.
type JobChunk struct {
	ID         string `json:"id" badgerhold:"key"`
	CrawlJobID string `json:"crawl_job_id" badgerhold:"index"`

	RangeStart int `json:"image_range_start"`
	RangeEnd   int `json:"image_range_end"`

	Status     ChunkStatus `json:"status" badgerhold:"index"`
	Priority   int         `json:"priority"`
	RetryCount int         `json:"retry_count"`

	TaskID       string `json:"task_id,omitempty"`
	ErrorMessage string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Width returns the number of images covered by the chunk's range.
func (c *JobChunk) Width() int {
	return c.RangeEnd - c.RangeStart
}

// ChunkProgress aggregates per-status chunk counts for a job.
type ChunkProgress struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
