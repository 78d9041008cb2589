package models

import "time"

// Image belongs to one crawl job. Rows are created when a chunk completes
// successfully and mutated only by validation result application.
type Image struct {
	ID         string `json:"id" badgerhold:"key"`
	CrawlJobID string `json:"crawl_job_id" badgerhold:"index"`

	SourceURL  string `json:"source_url"`
	StorageKey string `json:"storage_key"`

	Width  int    `json:"width"`
	Height int    `json:"height"`
	Bytes  int64  `json:"bytes"`
	Format string `json:"format"`

	ContentHash    string `json:"content_hash"`
	PerceptualHash string `json:"perceptual_hash"`

	// Nil until a validation task has run for this image.
	IsValid     *bool `json:"is_valid,omitempty"`
	IsDuplicate *bool `json:"is_duplicate,omitempty"`

	Labels   []string               `json:"labels,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ImageRecord is the primitive-only shape a worker reports for each image
// in a completion callback. It carries no identifiers; the repository
// assigns them at insert.
type ImageRecord struct {
	SourceURL      string                 `json:"source_url"`
	StorageKey     string                 `json:"storage_key"`
	Width          int                    `json:"width"`
	Height         int                    `json:"height"`
	Bytes          int64                  `json:"bytes"`
	Format         string                 `json:"format"`
	ContentHash    string                 `json:"content_hash"`
	PerceptualHash string                 `json:"perceptual_hash"`
	Labels         []string               `json:"labels,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ValidationResult is the primitive-only outcome of a validation task.
type ValidationResult struct {
	IsValid     bool                   `json:"is_valid"`
	IsDuplicate bool                   `json:"is_duplicate"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ValidationLevel selects the validation task rate tier.
type ValidationLevel string

const (
	ValidationLevelFast   ValidationLevel = "fast"
	ValidationLevelMedium ValidationLevel = "medium"
	ValidationLevelSlow   ValidationLevel = "slow"
)
