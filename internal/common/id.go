package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique crawl job ID.
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewProjectID generates a unique project ID.
func NewProjectID() string {
	return "proj_" + uuid.New().String()
}

// NewImageID generates a unique image ID.
func NewImageID() string {
	return "img_" + uuid.New().String()
}

// NewChunkID generates a unique job chunk ID.
func NewChunkID() string {
	return "chunk_" + uuid.New().String()
}

// NewTaskID generates the opaque task identifier returned by the broker.
func NewTaskID() string {
	return "task_" + uuid.New().String()
}

// NewNotificationID generates a unique notification ID.
func NewNotificationID() string {
	return "ntf_" + uuid.New().String()
}

// NewRequestID generates the request ID attached to every API response.
func NewRequestID() string {
	return "req_" + uuid.New().String()
}
