package models

import "time"

// NotificationType identifies the lifecycle event a notification reports.
type NotificationType string

const (
	NotificationJobStarted   NotificationType = "job_started"
	NotificationJobCompleted NotificationType = "job_completed"
	NotificationJobFailed    NotificationType = "job_failed"
	NotificationJobCancelled NotificationType = "job_cancelled"
)

// Notification is an append-only row emitted on job lifecycle
// transitions. The core never mutates notifications after creation.
type Notification struct {
	ID        string                 `json:"id" badgerhold:"key"`
	UserID    string                 `json:"user_id" badgerhold:"index"`
	Type      NotificationType       `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}
