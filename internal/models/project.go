package models

import "time"

// Project groups crawl jobs and is owned by exactly one user. The
// orchestrator never creates users; UserID is the opaque identifier the
// token verifier extracts, and every job operation is authorized against
// the owning project's UserID.
type Project struct {
	ID        string    `json:"id" badgerhold:"key"`
	UserID    string    `json:"user_id" badgerhold:"index"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
