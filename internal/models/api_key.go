package models

import "time"

// APIKey maps a bearer token to a user identifier. Keys are loaded from
// the credentials directory at startup; the orchestrator only reads them
// for identity resolution and never issues tokens itself.
type APIKey struct {
	Token     string    `json:"token" badgerhold:"key"`
	UserID    string    `json:"user_id" badgerhold:"index"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
