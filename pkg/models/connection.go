package models

import (
	"time"

	"github.com/google/uuid"
)

// Connection represents one user's OAuth grant to the upstream
// search-analytics API. Tokens are stored encrypted (AES-256-GCM); the
// repository layer never sees plaintext token material.
//
// At most one active connection exists per user. Disconnecting deactivates
// the row, it never deletes it, so sync history stays attached.
type Connection struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	AccessToken  string     `json:"-"` // encrypted at rest
	RefreshToken string     `json:"-"` // encrypted at rest
	ExpiresAt    time.Time  `json:"expires_at"`
	IsActive     bool       `json:"is_active"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	SyncErrors   []string   `json:"sync_errors"`

	// Version guards concurrent token refreshes and sync-outcome writes
	// against lost updates. Bumped on every mutation.
	Version int64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenExpired reports whether the access token should be refreshed before
// use. The safety margin keeps a token from expiring mid-request.
func (c *Connection) TokenExpired(now time.Time, safetyMargin time.Duration) bool {
	return !now.Before(c.ExpiresAt.Add(-safetyMargin))
}
