package models

import (
	"time"

	"github.com/google/uuid"
)

// Property is one verified site reachable under a connection, identified by
// its canonical site string (URL or "sc-domain:" prefixed domain).
// Unique on (connection_id, site_url). Properties that disappear from a
// forced upstream refresh are deactivated, never deleted.
type Property struct {
	ID              uuid.UUID  `json:"id"`
	ConnectionID    uuid.UUID  `json:"connection_id"`
	SiteURL         string     `json:"site_url"`
	PermissionLevel string     `json:"permission_level"`
	IsActive        bool       `json:"is_active"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
