package models

import (
	"time"

	"github.com/google/uuid"
)

// Metadata of a personal API key
// The signed token itself is shown once at issue time and never stored
type APIKey struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Name       string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastUsedAt *time.Time // nil if key never used
	RevokedAt  *time.Time // nil if key not revoked
}
