package models

import (
	"time"

	"github.com/google/uuid"
)

// Stored part of a refresh token
// The raw secret never persists, only its sha256 hex digest
type RefreshToken struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	SecretHash string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	UsedAt     *time.Time // nil if token not used
	RevokedAt  *time.Time // nil if token not revoked
}

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Full set of session artifacts issued by TokenManager, AuthService
// CSRF is the double-submit token paired with exactly this access token
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
	CSRF    IssuedToken
}
