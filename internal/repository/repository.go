package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teamtide/teamtide/internal/models"
)

// User repository interface
type UserRepo interface {
	// Create user with role 'member' and active state
	// If user with username exists already has to return error apperrors.ErrUserAlreadyExists
	CreateUser(ctx context.Context, username string, hashedPassword string) (models.User, error)

	// Get user by it's id or username
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)

	// List users ordered by creation time
	ListUsers(ctx context.Context, limit int, offset int) ([]models.User, error)

	// Update single user attributes
	// If user not found must return apperrors.ErrUserNotFound
	UpdatePassword(ctx context.Context, userID uuid.UUID, hashedPassword string) (models.User, error)
	UpdateRole(ctx context.Context, userID uuid.UUID, role models.Role) (models.User, error)
	UpdateActive(ctx context.Context, userID uuid.UUID, active bool) (models.User, error)
}

// RefreshToken repository interface
// Tokens are addressed by their id, never by the raw secret
type RefreshTokenRepo interface {
	// Create token in repository
	Save(ctx context.Context, token models.RefreshToken) error

	// Return the token if it exists, even expired, used or revoked
	// If the token not found must return apperrors.ErrRefreshTokenNotFound
	Get(ctx context.Context, tokenID uuid.UUID) (models.RefreshToken, error)

	// Mark token as used
	// Must not overwrite the existing 'usedAt': the first caller wins,
	// every other caller gets apperrors.ErrRefreshTokenIsUsed
	MarkUsed(ctx context.Context, tokenID uuid.UUID) (usedAt time.Time, err error)

	// Mark single token revoked, idempotent
	Revoke(ctx context.Context, tokenID uuid.UUID) error

	// Revoke every live token of the user, returns the number of revoked rows
	RevokeForUser(ctx context.Context, userID uuid.UUID) (int64, error)

	// Delete tokens that expired before the given moment
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// APIKey repository interface, metadata rows only
type APIKeyRepo interface {
	Save(ctx context.Context, key models.APIKey) error

	// If the key not found must return apperrors.ErrAPIKeyNotFound
	Get(ctx context.Context, keyID uuid.UUID) (models.APIKey, error)

	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.APIKey, error)

	// Revoke key owned by the user, idempotent
	// If the key not found (or owned by someone else) must return apperrors.ErrAPIKeyNotFound
	Revoke(ctx context.Context, userID uuid.UUID, keyID uuid.UUID) error

	// Record the moment the key was last seen, best effort
	TouchUsed(ctx context.Context, keyID uuid.UUID, usedAt time.Time) error
}

// Audit event repository interface
type AuditRepo interface {
	Save(ctx context.Context, event models.AuditEvent) error
	ListRecent(ctx context.Context, limit int) ([]models.AuditEvent, error)
}

// Storage aggregates every repository over a single connection or transaction
type Storage interface {
	User() UserRepo
	Refresh() RefreshTokenRepo
	APIKey() APIKeyRepo
	Audit() AuditRepo

	// Run fn inside a database transaction
	InTx(ctx context.Context, fn func(Storage) error) error
}
