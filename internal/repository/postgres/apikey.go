package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/teamtide/teamtide/internal/apperrors"
	"github.com/teamtide/teamtide/internal/models"
)

type APIKeyRepo struct {
	DB DBTX
}

const saveAPIKey = `-- name: SaveAPIKey
INSERT INTO api_keys (id, user_id, name, created_at, expires_at, last_used_at, revoked_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id
`

func (r *APIKeyRepo) Save(ctx context.Context, key models.APIKey) error {
	rows, _ := r.DB.Query(ctx, saveAPIKey, key.ID, key.UserID, key.Name, key.CreatedAt, key.ExpiresAt, key.LastUsedAt, key.RevokedAt)
	_, err := pgx.CollectOneRow(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const getAPIKey = `-- name: GetAPIKey
SELECT id, user_id, name, created_at, expires_at, last_used_at, revoked_at
FROM api_keys
WHERE id = $1
`

// Get key metadata by id
// It should return result even if the key expired or revoked already
func (r *APIKeyRepo) Get(ctx context.Context, keyID uuid.UUID) (models.APIKey, error) {
	rows, _ := r.DB.Query(ctx, getAPIKey, keyID)
	key, err := pgx.CollectOneRow(rows, rowToAPIKey)

	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, pgx.ErrNoRows):
		return key, fmt.Errorf("repo error: %w", apperrors.ErrAPIKeyNotFound)
	default:
		return key, fmt.Errorf("db error: %w", err)
	}
}

const listAPIKeysForUser = `-- name: ListAPIKeysForUser
SELECT id, user_id, name, created_at, expires_at, last_used_at, revoked_at
FROM api_keys
WHERE user_id = $1
ORDER BY created_at, id
`

func (r *APIKeyRepo) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.APIKey, error) {
	rows, _ := r.DB.Query(ctx, listAPIKeysForUser, userID)
	keys, err := pgx.CollectRows(rows, rowToAPIKey)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return keys, nil
}

const revokeAPIKey = `-- name: RevokeAPIKey
UPDATE api_keys
SET revoked_at = COALESCE(revoked_at, $3)
WHERE id = $2 AND user_id = $1
RETURNING revoked_at
`

// Revoke key owned by the user
// Scoping by user_id keeps one user from revoking keys of another
func (r *APIKeyRepo) Revoke(ctx context.Context, userID uuid.UUID, keyID uuid.UUID) error {
	rows, _ := r.DB.Query(ctx, revokeAPIKey, userID, keyID, time.Now())
	_, err := pgx.CollectOneRow(rows, pgx.RowTo[time.Time])

	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("repo error: %w", apperrors.ErrAPIKeyNotFound)
	default:
		return fmt.Errorf("db error: %w", err)
	}
}

const touchAPIKeyUsed = `-- name: TouchAPIKeyUsed
UPDATE api_keys
SET last_used_at = $2
WHERE id = $1
`

func (r *APIKeyRepo) TouchUsed(ctx context.Context, keyID uuid.UUID, usedAt time.Time) error {
	_, err := r.DB.Exec(ctx, touchAPIKeyUsed, keyID, usedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func rowToAPIKey(row pgx.CollectableRow) (models.APIKey, error) {
	var k models.APIKey
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.CreatedAt, &k.ExpiresAt, &k.LastUsedAt, &k.RevokedAt)
	return k, err
}
