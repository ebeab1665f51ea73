package apikey

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamtide/teamtide/internal/apperrors"
	"github.com/teamtide/teamtide/internal/models"
	"github.com/teamtide/teamtide/internal/repository"
	"github.com/teamtide/teamtide/internal/repository/postgres"
	"github.com/teamtide/teamtide/internal/service/apikey/signer"
	"github.com/teamtide/teamtide/internal/testutil"
)

func Test_APIKeyService(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	// Begin new db transaction, create the key owner and the service
	// Rollback transaction when test stops
	withTx := func(t *testing.T, fn func(s *Service, storage repository.Storage, owner models.User)) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			storage := postgres.NewStorage(tx)

			owner, err := storage.User().CreateUser(t.Context(), "keyowner", "hashed_password")
			require.NoError(t, err)

			keys, err := signer.Generate()
			require.NoError(t, err)

			s, err := NewService(Config{}, keys, storage)
			require.NoError(t, err, "api key service should be created without errors")

			fn(s, storage, owner)
		})
	}

	t.Run("new service requires dependencies", func(t *testing.T) {
		_, err := NewService(Config{}, nil, nil)
		require.Error(t, err)
	})

	t.Run("issue and verify ok", func(t *testing.T) {
		withTx(t, func(s *Service, storage repository.Storage, owner models.User) {
			token, key, err := s.Issue(t.Context(), owner.ID, "ci deploy", 0)

			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(token, TokenPrefix), "token should carry the product prefix")
			assert.Equal(t, owner.ID, key.UserID)
			assert.Equal(t, "ci deploy", key.Name)
			assert.WithinDuration(t, time.Now().Add(defaultKeyTTL), key.ExpiresAt, time.Minute, "default lifetime should apply")

			user, verified, err := s.Verify(t.Context(), token)
			require.NoError(t, err)
			assert.Equal(t, owner.ID, user.ID)
			assert.Equal(t, key.ID, verified.ID)

			// Verification leaves a last used mark, best effort
			stored, err := storage.APIKey().Get(t.Context(), key.ID)
			require.NoError(t, err)
			assert.NotNil(t, stored.LastUsedAt)
		})
	})

	t.Run("issue with custom lifetime", func(t *testing.T) {
		withTx(t, func(s *Service, _ repository.Storage, owner models.User) {
			_, key, err := s.Issue(t.Context(), owner.ID, "short", time.Hour)

			require.NoError(t, err)
			assert.WithinDuration(t, time.Now().Add(time.Hour), key.ExpiresAt, time.Minute)
		})
	})

	t.Run("verify garbage", func(t *testing.T) {
		withTx(t, func(s *Service, _ repository.Storage, _ models.User) {
			for _, token := range []string{
				"",
				"not-prefixed-at-all",
				TokenPrefix + "not base64!!",
				TokenPrefix + base64.RawURLEncoding.EncodeToString([]byte("short")),
			} {
				_, _, err := s.Verify(t.Context(), token)
				require.ErrorIs(t, err, apperrors.ErrAPIKeyInvalid, "token %q should be invalid", token)
			}
		})
	})

	t.Run("verify tampered token", func(t *testing.T) {
		withTx(t, func(s *Service, _ repository.Storage, owner models.User) {
			token, _, err := s.Issue(t.Context(), owner.ID, "target", 0)
			require.NoError(t, err)

			blob, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, TokenPrefix))
			require.NoError(t, err)
			blob[0] ^= 0xff

			_, _, err = s.Verify(t.Context(), TokenPrefix+base64.RawURLEncoding.EncodeToString(blob))
			require.ErrorIs(t, err, apperrors.ErrAPIKeyInvalid, "tampered payload should fail the signature check")
		})
	})

	t.Run("verify token signed by another keypair", func(t *testing.T) {
		withTx(t, func(s *Service, storage repository.Storage, owner models.User) {
			token, _, err := s.Issue(t.Context(), owner.ID, "original", 0)
			require.NoError(t, err)

			otherKeys, err := signer.Generate()
			require.NoError(t, err)
			other, err := NewService(Config{}, otherKeys, storage)
			require.NoError(t, err)

			_, _, err = other.Verify(t.Context(), token)
			require.ErrorIs(t, err, apperrors.ErrAPIKeyInvalid, "foreign signature should be rejected")
		})
	})

	t.Run("verify revoked key", func(t *testing.T) {
		withTx(t, func(s *Service, _ repository.Storage, owner models.User) {
			token, key, err := s.Issue(t.Context(), owner.ID, "doomed", 0)
			require.NoError(t, err)

			require.NoError(t, s.Revoke(t.Context(), owner.ID, key.ID))

			_, _, err = s.Verify(t.Context(), token)
			require.ErrorIs(t, err, apperrors.ErrAPIKeyRevoked)
		})
	})

	t.Run("verify expired key", func(t *testing.T) {
		withTx(t, func(s *Service, _ repository.Storage, owner models.User) {
			token, _, err := s.Issue(t.Context(), owner.ID, "shortlived", time.Hour)
			require.NoError(t, err)

			// Move the service clock past the key lifetime
			s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

			_, _, err = s.Verify(t.Context(), token)
			require.ErrorIs(t, err, apperrors.ErrAPIKeyExpired)
		})
	})

	t.Run("verify key of deactivated user", func(t *testing.T) {
		withTx(t, func(s *Service, storage repository.Storage, owner models.User) {
			token, _, err := s.Issue(t.Context(), owner.ID, "orphaned", 0)
			require.NoError(t, err)

			_, err = storage.User().UpdateActive(t.Context(), owner.ID, false)
			require.NoError(t, err)

			_, _, err = s.Verify(t.Context(), token)
			require.ErrorIs(t, err, apperrors.ErrUserInactive)
		})
	})

	t.Run("revoke key of another user", func(t *testing.T) {
		withTx(t, func(s *Service, storage repository.Storage, owner models.User) {
			_, key, err := s.Issue(t.Context(), owner.ID, "coveted", 0)
			require.NoError(t, err)

			thief, err := storage.User().CreateUser(t.Context(), "thief", "hashed_password")
			require.NoError(t, err)

			err = s.Revoke(t.Context(), thief.ID, key.ID)
			require.ErrorIs(t, err, apperrors.ErrAPIKeyNotFound, "foreign key should look like a missing one")
		})
	})

	t.Run("list keys", func(t *testing.T) {
		withTx(t, func(s *Service, _ repository.Storage, owner models.User) {
			_, _, err := s.Issue(t.Context(), owner.ID, "first", 0)
			require.NoError(t, err)
			_, _, err = s.Issue(t.Context(), owner.ID, "second", 0)
			require.NoError(t, err)

			keys, err := s.List(t.Context(), owner.ID)
			require.NoError(t, err)
			require.Len(t, keys, 2)

			keys, err = s.List(t.Context(), uuid.New())
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	})
}
