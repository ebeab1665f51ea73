package apikey

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/teamtide/teamtide/internal/apperrors"
	"github.com/teamtide/teamtide/internal/models"
	"github.com/teamtide/teamtide/internal/repository"
	"github.com/teamtide/teamtide/internal/service/audit"
	"github.com/teamtide/teamtide/internal/service/apikey/signer"
)

const (
	// TokenPrefix marks teamtide personal keys
	// Anything without it never reaches decoding
	TokenPrefix = "ttk_"

	defaultKeyTTL = 365 * 24 * time.Hour

	signatureSize = ed25519.SignatureSize
)

// Signed payload of a personal key: CBOR map with integer keys,
// followed on the wire by the 64-byte Ed25519 signature over it
type payload struct {
	KeyID  []byte `cbor:"1,keyasint"`
	UserID []byte `cbor:"2,keyasint"`
}

type auditRecorder interface {
	Record(ctx context.Context, event string, actorID *uuid.UUID, detail map[string]any)
}

type Config struct {
	// Key lifetime when the caller does not ask for one
	KeyTTL time.Duration

	// Recorder for security events, optional
	Audit auditRecorder
}

// Service issues and verifies personal API keys.
// A key is an asymmetric credential: issue signs with the private key,
// verify needs only the public one plus the metadata row.
type Service struct {
	keys    signer.KeyProvider
	storage repository.Storage
	keyTTL  time.Duration
	audit   auditRecorder

	// Time source, replaceable in tests
	now func() time.Time
}

func NewService(cfg Config, keys signer.KeyProvider, storage repository.Storage) (*Service, error) {
	if keys == nil || storage == nil {
		return nil, errors.New("key provider and storage must not be nil")
	}

	if cfg.KeyTTL == 0 {
		cfg.KeyTTL = defaultKeyTTL
	}

	return &Service{
		keys:    keys,
		storage: storage,
		keyTTL:  cfg.KeyTTL,
		audit:   cfg.Audit,
		now:     time.Now,
	}, nil
}

// Issue mints a personal key for the user and persists its metadata.
// The returned token is shown exactly once, only metadata is stored.
func (s *Service) Issue(ctx context.Context, userID uuid.UUID, name string, ttl time.Duration) (string, models.APIKey, error) {
	if ttl == 0 {
		ttl = s.keyTTL
	}

	now := s.now().Truncate(time.Second)
	key := models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	body, err := cbor.Marshal(payload{KeyID: key.ID[:], UserID: key.UserID[:]})
	if err != nil {
		return "", models.APIKey{}, fmt.Errorf("error while encoding key payload. Err: %w", err)
	}

	signature, err := s.keys.Sign(body)
	if err != nil {
		return "", models.APIKey{}, fmt.Errorf("error while signing key. Err: %w", err)
	}

	blob := make([]byte, len(body)+signatureSize)
	copy(blob, body)
	copy(blob[len(body):], signature)

	if err := s.storage.APIKey().Save(ctx, key); err != nil {
		return "", models.APIKey{}, err
	}

	s.record(ctx, audit.EventAPIKeyIssued, &userID, map[string]any{"key_id": key.ID.String(), "name": name})

	return TokenPrefix + base64.RawURLEncoding.EncodeToString(blob), key, nil
}

// Verify checks a presented token and resolves its owner.
// The signature check runs before any storage lookup: forged tokens
// never cost a database roundtrip. All rejection reasons stay internal,
// transport maps every one of them to the same response.
func (s *Service) Verify(ctx context.Context, token string) (models.User, models.APIKey, error) {
	keyID, userID, err := s.decode(token)
	if err != nil {
		return models.User{}, models.APIKey{}, err
	}

	key, err := s.storage.APIKey().Get(ctx, keyID)
	if err != nil {
		return models.User{}, models.APIKey{}, err
	}

	switch {
	case key.UserID != userID:
		return models.User{}, models.APIKey{}, fmt.Errorf("key owner mismatch: %w", apperrors.ErrAPIKeyInvalid)
	case key.RevokedAt != nil:
		return models.User{}, models.APIKey{}, fmt.Errorf("key check failed: %w", apperrors.ErrAPIKeyRevoked)
	case !key.ExpiresAt.After(s.now()):
		return models.User{}, models.APIKey{}, fmt.Errorf("key check failed: %w", apperrors.ErrAPIKeyExpired)
	}

	user, err := s.storage.User().GetUserByID(ctx, key.UserID)
	if err != nil {
		return models.User{}, models.APIKey{}, err
	}

	if !user.Active {
		return models.User{}, models.APIKey{}, fmt.Errorf("key check failed: %w", apperrors.ErrUserInactive)
	}

	// Best effort, a missed touch must not fail the request
	_ = s.storage.APIKey().TouchUsed(ctx, key.ID, s.now())

	return user, key, nil
}

// Revoke marks the user's key revoked.
// Takes effect on the next Verify, outstanding callers are not chased.
func (s *Service) Revoke(ctx context.Context, userID uuid.UUID, keyID uuid.UUID) error {
	if err := s.storage.APIKey().Revoke(ctx, userID, keyID); err != nil {
		return err
	}

	s.record(ctx, audit.EventAPIKeyRevoked, &userID, map[string]any{"key_id": keyID.String()})

	return nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]models.APIKey, error) {
	return s.storage.APIKey().ListForUser(ctx, userID)
}

// Split the token, verify the signature and unpack the payload ids
func (s *Service) decode(token string) (keyID uuid.UUID, userID uuid.UUID, err error) {
	encoded, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok {
		return uuid.Nil, uuid.Nil, fmt.Errorf("missing token prefix: %w", apperrors.ErrAPIKeyInvalid)
	}

	blob, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("token is not base64url: %w", apperrors.ErrAPIKeyInvalid)
	}

	if len(blob) <= signatureSize {
		return uuid.Nil, uuid.Nil, fmt.Errorf("token too short for signature: %w", apperrors.ErrAPIKeyInvalid)
	}

	splitPoint := len(blob) - signatureSize
	body := blob[:splitPoint]
	signature := blob[splitPoint:]

	if !ed25519.Verify(s.keys.Public(), body, signature) {
		return uuid.Nil, uuid.Nil, fmt.Errorf("signature check failed: %w", apperrors.ErrAPIKeyInvalid)
	}

	var p payload
	if err := cbor.Unmarshal(body, &p); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("error while decoding key payload: %w", apperrors.ErrAPIKeyInvalid)
	}

	keyID, err = uuid.FromBytes(p.KeyID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("bad key id: %w", apperrors.ErrAPIKeyInvalid)
	}

	userID, err = uuid.FromBytes(p.UserID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("bad user id: %w", apperrors.ErrAPIKeyInvalid)
	}

	return keyID, userID, nil
}

func (s *Service) record(ctx context.Context, event string, actorID *uuid.UUID, detail map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, event, actorID, detail)
}
