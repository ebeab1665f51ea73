package tokenmanager

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/teamtide/teamtide/internal/apperrors"
	"github.com/teamtide/teamtide/internal/models"
	"github.com/teamtide/teamtide/internal/repository"
)

const (
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultSigningMethod   = "HS256"
	defaultRefreshTokenTTL = 30 * 24 * time.Hour

	// Byte lengths of random secrets before hex encoding
	refreshSecretLen = 32
	csrfTokenLen     = 32
)

type AccessTokenClaims struct {
	jwt.RegisteredClaims
	UserID uuid.UUID `json:"uid"`
	Role   string    `json:"role"`

	// Hex sha256 of the anti-forgery token issued together with this
	// access token. Binds the double-submit pair: after rotation the
	// old anti-forgery token no longer matches the new claim.
	CSRFHash string `json:"cst"`
}

// Report whether the anti-forgery token matches the one bound to this access token
func (c AccessTokenClaims) MatchCSRF(token string) bool {
	if c.CSRFHash == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashHex(token)), []byte(c.CSRFHash)) == 1
}

// Token manager with sensible default
type Config struct {
	// Secret key to sign access token
	// Required to be set
	SecretKey string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// Access and refresh token lifetimes
	// If not set than default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type TokenManager struct {
	// Secret key to sign access token
	key string

	// JWT MAC (Message Authentication Code) algorithm
	alg jwt.SigningMethod

	// Access and refresh token lifetimes
	accessTTL  time.Duration
	refreshTTL time.Duration

	// Refresh token repo
	refreshRepo repository.RefreshTokenRepo

	// Time source, replaceable in tests
	now func() time.Time
}

func New(cfg Config, refreshRepo repository.RefreshTokenRepo) (*TokenManager, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("secret key must not be empty")
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTokenTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTokenTTL)

	return &TokenManager{
		key:         cfg.SecretKey,
		alg:         jwt.GetSigningMethod(cfg.Alg),
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		refreshRepo: refreshRepo,
		now:         time.Now,
	}, nil
}

// Issue the full artifact set for the user: access token, refresh token
// and the anti-forgery token bound to the access token.
// The user role is snapshotted into the access token at issue time.
func (m *TokenManager) GeneratePair(ctx context.Context, user models.User) (models.TokenPair, error) {
	var pair models.TokenPair
	now := m.now().Truncate(time.Second)
	accessExpiresAt := now.Add(m.accessTTL)
	refreshExpiresAt := now.Add(m.refreshTTL)

	// Random anti-forgery token, stateless: the access token carries its hash
	csrf, err := randomHex(csrfTokenLen)
	if err != nil {
		return pair, fmt.Errorf("error while generating csrf token. Err: %w", err)
	}

	// Generate JWT access token decoded as string
	accessToken := jwt.NewWithClaims(
		m.alg,
		AccessTokenClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        uuid.NewString(),
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(accessExpiresAt),
			},
			UserID:   user.ID,
			Role:     string(user.Role),
			CSRFHash: hashHex(csrf),
		},
	)
	access, err := accessToken.SignedString([]byte(m.key))
	if err != nil {
		return pair, fmt.Errorf("error while signing access token. Err: %w", err)
	}

	// Refresh token is '<id>.<secret>': id addresses the row, only the
	// secret hash is stored
	refreshID := uuid.New()
	secret, err := randomHex(refreshSecretLen)
	if err != nil {
		return pair, fmt.Errorf("error while generating refresh token. Err: %w", err)
	}

	err = m.refreshRepo.Save(ctx, models.RefreshToken{
		ID:         refreshID,
		UserID:     user.ID,
		SecretHash: hashHex(secret),
		CreatedAt:  now,
		ExpiresAt:  refreshExpiresAt,
		UsedAt:     nil,
		RevokedAt:  nil,
	})
	if err != nil {
		return pair, fmt.Errorf("error while saving refresh token. Err: %w", err)
	}

	return models.TokenPair{
		Access:  models.IssuedToken{Value: access, ExpiresAt: accessExpiresAt},
		Refresh: models.IssuedToken{Value: refreshID.String() + "." + secret, ExpiresAt: refreshExpiresAt},
		CSRF:    models.IssuedToken{Value: csrf, ExpiresAt: accessExpiresAt},
	}, nil
}

// Use refresh token: validate it and claim its single use.
// Exactly one of concurrent callers with the same token succeeds,
// the others get apperrors.ErrRefreshTokenIsUsed.
func (m *TokenManager) UseRefresh(ctx context.Context, refresh string) (models.RefreshToken, error) {
	token, err := m.getVerified(ctx, refresh)
	if err != nil {
		return token, err
	}

	switch {
	case token.RevokedAt != nil:
		return token, fmt.Errorf("error while using refresh token. Err: %w", apperrors.ErrRefreshTokenRevoked)
	case token.ExpiresAt.Before(m.now()):
		return token, fmt.Errorf("error while using refresh token. Err: %w", apperrors.ErrRefreshTokenExpired)
	}

	_, err = m.refreshRepo.MarkUsed(ctx, token.ID)
	if err != nil {
		return token, fmt.Errorf("error while marking token used. Err: %w", err)
	}

	return token, nil
}

// Revoke single refresh token, idempotent
func (m *TokenManager) RevokeRefresh(ctx context.Context, refresh string) error {
	token, err := m.getVerified(ctx, refresh)
	if err != nil {
		return err
	}

	err = m.refreshRepo.Revoke(ctx, token.ID)
	if err != nil {
		return fmt.Errorf("error while revoking refresh token. Err: %w", err)
	}

	return nil
}

// Revoke every live refresh token of the user
func (m *TokenManager) RevokeUserTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	revoked, err := m.refreshRepo.RevokeForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("error while revoking user tokens. Err: %w", err)
	}

	return revoked, nil
}

// Load the refresh token row and verify the secret.
// A malformed token and a wrong secret are indistinguishable from an
// unknown token on purpose.
func (m *TokenManager) getVerified(ctx context.Context, refresh string) (models.RefreshToken, error) {
	notFound := fmt.Errorf("refresh token malformed or unknown: %w", apperrors.ErrRefreshTokenNotFound)

	idPart, secret, ok := strings.Cut(refresh, ".")
	if !ok {
		return models.RefreshToken{}, notFound
	}

	tokenID, err := uuid.Parse(idPart)
	if err != nil {
		return models.RefreshToken{}, notFound
	}

	token, err := m.refreshRepo.Get(ctx, tokenID)
	if err != nil {
		return token, err
	}

	if subtle.ConstantTimeCompare([]byte(hashHex(secret)), []byte(token.SecretHash)) != 1 {
		return models.RefreshToken{}, notFound
	}

	return token, nil
}

// Parse and validate access token
func (m *TokenManager) ParseAccess(ctx context.Context, access string) (AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}

	_, err := jwt.ParseWithClaims(
		access,
		claims,
		func(t *jwt.Token) (any, error) {
			return []byte(m.key), nil
		},
		jwt.WithValidMethods([]string{m.alg.Alg()}),
	)
	if err != nil {
		return AccessTokenClaims{}, fmt.Errorf("error while parsing or validating token. Err: %w", err)
	}

	return *claims, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
