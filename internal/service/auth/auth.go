package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/teamtide/teamtide/internal/apperrors"
	"github.com/teamtide/teamtide/internal/models"
	"github.com/teamtide/teamtide/internal/repository"
	"github.com/teamtide/teamtide/internal/service/audit"
	"github.com/teamtide/teamtide/internal/service/auth/tokenmanager"
)

const (
	defaultAccessCookieName  = "access_token"
	defaultRefreshCookieName = "refresh_token"
	defaultCSRFCookieName    = "csrf_token"
	defaultCSRFHeaderName    = "X-CSRF-Token"

	// Refresh cookie is sent on the auth endpoints only
	refreshCookiePath = "/auth"
)

// Interface to create or compare user password hashes
type PasswordHasher interface {
	// Generate Hash from password
	Hash(password string) (string, error)

	// Compare known hashedPassword and user provided password
	// Must be protected against timing attacks
	Compare(hashedPassword string, password string) error
}

type auditRecorder interface {
	Record(ctx context.Context, event string, actorID *uuid.UUID, detail map[string]any)
}

type Config struct {
	// Cookie and header names, defaults are used when empty
	AccessCookieName  string
	RefreshCookieName string
	CSRFCookieName    string
	CSRFHeaderName    string

	// Set the Secure attribute on session cookies
	// Must be on in production behind TLS
	SecureCookies bool

	// Hasher to use during user registration or login process
	// Default is bcrypt over a sha256 pre-hash
	Hasher PasswordHasher

	// Recorder for security events, optional
	Audit auditRecorder
}

// Auth service: credential issuance, validation and account operations
type AuthService struct {
	accessCookieName  string
	refreshCookieName string
	csrfCookieName    string
	csrfHeaderName    string
	secureCookies     bool

	// Manager to issue and check session artifacts
	token *tokenmanager.TokenManager

	// hasher to hash or compare user passwords
	hasher PasswordHasher

	// Repository aggregate to access long term data
	storage repository.Storage

	audit auditRecorder
}

func NewService(cfg Config, tokenManager *tokenmanager.TokenManager, storage repository.Storage) (*AuthService, error) {
	if tokenManager == nil || storage == nil {
		return nil, errors.New("token manager and storage must not be nil")
	}

	hasher := cfg.Hasher
	if hasher == nil {
		hasher = BcryptHasher{}
	}

	setDefaultName := func(field *string, def string) {
		if *field == "" {
			*field = def
		}
	}
	setDefaultName(&cfg.AccessCookieName, defaultAccessCookieName)
	setDefaultName(&cfg.RefreshCookieName, defaultRefreshCookieName)
	setDefaultName(&cfg.CSRFCookieName, defaultCSRFCookieName)
	setDefaultName(&cfg.CSRFHeaderName, defaultCSRFHeaderName)

	return &AuthService{
		accessCookieName:  cfg.AccessCookieName,
		refreshCookieName: cfg.RefreshCookieName,
		csrfCookieName:    cfg.CSRFCookieName,
		csrfHeaderName:    cfg.CSRFHeaderName,
		secureCookies:     cfg.SecureCookies,
		token:             tokenManager,
		hasher:            hasher,
		storage:           storage,
		audit:             cfg.Audit,
	}, nil
}

func (s *AuthService) Register(ctx context.Context, username string, password string) (models.User, models.TokenPair, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return models.User{}, models.TokenPair{}, fmt.Errorf("can't use this as password, error=%w", err)
	}

	user, err := s.storage.User().CreateUser(ctx, username, hash)
	if err != nil {
		return models.User{}, models.TokenPair{}, err
	}

	pair, err := s.token.GeneratePair(ctx, user)
	if err != nil {
		return models.User{}, models.TokenPair{}, fmt.Errorf("token could not be generated. Err: %w", err)
	}

	s.record(ctx, audit.EventUserRegistered, &user.ID, map[string]any{"username": user.Username})
	s.record(ctx, audit.EventSessionIssued, &user.ID, nil)

	return user, pair, nil
}

func (s *AuthService) Login(ctx context.Context, username string, password string) (models.User, models.TokenPair, error) {
	user, err := s.storage.User().GetUserByUsername(ctx, username)
	if err != nil {
		return models.User{}, models.TokenPair{}, apperrors.ErrUserNotFound
	}

	// Wrong password and unknown user are the same error on purpose
	if err := s.hasher.Compare(user.HashedPassword, password); err != nil {
		s.record(ctx, audit.EventLoginRejected, &user.ID, map[string]any{"reason": "password"})
		return models.User{}, models.TokenPair{}, apperrors.ErrUserNotFound
	}

	if !user.Active {
		s.record(ctx, audit.EventLoginRejected, &user.ID, map[string]any{"reason": "inactive"})
		return models.User{}, models.TokenPair{}, apperrors.ErrUserNotFound
	}

	pair, err := s.token.GeneratePair(ctx, user)
	if err != nil {
		return models.User{}, models.TokenPair{}, fmt.Errorf("token could not be generated. Err: %w", err)
	}

	s.record(ctx, audit.EventSessionIssued, &user.ID, nil)

	return user, pair, nil
}

// Exchange a refresh token for a fresh artifact set.
// The presented token is consumed even when the exchange fails later:
// a refresh token never survives its first use.
// The user row is loaded fresh, so role changes and deactivation take
// effect here.
func (s *AuthService) Refresh(ctx context.Context, refresh string) (models.User, models.TokenPair, error) {
	token, err := s.token.UseRefresh(ctx, refresh)
	if err != nil {
		s.record(ctx, audit.EventSessionRefreshRejected, nil, nil)
		return models.User{}, models.TokenPair{}, err
	}

	user, err := s.storage.User().GetUserByID(ctx, token.UserID)
	if err != nil {
		return models.User{}, models.TokenPair{}, err
	}

	if !user.Active {
		s.record(ctx, audit.EventSessionRefreshRejected, &user.ID, map[string]any{"reason": "inactive"})
		return models.User{}, models.TokenPair{}, fmt.Errorf("refresh rejected: %w", apperrors.ErrUserInactive)
	}

	pair, err := s.token.GeneratePair(ctx, user)
	if err != nil {
		return models.User{}, models.TokenPair{}, fmt.Errorf("token could not be generated. Err: %w", err)
	}

	s.record(ctx, audit.EventSessionRefreshed, &user.ID, nil)

	return user, pair, nil
}

// Revoke the presented refresh token.
// Unknown or already revoked tokens are fine: logout is idempotent.
func (s *AuthService) Logout(ctx context.Context, refresh string) error {
	err := s.token.RevokeRefresh(ctx, refresh)

	switch {
	case err == nil:
		s.record(ctx, audit.EventSessionRevoked, nil, nil)
		return nil
	case errors.Is(err, apperrors.ErrRefreshTokenNotFound):
		return nil
	default:
		return err
	}
}

// Change user password and revoke every live refresh token of the user.
// Both happen in one transaction: other sessions must login again. The
// calling session gets a fresh pair, its old refresh token is gone too.
func (s *AuthService) ChangePassword(ctx context.Context, userID uuid.UUID, oldPassword string, newPassword string) (models.TokenPair, error) {
	user, err := s.storage.User().GetUserByID(ctx, userID)
	if err != nil {
		return models.TokenPair{}, err
	}

	if err := s.hasher.Compare(user.HashedPassword, oldPassword); err != nil {
		return models.TokenPair{}, apperrors.ErrPasswordMismatch
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("can't use this as password, error=%w", err)
	}

	err = s.storage.InTx(ctx, func(st repository.Storage) error {
		if _, err := st.User().UpdatePassword(ctx, userID, hash); err != nil {
			return err
		}

		_, err := st.Refresh().RevokeForUser(ctx, userID)
		return err
	})
	if err != nil {
		return models.TokenPair{}, err
	}

	pair, err := s.token.GeneratePair(ctx, user)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("token could not be generated. Err: %w", err)
	}

	s.record(ctx, audit.EventPasswordChanged, &userID, nil)

	return pair, nil
}

func (s *AuthService) GetUser(ctx context.Context, userID uuid.UUID) (models.User, error) {
	return s.storage.User().GetUserByID(ctx, userID)
}

// Authenticate request by its access token cookie.
// Signature and expiry are checked before any database roundtrip.
// The user row is loaded fresh so deactivation applies immediately,
// the role inside the returned claims stays as issued.
func (s *AuthService) Authenticate(ctx context.Context, r *http.Request) (models.User, tokenmanager.AccessTokenClaims, error) {
	cookie, err := r.Cookie(s.accessCookieName)
	if err != nil {
		return models.User{}, tokenmanager.AccessTokenClaims{}, fmt.Errorf("no access cookie: %w", apperrors.ErrAccessTokenInvalid)
	}

	claims, err := s.token.ParseAccess(ctx, cookie.Value)
	if err != nil {
		return models.User{}, tokenmanager.AccessTokenClaims{}, fmt.Errorf("%w: %w", apperrors.ErrAccessTokenInvalid, err)
	}

	user, err := s.storage.User().GetUserByID(ctx, claims.UserID)
	if err != nil {
		return models.User{}, tokenmanager.AccessTokenClaims{}, err
	}

	if !user.Active {
		return models.User{}, tokenmanager.AccessTokenClaims{}, fmt.Errorf("auth rejected: %w", apperrors.ErrUserInactive)
	}

	return user, claims, nil
}

// Check the double-submit anti-forgery token of a state-changing request.
// Runs after Authenticate succeeded: an expired credential never reaches
// this check, so the two rejections stay distinguishable.
func (s *AuthService) CheckCSRF(ctx context.Context, r *http.Request, claims tokenmanager.AccessTokenClaims) error {
	if claims.MatchCSRF(r.Header.Get(s.csrfHeaderName)) {
		return nil
	}

	s.record(ctx, audit.EventForgeryRejected, &claims.UserID, map[string]any{"path": r.URL.Path})

	return apperrors.ErrForgeryCheckFailed
}

// Set session cookies to response
// Access and refresh cookies are HttpOnly, the anti-forgery cookie is
// readable: the page script has to echo it in the request header
func (s *AuthService) SetTokens(w http.ResponseWriter, pair models.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.accessCookieName,
		Value:    pair.Access.Value,
		Path:     "/",
		MaxAge:   cookieMaxAge(pair.Access.ExpiresAt),
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	// The refresh cookie is scoped tighter than the others: only the auth
	// endpoints ever need it and no cross site navigation should send it
	http.SetCookie(w, &http.Cookie{
		Name:     s.refreshCookieName,
		Value:    pair.Refresh.Value,
		Path:     refreshCookiePath,
		MaxAge:   cookieMaxAge(pair.Refresh.ExpiresAt),
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})

	http.SetCookie(w, &http.Cookie{
		Name:     s.csrfCookieName,
		Value:    pair.CSRF.Value,
		Path:     "/",
		MaxAge:   cookieMaxAge(pair.CSRF.ExpiresAt),
		HttpOnly: false,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// Expire all session cookies
func (s *AuthService) ClearTokens(w http.ResponseWriter) {
	expire := func(name string, path string, httpOnly bool) {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     path,
			MaxAge:   -1,
			HttpOnly: httpOnly,
			Secure:   s.secureCookies,
		})
	}

	expire(s.accessCookieName, "/", true)
	expire(s.refreshCookieName, refreshCookiePath, true)
	expire(s.csrfCookieName, "/", false)
}

// Get refresh token from request
func (s *AuthService) GetRefresh(r *http.Request) (string, error) {
	cookie, err := r.Cookie(s.refreshCookieName)
	if err != nil {
		return "", fmt.Errorf("no refresh cookie: %w", apperrors.ErrRefreshTokenNotFound)
	}

	return cookie.Value, nil
}

// Get anti-forgery token from request
func (s *AuthService) GetCSRF(r *http.Request) (string, error) {
	cookie, err := r.Cookie(s.csrfCookieName)
	if err != nil {
		return "", fmt.Errorf("no csrf cookie: %w", apperrors.ErrForgeryCheckFailed)
	}

	return cookie.Value, nil
}

// Arm the request with full session artifact set: cookies and the
// anti-forgery header. Handy in tests and internal clients
func (s *AuthService) SetTokensToRequest(r *http.Request, pair models.TokenPair) {
	r.AddCookie(&http.Cookie{Name: s.accessCookieName, Value: pair.Access.Value})
	r.AddCookie(&http.Cookie{Name: s.refreshCookieName, Value: pair.Refresh.Value})
	r.AddCookie(&http.Cookie{Name: s.csrfCookieName, Value: pair.CSRF.Value})
	r.Header.Set(s.csrfHeaderName, pair.CSRF.Value)
}

func (s *AuthService) record(ctx context.Context, event string, actorID *uuid.UUID, detail map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, event, actorID, detail)
}

func cookieMaxAge(expiresAt time.Time) int {
	return int(time.Until(expiresAt).Seconds())
}
