package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/teamtide/teamtide/internal/handlers/middleware"
	"github.com/teamtide/teamtide/internal/handlers/render"
	"github.com/teamtide/teamtide/internal/logger"
	"github.com/teamtide/teamtide/internal/metrics"
	"github.com/teamtide/teamtide/internal/models"
	"github.com/teamtide/teamtide/internal/service/auth/tokenmanager"
	"github.com/teamtide/teamtide/internal/service/rbac"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(
	authService authService,
	userService userService,
	apikeyService apikeyService,
	auditService auditService,
	authz authorizer,
	m *metrics.Metrics,
	limiter *middleware.RateLimit,
	l logger.Logger,
) http.Handler {
	authMw := middleware.NewAuth(authService, apikeyService)
	withAuth := func(h http.Handler) http.Handler {
		return chain(h, authMw.Auth, authMw.RequireCSRF)
	}
	requires := func(cap rbac.Capability) func(http.Handler) http.Handler {
		return middleware.RequireCapability(authz, cap)
	}

	authHandler := NewAuthHandler(authService, limiter)
	userHandler := NewUserHandler(authService)
	keysHandler := NewAPIKeysHandler(apikeyService)
	adminHandler := NewAdminHandler(userService, auditService)

	apiuser := http.NewServeMux()
	apiuser.HandleFunc("GET /me", userHandler.me)
	apiuser.HandleFunc("POST /password", userHandler.changePassword)
	apiuser.Handle("POST /keys", chain(http.HandlerFunc(keysHandler.create), requires(rbac.CapKeysManage)))
	apiuser.Handle("GET /keys", chain(http.HandlerFunc(keysHandler.list), requires(rbac.CapKeysManage)))
	apiuser.Handle("DELETE /keys/{keyID}", chain(http.HandlerFunc(keysHandler.revoke), requires(rbac.CapKeysManage)))

	// Denied and unknown admin paths answer the same 404: the admin
	// surface can not be mapped without the capabilities
	apiadmin := http.NewServeMux()
	apiadmin.Handle("GET /users", chain(http.HandlerFunc(adminHandler.listUsers), requires(rbac.CapUsersReadAll)))
	apiadmin.Handle("PATCH /users/{userID}", chain(http.HandlerFunc(adminHandler.updateUser), requires(rbac.CapUsersManage)))
	apiadmin.Handle("GET /audit", chain(http.HandlerFunc(adminHandler.listAudit), requires(rbac.CapAuditRead)))
	apiadmin.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		render.ServiceError(w, "Not found", http.StatusNotFound)
	})

	root := http.NewServeMux()
	root.Handle("/auth/", http.StripPrefix("/auth", authHandler.Handler()))
	root.Handle("/api/user/", withAuth(http.StripPrefix("/api/user", apiuser)))
	root.Handle("/api/admin/", withAuth(http.StripPrefix("/api/admin", apiadmin)))
	root.Handle("GET /metrics", m.Handler())

	handler := chain(root,
		m.Instrument,
		middleware.LoggerMiddleware(l),
	)

	return handler
}

type authService interface {
	// Register user with username and password
	// Has to return apperrors.ErrUserAlreadyExists if user already exists
	Register(ctx context.Context, username string, password string) (models.User, models.TokenPair, error)

	// Login user with username and password
	// Has to return apperrors.ErrUserNotFound if user not found or the
	// password does not match
	Login(ctx context.Context, username string, password string) (models.User, models.TokenPair, error)

	// Exchange refresh token for a fresh artifact set
	Refresh(ctx context.Context, refresh string) (models.User, models.TokenPair, error)

	// Revoke the presented refresh token, idempotent
	Logout(ctx context.Context, refresh string) error

	// Change password and revoke other sessions, returns the pair for
	// the calling one
	ChangePassword(ctx context.Context, userID uuid.UUID, oldPassword string, newPassword string) (models.TokenPair, error)

	GetUser(ctx context.Context, userID uuid.UUID) (models.User, error)

	// Authenticate request by its session cookie
	Authenticate(ctx context.Context, r *http.Request) (models.User, tokenmanager.AccessTokenClaims, error)

	// Check the anti-forgery token of a state-changing request
	CheckCSRF(ctx context.Context, r *http.Request, claims tokenmanager.AccessTokenClaims) error

	// Set session cookies to response
	SetTokens(w http.ResponseWriter, pair models.TokenPair)

	// Expire session cookies
	ClearTokens(w http.ResponseWriter)

	// Get refresh token from request
	GetRefresh(r *http.Request) (string, error)

	// Get anti-forgery token from request
	GetCSRF(r *http.Request) (string, error)
}

type userService interface {
	List(ctx context.Context, limit int, offset int) ([]models.User, error)
	SetRole(ctx context.Context, actorID uuid.UUID, userID uuid.UUID, role models.Role) (models.User, error)
	SetActive(ctx context.Context, actorID uuid.UUID, userID uuid.UUID, active bool) (models.User, error)
}

type apikeyService interface {
	// Issue mints a key for the user, the token is returned exactly once
	Issue(ctx context.Context, userID uuid.UUID, name string, ttl time.Duration) (string, models.APIKey, error)

	// Verify a presented token and resolve its owner
	Verify(ctx context.Context, token string) (models.User, models.APIKey, error)

	// Revoke the user's key
	// Has to return apperrors.ErrAPIKeyNotFound for foreign or unknown keys
	Revoke(ctx context.Context, userID uuid.UUID, keyID uuid.UUID) error

	List(ctx context.Context, userID uuid.UUID) ([]models.APIKey, error)
}

type auditService interface {
	ListRecent(ctx context.Context, limit int) ([]models.AuditEvent, error)
}

type authorizer interface {
	Can(role models.Role, cap rbac.Capability) bool
}
