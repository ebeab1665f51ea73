package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/teamtide/teamtide/internal/handlers/authctx"
	"github.com/teamtide/teamtide/internal/handlers/render"
	"github.com/teamtide/teamtide/internal/models"
	"github.com/teamtide/teamtide/internal/service/auth/tokenmanager"
)

const bearerScheme = "Bearer "

type sessionService interface {
	Authenticate(ctx context.Context, r *http.Request) (models.User, tokenmanager.AccessTokenClaims, error)
	CheckCSRF(ctx context.Context, r *http.Request, claims tokenmanager.AccessTokenClaims) error
}

type apikeyService interface {
	Verify(ctx context.Context, token string) (models.User, models.APIKey, error)
}

type ctxKey string

const claimsKey ctxKey = "sessionClaims"

type Auth struct {
	sessions sessionService
	apikeys  apikeyService
}

func NewAuth(sessions sessionService, apikeys apikeyService) *Auth {
	return &Auth{
		sessions: sessions,
		apikeys:  apikeys,
	}
}

// Auth authenticates the request and stores the principal in its context.
// Requests with a bearer token are treated as API key requests, everything
// else is session cookie auth. All failures get the same 401 body.
func (m *Auth) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, ok := bearerToken(r); ok {
			user, _, err := m.apikeys.Verify(r.Context(), token)
			if err != nil {
				render.ServiceError(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			ctx := authctx.New(r.Context(), principalOf(user))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		user, claims, err := m.sessions.Authenticate(r.Context(), r)
		if err != nil {
			render.ServiceError(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		// Session role is the one frozen into the token at issue time, a
		// promotion shows up when the next pair is issued. Deactivation
		// still applies immediately through the fresh row check above.
		p := authctx.Principal{
			UserID:   user.ID,
			Username: user.Username,
			Role:     models.Role(claims.Role),
		}

		ctx := authctx.New(r.Context(), p)
		ctx = context.WithValue(ctx, claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireCSRF enforces the double submit check on state changing verbs.
// Must run after Auth: session requests carry their parsed claims in the
// context, API key requests carry none and are exempt.
func (m *Auth) RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		claims, ok := r.Context().Value(claimsKey).(tokenmanager.AccessTokenClaims)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		if err := m.sessions.CheckCSRF(r.Context(), r, claims); err != nil {
			render.ServiceError(w, "Forgery check failed", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func principalOf(u models.User) authctx.Principal {
	return authctx.Principal{
		UserID:   u.ID,
		Username: u.Username,
		Role:     u.Role,
	}
}

func bearerToken(r *http.Request) (string, bool) {
	return strings.CutPrefix(r.Header.Get("Authorization"), bearerScheme)
}
