package middleware

import (
	"net/http"

	"github.com/teamtide/teamtide/internal/handlers/authctx"
	"github.com/teamtide/teamtide/internal/handlers/render"
	"github.com/teamtide/teamtide/internal/models"
	"github.com/teamtide/teamtide/internal/service/rbac"
)

type authorizer interface {
	Can(role models.Role, cap rbac.Capability) bool
}

// RequireCapability denies principals whose role lacks the capability.
// The deny body is the same 404 a missing resource would produce, so a
// caller can not probe which admin routes exist.
func RequireCapability(authz authorizer, cap rbac.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := authctx.FromContext(r.Context())
			if !ok || !authz.Can(p.Role, cap) {
				render.ServiceError(w, "Not found", http.StatusNotFound)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
