package authctx

import (
	"context"

	"github.com/google/uuid"

	"github.com/teamtide/teamtide/internal/models"
)

// Principal is the authenticated identity of a request. Built either
// from a verified session cookie or a personal API key.
type Principal struct {
	UserID   uuid.UUID
	Username string
	Role     models.Role
}

type ctxKey string

const principalKey ctxKey = "principal"

// Create a new context with the principal
func New(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// Extract the principal from the context
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
