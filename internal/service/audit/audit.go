package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teamtide/teamtide/internal/logger"
	"github.com/teamtide/teamtide/internal/models"
	"github.com/teamtide/teamtide/internal/repository"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Recorded security events
const (
	EventUserRegistered         = "user.registered"
	EventLoginRejected          = "login.rejected"
	EventSessionIssued          = "session.issued"
	EventSessionRefreshed       = "session.refreshed"
	EventSessionRefreshRejected = "session.refresh_rejected"
	EventSessionRevoked         = "session.revoked"
	EventPasswordChanged        = "user.password_changed"
	EventForgeryRejected        = "forgery.rejected"
	EventAPIKeyIssued           = "apikey.issued"
	EventAPIKeyRevoked          = "apikey.revoked"
	EventRoleChanged            = "user.role_changed"
	EventUserDeactivated        = "user.deactivated"
	EventUserActivated          = "user.activated"
)

// Recorder persists security events
// Recording is best effort: failures are logged and never propagate,
// an audit outage must not take authentication down with it
type Recorder struct {
	repo   repository.AuditRepo
	logger logger.Logger
}

func NewRecorder(repo repository.AuditRepo, l logger.Logger) *Recorder {
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	return &Recorder{
		repo:   repo,
		logger: l,
	}
}

func (r *Recorder) Record(ctx context.Context, event string, actorID *uuid.UUID, detail map[string]any) {
	// Keep writing even when the request context is already done
	ctx = context.WithoutCancel(ctx)

	err := r.repo.Save(ctx, models.AuditEvent{
		ID:        uuid.New(),
		CreatedAt: time.Now(),
		ActorID:   actorID,
		Event:     event,
		Detail:    detail,
	})
	if err != nil {
		r.logger.Error("audit event not recorded", "event", event, "error", err)
	}
}

func (r *Recorder) ListRecent(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	return r.repo.ListRecent(ctx, limit)
}
