package user

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/teamtide/teamtide/internal/models"
	"github.com/teamtide/teamtide/internal/repository"
	"github.com/teamtide/teamtide/internal/service/audit"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

type auditRecorder interface {
	Record(ctx context.Context, event string, actorID *uuid.UUID, detail map[string]any)
}

// User management service, the admin surface over user rows
type UserService struct {
	storage repository.Storage
	audit   auditRecorder
}

func NewService(storage repository.Storage, recorder auditRecorder) *UserService {
	return &UserService{
		storage: storage,
		audit:   recorder,
	}
}

func (s *UserService) List(ctx context.Context, limit int, offset int) ([]models.User, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	return s.storage.User().ListUsers(ctx, limit, offset)
}

// Change the user role.
// Live sessions keep the role frozen inside their access tokens, the
// new one applies when the next token pair is issued.
func (s *UserService) SetRole(ctx context.Context, actorID uuid.UUID, userID uuid.UUID, role models.Role) (models.User, error) {
	if !role.Valid() {
		return models.User{}, fmt.Errorf("unknown role %q", role)
	}

	user, err := s.storage.User().UpdateRole(ctx, userID, role)
	if err != nil {
		return models.User{}, err
	}

	s.record(ctx, audit.EventRoleChanged, &actorID, map[string]any{"user_id": userID.String(), "role": string(role)})

	return user, nil
}

// Activate or deactivate the user.
// Deactivation also revokes the user's live refresh tokens in the same
// transaction, the remaining access token dies at the next request.
func (s *UserService) SetActive(ctx context.Context, actorID uuid.UUID, userID uuid.UUID, active bool) (models.User, error) {
	var user models.User

	err := s.storage.InTx(ctx, func(st repository.Storage) error {
		var err error
		user, err = st.User().UpdateActive(ctx, userID, active)
		if err != nil {
			return err
		}

		if !active {
			_, err = st.Refresh().RevokeForUser(ctx, userID)
		}
		return err
	})
	if err != nil {
		return models.User{}, err
	}

	event := audit.EventUserActivated
	if !active {
		event = audit.EventUserDeactivated
	}
	s.record(ctx, event, &actorID, map[string]any{"user_id": userID.String()})

	return user, nil
}

func (s *UserService) record(ctx context.Context, event string, actorID *uuid.UUID, detail map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, event, actorID, detail)
}
