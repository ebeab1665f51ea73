package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/teamtide/teamtide/internal/apperrors"
	"github.com/teamtide/teamtide/internal/handlers/authctx"
	"github.com/teamtide/teamtide/internal/handlers/render"
	"github.com/teamtide/teamtide/internal/models"
)

type AdminHandler struct {
	userService  userService
	auditService auditService
}

func NewAdminHandler(users userService, audits auditService) *AdminHandler {
	return &AdminHandler{
		userService:  users,
		auditService: audits,
	}
}

func (h *AdminHandler) listUsers(w http.ResponseWriter, r *http.Request) {
	type UserData struct {
		ID        uuid.UUID   `json:"id"`
		Username  string      `json:"username"`
		Role      models.Role `json:"role"`
		Active    bool        `json:"active"`
		CreatedAt time.Time   `json:"created_at"`
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		render.ServiceError(w, "Invalid limit", http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		render.ServiceError(w, "Invalid offset", http.StatusBadRequest)
		return
	}

	users, err := h.userService.List(r.Context(), limit, offset)
	if err != nil {
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	items := make([]UserData, 0, len(users))
	for _, u := range users {
		items = append(items, UserData{
			ID:        u.ID,
			Username:  u.Username,
			Role:      u.Role,
			Active:    u.Active,
			CreatedAt: u.CreatedAt,
		})
	}

	render.JSON(w, items)
}

func (h *AdminHandler) updateUser(w http.ResponseWriter, r *http.Request) {
	type UpdateUserRequest struct {
		Role   *string `json:"role" validate:"omitempty,oneof=member admin"`
		Active *bool   `json:"active"`
	}
	type UserData struct {
		ID        uuid.UUID   `json:"id"`
		Username  string      `json:"username"`
		Role      models.Role `json:"role"`
		Active    bool        `json:"active"`
		CreatedAt time.Time   `json:"created_at"`
	}

	userID, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		render.ServiceError(w, "Not found", http.StatusNotFound)
		return
	}

	data, err := render.BindAndValidate[UpdateUserRequest](w, r)
	if err != nil {
		return
	}

	if data.Role == nil && data.Active == nil {
		render.ServiceError(w, "Nothing to update", http.StatusBadRequest)
		return
	}

	p, _ := authctx.FromContext(r.Context())

	var user models.User
	if data.Role != nil {
		user, err = h.userService.SetRole(r.Context(), p.UserID, userID, models.Role(*data.Role))
		if err != nil {
			renderUserUpdateError(w, err)
			return
		}
	}
	if data.Active != nil {
		user, err = h.userService.SetActive(r.Context(), p.UserID, userID, *data.Active)
		if err != nil {
			renderUserUpdateError(w, err)
			return
		}
	}

	render.JSON(w, UserData{
		ID:        user.ID,
		Username:  user.Username,
		Role:      user.Role,
		Active:    user.Active,
		CreatedAt: user.CreatedAt,
	})
}

func (h *AdminHandler) listAudit(w http.ResponseWriter, r *http.Request) {
	type EventData struct {
		ID        uuid.UUID      `json:"id"`
		CreatedAt time.Time      `json:"created_at"`
		ActorID   *uuid.UUID     `json:"actor_id,omitempty"`
		Event     string         `json:"event"`
		Detail    map[string]any `json:"detail,omitempty"`
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		render.ServiceError(w, "Invalid limit", http.StatusBadRequest)
		return
	}

	events, err := h.auditService.ListRecent(r.Context(), limit)
	if err != nil {
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	items := make([]EventData, 0, len(events))
	for _, e := range events {
		items = append(items, EventData{
			ID:        e.ID,
			CreatedAt: e.CreatedAt,
			ActorID:   e.ActorID,
			Event:     e.Event,
			Detail:    e.Detail,
		})
	}

	render.JSON(w, items)
}

func renderUserUpdateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		render.ServiceError(w, "Not found", http.StatusNotFound)
	default:
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, name string) (int, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}
