package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/teamtide/teamtide/internal/apperrors"
	"github.com/teamtide/teamtide/internal/handlers/authctx"
	"github.com/teamtide/teamtide/internal/handlers/render"
	"github.com/teamtide/teamtide/internal/models"
)

type UserHandler struct {
	authService authService
}

func NewUserHandler(auth authService) *UserHandler {
	return &UserHandler{authService: auth}
}

func (h *UserHandler) me(w http.ResponseWriter, r *http.Request) {
	type response struct {
		ID        uuid.UUID   `json:"id"`
		Username  string      `json:"username"`
		Role      models.Role `json:"role"`
		CreatedAt time.Time   `json:"created_at"`
	}

	p, _ := authctx.FromContext(r.Context())

	user, err := h.authService.GetUser(r.Context(), p.UserID)
	if err != nil {
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	render.JSON(w, response{
		ID:        user.ID,
		Username:  user.Username,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
	})
}

func (h *UserHandler) changePassword(w http.ResponseWriter, r *http.Request) {
	type ChangePasswordRequest struct {
		OldPassword string `json:"old_password" validate:"required"`
		NewPassword string `json:"new_password" validate:"required,min=8"`
	}
	type ChangePasswordSuccessResponse struct {
		Message string `json:"message"`
	}

	data, err := render.BindAndValidate[ChangePasswordRequest](w, r)
	if err != nil {
		return
	}

	p, _ := authctx.FromContext(r.Context())

	pair, err := h.authService.ChangePassword(r.Context(), p.UserID, data.OldPassword, data.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrPasswordMismatch):
			render.ServiceError(w, "Password mismatch", http.StatusBadRequest)
		default:
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	// Other sessions just lost their refresh tokens, this one rotates
	h.authService.SetTokens(w, pair)
	render.JSON(w, ChangePasswordSuccessResponse{Message: "Password changed successfully"})
}
