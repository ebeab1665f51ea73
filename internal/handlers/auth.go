package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/teamtide/teamtide/internal/apperrors"
	"github.com/teamtide/teamtide/internal/handlers/middleware"
	"github.com/teamtide/teamtide/internal/handlers/render"
	"github.com/teamtide/teamtide/internal/models"
)

type AuthHandler struct {
	authService authService

	// Optional limiter for the credential endpoints
	limiter *middleware.RateLimit
}

func NewAuthHandler(auth authService, limiter *middleware.RateLimit) *AuthHandler {
	return &AuthHandler{
		authService: auth,
		limiter:     limiter,
	}
}

func (h *AuthHandler) Handler() http.Handler {
	limited := func(next http.Handler) http.Handler {
		if h.limiter == nil {
			return next
		}
		return h.limiter.Limit(next)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", h.register)
	mux.Handle("POST /login", limited(http.HandlerFunc(h.login)))
	mux.Handle("POST /refresh", limited(http.HandlerFunc(h.refresh)))
	mux.HandleFunc("POST /logout", h.logout)
	mux.HandleFunc("GET /csrf-token", h.csrfToken)

	return mux
}

// Resolved principal as the session endpoints report it
type sessionUser struct {
	ID       uuid.UUID   `json:"id"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
	Active   bool        `json:"active"`
}

func sessionUserData(u models.User) sessionUser {
	return sessionUser{
		ID:       u.ID,
		Username: u.Username,
		Role:     u.Role,
		Active:   u.Active,
	}
}

func (h *AuthHandler) register(w http.ResponseWriter, r *http.Request) {
	type RegisterRequest struct {
		Username string `json:"username" validate:"required,min=2,max=50"`
		Password string `json:"password" validate:"required,min=8"`
	}
	type RegisterSuccessResponse struct {
		Message string      `json:"message"`
		User    sessionUser `json:"user"`
	}

	data, err := render.BindAndValidate[RegisterRequest](w, r)
	if err != nil {
		// Consider to log errors here
		return
	}

	user, pair, err := h.authService.Register(r.Context(), data.Username, data.Password)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrUserAlreadyExists):
			render.ServiceError(w, "User already exists", http.StatusConflict)
		default:
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.authService.SetTokens(w, pair)
	render.JSON(w, RegisterSuccessResponse{
		Message: "User registered successfully",
		User:    sessionUserData(user),
	})
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	type LoginRequest struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	type LoginSuccessResponse struct {
		Message string      `json:"message"`
		User    sessionUser `json:"user"`
	}

	data, err := render.BindAndValidate[LoginRequest](w, r)
	if err != nil {
		// Consider to log errors here
		return
	}

	user, pair, err := h.authService.Login(r.Context(), data.Username, data.Password)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrUserNotFound):
			render.ServiceError(w, "User not found", http.StatusUnauthorized)
		default:
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.authService.SetTokens(w, pair)
	render.JSON(w, LoginSuccessResponse{
		Message: "User logged in successfully",
		User:    sessionUserData(user),
	})
}

func (h *AuthHandler) refresh(w http.ResponseWriter, r *http.Request) {
	type RefreshSuccessResponse struct {
		Message string      `json:"message"`
		User    sessionUser `json:"user"`
	}

	refresh, err := h.authService.GetRefresh(r)
	if err != nil {
		render.ServiceError(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	user, pair, err := h.authService.Refresh(r.Context(), refresh)
	if err != nil {
		// Unknown, used, revoked and expired tokens all look the same
		// to the caller, the reason goes to logs and audit only
		render.ServiceError(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	h.authService.SetTokens(w, pair)
	render.JSON(w, RefreshSuccessResponse{
		Message: "Tokens refreshed successfully",
		User:    sessionUserData(user),
	})
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	type LogoutSuccessResponse struct {
		Message string `json:"message"`
	}

	// No refresh cookie is fine: logout must work for a clean browser too
	if refresh, err := h.authService.GetRefresh(r); err == nil {
		if err := h.authService.Logout(r.Context(), refresh); err != nil {
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}

	h.authService.ClearTokens(w)
	render.JSON(w, LogoutSuccessResponse{Message: "User logged out successfully"})
}

// Hand out the anti-forgery token bound to the calling session.
// The value is also readable from the cookie directly, this endpoint
// exists for clients that keep cookies opaque.
func (h *AuthHandler) csrfToken(w http.ResponseWriter, r *http.Request) {
	type CSRFTokenResponse struct {
		CSRFToken string `json:"csrf_token"`
	}

	_, claims, err := h.authService.Authenticate(r.Context(), r)
	if err != nil {
		render.ServiceError(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	token, err := h.authService.GetCSRF(r)
	if err != nil || !claims.MatchCSRF(token) {
		// A token from before the last rotation is dead
		render.ServiceError(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	render.JSON(w, CSRFTokenResponse{CSRFToken: token})
}
