package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/teamtide/teamtide/internal/apperrors"
	"github.com/teamtide/teamtide/internal/handlers/authctx"
	"github.com/teamtide/teamtide/internal/handlers/render"
)

type APIKeysHandler struct {
	apikeyService apikeyService
}

func NewAPIKeysHandler(apikeys apikeyService) *APIKeysHandler {
	return &APIKeysHandler{apikeyService: apikeys}
}

func (h *APIKeysHandler) create(w http.ResponseWriter, r *http.Request) {
	type CreateKeyRequest struct {
		Name string `json:"name" validate:"required,min=1,max=100"`

		// Optional lifetime as a Go duration string, e.g. "720h"
		TTL string `json:"ttl" validate:"omitempty"`
	}
	type KeyData struct {
		ID        uuid.UUID `json:"id"`
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"created_at"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	type CreateKeyResponse struct {
		Token string  `json:"token"`
		Key   KeyData `json:"key"`
	}

	data, err := render.BindAndValidate[CreateKeyRequest](w, r)
	if err != nil {
		return
	}

	var ttl time.Duration
	if data.TTL != "" {
		ttl, err = time.ParseDuration(data.TTL)
		if err != nil || ttl <= 0 {
			render.ServiceError(w, "Invalid ttl", http.StatusBadRequest)
			return
		}
	}

	p, _ := authctx.FromContext(r.Context())

	token, key, err := h.apikeyService.Issue(r.Context(), p.UserID, data.Name, ttl)
	if err != nil {
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// The token value is shown here and never again
	render.JSON(w, CreateKeyResponse{
		Token: token,
		Key: KeyData{
			ID:        key.ID,
			Name:      key.Name,
			CreatedAt: key.CreatedAt,
			ExpiresAt: key.ExpiresAt,
		},
	})
}

func (h *APIKeysHandler) list(w http.ResponseWriter, r *http.Request) {
	type KeyData struct {
		ID         uuid.UUID  `json:"id"`
		Name       string     `json:"name"`
		CreatedAt  time.Time  `json:"created_at"`
		ExpiresAt  time.Time  `json:"expires_at"`
		LastUsedAt *time.Time `json:"last_used_at,omitempty"`
		RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	}

	p, _ := authctx.FromContext(r.Context())

	keys, err := h.apikeyService.List(r.Context(), p.UserID)
	if err != nil {
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	items := make([]KeyData, 0, len(keys))
	for _, k := range keys {
		items = append(items, KeyData{
			ID:         k.ID,
			Name:       k.Name,
			CreatedAt:  k.CreatedAt,
			ExpiresAt:  k.ExpiresAt,
			LastUsedAt: k.LastUsedAt,
			RevokedAt:  k.RevokedAt,
		})
	}

	render.JSON(w, items)
}

func (h *APIKeysHandler) revoke(w http.ResponseWriter, r *http.Request) {
	type RevokeSuccessResponse struct {
		Message string `json:"message"`
	}

	keyID, err := uuid.Parse(r.PathValue("keyID"))
	if err != nil {
		render.ServiceError(w, "Not found", http.StatusNotFound)
		return
	}

	p, _ := authctx.FromContext(r.Context())

	// Scoped to the caller: a foreign key id comes back as not found
	err = h.apikeyService.Revoke(r.Context(), p.UserID, keyID)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrAPIKeyNotFound):
			render.ServiceError(w, "Not found", http.StatusNotFound)
		default:
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	render.JSON(w, RevokeSuccessResponse{Message: "API key revoked"})
}
