package auth

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/teamtide/teamtide/internal/testutil"
	"github.com/teamtide/teamtide/tests/e2e"
)

const (
	RegisterURL = "/auth/register"
)

func Test_AuthRegister(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	e2e.ServeWithTx(pg.Pool, t, func(tx pgx.Tx, srvURL string, s e2e.Services) {
		t.Run("register ok", func(t *testing.T) {
			testutil.WithTx(tx, t, func(_ pgx.Tx) {
				data := `{"username": "marusia", "password": "StrongEnoughPassword"}`

				resp, err := http.Post(srvURL+RegisterURL, "application/json", strings.NewReader(data))
				require.NoError(t, err)
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				defer func() { _ = resp.Body.Close() }()

				require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", string(body))

				var got struct {
					Message string `json:"message"`
					User    struct {
						ID       uuid.UUID `json:"id"`
						Username string    `json:"username"`
						Role     string    `json:"role"`
						Active   bool      `json:"active"`
					} `json:"user"`
				}
				require.NoError(t, json.Unmarshal(body, &got))
				require.Equal(t, "User registered successfully", got.Message)
				require.NotEqual(t, uuid.Nil, got.User.ID)
				require.Equal(t, "marusia", got.User.Username)
				require.Equal(t, "member", got.User.Role, "new users start as members")
				require.True(t, got.User.Active)

				require.Equal(t, 3, len(resp.Cookies()), "session is three cookies: access, refresh and csrf")

				access := e2e.Cookie(t, resp, "access_token")
				require.True(t, access.HttpOnly, "access cookie should be HttpOnly")
				require.Equal(t, "/", access.Path)
				require.Equal(t, http.SameSiteLaxMode, access.SameSite)
				require.InDelta(t, (15 * time.Minute).Seconds(), access.MaxAge, 1, "max age should be access TTL with 1 second delta")
				require.NotEmpty(t, access.Value)

				refresh := e2e.Cookie(t, resp, "refresh_token")
				require.True(t, refresh.HttpOnly, "refresh cookie should be HttpOnly")
				require.Equal(t, "/auth", refresh.Path, "refresh cookie should be scoped to the auth endpoints")
				require.Equal(t, http.SameSiteStrictMode, refresh.SameSite, "refresh cookie should never ride a cross site navigation")
				require.InDelta(t, (30 * 24 * time.Hour).Seconds(), refresh.MaxAge, 1, "max age should be refresh TTL with 1 second delta")
				require.NotEmpty(t, refresh.Value)

				csrf := e2e.Cookie(t, resp, "csrf_token")
				require.False(t, csrf.HttpOnly, "csrf cookie must stay readable for the page script")
				require.Equal(t, "/", csrf.Path)
				require.NotEmpty(t, csrf.Value)
			})
		})

		t.Run("register existed user fails", func(t *testing.T) {
			testutil.WithTx(tx, t, func(_ pgx.Tx) {
				_, _, err := s.AuthService.Register(t.Context(), "marusia", "StrongEnoughPassword")
				require.NoError(t, err)

				data := `{"username": "marusia", "password": "StrongEnoughPassword"}`
				resp, err := http.Post(srvURL+RegisterURL, "application/json", strings.NewReader(data))
				require.NoError(t, err)
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				defer func() { _ = resp.Body.Close() }()

				require.Equalf(t, http.StatusConflict, resp.StatusCode, "not expected code. Body: %s", string(body))
				require.JSONEq(t, `
					{
						"error": "service_error",
						"message": "User already exists"
					}`, string(body))

				require.Equal(t, 0, len(resp.Cookies()), "no session should be issued on conflict")
			})
		})

		t.Run("register with short password fails", func(t *testing.T) {
			testutil.WithTx(tx, t, func(_ pgx.Tx) {
				data := `{"username": "marusia", "password": "short"}`

				resp, err := http.Post(srvURL+RegisterURL, "application/json", strings.NewReader(data))
				require.NoError(t, err)
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				defer func() { _ = resp.Body.Close() }()

				require.Equalf(t, http.StatusBadRequest, resp.StatusCode, "not expected code. Body: %s", string(body))
				require.JSONEq(t, `
					{
						"error": "validation_failed",
						"message": "Request validation failed",
						"fields": {
							"password": "Value is too short (minimum 8)"
						}
					}`, string(body))
			})
		})
	})
}
