package session

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/teamtide/teamtide/internal/models"
	"github.com/teamtide/teamtide/internal/testutil"
	"github.com/teamtide/teamtide/tests/e2e"
)

const (
	MeURL        = "/api/user/me"
	PasswordURL  = "/api/user/password"
	CSRFTokenURL = "/auth/csrf-token"
)

func Test_Session(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	e2e.ServeWithTx(pg.Pool, t, func(tx pgx.Tx, srvURL string, s e2e.Services) {
		newRequest := func(t *testing.T, method string, url string, body string, pair models.TokenPair) *http.Request {
			t.Helper()

			req, err := http.NewRequest(method, url, strings.NewReader(body))
			require.NoError(t, err)
			req.Header.Set("Content-Type", "application/json")
			s.AuthService.SetTokensToRequest(req, pair)
			return req
		}

		t.Run("me returns the session owner", func(t *testing.T) {
			testutil.WithTx(tx, t, func(_ pgx.Tx) {
				user, pair, err := s.AuthService.Register(t.Context(), "marusia", "StrongEnoughPassword")
				require.NoError(t, err)

				resp, err := http.DefaultClient.Do(newRequest(t, http.MethodGet, srvURL+MeURL, "", pair))
				require.NoError(t, err)
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				defer func() { _ = resp.Body.Close() }()

				require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", string(body))

				var got struct {
					ID       string `json:"id"`
					Username string `json:"username"`
					Role     string `json:"role"`
				}
				require.NoError(t, json.Unmarshal(body, &got))
				require.Equal(t, user.ID.String(), got.ID)
				require.Equal(t, "marusia", got.Username)
				require.Equal(t, "member", got.Role)
			})
		})

		t.Run("me without session fails", func(t *testing.T) {
			testutil.WithTx(tx, t, func(_ pgx.Tx) {
				resp, err := http.Get(srvURL + MeURL)
				require.NoError(t, err)
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				defer func() { _ = resp.Body.Close() }()

				require.Equalf(t, http.StatusUnauthorized, resp.StatusCode, "not expected code. Body: %s", string(body))
				require.JSONEq(t, `
					{
						"error": "service_error",
						"message": "Authentication required"
					}`, string(body))
			})
		})

		t.Run("state changing request without csrf header fails", func(t *testing.T) {
			testutil.WithTx(tx, t, func(_ pgx.Tx) {
				_, pair, err := s.AuthService.Register(t.Context(), "marusia", "StrongEnoughPassword")
				require.NoError(t, err)

				data := `{"old_password": "StrongEnoughPassword", "new_password": "EvenStrongerPassword"}`
				req := newRequest(t, http.MethodPost, srvURL+PasswordURL, data, pair)
				req.Header.Del("X-CSRF-Token")

				resp, err := http.DefaultClient.Do(req)
				require.NoError(t, err)
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				defer func() { _ = resp.Body.Close() }()

				require.Equalf(t, http.StatusForbidden, resp.StatusCode, "not expected code. Body: %s", string(body))
				require.JSONEq(t, `
					{
						"error": "service_error",
						"message": "Forgery check failed"
					}`, string(body))
			})
		})

		t.Run("csrf token of another session fails", func(t *testing.T) {
			testutil.WithTx(tx, t, func(_ pgx.Tx) {
				_, pair, err := s.AuthService.Register(t.Context(), "marusia", "StrongEnoughPassword")
				require.NoError(t, err)
				_, otherPair, err := s.AuthService.Login(t.Context(), "marusia", "StrongEnoughPassword")
				require.NoError(t, err)

				data := `{"old_password": "StrongEnoughPassword", "new_password": "EvenStrongerPassword"}`
				req := newRequest(t, http.MethodPost, srvURL+PasswordURL, data, pair)
				req.Header.Set("X-CSRF-Token", otherPair.CSRF.Value)

				resp, err := http.DefaultClient.Do(req)
				require.NoError(t, err)
				defer func() { _ = resp.Body.Close() }()

				require.Equal(t, http.StatusForbidden, resp.StatusCode, "anti-forgery token is bound to its own session")
			})
		})

		t.Run("csrf token endpoint echoes the bound token", func(t *testing.T) {
			testutil.WithTx(tx, t, func(_ pgx.Tx) {
				_, pair, err := s.AuthService.Register(t.Context(), "marusia", "StrongEnoughPassword")
				require.NoError(t, err)

				resp, err := http.DefaultClient.Do(newRequest(t, http.MethodGet, srvURL+CSRFTokenURL, "", pair))
				require.NoError(t, err)
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				defer func() { _ = resp.Body.Close() }()

				require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", string(body))

				var got struct {
					CSRFToken string `json:"csrf_token"`
				}
				require.NoError(t, json.Unmarshal(body, &got))
				require.Equal(t, pair.CSRF.Value, got.CSRFToken)
			})
		})

		t.Run("change password rotates session and kills the others", func(t *testing.T) {
			testutil.WithTx(tx, t, func(_ pgx.Tx) {
				_, pair, err := s.AuthService.Register(t.Context(), "marusia", "StrongEnoughPassword")
				require.NoError(t, err)
				_, otherPair, err := s.AuthService.Login(t.Context(), "marusia", "StrongEnoughPassword")
				require.NoError(t, err)

				data := `{"old_password": "StrongEnoughPassword", "new_password": "EvenStrongerPassword"}`
				resp, err := http.DefaultClient.Do(newRequest(t, http.MethodPost, srvURL+PasswordURL, data, pair))
				require.NoError(t, err)
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				defer func() { _ = resp.Body.Close() }()

				require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", string(body))
				require.Contains(t, string(body), "Password changed successfully")
				require.Equal(t, 3, len(resp.Cookies()), "calling session should be rotated in place")

				// Other session lost its refresh token
				_, _, err = s.AuthService.Refresh(t.Context(), otherPair.Refresh.Value)
				require.Error(t, err, "other sessions should not refresh after password change")

				// New password works, old one does not
				_, _, err = s.AuthService.Login(t.Context(), "marusia", "EvenStrongerPassword")
				require.NoError(t, err)
				_, _, err = s.AuthService.Login(t.Context(), "marusia", "StrongEnoughPassword")
				require.Error(t, err)
			})
		})

		t.Run("wrong old password fails", func(t *testing.T) {
			testutil.WithTx(tx, t, func(_ pgx.Tx) {
				_, pair, err := s.AuthService.Register(t.Context(), "marusia", "StrongEnoughPassword")
				require.NoError(t, err)

				data := `{"old_password": "NotMyPassword", "new_password": "EvenStrongerPassword"}`
				resp, err := http.DefaultClient.Do(newRequest(t, http.MethodPost, srvURL+PasswordURL, data, pair))
				require.NoError(t, err)
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				defer func() { _ = resp.Body.Close() }()

				require.Equalf(t, http.StatusBadRequest, resp.StatusCode, "not expected code. Body: %s", string(body))
				require.JSONEq(t, `
					{
						"error": "service_error",
						"message": "Password mismatch"
					}`, string(body))
			})
		})
	})
}
