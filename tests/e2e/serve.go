package e2e

import (
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stretchr/testify/require"

	"github.com/teamtide/teamtide/internal/handlers"
	"github.com/teamtide/teamtide/internal/handlers/middleware"
	"github.com/teamtide/teamtide/internal/logger"
	"github.com/teamtide/teamtide/internal/metrics"
	"github.com/teamtide/teamtide/internal/repository"
	"github.com/teamtide/teamtide/internal/repository/postgres"
	"github.com/teamtide/teamtide/internal/service/apikey"
	"github.com/teamtide/teamtide/internal/service/apikey/signer"
	"github.com/teamtide/teamtide/internal/service/audit"
	"github.com/teamtide/teamtide/internal/service/auth"
	"github.com/teamtide/teamtide/internal/service/auth/tokenmanager"
	"github.com/teamtide/teamtide/internal/service/rbac"
	"github.com/teamtide/teamtide/internal/service/user"
	"github.com/teamtide/teamtide/internal/testutil"
)

type Services struct {
	Storage       repository.Storage
	AuthService   *auth.AuthService
	UserService   *user.UserService
	APIKeyService *apikey.Service
}

// Create db transaction and run server with that connection (one connection cause one transaction)
// The created transaction passed to inner function: so, you can safely use testutil.WithTx with it
func ServeWithTx(dbpool *pgxpool.Pool, t *testing.T, fn func(tx pgx.Tx, srvURL string, services Services)) {
	testutil.WithTx(dbpool, t, func(tx pgx.Tx) {
		// Initialize repositories
		storage := postgres.NewStorage(tx)
		recorder := audit.NewRecorder(storage.Audit(), nil)

		// Initialize services
		tokenManager, err := tokenmanager.New(tokenmanager.Config{SecretKey: "test-secret"}, storage.Refresh())
		require.NoError(t, err, "token manager should be created without errors")

		authService, err := auth.NewService(auth.Config{Audit: recorder}, tokenManager, storage)
		require.NoError(t, err, "auth service starting error", err)

		keys, err := signer.Generate()
		require.NoError(t, err, "signing keypair should be generated without errors")

		apikeyService, err := apikey.NewService(apikey.Config{Audit: recorder}, keys, storage)
		require.NoError(t, err, "apikey service starting error", err)

		userService := user.NewService(storage, recorder)

		// Complete all together as router
		// Limits are generous, flow tests log in many times in a row
		router := handlers.NewRouter(
			authService,
			userService,
			apikeyService,
			recorder,
			rbac.New(),
			metrics.New(),
			middleware.NewRateLimit(1000, 1000),
			logger.NewNoOpLogger(),
		)

		// Run http server with the router in transaction
		srv := httptest.NewServer(router)
		defer srv.Close()

		fn(tx, srv.URL, Services{
			Storage:       storage,
			AuthService:   authService,
			UserService:   userService,
			APIKeyService: apikeyService,
		})
	})
}
