package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/teamtide/teamtide/internal/db"
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
)

// How often expired refresh tokens are swept from the database
const tokenCleanupPeriod = time.Hour

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	storage repository.Storage
	logger  logger.Logger
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	// Initialize logger
	l, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}

	// Initialize repositories
	storage := postgres.NewStorage(pool)

	// Initialize services
	recorder := audit.NewRecorder(storage.Audit(), l)

	tokenManager, err := tokenmanager.New(tokenmanager.Config{
		SecretKey:  c.SecretKey,
		AccessTTL:  c.AccessTTL,
		RefreshTTL: c.RefreshTTL,
	}, storage.Refresh())
	if err != nil {
		return nil, fmt.Errorf("error while creating token manager. Err: %w", err)
	}

	authService, err := auth.NewService(auth.Config{
		SecureCookies: c.SecureCookies,
		Audit:         recorder,
	}, tokenManager, storage)
	if err != nil {
		return nil, fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	keys, generated, err := signer.LoadOrGenerate(c.KeysDir)
	if err != nil {
		return nil, fmt.Errorf("error while loading api key signing keypair. Err: %w", err)
	}
	if generated {
		l.Info("api key signing keypair generated", "dir", c.KeysDir)
	}

	apikeyService, err := apikey.NewService(apikey.Config{Audit: recorder}, keys, storage)
	if err != nil {
		return nil, fmt.Errorf("error while creating api key service. Err: %w", err)
	}

	userService := user.NewService(storage, recorder)

	mux := handlers.NewRouter(
		authService,
		userService,
		apikeyService,
		recorder,
		rbac.New(),
		metrics.New(),
		middleware.NewRateLimit(c.LoginRate, c.LoginBurst),
		l,
	)

	return &ServerApp{
		ListenAddr: c.ListenAddr,
		Handler:    mux,
		storage:    storage,
		logger:     l,
	}, nil
}

// Run starts http server and closes gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Handler,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go s.cleanupExpiredTokens(srvCtx)

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); err == context.DeadlineExceeded {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "addr", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	return err
}

// Sweep refresh tokens that are past their expiry so the table does not grow forever
func (s *ServerApp) cleanupExpiredTokens(ctx context.Context) {
	ticker := time.NewTicker(tokenCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.storage.Refresh().DeleteExpired(ctx, time.Now())
			if err != nil {
				s.logger.Error("failed to delete expired refresh tokens", "error", err.Error())
				continue
			}
			if deleted > 0 {
				s.logger.Info("expired refresh tokens deleted", "count", deleted)
			}
		}
	}
}
