package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/decx/relay-server/internal/auth"
	"github.com/decx/relay-server/internal/config"
	"github.com/decx/relay-server/internal/registry"
	"github.com/decx/relay-server/internal/relay"
	"github.com/decx/relay-server/internal/store"
	"github.com/decx/relay-server/internal/store/sqlite"
	transporthttp "github.com/decx/relay-server/internal/transport/http"
)

// App wires the registry, dispatcher, store and transport together.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	registry        *registry.Registry
	store           store.Store
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      24 * time.Hour,
	}

	reg := registry.New()
	dispatcher := relay.NewDispatcher(reg, logger)
	relay.NewChatHandlers(st, dispatcher, logger).Register()

	if cfg.InternalSecret == "" {
		logger.Warn().Msg("internal_secret not configured; ingress endpoint will refuse requests")
	}

	server := transporthttp.NewServer(*cfg, reg, dispatcher, st, jwtConfig, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		registry:        reg,
		store:           st,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Int("connections", a.registry.Len()).Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes the database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
