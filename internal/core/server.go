// Package core provides the HTTP chassis for the admin report API: a chi
// router with the cross-cutting middleware (panic recovery, request IDs,
// request logging, admin key authentication) applied before requests reach
// the lifecycle handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-multierror"

	"inactivity/internal/config"
)

// RouteRegistrar mounts a handler group on the /v1 router. Handler packages
// expose one so core does not import them.
type RouteRegistrar func(r chi.Router)

// Server encapsulates all dependencies for the admin API.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Validator    *Validator
	HealthProbes []HealthProbe

	V1RouteRegistrars []RouteRegistrar

	// Closers are released by Shutdown in order.
	Closers []func() error

	router *chi.Mux
}

// NewServer validates the critical dependencies and prepares an empty
// router. The caller mounts routes with MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if cfg.Server.AdminAPIKey.IsEmpty() && cfg.Environment != "local" {
		return nil, fmt.Errorf("ADMIN_API_KEY is required outside the local environment")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi.Mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases the registered closers and reports every failure.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var result *multierror.Error
	for _, closeFn := range s.Closers {
		if err := closeFn(); err != nil {
			s.Logger.ErrorContext(ctx, "error releasing server resource", "error", err)
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
