// Package core provides the API chassis for the billing service. It builds a
// chi router and enforces cross-cutting concerns (recovery, request IDs,
// logging, CORS, authentication, throttling and error rendering) before
// requests reach the domain handlers.
package core

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Kre8ivTech/client-portal-sub003/internal/config"
)

// RouteRegistrar mounts a group of domain routes under /v1.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the dependencies of the HTTP API so tests can inject
// fakes and binaries can wire production implementations.
type Server struct {
	Config         *config.Config
	Logger         *slog.Logger
	Validator      *Validator
	Authenticator  Authenticator
	RateLimitStore RateLimitStore
	HealthProbes   []HealthProbe

	// V1RouteRegistrars are populated by the entry point. The indirection
	// keeps core free of handler imports.
	V1RouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer validates critical dependencies and prepares an empty router.
// Routes are mounted by MountRoutes once all registrars are set.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}
