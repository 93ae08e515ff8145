// Package core is the HTTP chassis of the provisioning API. It builds a chi
// router usable both by net/http (local) and by the Lambda API Gateway
// adapter, and applies the cross-cutting middleware before requests reach
// the handlers.
package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"provisioner/internal/config"
)

// RouteRegistrar mounts a handler group on the root router.
type RouteRegistrar func(r chi.Router)

// Server holds the dependencies of the HTTP layer.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// RateLimitStore is optional; without it requests are not limited.
	RateLimitStore RateLimitStore
	HealthProbes   []HealthProbe
	// Registrars are applied in order by MountRoutes.
	Registrars []RouteRegistrar

	router *chi.Mux
}

// NewServer creates a Server. Routes are mounted separately by MountRoutes
// so tests can register their own.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
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
