// Package core provides the API chassis for the MentorMail notification
// service. It creates a chi router, enforces cross-cutting concerns --
// recovery, request IDs, logging, signature verification -- before requests
// reach domain handlers, and hosts the health endpoint.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mentormail/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	// RecordRequest records latency and count for one completed request.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of domain handler routes onto the v1 router.
// The indirection keeps core free of handler imports.
type RouteRegistrar func(chi.Router)

// Server encapsulates the cross-cutting dependencies for the MentorMail API,
// allowing for easy injection during testing and distinct configuration for
// different environments.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector
	Signer    BodySigner

	// HealthProbes are executed by the /health endpoint.
	HealthProbes []HealthProbe

	// V1RouteRegistrars are populated by the application entry point.
	V1RouteRegistrars []RouteRegistrar

	// Internal router
	router *chi.Mux

	// closers are invoked during Shutdown, in registration order.
	closers []func() error
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. It performs a fail-fast check on critical
// configuration.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction. This separation allows tests to customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}

	return s, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// RegisterCloser adds a resource cleanup function run during Shutdown, such
// as closing the database pool.
func (s *Server) RegisterCloser(name string, close func() error) {
	s.closers = append(s.closers, func() error {
		if err := close(); err != nil {
			return fmt.Errorf("closing %s: %w", name, err)
		}
		return nil
	})
}

// Shutdown performs a graceful termination of server resources, invoking
// every registered closer. The first failure is returned after all closers
// have run.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var firstErr error
	for _, close := range s.closers {
		if err := close(); err != nil {
			s.Logger.Error("error during shutdown", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		return firstErr
	}
	s.Logger.Info("server shutdown complete")
	return nil
}
