package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mentormail/internal/queue"
	"mentormail/internal/types"
)

// defaultRequestTimeout is the soft timeout applied to request contexts when
// the configuration does not specify a worker timeout. Set below the Lambda
// hard timeout so handlers can clean up.
const defaultRequestTimeout = 29 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in
// request logs to prevent accidental leakage of credentials.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	queue.SignatureHeader,
}

// MountRoutes defines the top-level routing hierarchy.
// It registers the global middleware chain, API version groups, and the
// health check.
func (s *Server) MountRoutes() {
	// Global Middleware Registration (strict order matters).
	s.registerGlobalMiddleware()

	// API Version Groups
	s.router.Route("/v1", s.mountV1)

	// Top-Level Routes (outside /v1 namespace)
	s.router.Get("/health", s.HandleHealth)
}

// registerGlobalMiddleware applies middleware in strict order.
//
// Ordering Rationale:
//  1. Recoverer       - Catches panics; outermost to catch all failures.
//  2. ContextTimeout  - Sets soft deadline before the platform hard timeout.
//  3. RequestID       - Generates/propagates correlation ID for tracing.
//  4. SecurityHeaders - Ensures all responses include security headers.
//  5. RequestLogger   - Structured logging (redacted headers).
//  6. Metrics         - Request latency and count recording.
//
// Signature verification is registered per-route, not globally: only the
// queue callback endpoints require it.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(s.MetricsMiddleware)
}

// mountV1 registers all v1 endpoints. Domain handler routes are registered
// via V1RouteRegistrars, which are populated by the application entry point
// (main.go). This indirection avoids import cycles between core and handler
// packages.
func (s *Server) mountV1(r chi.Router) {
	for _, registrar := range s.V1RouteRegistrars {
		registrar(r)
	}
}

// requestTimeout returns the configured worker timeout with headroom for the
// response write, falling back to the default when unset.
func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Notify.WorkerTimeout > 0 {
		return s.Config.Notify.WorkerTimeout + 2*time.Second
	}
	return defaultRequestTimeout
}

// ContextTimeoutMiddleware sets a deadline on the request context.
// If the context deadline is exceeded, downstream handlers receive a
// cancelled context; the response is controlled by the handler's behavior
// on context cancellation.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware generates or propagates a unique request ID for
// correlation across logs and traces. If the incoming request contains an
// X-Request-Id header, that value is reused; otherwise, a new random ID is
// generated.
//
// The request ID is stored in the context via types.WithRequestID and set as
// the X-Request-Id response header for client correlation.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Store in context for downstream access.
		ctx := types.WithRequestID(r.Context(), requestID)

		// Set the response header so clients can correlate responses.
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// generateRequestID produces a cryptographically random hex string suitable
// for use as a request correlation ID. It generates 16 random bytes encoded
// as 32 hex characters.
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback: this should never happen in practice. If crypto/rand
		// fails, we still need a non-empty ID for correlation.
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}
