// Package handlers contains the HTTP handler implementations for the
// MentorMail notification API. It covers:
//   - Session scheduling (POST /v1/schedule)
//   - Task digest scheduling (POST /v1/schedule/digests)
//   - Queue delivery callbacks (POST /v1/deliver)
//   - Job and batch status (GET /v1/jobs, mutation subroutes)
//   - Maintenance callbacks (POST /v1/maintenance)
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mentormail/internal/core"
	"mentormail/internal/notify/scheduler"
)

// SchedulerServiceInterface defines the service contract for the schedule
// handler. Matches the scheduler package but is defined locally to avoid
// tight coupling per the handler injection pattern.
type SchedulerServiceInterface interface {
	ScheduleSession(ctx context.Context, sessionID string, force bool) (*scheduler.Result, error)
	ScheduleDigests(ctx context.Context) (*scheduler.Result, error)
}

// ScheduleRequest is the body for POST /v1/schedule.
type ScheduleRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	Force     bool   `json:"force"`
}

// ScheduleHandler maps HTTP requests to Scheduler methods.
type ScheduleHandler struct {
	service   SchedulerServiceInterface
	validator *core.Validator
	logger    *slog.Logger
}

// NewScheduleHandler creates a new ScheduleHandler with the provided dependencies.
func NewScheduleHandler(
	svc SchedulerServiceInterface,
	val *core.Validator,
	logger *slog.Logger,
) *ScheduleHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduleHandler{
		service:   svc,
		validator: val,
		logger:    logger,
	}
}

// RegisterRoutes mounts the scheduling endpoints onto the mux.
func (h *ScheduleHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.HandleScheduleSession)
	r.Post("/digests", h.HandleScheduleDigests)
}

// HandleScheduleSession handles POST /v1/schedule.
//  1. Decode and validate the request body.
//  2. Call Scheduler.ScheduleSession.
//  3. Return the scheduling result.
func (h *ScheduleHandler) HandleScheduleSession(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.service.ScheduleSession(r.Context(), req.SessionID, req.Force)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Data: result})
}

// HandleScheduleDigests handles POST /v1/schedule/digests. Takes no body:
// the digest window is computed server-side from the current time.
func (h *ScheduleHandler) HandleScheduleDigests(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ScheduleDigests(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Data: result})
}
