package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mentormail/internal/core"
	"mentormail/internal/notify/maintenance"
	"mentormail/internal/types"
)

// MaintenanceServiceInterface defines the service contract for the
// maintenance handler. Defined locally to avoid tight coupling per the
// handler injection pattern.
type MaintenanceServiceInterface interface {
	Run(ctx context.Context, task types.MaintenanceTask) (*maintenance.Report, error)
}

// MaintenanceRequest is the body for POST /v1/maintenance.
type MaintenanceRequest struct {
	Task types.MaintenanceTask `json:"task" validate:"required"`
}

// MaintenanceHandler maps queue maintenance callbacks to the maintenance
// service. Like the delivery endpoint, the route is mounted behind the
// signature middleware.
type MaintenanceHandler struct {
	service   MaintenanceServiceInterface
	validator *core.Validator
	logger    *slog.Logger
}

// NewMaintenanceHandler creates a new MaintenanceHandler with the provided dependencies.
func NewMaintenanceHandler(
	svc MaintenanceServiceInterface,
	val *core.Validator,
	logger *slog.Logger,
) *MaintenanceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MaintenanceHandler{
		service:   svc,
		validator: val,
		logger:    logger,
	}
}

// RegisterRoutes mounts the maintenance endpoint onto the mux.
func (h *MaintenanceHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.HandleRun)
}

// HandleRun handles POST /v1/maintenance.
func (h *MaintenanceHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req MaintenanceRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	report, err := h.service.Run(r.Context(), req.Task)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Data: report})
}
