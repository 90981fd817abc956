package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mentormail/internal/core"
	"mentormail/internal/notify/worker"
	"mentormail/internal/types"
)

// maxDeliveryBodySize bounds the callback payload. Matches the signed-body
// limit enforced by the signature middleware.
const maxDeliveryBodySize = 1 << 20

// DeliveryServiceInterface defines the service contract for the delivery
// handler. Matches the worker package but is defined locally to avoid tight
// coupling per the handler injection pattern.
type DeliveryServiceInterface interface {
	Process(ctx context.Context, payload types.DeliveryPayload) (*worker.Result, error)
}

// DeliverHandler maps queue delivery callbacks to the Worker. The route is
// mounted behind the signature middleware, so by the time a request reaches
// this handler its body has already been authenticated.
type DeliverHandler struct {
	service DeliveryServiceInterface
	logger  *slog.Logger
}

// NewDeliverHandler creates a new DeliverHandler with the provided dependencies.
func NewDeliverHandler(svc DeliveryServiceInterface, logger *slog.Logger) *DeliverHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliverHandler{
		service: svc,
		logger:  logger,
	}
}

// RegisterRoutes mounts the delivery endpoint onto the mux.
func (h *DeliverHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.HandleDeliver)
}

// HandleDeliver handles POST /v1/deliver.
//  1. Read the raw callback body.
//  2. Parse the tagged delivery payload.
//  3. Call Worker.Process and return its result.
//
// Partial delivery failures still return 200: per-job outcomes are already
// durably recorded and individually retriable, and a non-2xx here would make
// the queue redeliver the whole payload, duplicating the sends that succeeded.
func (h *DeliverHandler) HandleDeliver(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDeliveryBodySize))
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"failed to read request body",
			err,
		))
		return
	}

	payload, err := types.ParseDeliveryPayload(body)
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidPayload,
			"delivery payload is malformed",
			err,
		))
		return
	}

	result, err := h.service.Process(r.Context(), payload)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Data: result})
}
