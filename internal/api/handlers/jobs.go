package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"mentormail/internal/core"
	"mentormail/internal/notify/status"
	"mentormail/internal/types"
)

// defaultDLQLimit caps dead-letter listings when no limit is given.
const defaultDLQLimit = 50

// StatusServiceInterface defines the service contract for the jobs handler.
// Matches the status package but is defined locally to avoid tight coupling
// per the handler injection pattern.
type StatusServiceInterface interface {
	GetJobProgress(ctx context.Context, batchID string, details bool) (*status.BatchProgress, error)
	GetSessionBatches(ctx context.Context, sessionID string) ([]status.BatchProgress, error)
	GetUserActiveBatches(ctx context.Context, userID string) ([]status.BatchProgress, error)
	GetAllActiveBatches(ctx context.Context) ([]status.BatchProgress, error)
	GetDeadLetterQueue(ctx context.Context, limit int) ([]types.DeadLetterEntry, error)
	CancelJob(ctx context.Context, jobID string) (*types.EmailJob, error)
	RetryJob(ctx context.Context, jobID string) (*types.EmailJob, error)
	RetryAllFailed(ctx context.Context, batchID string) (*status.RetryReport, error)
	RetryAllFailedForSession(ctx context.Context, sessionID string) (*status.RetryReport, error)
	ResendJob(ctx context.Context, jobID string) (*types.EmailJob, error)
	DeleteBatch(ctx context.Context, batchID string) error
}

// JobsHandler maps HTTP requests to the job status service.
type JobsHandler struct {
	service StatusServiceInterface
	logger  *slog.Logger
}

// NewJobsHandler creates a new JobsHandler with the provided dependencies.
func NewJobsHandler(svc StatusServiceInterface, logger *slog.Logger) *JobsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobsHandler{
		service: svc,
		logger:  logger,
	}
}

// RegisterRoutes mounts the job status endpoints onto the mux.
func (h *JobsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.HandleQuery)
	r.Delete("/", h.HandleDeleteBatch)
	r.Post("/{jobID}/cancel", h.HandleCancel)
	r.Post("/{jobID}/retry", h.HandleRetry)
	r.Post("/{jobID}/resend", h.HandleResend)
	r.Post("/batches/{batchID}/retry", h.HandleRetryAll)
	r.Post("/sessions/{sessionID}/retry", h.HandleRetryAllForSession)
}

// HandleQuery handles GET /v1/jobs. Exactly one selector query parameter is
// expected; the first recognized one wins:
//
//	batchId=<id>[&details=true]  -> single batch progress
//	sessionId=<id>               -> all batches for a session
//	userId=<id>                  -> active batches addressed to a user
//	active=true                  -> all active batches
//	dlq=true[&limit=N]           -> dead-letter entries, most recent first
func (h *JobsHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	switch {
	case q.Get("batchId") != "":
		details := q.Get("details") == "true"
		progress, err := h.service.GetJobProgress(ctx, q.Get("batchId"), details)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Data: map[string]any{"progress": progress}})

	case q.Get("sessionId") != "":
		batches, err := h.service.GetSessionBatches(ctx, q.Get("sessionId"))
		if err != nil {
			core.Error(w, r, err)
			return
		}
		core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Data: map[string]any{"batches": batches}})

	case q.Get("userId") != "":
		batches, err := h.service.GetUserActiveBatches(ctx, q.Get("userId"))
		if err != nil {
			core.Error(w, r, err)
			return
		}
		core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Data: map[string]any{"batches": batches}})

	case q.Get("active") == "true":
		batches, err := h.service.GetAllActiveBatches(ctx)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Data: map[string]any{"batches": batches}})

	case q.Get("dlq") == "true":
		limit := defaultDLQLimit
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				core.Error(w, r, types.NewAppError(
					types.ErrCodeValidationMissingQuery,
					"limit must be a positive integer",
					nil,
				))
				return
			}
			limit = n
		}
		entries, err := h.service.GetDeadLetterQueue(ctx, limit)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Data: map[string]any{"deadLetterQueue": entries}})

	default:
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingQuery,
			"one of batchId, sessionId, userId, active=true or dlq=true is required",
			nil,
		))
	}
}

// HandleDeleteBatch handles DELETE /v1/jobs?batchId=. Deletion is idempotent:
// deleting an unknown batch succeeds.
func (h *JobsHandler) HandleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.URL.Query().Get("batchId")
	if batchID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingQuery,
			"batchId query parameter is required",
			nil,
		))
		return
	}

	if err := h.service.DeleteBatch(r.Context(), batchID); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true})
}

// HandleCancel handles POST /v1/jobs/{jobID}/cancel. Cancellation is
// cooperative: a job the worker has already claimed stays in flight, and the
// conflict is reported rather than silently ignored.
func (h *JobsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.CancelJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Data: map[string]any{"job": job}})
}

// HandleRetry handles POST /v1/jobs/{jobID}/retry.
func (h *JobsHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.RetryJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Data: map[string]any{"job": job}})
}

// HandleResend handles POST /v1/jobs/{jobID}/resend. The completed record is
// left untouched; the response carries the freshly created job.
func (h *JobsHandler) HandleResend(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.ResendJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Data: map[string]any{"job": job}})
}

// HandleRetryAll handles POST /v1/jobs/batches/{batchID}/retry. Partial
// success is normal and reported, not treated as an error.
func (h *JobsHandler) HandleRetryAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RetryAllFailed(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Data: report})
}

// HandleRetryAllForSession handles POST /v1/jobs/sessions/{sessionID}/retry,
// retrying the failed jobs of every batch the session has scheduled.
func (h *JobsHandler) HandleRetryAllForSession(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RetryAllFailedForSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Data: report})
}
