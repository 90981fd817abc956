// Package maintenance implements the queue-dispatched housekeeping tasks:
// purging expired store keys and reconciling orphaned jobs whose delivery
// message was lost after the state write.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"mentormail/internal/jobstate"
	"mentormail/internal/store"
	"mentormail/internal/types"
)

// DefaultOrphanGrace is how far past its scheduled time a still-scheduled
// job may run before the sweep declares its queue message lost. Generous on
// purpose: the dispatch worker re-enqueues long-delayed messages in 15-minute
// hops and normal queue latency must never trip the sweep.
const DefaultOrphanGrace = time.Hour

// sweepBatchLimit bounds one reconciliation pass. Leftovers are picked up by
// the next scheduled sweep.
const sweepBatchLimit = 500

// JobStore is the store subset maintenance needs.
type JobStore interface {
	PurgeExpired(ctx context.Context) (int, error)
	ListOverdueScheduled(ctx context.Context, cutoff time.Time, limit int) ([]*types.EmailJob, error)
	ApplyEvent(ctx context.Context, jobID string, ev jobstate.Event, patch store.JobPatch) (*types.EmailJob, error)
	AdjustBatchCounter(ctx context.Context, batchID string, counter store.Counter, delta int) (*types.EmailBatch, error)
	AppendDeadLetter(ctx context.Context, entry *types.DeadLetterEntry) error
}

// Report summarizes one maintenance run.
type Report struct {
	Purged     int `json:"purged"`
	Reconciled int `json:"reconciled"`
}

// Service runs the maintenance tasks.
type Service struct {
	store       JobStore
	orphanGrace time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a maintenance Service. A zero grace means DefaultOrphanGrace.
func New(st JobStore, orphanGrace time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if orphanGrace <= 0 {
		orphanGrace = DefaultOrphanGrace
	}
	return &Service{
		store:       st,
		orphanGrace: orphanGrace,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the named task.
func (s *Service) Run(ctx context.Context, task types.MaintenanceTask) (*Report, error) {
	switch task {
	case types.MaintenancePurgeExpired:
		return s.purge(ctx)
	case types.MaintenanceReconcileOrphan:
		return s.reconcile(ctx)
	default:
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload,
			"unknown maintenance task "+string(task), nil)
	}
}

func (s *Service) purge(ctx context.Context) (*Report, error) {
	n, err := s.store.PurgeExpired(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "expired keys purged", "count", n)
	return &Report{Purged: n}, nil
}

// reconcile fails scheduled jobs whose delivery time passed more than the
// grace period ago. Their queue message was either never sent or lost; the
// failure is recorded so the job shows up as retriable instead of hanging in
// scheduled forever.
func (s *Service) reconcile(ctx context.Context) (*Report, error) {
	cutoff := s.now().Add(-s.orphanGrace)
	jobs, err := s.store.ListOverdueScheduled(ctx, cutoff, sweepBatchLimit)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	lastError := "delivery message lost: job passed its scheduled time without being claimed"
	for _, job := range jobs {
		failed, err := s.store.ApplyEvent(ctx, job.ID, jobstate.EventExpire, store.JobPatch{LastError: &lastError})
		if err == store.ErrStatusConflict || err == store.ErrNotFound {
			continue // claimed or expired since the listing
		}
		if err != nil {
			return report, err
		}
		if failed.BatchID != "" {
			if _, err := s.store.AdjustBatchCounter(ctx, failed.BatchID, store.CounterFailed, 1); err != nil && err != store.ErrNotFound {
				s.logger.ErrorContext(ctx, "bumping failed counter failed", "batch_id", failed.BatchID, "error", err)
			}
		}
		entry := &types.DeadLetterEntry{
			JobID:          failed.ID,
			BatchID:        failed.BatchID,
			SessionID:      failed.SessionID,
			Type:           failed.Type,
			RecipientEmail: failed.RecipientEmail,
			LastError:      lastError,
			Attempts:       failed.Attempts,
			FailedAt:       s.now(),
		}
		if err := s.store.AppendDeadLetter(ctx, entry); err != nil {
			s.logger.ErrorContext(ctx, "dead-letter append failed", "job_id", failed.ID, "error", err)
		}
		report.Reconciled++
	}

	if report.Reconciled > 0 {
		s.logger.WarnContext(ctx, "orphaned jobs reconciled",
			"count", report.Reconciled,
			"grace", s.orphanGrace.String(),
		)
	}
	return report, nil
}
