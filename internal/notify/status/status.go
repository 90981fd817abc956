// Package status reads and mutates job and batch state on behalf of the HTTP
// API: progress aggregation, cancel, retry, resend, batch deletion, and
// dead-letter reads.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mentormail/internal/jobstate"
	"mentormail/internal/store"
	"mentormail/internal/types"
)

// JobStore is the store subset the status service needs.
type JobStore interface {
	PutJob(ctx context.Context, job *types.EmailJob) error
	GetJob(ctx context.Context, jobID string) (*types.EmailJob, error)
	ApplyEvent(ctx context.Context, jobID string, ev jobstate.Event, patch store.JobPatch) (*types.EmailJob, error)
	GetBatch(ctx context.Context, batchID string) (*types.EmailBatch, error)
	BatchJobIDs(ctx context.Context, batchID string) ([]string, error)
	AdjustBatchCounter(ctx context.Context, batchID string, counter store.Counter, delta int) (*types.EmailBatch, error)
	DeleteBatch(ctx context.Context, batchID string) error
	SessionBatchIDs(ctx context.Context, sessionID string) ([]string, error)
	UserActiveBatchIDs(ctx context.Context, userID string) ([]string, error)
	ActiveBatchIDs(ctx context.Context) ([]string, error)
	DeadLetters(ctx context.Context, limit int) ([]types.DeadLetterEntry, error)
}

// QueuePublisher re-registers retried and resent jobs for delivery.
type QueuePublisher interface {
	Configured() bool
	EnqueueDelivery(ctx context.Context, payload types.DeliveryPayload, deliverAt time.Time) (string, error)
}

// BatchProgress is a batch with its derived status and, optionally, the
// individual jobs.
type BatchProgress struct {
	types.EmailBatch
	Status types.BatchStatus `json:"status"`
	Jobs   []types.EmailJob  `json:"jobs,omitempty"`
}

// RetryReport summarizes a retryAllFailed call. Partial success is normal:
// Retried jobs were re-queued, Errored jobs could not be.
type RetryReport struct {
	Retried int `json:"retried"`
	Errored int `json:"errored"`
}

// Service implements the job status operations.
type Service struct {
	store  JobStore
	queue  QueuePublisher
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates a status Service.
func New(st JobStore, q QueuePublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		queue:  q,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// DeriveBatchStatus computes the aggregate batch status from the counters and
// the scheduled time. It is a pure function; batch status is never stored.
func DeriveBatchStatus(b *types.EmailBatch, now time.Time) types.BatchStatus {
	if b.Total == 0 {
		return types.BatchStatusPending
	}
	settled := b.Completed + b.Failed + b.Cancelled
	if settled >= b.Total {
		switch {
		case b.Failed == b.Total:
			return types.BatchStatusFailed
		case b.Failed > 0:
			return types.BatchStatusPartialFailure
		case b.Cancelled == b.Total:
			// Every recipient was cancelled before delivery. The status set
			// has no cancelled value, and nothing failed, so the batch
			// reports completed: all its work is done.
			return types.BatchStatusCompleted
		default:
			return types.BatchStatusCompleted
		}
	}
	if b.Completed+b.Failed > 0 {
		return types.BatchStatusInProgress
	}
	if now.Before(b.ScheduledFor) {
		return types.BatchStatusScheduled
	}
	// Due but no outcome recorded yet: the worker has not reported back.
	return types.BatchStatusPending
}

// GetJobProgress returns a batch with counters and derived status. With
// details, the individual job records are included.
func (s *Service) GetJobProgress(ctx context.Context, batchID string, details bool) (*BatchProgress, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err == store.ErrNotFound {
		return nil, types.NewAppError(types.ErrCodeNotFoundBatch, fmt.Sprintf("batch %s not found", batchID), nil)
	}
	if err != nil {
		return nil, err
	}

	progress := &BatchProgress{EmailBatch: *batch, Status: DeriveBatchStatus(batch, s.now())}
	if !details {
		return progress, nil
	}

	jobIDs, err := s.store.BatchJobIDs(ctx, batchID)
	if err != nil {
		return nil, err
	}
	for _, id := range jobIDs {
		job, err := s.store.GetJob(ctx, id)
		if err == store.ErrNotFound {
			continue // job record expired before the batch
		}
		if err != nil {
			return nil, err
		}
		progress.Jobs = append(progress.Jobs, *job)
	}
	return progress, nil
}

// GetSessionBatches returns the progress of every batch scheduled for a
// session, newest entries last.
func (s *Service) GetSessionBatches(ctx context.Context, sessionID string) ([]BatchProgress, error) {
	ids, err := s.store.SessionBatchIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.collectBatches(ctx, ids, false)
}

// GetUserActiveBatches returns the still-active batches a user is a recipient
// in.
func (s *Service) GetUserActiveBatches(ctx context.Context, userID string) ([]BatchProgress, error) {
	ids, err := s.store.UserActiveBatchIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.collectBatches(ctx, ids, true)
}

// GetAllActiveBatches returns every batch that still has work pending.
func (s *Service) GetAllActiveBatches(ctx context.Context) ([]BatchProgress, error) {
	ids, err := s.store.ActiveBatchIDs(ctx)
	if err != nil {
		return nil, err
	}
	return s.collectBatches(ctx, ids, true)
}

// collectBatches resolves batch ids to progress entries, optionally keeping
// only batches that are not fully settled.
func (s *Service) collectBatches(ctx context.Context, ids []string, activeOnly bool) ([]BatchProgress, error) {
	now := s.now()
	out := make([]BatchProgress, 0, len(ids))
	for _, id := range ids {
		batch, err := s.store.GetBatch(ctx, id)
		if err == store.ErrNotFound {
			continue // expired
		}
		if err != nil {
			return nil, err
		}
		st := DeriveBatchStatus(batch, now)
		if activeOnly && batchSettled(st) {
			continue
		}
		out = append(out, BatchProgress{EmailBatch: *batch, Status: st})
	}
	return out, nil
}

func batchSettled(st types.BatchStatus) bool {
	switch st {
	case types.BatchStatusCompleted, types.BatchStatusFailed, types.BatchStatusPartialFailure:
		return true
	default:
		return false
	}
}

// CancelJob cancels a pending or scheduled job. Cancelling a job the worker
// has already claimed is a race the state guard turns into a conflict error;
// the in-flight send cannot be retracted.
func (s *Service) CancelJob(ctx context.Context, jobID string) (*types.EmailJob, error) {
	job, err := s.store.ApplyEvent(ctx, jobID, jobstate.EventCancel, store.JobPatch{})
	if err != nil {
		return nil, s.transitionErr(ctx, jobID, "cancel", err)
	}
	if job.BatchID != "" {
		if _, err := s.store.AdjustBatchCounter(ctx, job.BatchID, store.CounterCancelled, 1); err != nil && err != store.ErrNotFound {
			return nil, err
		}
	}
	s.logger.InfoContext(ctx, "job cancelled", "job_id", jobID)
	return job, nil
}

// RetryJob re-schedules a failed (or cancelled) job for immediate delivery,
// incrementing its attempt count by exactly one. The worker bumps the count
// again when it claims the re-queued job; those are the only two places
// attempts change.
func (s *Service) RetryJob(ctx context.Context, jobID string) (*types.EmailJob, error) {
	prior, err := s.store.GetJob(ctx, jobID)
	if err == store.ErrNotFound {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, fmt.Sprintf("job %s not found", jobID), nil)
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	job, err := s.store.ApplyEvent(ctx, jobID, jobstate.EventRetry, store.JobPatch{
		IncrementAttempts: true,
		ScheduledFor:      &now,
	})
	if err != nil {
		return nil, s.transitionErr(ctx, jobID, "retry", err)
	}

	// Undo the settled counter the job previously occupied.
	if job.BatchID != "" {
		counter := store.CounterFailed
		if prior.Status == types.JobStatusCancelled {
			counter = store.CounterCancelled
		}
		if _, err := s.store.AdjustBatchCounter(ctx, job.BatchID, counter, -1); err != nil && err != store.ErrNotFound {
			return nil, err
		}
	}

	if err := s.enqueueJob(ctx, job); err != nil {
		// The job stays scheduled; the reconciliation sweep covers it.
		s.logger.ErrorContext(ctx, "retry enqueue failed", "job_id", jobID, "error", err)
		return nil, err
	}
	s.logger.InfoContext(ctx, "job retried", "job_id", jobID, "attempts", job.Attempts)
	return job, nil
}

// RetryAllFailed retries every failed job in a batch. Jobs that fail to
// re-enqueue are counted, not fatal.
func (s *Service) RetryAllFailed(ctx context.Context, batchID string) (*RetryReport, error) {
	jobIDs, err := s.store.BatchJobIDs(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(jobIDs) == 0 {
		return nil, types.NewAppError(types.ErrCodeNotFoundBatch, fmt.Sprintf("batch %s not found", batchID), nil)
	}

	report := &RetryReport{}
	if err := s.retryFailedJobs(ctx, jobIDs, report); err != nil {
		return nil, err
	}
	return report, nil
}

// RetryAllFailedForSession retries every failed job across all of a session's
// batches, with the same partial-success accounting as RetryAllFailed.
func (s *Service) RetryAllFailedForSession(ctx context.Context, sessionID string) (*RetryReport, error) {
	batchIDs, err := s.store.SessionBatchIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(batchIDs) == 0 {
		return nil, types.NewAppError(types.ErrCodeNotFoundSession,
			fmt.Sprintf("no batches scheduled for session %s", sessionID), nil)
	}

	report := &RetryReport{}
	for _, batchID := range batchIDs {
		jobIDs, err := s.store.BatchJobIDs(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if err := s.retryFailedJobs(ctx, jobIDs, report); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func (s *Service) retryFailedJobs(ctx context.Context, jobIDs []string, report *RetryReport) error {
	for _, id := range jobIDs {
		job, err := s.store.GetJob(ctx, id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if job.Status != types.JobStatusFailed {
			continue
		}
		if _, err := s.RetryJob(ctx, id); err != nil {
			report.Errored++
			continue
		}
		report.Retried++
	}
	return nil
}

// ResendJob creates a fresh delivery for a completed job. The historical
// record keeps its status and accounting; the new job is standalone (no
// batch) and linked to the original via ResendOf.
func (s *Service) ResendJob(ctx context.Context, jobID string) (*types.EmailJob, error) {
	orig, err := s.store.GetJob(ctx, jobID)
	if err == store.ErrNotFound {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, fmt.Sprintf("job %s not found", jobID), nil)
	}
	if err != nil {
		return nil, err
	}
	if _, err := jobstate.Transition(orig.Status, jobstate.EventResend); err != nil {
		return nil, types.NewAppError(types.ErrCodeConflictTransition,
			fmt.Sprintf("job %s is %s, only completed jobs can be resent", jobID, orig.Status), err)
	}

	now := s.now()
	resend := &types.EmailJob{
		ID:             s.newID(),
		SessionID:      orig.SessionID,
		Type:           orig.Type,
		RecipientEmail: orig.RecipientEmail,
		RecipientName:  orig.RecipientName,
		Role:           orig.Role,
		ScheduledFor:   now,
		Status:         types.JobStatusScheduled,
		ResendOf:       orig.ID,
		Metadata:       orig.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.PutJob(ctx, resend); err != nil {
		return nil, err
	}
	if err := s.enqueueJob(ctx, resend); err != nil {
		s.logger.ErrorContext(ctx, "resend enqueue failed", "job_id", resend.ID, "error", err)
		return nil, err
	}
	s.logger.InfoContext(ctx, "job resent", "job_id", orig.ID, "resend_id", resend.ID)
	return resend, nil
}

// DeleteBatch removes a batch, its jobs, and its index entries. Deleting an
// unknown batch succeeds.
func (s *Service) DeleteBatch(ctx context.Context, batchID string) error {
	return s.store.DeleteBatch(ctx, batchID)
}

// GetDeadLetterQueue returns the most recent dead-letter entries, newest
// first.
func (s *Service) GetDeadLetterQueue(ctx context.Context, limit int) ([]types.DeadLetterEntry, error) {
	return s.store.DeadLetters(ctx, limit)
}

// enqueueJob hands a single job to the delivery queue for immediate
// processing.
func (s *Service) enqueueJob(ctx context.Context, job *types.EmailJob) error {
	if !s.queue.Configured() {
		return types.NewAppError(types.ErrCodeUpstreamQueue, "delivery queue not configured", nil)
	}
	payload := types.SingleDelivery{
		JobID:         job.ID,
		SessionID:     job.SessionID,
		Type:          job.Type,
		To:            job.RecipientEmail,
		RecipientName: job.RecipientName,
		Metadata:      job.Metadata,
	}
	msgID, err := s.queue.EnqueueDelivery(ctx, payload, s.now())
	if err != nil {
		return err
	}
	job.QueueMessageID = msgID
	job.UpdatedAt = s.now()
	if err := s.store.PutJob(ctx, job); err != nil {
		s.logger.Warn("recording queue message id failed", "job_id", job.ID, "error", err)
	}
	return nil
}

// transitionErr maps store sentinel errors from a guarded transition to the
// API error taxonomy.
func (s *Service) transitionErr(ctx context.Context, jobID, action string, err error) error {
	switch err {
	case store.ErrNotFound:
		return types.NewAppError(types.ErrCodeNotFoundJob, fmt.Sprintf("job %s not found", jobID), nil)
	case store.ErrStatusConflict:
		return types.NewAppError(types.ErrCodeConflictTransition,
			fmt.Sprintf("job %s is not in a valid status to %s", jobID, action), nil)
	default:
		s.logger.ErrorContext(ctx, "job transition failed", "job_id", jobID, "action", action, "error", err)
		return err
	}
}
