// Package scheduler turns due notifications into persisted email jobs and
// hands them to the delivery queue. State is written before the queue handoff
// so a lost queue message can always be reconciled from the store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mentormail/internal/jobstate"
	"mentormail/internal/notify/builder"
	"mentormail/internal/store"
	"mentormail/internal/types"
)

// JobStore is the subset of store operations the scheduler needs.
type JobStore interface {
	PutJob(ctx context.Context, job *types.EmailJob) error
	GetJob(ctx context.Context, jobID string) (*types.EmailJob, error)
	ApplyEvent(ctx context.Context, jobID string, ev jobstate.Event, patch store.JobPatch) (*types.EmailJob, error)
	PutBatch(ctx context.Context, batch *types.EmailBatch) error
	SetBatchJobs(ctx context.Context, batchID string, jobIDs []string) error
	BatchJobIDs(ctx context.Context, batchID string) ([]string, error)
	AdjustBatchCounter(ctx context.Context, batchID string, counter store.Counter, delta int) (*types.EmailBatch, error)
	SessionBatchIDs(ctx context.Context, sessionID string) ([]string, error)
	AddSessionBatch(ctx context.Context, sessionID, batchID string) error
	AddUserActiveBatch(ctx context.Context, userID, batchID string) error
	AddActiveBatch(ctx context.Context, batchID string) error
}

// QueuePublisher is the delivery-queue surface the scheduler needs.
type QueuePublisher interface {
	Configured() bool
	EnqueueDelivery(ctx context.Context, payload types.DeliveryPayload, deliverAt time.Time) (string, error)
}

// Result reports the outcome of a scheduling request.
type Result struct {
	Success    bool   `json:"success"`
	JobCount   int    `json:"jobCount"`
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skipReason,omitempty"`
}

// Scheduler creates email jobs and batches for sessions and task digests.
type Scheduler struct {
	store   JobStore
	queue   QueuePublisher
	records RecordsReader
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// RecordsReader is the records-service subset the scheduler consumes.
type RecordsReader interface {
	GetSession(ctx context.Context, sessionID string) (*types.SessionSnapshot, error)
	ListOpenTasks(ctx context.Context) ([]types.TaskSnapshot, error)
}

// New creates a Scheduler.
func New(st JobStore, q QueuePublisher, records RecordsReader, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   st,
		queue:   q,
		records: records,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// ScheduleSession computes the notifications currently due for a session and
// persists one batch of jobs per notification type.
//
// If the session already has live jobs (pending, scheduled, or processing),
// scheduling is skipped unless force is set. With force, prior live jobs are
// cancelled first and an additional sessionUpdate notice goes out immediately
// to every participant.
//
// Jobs are written to the store as scheduled before the queue handoff. A
// failed handoff is reported but never rolled back; the reconciliation sweep
// picks up jobs whose delivery message was lost.
func (s *Scheduler) ScheduleSession(ctx context.Context, sessionID string, force bool) (*Result, error) {
	if !s.queue.Configured() {
		return &Result{Skipped: true, SkipReason: "delivery queue not configured"}, nil
	}

	session, err := s.records.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: fetching session %s: %w", sessionID, err)
	}

	live, err := s.liveJobs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(live) > 0 && !force {
		s.logger.InfoContext(ctx, "scheduling skipped, live jobs exist",
			"session_id", sessionID,
			"live_jobs", len(live),
		)
		return &Result{Success: true, Skipped: true, SkipReason: "session already has live jobs"}, nil
	}
	if len(live) > 0 {
		if err := s.cancelJobs(ctx, live); err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "cancelled prior live jobs for reschedule",
			"session_id", sessionID,
			"cancelled", len(live),
		)
	}

	now := s.now()
	notifications := builder.SessionNotifications(now, session)
	if force {
		if n := builder.SessionUpdate(now, session); n != nil {
			notifications = append(notifications, *n)
		}
	}
	if len(notifications) == 0 {
		return &Result{Success: true, Skipped: true, SkipReason: "no notifications due"}, nil
	}

	return s.persistAndEnqueue(ctx, session.Name, notifications)
}

// ScheduleDigests computes overdue-task digests across all open tasks and
// schedules one immediate batch per assignee.
func (s *Scheduler) ScheduleDigests(ctx context.Context) (*Result, error) {
	if !s.queue.Configured() {
		return &Result{Skipped: true, SkipReason: "delivery queue not configured"}, nil
	}

	tasks, err := s.records.ListOpenTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: listing open tasks: %w", err)
	}

	digests := builder.OverdueTaskDigests(s.now(), tasks)
	if len(digests) == 0 {
		return &Result{Success: true, Skipped: true, SkipReason: "no overdue tasks"}, nil
	}

	return s.persistAndEnqueue(ctx, "", digests)
}

// persistAndEnqueue writes one batch per notification and enqueues its
// delivery message. Store writes happen first; enqueue failures leave the
// jobs scheduled and flip the result to unsuccessful.
func (s *Scheduler) persistAndEnqueue(ctx context.Context, sessionName string, notifications []builder.Notification) (*Result, error) {
	now := s.now()
	res := &Result{Success: true}

	for _, n := range notifications {
		batchID := s.newID()
		batch := &types.EmailBatch{
			BatchID:      batchID,
			SessionID:    n.SessionID,
			SessionName:  sessionName,
			Type:         n.Type,
			Total:        len(n.Recipients),
			ScheduledFor: n.FireAt,
			CreatedAt:    now,
		}

		jobIDs := make([]string, 0, len(n.Recipients))
		recipients := make([]types.BatchRecipient, 0, len(n.Recipients))
		for _, r := range n.Recipients {
			job := &types.EmailJob{
				ID:             s.newID(),
				BatchID:        batchID,
				SessionID:      n.SessionID,
				Type:           n.Type,
				RecipientEmail: r.Email,
				RecipientName:  r.Name,
				Role:           r.Role,
				ScheduledFor:   n.FireAt,
				Status:         types.JobStatusScheduled,
				Metadata:       n.Metadata,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := s.store.PutJob(ctx, job); err != nil {
				return nil, err
			}
			jobIDs = append(jobIDs, job.ID)
			recipients = append(recipients, types.BatchRecipient{
				JobID:         job.ID,
				To:            r.Email,
				RecipientName: r.Name,
				Role:          r.Role,
			})
			if err := s.store.AddUserActiveBatch(ctx, r.ID, batchID); err != nil {
				return nil, err
			}
		}

		if err := s.store.PutBatch(ctx, batch); err != nil {
			return nil, err
		}
		if err := s.store.SetBatchJobs(ctx, batchID, jobIDs); err != nil {
			return nil, err
		}
		if n.SessionID != "" {
			if err := s.store.AddSessionBatch(ctx, n.SessionID, batchID); err != nil {
				return nil, err
			}
		}
		if err := s.store.AddActiveBatch(ctx, batchID); err != nil {
			return nil, err
		}

		payload := types.BatchDelivery{
			BatchID:    batchID,
			SessionID:  n.SessionID,
			Type:       n.Type,
			Recipients: recipients,
			Metadata:   n.Metadata,
		}
		msgID, err := s.queue.EnqueueDelivery(ctx, payload, n.FireAt)
		if err != nil {
			// Jobs stay scheduled; the reconciliation sweep fails them
			// once their scheduled time passes the grace period.
			s.logger.ErrorContext(ctx, "queue handoff failed after state write",
				"batch_id", batchID,
				"type", string(n.Type),
				"error", err,
			)
			res.Success = false
			res.JobCount += len(jobIDs)
			continue
		}
		for _, id := range jobIDs {
			s.recordQueueMessage(ctx, id, msgID)
		}
		res.JobCount += len(jobIDs)

		s.logger.InfoContext(ctx, "batch scheduled",
			"batch_id", batchID,
			"type", string(n.Type),
			"jobs", len(jobIDs),
			"deliver_at", n.FireAt.Format(time.RFC3339),
		)
	}

	return res, nil
}

// liveJobs returns every live job across the session's batches.
func (s *Scheduler) liveJobs(ctx context.Context, sessionID string) ([]*types.EmailJob, error) {
	batchIDs, err := s.store.SessionBatchIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var live []*types.EmailJob
	for _, bid := range batchIDs {
		jobIDs, err := s.store.BatchJobIDs(ctx, bid)
		if err != nil {
			return nil, err
		}
		for _, jid := range jobIDs {
			job, err := s.store.GetJob(ctx, jid)
			if err == store.ErrNotFound {
				continue // expired
			}
			if err != nil {
				return nil, err
			}
			if job.IsLive() {
				live = append(live, job)
			}
		}
	}
	return live, nil
}

// cancelJobs cancels each job and bumps its batch's cancelled counter. A job
// that slipped into processing meanwhile is left alone.
func (s *Scheduler) cancelJobs(ctx context.Context, jobs []*types.EmailJob) error {
	for _, job := range jobs {
		cancelled, err := s.store.ApplyEvent(ctx, job.ID, jobstate.EventCancel, store.JobPatch{})
		if err == store.ErrStatusConflict || err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if cancelled.BatchID != "" {
			if _, err := s.store.AdjustBatchCounter(ctx, cancelled.BatchID, store.CounterCancelled, 1); err != nil && err != store.ErrNotFound {
				return err
			}
		}
	}
	return nil
}

// recordQueueMessage stores the queue correlation id on an already-scheduled
// job. Best effort: the id is diagnostic only.
func (s *Scheduler) recordQueueMessage(ctx context.Context, jobID, msgID string) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	job.QueueMessageID = msgID
	job.UpdatedAt = s.now()
	if err := s.store.PutJob(ctx, job); err != nil {
		s.logger.Warn("recording queue message id failed", "job_id", jobID, "error", err)
	}
}
