// Package worker executes queue-invoked email deliveries: it claims jobs,
// renders their content, transmits through the mail provider, and records the
// per-job outcome. Partial failure is the normal case here; one bad recipient
// never blocks the rest of a batch.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"mentormail/internal/external"
	"mentormail/internal/jobstate"
	"mentormail/internal/metrics"
	"mentormail/internal/render"
	"mentormail/internal/store"
	"mentormail/internal/types"
)

// DefaultMaxAttempts is the delivery attempt limit before a job escalates to
// the dead-letter queue.
const DefaultMaxAttempts = 3

// errNoProviderID is the recorded failure for batch results the provider
// returned no message id for.
const errNoProviderID = "No email ID returned from provider"

// JobStore is the store subset the worker needs.
type JobStore interface {
	ApplyEvent(ctx context.Context, jobID string, ev jobstate.Event, patch store.JobPatch) (*types.EmailJob, error)
	AdjustBatchCounter(ctx context.Context, batchID string, counter store.Counter, delta int) (*types.EmailBatch, error)
	AppendDeadLetter(ctx context.Context, entry *types.DeadLetterEntry) error
}

// Config tunes delivery behavior.
type Config struct {
	// From is the sender identity on every outgoing email.
	From types.Contact
	// TestMode redirects every email to TestRecipient. The rendered body is
	// untouched; the subject gains a suffix naming the true recipient.
	TestMode      bool
	TestRecipient string
	// MaxAttempts caps delivery attempts before dead-lettering. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int
}

// Result summarizes one delivery invocation. The HTTP layer always ACKs the
// queue when err is nil, including partial failures; per-job state carries
// the detail.
type Result struct {
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Disabled  bool `json:"disabled,omitempty"`
}

// Worker delivers the emails described by queue callback payloads.
type Worker struct {
	store    JobStore
	mail     external.MailProvider
	renderer *render.Renderer
	cfg      Config
	metrics  metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Worker. A nil mail provider disables delivery: every
// invocation reports Disabled without touching job state. A nil recorder
// discards metrics.
func New(st JobStore, mail external.MailProvider, renderer *render.Renderer, cfg Config, recorder metrics.Recorder, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Worker{
		store:    st,
		mail:     mail,
		renderer: renderer,
		cfg:      cfg,
		metrics:  recorder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process executes one delivery payload.
func (w *Worker) Process(ctx context.Context, payload types.DeliveryPayload) (*Result, error) {
	if w.mail == nil {
		w.logger.WarnContext(ctx, "mail provider not configured, delivery disabled")
		return &Result{Disabled: true}, nil
	}

	started := w.now()
	var (
		res     *Result
		jobType types.JobType
		err     error
	)
	switch p := payload.(type) {
	case types.SingleDelivery:
		jobType = p.Type
		res, err = w.processSingle(ctx, p)
	case types.BatchDelivery:
		jobType = p.Type
		res, err = w.processBatch(ctx, p)
	default:
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload,
			fmt.Sprintf("unknown delivery payload variant %T", payload), nil)
	}
	if err != nil {
		return nil, err
	}

	w.metrics.RecordLatency(ctx, jobType, w.now().Sub(started))
	for i := 0; i < res.Delivered; i++ {
		w.metrics.RecordDelivery(ctx, jobType, metrics.ResultSuccess)
	}
	for i := 0; i < res.Failed; i++ {
		w.metrics.RecordDelivery(ctx, jobType, metrics.ResultFailure)
	}
	for i := 0; i < res.Skipped; i++ {
		w.metrics.RecordDelivery(ctx, jobType, metrics.ResultSkipped)
	}
	return res, nil
}

func (w *Worker) processSingle(ctx context.Context, p types.SingleDelivery) (*Result, error) {
	res := &Result{}

	job, err := w.store.ApplyEvent(ctx, p.JobID, jobstate.EventClaim, store.JobPatch{IncrementAttempts: true})
	if err == store.ErrStatusConflict || err == store.ErrNotFound {
		// Cancelled, expired, or already claimed by a duplicate message.
		res.Skipped++
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	rendered, err := w.renderer.Render(p.Type, p.RecipientName, p.SessionID, p.Metadata)
	if err != nil {
		w.failJob(ctx, job, fmt.Sprintf("render: %v", err))
		res.Failed++
		return res, nil
	}

	msg := w.compose(rendered, p.To, p.RecipientName, job.ID)
	providerID, err := w.mail.Send(ctx, msg)
	if err != nil {
		w.failJob(ctx, job, err.Error())
		res.Failed++
		return res, nil
	}

	w.completeJob(ctx, job, providerID)
	res.Delivered++
	return res, nil
}

func (w *Worker) processBatch(ctx context.Context, p types.BatchDelivery) (*Result, error) {
	res := &Result{}

	// Claim every job up front so cancelled recipients drop out before any
	// provider traffic.
	type claim struct {
		rcpt types.BatchRecipient
		job  *types.EmailJob
	}
	claimed := make([]claim, 0, len(p.Recipients))
	for _, r := range p.Recipients {
		job, err := w.store.ApplyEvent(ctx, r.JobID, jobstate.EventClaim, store.JobPatch{IncrementAttempts: true})
		if err == store.ErrStatusConflict || err == store.ErrNotFound {
			res.Skipped++
			continue
		}
		if err != nil {
			// The store broke mid-claim. Jobs already moved to processing
			// will never see another claim for this message, so fail them
			// now instead of stranding them.
			lastError := fmt.Sprintf("claim aborted: %v", err)
			for _, c := range claimed {
				w.failJob(ctx, c.job, lastError)
			}
			return nil, err
		}
		claimed = append(claimed, claim{rcpt: r, job: job})
	}
	if len(claimed) == 0 {
		return res, nil
	}

	// Render in parallel. Render errors fail only their own job.
	rendered := make([]*render.RenderedEmail, len(claimed))
	renderErrs := make([]error, len(claimed))
	g, gctx := errgroup.WithContext(ctx)
	for i := range claimed {
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				renderErrs[i] = gctx.Err()
				return nil
			}
			rendered[i], renderErrs[i] = w.renderer.Render(p.Type, claimed[i].rcpt.RecipientName, p.SessionID, p.Metadata)
			return nil
		})
	}
	_ = g.Wait()

	msgs := make([]external.MailMessage, 0, len(claimed))
	sendable := make([]int, 0, len(claimed)) // indexes into claimed
	for i, c := range claimed {
		if renderErrs[i] != nil {
			w.failJob(ctx, c.job, fmt.Sprintf("render: %v", renderErrs[i]))
			res.Failed++
			continue
		}
		msgs = append(msgs, w.compose(rendered[i], c.rcpt.To, c.rcpt.RecipientName, c.job.ID))
		sendable = append(sendable, i)
	}
	if len(msgs) == 0 {
		return res, nil
	}

	results, err := w.mail.SendBatch(ctx, msgs)
	if err != nil {
		for _, idx := range sendable {
			w.failJob(ctx, claimed[idx].job, err.Error())
			res.Failed++
		}
		return res, nil
	}

	// Results correlate by position. Jobs past the end of a short result
	// list, or with an empty id, failed without a provider reference.
	for pos, idx := range sendable {
		c := claimed[idx]
		if pos < len(results) && results[pos].ID != "" {
			w.completeJob(ctx, c.job, results[pos].ID)
			res.Delivered++
			continue
		}
		w.failJob(ctx, c.job, errNoProviderID)
		res.Failed++
	}

	w.logger.InfoContext(ctx, "batch delivery processed",
		"batch_id", p.BatchID,
		"type", string(p.Type),
		"delivered", res.Delivered,
		"failed", res.Failed,
		"skipped", res.Skipped,
	)
	return res, nil
}

// compose builds the outgoing message, applying the test-mode redirect after
// rendering so the body still addresses the true recipient.
func (w *Worker) compose(r *render.RenderedEmail, to, toName, jobID string) external.MailMessage {
	msg := external.MailMessage{
		From:        w.cfg.From,
		To:          types.Contact{Name: toName, Email: to},
		Subject:     r.Subject,
		HTML:        r.HTML,
		ReferenceID: jobID,
	}
	if w.cfg.TestMode && w.cfg.TestRecipient != "" {
		msg.To = types.Contact{Name: toName, Email: w.cfg.TestRecipient}
		msg.Subject = fmt.Sprintf("%s [to: %s]", r.Subject, to)
	}
	return msg
}

func (w *Worker) completeJob(ctx context.Context, job *types.EmailJob, providerID string) {
	_, err := w.store.ApplyEvent(ctx, job.ID, jobstate.EventComplete, store.JobPatch{ProviderMsgID: &providerID})
	if err != nil {
		w.logger.ErrorContext(ctx, "recording job completion failed", "job_id", job.ID, "error", err)
		return
	}
	if job.BatchID != "" {
		if _, err := w.store.AdjustBatchCounter(ctx, job.BatchID, store.CounterCompleted, 1); err != nil && err != store.ErrNotFound {
			w.logger.ErrorContext(ctx, "bumping completed counter failed", "batch_id", job.BatchID, "error", err)
		}
	}
}

// failJob marks a claimed job failed and dead-letters it once its attempts
// reach the configured limit.
func (w *Worker) failJob(ctx context.Context, job *types.EmailJob, lastError string) {
	failed, err := w.store.ApplyEvent(ctx, job.ID, jobstate.EventFail, store.JobPatch{LastError: &lastError})
	if err != nil {
		w.logger.ErrorContext(ctx, "recording job failure failed", "job_id", job.ID, "error", err)
		return
	}
	if job.BatchID != "" {
		if _, err := w.store.AdjustBatchCounter(ctx, job.BatchID, store.CounterFailed, 1); err != nil && err != store.ErrNotFound {
			w.logger.ErrorContext(ctx, "bumping failed counter failed", "batch_id", job.BatchID, "error", err)
		}
	}
	if failed.Attempts < w.cfg.MaxAttempts {
		return
	}
	entry := &types.DeadLetterEntry{
		JobID:          failed.ID,
		BatchID:        failed.BatchID,
		SessionID:      failed.SessionID,
		Type:           failed.Type,
		RecipientEmail: failed.RecipientEmail,
		LastError:      lastError,
		Attempts:       failed.Attempts,
		FailedAt:       w.now(),
	}
	if err := w.store.AppendDeadLetter(ctx, entry); err != nil {
		w.logger.ErrorContext(ctx, "dead-letter append failed", "job_id", failed.ID, "error", err)
	}
}
