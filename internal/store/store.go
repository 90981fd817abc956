package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mentormail/internal/jobstate"
	"mentormail/internal/types"
)

// Sentinel errors. DB-level failures are wrapped in a types.AppError with
// code unavailable_job_store so handlers surface them as 503.
var (
	// ErrNotFound indicates the key is absent or expired.
	ErrNotFound = errors.New("store: key not found")
	// ErrStatusConflict indicates a status-guarded update matched the key
	// but the job was not in a legal source status for the event.
	ErrStatusConflict = errors.New("store: job status precondition failed")
)

// JobPatch carries the optional field updates applied alongside a status
// transition. Nil pointers leave the stored field untouched.
type JobPatch struct {
	LastError         *string
	ProviderMsgID     *string
	QueueMessageID    *string
	ScheduledFor      *time.Time
	IncrementAttempts bool
}

// Counter names a batch running counter.
type Counter string

const (
	CounterCompleted Counter = "completed"
	CounterFailed    Counter = "failed"
	CounterCancelled Counter = "cancelled"
)

// Store is the pgx-backed implementation of the job state store.
type Store struct {
	db  DBTX
	now func() time.Time
}

// New creates a Store backed by the given database handle.
func New(db DBTX) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// NewWithClock creates a Store with an injected clock for deterministic
// expiry tests.
func NewWithClock(db DBTX, now func() time.Time) *Store {
	return &Store{db: db, now: now}
}

func dbErr(msg string, err error) error {
	return types.NewAppError(types.ErrCodeUnavailableJobStore, msg, err)
}

// ---------------------------------------------------------------------------
// Generic KV operations
// ---------------------------------------------------------------------------

// putJSON upserts a JSON document under key with the given TTL.
func (s *Store) putJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: failed to marshal value for %s: %w", key, err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO email_kv (key, value, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE
		 SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, body, s.now().Add(ttl),
	)
	if err != nil {
		return dbErr("failed to write record", err)
	}
	return nil
}

// getJSON reads the JSON document under key into dest. Expired keys read as
// absent.
func (s *Store) getJSON(ctx context.Context, key string, dest any) error {
	var body []byte
	err := s.db.QueryRow(ctx,
		`SELECT value FROM email_kv WHERE key = $1 AND expires_at > $2`,
		key, s.now(),
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return dbErr("failed to read record", err)
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("store: failed to decode record %s: %w", key, err)
	}
	return nil
}

// addToList appends a string member to the jsonb array under key, creating
// the array if absent. Members are unique; re-adding is a no-op. The key's
// TTL is extended on every write.
func (s *Store) addToList(ctx context.Context, key, member string, ttl time.Duration) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO email_kv (key, value, expires_at)
		 VALUES ($1, jsonb_build_array($2::text), $3)
		 ON CONFLICT (key) DO UPDATE
		 SET value = CASE
				WHEN email_kv.value ? $2 THEN email_kv.value
				ELSE email_kv.value || to_jsonb($2::text)
			END,
			expires_at = GREATEST(email_kv.expires_at, EXCLUDED.expires_at)`,
		key, member, s.now().Add(ttl),
	)
	if err != nil {
		return dbErr("failed to update index", err)
	}
	return nil
}

// removeFromList removes a string member from the jsonb array under key.
// Missing keys and members are tolerated.
func (s *Store) removeFromList(ctx context.Context, key, member string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE email_kv SET value = value - $2 WHERE key = $1`,
		key, member,
	)
	if err != nil {
		return dbErr("failed to update index", err)
	}
	return nil
}

// getList reads the string array under key. A missing key reads as an empty
// list, never an error: index keys expire independently of their records.
func (s *Store) getList(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := s.getJSON(ctx, key, &members)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (s *Store) deleteKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `DELETE FROM email_kv WHERE key = ANY($1)`, keys)
	if err != nil {
		return dbErr("failed to delete records", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

// PutJob writes the full job record.
func (s *Store) PutJob(ctx context.Context, job *types.EmailJob) error {
	return s.putJSON(ctx, jobKey(job.ID), job, JobTTL)
}

// GetJob reads one job record. Returns ErrNotFound for absent/expired ids.
func (s *Store) GetJob(ctx context.Context, jobID string) (*types.EmailJob, error) {
	var job types.EmailJob
	if err := s.getJSON(ctx, jobKey(jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ApplyEvent atomically transitions a job through the state machine. The
// update only matches when the stored status is a legal source for the
// event, so concurrent handlers cannot both win the same transition.
// Returns the updated job, ErrNotFound, or ErrStatusConflict.
func (s *Store) ApplyEvent(ctx context.Context, jobID string, ev jobstate.Event, patch JobPatch) (*types.EmailJob, error) {
	sources := jobstate.Sources(ev)
	if len(sources) == 0 {
		return nil, fmt.Errorf("store: event %q has no legal source status", ev)
	}
	// The target status is the same for every legal source of an event.
	target, err := jobstate.Transition(sources[0], ev)
	if err != nil {
		return nil, err
	}

	patchDoc := map[string]any{
		"status":    target,
		"updatedAt": s.now(),
	}
	if patch.LastError != nil {
		patchDoc["lastError"] = *patch.LastError
	}
	if patch.ProviderMsgID != nil {
		patchDoc["providerEmailId"] = *patch.ProviderMsgID
	}
	if patch.QueueMessageID != nil {
		patchDoc["queueMessageId"] = *patch.QueueMessageID
	}
	if patch.ScheduledFor != nil {
		patchDoc["scheduledFor"] = patch.ScheduledFor.UTC()
	}
	patchJSON, err := json.Marshal(patchDoc)
	if err != nil {
		return nil, fmt.Errorf("store: failed to marshal job patch: %w", err)
	}

	inc := 0
	if patch.IncrementAttempts {
		inc = 1
	}
	guards := make([]string, len(sources))
	for i, st := range sources {
		guards[i] = string(st)
	}

	var body []byte
	err = s.db.QueryRow(ctx,
		`UPDATE email_kv
		 SET value = value || $2::jsonb ||
			jsonb_build_object('attempts', COALESCE((value->>'attempts')::int, 0) + $3)
		 WHERE key = $1
		   AND expires_at > $4
		   AND value->>'status' = ANY($5)
		 RETURNING value`,
		jobKey(jobID), patchJSON, inc, s.now(), guards,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing job from an illegal transition.
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, dbErr("failed to transition job", err)
	}

	var job types.EmailJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("store: failed to decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// ListOverdueScheduled returns jobs still in status scheduled whose
// scheduledFor passed before the cutoff. Used by the reconciliation sweep to
// fail jobs orphaned by a lost queue handoff.
func (s *Store) ListOverdueScheduled(ctx context.Context, cutoff time.Time, limit int) ([]*types.EmailJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT value FROM email_kv
		 WHERE key LIKE 'email:job:%'
		   AND expires_at > $1
		   AND value->>'status' = 'scheduled'
		   AND (value->>'scheduledFor')::timestamptz < $2
		 LIMIT $3`,
		s.now(), cutoff, limit,
	)
	if err != nil {
		return nil, dbErr("failed to scan for overdue jobs", err)
	}
	defer rows.Close()

	var jobs []*types.EmailJob
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, dbErr("failed to scan overdue job row", err)
		}
		var job types.EmailJob
		if err := json.Unmarshal(body, &job); err != nil {
			return nil, fmt.Errorf("store: failed to decode overdue job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to read overdue jobs", err)
	}
	return jobs, nil
}

// ---------------------------------------------------------------------------
// Batches
// ---------------------------------------------------------------------------

// PutBatch writes the full batch record.
func (s *Store) PutBatch(ctx context.Context, batch *types.EmailBatch) error {
	return s.putJSON(ctx, batchKey(batch.BatchID), batch, BatchTTL)
}

// GetBatch reads one batch record.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*types.EmailBatch, error) {
	var batch types.EmailBatch
	if err := s.getJSON(ctx, batchKey(batchID), &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// SetBatchJobs writes the ordered job id list for a batch.
func (s *Store) SetBatchJobs(ctx context.Context, batchID string, jobIDs []string) error {
	if jobIDs == nil {
		jobIDs = []string{}
	}
	return s.putJSON(ctx, batchJobsKey(batchID), jobIDs, BatchTTL)
}

// BatchJobIDs reads the ordered job id list for a batch.
func (s *Store) BatchJobIDs(ctx context.Context, batchID string) ([]string, error) {
	return s.getList(ctx, batchJobsKey(batchID))
}

// AdjustBatchCounter atomically adds delta to one of the batch running
// counters, clamped at zero. Returns the updated batch.
func (s *Store) AdjustBatchCounter(ctx context.Context, batchID string, counter Counter, delta int) (*types.EmailBatch, error) {
	var body []byte
	err := s.db.QueryRow(ctx,
		`UPDATE email_kv
		 SET value = jsonb_set(value, ARRAY[$2::text],
			to_jsonb(GREATEST(COALESCE((value->>$2)::int, 0) + $3, 0)))
		 WHERE key = $1 AND expires_at > $4
		 RETURNING value`,
		batchKey(batchID), string(counter), delta, s.now(),
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbErr("failed to adjust batch counter", err)
	}

	var batch types.EmailBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("store: failed to decode batch %s: %w", batchID, err)
	}
	return &batch, nil
}

// DeleteBatch removes the batch record, its job records, its job list, and
// its index entries. Idempotent: deleting an unknown batch succeeds.
func (s *Store) DeleteBatch(ctx context.Context, batchID string) error {
	batch, err := s.GetBatch(ctx, batchID)
	if errors.Is(err, ErrNotFound) {
		// Still clear any stragglers under the batch keys.
		return s.deleteKeys(ctx, batchKey(batchID), batchJobsKey(batchID))
	}
	if err != nil {
		return err
	}

	jobIDs, err := s.BatchJobIDs(ctx, batchID)
	if err != nil {
		return err
	}

	keys := []string{batchKey(batchID), batchJobsKey(batchID)}
	for _, id := range jobIDs {
		keys = append(keys, jobKey(id))
	}
	if err := s.deleteKeys(ctx, keys...); err != nil {
		return err
	}

	if err := s.removeFromList(ctx, sessionBatchesKey(batch.SessionID), batchID); err != nil {
		return err
	}
	return s.removeFromList(ctx, activeKey, batchID)
}

// ---------------------------------------------------------------------------
// Indexes
// ---------------------------------------------------------------------------

// AddSessionBatch records a batch under its session's batch index.
func (s *Store) AddSessionBatch(ctx context.Context, sessionID, batchID string) error {
	return s.addToList(ctx, sessionBatchesKey(sessionID), batchID, SessionIndexTTL)
}

// SessionBatchIDs lists the batches created for a session, insertion order.
func (s *Store) SessionBatchIDs(ctx context.Context, sessionID string) ([]string, error) {
	return s.getList(ctx, sessionBatchesKey(sessionID))
}

// AddUserActiveBatch records a batch in a recipient's active working set.
func (s *Store) AddUserActiveBatch(ctx context.Context, userID, batchID string) error {
	return s.addToList(ctx, userActiveKey(userID), batchID, ActiveIndexTTL)
}

// UserActiveBatchIDs lists batches recently scheduled for a recipient.
func (s *Store) UserActiveBatchIDs(ctx context.Context, userID string) ([]string, error) {
	return s.getList(ctx, userActiveKey(userID))
}

// AddActiveBatch records a batch in the global active working set.
func (s *Store) AddActiveBatch(ctx context.Context, batchID string) error {
	return s.addToList(ctx, activeKey, batchID, ActiveIndexTTL)
}

// ActiveBatchIDs lists all recently scheduled batches.
func (s *Store) ActiveBatchIDs(ctx context.Context) ([]string, error) {
	return s.getList(ctx, activeKey)
}

// ---------------------------------------------------------------------------
// Dead letters
// ---------------------------------------------------------------------------

// AppendDeadLetter appends an entry to the dead-letter list. The list's TTL
// is refreshed on every append, independent of the originating job's TTL.
func (s *Store) AppendDeadLetter(ctx context.Context, entry *types.DeadLetterEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: failed to marshal dead-letter entry: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO email_kv (key, value, expires_at)
		 VALUES ($1, jsonb_build_array($2::jsonb), $3)
		 ON CONFLICT (key) DO UPDATE
		 SET value = email_kv.value || $2::jsonb,
			expires_at = EXCLUDED.expires_at`,
		dlqKey, body, s.now().Add(DeadLetterTTL),
	)
	if err != nil {
		return dbErr("failed to append dead-letter entry", err)
	}
	return nil
}

// DeadLetters returns the most recent entries, newest first, capped at limit.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]types.DeadLetterEntry, error) {
	var entries []types.DeadLetterEntry
	err := s.getJSON(ctx, dlqKey, &entries)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Stored oldest-first; reverse for newest-first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

// PurgeExpired hard-deletes every expired key. Returns the number removed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM email_kv WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, dbErr("failed to purge expired records", err)
	}
	return int(tag.RowsAffected()), nil
}
