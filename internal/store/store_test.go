package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mentormail/internal/jobstate"
	"mentormail/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// valueRow returns a mockRow that scans v, JSON-encoded, into the single
// []byte destination used by the value column queries.
func valueRow(t *testing.T, v any) *mockRow {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*[]byte) = body
			return nil
		},
	}
}

// jsonMockRows implements pgx.Rows over a list of single-column JSON values.
type jsonMockRows struct {
	data   [][]byte
	idx    int
	closed bool
	errVal error
}

func (r *jsonMockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *jsonMockRows) Scan(dest ...any) error {
	*dest[0].(*[]byte) = r.data[r.idx]
	return nil
}

func (r *jsonMockRows) Close()                                        { r.closed = true }
func (r *jsonMockRows) Err() error                                    { return r.errVal }
func (r *jsonMockRows) CommandTag() pgconn.CommandTag                 { return pgconn.CommandTag{} }
func (r *jsonMockRows) FieldDescriptions() []pgconn.FieldDescription  { return nil }
func (r *jsonMockRows) RawValues() [][]byte                           { return nil }
func (r *jsonMockRows) Values() ([]any, error)                        { return nil, nil }
func (r *jsonMockRows) Conn() *pgx.Conn                               { return nil }

func testJob(id string, status types.JobStatus) *types.EmailJob {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	return &types.EmailJob{
		ID:             id,
		BatchID:        "batch_1",
		SessionID:      "sess_1",
		Type:           types.JobTypePrep24h,
		RecipientEmail: "ada@example.com",
		RecipientName:  "Ada",
		Role:           types.RoleStudent,
		ScheduledFor:   now.Add(2 * time.Hour),
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// --- Job record tests ---

func TestStore_PutJob_Success(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			assert.Equal(t, "email:job:job_1", sqlArgs[0])
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := s.PutJob(ctx, testJob("job_1", types.JobStatusPending))
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestStore_PutJob_DBError(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := s.PutJob(ctx, testJob("job_1", types.JobStatusPending))
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUnavailableJobStore, appErr.Code)
}

func TestStore_GetJob_Success(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(valueRow(t, testJob("job_1", types.JobStatusScheduled)))

	job, err := s.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, "job_1", job.ID)
	assert.Equal(t, types.JobStatusScheduled, job.Status)
	assert.Equal(t, types.JobTypePrep24h, job.Type)
}

func TestStore_GetJob_NotFound(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := s.GetJob(ctx, "job_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

// --- ApplyEvent tests ---

func TestStore_ApplyEvent_Claim(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	updated := testJob("job_1", types.JobStatusProcessing)
	updated.Attempts = 1

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			assert.Equal(t, "email:job:job_1", sqlArgs[0])
			// The claim event only fires from scheduled.
			assert.Equal(t, []string{"scheduled"}, sqlArgs[4])
		}).
		Return(valueRow(t, updated))

	job, err := s.ApplyEvent(ctx, "job_1", jobstate.EventClaim, JobPatch{IncrementAttempts: true})
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
	db.AssertExpectations(t)
}

func TestStore_ApplyEvent_CancelSources(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			assert.Equal(t, []string{"pending", "scheduled"}, sqlArgs[4])
		}).
		Return(valueRow(t, testJob("job_1", types.JobStatusCancelled)))

	job, err := s.ApplyEvent(ctx, "job_1", jobstate.EventCancel, JobPatch{})
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, job.Status)
}

func TestStore_ApplyEvent_StatusConflict(t *testing.T) {
	// The guarded UPDATE matches nothing but the job exists: another handler
	// already moved it.
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(valueRow(t, testJob("job_1", types.JobStatusCompleted))).Once()

	_, err := s.ApplyEvent(ctx, "job_1", jobstate.EventClaim, JobPatch{})
	require.ErrorIs(t, err, ErrStatusConflict)
	db.AssertExpectations(t)
}

func TestStore_ApplyEvent_NotFound(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows}).Twice()

	_, err := s.ApplyEvent(ctx, "job_gone", jobstate.EventClaim, JobPatch{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ApplyEvent_PatchFields(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	lastErr := "provider returned 500"
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			var patch map[string]any
			require.NoError(t, json.Unmarshal(sqlArgs[1].([]byte), &patch))
			assert.Equal(t, "failed", patch["status"])
			assert.Equal(t, lastErr, patch["lastError"])
		}).
		Return(valueRow(t, testJob("job_1", types.JobStatusFailed)))

	_, err := s.ApplyEvent(ctx, "job_1", jobstate.EventFail, JobPatch{LastError: &lastErr})
	require.NoError(t, err)
}

// --- Batch tests ---

func TestStore_GetBatch_Success(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	batch := &types.EmailBatch{
		BatchID:   "batch_1",
		SessionID: "sess_1",
		Type:      types.JobTypePrep48h,
		Total:     5,
		Completed: 2,
	}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(valueRow(t, batch))

	got, err := s.GetBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Total)
	assert.Equal(t, 2, got.Completed)
}

func TestStore_AdjustBatchCounter_Success(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	batch := &types.EmailBatch{BatchID: "batch_1", SessionID: "sess_1", Total: 3, Failed: 1}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sqlArgs := args.Get(2).([]any)
			assert.Equal(t, "failed", sqlArgs[1])
			assert.Equal(t, -1, sqlArgs[2])
		}).
		Return(valueRow(t, batch))

	got, err := s.AdjustBatchCounter(ctx, "batch_1", CounterFailed, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Failed)
}

func TestStore_AdjustBatchCounter_NotFound(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := s.AdjustBatchCounter(ctx, "batch_missing", CounterCompleted, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_BatchJobIDs_MissingKeyReadsEmpty(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	ids, err := s.BatchJobIDs(ctx, "batch_expired")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_DeleteBatch_RemovesJobsAndIndexes(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	batch := &types.EmailBatch{BatchID: "batch_1", SessionID: "sess_1"}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(valueRow(t, batch)).Once()
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(valueRow(t, []string{"job_1", "job_2"})).Once()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sql := args.Get(1).(string)
			if sqlIsDelete(sql) {
				keys := args.Get(2).([]any)[0].([]string)
				assert.ElementsMatch(t, []string{
					"email:batch:batch_1",
					"email:batch:batch_1:jobs",
					"email:job:job_1",
					"email:job:job_2",
				}, keys)
			}
		}).
		Return(pgconn.NewCommandTag("DELETE 4"), nil)

	err := s.DeleteBatch(ctx, "batch_1")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func sqlIsDelete(sql string) bool {
	return len(sql) >= 6 && sql[:6] == "DELETE"
}

func TestStore_DeleteBatch_UnknownBatchIsIdempotent(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 0"), nil)

	err := s.DeleteBatch(ctx, "batch_never_existed")
	require.NoError(t, err)
}

// --- Dead letter tests ---

func TestStore_DeadLetters_NewestFirstWithLimit(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	stored := []types.DeadLetterEntry{
		{JobID: "job_old"},
		{JobID: "job_mid"},
		{JobID: "job_new"},
	}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(valueRow(t, stored))

	entries, err := s.DeadLetters(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "job_new", entries[0].JobID)
	assert.Equal(t, "job_mid", entries[1].JobID)
}

func TestStore_DeadLetters_EmptyList(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	entries, err := s.DeadLetters(ctx, 50)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_AppendDeadLetter_Success(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := s.AppendDeadLetter(ctx, &types.DeadLetterEntry{
		JobID:     "job_1",
		BatchID:   "batch_1",
		LastError: "mailbox full",
		FailedAt:  time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
}

// --- Maintenance tests ---

func TestStore_PurgeExpired(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 17"), nil)

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 17, n)
}

func TestStore_ListOverdueScheduled(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	j1, _ := json.Marshal(testJob("job_a", types.JobStatusScheduled))
	j2, _ := json.Marshal(testJob("job_b", types.JobStatusScheduled))
	rows := &jsonMockRows{data: [][]byte{j1, j2}, idx: -1}

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	cutoff := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	jobs, err := s.ListOverdueScheduled(ctx, cutoff, 100)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job_a", jobs[0].ID)
	assert.Equal(t, "job_b", jobs[1].ID)
}

func TestStore_ListOverdueScheduled_DBError(t *testing.T) {
	db := new(mockDBTX)
	s := New(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("connection reset"))

	_, err := s.ListOverdueScheduled(ctx, time.Now(), 100)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUnavailableJobStore, appErr.Code)
}
