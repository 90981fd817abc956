package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"mentormail/internal/jobstate"
	"mentormail/internal/store"
	"mentormail/internal/types"
)

// memStore is an in-memory JobStore for scheduler tests.
type memStore struct {
	jobs       map[string]*types.EmailJob
	batches    map[string]*types.EmailBatch
	batchJobs  map[string][]string
	sessions   map[string][]string
	userActive map[string][]string
	active     []string
}

func newMemStore() *memStore {
	return &memStore{
		jobs:       map[string]*types.EmailJob{},
		batches:    map[string]*types.EmailBatch{},
		batchJobs:  map[string][]string{},
		sessions:   map[string][]string{},
		userActive: map[string][]string{},
	}
}

func (m *memStore) PutJob(_ context.Context, job *types.EmailJob) error {
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, jobID string) (*types.EmailJob, error) {
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) ApplyEvent(_ context.Context, jobID string, ev jobstate.Event, patch store.JobPatch) (*types.EmailJob, error) {
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	next, err := jobstate.Transition(job.Status, ev)
	if err != nil {
		return nil, store.ErrStatusConflict
	}
	job.Status = next
	if patch.IncrementAttempts {
		job.Attempts++
	}
	if patch.LastError != nil {
		job.LastError = *patch.LastError
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) PutBatch(_ context.Context, b *types.EmailBatch) error {
	cp := *b
	m.batches[b.BatchID] = &cp
	return nil
}

func (m *memStore) SetBatchJobs(_ context.Context, batchID string, jobIDs []string) error {
	m.batchJobs[batchID] = jobIDs
	return nil
}

func (m *memStore) BatchJobIDs(_ context.Context, batchID string) ([]string, error) {
	return m.batchJobs[batchID], nil
}

func (m *memStore) AdjustBatchCounter(_ context.Context, batchID string, c store.Counter, delta int) (*types.EmailBatch, error) {
	b, ok := m.batches[batchID]
	if !ok {
		return nil, store.ErrNotFound
	}
	switch c {
	case store.CounterCompleted:
		b.Completed += delta
	case store.CounterFailed:
		b.Failed += delta
	case store.CounterCancelled:
		b.Cancelled += delta
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) SessionBatchIDs(_ context.Context, sessionID string) ([]string, error) {
	return m.sessions[sessionID], nil
}

func (m *memStore) AddSessionBatch(_ context.Context, sessionID, batchID string) error {
	m.sessions[sessionID] = append(m.sessions[sessionID], batchID)
	return nil
}

func (m *memStore) AddUserActiveBatch(_ context.Context, userID, batchID string) error {
	m.userActive[userID] = append(m.userActive[userID], batchID)
	return nil
}

func (m *memStore) AddActiveBatch(_ context.Context, batchID string) error {
	m.active = append(m.active, batchID)
	return nil
}

// fakeQueue records enqueued payloads and can simulate handoff failure.
type fakeQueue struct {
	configured bool
	failSend   bool
	payloads   []types.DeliveryPayload
	deliverAts []time.Time
}

func (q *fakeQueue) Configured() bool { return q.configured }

func (q *fakeQueue) EnqueueDelivery(_ context.Context, p types.DeliveryPayload, at time.Time) (string, error) {
	if q.failSend {
		return "", types.NewAppError(types.ErrCodeUpstreamQueue, "send failed", nil)
	}
	q.payloads = append(q.payloads, p)
	q.deliverAts = append(q.deliverAts, at)
	return fmt.Sprintf("msg-%d", len(q.payloads)), nil
}

// fakeRecords serves a fixed session and task list.
type fakeRecords struct {
	session *types.SessionSnapshot
	tasks   []types.TaskSnapshot
}

func (r *fakeRecords) GetSession(_ context.Context, id string) (*types.SessionSnapshot, error) {
	if r.session == nil || r.session.ID != id {
		return nil, types.NewAppError(types.ErrCodeNotFoundSession, "session not found", nil)
	}
	return r.session, nil
}

func (r *fakeRecords) ListOpenTasks(_ context.Context) ([]types.TaskSnapshot, error) {
	return r.tasks, nil
}

var schedNow = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func testSession() *types.SessionSnapshot {
	start := schedNow.Add(25 * time.Hour)
	return &types.SessionSnapshot{
		ID:              "sess-1",
		Name:            "Sprint Review",
		TeamID:          "team-1",
		TeamName:        "Team Rocket",
		ScheduledStart:  &start,
		DurationMinutes: 60,
		TeamMembers: []types.Contact{
			{ID: "u1", Name: "Ada", Email: "ada@example.com"},
			{ID: "u2", Name: "Grace", Email: "grace@example.com"},
		},
		Mentors: []types.Contact{
			{ID: "m1", Name: "Alan", Email: "alan@example.com"},
		},
	}
}

func newTestScheduler(ms *memStore, q *fakeQueue, r *fakeRecords) *Scheduler {
	s := New(ms, q, r, slog.Default())
	s.now = func() time.Time { return schedNow }
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return s
}

func TestScheduleSessionCreatesBatchesAndJobs(t *testing.T) {
	ms := newMemStore()
	q := &fakeQueue{configured: true}
	sched := newTestScheduler(ms, q, &fakeRecords{session: testSession()})

	res, err := sched.ScheduleSession(context.Background(), "sess-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Skipped {
		t.Fatalf("unexpected result: %+v", res)
	}
	// 25h out: prep24h for 2 students + mentorPrep for 1 mentor.
	if res.JobCount != 3 {
		t.Fatalf("JobCount = %d, want 3", res.JobCount)
	}
	if len(ms.batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(ms.batches))
	}
	if len(q.payloads) != 2 {
		t.Fatalf("expected 2 queue messages, got %d", len(q.payloads))
	}
	for _, job := range ms.jobs {
		if job.Status != types.JobStatusScheduled {
			t.Errorf("job %s status = %s, want scheduled", job.ID, job.Status)
		}
		if job.QueueMessageID == "" {
			t.Errorf("job %s missing queue message id", job.ID)
		}
	}
	if got := ms.sessions["sess-1"]; len(got) != 2 {
		t.Errorf("session index has %d batches, want 2", len(got))
	}
	if len(ms.userActive["u1"]) != 1 || len(ms.userActive["m1"]) != 1 {
		t.Errorf("user active indexes not updated: %+v", ms.userActive)
	}
}

func TestScheduleSessionIdempotent(t *testing.T) {
	ms := newMemStore()
	q := &fakeQueue{configured: true}
	sched := newTestScheduler(ms, q, &fakeRecords{session: testSession()})

	first, err := sched.ScheduleSession(context.Background(), "sess-1", false)
	if err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	second, err := sched.ScheduleSession(context.Background(), "sess-1", false)
	if err != nil {
		t.Fatalf("second schedule: %v", err)
	}
	if !second.Skipped || second.SkipReason == "" {
		t.Fatalf("second schedule not skipped: %+v", second)
	}
	if second.JobCount != 0 {
		t.Errorf("second schedule created jobs: %+v", second)
	}
	if len(ms.jobs) != first.JobCount {
		t.Errorf("job count changed on repeat schedule: %d", len(ms.jobs))
	}
}

func TestScheduleSessionForceReschedules(t *testing.T) {
	ms := newMemStore()
	q := &fakeQueue{configured: true}
	sched := newTestScheduler(ms, q, &fakeRecords{session: testSession()})

	first, err := sched.ScheduleSession(context.Background(), "sess-1", false)
	if err != nil {
		t.Fatalf("first schedule: %v", err)
	}

	res, err := sched.ScheduleSession(context.Background(), "sess-1", true)
	if err != nil {
		t.Fatalf("force schedule: %v", err)
	}
	if res.Skipped || !res.Success {
		t.Fatalf("force schedule skipped: %+v", res)
	}
	// Same 3 notification jobs plus a sessionUpdate to all 3 participants.
	if res.JobCount != first.JobCount+3 {
		t.Fatalf("JobCount = %d, want %d", res.JobCount, first.JobCount+3)
	}

	cancelled := 0
	live := 0
	for _, job := range ms.jobs {
		switch {
		case job.Status == types.JobStatusCancelled:
			cancelled++
		case job.IsLive():
			live++
		}
	}
	if cancelled != first.JobCount {
		t.Errorf("cancelled = %d, want %d", cancelled, first.JobCount)
	}
	if live != res.JobCount {
		t.Errorf("live = %d, want %d", live, res.JobCount)
	}

	var updateBatch *types.EmailBatch
	for _, b := range ms.batches {
		if b.Type == types.JobTypeSessionUpdate {
			updateBatch = b
		}
	}
	if updateBatch == nil {
		t.Fatal("expected a sessionUpdate batch after force reschedule")
	}
	if updateBatch.Total != 3 {
		t.Errorf("sessionUpdate total = %d, want 3", updateBatch.Total)
	}
}

func TestScheduleSessionCancelledCountersBumped(t *testing.T) {
	ms := newMemStore()
	q := &fakeQueue{configured: true}
	sched := newTestScheduler(ms, q, &fakeRecords{session: testSession()})

	if _, err := sched.ScheduleSession(context.Background(), "sess-1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.ScheduleSession(context.Background(), "sess-1", true); err != nil {
		t.Fatal(err)
	}

	for _, b := range ms.batches {
		if b.Cancelled+b.Completed+b.Failed > b.Total {
			t.Errorf("batch %s counters exceed total: %+v", b.BatchID, b)
		}
	}
}

func TestScheduleSessionQueueUnconfigured(t *testing.T) {
	ms := newMemStore()
	sched := newTestScheduler(ms, &fakeQueue{}, &fakeRecords{session: testSession()})

	res, err := sched.ScheduleSession(context.Background(), "sess-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Skipped || res.SkipReason != "delivery queue not configured" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(ms.jobs) != 0 {
		t.Error("no jobs expected when the queue is not configured")
	}
}

func TestScheduleSessionHandoffFailureLeavesJobsScheduled(t *testing.T) {
	ms := newMemStore()
	q := &fakeQueue{configured: true, failSend: true}
	sched := newTestScheduler(ms, q, &fakeRecords{session: testSession()})

	res, err := sched.ScheduleSession(context.Background(), "sess-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatalf("expected unsuccessful result, got %+v", res)
	}
	if res.JobCount != 3 {
		t.Fatalf("JobCount = %d, want 3", res.JobCount)
	}
	for _, job := range ms.jobs {
		if job.Status != types.JobStatusScheduled {
			t.Errorf("job %s status = %s, want scheduled", job.ID, job.Status)
		}
	}
}

func TestScheduleSessionUnknownSession(t *testing.T) {
	sched := newTestScheduler(newMemStore(), &fakeQueue{configured: true}, &fakeRecords{})
	_, err := sched.ScheduleSession(context.Background(), "nope", false)
	if err == nil {
		t.Fatal("expected an error for unknown session")
	}
}

func TestScheduleDigests(t *testing.T) {
	due := schedNow.Add(-30 * time.Hour)
	ada := &types.Contact{ID: "u1", Name: "Ada", Email: "ada@example.com"}
	ms := newMemStore()
	q := &fakeQueue{configured: true}
	sched := newTestScheduler(ms, q, &fakeRecords{tasks: []types.TaskSnapshot{
		{ID: "t1", Name: "Report", Status: types.TaskStatusNotStarted, DueDate: &due, Assignee: ada},
	}})

	res, err := sched.ScheduleDigests(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.JobCount != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(q.payloads) != 1 {
		t.Fatalf("expected 1 queue message, got %d", len(q.payloads))
	}
	bd, ok := q.payloads[0].(types.BatchDelivery)
	if !ok {
		t.Fatalf("payload is %T, want types.BatchDelivery", q.payloads[0])
	}
	if bd.Type != types.JobTypeTaskOverdueDigest || len(bd.Recipients) != 1 {
		t.Fatalf("unexpected payload: %+v", bd)
	}
	// Digests are not session-bound.
	if len(ms.sessions) != 0 {
		t.Errorf("digest batch must not enter a session index: %+v", ms.sessions)
	}
}

func TestScheduleDigestsNoneDue(t *testing.T) {
	sched := newTestScheduler(newMemStore(), &fakeQueue{configured: true}, &fakeRecords{})
	res, err := sched.ScheduleDigests(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Skipped {
		t.Fatalf("expected skip, got %+v", res)
	}
}
