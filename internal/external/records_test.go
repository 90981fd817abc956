package external

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mentormail/internal/types"
)

func newTestRecordsClient(t *testing.T, serverURL string) *RecordsClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-records",
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond},
		"MentorMail-Test/1.0",
		WithSleepFunc(noopSleep),
	)
	return NewRecordsClientWithBase(base, RecordsClientConfig{
		BaseURL:  serverURL,
		APIToken: "records_test_token",
	})
}

func TestRecordsGetSession_Success(t *testing.T) {
	start := time.Date(2026, 3, 12, 15, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/sess_42" {
			t.Errorf("expected path /sessions/sess_42, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer records_test_token" {
			t.Errorf("expected bearer token header, got %q", got)
		}
		json.NewEncoder(w).Encode(types.SessionSnapshot{
			ID:              "sess_42",
			Name:            "Sprint Review",
			SessionType:     "mentor_session",
			TeamID:          "team_1",
			TeamName:        "Team Rocket",
			ScheduledStart:  &start,
			DurationMinutes: 60,
			TeamMembers: []types.Contact{
				{ID: "c1", Name: "Ada", Email: "ada@example.com"},
			},
			Mentors: []types.Contact{
				{ID: "m1", Name: "Grace", Email: "grace@example.com"},
			},
		})
	}))
	defer server.Close()

	client := newTestRecordsClient(t, server.URL)

	session, err := client.GetSession(context.Background(), "sess_42")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if session.Name != "Sprint Review" {
		t.Errorf("expected session name 'Sprint Review', got %q", session.Name)
	}
	if session.ScheduledStart == nil || !session.ScheduledStart.Equal(start) {
		t.Errorf("expected scheduled start %v, got %v", start, session.ScheduledStart)
	}
	if len(session.Mentors) != 1 || session.Mentors[0].Email != "grace@example.com" {
		t.Errorf("mentors not decoded: %+v", session.Mentors)
	}
}

func TestRecordsGetSession_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestRecordsClient(t, server.URL)

	_, err := client.GetSession(context.Background(), "sess_missing")
	if err == nil {
		t.Fatal("expected error for 404")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeNotFoundSession {
		t.Errorf("expected code %q, got %q", types.ErrCodeNotFoundSession, appErr.Code)
	}
}

func TestRecordsListOpenTasks_FollowsPagination(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	calls := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("open") != "true" {
			t.Errorf("expected open=true query, got %s", r.URL.RawQuery)
		}
		switch r.URL.Query().Get("offset") {
		case "":
			json.NewEncoder(w).Encode(map[string]any{
				"tasks": []types.TaskSnapshot{
					{ID: "t1", Name: "Draft report", Status: types.TaskStatusNotStarted, DueDate: &due},
				},
				"offset": "page2",
			})
		case "page2":
			json.NewEncoder(w).Encode(map[string]any{
				"tasks": []types.TaskSnapshot{
					{ID: "t2", Name: "Review draft", Status: types.TaskStatusInProgress},
				},
			})
		default:
			t.Errorf("unexpected offset %q", r.URL.Query().Get("offset"))
		}
	}))
	defer server.Close()

	client := newTestRecordsClient(t, server.URL)

	tasks, err := client.ListOpenTasks(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 page fetches, got %d", calls)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != "t1" || tasks[1].ID != "t2" {
		t.Errorf("tasks out of order: %+v", tasks)
	}
}

func TestRecordsListOpenTasks_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad view"}`))
	}))
	defer server.Close()

	client := newTestRecordsClient(t, server.URL)

	_, err := client.ListOpenTasks(context.Background())
	if err == nil {
		t.Fatal("expected error for 400")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeUpstreamRecords {
		t.Errorf("expected code %q, got %q", types.ErrCodeUpstreamRecords, appErr.Code)
	}
}
