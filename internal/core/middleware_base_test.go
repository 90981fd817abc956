package core

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mentormail/internal/types"
)

func TestRecovererCatchesPanic(t *testing.T) {
	s := newTestServer(t)

	handler := s.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}

	var resp APIErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("panic response is not valid JSON: %v", err)
	}
	if resp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("error.code = %q, want internal_unexpected_error", resp.Error.Code)
	}
	if strings.Contains(w.Body.String(), "boom") {
		t.Error("panic value leaked to client")
	}
}

func TestRecovererPassesThroughNormally(t *testing.T) {
	s := newTestServer(t)

	handler := s.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}

func TestRequestIDMiddlewareGenerates(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("no request ID in context")
	}
	if got := w.Header().Get("X-Request-Id"); got != seen {
		t.Errorf("response header %q != context value %q", got, seen)
	}
}

func TestRequestIDMiddlewarePropagates(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "upstream-id-42")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if seen != "upstream-id-42" {
		t.Errorf("request ID = %q, want upstream-id-42", seen)
	}
}

// logCapture collects structured log records for assertions.
type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *logCapture) logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&c.buf, nil))
}

func (c *logCapture) lines(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(c.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestRequestLoggerRecordsStatusAndRedacts(t *testing.T) {
	capture := &logCapture{}
	handler := RequestLogger(capture.logger(), []string{"X-Mentormail-Signature"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))

	r := httptest.NewRequest(http.MethodPost, "/v1/deliver", nil)
	r.Header.Set("X-Mentormail-Signature", "t=1,v1=secretvalue")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	lines := capture.lines(t)
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1", len(lines))
	}
	entry := lines[0]
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN for 4xx", entry["level"])
	}
	if entry["status"] != float64(http.StatusBadRequest) {
		t.Errorf("status = %v, want 400", entry["status"])
	}
	raw, _ := json.Marshal(entry)
	if strings.Contains(string(raw), "secretvalue") {
		t.Error("signature header value leaked into logs")
	}
}

func TestRequestLoggerErrorLevelFor5xx(t *testing.T) {
	capture := &logCapture{}
	handler := RequestLogger(capture.logger(), nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	lines := capture.lines(t)
	if len(lines) != 1 || lines[0]["level"] != "ERROR" {
		t.Errorf("expected one ERROR line, got %v", lines)
	}
}

// recordedRequest captures one MetricsCollector call.
type recordedRequest struct {
	method, endpoint, status string
	duration                 time.Duration
}

type fakeCollector struct {
	calls []recordedRequest
}

func (f *fakeCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	f.calls = append(f.calls, recordedRequest{method, endpoint, status, duration})
}

func TestMetricsMiddlewareRecords(t *testing.T) {
	s := newTestServer(t)
	collector := &fakeCollector{}
	s.Metrics = collector

	handler := s.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/schedule", nil))

	if len(collector.calls) != 1 {
		t.Fatalf("got %d metric calls, want 1", len(collector.calls))
	}
	call := collector.calls[0]
	if call.method != http.MethodPost || call.endpoint != "/v1/schedule" || call.status != "201" {
		t.Errorf("recorded %+v", call)
	}
}

func TestMetricsMiddlewareNilCollector(t *testing.T) {
	s := newTestServer(t)

	handler := s.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	handler := s.SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestContextTimeoutMiddleware(t *testing.T) {
	var hadDeadline bool
	handler := ContextTimeoutMiddleware(50 * time.Millisecond)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, hadDeadline = r.Context().Deadline()
		}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !hadDeadline {
		t.Error("request context has no deadline")
	}
}
