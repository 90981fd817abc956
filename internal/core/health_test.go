package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// stubProbe is a configurable HealthProbe for tests.
type stubProbe struct {
	name  string
	err   error
	delay time.Duration
}

func (p stubProbe) Name() string { return p.name }

func (p stubProbe) Check(ctx context.Context) error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func doHealthCheck(t *testing.T, s *Server) (*httptest.ResponseRecorder, healthResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	s.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid health response: %v", err)
	}
	return w, resp
}

func TestHealthNoProbes(t *testing.T) {
	s := newTestServer(t)

	w, resp := doHealthCheck(t, s)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
}

func TestHealthAllProbesPass(t *testing.T) {
	s := newTestServer(t)
	s.HealthProbes = []HealthProbe{
		stubProbe{name: "database"},
		stubProbe{name: "queue"},
	}

	w, resp := doHealthCheck(t, s)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if resp.Components["database"].Status != "healthy" {
		t.Errorf("database component = %+v", resp.Components["database"])
	}
	if resp.Components["queue"].Status != "healthy" {
		t.Errorf("queue component = %+v", resp.Components["queue"])
	}
}

func TestHealthFailingProbe(t *testing.T) {
	s := newTestServer(t)
	s.HealthProbes = []HealthProbe{
		stubProbe{name: "database", err: errors.New("connection refused")},
		stubProbe{name: "queue"},
	}

	w, resp := doHealthCheck(t, s)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", resp.Status)
	}
	if resp.Components["database"].Status != "unhealthy" {
		t.Errorf("database component = %+v", resp.Components["database"])
	}
	if resp.Components["database"].Message != "connection refused" {
		t.Errorf("database message = %q", resp.Components["database"].Message)
	}
	if resp.Components["queue"].Status != "healthy" {
		t.Errorf("queue component = %+v", resp.Components["queue"])
	}
}

func TestHealthProbeTimeout(t *testing.T) {
	s := newTestServer(t)
	s.HealthProbes = []HealthProbe{
		stubProbe{name: "database", delay: 5 * time.Second},
	}

	w, resp := doHealthCheck(t, s)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if resp.Components["database"].Status != "unhealthy" {
		t.Errorf("database component = %+v", resp.Components["database"])
	}
}
