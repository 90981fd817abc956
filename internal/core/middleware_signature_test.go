package core

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mentormail/internal/queue"
	"mentormail/internal/types"
)

const testSigningSecret = "test-signing-secret"

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	signer := queue.NewSigner(testSigningSecret, "")
	header, err := signer.Sign([]byte(body), time.Now())
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/v1/deliver", strings.NewReader(body))
	r.Header.Set(queue.SignatureHeader, header)
	return r
}

func echoBodyHandler(t *testing.T, captured *string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("handler failed to read body: %v", err)
		}
		*captured = string(body)
		w.WriteHeader(http.StatusOK)
	})
}

func TestSignatureMiddlewareAcceptsValid(t *testing.T) {
	s := newTestServer(t)
	s.Signer = queue.NewSigner(testSigningSecret, "")

	var captured string
	handler := s.SignatureMiddleware(echoBodyHandler(t, &captured))

	body := `{"isBatch":true,"batchId":"b1"}`
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(t, body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if captured != body {
		t.Errorf("handler saw body %q, want original restored", captured)
	}
}

func TestSignatureMiddlewareRejectsMissingHeader(t *testing.T) {
	s := newTestServer(t)
	s.Signer = queue.NewSigner(testSigningSecret, "")

	handler := s.SignatureMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without signature")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/deliver", strings.NewReader("{}")))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	var resp APIErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Error.Code != string(types.ErrCodeAuthSignatureMissing) {
		t.Errorf("code = %q, want auth_signature_missing", resp.Error.Code)
	}
}

func TestSignatureMiddlewareRejectsTampered(t *testing.T) {
	s := newTestServer(t)
	s.Signer = queue.NewSigner(testSigningSecret, "")

	handler := s.SignatureMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with tampered body")
	}))

	r := signedRequest(t, `{"isBatch":true,"batchId":"b1"}`)
	r.Body = io.NopCloser(strings.NewReader(`{"isBatch":true,"batchId":"evil"}`))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	var resp APIErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Error.Code != string(types.ErrCodeAuthSignatureInvalid) {
		t.Errorf("code = %q, want auth_signature_invalid", resp.Error.Code)
	}
}

func TestSignatureMiddlewareAcceptsRotatedSecret(t *testing.T) {
	s := newTestServer(t)
	// Server still holds the old secret as previous.
	s.Signer = queue.NewSigner("new-secret", testSigningSecret)

	var captured string
	handler := s.SignatureMiddleware(echoBodyHandler(t, &captured))

	// Sender still signs with the old secret.
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(t, `{"isBatch":false,"jobId":"j1"}`))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 during rotation", w.Code)
	}
}

func TestSignatureMiddlewareUnconfiguredProduction(t *testing.T) {
	s := newTestServer(t)
	s.Config.Environment = "prod"
	s.Signer = queue.NewSigner("", "")

	handler := s.SignatureMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without signature enforcement in prod")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/deliver", strings.NewReader("{}")))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestSignatureMiddlewareUnconfiguredLocalPassesThrough(t *testing.T) {
	s := newTestServer(t)
	s.Signer = queue.NewSigner("", "")

	var captured string
	handler := s.SignatureMiddleware(echoBodyHandler(t, &captured))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/deliver", strings.NewReader(`{"x":1}`)))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 in local without secret", w.Code)
	}
	if captured != `{"x":1}` {
		t.Errorf("handler saw body %q", captured)
	}
}
