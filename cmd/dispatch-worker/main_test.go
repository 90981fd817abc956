package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"mentormail/internal/metrics"
	"mentormail/internal/queue"
	"mentormail/internal/types"
)

const testSigningSecret = "dispatch-test-secret"

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{}, nil
}

type callbackRecorder struct {
	path      string
	body      []byte
	signature string
	status    int
	calls     int
}

func (c *callbackRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.calls++
	c.path = r.URL.Path
	c.body, _ = io.ReadAll(r.Body)
	c.signature = r.Header.Get(queue.SignatureHeader)
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func newTestHandler(t *testing.T, callback *callbackRecorder, sender *fakeSQS, now time.Time) *Handler {
	t.Helper()
	srv := httptest.NewServer(callback)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return &Handler{
		publisher:       queue.NewPublisher(sender, "https://sqs.test/queue", logger),
		signer:          queue.NewSigner(testSigningSecret, ""),
		httpClient:      srv.Client(),
		callbackBaseURL: srv.URL,
		metrics:         metrics.Noop{},
		logger:          logger,
		now:             func() time.Time { return now },
	}
}

func envelopeRecord(t *testing.T, env types.QueueEnvelope) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	return events.SQSMessage{MessageId: "msg-1", Body: string(body)}
}

func TestHandle_DueDeliveryEnvelope(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	payload, _ := types.EncodeDeliveryPayload(types.SingleDelivery{
		JobID: "job_1",
		To:    "student@example.com",
	})
	callback := &callbackRecorder{}
	sender := &fakeSQS{}
	h := newTestHandler(t, callback, sender, now)

	resp, err := h.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{envelopeRecord(t, types.QueueEnvelope{
			Kind:      types.EnvelopeDelivery,
			MessageID: "env-1",
			DeliverAt: now.Add(-time.Minute),
			Payload:   payload,
		})},
	})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("expected no failures, got %v", resp.BatchItemFailures)
	}
	if callback.calls != 1 || callback.path != "/v1/deliver" {
		t.Fatalf("expected one call to /v1/deliver, got %d to %q", callback.calls, callback.path)
	}
	if string(callback.body) != string(payload) {
		t.Errorf("callback body does not match envelope payload")
	}
	if !queue.NewSigner(testSigningSecret, "").Verify(callback.body, callback.signature) {
		t.Error("callback signature does not verify")
	}
	if len(sender.inputs) != 0 {
		t.Error("due envelope must not be re-queued")
	}
}

func TestHandle_FutureEnvelopeRequeued(t *testing.T) {
	// Real clock: the publisher computes the SQS delay from time.Now.
	now := time.Now().UTC()
	callback := &callbackRecorder{}
	sender := &fakeSQS{}
	h := newTestHandler(t, callback, sender, now)

	env := types.QueueEnvelope{
		Kind:      types.EnvelopeDelivery,
		MessageID: "env-1",
		DeliverAt: now.Add(2 * time.Hour),
		Payload:   json.RawMessage(`{"isBatch":false,"jobId":"job_1"}`),
	}
	resp, err := h.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{envelopeRecord(t, env)},
	})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("expected no failures, got %v", resp.BatchItemFailures)
	}
	if callback.calls != 0 {
		t.Error("future envelope must not invoke the callback")
	}
	if len(sender.inputs) != 1 {
		t.Fatalf("expected one re-queue, got %d", len(sender.inputs))
	}
	// Far-future hop gets the maximum SQS delay.
	if got := sender.inputs[0].DelaySeconds; got != 900 {
		t.Errorf("expected 900s delay, got %d", got)
	}

	var requeued types.QueueEnvelope
	if err := json.Unmarshal([]byte(*sender.inputs[0].MessageBody), &requeued); err != nil {
		t.Fatalf("failed to decode re-queued envelope: %v", err)
	}
	if requeued.MessageID != env.MessageID || !requeued.DeliverAt.Equal(env.DeliverAt) {
		t.Errorf("re-queue must preserve message id and deliver time: %+v", requeued)
	}
}

func TestHandle_RequeueFailureRetries(t *testing.T) {
	now := time.Now().UTC()
	callback := &callbackRecorder{}
	sender := &fakeSQS{err: context.DeadlineExceeded}
	h := newTestHandler(t, callback, sender, now)

	resp, err := h.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{envelopeRecord(t, types.QueueEnvelope{
			Kind:      types.EnvelopeDelivery,
			MessageID: "env-1",
			DeliverAt: now.Add(time.Hour),
			Payload:   json.RawMessage(`{}`),
		})},
	})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(resp.BatchItemFailures) != 1 {
		t.Fatalf("expected one batch item failure, got %d", len(resp.BatchItemFailures))
	}
}

func TestHandle_MaintenanceEnvelope(t *testing.T) {
	now := time.Now().UTC()
	callback := &callbackRecorder{}
	h := newTestHandler(t, callback, &fakeSQS{}, now)

	resp, err := h.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{envelopeRecord(t, types.QueueEnvelope{
			Kind:        types.EnvelopeMaintenance,
			MessageID:   "env-1",
			DeliverAt:   now.Add(-time.Minute),
			Maintenance: types.MaintenancePurgeExpired,
		})},
	})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("expected no failures, got %v", resp.BatchItemFailures)
	}
	if callback.path != "/v1/maintenance" {
		t.Errorf("expected /v1/maintenance, got %q", callback.path)
	}

	var req struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(callback.body, &req); err != nil {
		t.Fatalf("failed to decode callback body: %v", err)
	}
	if req.Task != string(types.MaintenancePurgeExpired) {
		t.Errorf("expected purge task, got %q", req.Task)
	}
}

func TestHandle_CallbackRejectionAcks(t *testing.T) {
	now := time.Now().UTC()
	callback := &callbackRecorder{status: http.StatusBadRequest}
	h := newTestHandler(t, callback, &fakeSQS{}, now)

	resp, err := h.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{envelopeRecord(t, types.QueueEnvelope{
			Kind:      types.EnvelopeDelivery,
			MessageID: "env-1",
			DeliverAt: now.Add(-time.Minute),
			Payload:   json.RawMessage(`{"isBatch":false,"jobId":"job_1"}`),
		})},
	})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Error("4xx responses must ACK: redelivery cannot fix a bad payload")
	}
}

func TestHandle_CallbackServerErrorRetries(t *testing.T) {
	now := time.Now().UTC()
	callback := &callbackRecorder{status: http.StatusInternalServerError}
	h := newTestHandler(t, callback, &fakeSQS{}, now)

	resp, err := h.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{envelopeRecord(t, types.QueueEnvelope{
			Kind:      types.EnvelopeDelivery,
			MessageID: "env-1",
			DeliverAt: now.Add(-time.Minute),
			Payload:   json.RawMessage(`{"isBatch":false,"jobId":"job_1"}`),
		})},
	})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(resp.BatchItemFailures) != 1 {
		t.Fatalf("expected one batch item failure, got %d", len(resp.BatchItemFailures))
	}
	if resp.BatchItemFailures[0].ItemIdentifier != "msg-1" {
		t.Errorf("failure must name the SQS message id, got %q", resp.BatchItemFailures[0].ItemIdentifier)
	}
}

func TestHandle_MalformedBodyAcks(t *testing.T) {
	now := time.Now().UTC()
	callback := &callbackRecorder{}
	sender := &fakeSQS{}
	h := newTestHandler(t, callback, sender, now)

	resp, err := h.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{{MessageId: "msg-1", Body: "not json"}},
	})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Error("unparseable messages must ACK, not loop forever")
	}
	if callback.calls != 0 || len(sender.inputs) != 0 {
		t.Error("unparseable messages must not be dispatched or re-queued")
	}
}

func TestHandle_UnknownKindAcks(t *testing.T) {
	now := time.Now().UTC()
	callback := &callbackRecorder{}
	h := newTestHandler(t, callback, &fakeSQS{}, now)

	resp, err := h.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{envelopeRecord(t, types.QueueEnvelope{
			Kind:      "telemetry",
			MessageID: "env-1",
			DeliverAt: now.Add(-time.Minute),
		})},
	})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Error("unknown envelope kinds must ACK")
	}
	if callback.calls != 0 {
		t.Error("unknown envelope kinds must not invoke the callback")
	}
}

func TestCallbackBody_DeliveryWithoutPayload(t *testing.T) {
	_, _, err := callbackBody(types.QueueEnvelope{
		Kind:      types.EnvelopeDelivery,
		MessageID: "env-1",
	})
	if err == nil {
		t.Fatal("expected error for delivery envelope without payload")
	}
}
