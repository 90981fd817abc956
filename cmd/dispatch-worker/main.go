// Package main is the entrypoint for the Dispatch Worker Lambda function.
//
// The Dispatch Worker consumes envelopes from the delivery SQS queue and
// invokes the notification API's queue callbacks. SQS caps per-message delay
// at 15 minutes, so envelopes due further out hop: any envelope whose
// DeliverAt is still in the future is re-queued with a fresh delay and ACKed.
// Due envelopes are signed with the rotating HMAC signer and POSTed to the
// API's /v1/deliver or /v1/maintenance endpoint.
//
// Response handling follows the queue contract: a 2xx or 4xx callback
// response ACKs the message (4xx means the payload itself is bad and a retry
// cannot fix it), while 5xx and transport errors report a partial batch
// failure so SQS redelivers only that message.
//
// Cold Start (main):
//  1. Initialize structured logger.
//  2. Resolve *_SSM_PARAM secrets outside local mode.
//  3. Load AWS SDK configuration and the SQS client.
//  4. Initialize the publisher (re-queue path), signer, and metrics.
//  5. Register handler and call lambda.Start; in local mode, read one SQS
//     event from stdin instead.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"mentormail/internal/config"
	"mentormail/internal/metrics"
	"mentormail/internal/queue"
	"mentormail/internal/types"
)

const (
	deliverPath     = "/v1/deliver"
	maintenancePath = "/v1/maintenance"

	// callbackTimeout bounds one API invocation. Slightly above the API's
	// own request timeout so the server-side deadline fires first.
	callbackTimeout = 35 * time.Second
)

// Handler holds the dependencies for the dispatch worker Lambda handler.
type Handler struct {
	publisher       *queue.Publisher
	signer          *queue.Signer
	httpClient      *http.Client
	callbackBaseURL string
	metrics         metrics.Recorder
	logger          *slog.Logger
	now             func() time.Time
}

// Handle processes an SQS event containing one or more queue envelopes.
// Each envelope is processed independently; Lambda SQS integration uses
// partial batch responses so SQS retries only the messages that failed.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Error("failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage handles a single SQS record. A nil return ACKs the message.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var env types.QueueEnvelope
	if err := json.Unmarshal([]byte(record.Body), &env); err != nil {
		h.logger.Error("failed to unmarshal queue envelope",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		// Permanent parse failure, do not retry.
		return nil
	}

	logger := h.logger.With(
		"envelope_id", env.MessageID,
		"kind", string(env.Kind),
		"deliver_at", env.DeliverAt,
	)

	now := h.now()

	// Not due yet: hop. SQS caps DelaySeconds at 15 minutes, so far-future
	// envelopes re-enter the queue until their time comes.
	if env.DeliverAt.After(now.Add(time.Second)) {
		logger.Info("envelope not yet due, re-queuing",
			"remaining", env.DeliverAt.Sub(now).String(),
		)
		if err := h.publisher.Requeue(ctx, env); err != nil {
			return fmt.Errorf("requeue envelope %s: %w", env.MessageID, err)
		}
		return nil
	}

	h.metrics.RecordQueueLag(ctx, now.Sub(env.DeliverAt))

	body, path, err := callbackBody(env)
	if err != nil {
		logger.Error("envelope cannot be dispatched", "error", err.Error())
		// Malformed envelope, a retry cannot fix it.
		return nil
	}

	return h.invokeCallback(ctx, path, body, logger)
}

// callbackBody maps an envelope to the callback endpoint and request body.
func callbackBody(env types.QueueEnvelope) ([]byte, string, error) {
	switch env.Kind {
	case types.EnvelopeDelivery:
		if len(env.Payload) == 0 {
			return nil, "", fmt.Errorf("delivery envelope %s has no payload", env.MessageID)
		}
		return env.Payload, deliverPath, nil
	case types.EnvelopeMaintenance:
		if env.Maintenance == "" {
			return nil, "", fmt.Errorf("maintenance envelope %s names no task", env.MessageID)
		}
		body, err := json.Marshal(map[string]string{"task": string(env.Maintenance)})
		if err != nil {
			return nil, "", err
		}
		return body, maintenancePath, nil
	default:
		return nil, "", fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
}

// invokeCallback signs the body and POSTs it to the notification API.
func (h *Handler) invokeCallback(ctx context.Context, path string, body []byte, logger *slog.Logger) error {
	signature, err := h.signer.Sign(body, h.now())
	if err != nil {
		return fmt.Errorf("sign callback body: %w", err)
	}

	url := h.callbackBaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(queue.SignatureHeader, signature)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", path, err)
	}
	defer resp.Body.Close()

	// Bounded read so error bodies make it into the log.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		logger.Info("callback delivered", "path", path, "status", resp.StatusCode)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The API rejected the payload itself. Redelivering the same bytes
		// yields the same rejection, so ACK and leave the trail in the log.
		logger.Error("callback rejected, dropping envelope",
			"path", path,
			"status", resp.StatusCode,
			"response", string(respBody),
		)
		return nil
	default:
		return fmt.Errorf("callback %s returned status %d: %s", path, resp.StatusCode, string(respBody))
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("dispatch worker initializing (cold start)")

	// Resolve secret bindings before reading them. Skipped in local mode.
	if os.Getenv("APP_ENV") != "local" {
		provider := config.NewSSMProvider(os.Getenv("AWS_REGION"))
		if err := config.ResolveSecrets(provider); err != nil {
			logger.Error("failed to resolve secrets", "error", err)
			os.Exit(1)
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	queueURL := os.Getenv("SQS_DELIVERY_QUEUE")
	callbackBaseURL := os.Getenv("QUEUE_CALLBACK_BASE_URL")
	if callbackBaseURL == "" {
		logger.Error("QUEUE_CALLBACK_BASE_URL is required")
		os.Exit(1)
	}
	signingSecret := os.Getenv("QUEUE_SIGNING_SECRET")
	if signingSecret == "" {
		logger.Error("QUEUE_SIGNING_SECRET is required")
		os.Exit(1)
	}
	metricNamespace := os.Getenv("METRIC_NAMESPACE")

	endpointURL := os.Getenv("AWS_ENDPOINT_URL")
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = &endpointURL
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = &endpointURL
		}
	})

	handler := &Handler{
		publisher:       queue.NewPublisher(sqsClient, queueURL, logger),
		signer:          queue.NewSigner(signingSecret, os.Getenv("QUEUE_SIGNING_SECRET_PREVIOUS")),
		httpClient:      &http.Client{Timeout: callbackTimeout},
		callbackBaseURL: callbackBaseURL,
		metrics:         metrics.NewCloudWatchRecorder(cwClient, metricNamespace, logger),
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}

	logger.Info("dispatch worker initialized",
		"delivery_queue", queueURL,
		"callback_base_url", callbackBaseURL,
	)

	// Local mode: read one JSON SQS event from stdin instead of starting the
	// Lambda runtime. Enables local integration testing without the RIE.
	// Usage: echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/dispatch-worker
	if os.Getenv("APP_ENV") == "local" {
		logger.Info("APP_ENV=local: reading SQS event from stdin")
		payload, err := io.ReadAll(os.Stdin)
		if err != nil {
			logger.Error("failed to read stdin", "error", err)
			os.Exit(1)
		}
		if len(payload) == 0 {
			logger.Error("no input received on stdin")
			os.Exit(1)
		}
		var sqsEvent events.SQSEvent
		if err := json.Unmarshal(payload, &sqsEvent); err != nil {
			logger.Error("failed to parse stdin as SQS event", "error", err)
			os.Exit(1)
		}
		response, err := handler.Handle(context.Background(), sqsEvent)
		if err != nil {
			logger.Error("handler execution failed", "error", err)
			os.Exit(1)
		}
		if len(response.BatchItemFailures) > 0 {
			respJSON, _ := json.MarshalIndent(response, "", "  ")
			fmt.Fprintln(os.Stderr, string(respJSON))
		}
		logger.Info("handler execution completed",
			"records_processed", len(sqsEvent.Records),
			"failures", len(response.BatchItemFailures),
		)
		return
	}

	lambda.Start(handler.Handle)
}
