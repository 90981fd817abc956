// Package queue provides the SQS-based handoff between the job scheduler
// and the dispatch worker, plus the HMAC signature scheme used when the
// worker calls back into the delivery endpoint.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"mentormail/internal/types"
)

// maxSQSDelay is the per-message DelaySeconds ceiling imposed by SQS.
// Envelopes due further out are re-enqueued by the dispatch worker until
// their DeliverAt passes.
const maxSQSDelay = 900 * time.Second

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher serializes queue envelopes and sends them to the dispatch
// queue. An unconfigured Publisher (empty queue URL) reports itself as
// disabled so callers can surface the state instead of failing.
type Publisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
	now      func() time.Time
}

// NewPublisher creates a Publisher for the given dispatch queue.
func NewPublisher(client SQSSender, queueURL string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Configured reports whether a dispatch queue is set up.
func (p *Publisher) Configured() bool {
	return p.queueURL != ""
}

// EnqueueDelivery wraps a delivery payload in an envelope due at deliverAt
// and sends it. Returns the queue message id recorded on the jobs.
func (p *Publisher) EnqueueDelivery(ctx context.Context, payload types.DeliveryPayload, deliverAt time.Time) (string, error) {
	body, err := types.EncodeDeliveryPayload(payload)
	if err != nil {
		return "", fmt.Errorf("queue: failed to encode delivery payload: %w", err)
	}

	env := types.QueueEnvelope{
		Kind:      types.EnvelopeDelivery,
		MessageID: uuid.New().String(),
		DeliverAt: deliverAt.UTC(),
		Payload:   body,
	}
	if err := p.send(ctx, env); err != nil {
		return "", err
	}
	return env.MessageID, nil
}

// EnqueueMaintenance sends a maintenance envelope due at deliverAt.
func (p *Publisher) EnqueueMaintenance(ctx context.Context, task types.MaintenanceTask, deliverAt time.Time) (string, error) {
	env := types.QueueEnvelope{
		Kind:        types.EnvelopeMaintenance,
		MessageID:   uuid.New().String(),
		DeliverAt:   deliverAt.UTC(),
		Maintenance: task,
	}
	if err := p.send(ctx, env); err != nil {
		return "", err
	}
	return env.MessageID, nil
}

// Requeue re-sends an existing envelope, preserving its message id and
// DeliverAt. Used by the dispatch worker for envelopes not yet due.
func (p *Publisher) Requeue(ctx context.Context, env types.QueueEnvelope) error {
	return p.send(ctx, env)
}

func (p *Publisher) send(ctx context.Context, env types.QueueEnvelope) error {
	if p.queueURL == "" {
		return fmt.Errorf("queue: dispatch queue not configured")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal envelope: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: DelayFor(p.now(), env.DeliverAt),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(env.Kind)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			"failed to enqueue message", err)
	}

	p.logger.InfoContext(ctx, "envelope enqueued",
		"queue_url", p.queueURL,
		"message_id", env.MessageID,
		"kind", string(env.Kind),
		"deliver_at", env.DeliverAt,
	)
	return nil
}

// DelayFor computes the SQS DelaySeconds for an envelope: the time until
// deliverAt, clamped to [0, 900].
func DelayFor(now, deliverAt time.Time) int32 {
	remaining := deliverAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if remaining > maxSQSDelay {
		remaining = maxSQSDelay
	}
	return int32(remaining / time.Second)
}
