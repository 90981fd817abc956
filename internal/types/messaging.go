package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeliveryPayload is the queue callback body as a tagged union. The wire
// format distinguishes the two shapes with an "isBatch" boolean for
// compatibility with existing queue consumers; in-process code works with the
// closed SingleDelivery/BatchDelivery variants and an exhaustive type switch.
type DeliveryPayload interface {
	isDeliveryPayload()
}

// SingleDelivery instructs the worker to render and send one email for one
// job. This is the legacy shape; new schedules always use BatchDelivery.
type SingleDelivery struct {
	JobID         string
	SessionID     string
	Type          JobType
	To            string
	RecipientName string
	Metadata      JobMetadata
}

func (SingleDelivery) isDeliveryPayload() {}

// BatchRecipient identifies one recipient within a batch delivery and the
// job it correlates to.
type BatchRecipient struct {
	JobID         string `json:"jobId"`
	To            string `json:"to"`
	RecipientName string `json:"recipientName"`
	Role          Role   `json:"role,omitempty"`
}

// BatchDelivery instructs the worker to render one email per recipient and
// send them all through the provider's batch endpoint in a single call.
type BatchDelivery struct {
	BatchID    string
	SessionID  string
	Type       JobType
	Recipients []BatchRecipient
	Metadata   JobMetadata
}

func (BatchDelivery) isDeliveryPayload() {}

// singleWire and batchWire are the wire representations of the union. JSON
// field names are part of the queue callback contract and must not change.
type singleWire struct {
	IsBatch       bool        `json:"isBatch"`
	JobID         string      `json:"jobId"`
	SessionID     string      `json:"sessionId"`
	Type          JobType     `json:"type"`
	To            string      `json:"to"`
	RecipientName string      `json:"recipientName"`
	Metadata      JobMetadata `json:"metadata"`
}

type batchWire struct {
	IsBatch    bool             `json:"isBatch"`
	BatchID    string           `json:"batchId"`
	SessionID  string           `json:"sessionId"`
	Type       JobType          `json:"type"`
	Recipients []BatchRecipient `json:"recipients"`
	Metadata   JobMetadata      `json:"metadata"`
}

// ParseDeliveryPayload decodes a queue callback body into the appropriate
// variant based on the isBatch discriminator.
func ParseDeliveryPayload(body []byte) (DeliveryPayload, error) {
	var probe struct {
		IsBatch bool `json:"isBatch"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("types: failed to decode delivery payload: %w", err)
	}

	if probe.IsBatch {
		var w batchWire
		if err := json.Unmarshal(body, &w); err != nil {
			return nil, fmt.Errorf("types: failed to decode batch delivery payload: %w", err)
		}
		if w.BatchID == "" {
			return nil, fmt.Errorf("types: batch delivery payload missing batchId")
		}
		return BatchDelivery{
			BatchID:    w.BatchID,
			SessionID:  w.SessionID,
			Type:       w.Type,
			Recipients: w.Recipients,
			Metadata:   w.Metadata,
		}, nil
	}

	var w singleWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("types: failed to decode single delivery payload: %w", err)
	}
	if w.JobID == "" {
		return nil, fmt.Errorf("types: single delivery payload missing jobId")
	}
	return SingleDelivery{
		JobID:         w.JobID,
		SessionID:     w.SessionID,
		Type:          w.Type,
		To:            w.To,
		RecipientName: w.RecipientName,
		Metadata:      w.Metadata,
	}, nil
}

// EncodeDeliveryPayload serializes a payload variant to its wire form.
func EncodeDeliveryPayload(p DeliveryPayload) ([]byte, error) {
	switch v := p.(type) {
	case SingleDelivery:
		return json.Marshal(singleWire{
			IsBatch:       false,
			JobID:         v.JobID,
			SessionID:     v.SessionID,
			Type:          v.Type,
			To:            v.To,
			RecipientName: v.RecipientName,
			Metadata:      v.Metadata,
		})
	case BatchDelivery:
		return json.Marshal(batchWire{
			IsBatch:    true,
			BatchID:    v.BatchID,
			SessionID:  v.SessionID,
			Type:       v.Type,
			Recipients: v.Recipients,
			Metadata:   v.Metadata,
		})
	default:
		return nil, fmt.Errorf("types: unknown delivery payload variant %T", p)
	}
}

// EnvelopeKind routes a queue message to the correct worker endpoint.
type EnvelopeKind string

const (
	EnvelopeDelivery    EnvelopeKind = "delivery"
	EnvelopeMaintenance EnvelopeKind = "maintenance"
)

// MaintenanceTask names a maintenance operation carried by a maintenance
// envelope.
type MaintenanceTask string

const (
	MaintenancePurgeExpired    MaintenanceTask = "purge_expired"
	MaintenanceReconcileOrphan MaintenanceTask = "reconcile_orphans"
)

// QueueEnvelope is the SQS message body produced by the queue publisher and
// consumed by the dispatch worker. DeliverAt carries the intended fire time:
// SQS caps per-message delay at 15 minutes, so the dispatch worker
// re-enqueues messages whose DeliverAt is still in the future and only
// forwards due messages to the HTTP callback.
type QueueEnvelope struct {
	Kind        EnvelopeKind    `json:"kind"`
	MessageID   string          `json:"messageId"`
	DeliverAt   time.Time       `json:"deliverAt"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Maintenance MaintenanceTask `json:"maintenance,omitempty"`
}
