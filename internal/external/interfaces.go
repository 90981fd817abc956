package external

import (
	"context"

	"mentormail/internal/types"
)

// ---------------------------------------------------------------------------
// Mail Provider
// ---------------------------------------------------------------------------

// MailMessage is one pre-rendered email ready for transmission.
type MailMessage struct {
	From    types.Contact
	To      types.Contact
	Subject string
	HTML    string
	// ReferenceID correlates the message with the originating job.
	ReferenceID string
}

// SendResult is the per-message outcome of a batch send. The provider
// preserves input order, so results correlate to messages by position.
// An empty ID means the provider accepted the batch but issued no id for
// that message; callers treat it as a failure.
type SendResult struct {
	ID string
}

// MailProvider abstracts the transactional email service. Implementations
// transmit pre-rendered content and return provider message ids for
// delivery tracking.
type MailProvider interface {
	// Send transmits a single email and returns the provider message id.
	Send(ctx context.Context, msg MailMessage) (string, error)

	// SendBatch transmits multiple emails in one API call. Results are
	// positional: results[i] corresponds to msgs[i].
	SendBatch(ctx context.Context, msgs []MailMessage) ([]SendResult, error)
}

// ---------------------------------------------------------------------------
// Mentorship Records Service
// ---------------------------------------------------------------------------

// RecordsService abstracts the system of record for mentorship sessions and
// tasks. The payload builder reads snapshots from it; nothing here writes
// back.
type RecordsService interface {
	// GetSession fetches one session snapshot by id.
	GetSession(ctx context.Context, sessionID string) (*types.SessionSnapshot, error)

	// ListOpenTasks fetches all tasks not yet completed, across teams.
	ListOpenTasks(ctx context.Context) ([]types.TaskSnapshot, error)
}
