package external

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"mentormail/internal/types"
)

// ---------------------------------------------------------------------------
// Stub Implementations
//
// Stubs let the application boot in local mode without real external
// credentials. They log all actions and return predictable defaults.
// ---------------------------------------------------------------------------

// StubMailProvider implements MailProvider by logging calls and returning
// fake message ids. Used when no mail API key is configured locally.
type StubMailProvider struct {
	logger *slog.Logger
}

// NewStubMailProvider creates a new StubMailProvider.
func NewStubMailProvider(logger *slog.Logger) *StubMailProvider {
	return &StubMailProvider{logger: logger}
}

func (s *StubMailProvider) Send(ctx context.Context, msg MailMessage) (string, error) {
	s.logger.InfoContext(ctx, "stub: Send called",
		"to", msg.To.Email,
		"subject", msg.Subject,
	)
	return fmt.Sprintf("stub_%s", uuid.New().String()), nil
}

func (s *StubMailProvider) SendBatch(ctx context.Context, msgs []MailMessage) ([]SendResult, error) {
	s.logger.InfoContext(ctx, "stub: SendBatch called",
		"count", len(msgs),
	)
	results := make([]SendResult, len(msgs))
	for i := range msgs {
		results[i] = SendResult{ID: fmt.Sprintf("stub_%s", uuid.New().String())}
	}
	return results, nil
}

// StubRecordsService implements RecordsService with empty data. Used when
// no records service is configured locally.
type StubRecordsService struct {
	logger *slog.Logger
}

// NewStubRecordsService creates a new StubRecordsService.
func NewStubRecordsService(logger *slog.Logger) *StubRecordsService {
	return &StubRecordsService{logger: logger}
}

func (s *StubRecordsService) GetSession(ctx context.Context, sessionID string) (*types.SessionSnapshot, error) {
	s.logger.InfoContext(ctx, "stub: GetSession called",
		"session_id", sessionID,
	)
	return nil, types.NewAppError(
		types.ErrCodeNotFoundSession,
		fmt.Sprintf("stub records service has no session %s", sessionID),
		nil,
	)
}

func (s *StubRecordsService) ListOpenTasks(ctx context.Context) ([]types.TaskSnapshot, error) {
	s.logger.InfoContext(ctx, "stub: ListOpenTasks called")
	return nil, nil
}

var (
	_ MailProvider   = (*StubMailProvider)(nil)
	_ RecordsService = (*StubRecordsService)(nil)
)
