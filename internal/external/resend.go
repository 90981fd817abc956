package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mentormail/internal/types"
)

// resendAPIBase is the default Resend API base URL.
// Overridable in tests via ResendClientConfig.BaseURL.
const resendAPIBase = "https://api.resend.com"

// ResendClientConfig holds the configuration for creating a ResendClient.
type ResendClientConfig struct {
	APIKey  string
	BaseURL string // Override for testing; defaults to resendAPIBase
	Logger  *slog.Logger
}

// ResendClient implements MailProvider against the Resend REST API through
// BaseClient, so every send inherits the circuit breaker, retries, and
// error mapping, and tests can point it at an httptest server.
type ResendClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  *slog.Logger
}

// NewResendClient creates a new ResendClient.
func NewResendClient(httpClient *http.Client, cfg ResendClientConfig) *ResendClient {
	base := NewBaseClient(
		httpClient,
		"resend",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"MentorMail/1.0",
	)
	return NewResendClientWithBase(base, cfg)
}

// NewResendClientWithBase creates a ResendClient with a pre-configured
// BaseClient. Useful in tests to disable retries or inject a breaker.
func NewResendClientWithBase(base *BaseClient, cfg ResendClientConfig) *ResendClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = resendAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ResendClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// ---------------------------------------------------------------------------
// MailProvider Implementation
// ---------------------------------------------------------------------------

// resendEmail is the JSON body of one email in Resend's schema. The from
// and to fields use "Name <address>" formatting.
type resendEmail struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Headers map[string]string `json:"headers,omitempty"`
}

type resendSendResponse struct {
	ID string `json:"id"`
}

type resendBatchResponse struct {
	Data []resendSendResponse `json:"data"`
}

// Send transmits a single email via POST /emails and returns the provider
// message id.
func (r *ResendClient) Send(ctx context.Context, msg MailMessage) (string, error) {
	var out resendSendResponse
	if err := r.post(ctx, "/emails", toResendEmail(msg), &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// SendBatch transmits up to 100 emails in one POST /emails/batch call.
// Resend preserves input order in the response, so results correlate to
// msgs by position. A short or padded result list is returned as-is; the
// caller decides how to treat uncorrelated messages.
func (r *ResendClient) SendBatch(ctx context.Context, msgs []MailMessage) ([]SendResult, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	body := make([]resendEmail, len(msgs))
	for i, m := range msgs {
		body[i] = toResendEmail(m)
	}

	var out resendBatchResponse
	if err := r.post(ctx, "/emails/batch", body, &out); err != nil {
		return nil, err
	}

	results := make([]SendResult, len(out.Data))
	for i, d := range out.Data {
		results[i] = SendResult{ID: d.ID}
	}
	return results, nil
}

func toResendEmail(msg MailMessage) resendEmail {
	e := resendEmail{
		From:    formatAddress(msg.From),
		To:      []string{formatAddress(msg.To)},
		Subject: msg.Subject,
		HTML:    msg.HTML,
	}
	if msg.ReferenceID != "" {
		e.Headers = map[string]string{"X-Entity-Ref-ID": msg.ReferenceID}
	}
	return e
}

// formatAddress renders a contact as "Name <address>", or the bare address
// when no name is set.
func formatAddress(c types.Contact) string {
	if c.Name == "" {
		return c.Email
	}
	return fmt.Sprintf("%s <%s>", c.Name, c.Email)
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (r *ResendClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal Resend payload",
			err,
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create Resend request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.base.Do(req)
	if err != nil {
		return r.wrapTransportError(path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return types.NewAppError(
				types.ErrCodeUpstreamMailProvider,
				fmt.Sprintf("%s: Resend returned an unreadable response body", path),
				err,
			)
		}
		return nil
	}

	return r.handleErrorResponse(resp, path)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// resendErrorResponse is the JSON error body returned by Resend.
type resendErrorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// handleErrorResponse maps a Resend error response to a types.AppError:
//   - 403 Forbidden -> ErrCodeEmailBlocked (recipient suppressed or domain unverified)
//   - 429 / 5xx -> handled upstream by BaseClient
//   - Other 4xx -> ErrCodeUpstreamMailProvider
func (r *ResendClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamMailProvider,
			fmt.Sprintf("%s: Resend returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var rErr resendErrorResponse
	errMsg := string(body)
	if jsonErr := json.Unmarshal(body, &rErr); jsonErr == nil && rErr.Message != "" {
		errMsg = rErr.Message
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return types.NewAppError(
			types.ErrCodeEmailBlocked,
			fmt.Sprintf("%s: Resend blocked delivery: %s", operation, errMsg),
			nil,
		)
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Resend rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Resend server error: %s", operation, errMsg),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamMailProvider,
			fmt.Sprintf("%s: Resend error (%d): %s", operation, resp.StatusCode, errMsg),
			nil,
		)
	}
}

// wrapTransportError wraps a BaseClient transport error with context.
// AppErrors from BaseClient (breaker open, retries exhausted) pass through
// since they already carry the right code.
func (r *ResendClient) wrapTransportError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamMailProvider,
		fmt.Sprintf("%s: Resend request failed: %v", operation, err),
		err,
	)
}

// Compile-time assertion that ResendClient satisfies MailProvider.
var _ MailProvider = (*ResendClient)(nil)
