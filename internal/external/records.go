package external

import (
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

// RecordsClientConfig holds the configuration for creating a RecordsClient.
type RecordsClientConfig struct {
	BaseURL  string
	APIToken string
	Logger   *slog.Logger
}

// RecordsClient implements RecordsService against the mentorship records
// HTTP API. It only reads; session and task data is owned by that system.
type RecordsClient struct {
	base     *BaseClient
	baseURL  string
	apiToken string
	logger   *slog.Logger
}

// NewRecordsClient creates a new RecordsClient.
func NewRecordsClient(httpClient *http.Client, cfg RecordsClientConfig) *RecordsClient {
	base := NewBaseClient(
		httpClient,
		"records",
		DefaultRetryPolicy(),
		"MentorMail/1.0",
	)
	return NewRecordsClientWithBase(base, cfg)
}

// NewRecordsClientWithBase creates a RecordsClient with a pre-configured
// BaseClient.
func NewRecordsClientWithBase(base *BaseClient, cfg RecordsClientConfig) *RecordsClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordsClient{
		base:     base,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		apiToken: cfg.APIToken,
		logger:   logger,
	}
}

// GetSession fetches one session snapshot. A 404 from the records service
// maps to ErrCodeNotFoundSession.
func (c *RecordsClient) GetSession(ctx context.Context, sessionID string) (*types.SessionSnapshot, error) {
	var session types.SessionSnapshot
	path := "/sessions/" + sessionID
	if err := c.get(ctx, path, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListOpenTasks fetches all tasks that are not completed. The records
// service filters server-side; pagination is handled via the offset token.
func (c *RecordsClient) ListOpenTasks(ctx context.Context) ([]types.TaskSnapshot, error) {
	var all []types.TaskSnapshot
	offset := ""
	for {
		path := "/tasks?open=true"
		if offset != "" {
			path += "&offset=" + offset
		}

		var page struct {
			Tasks  []types.TaskSnapshot `json:"tasks"`
			Offset string               `json:"offset,omitempty"`
		}
		if err := c.get(ctx, path, &page); err != nil {
			return nil, err
		}

		all = append(all, page.Tasks...)
		if page.Offset == "" {
			return all, nil
		}
		offset = page.Offset
	}
}

func (c *RecordsClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create records request",
			err,
		)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	start := time.Now()
	resp, err := c.base.Do(req)
	if err != nil {
		if _, ok := err.(*types.AppError); ok {
			return err
		}
		return types.NewAppError(
			types.ErrCodeUpstreamRecords,
			fmt.Sprintf("%s: records request failed: %v", path, err),
			err,
		)
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "records request completed",
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return types.NewAppError(
				types.ErrCodeUpstreamRecords,
				fmt.Sprintf("%s: records service returned an unreadable body", path),
				err,
			)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundSession,
			fmt.Sprintf("%s: record not found", path),
			nil,
		)
	default:
		body, _ := io.ReadAll(resp.Body)
		return types.NewAppError(
			types.ErrCodeUpstreamRecords,
			fmt.Sprintf("%s: records service error (%d): %s", path, resp.StatusCode, string(body)),
			nil,
		)
	}
}

// Compile-time assertion that RecordsClient satisfies RecordsService.
var _ RecordsService = (*RecordsClient)(nil)
