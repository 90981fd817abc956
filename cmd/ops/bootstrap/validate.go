package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ValidationResult holds the outcome of a validation check. It provides
// both a boolean pass/fail signal and a human-readable message suitable
// for display in the bootstrap CLI.
type ValidationResult struct {
	// Valid is true if the input passed all validation checks.
	Valid bool

	// Message is a human-readable description of the result.
	// On success, it describes what was validated (e.g., "Resend key verified: 2 domains").
	// On failure, it describes why validation failed.
	Message string
}

// HTTPClient is the interface used by validators that make outbound HTTP calls.
// It enables injecting mock HTTP transports for testing without making real
// network calls.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DatabaseConnector abstracts the database connection logic for testing.
// In production, the real implementation uses pgx.Connect. Tests inject
// a mock that simulates connection success/failure.
type DatabaseConnector interface {
	// Connect attempts to establish a connection to the database at the
	// given DSN. It returns an error if the connection fails.
	// The implementation MUST close the connection before returning.
	Connect(ctx context.Context, dsn string) error
}

// PgxConnector is the production implementation of DatabaseConnector.
// It uses pgx.Connect to make a real TCP connection to the database.
type PgxConnector struct{}

// Connect establishes a connection to the database using pgx and immediately
// closes it. The purpose is to verify that the DSN is reachable and the
// credentials are valid, not to maintain an open connection.
func (c *PgxConnector) Connect(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

// Validator encapsulates the dependencies needed by input validation functions.
// It is constructed during bootstrap initialization and threaded through
// the validation phases.
type Validator struct {
	httpClient HTTPClient
	dbConn     DatabaseConnector
}

// NewValidator creates a Validator with production dependencies: a real
// HTTP client with a 10-second timeout and a real pgx connector.
func NewValidator() *Validator {
	return &Validator{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		dbConn: &PgxConnector{},
	}
}

// NewValidatorWithDeps creates a Validator with injected dependencies
// for testing.
func NewValidatorWithDeps(httpClient HTTPClient, dbConn DatabaseConnector) *Validator {
	return &Validator{
		httpClient: httpClient,
		dbConn:     dbConn,
	}
}

// validateTimeout is the per-probe timeout for active validation calls.
// This is separate from the HTTP client timeout to serve as an outer bound
// that also covers DNS resolution, TLS handshake, etc.
const validateTimeout = 15 * time.Second

// ---------------------------------------------------------------------------
// ValidateDatabaseURL
// ---------------------------------------------------------------------------

// ValidateDatabaseURL validates a PostgreSQL connection string.
//
// Validation steps:
//  1. Parse the URL and verify the postgres:// or postgresql:// scheme.
//  2. Verify the host carries an explicit port. Managed Postgres providers
//     hand out connection strings with the port included, and requiring it
//     catches truncated paste errors early.
//  3. Attempt an actual connection using pgx to verify the credentials
//     and network reachability.
//
// The connection is immediately closed after verification. This function
// does not maintain a persistent connection.
func (v *Validator) ValidateDatabaseURL(ctx context.Context, rawURL string) ValidationResult {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ValidationResult{Valid: false, Message: "database URL must not be empty"}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("invalid URL format: %v", err),
		}
	}

	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("expected postgres:// or postgresql:// scheme, got %q", parsed.Scheme),
		}
	}

	// Extract port. url.Parse puts it in parsed.Host as "host:port".
	_, port, err := net.SplitHostPort(parsed.Host)
	if err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("could not extract port from host %q: %v (paste the full connection string including the port)", parsed.Host, err),
		}
	}

	// Attempt a real connection to verify credentials and reachability.
	connCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	if err := v.dbConn.Connect(connCtx, rawURL); err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("connection failed: %v", err),
		}
	}

	return ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("database connection verified (host=%s, port=%s)", parsed.Hostname(), port),
	}
}

// ---------------------------------------------------------------------------
// ValidateResendKey
// ---------------------------------------------------------------------------

// resendKeyRegex validates the format of a Resend API key.
// Format: re_ followed by 16+ alphanumeric or underscore characters.
var resendKeyRegex = regexp.MustCompile(`^re_[0-9a-zA-Z_]{16,}$`)

// ValidateResendKey validates a Resend API key by:
//  1. Checking the key format matches re_[alphanumeric/underscore 16+ chars].
//  2. Making a lightweight GET request to https://api.resend.com/domains
//     to verify the key is functional.
//
// The /domains endpoint lists the sending domains registered on the account
// and is the lightest-weight endpoint that verifies key validity without
// side effects.
func (v *Validator) ValidateResendKey(ctx context.Context, key string) ValidationResult {
	key = strings.TrimSpace(key)
	if key == "" {
		return ValidationResult{Valid: false, Message: "Resend API key must not be empty"}
	}

	if !resendKeyRegex.MatchString(key) {
		return ValidationResult{
			Valid:   false,
			Message: "Resend API key must match format re_[alphanumeric 16+ chars]",
		}
	}

	// Active probe: GET /domains
	probeCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, "https://api.resend.com/domains", nil)
	if err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("failed to create request: %v", err),
		}
	}

	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("User-Agent", "MentorMail-Bootstrap/1.0")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("Resend API probe failed: %v", err),
		}
	}
	defer resp.Body.Close()

	// Read and discard the body to allow connection reuse.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusUnauthorized {
		return ValidationResult{
			Valid:   false,
			Message: "Resend API returned 401 Unauthorized: key is invalid or revoked",
		}
	}

	if resp.StatusCode != http.StatusOK {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("Resend API returned HTTP %d: %s", resp.StatusCode, truncateBody(body, 200)),
		}
	}

	// Extract the registered domain count for user feedback.
	var domains struct {
		Data []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"data"`
	}
	displayInfo := ""
	if err := json.Unmarshal(body, &domains); err == nil && len(domains.Data) > 0 {
		verified := 0
		for _, d := range domains.Data {
			if d.Status == "verified" {
				verified++
			}
		}
		displayInfo = fmt.Sprintf(" (%d domains registered, %d verified)", len(domains.Data), verified)
	}

	return ValidationResult{
		Valid:   true,
		Message: "Resend API key verified" + displayInfo,
	}
}

// ---------------------------------------------------------------------------
// ValidateRecordsBaseURL
// ---------------------------------------------------------------------------

// ValidateRecordsBaseURL validates the base URL of the mentorship records
// service. The records service may not be reachable from the operator's
// workstation (it usually sits inside the VPC), so only the URL shape is
// checked, not connectivity.
func (v *Validator) ValidateRecordsBaseURL(_ context.Context, rawURL string) ValidationResult {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ValidationResult{Valid: false, Message: "records base URL must not be empty"}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("invalid URL format: %v", err),
		}
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("expected http:// or https:// scheme, got %q", parsed.Scheme),
		}
	}

	if parsed.Host == "" {
		return ValidationResult{
			Valid:   false,
			Message: "records base URL must include a host",
		}
	}

	return ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("records base URL format validated (host=%s)", parsed.Host),
	}
}

// ---------------------------------------------------------------------------
// ValidateRecordsToken
// ---------------------------------------------------------------------------

// ValidateRecordsToken validates a records service API token using a length
// check only. The token's scopes cannot be verified without invoking an
// endpoint inside the VPC, so we rely on length as a paste-error guard.
func (v *Validator) ValidateRecordsToken(_ context.Context, token string) ValidationResult {
	token = strings.TrimSpace(token)
	if token == "" {
		return ValidationResult{Valid: false, Message: "records API token must not be empty"}
	}

	if len(token) <= 20 {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("records API token must be longer than 20 characters (got %d)", len(token)),
		}
	}

	return ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("records API token accepted (length: %d chars)", len(token)),
	}
}

// ---------------------------------------------------------------------------
// ValidateRegex
// ---------------------------------------------------------------------------

// ValidateRegex is a generic validator that checks whether the input matches
// the given regular expression pattern. It is used as a fallback for inputs
// that cannot be actively probed.
func (v *Validator) ValidateRegex(_ context.Context, input, pattern, fieldName string) ValidationResult {
	input = strings.TrimSpace(input)
	if input == "" {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("%s must not be empty", fieldName),
		}
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("invalid regex pattern %q: %v", pattern, err),
		}
	}

	if !re.MatchString(input) {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("%s does not match expected format (pattern: %s)", fieldName, pattern),
		}
	}

	return ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("%s format validated", fieldName),
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// truncateBody returns the first n bytes of body as a string, appending
// "..." if truncation occurred. This is used for including partial API
// response bodies in error messages without overwhelming the user.
func truncateBody(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}
