package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ValidationResult is the outcome of checking one operator input.
type ValidationResult struct {
	Valid   bool
	Message string
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{Valid: false, Message: fmt.Sprintf(format, args...)}
}

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DatabaseConnector opens and immediately closes a connection to dsn.
type DatabaseConnector interface {
	Connect(ctx context.Context, dsn string) error
}

// PgxConnector verifies a DSN with a single pgx connection.
type PgxConnector struct{}

func (PgxConnector) Connect(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

const (
	validateTimeout      = 15 * time.Second
	defaultStripeBaseURL = "https://api.stripe.com"
)

// Validator actively checks secrets against the systems that consume them.
type Validator struct {
	httpClient    HTTPClient
	dbConn        DatabaseConnector
	stripeBaseURL string
}

func NewValidator() *Validator {
	return NewValidatorWithDeps(&http.Client{Timeout: 10 * time.Second}, PgxConnector{}, defaultStripeBaseURL)
}

func NewValidatorWithDeps(httpClient HTTPClient, dbConn DatabaseConnector, stripeBaseURL string) *Validator {
	if stripeBaseURL == "" {
		stripeBaseURL = defaultStripeBaseURL
	}
	return &Validator{httpClient: httpClient, dbConn: dbConn, stripeBaseURL: strings.TrimRight(stripeBaseURL, "/")}
}

// ValidateDatabaseURL checks the DSN shape and then connects with it.
func (v *Validator) ValidateDatabaseURL(ctx context.Context, rawURL string) ValidationResult {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return invalid("database URL must not be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return invalid("invalid URL format: %v", err)
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return invalid("expected postgres:// or postgresql:// scheme, got %q", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return invalid("database URL has no host")
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		return invalid("database URL has no database name")
	}
	if v.dbConn == nil {
		return ValidationResult{Valid: true, Message: "format accepted (connection not checked)"}
	}

	connCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	if err := v.dbConn.Connect(connCtx, rawURL); err != nil {
		return invalid("connection failed: %v", err)
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("database connection verified (host=%s)", parsed.Hostname())}
}

var stripeKeyRegex = regexp.MustCompile(`^sk_(test|live)_[0-9a-zA-Z]{24,}$`)

// ValidateStripeKey checks the key format and probes GET /v1/account.
func (v *Validator) ValidateStripeKey(ctx context.Context, key string) ValidationResult {
	key = strings.TrimSpace(key)
	if key == "" {
		return invalid("Stripe secret key must not be empty")
	}
	if !stripeKeyRegex.MatchString(key) {
		return invalid("Stripe secret key must match sk_(test|live)_ followed by 24+ alphanumeric characters")
	}
	if v.httpClient == nil {
		return ValidationResult{Valid: true, Message: "format accepted (API not probed)"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, v.stripeBaseURL+"/v1/account", nil)
	if err != nil {
		return invalid("failed to create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("User-Agent", "client-portal-billing-bootstrap/1.0")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return invalid("Stripe API probe failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return invalid("Stripe API returned 401: key is invalid or revoked")
	case resp.StatusCode != http.StatusOK:
		return invalid("Stripe API returned HTTP %d: %s", resp.StatusCode, truncateBody(body, 200))
	}

	var account struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &account)

	mode := "test"
	if strings.HasPrefix(key, "sk_live_") {
		mode = "live"
	}
	msg := fmt.Sprintf("Stripe key verified [%s mode]", mode)
	if account.ID != "" {
		msg += " (account: " + account.ID + ")"
	}
	return ValidationResult{Valid: true, Message: msg}
}

// ValidateRegex matches input against pattern.
func (v *Validator) ValidateRegex(_ context.Context, input, pattern, fieldName string) ValidationResult {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return invalid("internal error: invalid pattern for %s: %v", fieldName, err)
	}
	if !re.MatchString(strings.TrimSpace(input)) {
		return invalid("%s does not match the expected format", fieldName)
	}
	return ValidationResult{Valid: true, Message: fieldName + " format accepted"}
}

func truncateBody(body []byte, n int) string {
	s := strings.TrimSpace(string(body))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
