package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
const stripeAPIBase = "https://api.stripe.com"

// Stripe event types consumed by the webhook handler.
const (
	EventStripePaymentSucceeded = "payment_intent.succeeded"
	EventStripePaymentFailed    = "payment_intent.payment_failed"
	EventStripeSetupSucceeded   = "setup_intent.succeeded"
)

// StripeClientConfig holds the configuration for creating a StripePaymentClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // override for tests; defaults to stripeAPIBase
	Retry     RetryPolicy
	Logger    *slog.Logger
}

// StripePaymentClient implements billing.PaymentCollaborator with off-session
// PaymentIntents. It calls the REST API through BaseClient so every request
// shares the breaker and retry policy; stripe-go supplies the API version and
// the response types.
type StripePaymentClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripePaymentClient creates a StripePaymentClient. The http client's
// timeout bounds each attempt.
func NewStripePaymentClient(httpClient *http.Client, cfg StripeClientConfig, opts ...BaseClientOption) *StripePaymentClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.MinWait == 0 {
		retry = RetryPolicy{MaxRetries: 2, MinWait: 500 * time.Millisecond, MaxWait: 5 * time.Second}
	}

	return &StripePaymentClient{
		base:      NewBaseClient(httpClient, BreakerSettings{Name: "stripe"}, retry, types.ErrCodeUpstreamStripe, opts...),
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

var _ billing.PaymentCollaborator = (*StripePaymentClient)(nil)

// Charge creates and confirms an off-session PaymentIntent. A card error is
// reported as a declined ChargeResult. A rejected request is returned as
// payment_rejected; transport failures and 5xx are upstream errors because
// the outcome is unknown.
func (s *StripePaymentClient) Charge(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeResult, error) {
	params := url.Values{}
	params.Set("amount", strconv.FormatInt(req.Amount, 10))
	params.Set("currency", req.Currency)
	params.Set("customer", req.CustomerID)
	params.Set("payment_method", req.PaymentMethodID)
	params.Set("confirm", "true")
	params.Set("off_session", "true")
	if req.Description != "" {
		params.Set("description", req.Description)
	}
	params.Set("metadata[assignment_id]", req.AssignmentID)
	params.Set("metadata[organization_id]", req.OrganizationID)

	resp, err := s.doPost(ctx, "/v1/payment_intents", params, req.IdempotencyKey)
	if err != nil {
		return nil, wrapStripeError("create payment intent", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "create payment intent: unreadable response", err)
	}

	if resp.StatusCode >= 300 {
		var stripeErr stripeErrorResponse
		if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamStripe,
				fmt.Sprintf("create payment intent: Stripe returned status %d with non-JSON body", resp.StatusCode), jsonErr)
		}
		if stripeErr.Error.isDecline() {
			result := &billing.ChargeResult{
				FailureCode:    stripeErr.Error.failureCode(),
				FailureMessage: stripeErr.Error.Message,
			}
			if stripeErr.Error.PaymentIntent != nil {
				result.PaymentIntentID = stripeErr.Error.PaymentIntent.ID
			}
			s.logger.InfoContext(ctx, "renewal charge declined",
				"assignment_id", req.AssignmentID,
				"failure_code", result.FailureCode,
			)
			return result, nil
		}
		return nil, mapStripeError("create payment intent", resp.StatusCode, &stripeErr.Error)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(body, &pi); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "create payment intent: malformed response", err)
	}

	result := &billing.ChargeResult{PaymentIntentID: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing:
		result.Succeeded = true
	default:
		// requires_action and requires_payment_method need the customer.
		result.FailureCode = string(pi.Status)
		if pi.LastPaymentError != nil {
			result.FailureMessage = pi.LastPaymentError.Msg
		}
	}
	return result, nil
}

// doPost performs an authenticated form-encoded POST. The idempotency key
// makes retries of the same request safe.
func (s *StripePaymentClient) doPost(ctx context.Context, path string, params url.Values, idempotencyKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return s.base.Do(req)
}

// stripeErrorResponse is the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type          string                `json:"type"`
	Code          string                `json:"code"`
	DeclineCode   string                `json:"decline_code"`
	Message       string                `json:"message"`
	Param         string                `json:"param"`
	PaymentIntent *stripe.PaymentIntent `json:"payment_intent"`
}

func (e *stripeErrorBody) isDecline() bool {
	return e.Type == "card_error" || e.Code == "card_declined" || e.DeclineCode != ""
}

func (e *stripeErrorBody) failureCode() string {
	if e.DeclineCode != "" {
		return e.DeclineCode
	}
	return e.Code
}

// mapStripeError translates a non-decline Stripe error into an AppError.
// Rate limits, timeouts, idempotency conflicts and 5xx leave the charge
// outcome unknown; any other 4xx is a rejection of the request.
func mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation), nil)
	case statusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message), nil)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusConflict:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message), nil,
			map[string]any{"stripe_code": stripeErr.Code, "status": statusCode})
	default:
		return types.NewAppErrorWithDetails(types.ErrCodePaymentRejected,
			fmt.Sprintf("%s: Stripe rejected the request (%d): %s", operation, statusCode, stripeErr.Message), nil,
			map[string]any{"stripe_code": stripeErr.Code, "param": stripeErr.Param, "status": statusCode})
	}
}

// wrapStripeError keeps AppErrors from BaseClient and wraps anything else.
func wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err), err)
}

// StripeVerifier checks webhook signatures with stripe-go, including the
// timestamp tolerance.
type StripeVerifier struct{}

// Verify returns nil when header is a valid signature of payload for secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}
