package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/Kre8ivTech/client-portal-sub003/internal/core"
	"github.com/Kre8ivTech/client-portal-sub003/internal/external"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// maxWebhookBodySize is the maximum accepted Stripe webhook payload.
const maxWebhookBodySize = 64 * 1024

// WebhookVerifier checks a provider signature header against the raw body.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// PaymentRecoverer returns a grace-period assignment to active.
type PaymentRecoverer interface {
	RecoverPayment(ctx context.Context, assignmentID, paymentIntentID string) (*types.PlanAssignment, error)
}

// PaymentMethodSetter records a customer's newly confirmed payment method.
type PaymentMethodSetter interface {
	SetDefaultPaymentMethod(ctx context.Context, stripeCustomerID, paymentMethodID string) error
}

// StripeWebhookHandler handles asynchronous events from Stripe. It sits
// outside API-key auth; the Stripe-Signature header authenticates it.
type StripeWebhookHandler struct {
	verifier WebhookVerifier
	recover  PaymentRecoverer
	accounts PaymentMethodSetter
	secret   types.SecretString
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(
	verifier WebhookVerifier,
	recover PaymentRecoverer,
	accounts PaymentMethodSetter,
	secret types.SecretString,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		recover:  recover,
		accounts: accounts,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle verifies and dispatches a Stripe event. Once the signature checks
// out the response is always 200, so Stripe does not retry events whose
// processing failed on our side; failures are logged instead.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationFailed, "failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing Stripe-Signature header", nil))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret.Unmask()); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "webhook signature verification failed", err))
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripe.Event) error {
	switch string(event.Type) {
	case external.EventStripePaymentSucceeded:
		return h.handlePaymentSucceeded(ctx, event)
	case external.EventStripePaymentFailed:
		return h.handlePaymentFailed(ctx, event)
	case external.EventStripeSetupSucceeded:
		return h.handleSetupSucceeded(ctx, event)
	default:
		h.logger.DebugContext(ctx, "ignoring unhandled webhook event type", "event_type", event.Type)
		return nil
	}
}

// handlePaymentSucceeded recovers the assignment named in the intent's
// metadata. Intents without it were not created by the renewal flow.
func (h *StripeWebhookHandler) handlePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	pi, err := decodeObject[stripe.PaymentIntent](event)
	if err != nil {
		return err
	}
	assignmentID := pi.Metadata["assignment_id"]
	if assignmentID == "" {
		h.logger.InfoContext(ctx, "payment intent has no assignment_id metadata", "payment_intent_id", pi.ID)
		return nil
	}

	a, err := h.recover.RecoverPayment(ctx, assignmentID, pi.ID)
	if err != nil {
		return fmt.Errorf("recover assignment %s: %w", assignmentID, err)
	}
	h.logger.InfoContext(ctx, "payment recorded for assignment",
		"assignment_id", assignmentID,
		"payment_intent_id", pi.ID,
		"status", a.Status,
	)
	return nil
}

func (h *StripeWebhookHandler) handlePaymentFailed(ctx context.Context, event *stripe.Event) error {
	pi, err := decodeObject[stripe.PaymentIntent](event)
	if err != nil {
		return err
	}
	attrs := []any{
		"payment_intent_id", pi.ID,
		"assignment_id", pi.Metadata["assignment_id"],
	}
	if pi.LastPaymentError != nil {
		attrs = append(attrs,
			"decline_code", string(pi.LastPaymentError.DeclineCode),
			"message", pi.LastPaymentError.Msg,
		)
	}
	h.logger.WarnContext(ctx, "payment intent failed", attrs...)
	return nil
}

// handleSetupSucceeded stores the confirmed payment method as the
// customer's default for future renewals.
func (h *StripeWebhookHandler) handleSetupSucceeded(ctx context.Context, event *stripe.Event) error {
	si, err := decodeObject[stripe.SetupIntent](event)
	if err != nil {
		return err
	}
	if si.Customer == nil || si.PaymentMethod == nil {
		h.logger.InfoContext(ctx, "setup intent without customer or payment method", "setup_intent_id", si.ID)
		return nil
	}
	if err := h.accounts.SetDefaultPaymentMethod(ctx, si.Customer.ID, si.PaymentMethod.ID); err != nil {
		return fmt.Errorf("set default payment method for %s: %w", si.Customer.ID, err)
	}
	return nil
}

func decodeObject[T any](event *stripe.Event) (*T, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("event %s has no data object", event.ID)
	}
	var obj T
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return nil, fmt.Errorf("decode %s object: %w", event.Type, err)
	}
	return &obj, nil
}
