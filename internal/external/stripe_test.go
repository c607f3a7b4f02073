package external

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

func newTestStripe(t *testing.T, handler http.HandlerFunc) *StripePaymentClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewStripePaymentClient(&http.Client{Timeout: 5 * time.Second}, StripeClientConfig{
		SecretKey: "sk_test_123",
		BaseURL:   server.URL,
		Retry:     fastPolicy(1),
	}, WithSleepFunc(noopSleep))
}

func chargeRequest() billing.ChargeRequest {
	return billing.ChargeRequest{
		AssignmentID:    "asg-1",
		OrganizationID:  "org-1",
		CustomerID:      "cus_1",
		PaymentMethodID: "pm_1",
		Amount:          90000,
		Currency:        "usd",
		Description:     "Plan renewal: Growth",
		IdempotencyKey:  "renewal:asg-1:2026-01-15:0",
	}
}

func TestCharge_Succeeded(t *testing.T) {
	var captured *http.Request
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		captured = r
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"pi_123","object":"payment_intent","status":"succeeded","amount":90000}`)
	})

	res, err := client.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, "pi_123", res.PaymentIntentID)

	require.NotNil(t, captured)
	assert.Equal(t, "/v1/payment_intents", captured.URL.Path)
	assert.Equal(t, "Bearer sk_test_123", captured.Header.Get("Authorization"))
	assert.Equal(t, "renewal:asg-1:2026-01-15:0", captured.Header.Get("Idempotency-Key"))
	assert.Equal(t, stripe.APIVersion, captured.Header.Get("Stripe-Version"))
	assert.Equal(t, "90000", captured.PostForm.Get("amount"))
	assert.Equal(t, "true", captured.PostForm.Get("off_session"))
	assert.Equal(t, "true", captured.PostForm.Get("confirm"))
	assert.Equal(t, "asg-1", captured.PostForm.Get("metadata[assignment_id]"))
}

func TestCharge_CardDeclinedIsResultNotError(t *testing.T) {
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds",
			"message":"Your card has insufficient funds.","payment_intent":{"id":"pi_declined"}}}`)
	})

	res, err := client.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, "insufficient_funds", res.FailureCode)
	assert.Equal(t, "pi_declined", res.PaymentIntentID)
}

func TestCharge_RequiresActionIsFailure(t *testing.T) {
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"pi_3ds","object":"payment_intent","status":"requires_action"}`)
	})

	res, err := client.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, "requires_action", res.FailureCode)
}

func TestCharge_InvalidRequestIsRejected(t *testing.T) {
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"resource_missing","param":"customer","message":"No such customer"}}`)
	})

	_, err := client.Charge(context.Background(), chargeRequest())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodePaymentRejected))
	assert.False(t, billing.PaymentOutcomeUnknown(err))
	assert.Contains(t, err.Error(), "No such customer")
}

func TestCharge_ConflictOutcomeUnknown(t *testing.T) {
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":{"type":"idempotency_error","message":"Keys for idempotent requests can only be used with the same parameters"}}`)
	})

	_, err := client.Charge(context.Background(), chargeRequest())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamStripe))
	assert.True(t, billing.PaymentOutcomeUnknown(err))
}

func TestCharge_ServerErrorAfterRetries(t *testing.T) {
	calls := 0
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Charge(context.Background(), chargeRequest())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamStripe))
	assert.True(t, billing.PaymentOutcomeUnknown(err))
	assert.Equal(t, 2, calls)
}

func TestStripeVerifier(t *testing.T) {
	secret := "whsec_test_secret"
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	v := &StripeVerifier{}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret})
	assert.NoError(t, v.Verify(payload, signed.Header, secret))

	assert.Error(t, v.Verify(payload, "t=1234567890,v1=deadbeef", secret))
	assert.Error(t, v.Verify(payload, "", secret))

	old := time.Now().Add(-10 * time.Minute)
	sig := webhook.ComputeSignature(old, payload, secret)
	assert.Error(t, v.Verify(payload, fmt.Sprintf("t=%d,v1=%s", old.Unix(), hex.EncodeToString(sig)), secret))
}
