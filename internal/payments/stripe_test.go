package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testWebhookSecret = "whsec_test_secret"

// signPayload builds a valid Stripe-Signature header for the payload.
func signPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func configuredService(t *testing.T) *StripeService {
	t.Helper()
	svc := NewStripeService(zap.NewNop())
	require.NoError(t, svc.Configure("sk_test_key", testWebhookSecret,
		"http://localhost/success", "http://localhost/cancel"))
	return svc
}

func TestConfigureValidation(t *testing.T) {
	svc := NewStripeService(zap.NewNop())
	assert.Error(t, svc.Configure("", "whsec", "s", "c"))
	assert.Error(t, svc.Configure("sk", "", "s", "c"))
	assert.NoError(t, svc.Configure("sk", "whsec", "s", "c"))
}

func TestVerifyWebhookCheckoutCompleted(t *testing.T) {
	svc := configuredService(t)

	payload := []byte(`{
		"id": "evt_1",
		"api_version": "2025-04-30.basil",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_123",
				"object": "checkout.session",
				"payment_intent": "pi_123",
				"metadata": {"purchase_id": "p-1", "kind": "initial"}
			}
		}
	}`)

	ev, err := svc.VerifyWebhook(payload, signPayload(payload, testWebhookSecret, time.Now()))
	require.NoError(t, err)

	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "checkout.session.completed", ev.Type)
	assert.Equal(t, "cs_test_123", ev.CheckoutSessionID)
	assert.Equal(t, "pi_123", ev.PaymentIntentID)
	assert.Equal(t, "p-1", ev.Metadata[MetaPurchaseID])
	assert.Equal(t, CheckoutKindInitial, ev.Kind())
}

func TestVerifyWebhookPaymentFailed(t *testing.T) {
	svc := configuredService(t)

	payload := []byte(`{
		"id": "evt_2",
		"api_version": "2025-04-30.basil",
		"type": "payment_intent.payment_failed",
		"data": {
			"object": {
				"id": "pi_456",
				"object": "payment_intent",
				"metadata": {"purchase_id": "p-2", "kind": "extension"}
			}
		}
	}`)

	ev, err := svc.VerifyWebhook(payload, signPayload(payload, testWebhookSecret, time.Now()))
	require.NoError(t, err)

	assert.Equal(t, "pi_456", ev.PaymentIntentID)
	assert.Equal(t, CheckoutKindExtension, ev.Kind())
}

func TestVerifyWebhookBadSignature(t *testing.T) {
	svc := configuredService(t)

	payload := []byte(`{"id": "evt_3", "type": "checkout.session.completed"}`)

	_, err := svc.VerifyWebhook(payload, signPayload(payload, "whsec_wrong", time.Now()))
	assert.Error(t, err)

	_, err = svc.VerifyWebhook(payload, "not-a-signature")
	assert.Error(t, err)
}

func TestVerifyWebhookUnrecognizedType(t *testing.T) {
	svc := configuredService(t)

	payload := []byte(`{"id": "evt_4", "api_version": "2025-04-30.basil", "type": "customer.created", "data": {"object": {}}}`)

	ev, err := svc.VerifyWebhook(payload, signPayload(payload, testWebhookSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "customer.created", ev.Type)
	assert.NotNil(t, ev.Metadata)
}

func TestRefundRequiresPaymentRef(t *testing.T) {
	svc := configuredService(t)
	_, err := svc.RefundPayment(context.Background(), "", "listener_rejected")
	assert.Error(t, err)
}
