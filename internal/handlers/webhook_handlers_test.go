package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/hearly/hearly-api/internal/db"
	"github.com/hearly/hearly-api/internal/payments"
)

// deliver posts the webhook endpoint with the gateway primed to verify the
// given event.
func (e *testEnv) deliver(t *testing.T, event payments.WebhookEvent) int {
	t.Helper()
	e.gateway.verifyEvent = event
	e.gateway.verifyErr = nil
	w := e.do(t, http.MethodPost, "/api/v1/payments/webhook", "", map[string]string{"raw": "payload"})
	return w.Code
}

func checkoutCompleted(kind payments.CheckoutKind, purchaseID uuid.UUID, paymentRef string) payments.WebhookEvent {
	return payments.WebhookEvent{
		ID:                "evt_" + uuid.NewString(),
		Type:              "checkout.session.completed",
		CheckoutSessionID: "cs_evt",
		PaymentIntentID:   paymentRef,
		Metadata: map[string]string{
			payments.MetaKind:       string(kind),
			payments.MetaPurchaseID: purchaseID.String(),
		},
		ReceivedAt: time.Now(),
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.verifyErr = errors.New("signature mismatch")

	w := env.do(t, http.MethodPost, "/api/v1/payments/webhook", "", map[string]string{"raw": "payload"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookAcknowledgesUnknownTypes(t *testing.T) {
	env := newTestEnv(t)
	code := env.deliver(t, payments.WebhookEvent{ID: "evt_x", Type: "customer.created"})
	require.Equal(t, http.StatusOK, code)
}

func TestWebhookConfirmsInitialPurchaseIdempotently(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	purchase, err := env.store.CreatePurchase(ctx, db.CreatePurchaseParams{
		TalkerID:        env.talker.ID,
		ListenerID:      env.listener.ID,
		TemplateID:      env.template.ID,
		TotalAmount:     env.template.Price,
		FeeAmount:       env.template.FeeAmount(),
		ListenerAmount:  env.template.ListenerAmount(),
		DurationMinutes: env.template.DurationMinutes,
	})
	require.NoError(t, err)

	event := checkoutCompleted(payments.CheckoutKindInitial, purchase.ID, "pi_confirm")
	for i := 0; i < 3; i++ {
		code := env.deliver(t, event)
		require.Equal(t, http.StatusOK, code)
	}

	stored, err := env.store.GetPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	require.Equal(t, db.PurchaseStatusConfirmed, stored.Status)
	require.NotNil(t, stored.ExternalPaymentRef)
	require.Equal(t, "pi_confirm", *stored.ExternalPaymentRef)

	// Replays create exactly one payout ledger entry.
	require.Len(t, env.store.Payouts, 1)
	payout, err := env.store.GetPayoutByPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	require.Equal(t, db.PayoutStatusProcessing, payout.Status)
	require.False(t, payout.IsExtension)
	require.True(t, payout.Amount.Equal(decimal.RequireFromString("18.00")))
}

func TestWebhookExtensionAppliesToLiveSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	purchase := env.createConfirmedPurchase(t, "pi_base")
	resp := env.allocate(t, purchase)
	sessionID := uuid.MustParse(resp.Session.ID)
	_, err := env.eng.Accept(ctx, sessionID, env.listener.ID)
	require.NoError(t, err)

	extension, err := env.store.CreatePurchase(ctx, db.CreatePurchaseParams{
		TalkerID:        env.talker.ID,
		ListenerID:      env.listener.ID,
		TemplateID:      env.template.ID,
		TotalAmount:     env.template.Price,
		FeeAmount:       env.template.FeeAmount(),
		ListenerAmount:  env.template.ListenerAmount(),
		DurationMinutes: env.template.DurationMinutes,
		IsExtension:     true,
		SessionID:       &sessionID,
	})
	require.NoError(t, err)

	event := checkoutCompleted(payments.CheckoutKindExtension, extension.ID, "pi_ext")
	for i := 0; i < 2; i++ {
		code := env.deliver(t, event)
		require.Equal(t, http.StatusOK, code)
	}

	session, err := env.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, int32(20), session.TotalMinutesPurchased)

	stored, err := env.store.GetPurchase(ctx, extension.ID)
	require.NoError(t, err)
	require.Equal(t, db.PurchaseStatusUsed, stored.Status)

	payout, err := env.store.GetPayoutByPurchase(ctx, extension.ID)
	require.NoError(t, err)
	require.True(t, payout.IsExtension)
}

func TestWebhookExtensionRefundedAfterSessionEnds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	purchase := env.createConfirmedPurchase(t, "pi_base2")
	resp := env.allocate(t, purchase)
	sessionID := uuid.MustParse(resp.Session.ID)
	_, err := env.eng.Accept(ctx, sessionID, env.listener.ID)
	require.NoError(t, err)
	_, err = env.eng.EndCall(ctx, sessionID, env.talker.ID, "")
	require.NoError(t, err)

	extension, err := env.store.CreatePurchase(ctx, db.CreatePurchaseParams{
		TalkerID:        env.talker.ID,
		ListenerID:      env.listener.ID,
		TemplateID:      env.template.ID,
		TotalAmount:     env.template.Price,
		FeeAmount:       env.template.FeeAmount(),
		ListenerAmount:  env.template.ListenerAmount(),
		DurationMinutes: env.template.DurationMinutes,
		IsExtension:     true,
		SessionID:       &sessionID,
	})
	require.NoError(t, err)

	code := env.deliver(t, checkoutCompleted(payments.CheckoutKindExtension, extension.ID, "pi_dead_ext"))
	require.Equal(t, http.StatusOK, code)

	stored, err := env.store.GetPurchase(ctx, extension.ID)
	require.NoError(t, err)
	require.Equal(t, db.PurchaseStatusRefunded, stored.Status)
	require.Contains(t, env.gateway.refundedRefs(), "pi_dead_ext")

	// The session stayed terminal and kept its original minutes.
	session, err := env.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, db.SessionStatusEnded, session.Status)
	require.Equal(t, int32(10), session.TotalMinutesPurchased)
}

func TestWebhookPaymentFailedCancelsPurchaseAndSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	purchase := env.createConfirmedPurchase(t, "pi_fail")
	resp := env.allocate(t, purchase)
	sessionID := uuid.MustParse(resp.Session.ID)

	// The provider can still fail the payment after an optimistic
	// confirmation, e.g. on asynchronous capture.
	code := env.deliver(t, payments.WebhookEvent{
		ID:              "evt_fail",
		Type:            "payment_intent.payment_failed",
		PaymentIntentID: "pi_fail",
		Metadata: map[string]string{
			payments.MetaKind:       string(payments.CheckoutKindInitial),
			payments.MetaPurchaseID: purchase.ID.String(),
		},
	})
	require.Equal(t, http.StatusOK, code)

	stored, err := env.store.GetPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	require.Equal(t, db.PurchaseStatusCancelled, stored.Status)

	session, err := env.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, db.SessionStatusFailed, session.Status)

	payout, err := env.store.GetPayoutByPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	require.Equal(t, db.PayoutStatusCancelled, payout.Status)
}

func TestWebhookChargeRefundedMirrorsRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	purchase := env.createConfirmedPurchase(t, "pi_refund")

	code := env.deliver(t, payments.WebhookEvent{
		ID:              "evt_refund",
		Type:            "charge.refunded",
		PaymentIntentID: "pi_refund",
	})
	require.Equal(t, http.StatusOK, code)

	stored, err := env.store.GetPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	require.Equal(t, db.PurchaseStatusRefunded, stored.Status)

	payout, err := env.store.GetPayoutByPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	require.Equal(t, db.PayoutStatusCancelled, payout.Status)
}

func TestWebhookChargeRefundedFailsRingingSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	purchase := env.createConfirmedPurchase(t, "pi_ring_refund")
	resp := env.allocate(t, purchase)
	sessionID := uuid.MustParse(resp.Session.ID)

	code := env.deliver(t, payments.WebhookEvent{
		ID:              "evt_ring_refund",
		Type:            "charge.refunded",
		PaymentIntentID: "pi_ring_refund",
	})
	require.Equal(t, http.StatusOK, code)

	// The talker must not keep ringing against refunded money.
	session, err := env.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, db.SessionStatusFailed, session.Status)
	require.Equal(t, "payment_failed", session.EndReason)

	stored, err := env.store.GetPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	require.Equal(t, db.PurchaseStatusRefunded, stored.Status)
}

func TestWebhookChargeRefundedClawsBackSettledCredit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	purchase := env.createConfirmedPurchase(t, "pi_clawback")
	resp := env.allocate(t, purchase)
	sessionID := uuid.MustParse(resp.Session.ID)
	_, err := env.eng.Accept(ctx, sessionID, env.listener.ID)
	require.NoError(t, err)
	_, err = env.eng.EndCall(ctx, sessionID, env.listener.ID, "")
	require.NoError(t, err)

	bal, err := env.store.GetListenerBalance(ctx, env.listener.ID)
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(decimal.RequireFromString("18.00")))

	code := env.deliver(t, payments.WebhookEvent{
		ID:              "evt_clawback",
		Type:            "charge.refunded",
		PaymentIntentID: "pi_clawback",
	})
	require.Equal(t, http.StatusOK, code)

	// Cancelled payout and balance agree again.
	payout, err := env.store.GetPayoutByPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	require.Equal(t, db.PayoutStatusCancelled, payout.Status)

	bal, err = env.store.GetListenerBalance(ctx, env.listener.ID)
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(decimal.Zero), "available %s", bal.Available)
	require.True(t, bal.LifetimeEarned.Equal(decimal.Zero), "lifetime %s", bal.LifetimeEarned)
}

func TestWebhookCompletesPayoutBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Two requested payouts under one batch reference.
	ref := "po_batch_1"
	for i := 0; i < 2; i++ {
		p := env.createConfirmedPurchase(t, "pi_payout_"+uuid.NewString())
		_, err := env.store.MarkPayoutEarned(ctx, p.ID)
		require.NoError(t, err)
	}
	requested, err := env.store.RequestListenerPayouts(ctx, db.RequestListenerPayoutsParams{
		ListenerID:        env.listener.ID,
		ExternalPayoutRef: ref,
		RequestedAt:       time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, requested, 2)

	code := env.deliver(t, payments.WebhookEvent{
		ID:   "evt_payout",
		Type: "checkout.session.completed",
		Metadata: map[string]string{
			payments.MetaKind:       string(payments.CheckoutKindPayoutCollection),
			payments.MetaListenerID: env.listener.ID.String(),
			payments.MetaPayoutRef:  ref,
		},
	})
	require.Equal(t, http.StatusOK, code)

	for _, r := range requested {
		payout, err := env.store.GetPayoutByPurchase(ctx, r.PurchaseID)
		require.NoError(t, err)
		require.Equal(t, db.PayoutStatusCompleted, payout.Status)
		require.NotNil(t, payout.CompletedAt)
	}
}
