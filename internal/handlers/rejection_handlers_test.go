package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hearly/hearly-api/internal/db"
)

func TestRejectPurchase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	purchase := env.createConfirmedPurchase(t, "pi_reject")
	resp := env.allocate(t, purchase)
	sessionID := uuid.MustParse(resp.Session.ID)

	w := env.do(t, http.MethodPost, "/api/v1/rejections", env.tokenFor(t, env.listener), RejectPurchaseRequest{
		PurchaseID: purchase.ID.String(),
		Reason:     "not_available",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rejection RejectionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rejection))
	require.True(t, rejection.RefundIssued)
	require.Equal(t, "20.00", rejection.RefundAmount)
	require.Contains(t, env.gateway.refundedRefs(), "pi_reject")

	stored, err := env.store.GetPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	require.Equal(t, db.PurchaseStatusRefunded, stored.Status)

	session, err := env.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, db.SessionStatusFailed, session.Status)
	require.Equal(t, "listener_rejected", session.EndReason)

	payout, err := env.store.GetPayoutByPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	require.Equal(t, db.PayoutStatusCancelled, payout.Status)
}

func TestRejectPurchaseReplaysExistingRejection(t *testing.T) {
	env := newTestEnv(t)

	purchase := env.createConfirmedPurchase(t, "pi_reject2")

	first := env.do(t, http.MethodPost, "/api/v1/rejections", env.tokenFor(t, env.listener), RejectPurchaseRequest{
		PurchaseID: purchase.ID.String(),
		Reason:     "busy",
	})
	require.Equal(t, http.StatusOK, first.Code)

	second := env.do(t, http.MethodPost, "/api/v1/rejections", env.tokenFor(t, env.listener), RejectPurchaseRequest{
		PurchaseID: purchase.ID.String(),
		Reason:     "busy",
	})
	require.Equal(t, http.StatusOK, second.Code)

	// One refund, one rejection record.
	require.Len(t, env.gateway.refundedRefs(), 1)
	require.Len(t, env.store.Rejections, 1)
}

func TestRejectPurchaseGuards(t *testing.T) {
	env := newTestEnv(t)
	purchase := env.createConfirmedPurchase(t, "pi_guard")

	// Only the targeted listener can reject.
	w := env.do(t, http.MethodPost, "/api/v1/rejections", env.tokenFor(t, env.talker), RejectPurchaseRequest{
		PurchaseID: purchase.ID.String(),
		Reason:     "other",
	})
	require.Equal(t, http.StatusForbidden, w.Code)

	// Unknown reason values are refused.
	w = env.do(t, http.MethodPost, "/api/v1/rejections", env.tokenFor(t, env.listener), RejectPurchaseRequest{
		PurchaseID: purchase.ID.String(),
		Reason:     "bored",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// An accepted call can no longer be rejected.
	resp := env.allocate(t, purchase)
	_, err := env.eng.Accept(context.Background(), uuid.MustParse(resp.Session.ID), env.listener.ID)
	require.NoError(t, err)
	w = env.do(t, http.MethodPost, "/api/v1/rejections", env.tokenFor(t, env.listener), RejectPurchaseRequest{
		PurchaseID: purchase.ID.String(),
		Reason:     "other",
	})
	require.Equal(t, http.StatusConflict, w.Code)
}
