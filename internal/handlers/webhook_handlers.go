package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hearly/hearly-api/internal/db"
	"github.com/hearly/hearly-api/internal/engine"
	"github.com/hearly/hearly-api/internal/logger"
	"github.com/hearly/hearly-api/internal/payments"
)

// WebhookHandler reconciles verified payment events against purchase and
// payout state. Every branch is idempotent: the provider retries deliveries
// and may send the same event more than once.
type WebhookHandler struct {
	common *CommonServices
}

func NewWebhookHandler(common *CommonServices) *WebhookHandler {
	return &WebhookHandler{common: common}
}

// HandlePaymentWebhook godoc
// @Summary Payment provider webhook endpoint
// @Description Verifies the provider signature and reconciles the event. Unrecognized event types are acknowledged without action
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Router /payments/webhook [post]
func (h *WebhookHandler) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Failed to read request body", err)
		return
	}

	event, err := h.common.gateway.VerifyWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "Webhook signature verification failed", err)
		return
	}

	logger.Info("processing payment webhook",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	switch event.Type {
	case "checkout.session.completed":
		err = h.handleCheckoutCompleted(c, event)
	case "payment_intent.payment_failed":
		err = h.handlePaymentFailed(c, event)
	case "charge.refunded":
		err = h.handleChargeRefunded(c, event)
	default:
		// Acknowledge types we do not track so the provider stops retrying.
		logger.Debug("ignoring webhook event type", zap.String("event_type", event.Type))
	}
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to process webhook event", err)
		return
	}

	sendSuccess(c, http.StatusOK, SuccessResponse{Message: "received"})
}

func (h *WebhookHandler) handleCheckoutCompleted(c *gin.Context, event payments.WebhookEvent) error {
	switch event.Kind() {
	case payments.CheckoutKindInitial:
		return h.confirmInitial(c, event)
	case payments.CheckoutKindExtension:
		return h.confirmExtension(c, event)
	case payments.CheckoutKindPayoutCollection:
		return h.completePayoutBatch(c, event)
	default:
		logger.Warn("checkout completed without a recognized kind",
			zap.String("event_id", event.ID))
		return nil
	}
}

// confirmInitial flips the purchase to confirmed and opens its payout ledger
// entry. Replays hit the status guard and the unique purchase constraint and
// fall through without effect.
func (h *WebhookHandler) confirmInitial(c *gin.Context, event payments.WebhookEvent) error {
	purchaseID, err := uuid.Parse(event.Metadata[payments.MetaPurchaseID])
	if err != nil {
		logger.Warn("webhook metadata missing purchase id", zap.String("event_id", event.ID))
		return nil
	}
	ctx := c.Request.Context()

	purchase, err := h.common.store.ConfirmPurchase(ctx, db.ConfirmPurchaseParams{
		ID:                 purchaseID,
		ExternalPaymentRef: event.PaymentIntentID,
	})
	if err != nil {
		if !db.IsNoRows(err) {
			return err
		}
		// Already past pending: reload so the payout backfill below still
		// runs on replay.
		purchase, err = h.common.store.GetPurchase(ctx, purchaseID)
		if err != nil {
			if db.IsNoRows(err) {
				logger.Warn("webhook references unknown purchase",
					zap.String("purchase_id", purchaseID.String()))
				return nil
			}
			return err
		}
		if purchase.Status == db.PurchaseStatusCancelled || purchase.Status == db.PurchaseStatusRefunded {
			return nil
		}
	}

	if _, err := h.common.store.CreatePayoutRecord(ctx, db.CreatePayoutRecordParams{
		ListenerID:  purchase.ListenerID,
		PurchaseID:  purchase.ID,
		Amount:      purchase.ListenerAmount,
		IsExtension: false,
	}); err != nil && !db.IsNoRows(err) {
		return err
	}
	return nil
}

// confirmExtension confirms the extension purchase and applies it to the live
// session. When the session has already ended the money comes straight back.
func (h *WebhookHandler) confirmExtension(c *gin.Context, event payments.WebhookEvent) error {
	purchaseID, err := uuid.Parse(event.Metadata[payments.MetaPurchaseID])
	if err != nil {
		logger.Warn("webhook metadata missing purchase id", zap.String("event_id", event.ID))
		return nil
	}
	ctx := c.Request.Context()

	purchase, err := h.common.store.ConfirmPurchase(ctx, db.ConfirmPurchaseParams{
		ID:                 purchaseID,
		ExternalPaymentRef: event.PaymentIntentID,
	})
	if err != nil {
		if !db.IsNoRows(err) {
			return err
		}
		purchase, err = h.common.store.GetPurchase(ctx, purchaseID)
		if err != nil {
			if db.IsNoRows(err) {
				logger.Warn("webhook references unknown purchase",
					zap.String("purchase_id", purchaseID.String()))
				return nil
			}
			return err
		}
		switch purchase.Status {
		case db.PurchaseStatusConfirmed, db.PurchaseStatusUsed, db.PurchaseStatusCompleted:
		default:
			return nil
		}
	}

	if _, err := h.common.engine.ExtendApply(ctx, purchase); err != nil {
		if errors.Is(err, db.ErrPrecondition) {
			return h.refundDeadExtension(c, purchase)
		}
		return err
	}

	if _, err := h.common.store.CreatePayoutRecord(ctx, db.CreatePayoutRecordParams{
		ListenerID:  purchase.ListenerID,
		PurchaseID:  purchase.ID,
		Amount:      purchase.ListenerAmount,
		IsExtension: true,
	}); err != nil && !db.IsNoRows(err) {
		return err
	}
	return nil
}

// refundDeadExtension returns the money for an extension that confirmed after
// its session reached a terminal state.
func (h *WebhookHandler) refundDeadExtension(c *gin.Context, purchase db.Purchase) error {
	ctx := c.Request.Context()
	logger.Info("refunding extension for ended session",
		zap.String("purchase_id", purchase.ID.String()))

	if purchase.ExternalPaymentRef != nil {
		if _, err := h.common.gateway.RefundPayment(ctx, *purchase.ExternalPaymentRef, "session_ended"); err != nil {
			return err
		}
	}
	if _, err := h.common.store.RefundPurchase(ctx, db.CancelPurchaseParams{
		ID:     purchase.ID,
		Reason: "session_ended",
	}); err != nil && !db.IsNoRows(err) {
		return err
	}
	if _, err := h.common.store.CancelPayoutByPurchase(ctx, purchase.ID); err != nil && !db.IsNoRows(err) {
		return err
	}
	return nil
}

// completePayoutBatch marks a requested payout batch as paid.
func (h *WebhookHandler) completePayoutBatch(c *gin.Context, event payments.WebhookEvent) error {
	listenerID, err := uuid.Parse(event.Metadata[payments.MetaListenerID])
	if err != nil {
		logger.Warn("webhook metadata missing listener id", zap.String("event_id", event.ID))
		return nil
	}
	ref := event.Metadata[payments.MetaPayoutRef]
	if ref == "" {
		logger.Warn("webhook metadata missing payout ref", zap.String("event_id", event.ID))
		return nil
	}

	completed, err := h.common.store.CompleteListenerPayouts(c.Request.Context(), db.CompleteListenerPayoutsParams{
		ListenerID:        listenerID,
		ExternalPayoutRef: ref,
		CompletedAt:       time.Now(),
	})
	if err != nil {
		return err
	}
	logger.Info("completed payout batch",
		zap.String("listener_id", listenerID.String()),
		zap.String("payout_ref", ref),
		zap.Int("count", len(completed)))
	return nil
}

// handlePaymentFailed cancels the pending purchase. A connecting session on
// an initial purchase fails with it.
func (h *WebhookHandler) handlePaymentFailed(c *gin.Context, event payments.WebhookEvent) error {
	purchaseID, err := uuid.Parse(event.Metadata[payments.MetaPurchaseID])
	if err != nil {
		logger.Warn("webhook metadata missing purchase id", zap.String("event_id", event.ID))
		return nil
	}
	ctx := c.Request.Context()

	purchase, err := h.common.store.CancelPurchase(ctx, db.CancelPurchaseParams{
		ID:     purchaseID,
		Reason: "payment_failed",
	})
	if err != nil {
		if db.IsNoRows(err) {
			return nil
		}
		return err
	}
	if _, err := h.common.store.CancelPayoutByPurchase(ctx, purchase.ID); err != nil && !db.IsNoRows(err) {
		return err
	}

	if purchase.IsExtension {
		return nil
	}
	session, err := h.common.store.GetSessionByInitialPurchase(ctx, purchase.ID)
	if err != nil {
		if db.IsNoRows(err) {
			return nil
		}
		return err
	}
	if _, err := h.common.engine.FailSession(ctx, session.ID, engine.EndReasonPaymentFailed); err != nil && !db.IsNoRows(err) && !errors.Is(err, db.ErrPrecondition) {
		return err
	}
	return nil
}

// handleChargeRefunded mirrors a provider-side refund into the ledger. A
// session still ringing on the refunded purchase fails with it, and a payout
// already settled claws its credit back so the balance keeps agreeing with
// the payout ledger.
func (h *WebhookHandler) handleChargeRefunded(c *gin.Context, event payments.WebhookEvent) error {
	if event.PaymentIntentID == "" {
		return nil
	}
	ctx := c.Request.Context()

	purchase, err := h.common.store.GetPurchaseByPaymentRef(ctx, event.PaymentIntentID)
	if err != nil {
		if db.IsNoRows(err) {
			logger.Warn("refund for unknown payment ref",
				zap.String("payment_intent_id", event.PaymentIntentID))
			return nil
		}
		return err
	}

	if _, err := h.common.store.RefundPurchase(ctx, db.CancelPurchaseParams{
		ID:     purchase.ID,
		Reason: "provider_refund",
	}); err != nil && !db.IsNoRows(err) {
		return err
	}
	if err := h.cancelPayoutWithClawback(ctx, purchase); err != nil {
		return err
	}

	if purchase.IsExtension {
		return nil
	}
	session, err := h.common.store.GetSessionByInitialPurchase(ctx, purchase.ID)
	if err != nil {
		if db.IsNoRows(err) {
			return nil
		}
		return err
	}
	if _, err := h.common.engine.FailSession(ctx, session.ID, engine.EndReasonPaymentFailed); err != nil && !db.IsNoRows(err) && !errors.Is(err, db.ErrPrecondition) {
		return err
	}
	return nil
}

// cancelPayoutWithClawback cancels the purchase's payout row and reverses
// whatever credit it already produced. An earned payout debits available and
// lifetime; a pending one only lifetime, since the payout request already
// moved the amount out of available. Processing rows were never credited.
func (h *WebhookHandler) cancelPayoutWithClawback(ctx context.Context, purchase db.Purchase) error {
	return h.common.engine.WithListenerLock(purchase.ListenerID, func() error {
		return h.common.store.ExecTx(ctx, func(q db.Querier) error {
			payout, err := q.GetPayoutByPurchase(ctx, purchase.ID)
			if err != nil {
				if db.IsNoRows(err) {
					return nil
				}
				return err
			}
			prior := payout.Status
			if _, err := q.CancelPayoutByPurchase(ctx, purchase.ID); err != nil {
				if db.IsNoRows(err) {
					return nil
				}
				return err
			}

			arg := db.ReverseCreditParams{ListenerID: payout.ListenerID}
			switch prior {
			case db.PayoutStatusEarned:
				arg.Available = payout.Amount
				arg.Lifetime = payout.Amount
			case db.PayoutStatusPending:
				arg.Lifetime = payout.Amount
			default:
				return nil
			}
			if _, err := q.ReverseListenerCredit(ctx, arg); err != nil && !db.IsNoRows(err) {
				return err
			}
			return nil
		})
	})
}
