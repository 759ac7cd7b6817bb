package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hearly/hearly-api/internal/db"
	"github.com/hearly/hearly-api/internal/engine"
	"github.com/hearly/hearly-api/internal/fabric"
	"github.com/hearly/hearly-api/internal/logger"
)

// RejectionHandler lets a listener decline an unaccepted purchase, refunding
// the talker in full
type RejectionHandler struct {
	common *CommonServices
}

func NewRejectionHandler(common *CommonServices) *RejectionHandler {
	return &RejectionHandler{common: common}
}

// RejectPurchaseRequest represents the request body for rejecting a purchase
type RejectPurchaseRequest struct {
	PurchaseID string `json:"purchase_id" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
	Notes      string `json:"notes"`
}

// RejectionResponse represents the API shape of a rejection record
type RejectionResponse struct {
	ID           string     `json:"id"`
	PurchaseID   string     `json:"purchase_id"`
	Reason       string     `json:"reason"`
	Notes        string     `json:"notes,omitempty"`
	RefundIssued bool       `json:"refund_issued"`
	RefundAmount string     `json:"refund_amount,omitempty"`
	RefundedAt   *time.Time `json:"refunded_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toRejectionResponse(r db.RejectionRecord) RejectionResponse {
	resp := RejectionResponse{
		ID:           r.ID.String(),
		PurchaseID:   r.PurchaseID.String(),
		Reason:       string(r.Reason),
		Notes:        r.Notes,
		RefundIssued: r.RefundIssued,
		RefundedAt:   r.RefundedAt,
		CreatedAt:    r.CreatedAt,
	}
	if r.RefundIssued {
		resp.RefundAmount = r.RefundAmount.StringFixed(2)
	}
	return resp
}

var validRejectionReasons = map[db.RejectionReason]bool{
	db.RejectionReasonNotAvailable:  true,
	db.RejectionReasonBusy:          true,
	db.RejectionReasonNotInterested: true,
	db.RejectionReasonOther:         true,
}

// RejectPurchase godoc
// @Summary Reject an unaccepted purchase
// @Description Listener-only. Records the rejection, refunds the talker, cancels the pending payout and fails the ringing session if one exists
// @Tags rejections
// @Accept json
// @Produce json
// @Param request body RejectPurchaseRequest true "Rejection parameters"
// @Success 200 {object} RejectionResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /rejections [post]
func (h *RejectionHandler) RejectPurchase(c *gin.Context) {
	listenerID, ok := requireUser(c)
	if !ok {
		return
	}

	var req RejectPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	purchaseID, err := uuid.Parse(req.PurchaseID)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid purchase ID format", err)
		return
	}
	reason := db.RejectionReason(req.Reason)
	if !validRejectionReasons[reason] {
		sendError(c, http.StatusBadRequest, "Invalid rejection reason", nil)
		return
	}
	ctx := c.Request.Context()

	purchase, err := h.common.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		handleDomainError(c, err, "Purchase not found")
		return
	}
	if purchase.ListenerID != listenerID {
		sendError(c, http.StatusForbidden, "Not allowed", nil)
		return
	}
	if purchase.IsExtension {
		sendError(c, http.StatusBadRequest, "Extensions cannot be rejected", nil)
		return
	}

	// Replays return the existing record regardless of the purchase state the
	// first rejection left behind.
	if existing, gerr := h.common.store.GetRejectionByPurchase(ctx, purchase.ID); gerr == nil {
		sendSuccess(c, http.StatusOK, toRejectionResponse(existing))
		return
	} else if !db.IsNoRows(gerr) {
		sendError(c, http.StatusInternalServerError, "Failed to record rejection", gerr)
		return
	}

	switch purchase.Status {
	case db.PurchaseStatusPending, db.PurchaseStatusConfirmed:
	default:
		sendError(c, http.StatusConflict, "Purchase can no longer be rejected", nil)
		return
	}

	rejection, err := h.common.store.CreateRejectionRecord(ctx, db.CreateRejectionRecordParams{
		PurchaseID: purchase.ID,
		ListenerID: purchase.ListenerID,
		TalkerID:   purchase.TalkerID,
		Reason:     reason,
		Notes:      req.Notes,
	})
	if err != nil {
		if db.IsNoRows(err) {
			existing, gerr := h.common.store.GetRejectionByPurchase(ctx, purchase.ID)
			if gerr != nil {
				sendError(c, http.StatusInternalServerError, "Failed to record rejection", gerr)
				return
			}
			sendSuccess(c, http.StatusOK, toRejectionResponse(existing))
			return
		}
		sendError(c, http.StatusInternalServerError, "Failed to record rejection", err)
		return
	}

	// Money moves before state flips so a crash leaves us retryable: the
	// refund call is idempotent on the gateway side.
	refundRef := ""
	if purchase.Status == db.PurchaseStatusConfirmed && purchase.ExternalPaymentRef != nil {
		refundRef, err = h.common.gateway.RefundPayment(ctx, *purchase.ExternalPaymentRef, "listener_rejected")
		if err != nil {
			sendError(c, http.StatusBadGateway, "Failed to issue refund", err)
			return
		}
	}

	if _, err := h.common.store.RefundPurchase(ctx, db.CancelPurchaseParams{
		ID:     purchase.ID,
		Reason: "listener_rejected",
	}); err != nil && !db.IsNoRows(err) {
		sendError(c, http.StatusInternalServerError, "Failed to update purchase", err)
		return
	}
	if _, err := h.common.store.CancelPayoutByPurchase(ctx, purchase.ID); err != nil && !db.IsNoRows(err) {
		sendError(c, http.StatusInternalServerError, "Failed to cancel payout", err)
		return
	}

	if session, serr := h.common.store.GetSessionByInitialPurchase(ctx, purchase.ID); serr == nil {
		if _, ferr := h.common.engine.FailSession(ctx, session.ID, engine.EndReasonListenerRejected); ferr != nil && !db.IsNoRows(ferr) {
			logger.Warn("failed to fail rejected session",
				zap.String("session_id", session.ID.String()), zap.Error(ferr))
		}
	} else if !db.IsNoRows(serr) {
		sendError(c, http.StatusInternalServerError, "Failed to look up session", serr)
		return
	}

	rejection, err = h.common.store.MarkRejectionRefunded(ctx, db.MarkRejectionRefundedParams{
		ID:           rejection.ID,
		RefundAmount: purchase.TotalAmount,
		RefundRef:    refundRef,
		RefundedAt:   time.Now(),
	})
	if err != nil && !db.IsNoRows(err) {
		sendError(c, http.StatusInternalServerError, "Failed to finalize rejection", err)
		return
	}

	h.notifyTalker(c, purchase)

	sendSuccess(c, http.StatusOK, toRejectionResponse(rejection))
}

func (h *RejectionHandler) notifyTalker(c *gin.Context, purchase db.Purchase) {
	payload := map[string]interface{}{
		"type":        engine.EventCallEndedNotification,
		"purchase_id": purchase.ID,
		"reason":      engine.EndReasonListenerRejected,
		"server_time": time.Now(),
	}
	ev, err := fabric.NewEvent(engine.EventCallEndedNotification, payload)
	if err != nil {
		return
	}
	group := fabric.NotificationsGroup(purchase.TalkerID)
	if err := h.common.fabric.Publish(c.Request.Context(), group, ev); err != nil {
		logger.Warn("failed to notify talker of rejection",
			zap.String("purchase_id", purchase.ID.String()), zap.Error(err))
	}
}
