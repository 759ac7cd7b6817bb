package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hearly/hearly-api/internal/db"
)

// PayoutHandler exposes the listener earnings ledger
type PayoutHandler struct {
	common *CommonServices
}

func NewPayoutHandler(common *CommonServices) *PayoutHandler {
	return &PayoutHandler{common: common}
}

// PayoutResponse represents a single payout ledger entry
type PayoutResponse struct {
	ID                string     `json:"id"`
	PurchaseID        string     `json:"purchase_id"`
	Amount            string     `json:"amount"`
	Status            string     `json:"status"`
	IsExtension       bool       `json:"is_extension"`
	ExternalPayoutRef *string    `json:"external_payout_ref,omitempty"`
	EarnedAt          *time.Time `json:"earned_at,omitempty"`
	RequestedAt       *time.Time `json:"requested_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// BalanceResponse summarises the listener's account. Withdrawable covers
// base call earnings only; extension earnings count toward lifetime totals
// but are paid out through a separate channel.
type BalanceResponse struct {
	Available         string `json:"available"`
	Withdrawable      string `json:"withdrawable"`
	PendingPayout     string `json:"pending_payout"`
	ExtensionEarnings string `json:"extension_earnings"`
	LifetimeEarned    string `json:"lifetime_earned"`
}

// PayoutRequestResponse reports the batch created by a payout request
type PayoutRequestResponse struct {
	ExternalPayoutRef string           `json:"external_payout_ref"`
	Amount            string           `json:"amount"`
	Payouts           []PayoutResponse `json:"payouts"`
}

func toPayoutResponse(p db.PayoutRecord) PayoutResponse {
	return PayoutResponse{
		ID:                p.ID.String(),
		PurchaseID:        p.PurchaseID.String(),
		Amount:            p.Amount.StringFixed(2),
		Status:            string(p.Status),
		IsExtension:       p.IsExtension,
		ExternalPayoutRef: p.ExternalPayoutRef,
		EarnedAt:          p.EarnedAt,
		RequestedAt:       p.RequestedAt,
		CompletedAt:       p.CompletedAt,
		CreatedAt:         p.CreatedAt,
	}
}

// ListPayouts godoc
// @Summary List the caller's payout ledger entries, newest first
// @Tags payouts
// @Produce json
// @Param limit query int false "Page size (default 20, max 100)"
// @Param offset query int false "Page offset"
// @Success 200 {object} map[string]interface{}
// @Router /payouts [get]
func (h *PayoutHandler) ListPayouts(c *gin.Context) {
	listenerID, ok := requireUser(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)

	payouts, err := h.common.store.ListListenerPayouts(c.Request.Context(), db.ListListenerPayoutsParams{
		ListenerID: listenerID,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to list payouts", err)
		return
	}

	out := make([]PayoutResponse, len(payouts))
	for i, p := range payouts {
		out[i] = toPayoutResponse(p)
	}
	sendList(c, out)
}

// GetBalance godoc
// @Summary Get the caller's earnings balance
// @Tags payouts
// @Produce json
// @Success 200 {object} BalanceResponse
// @Router /payouts/balance [get]
func (h *PayoutHandler) GetBalance(c *gin.Context) {
	listenerID, ok := requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	balance, err := h.common.store.GetListenerBalance(ctx, listenerID)
	if err != nil {
		if !db.IsNoRows(err) {
			sendError(c, http.StatusInternalServerError, "Failed to load balance", err)
			return
		}
		balance = db.ListenerBalance{ListenerID: listenerID}
	}

	withdrawable, err := h.common.store.SumListenerPayouts(ctx, db.SumListenerPayoutsParams{
		ListenerID:  listenerID,
		IsExtension: false,
		Statuses:    []db.PayoutStatus{db.PayoutStatusEarned},
	})
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to load balance", err)
		return
	}
	pending, err := h.common.store.SumListenerPayouts(ctx, db.SumListenerPayoutsParams{
		ListenerID:  listenerID,
		IsExtension: false,
		Statuses:    []db.PayoutStatus{db.PayoutStatusPending},
	})
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to load balance", err)
		return
	}
	extension, err := h.common.store.SumListenerPayouts(ctx, db.SumListenerPayoutsParams{
		ListenerID:  listenerID,
		IsExtension: true,
		Statuses:    []db.PayoutStatus{db.PayoutStatusEarned, db.PayoutStatusPending, db.PayoutStatusCompleted},
	})
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to load balance", err)
		return
	}

	sendSuccess(c, http.StatusOK, BalanceResponse{
		Available:         balance.Available.StringFixed(2),
		Withdrawable:      withdrawable.StringFixed(2),
		PendingPayout:     pending.StringFixed(2),
		ExtensionEarnings: extension.StringFixed(2),
		LifetimeEarned:    balance.LifetimeEarned.StringFixed(2),
	})
}

// RequestPayout godoc
// @Summary Request a payout of all withdrawable earnings
// @Description Moves every earned base payout to pending under one batch reference and debits the available balance
// @Tags payouts
// @Produce json
// @Success 200 {object} PayoutRequestResponse
// @Failure 409 {object} ErrorResponse
// @Router /payouts/request [post]
func (h *PayoutHandler) RequestPayout(c *gin.Context) {
	listenerID, ok := requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	ref := fmt.Sprintf("po_%s", uuid.New().String())
	now := time.Now()

	var batch []db.PayoutRecord
	err := h.common.engine.WithListenerLock(listenerID, func() error {
		return h.common.store.ExecTx(ctx, func(q db.Querier) error {
			var txErr error
			batch, txErr = q.RequestListenerPayouts(ctx, db.RequestListenerPayoutsParams{
				ListenerID:        listenerID,
				ExternalPayoutRef: ref,
				RequestedAt:       now,
			})
			if txErr != nil {
				return txErr
			}
			if len(batch) == 0 {
				return db.ErrPrecondition
			}
			total := decimal.Zero
			for _, p := range batch {
				total = total.Add(p.Amount)
			}
			_, txErr = q.DebitListenerBalance(ctx, db.BalanceMutationParams{
				ListenerID: listenerID,
				Amount:     total,
			})
			return txErr
		})
	})
	if err != nil {
		handleDomainError(c, err, "Nothing to pay out")
		return
	}

	total := decimal.Zero
	out := make([]PayoutResponse, len(batch))
	for i, p := range batch {
		total = total.Add(p.Amount)
		out[i] = toPayoutResponse(p)
	}
	sendSuccess(c, http.StatusOK, PayoutRequestResponse{
		ExternalPayoutRef: ref,
		Amount:            total.StringFixed(2),
		Payouts:           out,
	})
}
