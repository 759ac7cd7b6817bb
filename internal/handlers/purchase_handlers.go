package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hearly/hearly-api/internal/db"
	"github.com/hearly/hearly-api/internal/payments"
)

// PurchaseHandler handles purchase creation and listener availability
type PurchaseHandler struct {
	common *CommonServices
}

func NewPurchaseHandler(common *CommonServices) *PurchaseHandler {
	return &PurchaseHandler{common: common}
}

// CreatePurchaseRequest represents the request body for an initial purchase
type CreatePurchaseRequest struct {
	ListenerID string `json:"listener_id" binding:"required"`
	TemplateID string `json:"template_id" binding:"required"`
}

// ExtendPurchaseRequest represents the request body for an extension purchase
type ExtendPurchaseRequest struct {
	SessionID  string `json:"session_id" binding:"required"`
	TemplateID string `json:"template_id" binding:"required"`
}

// PurchaseResponse represents the API shape of a purchase
type PurchaseResponse struct {
	ID              string     `json:"id"`
	ListenerID      string     `json:"listener_id"`
	TemplateID      string     `json:"template_id"`
	Status          string     `json:"status"`
	TotalAmount     string     `json:"total_amount"`
	FeeAmount       string     `json:"fee_amount"`
	ListenerAmount  string     `json:"listener_amount"`
	DurationMinutes int32      `json:"duration_minutes"`
	IsExtension     bool       `json:"is_extension"`
	SessionID       *string    `json:"session_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// CheckoutResponse bundles the purchase with its hosted checkout link
type CheckoutResponse struct {
	Purchase    PurchaseResponse `json:"purchase"`
	CheckoutURL string           `json:"checkout_url"`
}

// ListenerHint is a free listener suggested when the requested one is busy
type ListenerHint struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
}

// BusyListenerResponse is the rejection body for a busy listener
type BusyListenerResponse struct {
	Error         string         `json:"error"`
	FreeListeners []ListenerHint `json:"free_listeners"`
}

func toPurchaseResponse(p db.Purchase) PurchaseResponse {
	out := PurchaseResponse{
		ID:              p.ID.String(),
		ListenerID:      p.ListenerID.String(),
		TemplateID:      p.TemplateID.String(),
		Status:          string(p.Status),
		TotalAmount:     p.TotalAmount.StringFixed(2),
		FeeAmount:       p.FeeAmount.StringFixed(2),
		ListenerAmount:  p.ListenerAmount.StringFixed(2),
		DurationMinutes: p.DurationMinutes,
		IsExtension:     p.IsExtension,
		CreatedAt:       p.CreatedAt,
	}
	if p.SessionID != nil {
		sid := p.SessionID.String()
		out.SessionID = &sid
	}
	return out
}

// listenerBusy reports whether the listener has a live session or an
// in-progress purchase.
func (h *PurchaseHandler) listenerBusy(c *gin.Context, listenerID uuid.UUID) (bool, error) {
	sessions, err := h.common.store.CountListenerBusySessions(c.Request.Context(), listenerID)
	if err != nil {
		return false, err
	}
	if sessions > 0 {
		return true, nil
	}
	purchases, err := h.common.store.CountListenerActivePurchases(c.Request.Context(), listenerID)
	if err != nil {
		return false, err
	}
	return purchases > 0, nil
}

func (h *PurchaseHandler) freeListenerHints(c *gin.Context, exclude uuid.UUID) []ListenerHint {
	listeners, err := h.common.store.ListFreeListeners(c.Request.Context(), exclude, 10)
	if err != nil {
		return nil
	}
	hints := make([]ListenerHint, len(listeners))
	for i, l := range listeners {
		hints[i] = ListenerHint{ID: l.ID.String(), FullName: l.FullName}
	}
	return hints
}

// CreatePurchase godoc
// @Summary Create an initial call purchase
// @Description Snapshots the package pricing, persists a pending purchase and returns a hosted checkout link. A busy listener rejects the purchase with alternative free listeners and persists nothing.
// @Tags purchases
// @Accept json
// @Produce json
// @Param request body CreatePurchaseRequest true "Purchase parameters"
// @Success 201 {object} CheckoutResponse
// @Failure 400 {object} BusyListenerResponse
// @Failure 404 {object} ErrorResponse
// @Router /purchases [post]
func (h *PurchaseHandler) CreatePurchase(c *gin.Context) {
	talkerID, ok := requireUser(c)
	if !ok {
		return
	}

	var req CreatePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	listenerID, err := uuid.Parse(req.ListenerID)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid listener ID format", err)
		return
	}
	templateID, err := uuid.Parse(req.TemplateID)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid template ID format", err)
		return
	}

	listener, err := h.common.store.GetUser(c.Request.Context(), listenerID)
	if err != nil {
		handleDomainError(c, err, "Listener not found")
		return
	}
	if listener.UserType != db.UserTypeListener || !listener.Active {
		sendError(c, http.StatusBadRequest, "User is not an active listener", nil)
		return
	}

	template, err := h.common.store.GetPackageTemplate(c.Request.Context(), templateID)
	if err != nil {
		handleDomainError(c, err, "Package not found")
		return
	}
	if !template.Active {
		sendError(c, http.StatusBadRequest, "Package is no longer offered", nil)
		return
	}

	// Availability check and purchase insert run under the per-listener
	// lock; a busy listener rejects the request without persisting a row.
	var purchase db.Purchase
	busy := false
	err = h.common.engine.WithListenerLock(listenerID, func() error {
		b, lerr := h.listenerBusy(c, listenerID)
		if lerr != nil {
			return lerr
		}
		if b {
			busy = true
			return nil
		}
		purchase, lerr = h.common.store.CreatePurchase(c.Request.Context(), db.CreatePurchaseParams{
			TalkerID:        talkerID,
			ListenerID:      listenerID,
			TemplateID:      templateID,
			TotalAmount:     template.Price,
			FeeAmount:       template.FeeAmount(),
			ListenerAmount:  template.ListenerAmount(),
			DurationMinutes: template.DurationMinutes,
		})
		return lerr
	})
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to create purchase", err)
		return
	}
	if busy {
		c.JSON(http.StatusBadRequest, BusyListenerResponse{
			Error:         "Listener is currently busy",
			FreeListeners: h.freeListenerHints(c, listenerID),
		})
		return
	}

	checkout, err := h.common.gateway.CreateCheckoutSession(c.Request.Context(), payments.CheckoutParams{
		Kind:        payments.CheckoutKindInitial,
		ProductName: template.Name,
		AmountCents: template.Price.Mul(centsPerUnit).IntPart(),
		Metadata: map[string]string{
			payments.MetaPurchaseID: purchase.ID.String(),
		},
	})
	if err != nil {
		// The pending row stays; the talker can retry checkout from it.
		sendError(c, http.StatusBadGateway, "Failed to create checkout", err)
		return
	}
	if err := h.common.store.SetPurchaseCheckoutSession(c.Request.Context(), db.SetPurchaseCheckoutSessionParams{
		ID:                purchase.ID,
		CheckoutSessionID: checkout.SessionID,
	}); err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to record checkout", err)
		return
	}

	sendSuccess(c, http.StatusCreated, CheckoutResponse{
		Purchase:    toPurchaseResponse(purchase),
		CheckoutURL: checkout.URL,
	})
}

// ExtendPurchase godoc
// @Summary Purchase an extension for a live session
// @Description Creates an extension purchase bound to a session the caller owns and returns a hosted checkout link
// @Tags purchases
// @Accept json
// @Produce json
// @Param request body ExtendPurchaseRequest true "Extension parameters"
// @Success 201 {object} CheckoutResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /purchases/extend [post]
func (h *PurchaseHandler) ExtendPurchase(c *gin.Context) {
	talkerID, ok := requireUser(c)
	if !ok {
		return
	}

	var req ExtendPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid session ID format", err)
		return
	}
	templateID, err := uuid.Parse(req.TemplateID)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid template ID format", err)
		return
	}

	session, err := h.common.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		handleDomainError(c, err, "Session not found")
		return
	}
	if session.TalkerID != talkerID {
		sendError(c, http.StatusForbidden, "Not allowed", nil)
		return
	}
	if session.Status.IsTerminal() {
		sendError(c, http.StatusConflict, "Session has already ended", nil)
		return
	}

	template, err := h.common.store.GetPackageTemplate(c.Request.Context(), templateID)
	if err != nil {
		handleDomainError(c, err, "Package not found")
		return
	}
	if !template.Active {
		sendError(c, http.StatusBadRequest, "Package is no longer offered", nil)
		return
	}

	purchase, err := h.common.store.CreatePurchase(c.Request.Context(), db.CreatePurchaseParams{
		TalkerID:        talkerID,
		ListenerID:      session.ListenerID,
		TemplateID:      templateID,
		TotalAmount:     template.Price,
		FeeAmount:       template.FeeAmount(),
		ListenerAmount:  template.ListenerAmount(),
		DurationMinutes: template.DurationMinutes,
		IsExtension:     true,
		SessionID:       &sessionID,
	})
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to create purchase", err)
		return
	}

	checkout, err := h.common.gateway.CreateCheckoutSession(c.Request.Context(), payments.CheckoutParams{
		Kind:        payments.CheckoutKindExtension,
		ProductName: template.Name + " (extension)",
		AmountCents: template.Price.Mul(centsPerUnit).IntPart(),
		Metadata: map[string]string{
			payments.MetaPurchaseID:      purchase.ID.String(),
			payments.MetaSessionID:       sessionID.String(),
			payments.MetaDurationMinutes: formatInt32(template.DurationMinutes),
		},
	})
	if err != nil {
		sendError(c, http.StatusBadGateway, "Failed to create checkout", err)
		return
	}
	if err := h.common.store.SetPurchaseCheckoutSession(c.Request.Context(), db.SetPurchaseCheckoutSessionParams{
		ID:                purchase.ID,
		CheckoutSessionID: checkout.SessionID,
	}); err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to record checkout", err)
		return
	}

	sendSuccess(c, http.StatusCreated, CheckoutResponse{
		Purchase:    toPurchaseResponse(purchase),
		CheckoutURL: checkout.URL,
	})
}

// GetListenerAvailability godoc
// @Summary Probe listener availability
// @Tags purchases
// @Produce json
// @Param listener_id path string true "Listener ID"
// @Success 200 {object} map[string]bool
// @Router /listeners/{listener_id}/availability [get]
func (h *PurchaseHandler) GetListenerAvailability(c *gin.Context) {
	listenerID, err := uuid.Parse(c.Param("listener_id"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid listener ID format", err)
		return
	}

	busy, err := h.listenerBusy(c, listenerID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to check availability", err)
		return
	}
	sendSuccess(c, http.StatusOK, gin.H{"available": !busy})
}
