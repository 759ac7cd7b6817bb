package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hearly/hearly-api/internal/db"
	"github.com/hearly/hearly-api/internal/engine"
	"github.com/hearly/hearly-api/internal/fabric"
	"github.com/hearly/hearly-api/internal/logger"
	"github.com/hearly/hearly-api/internal/media"
)

// SessionHandler handles session allocation and lifecycle operations
type SessionHandler struct {
	common *CommonServices
}

func NewSessionHandler(common *CommonServices) *SessionHandler {
	return &SessionHandler{common: common}
}

// AllocateSessionRequest represents the request body for session allocation
type AllocateSessionRequest struct {
	PurchaseID string `json:"purchase_id" binding:"required"`
}

// SessionResponse represents the API shape of a session
type SessionResponse struct {
	ID                    string     `json:"id"`
	TalkerID              string     `json:"talker_id"`
	ListenerID            string     `json:"listener_id"`
	Status                string     `json:"status"`
	Kind                  string     `json:"kind"`
	TotalMinutesPurchased int32      `json:"total_minutes_purchased"`
	MinutesUsed           string     `json:"minutes_used"`
	RemainingMinutes      float64    `json:"remaining_minutes"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	EndedAt               *time.Time `json:"ended_at,omitempty"`
	EndReason             string     `json:"end_reason,omitempty"`
	ChannelName           string     `json:"channel_name"`
	CreatedAt             time.Time  `json:"created_at"`
}

// AllocateSessionResponse bundles the session with its attach URL and the
// caller's media credentials
type AllocateSessionResponse struct {
	Session     SessionResponse  `json:"session"`
	AttachURL   string           `json:"attach_url"`
	MediaTokens media.CallTokens `json:"media_tokens"`
}

func toSessionResponse(s db.Session) SessionResponse {
	return SessionResponse{
		ID:                    s.ID.String(),
		TalkerID:              s.TalkerID.String(),
		ListenerID:            s.ListenerID.String(),
		Status:                string(s.Status),
		Kind:                  string(s.Kind),
		TotalMinutesPurchased: s.TotalMinutesPurchased,
		MinutesUsed:           s.MinutesUsed.StringFixed(2),
		RemainingMinutes:      s.RemainingMinutes(time.Now()),
		StartedAt:             s.StartedAt,
		EndedAt:               s.EndedAt,
		EndReason:             s.EndReason,
		ChannelName:           s.ChannelName,
		CreatedAt:             s.CreatedAt,
	}
}

// AllocateSession godoc
// @Summary Allocate a call session from a confirmed purchase
// @Description Creates a connecting session under the per-listener lock, links the purchase, rings the listener and returns the attach URL plus media credentials
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body AllocateSessionRequest true "Allocation parameters"
// @Success 201 {object} AllocateSessionResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /sessions [post]
func (h *SessionHandler) AllocateSession(c *gin.Context) {
	talkerID, ok := requireUser(c)
	if !ok {
		return
	}

	var req AllocateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	purchaseID, err := uuid.Parse(req.PurchaseID)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid purchase ID format", err)
		return
	}

	purchase, err := h.common.store.GetPurchase(c.Request.Context(), purchaseID)
	if err != nil {
		handleDomainError(c, err, "Purchase not found")
		return
	}
	if purchase.TalkerID != talkerID {
		sendError(c, http.StatusForbidden, "Not allowed", nil)
		return
	}
	if purchase.IsExtension {
		sendError(c, http.StatusBadRequest, "Extensions cannot allocate sessions", nil)
		return
	}
	if purchase.Status != db.PurchaseStatusConfirmed {
		sendError(c, http.StatusConflict, "Purchase is not confirmed", nil)
		return
	}
	if _, err := h.common.store.GetSessionByInitialPurchase(c.Request.Context(), purchaseID); err == nil {
		sendError(c, http.StatusConflict, "Session already allocated for this purchase", nil)
		return
	} else if !db.IsNoRows(err) {
		sendError(c, http.StatusInternalServerError, "Failed to check existing session", err)
		return
	}

	template, err := h.common.store.GetPackageTemplate(c.Request.Context(), purchase.TemplateID)
	if err != nil {
		handleDomainError(c, err, "Package not found")
		return
	}

	sessionID := uuid.New()
	now := time.Now()
	channel := media.ChannelName(sessionID, now)

	var session db.Session
	busy := false
	err = h.common.engine.WithListenerLock(purchase.ListenerID, func() error {
		n, lerr := h.common.store.CountListenerBusySessions(c.Request.Context(), purchase.ListenerID)
		if lerr != nil {
			return lerr
		}
		if n > 0 {
			busy = true
			return nil
		}
		return h.common.store.ExecTx(c.Request.Context(), func(q db.Querier) error {
			var txErr error
			session, txErr = q.CreateSession(c.Request.Context(), db.CreateSessionParams{
				ID:                    sessionID,
				TalkerID:              purchase.TalkerID,
				ListenerID:            purchase.ListenerID,
				InitialPurchaseID:     purchase.ID,
				Kind:                  template.Kind,
				TotalMinutesPurchased: purchase.DurationMinutes,
				ChannelName:           channel,
			})
			if txErr != nil {
				return txErr
			}
			return q.SetPurchaseSession(c.Request.Context(), purchase.ID, session.ID)
		})
	})
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to allocate session", err)
		return
	}
	if busy {
		sendError(c, http.StatusConflict, "Listener is currently busy", nil)
		return
	}

	tokens := h.common.media.TokensForCall(channel, session.TalkerID, session.ListenerID, now)

	h.publishIncomingCall(c, session, purchase, template)

	sendSuccess(c, http.StatusCreated, AllocateSessionResponse{
		Session:     toSessionResponse(session),
		AttachURL:   fmt.Sprintf("/ws/call/%s", session.ID),
		MediaTokens: tokens,
	})
}

func (h *SessionHandler) publishIncomingCall(c *gin.Context, session db.Session, purchase db.Purchase, template db.PackageTemplate) {
	talker, err := h.common.store.GetUser(c.Request.Context(), session.TalkerID)
	if err != nil {
		talker = db.User{ID: session.TalkerID}
	}
	payload := engine.IncomingCallPayload{
		Type:            engine.EventIncomingCall,
		SessionID:       session.ID,
		TalkerID:        session.TalkerID,
		TalkerName:      talker.FullName,
		Kind:            template.Kind,
		DurationMinutes: purchase.DurationMinutes,
		Amount:          purchase.TotalAmount,
		ServerTime:      time.Now(),
	}
	ev, err := fabric.NewEvent(engine.EventIncomingCall, payload)
	if err != nil {
		return
	}
	group := fabric.NotificationsGroup(session.ListenerID)
	if err := h.common.fabric.Publish(c.Request.Context(), group, ev); err != nil {
		logger.Warn("failed to ring listener",
			zap.String("session_id", session.ID.String()), zap.Error(err))
	}
}

// AcceptSession godoc
// @Summary Accept a connecting session
// @Description Listener-only; starts the authoritative countdown
// @Tags sessions
// @Produce json
// @Param session_id path string true "Session ID"
// @Success 200 {object} SessionResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /sessions/{session_id}/accept [post]
func (h *SessionHandler) AcceptSession(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid session ID format", err)
		return
	}

	session, err := h.common.engine.Accept(c.Request.Context(), sessionID, userID)
	if err != nil {
		handleDomainError(c, err, "Session not found")
		return
	}
	sendSuccess(c, http.StatusOK, toSessionResponse(session))
}

// EndSession godoc
// @Summary End a session
// @Description Either participant may end; settles earnings on the terminal transition
// @Tags sessions
// @Produce json
// @Param session_id path string true "Session ID"
// @Success 200 {object} SessionResponse
// @Failure 403 {object} ErrorResponse
// @Router /sessions/{session_id}/end [post]
func (h *SessionHandler) EndSession(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid session ID format", err)
		return
	}

	session, err := h.common.engine.EndCall(c.Request.Context(), sessionID, userID, "")
	if err != nil {
		handleDomainError(c, err, "Session not found")
		return
	}
	sendSuccess(c, http.StatusOK, toSessionResponse(session))
}

// GetSession godoc
// @Summary Get session by ID
// @Tags sessions
// @Produce json
// @Param session_id path string true "Session ID"
// @Success 200 {object} SessionResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /sessions/{session_id} [get]
func (h *SessionHandler) GetSession(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid session ID format", err)
		return
	}

	session, _, err := h.common.engine.Status(c.Request.Context(), sessionID, userID)
	if err != nil {
		handleDomainError(c, err, "Session not found")
		return
	}
	sendSuccess(c, http.StatusOK, toSessionResponse(session))
}

// GetActiveSession godoc
// @Summary Get the caller's current live session, if any
// @Tags sessions
// @Produce json
// @Success 200 {object} SessionResponse
// @Failure 404 {object} ErrorResponse
// @Router /sessions/active [get]
func (h *SessionHandler) GetActiveSession(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	session, err := h.common.store.GetActiveSessionForUser(c.Request.Context(), userID)
	if err != nil {
		handleDomainError(c, err, "No active session")
		return
	}
	sendSuccess(c, http.StatusOK, toSessionResponse(session))
}

// ListSessionHistory godoc
// @Summary List the caller's sessions, newest first
// @Tags sessions
// @Produce json
// @Param limit query int false "Page size (default 20, max 100)"
// @Param offset query int false "Page offset"
// @Success 200 {object} map[string]interface{}
// @Router /sessions/history [get]
func (h *SessionHandler) ListSessionHistory(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)

	sessions, err := h.common.store.ListUserSessions(c.Request.Context(), db.ListUserSessionsParams{
		UserID: userID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to list sessions", err)
		return
	}

	out := make([]SessionResponse, len(sessions))
	for i, s := range sessions {
		out[i] = toSessionResponse(s)
	}
	sendList(c, out)
}

// RefreshMediaToken godoc
// @Summary Issue a fresh media credential for the caller's side of a live session
// @Tags sessions
// @Produce json
// @Param session_id path string true "Session ID"
// @Success 200 {object} media.Token
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /sessions/{session_id}/media-token [post]
func (h *SessionHandler) RefreshMediaToken(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid session ID format", err)
		return
	}

	session, _, err := h.common.engine.Status(c.Request.Context(), sessionID, userID)
	if err != nil {
		handleDomainError(c, err, "Session not found")
		return
	}
	if session.Status.IsTerminal() {
		sendError(c, http.StatusConflict, "Session has already ended", nil)
		return
	}

	token := h.common.media.TokenFor(session.ChannelName, userID, time.Now())
	sendSuccess(c, http.StatusOK, token)
}

// pagination reads limit/offset query parameters with sane bounds.
func pagination(c *gin.Context) (limit, offset int32) {
	limit = 20
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil && v > 0 {
		if v > 100 {
			v = 100
		}
		limit = int32(v)
	}
	if v, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil && v > 0 {
		offset = int32(v)
	}
	return limit, offset
}
