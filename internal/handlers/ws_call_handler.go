package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hearly/hearly-api/internal/auth"
	"github.com/hearly/hearly-api/internal/db"
	"github.com/hearly/hearly-api/internal/engine"
	"github.com/hearly/hearly-api/internal/fabric"
	"github.com/hearly/hearly-api/internal/logger"
)

// Application close codes sent on the websocket close frame. The 4xxx range
// is reserved for application use by RFC 6455.
const (
	CloseAuthFailed      = 4001
	CloseNotParticipant  = 4003
	CloseSessionNotFound = 4004
	CloseSessionEnded    = 4010
	ClosePaymentRequired = 4402
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
	// wsSendBuffer bounds the per-connection outbound queue. A client that
	// cannot drain it gets disconnected rather than stalling the publisher.
	wsSendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Token auth guards the attachment; origin checks add nothing here.
		return true
	},
}

// WSHandler attaches websocket clients to fabric groups
type WSHandler struct {
	common *CommonServices
}

func NewWSHandler(common *CommonServices) *WSHandler {
	return &WSHandler{common: common}
}

// inboundFrame is a client-to-server websocket message.
type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// closeWith sends an application close frame and drops the connection.
func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(wsWriteWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}

// authenticate resolves the caller from the attachment's token. Websocket
// clients pass it as a query parameter since browsers cannot set headers on
// the upgrade request.
func (h *WSHandler) authenticate(c *gin.Context) (uuid.UUID, bool) {
	tokenString := auth.BearerToken(c)
	if tokenString == "" {
		return uuid.Nil, false
	}
	claims, err := h.common.tokens.VerifyToken(tokenString)
	if err != nil {
		return uuid.Nil, false
	}
	userID, err := claims.UserID()
	if err != nil {
		return uuid.Nil, false
	}
	return userID, true
}

// AttachCall attaches a participant to a session's call group. The
// connection carries lifecycle events outbound and control frames inbound.
// Dropping the connection never affects the session: the countdown is
// server-side and keeps running.
func (h *WSHandler) AttachCall(c *gin.Context) {
	sessionIDRaw := c.Param("session_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	userID, ok := h.authenticate(c)
	if !ok {
		closeWith(conn, CloseAuthFailed, "authentication required")
		return
	}
	sessionID, err := uuid.Parse(sessionIDRaw)
	if err != nil {
		closeWith(conn, CloseSessionNotFound, "session not found")
		return
	}

	ctx := c.Request.Context()
	session, err := h.common.store.GetSession(ctx, sessionID)
	if err != nil {
		closeWith(conn, CloseSessionNotFound, "session not found")
		return
	}
	if session.TalkerID != userID && session.ListenerID != userID {
		closeWith(conn, CloseNotParticipant, "not a participant")
		return
	}
	if session.Status.IsTerminal() {
		closeWith(conn, CloseSessionEnded, "session has ended")
		return
	}
	purchase, err := h.common.store.GetPurchase(ctx, session.InitialPurchaseID)
	if err == nil {
		switch purchase.Status {
		case db.PurchaseStatusPending, db.PurchaseStatusCancelled, db.PurchaseStatusRefunded:
			closeWith(conn, ClosePaymentRequired, "payment not settled")
			return
		}
	}

	// The subscription outlives the upgrade request's context.
	sub, err := h.common.fabric.Subscribe(context.Background(), fabric.CallGroup(sessionID))
	if err != nil {
		closeWith(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	h.common.engine.EnsureRunner(sessionID)

	client := newWSClient(conn, userID)
	client.send(engine.StatusSnapshot(session, time.Now()))

	go client.writeLoop(sub)
	h.readCallLoop(client, sessionID)
}

// readCallLoop processes inbound control frames until the client goes away.
func (h *WSHandler) readCallLoop(client *wsClient, sessionID uuid.UUID) {
	defer client.close()

	client.conn.SetReadLimit(32 * 1024)
	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			client.sendError("invalid message")
			continue
		}
		h.handleCallFrame(client, sessionID, frame)
	}
}

func (h *WSHandler) handleCallFrame(client *wsClient, sessionID uuid.UUID, frame inboundFrame) {
	ctx := context.Background()

	switch frame.Type {
	case "ping":
		client.send(gin.H{"type": "pong", "server_time": time.Now()})

	case "get_status":
		session, _, err := h.common.engine.Status(ctx, sessionID, client.userID)
		if err != nil {
			client.sendError("failed to load status")
			return
		}
		client.send(engine.StatusSnapshot(session, time.Now()))

	case "signal_relay":
		h.relaySignal(ctx, client, sessionID, frame.Payload)

	case "end":
		if _, err := h.common.engine.EndCall(ctx, sessionID, client.userID, ""); err != nil {
			client.sendError("failed to end call")
		}

	default:
		client.sendError("unknown message type")
	}
}

// relaySignal forwards an opaque peer-to-peer payload to the other
// participant only. The server never interprets the data.
func (h *WSHandler) relaySignal(ctx context.Context, client *wsClient, sessionID uuid.UUID, data json.RawMessage) {
	session, err := h.common.store.GetSession(ctx, sessionID)
	if err != nil {
		client.sendError("failed to relay signal")
		return
	}
	peer := session.TalkerID
	if client.userID == session.TalkerID {
		peer = session.ListenerID
	}

	ev, err := fabric.NewEvent(engine.EventSignalRelay, gin.H{
		"type":       engine.EventSignalRelay,
		"session_id": sessionID,
		"from":       client.userID,
		"data":       data,
	})
	if err != nil {
		client.sendError("failed to relay signal")
		return
	}
	ev.Target = peer

	if err := h.common.fabric.Publish(ctx, fabric.CallGroup(sessionID), ev); err != nil {
		client.sendError("failed to relay signal")
	}
}

// wsClient serializes writes to one websocket connection. gorilla permits a
// single concurrent writer, so everything outbound funnels through out.
type wsClient struct {
	conn   *websocket.Conn
	userID uuid.UUID
	out    chan []byte
	done   chan struct{}
}

func newWSClient(conn *websocket.Conn, userID uuid.UUID) *wsClient {
	return &wsClient{
		conn:   conn,
		userID: userID,
		out:    make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
	}
}

func (w *wsClient) send(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal outbound frame", zap.Error(err))
		return
	}
	select {
	case w.out <- data:
	case <-w.done:
	default:
		// Slow consumer. Drop the frame; the next status update supersedes it.
		logger.Warn("dropping frame for slow websocket client",
			zap.String("user_id", w.userID.String()))
	}
}

func (w *wsClient) sendError(message string) {
	w.send(gin.H{"type": engine.EventError, "message": message})
}

func (w *wsClient) close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	_ = w.conn.Close()
}

// writeLoop pumps subscription events and queued frames to the connection.
// Events targeted at the other participant are filtered out here.
func (w *wsClient) writeLoop(sub fabric.Subscription) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.Close()
		w.close()
	}()

	for {
		select {
		case data := <-w.out:
			_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if !ev.DeliverableTo(w.userID) {
				continue
			}
			_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, ev.Payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}
