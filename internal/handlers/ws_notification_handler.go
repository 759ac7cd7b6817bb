package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/hearly/hearly-api/internal/engine"
	"github.com/hearly/hearly-api/internal/fabric"
)

// AttachNotifications attaches a user to their notification group. Listeners
// get a snapshot of calls currently ringing for them on attach, so a ring
// that fired while they were offline is not lost.
func (h *WSHandler) AttachNotifications(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	userID, ok := h.authenticate(c)
	if !ok {
		closeWith(conn, CloseAuthFailed, "authentication required")
		return
	}

	sub, err := h.common.fabric.Subscribe(context.Background(), fabric.NotificationsGroup(userID))
	if err != nil {
		closeWith(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}

	client := newWSClient(conn, userID)
	h.sendRingingCalls(c.Request.Context(), client)

	go client.writeLoop(sub)
	h.readKeepaliveLoop(client)
}

// AttachConversations attaches a user to their conversation list group. The
// connection is a read-only relay of updates published by the chat
// collaborator.
func (h *WSHandler) AttachConversations(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	userID, ok := h.authenticate(c)
	if !ok {
		closeWith(conn, CloseAuthFailed, "authentication required")
		return
	}

	sub, err := h.common.fabric.Subscribe(context.Background(), fabric.ConversationsGroup(userID))
	if err != nil {
		closeWith(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}

	client := newWSClient(conn, userID)
	go client.writeLoop(sub)
	h.readKeepaliveLoop(client)
}

// sendRingingCalls pushes an incoming_call frame per connecting session the
// user is the listener of.
func (h *WSHandler) sendRingingCalls(ctx context.Context, client *wsClient) {
	sessions, err := h.common.store.ListConnectingSessionsForListener(ctx, client.userID)
	if err != nil {
		return
	}
	now := time.Now()
	for _, s := range sessions {
		payload := engine.IncomingCallPayload{
			Type:       engine.EventIncomingCall,
			SessionID:  s.ID,
			TalkerID:   s.TalkerID,
			Kind:       s.Kind,
			ServerTime: now,
		}
		if purchase, perr := h.common.store.GetPurchase(ctx, s.InitialPurchaseID); perr == nil {
			payload.DurationMinutes = purchase.DurationMinutes
			payload.Amount = purchase.TotalAmount
		}
		if talker, terr := h.common.store.GetUser(ctx, s.TalkerID); terr == nil {
			payload.TalkerName = talker.FullName
		}
		client.send(payload)
	}
}

// readKeepaliveLoop answers pings and discards everything else until the
// client disconnects.
func (h *WSHandler) readKeepaliveLoop(client *wsClient) {
	defer client.close()

	client.conn.SetReadLimit(4 * 1024)
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
		if json.Unmarshal(data, &frame) == nil && frame.Type == "ping" {
			client.send(gin.H{"type": "pong", "server_time": time.Now()})
		}
	}
}
