package fabric

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Event is one message on a fabric group. Payload is the JSON frame delivered
// to attached clients verbatim. Type duplicates the frame's "type" field so
// subscribers can route without re-parsing. Target restricts delivery to a
// single user; the zero value broadcasts to the whole group.
type Event struct {
	Type    string          `json:"type"`
	Target  uuid.UUID       `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent marshals payload and tags it with the given type.
func NewEvent(typ string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", typ, err)
	}
	return Event{Type: typ, Payload: data}, nil
}

// DeliverableTo reports whether the event should reach the given user.
func (e Event) DeliverableTo(userID uuid.UUID) bool {
	return e.Target == uuid.Nil || e.Target == userID
}

// Subscription is one group membership. Events arrive on C in publish order;
// Close drops the membership and closes C.
type Subscription interface {
	C() <-chan Event
	Close() error
}

// Fabric is the pub/sub transport between the session engine, the HTTP
// handlers and the websocket attachments. Publish order per group is
// delivery order per subscriber.
type Fabric interface {
	Publish(ctx context.Context, group string, ev Event) error
	Subscribe(ctx context.Context, group string) (Subscription, error)
}

// CallGroup is the per-session group carrying call lifecycle events.
func CallGroup(sessionID uuid.UUID) string {
	return fmt.Sprintf("call_%s", sessionID)
}

// NotificationsGroup carries per-user notifications (incoming calls, call
// ended notices).
func NotificationsGroup(userID uuid.UUID) string {
	return fmt.Sprintf("user_%s_notifications", userID)
}

// ConversationsGroup carries conversation list updates published by the chat
// collaborator.
func ConversationsGroup(userID uuid.UUID) string {
	return fmt.Sprintf("user_%s_conversations", userID)
}
