package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hearly/hearly-api/internal/db"
	"github.com/hearly/hearly-api/internal/fabric"
)

// Call group event types.
const (
	EventCallStatus      = "call_status"
	EventCallAccepted    = "call_accepted"
	EventTimeWarning     = "time_warning"
	EventTimeUpdate      = "time_update"
	EventMinutesExtended = "minutes_extended"
	EventCallEnding      = "call_ending"
	EventCallEnded       = "call_ended"
	EventError           = "error"
	EventSignalRelay     = "signal_relay"
)

// Notification group event types.
const (
	EventIncomingCall           = "incoming_call"
	EventCallEndedNotification  = "call_ended_notification"
	EventConversationListUpdate = "conversation_list_update"
)

// CallState is the common payload core. Every call group event except
// signal_relay carries it.
type CallState struct {
	Type             string           `json:"type"`
	SessionID        uuid.UUID        `json:"session_id"`
	Status           db.SessionStatus `json:"status"`
	RemainingMinutes float64          `json:"remaining_minutes"`
	ServerTime       time.Time        `json:"server_time"`
}

// StatusPayload is the attach snapshot. RemainingMinutes before acceptance
// is display-only; the countdown starts at started_at.
type StatusPayload struct {
	CallState
	TimerRunning          bool            `json:"timer_running"`
	TotalMinutesPurchased int32           `json:"total_minutes_purchased"`
	MinutesUsed           decimal.Decimal `json:"minutes_used"`
	StartedAt             *time.Time      `json:"started_at,omitempty"`
}

// ExtendedPayload reports a successfully applied extension.
type ExtendedPayload struct {
	CallState
	AddedMinutes          int32 `json:"added_minutes"`
	TotalMinutesPurchased int32 `json:"total_minutes_purchased"`
}

// EndPayload reports a call ending or ended, with the reason.
type EndPayload struct {
	CallState
	Reason      string          `json:"reason"`
	MinutesUsed decimal.Decimal `json:"minutes_used"`
}

// IncomingCallPayload rings a listener's notification group.
type IncomingCallPayload struct {
	Type            string          `json:"type"`
	SessionID       uuid.UUID       `json:"session_id"`
	TalkerID        uuid.UUID       `json:"talker_id"`
	TalkerName      string          `json:"talker_name,omitempty"`
	Kind            db.PackageKind  `json:"kind"`
	DurationMinutes int32           `json:"duration_minutes"`
	Amount          decimal.Decimal `json:"amount"`
	ServerTime      time.Time       `json:"server_time"`
}

func callState(typ string, s db.Session, now time.Time) CallState {
	return CallState{
		Type:             typ,
		SessionID:        s.ID,
		Status:           s.Status,
		RemainingMinutes: s.RemainingMinutes(now),
		ServerTime:       now,
	}
}

// StatusSnapshot builds the attach payload for a session.
func StatusSnapshot(s db.Session, now time.Time) StatusPayload {
	return StatusPayload{
		CallState:             callState(EventCallStatus, s, now),
		TimerRunning:          s.StartedAt != nil && !s.Status.IsTerminal(),
		TotalMinutesPurchased: s.TotalMinutesPurchased,
		MinutesUsed:           s.MinutesUsed,
		StartedAt:             s.StartedAt,
	}
}

// publish sends a call group event, logging instead of failing the caller:
// event delivery is best effort, persistence is authoritative.
func (e *Engine) publish(ctx context.Context, group, typ string, payload interface{}) {
	ev, err := fabric.NewEvent(typ, payload)
	if err != nil {
		e.log.Error("failed to encode event", zap.String("type", typ), zap.Error(err))
		return
	}
	if err := e.fabric.Publish(ctx, group, ev); err != nil {
		e.log.Warn("failed to publish event",
			zap.String("group", group), zap.String("type", typ), zap.Error(err))
	}
}

func (e *Engine) publishCall(ctx context.Context, s db.Session, typ string, payload interface{}) {
	e.publish(ctx, fabric.CallGroup(s.ID), typ, payload)
}
