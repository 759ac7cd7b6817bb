package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type UserType string

const (
	UserTypeTalker   UserType = "talker"
	UserTypeListener UserType = "listener"
)

type PackageKind string

const (
	PackageKindAudio PackageKind = "audio"
	PackageKindVideo PackageKind = "video"
	PackageKindBoth  PackageKind = "both"
)

type PurchaseStatus string

const (
	PurchaseStatusPending    PurchaseStatus = "pending"
	PurchaseStatusConfirmed  PurchaseStatus = "confirmed"
	PurchaseStatusInProgress PurchaseStatus = "in_progress"
	PurchaseStatusUsed       PurchaseStatus = "used"
	PurchaseStatusCompleted  PurchaseStatus = "completed"
	PurchaseStatusCancelled  PurchaseStatus = "cancelled"
	PurchaseStatusRefunded   PurchaseStatus = "refunded"
)

type SessionStatus string

const (
	SessionStatusConnecting SessionStatus = "connecting"
	SessionStatusActive     SessionStatus = "active"
	SessionStatusEnded      SessionStatus = "ended"
	SessionStatusTimeout    SessionStatus = "timeout"
	SessionStatusFailed     SessionStatus = "failed"
)

// IsTerminal reports whether the status is permanent.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusEnded || s == SessionStatusTimeout || s == SessionStatusFailed
}

type PayoutStatus string

const (
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusEarned     PayoutStatus = "earned"
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
	PayoutStatusCancelled  PayoutStatus = "cancelled"
)

type RejectionReason string

const (
	RejectionReasonNotAvailable  RejectionReason = "not_available"
	RejectionReasonBusy          RejectionReason = "busy"
	RejectionReasonNotInterested RejectionReason = "not_interested"
	RejectionReasonOther         RejectionReason = "other"
)

// User is the minimal projection of the external account system needed for
// participant checks and availability hints.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	UserType  UserType  `json:"user_type"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// PackageTemplate is an admin-priced offering of a fixed call duration.
type PackageTemplate struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Kind            PackageKind     `json:"kind"`
	DurationMinutes int32           `json:"duration_minutes"`
	Price           decimal.Decimal `json:"price"`
	FeePercent      decimal.Decimal `json:"fee_percent"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// FeeAmount derives the platform commission, quantized to two decimals.
func (t PackageTemplate) FeeAmount() decimal.Decimal {
	return t.Price.Mul(t.FeePercent).Div(decimal.NewFromInt(100)).Round(2)
}

// ListenerAmount derives the listener's share of the price.
func (t PackageTemplate) ListenerAmount() decimal.Decimal {
	return t.Price.Sub(t.FeeAmount()).Round(2)
}

// Purchase is a priced talker/listener/template instance. Amounts are a
// snapshot taken at creation; later template edits never mutate them.
type Purchase struct {
	ID                 uuid.UUID       `json:"id"`
	TalkerID           uuid.UUID       `json:"talker_id"`
	ListenerID         uuid.UUID       `json:"listener_id"`
	TemplateID         uuid.UUID       `json:"template_id"`
	Status             PurchaseStatus  `json:"status"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	FeeAmount          decimal.Decimal `json:"fee_amount"`
	ListenerAmount     decimal.Decimal `json:"listener_amount"`
	DurationMinutes    int32           `json:"duration_minutes"`
	IsExtension        bool            `json:"is_extension"`
	SessionID          *uuid.UUID      `json:"session_id,omitempty"`
	ExternalPaymentRef *string         `json:"external_payment_ref,omitempty"`
	CheckoutSessionID  *string         `json:"checkout_session_id,omitempty"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	UsedAt             *time.Time      `json:"used_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Session is one live or historical call, server-timed.
type Session struct {
	ID                    uuid.UUID       `json:"id"`
	TalkerID              uuid.UUID       `json:"talker_id"`
	ListenerID            uuid.UUID       `json:"listener_id"`
	InitialPurchaseID     uuid.UUID       `json:"initial_purchase_id"`
	Status                SessionStatus   `json:"status"`
	Kind                  PackageKind     `json:"kind"`
	TotalMinutesPurchased int32           `json:"total_minutes_purchased"`
	MinutesUsed           decimal.Decimal `json:"minutes_used"`
	StartedAt             *time.Time      `json:"started_at,omitempty"`
	EndedAt               *time.Time      `json:"ended_at,omitempty"`
	EndReason             string          `json:"end_reason,omitempty"`
	WarningSent           bool            `json:"warning_sent"`
	ChannelName           string          `json:"channel_name"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// RemainingMinutes computes the authoritative countdown at the given instant.
// Before acceptance the full purchased duration is reported; after a terminal
// transition it is zero.
func (s Session) RemainingMinutes(now time.Time) float64 {
	if s.StartedAt == nil {
		return float64(s.TotalMinutesPurchased)
	}
	if s.Status.IsTerminal() {
		return 0
	}
	elapsed := now.Sub(*s.StartedAt).Minutes()
	remaining := float64(s.TotalMinutesPurchased) - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PayoutRecord is the authoritative earnings ledger entry for one purchase.
type PayoutRecord struct {
	ID                uuid.UUID       `json:"id"`
	ListenerID        uuid.UUID       `json:"listener_id"`
	PurchaseID        uuid.UUID       `json:"purchase_id"`
	Amount            decimal.Decimal `json:"amount"`
	Status            PayoutStatus    `json:"status"`
	IsExtension       bool            `json:"is_extension"`
	ExternalPayoutRef *string         `json:"external_payout_ref,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	EarnedAt          *time.Time      `json:"earned_at,omitempty"`
	RequestedAt       *time.Time      `json:"requested_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ListenerBalance is the per-listener materialized account derived from the
// payout ledger. It never disagrees with the ledger across a transaction.
type ListenerBalance struct {
	ListenerID     uuid.UUID       `json:"listener_id"`
	Available      decimal.Decimal `json:"available"`
	LifetimeEarned decimal.Decimal `json:"lifetime_earned"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RejectionRecord tracks a listener's terminal rejection of an unaccepted
// purchase, including refund state.
type RejectionRecord struct {
	ID           uuid.UUID       `json:"id"`
	PurchaseID   uuid.UUID       `json:"purchase_id"`
	ListenerID   uuid.UUID       `json:"listener_id"`
	TalkerID     uuid.UUID       `json:"talker_id"`
	Reason       RejectionReason `json:"reason"`
	Notes        string          `json:"notes,omitempty"`
	RefundIssued bool            `json:"refund_issued"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	RefundRef    *string         `json:"refund_ref,omitempty"`
	RefundedAt   *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
