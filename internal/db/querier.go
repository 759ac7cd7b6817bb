package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreatePurchaseParams struct {
	TalkerID        uuid.UUID
	ListenerID      uuid.UUID
	TemplateID      uuid.UUID
	TotalAmount     decimal.Decimal
	FeeAmount       decimal.Decimal
	ListenerAmount  decimal.Decimal
	DurationMinutes int32
	IsExtension     bool
	SessionID       *uuid.UUID
}

type ConfirmPurchaseParams struct {
	ID                 uuid.UUID
	ExternalPaymentRef string
}

type CancelPurchaseParams struct {
	ID     uuid.UUID
	Reason string
}

type SetPurchaseCheckoutSessionParams struct {
	ID                uuid.UUID
	CheckoutSessionID string
}

type CreateSessionParams struct {
	// ID is caller-supplied so derived artifacts (media channel name) can
	// embed it before the insert.
	ID                    uuid.UUID
	TalkerID              uuid.UUID
	ListenerID            uuid.UUID
	InitialPurchaseID     uuid.UUID
	Kind                  PackageKind
	TotalMinutesPurchased int32
	ChannelName           string
}

type AcceptSessionParams struct {
	ID        uuid.UUID
	StartedAt time.Time
}

type AddSessionMinutesParams struct {
	ID      uuid.UUID
	Minutes int32
}

type TerminateSessionParams struct {
	ID          uuid.UUID
	Status      SessionStatus
	EndedAt     time.Time
	MinutesUsed decimal.Decimal
	EndReason   string
}

type ListUserSessionsParams struct {
	UserID uuid.UUID
	Limit  int32
	Offset int32
}

type CreatePayoutRecordParams struct {
	ListenerID  uuid.UUID
	PurchaseID  uuid.UUID
	Amount      decimal.Decimal
	IsExtension bool
	Notes       string
}

type ListListenerPayoutsParams struct {
	ListenerID uuid.UUID
	Limit      int32
	Offset     int32
}

type SumListenerPayoutsParams struct {
	ListenerID  uuid.UUID
	IsExtension bool
	Statuses    []PayoutStatus
}

type RequestListenerPayoutsParams struct {
	ListenerID        uuid.UUID
	ExternalPayoutRef string
	RequestedAt       time.Time
}

type CompleteListenerPayoutsParams struct {
	ListenerID        uuid.UUID
	ExternalPayoutRef string
	CompletedAt       time.Time
}

type BalanceMutationParams struct {
	ListenerID uuid.UUID
	Amount     decimal.Decimal
}

type ReverseCreditParams struct {
	ListenerID uuid.UUID
	Available  decimal.Decimal
	Lifetime   decimal.Decimal
}

type CreateRejectionRecordParams struct {
	PurchaseID uuid.UUID
	ListenerID uuid.UUID
	TalkerID   uuid.UUID
	Reason     RejectionReason
	Notes      string
}

type MarkRejectionRefundedParams struct {
	ID           uuid.UUID
	RefundAmount decimal.Decimal
	RefundRef    string
	RefundedAt   time.Time
}

// Querier is the query surface of the store. Every component reads and
// writes through it, either directly or inside ExecTx.
type Querier interface {
	// Users
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	ListFreeListeners(ctx context.Context, exclude uuid.UUID, limit int32) ([]User, error)

	// Package templates
	GetPackageTemplate(ctx context.Context, id uuid.UUID) (PackageTemplate, error)
	ListActivePackageTemplates(ctx context.Context) ([]PackageTemplate, error)

	// Purchases
	CreatePurchase(ctx context.Context, arg CreatePurchaseParams) (Purchase, error)
	GetPurchase(ctx context.Context, id uuid.UUID) (Purchase, error)
	GetPurchaseByPaymentRef(ctx context.Context, ref string) (Purchase, error)
	ConfirmPurchase(ctx context.Context, arg ConfirmPurchaseParams) (Purchase, error)
	MarkPurchaseInProgress(ctx context.Context, id uuid.UUID) (Purchase, error)
	MarkPurchaseUsed(ctx context.Context, id uuid.UUID) (Purchase, error)
	MarkPurchaseCompleted(ctx context.Context, id uuid.UUID) (Purchase, error)
	CancelPurchase(ctx context.Context, arg CancelPurchaseParams) (Purchase, error)
	RefundPurchase(ctx context.Context, arg CancelPurchaseParams) (Purchase, error)
	SetPurchaseCheckoutSession(ctx context.Context, arg SetPurchaseCheckoutSessionParams) error
	SetPurchaseSession(ctx context.Context, id, sessionID uuid.UUID) error
	ListSessionPurchases(ctx context.Context, sessionID uuid.UUID) ([]Purchase, error)
	CountListenerActivePurchases(ctx context.Context, listenerID uuid.UUID) (int64, error)

	// Sessions
	CreateSession(ctx context.Context, arg CreateSessionParams) (Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (Session, error)
	GetSessionByInitialPurchase(ctx context.Context, purchaseID uuid.UUID) (Session, error)
	CountListenerBusySessions(ctx context.Context, listenerID uuid.UUID) (int64, error)
	ListConnectingSessionsForListener(ctx context.Context, listenerID uuid.UUID) ([]Session, error)
	GetActiveSessionForUser(ctx context.Context, userID uuid.UUID) (Session, error)
	ListUserSessions(ctx context.Context, arg ListUserSessionsParams) ([]Session, error)
	AcceptSession(ctx context.Context, arg AcceptSessionParams) (Session, error)
	AddSessionMinutes(ctx context.Context, arg AddSessionMinutesParams) (Session, error)
	TerminateSession(ctx context.Context, arg TerminateSessionParams) (Session, error)
	FailConnectingSession(ctx context.Context, id uuid.UUID, reason string) (Session, error)
	MarkSessionWarningSent(ctx context.Context, id uuid.UUID) (bool, error)

	// Payout records
	CreatePayoutRecord(ctx context.Context, arg CreatePayoutRecordParams) (PayoutRecord, error)
	GetPayoutByPurchase(ctx context.Context, purchaseID uuid.UUID) (PayoutRecord, error)
	ListListenerPayouts(ctx context.Context, arg ListListenerPayoutsParams) ([]PayoutRecord, error)
	SumListenerPayouts(ctx context.Context, arg SumListenerPayoutsParams) (decimal.Decimal, error)
	MarkPayoutEarned(ctx context.Context, purchaseID uuid.UUID) (PayoutRecord, error)
	CancelPayoutByPurchase(ctx context.Context, purchaseID uuid.UUID) (PayoutRecord, error)
	RequestListenerPayouts(ctx context.Context, arg RequestListenerPayoutsParams) ([]PayoutRecord, error)
	CompleteListenerPayouts(ctx context.Context, arg CompleteListenerPayoutsParams) ([]PayoutRecord, error)

	// Listener balances
	GetListenerBalance(ctx context.Context, listenerID uuid.UUID) (ListenerBalance, error)
	CreditListenerBalance(ctx context.Context, arg BalanceMutationParams) (ListenerBalance, error)
	DebitListenerBalance(ctx context.Context, arg BalanceMutationParams) (ListenerBalance, error)
	ReverseListenerCredit(ctx context.Context, arg ReverseCreditParams) (ListenerBalance, error)

	// Rejections
	CreateRejectionRecord(ctx context.Context, arg CreateRejectionRecordParams) (RejectionRecord, error)
	GetRejectionByPurchase(ctx context.Context, purchaseID uuid.UUID) (RejectionRecord, error)
	MarkRejectionRefunded(ctx context.Context, arg MarkRejectionRefundedParams) (RejectionRecord, error)
}

var _ Querier = (*Queries)(nil)
