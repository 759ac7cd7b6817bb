package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hearly/hearly-api/internal/db"
	"github.com/hearly/hearly-api/internal/fabric"
)

// End reasons recorded on terminal sessions.
const (
	EndReasonTimeout          = "timeout"
	EndReasonEndedByTalker    = "ended_by_talker"
	EndReasonEndedByListener  = "ended_by_listener"
	EndReasonPaymentFailed    = "payment_failed"
	EndReasonListenerRejected = "listener_rejected"
)

// Config tunes the session engine.
type Config struct {
	// TickInterval is the timer resolution.
	TickInterval time.Duration
	// WarningThreshold is the remaining-minutes mark for the one-shot
	// time warning.
	WarningThreshold float64
	// EndGrace is how long a runner lingers after publishing call_ended so
	// attached clients receive it before teardown. Zero selects the one
	// second default; negative disables the grace entirely.
	EndGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = 3
	}
	if c.EndGrace < 0 {
		c.EndGrace = 0
	} else if c.EndGrace == 0 {
		c.EndGrace = time.Second
	}
	return c
}

// Engine owns the authoritative call timers. At most one runner per session
// id; the database is the single source of truth and every tick reloads from
// it, so a restarted node picks sessions up where they stand.
type Engine struct {
	store  db.Store
	fabric fabric.Fabric
	log    *zap.Logger
	cfg    Config

	listenerLocks *KeyedMutex
	sessionLocks  *KeyedMutex

	mu      sync.Mutex
	runners map[uuid.UUID]chan struct{}
	wg      sync.WaitGroup
}

func New(store db.Store, fab fabric.Fabric, log *zap.Logger, cfg Config) *Engine {
	return &Engine{
		store:         store,
		fabric:        fab,
		log:           log,
		cfg:           cfg.withDefaults(),
		listenerLocks: NewKeyedMutex(),
		sessionLocks:  NewKeyedMutex(),
		runners:       make(map[uuid.UUID]chan struct{}),
	}
}

// WithListenerLock runs fn while holding the per-listener lock. The purchase
// controller uses it to make the availability check and session insert
// atomic against concurrent buyers.
func (e *Engine) WithListenerLock(listenerID uuid.UUID, fn func() error) error {
	unlock := e.listenerLocks.Lock(listenerID.String())
	defer unlock()
	return fn()
}

// Status loads the session and builds the attach snapshot. Only participants
// may look.
func (e *Engine) Status(ctx context.Context, sessionID, callerID uuid.UUID) (db.Session, StatusPayload, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		if db.IsNoRows(err) {
			return db.Session{}, StatusPayload{}, fmt.Errorf("session %s: %w", sessionID, db.ErrNotFound)
		}
		return db.Session{}, StatusPayload{}, err
	}
	if callerID != s.TalkerID && callerID != s.ListenerID {
		return db.Session{}, StatusPayload{}, db.ErrForbidden
	}
	return s, StatusSnapshot(s, time.Now()), nil
}

// Accept transitions a connecting session to active and starts the countdown.
// Only the session's listener may accept. Accepting an already active session
// is a no-op returning current state.
func (e *Engine) Accept(ctx context.Context, sessionID, callerID uuid.UUID) (db.Session, error) {
	unlock := e.sessionLocks.Lock(sessionID.String())
	defer unlock()

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		if db.IsNoRows(err) {
			return db.Session{}, fmt.Errorf("session %s: %w", sessionID, db.ErrNotFound)
		}
		return db.Session{}, err
	}
	if callerID != s.ListenerID {
		return db.Session{}, fmt.Errorf("only the listener may accept: %w", db.ErrForbidden)
	}
	if s.Status == db.SessionStatusActive {
		return s, nil
	}
	if s.Status.IsTerminal() {
		return db.Session{}, fmt.Errorf("session %s is %s: %w", sessionID, s.Status, db.ErrPrecondition)
	}

	now := time.Now()
	var accepted db.Session
	err = e.store.ExecTx(ctx, func(q db.Querier) error {
		var txErr error
		accepted, txErr = q.AcceptSession(ctx, db.AcceptSessionParams{ID: sessionID, StartedAt: now})
		if txErr != nil {
			if db.IsNoRows(txErr) {
				return fmt.Errorf("session %s no longer accepting: %w", sessionID, db.ErrPrecondition)
			}
			return txErr
		}
		if _, txErr = q.MarkPurchaseInProgress(ctx, accepted.InitialPurchaseID); txErr != nil && !db.IsNoRows(txErr) {
			return txErr
		}
		return nil
	})
	if err != nil {
		return db.Session{}, err
	}

	e.log.Info("session accepted",
		zap.String("session_id", sessionID.String()),
		zap.String("listener_id", callerID.String()))

	e.publishCall(ctx, accepted, EventCallAccepted, callState(EventCallAccepted, accepted, now))
	e.EnsureRunner(accepted.ID)
	return accepted, nil
}

// ExtendApply grows a live session by a paid extension purchase. Idempotent
// on the purchase id: a purchase already marked used changes nothing. A
// terminal session rejects the extension with ErrPrecondition and leaves the
// purchase confirmed so the refund path can take it.
func (e *Engine) ExtendApply(ctx context.Context, purchase db.Purchase) (db.Session, error) {
	if purchase.SessionID == nil {
		return db.Session{}, fmt.Errorf("extension purchase %s has no session: %w", purchase.ID, db.ErrPrecondition)
	}
	sessionID := *purchase.SessionID

	unlock := e.sessionLocks.Lock(sessionID.String())
	defer unlock()

	var session db.Session
	applied := false
	err := e.store.ExecTx(ctx, func(q db.Querier) error {
		if _, err := q.MarkPurchaseUsed(ctx, purchase.ID); err != nil {
			if !db.IsNoRows(err) {
				return err
			}
			cur, gerr := q.GetPurchase(ctx, purchase.ID)
			if gerr != nil {
				return gerr
			}
			if cur.Status == db.PurchaseStatusUsed || cur.Status == db.PurchaseStatusCompleted {
				// Already applied; report current state.
				var serr error
				session, serr = q.GetSession(ctx, sessionID)
				return serr
			}
			return fmt.Errorf("purchase %s is %s: %w", purchase.ID, cur.Status, db.ErrPrecondition)
		}

		s, err := q.AddSessionMinutes(ctx, db.AddSessionMinutesParams{
			ID:      sessionID,
			Minutes: purchase.DurationMinutes,
		})
		if err != nil {
			if db.IsNoRows(err) {
				return fmt.Errorf("session %s already ended: %w", sessionID, db.ErrPrecondition)
			}
			return err
		}
		session = s
		applied = true
		return nil
	})
	if err != nil {
		return db.Session{}, err
	}

	if applied {
		now := time.Now()
		e.log.Info("session extended",
			zap.String("session_id", sessionID.String()),
			zap.String("purchase_id", purchase.ID.String()),
			zap.Int32("added_minutes", purchase.DurationMinutes))
		e.publishCall(ctx, session, EventMinutesExtended, ExtendedPayload{
			CallState:             callState(EventMinutesExtended, session, now),
			AddedMinutes:          purchase.DurationMinutes,
			TotalMinutesPurchased: session.TotalMinutesPurchased,
		})
	}
	return session, nil
}

// EndCall terminates a session at either participant's request. Ending an
// already terminal session is a no-op returning current state.
func (e *Engine) EndCall(ctx context.Context, sessionID, callerID uuid.UUID, reason string) (db.Session, error) {
	unlock := e.sessionLocks.Lock(sessionID.String())
	defer unlock()

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		if db.IsNoRows(err) {
			return db.Session{}, fmt.Errorf("session %s: %w", sessionID, db.ErrNotFound)
		}
		return db.Session{}, err
	}
	if callerID != s.TalkerID && callerID != s.ListenerID {
		return db.Session{}, db.ErrForbidden
	}
	if s.Status.IsTerminal() {
		return s, nil
	}

	if reason == "" {
		if callerID == s.ListenerID {
			reason = EndReasonEndedByListener
		} else {
			reason = EndReasonEndedByTalker
		}
	}

	now := time.Now()
	terminated, err := e.terminate(ctx, s, db.SessionStatusEnded, reason, now)
	if err != nil {
		return db.Session{}, err
	}

	e.publishCall(ctx, terminated, EventCallEnded, EndPayload{
		CallState:   callState(EventCallEnded, terminated, now),
		Reason:      reason,
		MinutesUsed: terminated.MinutesUsed,
	})
	e.notifyEnded(ctx, terminated, reason)
	return terminated, nil
}

// FailSession fails a connecting session (payment failure, rejection) and
// notifies both sides. No settlement runs; nothing was earned.
func (e *Engine) FailSession(ctx context.Context, sessionID uuid.UUID, reason string) (db.Session, error) {
	unlock := e.sessionLocks.Lock(sessionID.String())
	defer unlock()

	s, err := e.store.FailConnectingSession(ctx, sessionID, reason)
	if err != nil {
		if db.IsNoRows(err) {
			return db.Session{}, fmt.Errorf("session %s not connecting: %w", sessionID, db.ErrPrecondition)
		}
		return db.Session{}, err
	}

	now := time.Now()
	e.publishCall(ctx, s, EventCallEnded, EndPayload{
		CallState:   callState(EventCallEnded, s, now),
		Reason:      reason,
		MinutesUsed: s.MinutesUsed,
	})
	e.notifyEnded(ctx, s, reason)
	return s, nil
}

// minutesUsed computes actual consumption, capped at the purchased total.
func minutesUsed(s db.Session, now time.Time) decimal.Decimal {
	if s.StartedAt == nil {
		return decimal.Zero
	}
	elapsed := decimal.NewFromFloat(now.Sub(*s.StartedAt).Minutes()).Round(2)
	total := decimal.NewFromInt32(s.TotalMinutesPurchased)
	if elapsed.GreaterThan(total) {
		return total
	}
	if elapsed.IsNegative() {
		return decimal.Zero
	}
	return elapsed
}

// terminate persists the terminal transition and settles earnings. The
// guarded update makes concurrent terminations collapse to one winner.
func (e *Engine) terminate(ctx context.Context, s db.Session, status db.SessionStatus, reason string, now time.Time) (db.Session, error) {
	terminated, err := e.store.TerminateSession(ctx, db.TerminateSessionParams{
		ID:          s.ID,
		Status:      status,
		EndedAt:     now,
		MinutesUsed: minutesUsed(s, now),
		EndReason:   reason,
	})
	if err != nil {
		if db.IsNoRows(err) {
			// Lost the race; report whoever won.
			return e.store.GetSession(ctx, s.ID)
		}
		return db.Session{}, err
	}

	e.log.Info("session terminated",
		zap.String("session_id", s.ID.String()),
		zap.String("status", string(status)),
		zap.String("reason", reason))

	if err := e.settle(ctx, terminated); err != nil {
		e.log.Error("settlement failed",
			zap.String("session_id", s.ID.String()), zap.Error(err))
		return db.Session{}, err
	}
	return terminated, nil
}

// settle completes the session's paid purchases and credits the listener.
// The payout flip processing→earned is the single crediting gate: replays
// find no processing row and credit nothing. Retried with backoff so a
// transient store failure cannot strand an ended session unsettled.
func (e *Engine) settle(ctx context.Context, s db.Session) error {
	unlock := e.listenerLocks.Lock(s.ListenerID.String())
	defer unlock()

	op := func() error {
		return e.store.ExecTx(ctx, func(q db.Querier) error {
			purchases, err := q.ListSessionPurchases(ctx, s.ID)
			if err != nil {
				return err
			}
			for _, p := range purchases {
				switch p.Status {
				case db.PurchaseStatusConfirmed, db.PurchaseStatusInProgress, db.PurchaseStatusUsed:
					if _, err := q.MarkPurchaseCompleted(ctx, p.ID); err != nil && !db.IsNoRows(err) {
						return err
					}
				default:
					continue
				}

				payout, err := q.MarkPayoutEarned(ctx, p.ID)
				if err != nil {
					if db.IsNoRows(err) {
						continue
					}
					return err
				}
				if _, err := q.CreditListenerBalance(ctx, db.BalanceMutationParams{
					ListenerID: payout.ListenerID,
					Amount:     payout.Amount,
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(op, policy)
}

func (e *Engine) notifyEnded(ctx context.Context, s db.Session, reason string) {
	now := time.Now()
	payload := EndPayload{
		CallState:   callState(EventCallEndedNotification, s, now),
		Reason:      reason,
		MinutesUsed: s.MinutesUsed,
	}
	e.publish(ctx, fabric.NotificationsGroup(s.TalkerID), EventCallEndedNotification, payload)
	e.publish(ctx, fabric.NotificationsGroup(s.ListenerID), EventCallEndedNotification, payload)
}
