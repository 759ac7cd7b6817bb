// Package dbfake is an in-memory db.Store for tests. Guarded transitions
// mirror the SQL implementations, including their no-row behavior, so code
// under test sees the same pgx.ErrNoRows surface as in production.
package dbfake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/hearly/hearly-api/internal/db"
)

type Store struct {
	mu sync.Mutex

	Users      map[uuid.UUID]db.User
	Templates  map[uuid.UUID]db.PackageTemplate
	Purchases  map[uuid.UUID]db.Purchase
	Sessions   map[uuid.UUID]db.Session
	Payouts    map[uuid.UUID]db.PayoutRecord
	Balances   map[uuid.UUID]db.ListenerBalance
	Rejections map[uuid.UUID]db.RejectionRecord

	// TxFailures makes the next N ExecTx calls fail with TxErr, for
	// exercising retry paths.
	TxFailures int
	TxErr      error

	seq int64
}

func New() *Store {
	return &Store{
		Users:      make(map[uuid.UUID]db.User),
		Templates:  make(map[uuid.UUID]db.PackageTemplate),
		Purchases:  make(map[uuid.UUID]db.Purchase),
		Sessions:   make(map[uuid.UUID]db.Session),
		Payouts:    make(map[uuid.UUID]db.PayoutRecord),
		Balances:   make(map[uuid.UUID]db.ListenerBalance),
		Rejections: make(map[uuid.UUID]db.RejectionRecord),
	}
}

// WithLock runs fn while holding the store lock, for tests that reach into
// the maps directly while other goroutines are querying.
func (s *Store) WithLock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// now returns strictly increasing timestamps so creation order is total.
func (s *Store) now() time.Time {
	s.seq++
	return time.Now().Add(time.Duration(s.seq) * time.Microsecond)
}

// ExecTx runs fn against the store, restoring the pre-transaction snapshot
// when fn errors so rollback semantics hold.
func (s *Store) ExecTx(_ context.Context, fn func(db.Querier) error) error {
	s.mu.Lock()
	if s.TxFailures > 0 {
		s.TxFailures--
		err := s.TxErr
		s.mu.Unlock()
		return err
	}
	snap := s.snapshot()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.restore(snap)
		s.mu.Unlock()
		return err
	}
	return nil
}

type snapshot struct {
	purchases  map[uuid.UUID]db.Purchase
	sessions   map[uuid.UUID]db.Session
	payouts    map[uuid.UUID]db.PayoutRecord
	balances   map[uuid.UUID]db.ListenerBalance
	rejections map[uuid.UUID]db.RejectionRecord
}

func (s *Store) snapshot() snapshot {
	return snapshot{
		purchases:  cloneMap(s.Purchases),
		sessions:   cloneMap(s.Sessions),
		payouts:    cloneMap(s.Payouts),
		balances:   cloneMap(s.Balances),
		rejections: cloneMap(s.Rejections),
	}
}

func (s *Store) restore(snap snapshot) {
	s.Purchases = snap.purchases
	s.Sessions = snap.sessions
	s.Payouts = snap.payouts
	s.Balances = snap.balances
	s.Rejections = snap.rejections
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Users

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.Users[id]
	if !ok {
		return db.User{}, pgx.ErrNoRows
	}
	return u, nil
}

func (s *Store) ListFreeListeners(_ context.Context, exclude uuid.UUID, limit int32) ([]db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	busy := make(map[uuid.UUID]bool)
	for _, sess := range s.Sessions {
		if sess.Status == db.SessionStatusConnecting || sess.Status == db.SessionStatusActive {
			busy[sess.ListenerID] = true
		}
	}
	for _, p := range s.Purchases {
		if p.Status == db.PurchaseStatusInProgress {
			busy[p.ListenerID] = true
		}
	}

	var out []db.User
	for _, u := range s.Users {
		if u.UserType == db.UserTypeListener && u.Active && u.ID != exclude && !busy[u.ID] {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Package templates

func (s *Store) GetPackageTemplate(_ context.Context, id uuid.UUID) (db.PackageTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Templates[id]
	if !ok {
		return db.PackageTemplate{}, pgx.ErrNoRows
	}
	return t, nil
}

func (s *Store) ListActivePackageTemplates(_ context.Context) ([]db.PackageTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.PackageTemplate
	for _, t := range s.Templates {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DurationMinutes != out[j].DurationMinutes {
			return out[i].DurationMinutes < out[j].DurationMinutes
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out, nil
}

// Purchases

func (s *Store) CreatePurchase(_ context.Context, arg db.CreatePurchaseParams) (db.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	p := db.Purchase{
		ID:              uuid.New(),
		TalkerID:        arg.TalkerID,
		ListenerID:      arg.ListenerID,
		TemplateID:      arg.TemplateID,
		Status:          db.PurchaseStatusPending,
		TotalAmount:     arg.TotalAmount,
		FeeAmount:       arg.FeeAmount,
		ListenerAmount:  arg.ListenerAmount,
		DurationMinutes: arg.DurationMinutes,
		IsExtension:     arg.IsExtension,
		SessionID:       arg.SessionID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.Purchases[p.ID] = p
	return p, nil
}

func (s *Store) GetPurchase(_ context.Context, id uuid.UUID) (db.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Purchases[id]
	if !ok {
		return db.Purchase{}, pgx.ErrNoRows
	}
	return p, nil
}

func (s *Store) GetPurchaseByPaymentRef(_ context.Context, ref string) (db.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.Purchases {
		if p.ExternalPaymentRef != nil && *p.ExternalPaymentRef == ref {
			return p, nil
		}
	}
	return db.Purchase{}, pgx.ErrNoRows
}

// updatePurchase applies fn to the purchase when cond holds, mirroring a
// guarded UPDATE ... RETURNING.
func (s *Store) updatePurchase(id uuid.UUID, cond func(db.Purchase) bool, fn func(*db.Purchase)) (db.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Purchases[id]
	if !ok || !cond(p) {
		return db.Purchase{}, pgx.ErrNoRows
	}
	fn(&p)
	p.UpdatedAt = s.now()
	s.Purchases[id] = p
	return p, nil
}

func (s *Store) ConfirmPurchase(_ context.Context, arg db.ConfirmPurchaseParams) (db.Purchase, error) {
	return s.updatePurchase(arg.ID,
		func(p db.Purchase) bool { return p.Status == db.PurchaseStatusPending },
		func(p *db.Purchase) {
			p.Status = db.PurchaseStatusConfirmed
			ref := arg.ExternalPaymentRef
			p.ExternalPaymentRef = &ref
		})
}

func (s *Store) MarkPurchaseInProgress(_ context.Context, id uuid.UUID) (db.Purchase, error) {
	return s.updatePurchase(id,
		func(p db.Purchase) bool { return p.Status == db.PurchaseStatusConfirmed },
		func(p *db.Purchase) { p.Status = db.PurchaseStatusInProgress })
}

func (s *Store) MarkPurchaseUsed(_ context.Context, id uuid.UUID) (db.Purchase, error) {
	return s.updatePurchase(id,
		func(p db.Purchase) bool { return p.Status == db.PurchaseStatusConfirmed },
		func(p *db.Purchase) {
			p.Status = db.PurchaseStatusUsed
			now := s.now()
			p.UsedAt = &now
		})
}

func (s *Store) MarkPurchaseCompleted(_ context.Context, id uuid.UUID) (db.Purchase, error) {
	return s.updatePurchase(id,
		func(p db.Purchase) bool {
			switch p.Status {
			case db.PurchaseStatusConfirmed, db.PurchaseStatusInProgress, db.PurchaseStatusUsed:
				return true
			}
			return false
		},
		func(p *db.Purchase) { p.Status = db.PurchaseStatusCompleted })
}

func (s *Store) CancelPurchase(_ context.Context, arg db.CancelPurchaseParams) (db.Purchase, error) {
	return s.updatePurchase(arg.ID,
		func(p db.Purchase) bool {
			return p.Status != db.PurchaseStatusCancelled && p.Status != db.PurchaseStatusRefunded
		},
		func(p *db.Purchase) {
			p.Status = db.PurchaseStatusCancelled
			p.CancellationReason = arg.Reason
		})
}

func (s *Store) RefundPurchase(_ context.Context, arg db.CancelPurchaseParams) (db.Purchase, error) {
	return s.updatePurchase(arg.ID,
		func(p db.Purchase) bool { return p.Status != db.PurchaseStatusRefunded },
		func(p *db.Purchase) {
			p.Status = db.PurchaseStatusRefunded
			p.CancellationReason = arg.Reason
		})
}

func (s *Store) SetPurchaseCheckoutSession(_ context.Context, arg db.SetPurchaseCheckoutSessionParams) error {
	_, err := s.updatePurchase(arg.ID,
		func(db.Purchase) bool { return true },
		func(p *db.Purchase) {
			id := arg.CheckoutSessionID
			p.CheckoutSessionID = &id
		})
	if err == pgx.ErrNoRows {
		return nil
	}
	return err
}

func (s *Store) SetPurchaseSession(_ context.Context, id, sessionID uuid.UUID) error {
	_, err := s.updatePurchase(id,
		func(db.Purchase) bool { return true },
		func(p *db.Purchase) {
			sid := sessionID
			p.SessionID = &sid
		})
	if err == pgx.ErrNoRows {
		return nil
	}
	return err
}

func (s *Store) ListSessionPurchases(_ context.Context, sessionID uuid.UUID) ([]db.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Purchase
	for _, p := range s.Purchases {
		if p.SessionID != nil && *p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CountListenerActivePurchases(_ context.Context, listenerID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.Purchases {
		if p.ListenerID == listenerID && p.Status == db.PurchaseStatusInProgress {
			n++
		}
	}
	return n, nil
}

// Sessions

func (s *Store) CreateSession(_ context.Context, arg db.CreateSessionParams) (db.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := arg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := s.now()
	sess := db.Session{
		ID:                    id,
		TalkerID:              arg.TalkerID,
		ListenerID:            arg.ListenerID,
		InitialPurchaseID:     arg.InitialPurchaseID,
		Status:                db.SessionStatusConnecting,
		Kind:                  arg.Kind,
		TotalMinutesPurchased: arg.TotalMinutesPurchased,
		MinutesUsed:           decimal.Zero,
		ChannelName:           arg.ChannelName,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	s.Sessions[sess.ID] = sess
	return sess, nil
}

func (s *Store) GetSession(_ context.Context, id uuid.UUID) (db.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.Sessions[id]
	if !ok {
		return db.Session{}, pgx.ErrNoRows
	}
	return sess, nil
}

func (s *Store) GetSessionByInitialPurchase(_ context.Context, purchaseID uuid.UUID) (db.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.Sessions {
		if sess.InitialPurchaseID == purchaseID {
			return sess, nil
		}
	}
	return db.Session{}, pgx.ErrNoRows
}

func (s *Store) CountListenerBusySessions(_ context.Context, listenerID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sess := range s.Sessions {
		if sess.ListenerID == listenerID &&
			(sess.Status == db.SessionStatusConnecting || sess.Status == db.SessionStatusActive) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListConnectingSessionsForListener(_ context.Context, listenerID uuid.UUID) ([]db.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Session
	for _, sess := range s.Sessions {
		if sess.ListenerID == listenerID && sess.Status == db.SessionStatusConnecting {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetActiveSessionForUser(_ context.Context, userID uuid.UUID) (db.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *db.Session
	for _, sess := range s.Sessions {
		sess := sess
		if sess.TalkerID != userID && sess.ListenerID != userID {
			continue
		}
		if sess.Status != db.SessionStatusConnecting && sess.Status != db.SessionStatusActive {
			continue
		}
		if found == nil || sess.CreatedAt.After(found.CreatedAt) {
			found = &sess
		}
	}
	if found == nil {
		return db.Session{}, pgx.ErrNoRows
	}
	return *found, nil
}

func (s *Store) ListUserSessions(_ context.Context, arg db.ListUserSessionsParams) ([]db.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Session
	for _, sess := range s.Sessions {
		if sess.TalkerID == arg.UserID || sess.ListenerID == arg.UserID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if int(arg.Offset) < len(out) {
		out = out[arg.Offset:]
	} else {
		out = nil
	}
	if int32(len(out)) > arg.Limit {
		out = out[:arg.Limit]
	}
	return out, nil
}

func (s *Store) updateSession(id uuid.UUID, cond func(db.Session) bool, fn func(*db.Session)) (db.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.Sessions[id]
	if !ok || !cond(sess) {
		return db.Session{}, pgx.ErrNoRows
	}
	fn(&sess)
	sess.UpdatedAt = s.now()
	s.Sessions[id] = sess
	return sess, nil
}

func (s *Store) AcceptSession(_ context.Context, arg db.AcceptSessionParams) (db.Session, error) {
	return s.updateSession(arg.ID,
		func(sess db.Session) bool { return sess.Status == db.SessionStatusConnecting },
		func(sess *db.Session) {
			sess.Status = db.SessionStatusActive
			at := arg.StartedAt
			sess.StartedAt = &at
		})
}

func (s *Store) AddSessionMinutes(_ context.Context, arg db.AddSessionMinutesParams) (db.Session, error) {
	return s.updateSession(arg.ID,
		func(sess db.Session) bool {
			return sess.Status == db.SessionStatusConnecting || sess.Status == db.SessionStatusActive
		},
		func(sess *db.Session) { sess.TotalMinutesPurchased += arg.Minutes })
}

func (s *Store) TerminateSession(_ context.Context, arg db.TerminateSessionParams) (db.Session, error) {
	return s.updateSession(arg.ID,
		func(sess db.Session) bool {
			return sess.Status == db.SessionStatusConnecting || sess.Status == db.SessionStatusActive
		},
		func(sess *db.Session) {
			sess.Status = arg.Status
			at := arg.EndedAt
			sess.EndedAt = &at
			sess.MinutesUsed = arg.MinutesUsed
			sess.EndReason = arg.EndReason
		})
}

func (s *Store) FailConnectingSession(_ context.Context, id uuid.UUID, reason string) (db.Session, error) {
	return s.updateSession(id,
		func(sess db.Session) bool { return sess.Status == db.SessionStatusConnecting },
		func(sess *db.Session) {
			sess.Status = db.SessionStatusFailed
			now := s.now()
			sess.EndedAt = &now
			sess.EndReason = reason
		})
}

func (s *Store) MarkSessionWarningSent(_ context.Context, id uuid.UUID) (bool, error) {
	_, err := s.updateSession(id,
		func(sess db.Session) bool { return !sess.WarningSent },
		func(sess *db.Session) { sess.WarningSent = true })
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Payout records

func (s *Store) CreatePayoutRecord(_ context.Context, arg db.CreatePayoutRecordParams) (db.PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.Payouts {
		if p.PurchaseID == arg.PurchaseID {
			// ON CONFLICT DO NOTHING
			return db.PayoutRecord{}, pgx.ErrNoRows
		}
	}
	now := s.now()
	p := db.PayoutRecord{
		ID:          uuid.New(),
		ListenerID:  arg.ListenerID,
		PurchaseID:  arg.PurchaseID,
		Amount:      arg.Amount,
		Status:      db.PayoutStatusProcessing,
		IsExtension: arg.IsExtension,
		Notes:       arg.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.Payouts[p.ID] = p
	return p, nil
}

func (s *Store) GetPayoutByPurchase(_ context.Context, purchaseID uuid.UUID) (db.PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.Payouts {
		if p.PurchaseID == purchaseID {
			return p, nil
		}
	}
	return db.PayoutRecord{}, pgx.ErrNoRows
}

func (s *Store) ListListenerPayouts(_ context.Context, arg db.ListListenerPayoutsParams) ([]db.PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.PayoutRecord
	for _, p := range s.Payouts {
		if p.ListenerID == arg.ListenerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if int(arg.Offset) < len(out) {
		out = out[arg.Offset:]
	} else {
		out = nil
	}
	if int32(len(out)) > arg.Limit {
		out = out[:arg.Limit]
	}
	return out, nil
}

func (s *Store) SumListenerPayouts(_ context.Context, arg db.SumListenerPayoutsParams) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, p := range s.Payouts {
		if p.ListenerID != arg.ListenerID || p.IsExtension != arg.IsExtension {
			continue
		}
		for _, st := range arg.Statuses {
			if p.Status == st {
				total = total.Add(p.Amount)
				break
			}
		}
	}
	return total, nil
}

func (s *Store) MarkPayoutEarned(_ context.Context, purchaseID uuid.UUID) (db.PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.Payouts {
		if p.PurchaseID == purchaseID && p.Status == db.PayoutStatusProcessing {
			now := s.now()
			p.Status = db.PayoutStatusEarned
			p.EarnedAt = &now
			p.UpdatedAt = now
			s.Payouts[id] = p
			return p, nil
		}
	}
	return db.PayoutRecord{}, pgx.ErrNoRows
}

func (s *Store) CancelPayoutByPurchase(_ context.Context, purchaseID uuid.UUID) (db.PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.Payouts {
		if p.PurchaseID == purchaseID &&
			p.Status != db.PayoutStatusCancelled && p.Status != db.PayoutStatusCompleted {
			p.Status = db.PayoutStatusCancelled
			p.UpdatedAt = s.now()
			s.Payouts[id] = p
			return p, nil
		}
	}
	return db.PayoutRecord{}, pgx.ErrNoRows
}

func (s *Store) RequestListenerPayouts(_ context.Context, arg db.RequestListenerPayoutsParams) ([]db.PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.PayoutRecord
	for id, p := range s.Payouts {
		if p.ListenerID == arg.ListenerID && p.Status == db.PayoutStatusEarned && !p.IsExtension {
			ref := arg.ExternalPayoutRef
			at := arg.RequestedAt
			p.Status = db.PayoutStatusPending
			p.ExternalPayoutRef = &ref
			p.RequestedAt = &at
			p.UpdatedAt = s.now()
			s.Payouts[id] = p
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CompleteListenerPayouts(_ context.Context, arg db.CompleteListenerPayoutsParams) ([]db.PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.PayoutRecord
	for id, p := range s.Payouts {
		if p.ListenerID == arg.ListenerID && p.Status == db.PayoutStatusPending &&
			p.ExternalPayoutRef != nil && *p.ExternalPayoutRef == arg.ExternalPayoutRef {
			at := arg.CompletedAt
			p.Status = db.PayoutStatusCompleted
			p.CompletedAt = &at
			p.UpdatedAt = s.now()
			s.Payouts[id] = p
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Listener balances

func (s *Store) GetListenerBalance(_ context.Context, listenerID uuid.UUID) (db.ListenerBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.Balances[listenerID]
	if !ok {
		return db.ListenerBalance{}, pgx.ErrNoRows
	}
	return b, nil
}

func (s *Store) CreditListenerBalance(_ context.Context, arg db.BalanceMutationParams) (db.ListenerBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.Balances[arg.ListenerID]
	if !ok {
		b = db.ListenerBalance{
			ListenerID:     arg.ListenerID,
			Available:      decimal.Zero,
			LifetimeEarned: decimal.Zero,
		}
	}
	b.Available = b.Available.Add(arg.Amount)
	b.LifetimeEarned = b.LifetimeEarned.Add(arg.Amount)
	b.UpdatedAt = s.now()
	s.Balances[arg.ListenerID] = b
	return b, nil
}

func (s *Store) DebitListenerBalance(_ context.Context, arg db.BalanceMutationParams) (db.ListenerBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.Balances[arg.ListenerID]
	if !ok || b.Available.LessThan(arg.Amount) {
		return db.ListenerBalance{}, pgx.ErrNoRows
	}
	b.Available = b.Available.Sub(arg.Amount)
	b.UpdatedAt = s.now()
	s.Balances[arg.ListenerID] = b
	return b, nil
}

func (s *Store) ReverseListenerCredit(_ context.Context, arg db.ReverseCreditParams) (db.ListenerBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.Balances[arg.ListenerID]
	if !ok {
		return db.ListenerBalance{}, pgx.ErrNoRows
	}
	b.Available = b.Available.Sub(arg.Available)
	if b.Available.IsNegative() {
		b.Available = decimal.Zero
	}
	b.LifetimeEarned = b.LifetimeEarned.Sub(arg.Lifetime)
	if b.LifetimeEarned.IsNegative() {
		b.LifetimeEarned = decimal.Zero
	}
	b.UpdatedAt = s.now()
	s.Balances[arg.ListenerID] = b
	return b, nil
}

// Rejections

func (s *Store) CreateRejectionRecord(_ context.Context, arg db.CreateRejectionRecordParams) (db.RejectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.Rejections {
		if r.PurchaseID == arg.PurchaseID {
			return db.RejectionRecord{}, pgx.ErrNoRows
		}
	}
	r := db.RejectionRecord{
		ID:           uuid.New(),
		PurchaseID:   arg.PurchaseID,
		ListenerID:   arg.ListenerID,
		TalkerID:     arg.TalkerID,
		Reason:       arg.Reason,
		Notes:        arg.Notes,
		RefundAmount: decimal.Zero,
		CreatedAt:    s.now(),
	}
	s.Rejections[r.ID] = r
	return r, nil
}

func (s *Store) GetRejectionByPurchase(_ context.Context, purchaseID uuid.UUID) (db.RejectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.Rejections {
		if r.PurchaseID == purchaseID {
			return r, nil
		}
	}
	return db.RejectionRecord{}, pgx.ErrNoRows
}

func (s *Store) MarkRejectionRefunded(_ context.Context, arg db.MarkRejectionRefundedParams) (db.RejectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Rejections[arg.ID]
	if !ok || r.RefundIssued {
		return db.RejectionRecord{}, pgx.ErrNoRows
	}
	ref := arg.RefundRef
	at := arg.RefundedAt
	r.RefundIssued = true
	r.RefundAmount = arg.RefundAmount
	r.RefundRef = &ref
	r.RefundedAt = &at
	s.Rejections[r.ID] = r
	return r, nil
}

var _ db.Store = (*Store)(nil)
