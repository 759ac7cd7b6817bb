package db

import (
	"context"

	"github.com/google/uuid"
)

const sessionColumns = `
id, talker_id, listener_id, initial_purchase_id, status, kind,
total_minutes_purchased, minutes_used, started_at, ended_at, end_reason,
warning_sent, channel_name, created_at, updated_at
`

func scanSession(row interface{ Scan(...interface{}) error }) (Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.TalkerID, &s.ListenerID, &s.InitialPurchaseID, &s.Status,
		&s.Kind, &s.TotalMinutesPurchased, &s.MinutesUsed, &s.StartedAt,
		&s.EndedAt, &s.EndReason, &s.WarningSent, &s.ChannelName,
		&s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

const createSession = `
INSERT INTO sessions (
  id, talker_id, listener_id, initial_purchase_id, status, kind,
  total_minutes_purchased, channel_name
) VALUES (
  $1, $2, $3, $4, 'connecting', $5, $6, $7
)
RETURNING ` + sessionColumns

func (q *Queries) CreateSession(ctx context.Context, arg CreateSessionParams) (Session, error) {
	id := arg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	row := q.db.QueryRow(ctx, createSession,
		id, arg.TalkerID, arg.ListenerID, arg.InitialPurchaseID,
		arg.Kind, arg.TotalMinutesPurchased, arg.ChannelName,
	)
	return scanSession(row)
}

const getSession = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

func (q *Queries) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	return scanSession(q.db.QueryRow(ctx, getSession, id))
}

const getSessionByInitialPurchase = `
SELECT ` + sessionColumns + ` FROM sessions WHERE initial_purchase_id = $1
`

func (q *Queries) GetSessionByInitialPurchase(ctx context.Context, purchaseID uuid.UUID) (Session, error) {
	return scanSession(q.db.QueryRow(ctx, getSessionByInitialPurchase, purchaseID))
}

const countListenerBusySessions = `
SELECT count(*) FROM sessions WHERE listener_id = $1 AND status IN ('connecting', 'active')
`

func (q *Queries) CountListenerBusySessions(ctx context.Context, listenerID uuid.UUID) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countListenerBusySessions, listenerID).Scan(&n)
	return n, err
}

const listConnectingSessionsForListener = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE listener_id = $1 AND status = 'connecting'
ORDER BY created_at
`

func (q *Queries) ListConnectingSessionsForListener(ctx context.Context, listenerID uuid.UUID) ([]Session, error) {
	rows, err := q.db.Query(ctx, listConnectingSessionsForListener, listenerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

const getActiveSessionForUser = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE (talker_id = $1 OR listener_id = $1) AND status IN ('connecting', 'active')
ORDER BY created_at DESC
LIMIT 1
`

func (q *Queries) GetActiveSessionForUser(ctx context.Context, userID uuid.UUID) (Session, error) {
	return scanSession(q.db.QueryRow(ctx, getActiveSessionForUser, userID))
}

const listUserSessions = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE talker_id = $1 OR listener_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

func (q *Queries) ListUserSessions(ctx context.Context, arg ListUserSessionsParams) ([]Session, error) {
	rows, err := q.db.Query(ctx, listUserSessions, arg.UserID, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// AcceptSession flips connecting to active. The status guard rejects double
// accepts and accepts on terminal sessions with a no-row match.
const acceptSession = `
UPDATE sessions
SET status = 'active', started_at = $2, updated_at = now()
WHERE id = $1 AND status = 'connecting'
RETURNING ` + sessionColumns

func (q *Queries) AcceptSession(ctx context.Context, arg AcceptSessionParams) (Session, error) {
	return scanSession(q.db.QueryRow(ctx, acceptSession, arg.ID, arg.StartedAt))
}

// total_minutes_purchased only ever grows, and only while the call is live.
const addSessionMinutes = `
UPDATE sessions
SET total_minutes_purchased = total_minutes_purchased + $2, updated_at = now()
WHERE id = $1 AND status IN ('connecting', 'active')
RETURNING ` + sessionColumns

func (q *Queries) AddSessionMinutes(ctx context.Context, arg AddSessionMinutesParams) (Session, error) {
	return scanSession(q.db.QueryRow(ctx, addSessionMinutes, arg.ID, arg.Minutes))
}

const terminateSession = `
UPDATE sessions
SET status = $2, ended_at = $3, minutes_used = $4, end_reason = $5, updated_at = now()
WHERE id = $1 AND status IN ('connecting', 'active')
RETURNING ` + sessionColumns

func (q *Queries) TerminateSession(ctx context.Context, arg TerminateSessionParams) (Session, error) {
	return scanSession(q.db.QueryRow(ctx, terminateSession,
		arg.ID, arg.Status, arg.EndedAt, arg.MinutesUsed, arg.EndReason))
}

const failConnectingSession = `
UPDATE sessions
SET status = 'failed', ended_at = now(), end_reason = $2, updated_at = now()
WHERE id = $1 AND status = 'connecting'
RETURNING ` + sessionColumns

func (q *Queries) FailConnectingSession(ctx context.Context, id uuid.UUID, reason string) (Session, error) {
	return scanSession(q.db.QueryRow(ctx, failConnectingSession, id, reason))
}

// MarkSessionWarningSent sets the warning flag and reports whether this call
// won the flip. The guard makes the time warning at-most-once per session.
const markSessionWarningSent = `
UPDATE sessions
SET warning_sent = true, updated_at = now()
WHERE id = $1 AND warning_sent = false
`

func (q *Queries) MarkSessionWarningSent(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, markSessionWarningSent, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
