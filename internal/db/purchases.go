package db

import (
	"context"

	"github.com/google/uuid"
)

const purchaseColumns = `
id, talker_id, listener_id, template_id, status, total_amount, fee_amount,
listener_amount, duration_minutes, is_extension, session_id,
external_payment_ref, checkout_session_id, cancellation_reason, used_at,
created_at, updated_at
`

func scanPurchase(row interface{ Scan(...interface{}) error }) (Purchase, error) {
	var p Purchase
	err := row.Scan(
		&p.ID, &p.TalkerID, &p.ListenerID, &p.TemplateID, &p.Status,
		&p.TotalAmount, &p.FeeAmount, &p.ListenerAmount, &p.DurationMinutes,
		&p.IsExtension, &p.SessionID, &p.ExternalPaymentRef,
		&p.CheckoutSessionID, &p.CancellationReason, &p.UsedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

const createPurchase = `
INSERT INTO purchases (
  id, talker_id, listener_id, template_id, status, total_amount, fee_amount,
  listener_amount, duration_minutes, is_extension, session_id
) VALUES (
  $1, $2, $3, $4, 'pending', $5, $6, $7, $8, $9, $10
)
RETURNING ` + purchaseColumns

func (q *Queries) CreatePurchase(ctx context.Context, arg CreatePurchaseParams) (Purchase, error) {
	row := q.db.QueryRow(ctx, createPurchase,
		uuid.New(), arg.TalkerID, arg.ListenerID, arg.TemplateID,
		arg.TotalAmount, arg.FeeAmount, arg.ListenerAmount,
		arg.DurationMinutes, arg.IsExtension, arg.SessionID,
	)
	return scanPurchase(row)
}

const getPurchase = `SELECT ` + purchaseColumns + ` FROM purchases WHERE id = $1`

func (q *Queries) GetPurchase(ctx context.Context, id uuid.UUID) (Purchase, error) {
	return scanPurchase(q.db.QueryRow(ctx, getPurchase, id))
}

const getPurchaseByPaymentRef = `SELECT ` + purchaseColumns + ` FROM purchases WHERE external_payment_ref = $1`

func (q *Queries) GetPurchaseByPaymentRef(ctx context.Context, ref string) (Purchase, error) {
	return scanPurchase(q.db.QueryRow(ctx, getPurchaseByPaymentRef, ref))
}

// ConfirmPurchase flips a pending purchase to confirmed. The status guard
// makes webhook replays a no-row match instead of a second confirmation.
const confirmPurchase = `
UPDATE purchases
SET status = 'confirmed', external_payment_ref = $2, updated_at = now()
WHERE id = $1 AND status = 'pending'
RETURNING ` + purchaseColumns

func (q *Queries) ConfirmPurchase(ctx context.Context, arg ConfirmPurchaseParams) (Purchase, error) {
	return scanPurchase(q.db.QueryRow(ctx, confirmPurchase, arg.ID, arg.ExternalPaymentRef))
}

const markPurchaseInProgress = `
UPDATE purchases
SET status = 'in_progress', updated_at = now()
WHERE id = $1 AND status = 'confirmed'
RETURNING ` + purchaseColumns

func (q *Queries) MarkPurchaseInProgress(ctx context.Context, id uuid.UUID) (Purchase, error) {
	return scanPurchase(q.db.QueryRow(ctx, markPurchaseInProgress, id))
}

const markPurchaseUsed = `
UPDATE purchases
SET status = 'used', used_at = now(), updated_at = now()
WHERE id = $1 AND status = 'confirmed'
RETURNING ` + purchaseColumns

func (q *Queries) MarkPurchaseUsed(ctx context.Context, id uuid.UUID) (Purchase, error) {
	return scanPurchase(q.db.QueryRow(ctx, markPurchaseUsed, id))
}

const markPurchaseCompleted = `
UPDATE purchases
SET status = 'completed', updated_at = now()
WHERE id = $1 AND status IN ('confirmed', 'in_progress', 'used')
RETURNING ` + purchaseColumns

func (q *Queries) MarkPurchaseCompleted(ctx context.Context, id uuid.UUID) (Purchase, error) {
	return scanPurchase(q.db.QueryRow(ctx, markPurchaseCompleted, id))
}

const cancelPurchase = `
UPDATE purchases
SET status = 'cancelled', cancellation_reason = $2, updated_at = now()
WHERE id = $1 AND status NOT IN ('cancelled', 'refunded')
RETURNING ` + purchaseColumns

func (q *Queries) CancelPurchase(ctx context.Context, arg CancelPurchaseParams) (Purchase, error) {
	return scanPurchase(q.db.QueryRow(ctx, cancelPurchase, arg.ID, arg.Reason))
}

const refundPurchase = `
UPDATE purchases
SET status = 'refunded', cancellation_reason = $2, updated_at = now()
WHERE id = $1 AND status <> 'refunded'
RETURNING ` + purchaseColumns

func (q *Queries) RefundPurchase(ctx context.Context, arg CancelPurchaseParams) (Purchase, error) {
	return scanPurchase(q.db.QueryRow(ctx, refundPurchase, arg.ID, arg.Reason))
}

const setPurchaseCheckoutSession = `
UPDATE purchases SET checkout_session_id = $2, updated_at = now() WHERE id = $1
`

func (q *Queries) SetPurchaseCheckoutSession(ctx context.Context, arg SetPurchaseCheckoutSessionParams) error {
	_, err := q.db.Exec(ctx, setPurchaseCheckoutSession, arg.ID, arg.CheckoutSessionID)
	return err
}

const setPurchaseSession = `
UPDATE purchases SET session_id = $2, updated_at = now() WHERE id = $1
`

func (q *Queries) SetPurchaseSession(ctx context.Context, id, sessionID uuid.UUID) error {
	_, err := q.db.Exec(ctx, setPurchaseSession, id, sessionID)
	return err
}

const listSessionPurchases = `
SELECT ` + purchaseColumns + `
FROM purchases
WHERE session_id = $1
ORDER BY created_at
`

func (q *Queries) ListSessionPurchases(ctx context.Context, sessionID uuid.UUID) ([]Purchase, error) {
	rows, err := q.db.Query(ctx, listSessionPurchases, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

const countListenerActivePurchases = `
SELECT count(*) FROM purchases WHERE listener_id = $1 AND status = 'in_progress'
`

func (q *Queries) CountListenerActivePurchases(ctx context.Context, listenerID uuid.UUID) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countListenerActivePurchases, listenerID).Scan(&n)
	return n, err
}
