package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const payoutColumns = `
id, listener_id, purchase_id, amount, status, is_extension,
external_payout_ref, notes, earned_at, requested_at, completed_at,
created_at, updated_at
`

func scanPayout(row interface{ Scan(...interface{}) error }) (PayoutRecord, error) {
	var p PayoutRecord
	err := row.Scan(
		&p.ID, &p.ListenerID, &p.PurchaseID, &p.Amount, &p.Status,
		&p.IsExtension, &p.ExternalPayoutRef, &p.Notes, &p.EarnedAt,
		&p.RequestedAt, &p.CompletedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// One payout row per purchase; conflict on purchase_id keeps webhook
// replays from creating a second ledger entry.
const createPayoutRecord = `
INSERT INTO payout_records (id, listener_id, purchase_id, amount, status, is_extension, notes)
VALUES ($1, $2, $3, $4, 'processing', $5, $6)
ON CONFLICT (purchase_id) DO NOTHING
RETURNING ` + payoutColumns

func (q *Queries) CreatePayoutRecord(ctx context.Context, arg CreatePayoutRecordParams) (PayoutRecord, error) {
	row := q.db.QueryRow(ctx, createPayoutRecord,
		uuid.New(), arg.ListenerID, arg.PurchaseID, arg.Amount, arg.IsExtension, arg.Notes)
	return scanPayout(row)
}

const getPayoutByPurchase = `SELECT ` + payoutColumns + ` FROM payout_records WHERE purchase_id = $1`

func (q *Queries) GetPayoutByPurchase(ctx context.Context, purchaseID uuid.UUID) (PayoutRecord, error) {
	return scanPayout(q.db.QueryRow(ctx, getPayoutByPurchase, purchaseID))
}

const listListenerPayouts = `
SELECT ` + payoutColumns + `
FROM payout_records
WHERE listener_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

func (q *Queries) ListListenerPayouts(ctx context.Context, arg ListListenerPayoutsParams) ([]PayoutRecord, error) {
	rows, err := q.db.Query(ctx, listListenerPayouts, arg.ListenerID, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []PayoutRecord
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

const sumListenerPayouts = `
SELECT COALESCE(sum(amount), 0)
FROM payout_records
WHERE listener_id = $1 AND is_extension = $2 AND status = ANY($3)
`

func (q *Queries) SumListenerPayouts(ctx context.Context, arg SumListenerPayoutsParams) (decimal.Decimal, error) {
	statuses := make([]string, len(arg.Statuses))
	for i, s := range arg.Statuses {
		statuses[i] = string(s)
	}
	var total decimal.Decimal
	err := q.db.QueryRow(ctx, sumListenerPayouts, arg.ListenerID, arg.IsExtension, statuses).Scan(&total)
	return total, err
}

// MarkPayoutEarned flips the processing row for a purchase to earned. The
// status guard makes settlement retries and webhook replays credit-safe:
// a second call finds no row and the caller skips the balance credit.
const markPayoutEarned = `
UPDATE payout_records
SET status = 'earned', earned_at = now(), updated_at = now()
WHERE purchase_id = $1 AND status = 'processing'
RETURNING ` + payoutColumns

func (q *Queries) MarkPayoutEarned(ctx context.Context, purchaseID uuid.UUID) (PayoutRecord, error) {
	return scanPayout(q.db.QueryRow(ctx, markPayoutEarned, purchaseID))
}

const cancelPayoutByPurchase = `
UPDATE payout_records
SET status = 'cancelled', updated_at = now()
WHERE purchase_id = $1 AND status NOT IN ('cancelled', 'completed')
RETURNING ` + payoutColumns

func (q *Queries) CancelPayoutByPurchase(ctx context.Context, purchaseID uuid.UUID) (PayoutRecord, error) {
	return scanPayout(q.db.QueryRow(ctx, cancelPayoutByPurchase, purchaseID))
}

// Extension rows stay out of payout requests: they count toward lifetime
// earnings but not toward the withdrawable amount.
const requestListenerPayouts = `
UPDATE payout_records
SET status = 'pending', external_payout_ref = $2, requested_at = $3, updated_at = now()
WHERE listener_id = $1 AND status = 'earned' AND is_extension = false
RETURNING ` + payoutColumns

func (q *Queries) RequestListenerPayouts(ctx context.Context, arg RequestListenerPayoutsParams) ([]PayoutRecord, error) {
	rows, err := q.db.Query(ctx, requestListenerPayouts, arg.ListenerID, arg.ExternalPayoutRef, arg.RequestedAt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []PayoutRecord
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

const completeListenerPayouts = `
UPDATE payout_records
SET status = 'completed', completed_at = $3, updated_at = now()
WHERE listener_id = $1 AND status = 'pending' AND external_payout_ref = $2
RETURNING ` + payoutColumns

func (q *Queries) CompleteListenerPayouts(ctx context.Context, arg CompleteListenerPayoutsParams) ([]PayoutRecord, error) {
	rows, err := q.db.Query(ctx, completeListenerPayouts, arg.ListenerID, arg.ExternalPayoutRef, arg.CompletedAt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []PayoutRecord
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
