package db

import (
	"context"

	"github.com/google/uuid"
)

const rejectionColumns = `
id, purchase_id, listener_id, talker_id, reason, notes,
refund_issued, refund_amount, refund_ref, refunded_at, created_at
`

func scanRejection(row interface{ Scan(...interface{}) error }) (RejectionRecord, error) {
	var r RejectionRecord
	err := row.Scan(
		&r.ID, &r.PurchaseID, &r.ListenerID, &r.TalkerID, &r.Reason, &r.Notes,
		&r.RefundIssued, &r.RefundAmount, &r.RefundRef, &r.RefundedAt, &r.CreatedAt,
	)
	return r, err
}

const createRejectionRecord = `
INSERT INTO rejection_records (id, purchase_id, listener_id, talker_id, reason, notes)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (purchase_id) DO NOTHING
RETURNING ` + rejectionColumns

func (q *Queries) CreateRejectionRecord(ctx context.Context, arg CreateRejectionRecordParams) (RejectionRecord, error) {
	row := q.db.QueryRow(ctx, createRejectionRecord,
		uuid.New(), arg.PurchaseID, arg.ListenerID, arg.TalkerID, arg.Reason, arg.Notes)
	return scanRejection(row)
}

const getRejectionByPurchase = `SELECT ` + rejectionColumns + ` FROM rejection_records WHERE purchase_id = $1`

func (q *Queries) GetRejectionByPurchase(ctx context.Context, purchaseID uuid.UUID) (RejectionRecord, error) {
	return scanRejection(q.db.QueryRow(ctx, getRejectionByPurchase, purchaseID))
}

const markRejectionRefunded = `
UPDATE rejection_records
SET refund_issued = true, refund_amount = $2, refund_ref = $3, refunded_at = $4
WHERE id = $1 AND refund_issued = false
RETURNING ` + rejectionColumns

func (q *Queries) MarkRejectionRefunded(ctx context.Context, arg MarkRejectionRefundedParams) (RejectionRecord, error) {
	return scanRejection(q.db.QueryRow(ctx, markRejectionRefunded,
		arg.ID, arg.RefundAmount, arg.RefundRef, arg.RefundedAt))
}
