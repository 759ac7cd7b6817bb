package db

import (
	"context"

	"github.com/google/uuid"
)

const getListenerBalance = `
SELECT listener_id, available, lifetime_earned, updated_at
FROM listener_balances
WHERE listener_id = $1
`

func (q *Queries) GetListenerBalance(ctx context.Context, listenerID uuid.UUID) (ListenerBalance, error) {
	var b ListenerBalance
	err := q.db.QueryRow(ctx, getListenerBalance, listenerID).
		Scan(&b.ListenerID, &b.Available, &b.LifetimeEarned, &b.UpdatedAt)
	return b, err
}

const creditListenerBalance = `
INSERT INTO listener_balances (listener_id, available, lifetime_earned, updated_at)
VALUES ($1, $2, $2, now())
ON CONFLICT (listener_id) DO UPDATE
SET available = listener_balances.available + EXCLUDED.available,
    lifetime_earned = listener_balances.lifetime_earned + EXCLUDED.lifetime_earned,
    updated_at = now()
RETURNING listener_id, available, lifetime_earned, updated_at
`

func (q *Queries) CreditListenerBalance(ctx context.Context, arg BalanceMutationParams) (ListenerBalance, error) {
	var b ListenerBalance
	err := q.db.QueryRow(ctx, creditListenerBalance, arg.ListenerID, arg.Amount).
		Scan(&b.ListenerID, &b.Available, &b.LifetimeEarned, &b.UpdatedAt)
	return b, err
}

// DebitListenerBalance only touches available, never lifetime_earned. The
// available guard turns an overdraft attempt into a no-row match.
const debitListenerBalance = `
UPDATE listener_balances
SET available = available - $2, updated_at = now()
WHERE listener_id = $1 AND available >= $2
RETURNING listener_id, available, lifetime_earned, updated_at
`

func (q *Queries) DebitListenerBalance(ctx context.Context, arg BalanceMutationParams) (ListenerBalance, error) {
	var b ListenerBalance
	err := q.db.QueryRow(ctx, debitListenerBalance, arg.ListenerID, arg.Amount).
		Scan(&b.ListenerID, &b.Available, &b.LifetimeEarned, &b.UpdatedAt)
	return b, err
}

// ReverseListenerCredit claws a refunded payout back out of the balance.
// Floored at zero: a refund can land after the amount was already withdrawn.
const reverseListenerCredit = `
UPDATE listener_balances
SET available = GREATEST(available - $2, 0),
    lifetime_earned = GREATEST(lifetime_earned - $3, 0),
    updated_at = now()
WHERE listener_id = $1
RETURNING listener_id, available, lifetime_earned, updated_at
`

func (q *Queries) ReverseListenerCredit(ctx context.Context, arg ReverseCreditParams) (ListenerBalance, error) {
	var b ListenerBalance
	err := q.db.QueryRow(ctx, reverseListenerCredit, arg.ListenerID, arg.Available, arg.Lifetime).
		Scan(&b.ListenerID, &b.Available, &b.LifetimeEarned, &b.UpdatedAt)
	return b, err
}
