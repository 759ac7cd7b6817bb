package db

import (
	"context"

	"github.com/google/uuid"
)

const getUser = `
SELECT id, email, full_name, user_type, active, created_at
FROM users
WHERE id = $1
`

func (q *Queries) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	row := q.db.QueryRow(ctx, getUser, id)
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.UserType, &u.Active, &u.CreatedAt)
	return u, err
}

// Free listeners have no session in a busy status and no purchase in
// progress. Used for the "other listeners are available" hint.
const listFreeListeners = `
SELECT u.id, u.email, u.full_name, u.user_type, u.active, u.created_at
FROM users u
WHERE u.user_type = 'listener'
  AND u.active
  AND u.id <> $1
  AND NOT EXISTS (
    SELECT 1 FROM sessions s
    WHERE s.listener_id = u.id AND s.status IN ('connecting', 'active')
  )
  AND NOT EXISTS (
    SELECT 1 FROM purchases p
    WHERE p.listener_id = u.id AND p.status = 'in_progress'
  )
ORDER BY u.created_at
LIMIT $2
`

func (q *Queries) ListFreeListeners(ctx context.Context, exclude uuid.UUID, limit int32) ([]User, error) {
	rows, err := q.db.Query(ctx, listFreeListeners, exclude, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.FullName, &u.UserType, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, u)
	}
	return items, rows.Err()
}
