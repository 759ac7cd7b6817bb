package db

import (
	"context"

	"github.com/google/uuid"
)

const getPackageTemplate = `
SELECT id, name, kind, duration_minutes, price, fee_percent, active, created_at, updated_at
FROM package_templates
WHERE id = $1
`

func (q *Queries) GetPackageTemplate(ctx context.Context, id uuid.UUID) (PackageTemplate, error) {
	row := q.db.QueryRow(ctx, getPackageTemplate, id)
	var t PackageTemplate
	err := row.Scan(&t.ID, &t.Name, &t.Kind, &t.DurationMinutes, &t.Price, &t.FeePercent, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

const listActivePackageTemplates = `
SELECT id, name, kind, duration_minutes, price, fee_percent, active, created_at, updated_at
FROM package_templates
WHERE active
ORDER BY duration_minutes, price
`

func (q *Queries) ListActivePackageTemplates(ctx context.Context) ([]PackageTemplate, error) {
	rows, err := q.db.Query(ctx, listActivePackageTemplates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []PackageTemplate
	for rows.Next() {
		var t PackageTemplate
		if err := rows.Scan(&t.ID, &t.Name, &t.Kind, &t.DurationMinutes, &t.Price, &t.FeePercent, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}
