package repository

import (
	"context"
	"database/sql"

	"relayrent/backend/services/relay-billing/internal/models"
)

const promotionColumns = `id, name, kind, value, minimum_duration_minutes, active, created_at, updated_at`

func scanPromotion(row scanner) (models.Promotion, error) {
	var (
		p          models.Promotion
		minMinutes sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Kind, &p.Value, &minMinutes, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.Promotion{}, err
	}
	if minMinutes.Valid {
		v := int(minMinutes.Int64)
		p.MinimumDuration = &v
	}
	return p, nil
}

func (q *queries) GetPromotion(ctx context.Context, id int64) (models.Promotion, error) {
	const query = `SELECT ` + promotionColumns + ` FROM promotions WHERE id = $1`
	p, err := scanPromotion(q.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.Promotion{}, notFound(err)
	}
	return p, nil
}

func (q *queries) ListPromotions(ctx context.Context) ([]models.Promotion, error) {
	const query = `SELECT ` + promotionColumns + ` FROM promotions ORDER BY id`
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var promotions []models.Promotion
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, err
		}
		promotions = append(promotions, p)
	}
	return promotions, rows.Err()
}

// UpsertPromotion inserts when ID is zero, otherwise replaces the definition with that id.
func (q *queries) UpsertPromotion(ctx context.Context, p models.Promotion) (models.Promotion, error) {
	var minMinutes sql.NullInt64
	if p.MinimumDuration != nil {
		minMinutes = sql.NullInt64{Int64: int64(*p.MinimumDuration), Valid: true}
	}

	if p.ID == 0 {
		const insert = `
			INSERT INTO promotions (name, kind, value, minimum_duration_minutes, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			RETURNING ` + promotionColumns
		return scanPromotion(q.db.QueryRowContext(ctx, insert, p.Name, p.Kind, p.Value, minMinutes, p.Active))
	}

	const upsert = `
		INSERT INTO promotions (id, name, kind, value, minimum_duration_minutes, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			value = EXCLUDED.value,
			minimum_duration_minutes = EXCLUDED.minimum_duration_minutes,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING ` + promotionColumns
	return scanPromotion(q.db.QueryRowContext(ctx, upsert, p.ID, p.Name, p.Kind, p.Value, minMinutes, p.Active))
}
