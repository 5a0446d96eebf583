package repository

import (
	"context"
	"time"

	"relayrent/backend/services/relay-billing/internal/models"
)

const relayColumns = `device_id, pin, display_name, energized, updated_at`

func scanRelay(row scanner) (models.Relay, error) {
	var r models.Relay
	if err := row.Scan(&r.DeviceID, &r.Pin, &r.DisplayName, &r.Energized, &r.UpdatedAt); err != nil {
		return models.Relay{}, err
	}
	return r, nil
}

func (q *queries) GetRelay(ctx context.Context, ref models.RelayRef) (models.Relay, error) {
	const query = `SELECT ` + relayColumns + ` FROM relays WHERE device_id = $1 AND pin = $2`
	r, err := scanRelay(q.db.QueryRowContext(ctx, query, ref.DeviceID, ref.Pin))
	if err != nil {
		return models.Relay{}, notFound(err)
	}
	return r, nil
}

// LockRelay takes the row lock that serializes every lifecycle transition on a relay.
func (q *queries) LockRelay(ctx context.Context, ref models.RelayRef) (models.Relay, error) {
	const query = `SELECT ` + relayColumns + ` FROM relays WHERE device_id = $1 AND pin = $2 FOR UPDATE`
	r, err := scanRelay(q.db.QueryRowContext(ctx, query, ref.DeviceID, ref.Pin))
	if err != nil {
		return models.Relay{}, notFound(err)
	}
	return r, nil
}

func (q *queries) ListRelays(ctx context.Context, deviceID string) ([]models.Relay, error) {
	const query = `SELECT ` + relayColumns + ` FROM relays WHERE device_id = $1 ORDER BY pin`
	rows, err := q.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relays []models.Relay
	for rows.Next() {
		r, err := scanRelay(rows)
		if err != nil {
			return nil, err
		}
		relays = append(relays, r)
	}
	return relays, rows.Err()
}

func (q *queries) UpsertRelay(ctx context.Context, relay models.Relay) (models.Relay, error) {
	const query = `
		INSERT INTO relays (device_id, pin, display_name, energized, updated_at)
		VALUES ($1, $2, $3, FALSE, NOW())
		ON CONFLICT (device_id, pin) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			updated_at = NOW()
		RETURNING ` + relayColumns
	r, err := scanRelay(q.db.QueryRowContext(ctx, query, relay.DeviceID, relay.Pin, relay.DisplayName))
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.Relay{}, ErrNotFound
		}
		return models.Relay{}, err
	}
	return r, nil
}

func (q *queries) SetRelayEnergized(ctx context.Context, ref models.RelayRef, energized bool, at time.Time) (models.Relay, error) {
	const query = `
		UPDATE relays
		SET energized = $3,
		    updated_at = $4
		WHERE device_id = $1 AND pin = $2
		RETURNING ` + relayColumns
	r, err := scanRelay(q.db.QueryRowContext(ctx, query, ref.DeviceID, ref.Pin, energized, at.UTC()))
	if err != nil {
		return models.Relay{}, notFound(err)
	}
	return r, nil
}
