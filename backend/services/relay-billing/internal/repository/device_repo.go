package repository

import (
	"context"
	"database/sql"
	"time"

	"relayrent/backend/services/relay-billing/internal/models"
)

const deviceColumns = `id, name, state, last_heartbeat, last_ip, created_at, updated_at`

func scanDevice(row scanner) (models.Device, error) {
	var (
		d             models.Device
		lastHeartbeat sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.Name, &d.State, &lastHeartbeat, &d.LastIP, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return models.Device{}, err
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time.UTC()
		d.LastHeartbeat = &t
	}
	return d, nil
}

func (q *queries) GetDevice(ctx context.Context, deviceID string) (models.Device, error) {
	const query = `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	d, err := scanDevice(q.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		return models.Device{}, notFound(err)
	}
	return d, nil
}

func (q *queries) ListDevices(ctx context.Context) ([]models.Device, error) {
	const query = `SELECT ` + deviceColumns + ` FROM devices ORDER BY id`
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpsertDevice registers a device or renames an existing one. Liveness columns are
// left untouched on conflict.
func (q *queries) UpsertDevice(ctx context.Context, device models.Device) (models.Device, error) {
	const query = `
		INSERT INTO devices (id, name, state, created_at, updated_at)
		VALUES ($1, $2, 'offline', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			updated_at = NOW()
		RETURNING ` + deviceColumns
	return scanDevice(q.db.QueryRowContext(ctx, query, device.ID, device.Name))
}

func (q *queries) TouchHeartbeat(ctx context.Context, deviceID string, at time.Time, ip string) (models.Device, error) {
	const query = `
		UPDATE devices
		SET state = 'online',
		    last_heartbeat = GREATEST(COALESCE(last_heartbeat, $2), $2),
		    last_ip = COALESCE(NULLIF($3, ''), last_ip),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + deviceColumns
	d, err := scanDevice(q.db.QueryRowContext(ctx, query, deviceID, at.UTC(), ip))
	if err != nil {
		return models.Device{}, notFound(err)
	}
	return d, nil
}

func (q *queries) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]models.Device, error) {
	const query = `
		UPDATE devices
		SET state = 'offline',
		    updated_at = NOW()
		WHERE state = 'online'
		  AND (last_heartbeat IS NULL OR last_heartbeat <= $1)
		RETURNING ` + deviceColumns
	rows, err := q.db.QueryContext(ctx, query, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
