package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"relayrent/backend/services/relay-billing/internal/models"
)

const sessionColumns = `id, device_id, pin, promotion_id, customer_name, mode, state, hourly_rate,
	planned_duration_seconds, started_at, ended_at, end_reason, computed_cost,
	settled_promotion_id, discount, cost_after_discount, paid_at, created_at, updated_at`

func scanSession(row scanner) (models.Session, error) {
	var (
		s                  models.Session
		promotionID        sql.NullInt64
		plannedSeconds     sql.NullInt64
		endedAt            sql.NullTime
		computedCost       sql.NullInt64
		settledPromotionID sql.NullInt64
		discount           sql.NullInt64
		costAfterDiscount  sql.NullInt64
		paidAt             sql.NullTime
	)
	err := row.Scan(
		&s.ID,
		&s.DeviceID,
		&s.Pin,
		&promotionID,
		&s.CustomerName,
		&s.Mode,
		&s.State,
		&s.HourlyRate,
		&plannedSeconds,
		&s.StartedAt,
		&endedAt,
		&s.EndReason,
		&computedCost,
		&settledPromotionID,
		&discount,
		&costAfterDiscount,
		&paidAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return models.Session{}, err
	}

	s.StartedAt = s.StartedAt.UTC()
	s.PromotionID = nullInt64(promotionID)
	if plannedSeconds.Valid {
		d := time.Duration(plannedSeconds.Int64) * time.Second
		s.PlannedDuration = &d
	}
	s.EndedAt = nullTime(endedAt)
	s.ComputedCost = nullInt64(computedCost)
	s.SettledPromotionID = nullInt64(settledPromotionID)
	s.Discount = nullInt64(discount)
	s.CostAfterDiscount = nullInt64(costAfterDiscount)
	s.PaidAt = nullTime(paidAt)
	return s, nil
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	out := v.Time.UTC()
	return &out
}

// InsertSession stores a new active session. The partial unique index on
// (device_id, pin) WHERE state = 'active' turns a concurrent second start into ErrConflict.
func (q *queries) InsertSession(ctx context.Context, session models.Session) (models.Session, error) {
	const query = `
		INSERT INTO billing_sessions (
			id, device_id, pin, promotion_id, customer_name, mode, state, hourly_rate,
			planned_duration_seconds, started_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING ` + sessionColumns

	var planned sql.NullInt64
	if session.PlannedDuration != nil {
		planned = sql.NullInt64{Int64: session.PlannedSeconds(), Valid: true}
	}
	var promotionID sql.NullInt64
	if session.PromotionID != nil {
		promotionID = sql.NullInt64{Int64: *session.PromotionID, Valid: true}
	}

	created, err := scanSession(q.db.QueryRowContext(ctx, query,
		session.ID,
		session.DeviceID,
		session.Pin,
		promotionID,
		session.CustomerName,
		session.Mode,
		session.State,
		session.HourlyRate,
		planned,
		session.StartedAt.UTC(),
	))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Session{}, ErrConflict
		}
		return models.Session{}, err
	}
	return created, nil
}

func (q *queries) GetSession(ctx context.Context, id int64) (models.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM billing_sessions WHERE id = $1`
	s, err := scanSession(q.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.Session{}, notFound(err)
	}
	return s, nil
}

func (q *queries) ActiveSession(ctx context.Context, ref models.RelayRef) (models.Session, error) {
	const query = `
		SELECT ` + sessionColumns + `
		FROM billing_sessions
		WHERE device_id = $1 AND pin = $2 AND state = 'active'`
	s, err := scanSession(q.db.QueryRowContext(ctx, query, ref.DeviceID, ref.Pin))
	if err != nil {
		return models.Session{}, notFound(err)
	}
	return s, nil
}

func (q *queries) ListSessions(ctx context.Context, filter models.SessionFilter) ([]models.Session, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.DeviceID != "" {
		add("device_id = $%d", filter.DeviceID)
	}
	if filter.Pin != nil {
		add("pin = $%d", *filter.Pin)
	}
	if filter.State != "" {
		add("state = $%d", filter.State)
	}
	if filter.Mode != "" {
		add("mode = $%d", filter.Mode)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + sessionColumns + ` FROM billing_sessions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args))

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// scanWith appends extra destinations after the session columns.
type scanWith struct {
	row   scanner
	extra []interface{}
}

func (w scanWith) Scan(dest ...interface{}) error {
	return w.row.Scan(append(dest, w.extra...)...)
}

func (q *queries) ListActiveOnOfflineDevices(ctx context.Context, window time.Duration, limit int) ([]OfflineSession, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	const query = `
		SELECT ` + sessionColumns + `,
		       (SELECT d.last_heartbeat FROM devices d WHERE d.id = billing_sessions.device_id)
		FROM billing_sessions
		WHERE state = 'active'
		  AND EXISTS (
		      SELECT 1 FROM devices d
		      WHERE d.id = billing_sessions.device_id
		        AND d.state = 'offline'
		        AND d.last_heartbeat IS NOT NULL
		        AND billing_sessions.started_at < d.last_heartbeat + make_interval(secs => $1))
		ORDER BY started_at, id
		LIMIT $2`
	rows, err := q.db.QueryContext(ctx, query, window.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OfflineSession
	for rows.Next() {
		var lastHeartbeat sql.NullTime
		s, err := scanSession(scanWith{row: rows, extra: []interface{}{&lastHeartbeat}})
		if err != nil {
			return nil, err
		}
		out = append(out, OfflineSession{Session: s, LastHeartbeat: nullTime(lastHeartbeat)})
	}
	return out, rows.Err()
}

func (q *queries) CompleteSession(ctx context.Context, id int64, c Completion) (models.Session, error) {
	const query = `
		UPDATE billing_sessions
		SET state = 'completed',
		    ended_at = $2,
		    computed_cost = $3,
		    end_reason = $4,
		    updated_at = NOW()
		WHERE id = $1 AND state = 'active'
		RETURNING ` + sessionColumns
	s, err := scanSession(q.db.QueryRowContext(ctx, query, id, c.EndedAt.UTC(), c.Cost, c.Reason))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, q.staleOrMissing(ctx, id)
	}
	return s, err
}

func (q *queries) SettleSession(ctx context.Context, id int64, st Settlement) (models.Session, error) {
	const query = `
		UPDATE billing_sessions
		SET state = 'paid',
		    settled_promotion_id = $2,
		    discount = $3,
		    cost_after_discount = $4,
		    paid_at = $5,
		    updated_at = NOW()
		WHERE id = $1 AND state = 'completed'
		RETURNING ` + sessionColumns
	var promotionID sql.NullInt64
	if st.PromotionID != nil {
		promotionID = sql.NullInt64{Int64: *st.PromotionID, Valid: true}
	}
	s, err := scanSession(q.db.QueryRowContext(ctx, query, id, promotionID, st.Discount, st.CostAfterDiscount, st.PaidAt.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, q.staleOrMissing(ctx, id)
	}
	return s, err
}

func (q *queries) staleOrMissing(ctx context.Context, id int64) error {
	const query = `SELECT 1 FROM billing_sessions WHERE id = $1`
	var one int
	if err := q.db.QueryRowContext(ctx, query, id).Scan(&one); err != nil {
		return notFound(err)
	}
	return ErrStaleState
}
