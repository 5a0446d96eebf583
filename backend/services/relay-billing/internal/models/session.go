package models

import "time"

// BillingMode selects how a session is charged.
type BillingMode string

const (
	// ModeOpenEnded charges actual elapsed time at stop ("bebas").
	ModeOpenEnded BillingMode = "open_ended"
	// ModeFixedDuration charges the planned duration regardless of stop time ("timer").
	ModeFixedDuration BillingMode = "fixed_duration"
)

// ParseBillingMode accepts the canonical names and the dashboard aliases.
func ParseBillingMode(raw string) (BillingMode, bool) {
	switch raw {
	case string(ModeOpenEnded), "bebas", "open":
		return ModeOpenEnded, true
	case string(ModeFixedDuration), "timer", "fixed":
		return ModeFixedDuration, true
	default:
		return "", false
	}
}

// SessionState is the lifecycle state of a billing session.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionCompleted SessionState = "completed"
	SessionPaid      SessionState = "paid"
)

// End reasons recorded when a session leaves the active state.
const (
	EndReasonStopped       = "stopped"
	EndReasonExpired       = "expired"
	EndReasonDeviceOffline = "device_offline"
)

// Session is one rental period of a relay.
type Session struct {
	ID                 int64          `db:"id" json:"id"`
	DeviceID           string         `db:"device_id" json:"device_id"`
	Pin                int            `db:"pin" json:"pin"`
	PromotionID        *int64         `db:"promotion_id" json:"promotion_id,omitempty"`
	CustomerName       string         `db:"customer_name" json:"customer_name"`
	Mode               BillingMode    `db:"mode" json:"mode"`
	State              SessionState   `db:"state" json:"state"`
	HourlyRate         int64          `db:"hourly_rate" json:"hourly_rate"`
	PlannedDuration    *time.Duration `db:"planned_duration_seconds" json:"planned_duration,omitempty"`
	StartedAt          time.Time      `db:"started_at" json:"started_at"`
	EndedAt            *time.Time     `db:"ended_at" json:"ended_at"`
	EndReason          string         `db:"end_reason" json:"end_reason,omitempty"`
	ComputedCost       *int64         `db:"computed_cost" json:"computed_cost"`
	SettledPromotionID *int64         `db:"settled_promotion_id" json:"settled_promotion_id,omitempty"`
	Discount           *int64         `db:"discount" json:"discount,omitempty"`
	CostAfterDiscount  *int64         `db:"cost_after_discount" json:"cost_after_discount"`
	PaidAt             *time.Time     `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// Ref returns the relay the session occupies.
func (s Session) Ref() RelayRef {
	return RelayRef{DeviceID: s.DeviceID, Pin: s.Pin}
}

// PlannedSeconds returns the planned duration in whole seconds, zero when unset.
func (s Session) PlannedSeconds() int64 {
	if s.PlannedDuration == nil {
		return 0
	}
	return int64(*s.PlannedDuration / time.Second)
}

// DueAt returns when a fixed-duration session expires.
func (s Session) DueAt() (time.Time, bool) {
	if s.Mode != ModeFixedDuration || s.PlannedDuration == nil {
		return time.Time{}, false
	}
	return s.StartedAt.Add(*s.PlannedDuration), true
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	DeviceID string
	Pin      *int
	State    SessionState
	Mode     BillingMode
	Limit    int
}
