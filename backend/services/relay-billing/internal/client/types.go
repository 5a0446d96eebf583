package client

import "time"

// Session is a billing session as returned by the API.
type Session struct {
	ID                     int64      `json:"id"`
	DeviceID               string     `json:"device_id"`
	Pin                    int        `json:"pin"`
	PromotionID            *int64     `json:"promotion_id"`
	CustomerName           string     `json:"customer_name"`
	Mode                   string     `json:"mode"`
	State                  string     `json:"state"`
	HourlyRate             int64      `json:"hourly_rate"`
	PlannedDurationSeconds *int64     `json:"planned_duration_seconds"`
	StartedAt              time.Time  `json:"started_at"`
	DueAt                  *time.Time `json:"due_at"`
	EndedAt                *time.Time `json:"ended_at"`
	EndReason              string     `json:"end_reason"`
	ComputedCost           *int64     `json:"computed_cost"`
	SettledPromotionID     *int64     `json:"settled_promotion_id"`
	Discount               *int64     `json:"discount"`
	CostAfterDiscount      *int64     `json:"cost_after_discount"`
	PaidAt                 *time.Time `json:"paid_at"`
}

type Device struct {
	DeviceID      string     `json:"device_id"`
	Name          string     `json:"name"`
	State         string     `json:"state"`
	Online        bool       `json:"online"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
	LastIP        string     `json:"last_ip"`
}

type Relay struct {
	Pin         int    `json:"pin"`
	Energized   bool   `json:"energized"`
	DisplayName string `json:"display_name"`
}

// ControlResult is the relay state after a manual override.
type ControlResult struct {
	Relay struct {
		DeviceID  string `json:"device_id"`
		Pin       int    `json:"pin"`
		Energized bool   `json:"energized"`
	} `json:"relay"`
	ActiveSessionID *int64 `json:"active_session_id"`
}

// StartRequest opens a session.
type StartRequest struct {
	DeviceID               string `json:"device_id"`
	Pin                    int    `json:"pin"`
	CustomerName           string `json:"customer_name,omitempty"`
	Mode                   string `json:"mode"`
	HourlyRate             int64  `json:"hourly_rate"`
	PromotionID            *int64 `json:"promotion_id,omitempty"`
	PlannedDurationSeconds *int64 `json:"planned_duration_seconds,omitempty"`
}

// SessionQuery filters session listings; zero values are omitted.
type SessionQuery struct {
	DeviceID string
	State    string
	Limit    int
}

// Closed is one session ended by a sweep.
type Closed struct {
	SessionID     int64      `json:"session_id"`
	DeviceID      string     `json:"device_id"`
	Pin           int        `json:"pin"`
	Reason        string     `json:"reason"`
	ComputedCost  *int64     `json:"computed_cost"`
	EndedAt       *time.Time `json:"ended_at"`
	PhysicalError string     `json:"physical_error"`
}

// SweepResult is the outcome of check-expired.
type SweepResult struct {
	Skipped        bool     `json:"skipped"`
	SkippedJobs    []string `json:"skipped_jobs"`
	Expired        []Closed `json:"expired"`
	OfflineDevices []string `json:"offline_devices"`
	Errors         string   `json:"errors"`
}
