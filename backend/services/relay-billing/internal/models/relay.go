package models

import "time"

// Relay is one switchable outlet channel addressed by (device, pin).
type Relay struct {
	DeviceID    string    `db:"device_id" json:"device_id"`
	Pin         int       `db:"pin" json:"pin"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Energized   bool      `db:"energized" json:"energized"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// RelayRef addresses a relay.
type RelayRef struct {
	DeviceID string
	Pin      int
}
