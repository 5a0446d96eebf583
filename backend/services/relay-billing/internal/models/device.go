package models

import "time"

// Device liveness states as stored by the registry.
const (
	DeviceStateOnline  = "online"
	DeviceStateOffline = "offline"
)

// Device is a networked relay controller identified by an externally assigned id.
type Device struct {
	ID            string     `db:"id" json:"device_id"`
	Name          string     `db:"name" json:"name"`
	State         string     `db:"state" json:"state"`
	LastHeartbeat *time.Time `db:"last_heartbeat" json:"last_heartbeat"`
	LastIP        string     `db:"last_ip" json:"last_ip,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// OnlineAt reports whether the last heartbeat is younger than window at now.
func (d Device) OnlineAt(now time.Time, window time.Duration) bool {
	if d.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*d.LastHeartbeat) < window
}
