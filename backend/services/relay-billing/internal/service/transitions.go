package service

import (
	"fmt"
	"time"

	"relayrent/backend/services/relay-billing/internal/models"
)

// Start limits. Within them a fixed-duration charge always fits in an int64.
const (
	MaxHourlyRate      int64 = 1_000_000_000
	MaxPlannedDuration       = 31 * 24 * time.Hour
)

func validateStart(in StartInput) error {
	if in.DeviceID == "" || in.Pin <= 0 {
		return fmt.Errorf("%w: device_id and a positive pin are required", ErrInvalidMode)
	}
	if in.HourlyRate < 0 || in.HourlyRate > MaxHourlyRate {
		return fmt.Errorf("%w: hourly rate must be between 0 and %d", ErrInvalidMode, MaxHourlyRate)
	}
	switch in.Mode {
	case models.ModeOpenEnded:
		if in.PlannedDuration != nil {
			return fmt.Errorf("%w: planned duration is only valid for fixed_duration", ErrInvalidMode)
		}
	case models.ModeFixedDuration:
		if in.PlannedDuration == nil || *in.PlannedDuration < time.Second {
			return fmt.Errorf("%w: fixed_duration requires a planned duration of at least one second", ErrInvalidMode)
		}
		if *in.PlannedDuration > MaxPlannedDuration {
			return fmt.Errorf("%w: planned duration must not exceed %s", ErrInvalidMode, MaxPlannedDuration)
		}
		if *in.PlannedDuration%time.Second != 0 {
			return fmt.Errorf("%w: planned duration must be whole seconds, got %s", ErrInvalidMode, *in.PlannedDuration)
		}
	default:
		return fmt.Errorf("%w: unknown billing mode %q", ErrInvalidMode, in.Mode)
	}
	return nil
}

func ensureCanSettle(s models.Session) error {
	if s.State != models.SessionCompleted {
		return fmt.Errorf("%w: session %d is %s, want %s", ErrInvalidState, s.ID, s.State, models.SessionCompleted)
	}
	if s.ComputedCost == nil {
		return fmt.Errorf("%w: session %d has no computed cost", ErrInvalidState, s.ID)
	}
	return nil
}

// isDue reports whether an active fixed-duration session has reached its planned end.
func isDue(s models.Session, now time.Time) bool {
	if s.State != models.SessionActive {
		return false
	}
	due, ok := s.DueAt()
	return ok && !now.Before(due)
}
