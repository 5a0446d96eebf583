package service

import (
	"math"
	"math/bits"
	"time"

	"relayrent/backend/services/relay-billing/internal/models"
	"relayrent/backend/services/relay-billing/internal/repository"
)

const secondsPerHour = 3600

// MaxCharge is the largest amount a session can be billed, the greatest multiple of
// 100 an int64 holds. Costs beyond it saturate instead of wrapping.
const MaxCharge = math.MaxInt64 - math.MaxInt64%100

// RoundUp100 rounds cost up to the next multiple of 100 currency units.
func RoundUp100(cost int64) int64 {
	if cost >= MaxCharge {
		return MaxCharge
	}
	if rem := cost % 100; rem != 0 {
		return cost + (100 - rem)
	}
	return cost
}

// RawCost is hourlyRate prorated over seconds, truncated to whole units. The product
// is taken in 128 bits so large rates or long sessions never wrap.
func RawCost(hourlyRate, seconds int64) int64 {
	if hourlyRate <= 0 || seconds <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(hourlyRate), uint64(seconds))
	if hi >= secondsPerHour {
		return MaxCharge
	}
	quo, _ := bits.Div64(hi, lo, secondsPerHour)
	if quo > MaxCharge {
		return MaxCharge
	}
	return int64(quo)
}

// Charge is the billed amount for seconds of use at hourlyRate.
func Charge(hourlyRate, seconds int64) int64 {
	return RoundUp100(RawCost(hourlyRate, seconds))
}

// ElapsedSeconds counts whole seconds from start to end, zero if end is not after start.
func ElapsedSeconds(start, end time.Time) int64 {
	if !end.After(start) {
		return 0
	}
	return int64(end.Sub(start) / time.Second)
}

// stopCompletion prices a session stopped at now. Fixed-duration sessions always bill
// the planned duration and end at started_at + planned.
func stopCompletion(s models.Session, now time.Time, reason string) repository.Completion {
	if s.Mode == models.ModeFixedDuration && s.PlannedDuration != nil {
		planned := s.PlannedSeconds()
		return repository.Completion{
			EndedAt: s.StartedAt.Add(time.Duration(planned) * time.Second),
			Cost:    Charge(s.HourlyRate, planned),
			Reason:  reason,
		}
	}
	if now.Before(s.StartedAt) {
		now = s.StartedAt
	}
	return repository.Completion{
		EndedAt: now,
		Cost:    Charge(s.HourlyRate, ElapsedSeconds(s.StartedAt, now)),
		Reason:  reason,
	}
}

// offlineCompletion prices a session whose device stopped reporting. Usage is counted up
// to cutoff (the last heartbeat); fixed-duration sessions are capped at their plan.
func offlineCompletion(s models.Session, cutoff *time.Time) repository.Completion {
	end := s.StartedAt
	if cutoff != nil && cutoff.After(s.StartedAt) {
		end = *cutoff
	}
	if due, ok := s.DueAt(); ok && end.After(due) {
		end = due
	}
	return repository.Completion{
		EndedAt: end,
		Cost:    Charge(s.HourlyRate, ElapsedSeconds(s.StartedAt, end)),
		Reason:  models.EndReasonDeviceOffline,
	}
}

// durationMinutes is the billed length of a finished session in whole minutes.
func durationMinutes(s models.Session) int64 {
	if s.EndedAt == nil {
		return 0
	}
	return ElapsedSeconds(s.StartedAt, *s.EndedAt) / 60
}
