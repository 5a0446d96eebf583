package handlers

import (
	"time"

	"relayrent/backend/services/relay-billing/internal/models"
)

// sessionDTO is the wire form of a session; durations are whole seconds.
type sessionDTO struct {
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
	DueAt                  *time.Time `json:"due_at,omitempty"`
	EndedAt                *time.Time `json:"ended_at"`
	EndReason              string     `json:"end_reason,omitempty"`
	ComputedCost           *int64     `json:"computed_cost"`
	SettledPromotionID     *int64     `json:"settled_promotion_id,omitempty"`
	Discount               *int64     `json:"discount,omitempty"`
	CostAfterDiscount      *int64     `json:"cost_after_discount"`
	PaidAt                 *time.Time `json:"paid_at,omitempty"`
}

func toSessionDTO(s models.Session) sessionDTO {
	dto := sessionDTO{
		ID:                 s.ID,
		DeviceID:           s.DeviceID,
		Pin:                s.Pin,
		PromotionID:        s.PromotionID,
		CustomerName:       s.CustomerName,
		Mode:               string(s.Mode),
		State:              string(s.State),
		HourlyRate:         s.HourlyRate,
		StartedAt:          s.StartedAt,
		EndedAt:            s.EndedAt,
		EndReason:          s.EndReason,
		ComputedCost:       s.ComputedCost,
		SettledPromotionID: s.SettledPromotionID,
		Discount:           s.Discount,
		CostAfterDiscount:  s.CostAfterDiscount,
		PaidAt:             s.PaidAt,
	}
	if s.PlannedDuration != nil {
		secs := s.PlannedSeconds()
		dto.PlannedDurationSeconds = &secs
	}
	if due, ok := s.DueAt(); ok {
		dto.DueAt = &due
	}
	return dto
}

func toSessionDTOs(sessions []models.Session) []sessionDTO {
	out := make([]sessionDTO, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionDTO(s))
	}
	return out
}
