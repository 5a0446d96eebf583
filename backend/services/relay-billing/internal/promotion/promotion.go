// Package promotion computes settlement discounts. Everything here is a pure
// function of its arguments.
package promotion

import (
	"math"

	"relayrent/backend/services/relay-billing/internal/models"
)

// Discount returns the amount taken off totalCost by p for a session that lasted
// durationMinutes at hourlyRate. The result is always within [0, totalCost].
func Discount(p models.Promotion, totalCost int64, durationMinutes int64, hourlyRate int64) int64 {
	if !p.Active || totalCost <= 0 {
		return 0
	}
	if p.MinimumDuration != nil && durationMinutes < int64(*p.MinimumDuration) {
		return 0
	}

	var discount int64
	switch p.Kind {
	case models.PromotionFlatAmount:
		discount = floor(p.Value)
	case models.PromotionPercent:
		discount = floor(float64(totalCost) * p.Value / 100)
	case models.PromotionFreeMinutes:
		if hourlyRate <= 0 {
			return 0
		}
		discount = floor(p.Value / 60 * float64(hourlyRate))
	default:
		return 0
	}
	return clamp(discount, totalCost)
}

// Apply returns the discount and the amount left to charge, never below zero.
func Apply(p *models.Promotion, totalCost int64, durationMinutes int64, hourlyRate int64) (discount int64, charged int64) {
	if p != nil {
		discount = Discount(*p, totalCost, durationMinutes, hourlyRate)
	}
	charged = totalCost - discount
	if charged < 0 {
		charged = 0
	}
	return discount, charged
}

func floor(v float64) int64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(math.Floor(v))
}

func clamp(discount, total int64) int64 {
	if discount < 0 {
		return 0
	}
	if discount > total {
		return total
	}
	return discount
}
