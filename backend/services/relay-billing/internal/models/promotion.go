package models

import "time"

// PromotionKind defines how Value is interpreted.
type PromotionKind string

const (
	PromotionFlatAmount  PromotionKind = "flat_amount"
	PromotionPercent     PromotionKind = "percent"
	PromotionFreeMinutes PromotionKind = "free_minutes"
)

// Valid reports whether k is a known kind.
func (k PromotionKind) Valid() bool {
	switch k {
	case PromotionFlatAmount, PromotionPercent, PromotionFreeMinutes:
		return true
	}
	return false
}

// Promotion is a discount rule applied at settlement.
type Promotion struct {
	ID              int64         `db:"id" json:"id"`
	Name            string        `db:"name" json:"name"`
	Kind            PromotionKind `db:"kind" json:"kind"`
	Value           float64       `db:"value" json:"value"`
	MinimumDuration *int          `db:"minimum_duration_minutes" json:"minimum_duration,omitempty"`
	Active          bool          `db:"active" json:"active"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}
