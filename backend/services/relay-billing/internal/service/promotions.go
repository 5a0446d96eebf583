package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"relayrent/backend/services/relay-billing/internal/models"
	"relayrent/backend/services/relay-billing/internal/repository"
)

// Promotions manages the discount catalogue.
type Promotions struct {
	store  repository.Store
	logger *zap.Logger
}

func NewPromotions(store repository.Store, logger *zap.Logger) *Promotions {
	return &Promotions{store: store, logger: logger.Named("promotions")}
}

// Upsert creates a promotion (ID 0) or replaces an existing one.
func (p *Promotions) Upsert(ctx context.Context, promo models.Promotion) (models.Promotion, error) {
	promo.Name = strings.TrimSpace(promo.Name)
	if promo.Name == "" {
		return models.Promotion{}, fmt.Errorf("%w: promotion name is required", ErrInvalidMode)
	}
	if !promo.Kind.Valid() {
		return models.Promotion{}, fmt.Errorf("%w: unknown promotion kind %q", ErrInvalidMode, promo.Kind)
	}
	if promo.Value < 0 || math.IsNaN(promo.Value) || math.IsInf(promo.Value, 0) {
		return models.Promotion{}, fmt.Errorf("%w: promotion value must be a non-negative number", ErrInvalidMode)
	}
	if promo.MinimumDuration != nil && *promo.MinimumDuration < 0 {
		return models.Promotion{}, fmt.Errorf("%w: minimum duration must not be negative", ErrInvalidMode)
	}

	saved, err := p.store.UpsertPromotion(ctx, promo)
	if err != nil {
		return models.Promotion{}, err
	}
	p.logger.Info("promotion saved", zap.Int64("promotion_id", saved.ID), zap.String("kind", string(saved.Kind)), zap.Bool("active", saved.Active))
	return saved, nil
}

func (p *Promotions) Get(ctx context.Context, id int64) (models.Promotion, error) {
	promo, err := p.store.GetPromotion(ctx, id)
	if err != nil {
		return models.Promotion{}, notFound(err, "promotion %d", id)
	}
	return promo, nil
}

func (p *Promotions) List(ctx context.Context) ([]models.Promotion, error) {
	return p.store.ListPromotions(ctx)
}
