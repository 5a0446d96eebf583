package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"relayrent/backend/services/relay-billing/internal/clock"
	"relayrent/backend/services/relay-billing/internal/events"
	"relayrent/backend/services/relay-billing/internal/metrics"
	"relayrent/backend/services/relay-billing/internal/models"
	"relayrent/backend/services/relay-billing/internal/repository"
)

// Occupancy is the physical and billing view of one relay.
type Occupancy struct {
	DeviceID        string `json:"device_id"`
	Pin             int    `json:"pin"`
	Energized       bool   `json:"energized"`
	ActiveSessionID *int64 `json:"active_session_id"`
}

// Relays exposes relay state. It never changes billing sessions.
type Relays struct {
	store    repository.Store
	actuator Actuator
	timeout  time.Duration
	clock    clock.Clock
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewRelays builds the relay state service.
func NewRelays(store repository.Store, actuator Actuator, actuatorTimeout time.Duration, clk clock.Clock, pub events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Relays {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Relays{
		store:    store,
		actuator: actuator,
		timeout:  actuatorTimeout,
		clock:    clk,
		events:   pub,
		metrics:  m,
		logger:   logger.Named("relays"),
	}
}

// GetOccupancy returns whether the relay is energized and which session holds it.
func (r *Relays) GetOccupancy(ctx context.Context, ref models.RelayRef) (Occupancy, error) {
	relay, err := r.store.GetRelay(ctx, ref)
	if err != nil {
		return Occupancy{}, notFound(err, "relay %s/%d", ref.DeviceID, ref.Pin)
	}
	occ := Occupancy{DeviceID: relay.DeviceID, Pin: relay.Pin, Energized: relay.Energized}

	active, err := r.store.ActiveSession(ctx, ref)
	switch {
	case err == nil:
		id := active.ID
		occ.ActiveSessionID = &id
	case errors.Is(err, repository.ErrNotFound):
	default:
		return Occupancy{}, err
	}
	return occ, nil
}

// SetEnergized records the relay's physical state. It does not touch sessions and
// does not call the device; callers keep sessions consistent.
func (r *Relays) SetEnergized(ctx context.Context, ref models.RelayRef, on bool) (models.Relay, error) {
	relay, err := r.store.SetRelayEnergized(ctx, ref, on, r.clock.Now())
	if err != nil {
		return models.Relay{}, notFound(err, "relay %s/%d", ref.DeviceID, ref.Pin)
	}
	r.events.Publish(events.Event{Type: events.RelayChanged, At: r.clock.Now(), Data: relay})
	return relay, nil
}

// List returns the relays of a device ordered by pin.
func (r *Relays) List(ctx context.Context, deviceID string) ([]models.Relay, error) {
	if _, err := r.store.GetDevice(ctx, deviceID); err != nil {
		return nil, notFound(err, "device %s", deviceID)
	}
	return r.store.ListRelays(ctx, deviceID)
}

// Control is the manual override: it records the new state, then drives the relay.
// The returned occupancy lets the operator reconcile against an active session.
// A physical failure returns ErrPhysicalControl with the state already recorded.
func (r *Relays) Control(ctx context.Context, ref models.RelayRef, on bool) (Occupancy, error) {
	if _, err := r.SetEnergized(ctx, ref, on); err != nil {
		return Occupancy{}, err
	}
	occ, err := r.GetOccupancy(ctx, ref)
	if err != nil {
		return Occupancy{}, err
	}
	if occ.ActiveSessionID != nil && !on {
		r.logger.Warn("manual de-energize of a relay with an active session",
			zap.String("device_id", ref.DeviceID),
			zap.Int("pin", ref.Pin),
			zap.Int64("session_id", *occ.ActiveSessionID),
		)
	}
	if err := actuate(ctx, r.actuator, r.timeout, r.metrics, r.logger, ref.DeviceID, ref.Pin, on); err != nil {
		return occ, err
	}
	return occ, nil
}
