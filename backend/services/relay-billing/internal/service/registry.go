package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"relayrent/backend/services/relay-billing/internal/clock"
	"relayrent/backend/services/relay-billing/internal/events"
	"relayrent/backend/services/relay-billing/internal/metrics"
	"relayrent/backend/services/relay-billing/internal/models"
	"relayrent/backend/services/relay-billing/internal/repository"
)

// DefaultLivenessWindow is how long a heartbeat keeps a device online.
const DefaultLivenessWindow = 30 * time.Second

// RegistryConfig tunes liveness and the auto-registration policy.
type RegistryConfig struct {
	LivenessWindow time.Duration
	// AutoRegister makes a heartbeat from an unknown device register it with DefaultPins
	// instead of failing with ErrNotFound.
	AutoRegister bool
	DefaultPins  []int
}

// Registry tracks devices and their liveness.
type Registry struct {
	store   repository.Store
	clock   clock.Clock
	cfg     RegistryConfig
	events  events.Publisher
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// HeartbeatInput is one liveness report from a device.
type HeartbeatInput struct {
	DeviceID   string
	IP         string
	ClientTime *time.Time
}

// RelayInput describes one relay channel at registration.
type RelayInput struct {
	Pin         int
	DisplayName string
}

// RegisterDeviceInput registers or updates a device and its relays.
type RegisterDeviceInput struct {
	DeviceID string
	Name     string
	Relays   []RelayInput
}

// DeviceStatus is a device with its computed liveness.
type DeviceStatus struct {
	models.Device
	Online bool `json:"online"`
}

// NewRegistry builds the device registry.
func NewRegistry(store repository.Store, clk clock.Clock, cfg RegistryConfig, pub events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Registry {
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = DefaultLivenessWindow
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Registry{
		store:   store,
		clock:   clk,
		cfg:     cfg,
		events:  pub,
		metrics: m,
		logger:  logger.Named("registry"),
	}
}

// LivenessWindow returns the configured window.
func (r *Registry) LivenessWindow() time.Duration {
	return r.cfg.LivenessWindow
}

// RecordHeartbeat marks the device online at the current server time.
func (r *Registry) RecordHeartbeat(ctx context.Context, in HeartbeatInput) (models.Device, error) {
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	if in.DeviceID == "" {
		return models.Device{}, fmt.Errorf("%w: device_id is required", ErrInvalidMode)
	}

	now := r.clock.Now()
	device, err := r.store.TouchHeartbeat(ctx, in.DeviceID, now, in.IP)
	if errors.Is(err, repository.ErrNotFound) && r.cfg.AutoRegister {
		if _, _, regErr := r.Register(ctx, RegisterDeviceInput{DeviceID: in.DeviceID, Relays: defaultRelays(r.cfg.DefaultPins)}); regErr != nil {
			return models.Device{}, regErr
		}
		r.logger.Info("auto-registered device from heartbeat", zap.String("device_id", in.DeviceID), zap.Ints("pins", r.cfg.DefaultPins))
		device, err = r.store.TouchHeartbeat(ctx, in.DeviceID, now, in.IP)
	}
	if err != nil {
		return models.Device{}, notFound(err, "device %s", in.DeviceID)
	}

	if in.ClientTime != nil {
		if skew := now.Sub(*in.ClientTime); skew > r.cfg.LivenessWindow || skew < -r.cfg.LivenessWindow {
			r.logger.Debug("device clock skew", zap.String("device_id", in.DeviceID), zap.Duration("skew", skew))
		}
	}
	r.metrics.Heartbeat()
	return device, nil
}

func defaultRelays(pins []int) []RelayInput {
	relays := make([]RelayInput, 0, len(pins))
	for _, pin := range pins {
		relays = append(relays, RelayInput{Pin: pin, DisplayName: fmt.Sprintf("Port %d", pin)})
	}
	return relays
}

// IsOnline reports whether device heartbeated within the liveness window.
func (r *Registry) IsOnline(device models.Device) bool {
	return device.OnlineAt(r.clock.Now(), r.cfg.LivenessWindow)
}

// SweepOffline flips stale online devices to offline and returns the ones it changed.
// A second call without new heartbeats returns nothing.
func (r *Registry) SweepOffline(ctx context.Context) ([]models.Device, error) {
	cutoff := r.clock.Now().Add(-r.cfg.LivenessWindow)
	changed, err := r.store.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark stale devices offline: %w", err)
	}
	for _, d := range changed {
		r.logger.Info("device went offline", zap.String("device_id", d.ID), zap.Timep("last_heartbeat", d.LastHeartbeat))
		r.events.Publish(events.Event{Type: events.DeviceOffline, At: r.clock.Now(), Data: d})
	}
	r.metrics.DevicesOffline(len(changed))
	return changed, nil
}

// Register upserts a device and its relay pins in one transaction.
func (r *Registry) Register(ctx context.Context, in RegisterDeviceInput) (models.Device, []models.Relay, error) {
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	if in.DeviceID == "" {
		return models.Device{}, nil, fmt.Errorf("%w: device_id is required", ErrInvalidMode)
	}
	for _, relay := range in.Relays {
		if relay.Pin <= 0 {
			return models.Device{}, nil, fmt.Errorf("%w: pin must be positive, got %d", ErrInvalidMode, relay.Pin)
		}
	}

	var (
		device models.Device
		relays []models.Relay
	)
	err := r.store.WithTx(ctx, func(q repository.Queries) error {
		var err error
		device, err = q.UpsertDevice(ctx, models.Device{ID: in.DeviceID, Name: in.Name})
		if err != nil {
			return err
		}
		for _, relay := range in.Relays {
			saved, err := q.UpsertRelay(ctx, models.Relay{DeviceID: in.DeviceID, Pin: relay.Pin, DisplayName: relay.DisplayName})
			if err != nil {
				return err
			}
			relays = append(relays, saved)
		}
		return nil
	})
	if err != nil {
		return models.Device{}, nil, fmt.Errorf("register device %s: %w", in.DeviceID, err)
	}
	return device, relays, nil
}

// Get returns one device with computed liveness.
func (r *Registry) Get(ctx context.Context, deviceID string) (DeviceStatus, error) {
	device, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return DeviceStatus{}, notFound(err, "device %s", deviceID)
	}
	return DeviceStatus{Device: device, Online: r.IsOnline(device)}, nil
}

// List returns every device with computed liveness.
func (r *Registry) List(ctx context.Context) ([]DeviceStatus, error) {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceStatus, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceStatus{Device: d, Online: r.IsOnline(d)})
	}
	return out, nil
}
