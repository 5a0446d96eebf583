package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relayrent/backend/services/relay-billing/internal/clock"
	"relayrent/backend/services/relay-billing/internal/models"
	"relayrent/backend/services/relay-billing/internal/repository/memory"
)

const testDevice = "box-1"

var t0 = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

type actuation struct {
	DeviceID string
	Pin      int
	On       bool
}

type fakeActuator struct {
	mu      sync.Mutex
	calls   []actuation
	failOn  error
	failOff error
}

func (f *fakeActuator) SetRelay(_ context.Context, deviceID string, pin int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, actuation{DeviceID: deviceID, Pin: pin, On: on})
	if on {
		return f.failOn
	}
	return f.failOff
}

func (f *fakeActuator) recorded() []actuation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]actuation(nil), f.calls...)
}

func (f *fakeActuator) count(on bool) int {
	n := 0
	for _, c := range f.recorded() {
		if c.On == on {
			n++
		}
	}
	return n
}

type fakeCache struct {
	mu      sync.Mutex
	items   map[models.RelayRef]models.Session
	readErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: make(map[models.RelayRef]models.Session)}
}

func (c *fakeCache) Save(_ context.Context, s models.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[s.Ref()] = s
	return nil
}

func (c *fakeCache) Get(_ context.Context, ref models.RelayRef) (models.Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return models.Session{}, false, c.readErr
	}
	s, ok := c.items[ref]
	return s, ok, nil
}

func (c *fakeCache) Delete(_ context.Context, ref models.RelayRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, ref)
	return nil
}

func (c *fakeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

type fixture struct {
	store    *memory.Store
	clock    *clock.FakeClock
	actuator *fakeActuator
	cache    *fakeCache
	registry *Registry
	engine   *Engine
	relays   *Relays
}

// newFixture registers testDevice with pins 1-4 and heartbeats it at t0.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:    memory.NewStore(),
		clock:    clock.NewFakeClock(t0),
		actuator: &fakeActuator{},
		cache:    newFakeCache(),
	}
	logger := zap.NewNop()

	var nextID int64
	engine, err := NewEngine(EngineDeps{
		Store:          f.store,
		Actuator:       f.actuator,
		Cache:          f.cache,
		Clock:          f.clock,
		IDs:            func() int64 { return atomic.AddInt64(&nextID, 1) },
		Logger:         logger,
		LivenessWindow: DefaultLivenessWindow,
		RequireOnline:  true,
	})
	require.NoError(t, err)
	f.engine = engine
	f.registry = NewRegistry(f.store, f.clock, RegistryConfig{}, nil, nil, logger)
	f.relays = NewRelays(f.store, f.actuator, 0, f.clock, nil, nil, logger)

	_, _, err = f.registry.Register(context.Background(), RegisterDeviceInput{
		DeviceID: testDevice,
		Name:     "Front counter",
		Relays:   []RelayInput{{Pin: 1}, {Pin: 2}, {Pin: 3}, {Pin: 4}},
	})
	require.NoError(t, err)
	f.heartbeat(t)
	return f
}

func (f *fixture) heartbeat(t *testing.T) {
	t.Helper()
	_, err := f.registry.RecordHeartbeat(context.Background(), HeartbeatInput{DeviceID: testDevice})
	require.NoError(t, err)
}

func (f *fixture) startOpen(t *testing.T, pin int, rate int64) models.Session {
	t.Helper()
	s, err := f.engine.Start(context.Background(), StartInput{
		DeviceID:   testDevice,
		Pin:        pin,
		Mode:       models.ModeOpenEnded,
		HourlyRate: rate,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) startFixed(t *testing.T, pin int, rate int64, planned time.Duration) models.Session {
	t.Helper()
	s, err := f.engine.Start(context.Background(), StartInput{
		DeviceID:        testDevice,
		Pin:             pin,
		Mode:            models.ModeFixedDuration,
		HourlyRate:      rate,
		PlannedDuration: &planned,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) stop(t *testing.T, pin int) models.Session {
	t.Helper()
	s, err := f.engine.Stop(context.Background(), StopInput{DeviceID: testDevice, Pin: pin})
	require.NoError(t, err)
	return s
}

func ref(pin int) models.RelayRef {
	return models.RelayRef{DeviceID: testDevice, Pin: pin}
}

var errRelayStuck = errors.New("relay did not answer")
