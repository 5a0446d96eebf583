package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayrent/backend/services/relay-billing/internal/models"
)

func TestStartStopOpenEndedRoundsUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started := f.startOpen(t, 1, 5000)
	assert.Equal(t, models.SessionActive, started.State)
	assert.Equal(t, t0, started.StartedAt)

	relay, err := f.store.GetRelay(ctx, ref(1))
	require.NoError(t, err)
	assert.True(t, relay.Energized)
	assert.Equal(t, 1, f.cache.len())

	f.clock.Advance(1350 * time.Second)
	done := f.stop(t, 1)

	assert.Equal(t, models.SessionCompleted, done.State)
	assert.Equal(t, models.EndReasonStopped, done.EndReason)
	require.NotNil(t, done.ComputedCost)
	assert.Equal(t, int64(1900), *done.ComputedCost)
	require.NotNil(t, done.EndedAt)
	assert.Equal(t, t0.Add(1350*time.Second), *done.EndedAt)

	relay, err = f.store.GetRelay(ctx, ref(1))
	require.NoError(t, err)
	assert.False(t, relay.Energized)
	assert.Zero(t, f.cache.len())
	assert.Equal(t, []actuation{
		{DeviceID: testDevice, Pin: 1, On: true},
		{DeviceID: testDevice, Pin: 1, On: false},
	}, f.actuator.recorded())
}

func TestOpenEndedCostExamples(t *testing.T) {
	f := newFixture(t)

	f.startOpen(t, 1, 8000)
	f.clock.Advance(2700 * time.Second)
	done := f.stop(t, 1)
	assert.Equal(t, int64(6000), *done.ComputedCost)
}

func TestFixedDurationChargesPlanRegardlessOfStopTime(t *testing.T) {
	for _, stopAfter := range []time.Duration{5 * time.Second, 10000 * time.Second} {
		t.Run(stopAfter.String(), func(t *testing.T) {
			f := newFixture(t)
			f.startFixed(t, 2, 6000, 1800*time.Second)

			f.clock.Advance(stopAfter)
			done := f.stop(t, 2)

			assert.Equal(t, int64(3000), *done.ComputedCost)
			assert.Equal(t, t0.Add(1800*time.Second), *done.EndedAt)
		})
	}
}

func TestFixedDurationOneHour(t *testing.T) {
	f := newFixture(t)
	f.startFixed(t, 1, 10000, time.Hour)

	f.clock.Advance(time.Hour)
	done := f.stop(t, 1)

	assert.Equal(t, int64(10000), *done.ComputedCost)
	assert.Equal(t, t0.Add(time.Hour), *done.EndedAt)
}

func TestStartRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	planned := 10 * time.Minute
	tooShort := 500 * time.Millisecond
	fractional := 1500 * time.Millisecond
	tooLong := MaxPlannedDuration + time.Second

	cases := map[string]StartInput{
		"fixed without plan":  {DeviceID: testDevice, Pin: 1, Mode: models.ModeFixedDuration, HourlyRate: 1000},
		"fixed under 1s":      {DeviceID: testDevice, Pin: 1, Mode: models.ModeFixedDuration, HourlyRate: 1000, PlannedDuration: &tooShort},
		"open with plan":      {DeviceID: testDevice, Pin: 1, Mode: models.ModeOpenEnded, HourlyRate: 1000, PlannedDuration: &planned},
		"unknown mode":        {DeviceID: testDevice, Pin: 1, Mode: "hourly", HourlyRate: 1000},
		"negative rate":       {DeviceID: testDevice, Pin: 1, Mode: models.ModeOpenEnded, HourlyRate: -1},
		"rate over limit":     {DeviceID: testDevice, Pin: 1, Mode: models.ModeOpenEnded, HourlyRate: MaxHourlyRate + 1},
		"fractional seconds":  {DeviceID: testDevice, Pin: 1, Mode: models.ModeFixedDuration, HourlyRate: 1000, PlannedDuration: &fractional},
		"plan over limit":     {DeviceID: testDevice, Pin: 1, Mode: models.ModeFixedDuration, HourlyRate: 1000, PlannedDuration: &tooLong},
		"missing pin":         {DeviceID: testDevice, Mode: models.ModeOpenEnded, HourlyRate: 1000},
		"missing device id":   {Pin: 1, Mode: models.ModeOpenEnded, HourlyRate: 1000},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.Start(context.Background(), in)
			assert.ErrorIs(t, err, ErrInvalidMode)
		})
	}

	sessions, err := f.engine.List(context.Background(), models.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Empty(t, f.actuator.recorded())
}

func TestStartUnknownReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, StartInput{DeviceID: testDevice, Pin: 9, Mode: models.ModeOpenEnded, HourlyRate: 1000})
	assert.ErrorIs(t, err, ErrNotFound)

	missing := int64(404)
	_, err = f.engine.Start(ctx, StartInput{DeviceID: testDevice, Pin: 1, Mode: models.ModeOpenEnded, HourlyRate: 1000, PromotionID: &missing})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartBusyRelay(t *testing.T) {
	f := newFixture(t)
	first := f.startOpen(t, 1, 1000)

	_, err := f.engine.Start(context.Background(), StartInput{DeviceID: testDevice, Pin: 1, Mode: models.ModeOpenEnded, HourlyRate: 2000})
	assert.ErrorIs(t, err, ErrRelayBusy)

	active, err := f.engine.Active(context.Background(), ref(1))
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first.ID, active.ID)
}

func TestConcurrentStartsExactlyOneWins(t *testing.T) {
	f := newFixture(t)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		busy    int
		unknown []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Start(context.Background(), StartInput{DeviceID: testDevice, Pin: 3, Mode: models.ModeOpenEnded, HourlyRate: 4000})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrRelayBusy):
				busy++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, unknown)
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, busy)
	assert.Equal(t, 1, f.actuator.count(true))
}

func TestConcurrentStopAndExpireCompleteOnce(t *testing.T) {
	f := newFixture(t)
	s := f.startFixed(t, 4, 6000, time.Minute)
	f.clock.Advance(2 * time.Minute)

	const workers = 8
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		completions int
		unknown     []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.engine.Stop(context.Background(), StopInput{DeviceID: testDevice, Pin: 4})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				completions++
			case !errors.Is(err, ErrNoActiveSession):
				unknown = append(unknown, err)
			}
		}()
		go func() {
			defer wg.Done()
			_, expired, err := f.engine.ExpireIfDue(context.Background(), s.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				unknown = append(unknown, err)
			}
			if expired {
				completions++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, unknown)
	assert.Equal(t, 1, completions)
	assert.Equal(t, 1, f.actuator.count(false))

	final, err := f.engine.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, final.State)
	assert.Equal(t, int64(100), *final.ComputedCost)
	assert.Equal(t, t0.Add(time.Minute), *final.EndedAt)
}

func TestStartRequiresOnlineDevice(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(DefaultLivenessWindow)

	_, err := f.engine.Start(context.Background(), StartInput{DeviceID: testDevice, Pin: 1, Mode: models.ModeOpenEnded, HourlyRate: 1000})
	assert.ErrorIs(t, err, ErrPhysicalControl)
	assert.Empty(t, f.actuator.recorded())

	f.heartbeat(t)
	f.startOpen(t, 1, 1000)
}

func TestStartActuationFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.actuator.failOn = errRelayStuck
	ctx := context.Background()

	_, err := f.engine.Start(ctx, StartInput{DeviceID: testDevice, Pin: 1, Mode: models.ModeOpenEnded, HourlyRate: 1000})
	require.ErrorIs(t, err, ErrPhysicalControl)

	active, err := f.engine.Active(ctx, ref(1))
	require.NoError(t, err)
	assert.Nil(t, active)

	relay, err := f.store.GetRelay(ctx, ref(1))
	require.NoError(t, err)
	assert.False(t, relay.Energized)
	assert.Zero(t, f.cache.len())
}

func TestStopActuationFailureKeepsCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startOpen(t, 1, 3600)
	f.clock.Advance(150 * time.Second)
	f.actuator.failOff = errRelayStuck

	done, err := f.engine.Stop(ctx, StopInput{DeviceID: testDevice, Pin: 1})
	require.ErrorIs(t, err, ErrPhysicalControl)
	assert.Equal(t, models.SessionCompleted, done.State)
	assert.Equal(t, int64(200), *done.ComputedCost)

	active, err := f.engine.Active(ctx, ref(1))
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = f.engine.Stop(ctx, StopInput{DeviceID: testDevice, Pin: 1})
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestStopWithoutActiveSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Stop(context.Background(), StopInput{DeviceID: testDevice, Pin: 2})
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = f.engine.Stop(context.Background(), StopInput{DeviceID: testDevice, Pin: 42})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStopHintsDoNotChangeCost(t *testing.T) {
	f := newFixture(t)
	f.startOpen(t, 1, 5000)
	f.clock.Advance(1350 * time.Second)

	hintCost, hintDuration := int64(1), int64(5)
	done, err := f.engine.Stop(context.Background(), StopInput{DeviceID: testDevice, Pin: 1, CostHint: &hintCost, DurationHint: &hintDuration})
	require.NoError(t, err)
	assert.Equal(t, int64(1900), *done.ComputedCost)
}

func TestExpireIfDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.startFixed(t, 1, 12000, 15*time.Minute)

	f.clock.Advance(14 * time.Minute)
	same, expired, err := f.engine.ExpireIfDue(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, models.SessionActive, same.State)

	f.clock.Advance(time.Hour)
	done, expired, err := f.engine.ExpireIfDue(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Equal(t, models.EndReasonExpired, done.EndReason)
	assert.Equal(t, int64(3000), *done.ComputedCost)
	assert.Equal(t, t0.Add(15*time.Minute), *done.EndedAt)

	again, expired, err := f.engine.ExpireIfDue(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, *done.ComputedCost, *again.ComputedCost)
	assert.Equal(t, 1, f.actuator.count(false))
}

func TestExpireIfDueIgnoresOpenEnded(t *testing.T) {
	f := newFixture(t)
	s := f.startOpen(t, 1, 1000)
	f.clock.Advance(48 * time.Hour)

	_, expired, err := f.engine.ExpireIfDue(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, expired)

	_, _, err = f.engine.ExpireIfDue(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestForceStopOfflineChargesToLastHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.startOpen(t, 1, 3600)

	f.clock.Advance(10 * time.Minute)
	f.heartbeat(t)
	lastSeen := f.clock.Now()
	f.clock.Advance(5 * time.Minute)

	done, changed, err := f.engine.ForceStopOffline(ctx, s.ID, &lastSeen)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.EndReasonDeviceOffline, done.EndReason)
	assert.Equal(t, lastSeen, *done.EndedAt)
	assert.Equal(t, int64(600), *done.ComputedCost)

	_, changed, err = f.engine.ForceStopOffline(ctx, s.ID, &lastSeen)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestForceStopOfflineFixedIsCappedAtPlan(t *testing.T) {
	f := newFixture(t)
	s := f.startFixed(t, 2, 3600, 5*time.Minute)

	lastSeen := t0.Add(20 * time.Minute)
	done, changed, err := f.engine.ForceStopOffline(context.Background(), s.ID, &lastSeen)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, t0.Add(5*time.Minute), *done.EndedAt)
	assert.Equal(t, int64(300), *done.ComputedCost)
}

func TestForceStopOfflineWithoutHeartbeatBillsNothing(t *testing.T) {
	f := newFixture(t)
	s := f.startOpen(t, 3, 9000)
	f.clock.Advance(time.Hour)

	done, changed, err := f.engine.ForceStopOffline(context.Background(), s.ID, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, t0, *done.EndedAt)
	assert.Equal(t, int64(0), *done.ComputedCost)
}

func TestSettlePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	promo, err := f.store.UpsertPromotion(ctx, models.Promotion{Name: "Ten off", Kind: models.PromotionPercent, Value: 10, Active: true})
	require.NoError(t, err)

	s := f.startOpen(t, 1, 5000)
	_, err = f.engine.SettlePayment(ctx, s.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	f.clock.Advance(1350 * time.Second)
	f.stop(t, 1)

	missing := int64(77)
	_, err = f.engine.SettlePayment(ctx, s.ID, &missing)
	assert.ErrorIs(t, err, ErrNotFound)

	paid, err := f.engine.SettlePayment(ctx, s.ID, &promo.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaid, paid.State)
	assert.Equal(t, int64(1900), *paid.ComputedCost)
	assert.Equal(t, int64(190), *paid.Discount)
	assert.Equal(t, int64(1710), *paid.CostAfterDiscount)
	assert.Equal(t, promo.ID, *paid.SettledPromotionID)
	assert.Nil(t, paid.PromotionID)
	assert.Equal(t, f.clock.Now(), *paid.PaidAt)

	_, err = f.engine.SettlePayment(ctx, s.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSettlePaymentWithoutPromotion(t *testing.T) {
	f := newFixture(t)
	s := f.startOpen(t, 1, 8000)
	f.clock.Advance(2700 * time.Second)
	f.stop(t, 1)

	paid, err := f.engine.SettlePayment(context.Background(), s.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), *paid.Discount)
	assert.Equal(t, int64(6000), *paid.CostAfterDiscount)
}

func TestActiveFallsBackToStoreOnCacheError(t *testing.T) {
	f := newFixture(t)
	s := f.startOpen(t, 2, 1000)
	f.cache.readErr = errors.New("redis: connection refused")

	active, err := f.engine.Active(context.Background(), ref(2))
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, s.ID, active.ID)

	_, err = f.engine.Active(context.Background(), ref(99))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersSessions(t *testing.T) {
	f := newFixture(t)
	f.startOpen(t, 1, 1000)
	f.startFixed(t, 2, 1000, time.Minute)
	f.clock.Advance(time.Minute)
	f.stop(t, 2)

	active, err := f.engine.List(context.Background(), models.SessionFilter{State: models.SessionActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 1, active[0].Pin)

	fixed, err := f.engine.ActiveFixed(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fixed)

	stranded, err := f.engine.StrandedOffline(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stranded, "device is online")
}
