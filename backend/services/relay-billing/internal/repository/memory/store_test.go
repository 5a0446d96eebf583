package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayrent/backend/services/relay-billing/internal/models"
	"relayrent/backend/services/relay-billing/internal/repository"
)

var t0 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s := NewStore()
	_, err := s.UpsertDevice(ctx, models.Device{ID: "esp-01", Name: "Lobby"})
	require.NoError(t, err)
	for _, pin := range []int{12, 13} {
		_, err := s.UpsertRelay(ctx, models.Relay{DeviceID: "esp-01", Pin: pin})
		require.NoError(t, err)
	}
	return s
}

func activeSession(id int64, pin int) models.Session {
	return models.Session{
		ID:         id,
		DeviceID:   "esp-01",
		Pin:        pin,
		Mode:       models.ModeOpenEnded,
		State:      models.SessionActive,
		HourlyRate: 6000,
		StartedAt:  t0,
	}
}

func TestUpsertRelayRequiresDevice(t *testing.T) {
	s := NewStore()
	_, err := s.UpsertRelay(context.Background(), models.Relay{DeviceID: "ghost", Pin: 1})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestOneActiveSessionPerRelay(t *testing.T) {
	ctx := context.Background()
	s := seed(t)

	_, err := s.InsertSession(ctx, activeSession(1, 12))
	require.NoError(t, err)
	_, err = s.InsertSession(ctx, activeSession(2, 12))
	assert.ErrorIs(t, err, repository.ErrConflict)
	_, err = s.InsertSession(ctx, activeSession(3, 13))
	assert.NoError(t, err)

	active, err := s.ActiveSession(ctx, models.RelayRef{DeviceID: "esp-01", Pin: 12})
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.ID)
}

func TestCompleteAndSettleAreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	_, err := s.InsertSession(ctx, activeSession(1, 12))
	require.NoError(t, err)

	_, err = s.SettleSession(ctx, 1, repository.Settlement{PaidAt: t0})
	assert.ErrorIs(t, err, repository.ErrStaleState)

	done, err := s.CompleteSession(ctx, 1, repository.Completion{EndedAt: t0.Add(time.Hour), Cost: 6000, Reason: models.EndReasonStopped})
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, done.State)
	require.NotNil(t, done.ComputedCost)
	assert.Equal(t, int64(6000), *done.ComputedCost)

	_, err = s.CompleteSession(ctx, 1, repository.Completion{EndedAt: t0, Cost: 1})
	assert.ErrorIs(t, err, repository.ErrStaleState)

	_, err = s.ActiveSession(ctx, models.RelayRef{DeviceID: "esp-01", Pin: 12})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	promo := int64(4)
	paid, err := s.SettleSession(ctx, 1, repository.Settlement{PromotionID: &promo, Discount: 1000, CostAfterDiscount: 5000, PaidAt: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaid, paid.State)
	assert.Equal(t, int64(5000), *paid.CostAfterDiscount)
	assert.Equal(t, int64(4), *paid.SettledPromotionID)

	promo = 99
	again, err := s.GetSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), *again.SettledPromotionID, "stored row must not alias caller memory")
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(q repository.Queries) error {
		if _, err := q.InsertSession(ctx, activeSession(1, 12)); err != nil {
			return err
		}
		if _, err := q.SetRelayEnergized(ctx, models.RelayRef{DeviceID: "esp-01", Pin: 12}, true, t0); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetSession(ctx, 1)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	relay, err := s.GetRelay(ctx, models.RelayRef{DeviceID: "esp-01", Pin: 12})
	require.NoError(t, err)
	assert.False(t, relay.Energized)
}

func TestWithTxCommits(t *testing.T) {
	ctx := context.Background()
	s := seed(t)

	require.NoError(t, s.WithTx(ctx, func(q repository.Queries) error {
		_, err := q.InsertSession(ctx, activeSession(1, 12))
		return err
	}))
	_, err := s.GetSession(ctx, 1)
	assert.NoError(t, err)
}

func TestHeartbeatNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	s := seed(t)

	_, err := s.TouchHeartbeat(ctx, "esp-01", t0.Add(time.Minute), "10.0.0.5")
	require.NoError(t, err)
	d, err := s.TouchHeartbeat(ctx, "esp-01", t0, "")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), *d.LastHeartbeat)
	assert.Equal(t, "10.0.0.5", d.LastIP)
	assert.Equal(t, models.DeviceStateOnline, d.State)
}

func TestMarkStaleOfflineReturnsOnlyChanges(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	_, err := s.TouchHeartbeat(ctx, "esp-01", t0, "")
	require.NoError(t, err)

	changed, err := s.MarkStaleOffline(ctx, t0.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, changed)

	changed, err = s.MarkStaleOffline(ctx, t0)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, models.DeviceStateOffline, changed[0].State)

	changed, err = s.MarkStaleOffline(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestListSessionsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	for i, pin := range []int{12, 13} {
		sess := activeSession(int64(i+1), pin)
		sess.StartedAt = t0.Add(time.Duration(i) * time.Minute)
		_, err := s.InsertSession(ctx, sess)
		require.NoError(t, err)
	}

	all, err := s.ListSessions(ctx, models.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(2), all[0].ID, "newest first")

	pin := 12
	one, err := s.ListSessions(ctx, models.SessionFilter{Pin: &pin})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, int64(1), one[0].ID)

	limited, err := s.ListSessions(ctx, models.SessionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.ListSessions(ctx, models.SessionFilter{State: models.SessionPaid})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpsertPromotionAssignsIDs(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	first, err := s.UpsertPromotion(ctx, models.Promotion{Name: "a", Kind: models.PromotionPercent, Value: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ID)

	_, err = s.UpsertPromotion(ctx, models.Promotion{ID: 10, Name: "b", Kind: models.PromotionFlatAmount, Value: 500})
	require.NoError(t, err)
	next, err := s.UpsertPromotion(ctx, models.Promotion{Name: "c", Kind: models.PromotionFreeMinutes, Value: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(11), next.ID)

	first.Name = "renamed"
	updated, err := s.UpsertPromotion(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	list, err := s.ListPromotions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestWithTxRollbackRestoresOverwrittenRows(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	_, err := s.InsertSession(ctx, activeSession(1, 12))
	require.NoError(t, err)
	_, err = s.TouchHeartbeat(ctx, "esp-01", t0, "10.0.0.5")
	require.NoError(t, err)
	boom := errors.New("boom")

	err = s.WithTx(ctx, func(q repository.Queries) error {
		if _, err := q.CompleteSession(ctx, 1, repository.Completion{EndedAt: t0.Add(time.Hour), Cost: 6000}); err != nil {
			return err
		}
		if _, err := q.MarkStaleOffline(ctx, t0.Add(time.Hour)); err != nil {
			return err
		}
		if _, err := q.UpsertPromotion(ctx, models.Promotion{Name: "x", Kind: models.PromotionPercent, Value: 5}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	active, err := s.ActiveSession(ctx, models.RelayRef{DeviceID: "esp-01", Pin: 12})
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, active.State)
	assert.Nil(t, active.ComputedCost)

	d, err := s.GetDevice(ctx, "esp-01")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStateOnline, d.State)

	promos, err := s.ListPromotions(ctx)
	require.NoError(t, err)
	assert.Empty(t, promos)
	first, err := s.UpsertPromotion(ctx, models.Promotion{Name: "y", Kind: models.PromotionPercent, Value: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ID, "id counter rolled back")
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	s := seed(t)

	assert.Panics(t, func() {
		_ = s.WithTx(ctx, func(q repository.Queries) error {
			if _, err := q.InsertSession(ctx, activeSession(1, 12)); err != nil {
				return err
			}
			panic("callback bug")
		})
	})

	_, err := s.GetSession(ctx, 1)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = s.InsertSession(ctx, activeSession(2, 12))
	assert.NoError(t, err, "relay must not stay marked busy")
}

func TestListActiveOnOfflineDevices(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	_, err := s.UpsertDevice(ctx, models.Device{ID: "esp-02"})
	require.NoError(t, err)
	_, err = s.UpsertRelay(ctx, models.Relay{DeviceID: "esp-02", Pin: 1})
	require.NoError(t, err)

	heartbeat := t0.Add(-time.Minute)
	for _, id := range []string{"esp-01", "esp-02"} {
		_, err := s.TouchHeartbeat(ctx, id, heartbeat, "")
		require.NoError(t, err)
	}

	later := activeSession(1, 13)
	later.StartedAt = t0.Add(time.Minute)
	_, err = s.InsertSession(ctx, later)
	require.NoError(t, err)
	_, err = s.InsertSession(ctx, activeSession(2, 12))
	require.NoError(t, err)
	other := activeSession(3, 1)
	other.DeviceID = "esp-02"
	_, err = s.InsertSession(ctx, other)
	require.NoError(t, err)
	_, err = s.CompleteSession(ctx, 2, repository.Completion{EndedAt: t0, Reason: models.EndReasonStopped})
	require.NoError(t, err)
	_, err = s.InsertSession(ctx, activeSession(4, 12))
	require.NoError(t, err)

	none, err := s.ListActiveOnOfflineDevices(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, none, "all devices online")

	_, err = s.MarkStaleOffline(ctx, t0)
	require.NoError(t, err)
	_, err = s.TouchHeartbeat(ctx, "esp-02", t0, "")
	require.NoError(t, err)

	got, err := s.ListActiveOnOfflineDevices(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Session.ID, "oldest first")
	assert.Equal(t, int64(1), got[1].Session.ID)
	require.NotNil(t, got[0].LastHeartbeat)
	assert.Equal(t, heartbeat, *got[0].LastHeartbeat)

	limited, err := s.ListActiveOnOfflineDevices(ctx, 5*time.Minute, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// with a 90s window session 1 (started t0+1m) began after the device went silent
	narrow, err := s.ListActiveOnOfflineDevices(ctx, 90*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, narrow, 1)
	assert.Equal(t, int64(4), narrow[0].Session.ID)
}
