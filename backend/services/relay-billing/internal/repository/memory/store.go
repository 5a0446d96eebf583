// Package memory is a process-local repository.Store used for single-node
// deployments without Postgres and as the backing store in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"relayrent/backend/services/relay-billing/internal/models"
	"relayrent/backend/services/relay-billing/internal/repository"
)

// Store keeps all rows in maps guarded by one mutex. Transactions write in place and
// record an undo step per write, replayed in reverse when the callback fails.
type Store struct {
	mu    sync.Mutex
	state *state
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

var _ repository.Store = (*Store)(nil)

// WithTx runs fn with exclusive access. fn must use the Queries it receives, not the Store.
func (s *Store) WithTx(ctx context.Context, fn func(q repository.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.begin()
	committed := false
	defer func() {
		if !committed {
			s.state.rollback()
		}
	}()

	if err := fn(s.state); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state.commit()
	committed = true
	return nil
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetDevice(ctx, deviceID)
}

func (s *Store) ListDevices(ctx context.Context) ([]models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ListDevices(ctx)
}

func (s *Store) UpsertDevice(ctx context.Context, device models.Device) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UpsertDevice(ctx, device)
}

func (s *Store) TouchHeartbeat(ctx context.Context, deviceID string, at time.Time, ip string) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.TouchHeartbeat(ctx, deviceID, at, ip)
}

func (s *Store) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.MarkStaleOffline(ctx, cutoff)
}

func (s *Store) GetRelay(ctx context.Context, ref models.RelayRef) (models.Relay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetRelay(ctx, ref)
}

func (s *Store) LockRelay(ctx context.Context, ref models.RelayRef) (models.Relay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LockRelay(ctx, ref)
}

func (s *Store) ListRelays(ctx context.Context, deviceID string) ([]models.Relay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ListRelays(ctx, deviceID)
}

func (s *Store) UpsertRelay(ctx context.Context, relay models.Relay) (models.Relay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UpsertRelay(ctx, relay)
}

func (s *Store) SetRelayEnergized(ctx context.Context, ref models.RelayRef, energized bool, at time.Time) (models.Relay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SetRelayEnergized(ctx, ref, energized, at)
}

func (s *Store) InsertSession(ctx context.Context, session models.Session) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.InsertSession(ctx, session)
}

func (s *Store) GetSession(ctx context.Context, id int64) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetSession(ctx, id)
}

func (s *Store) ActiveSession(ctx context.Context, ref models.RelayRef) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ActiveSession(ctx, ref)
}

func (s *Store) ListSessions(ctx context.Context, filter models.SessionFilter) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ListSessions(ctx, filter)
}

func (s *Store) CompleteSession(ctx context.Context, id int64, c repository.Completion) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CompleteSession(ctx, id, c)
}

func (s *Store) SettleSession(ctx context.Context, id int64, st repository.Settlement) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SettleSession(ctx, id, st)
}

func (s *Store) ListActiveOnOfflineDevices(ctx context.Context, window time.Duration, limit int) ([]repository.OfflineSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ListActiveOnOfflineDevices(ctx, window, limit)
}

func (s *Store) GetPromotion(ctx context.Context, id int64) (models.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetPromotion(ctx, id)
}

func (s *Store) ListPromotions(ctx context.Context) ([]models.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ListPromotions(ctx)
}

func (s *Store) UpsertPromotion(ctx context.Context, p models.Promotion) (models.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UpsertPromotion(ctx, p)
}

// state holds the rows. Its methods assume the caller owns the store mutex.
type state struct {
	devices         map[string]models.Device
	relays          map[models.RelayRef]models.Relay
	sessions        map[int64]models.Session
	active          map[models.RelayRef]int64
	promotions      map[int64]models.Promotion
	nextPromotionID int64

	inTx bool
	undo []func()
}

func newState() *state {
	return &state{
		devices:    make(map[string]models.Device),
		relays:     make(map[models.RelayRef]models.Relay),
		sessions:   make(map[int64]models.Session),
		active:     make(map[models.RelayRef]int64),
		promotions: make(map[int64]models.Promotion),
	}
}

func (st *state) begin() {
	st.inTx = true
	st.undo = st.undo[:0]
}

func (st *state) commit() {
	st.inTx = false
	clear(st.undo)
	st.undo = st.undo[:0]
}

func (st *state) rollback() {
	for i := len(st.undo) - 1; i >= 0; i-- {
		st.undo[i]()
	}
	st.commit()
}

// remember records how to restore m[k] before the caller overwrites or deletes it.
func remember[K comparable, V any](st *state, m map[K]V, k K) {
	if !st.inTx {
		return
	}
	prev, had := m[k]
	st.undo = append(st.undo, func() {
		if had {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

func stamp() time.Time {
	return time.Now().UTC()
}

func (st *state) GetDevice(_ context.Context, deviceID string) (models.Device, error) {
	d, ok := st.devices[deviceID]
	if !ok {
		return models.Device{}, repository.ErrNotFound
	}
	return d, nil
}

func (st *state) ListDevices(_ context.Context) ([]models.Device, error) {
	out := make([]models.Device, 0, len(st.devices))
	for _, d := range st.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *state) UpsertDevice(_ context.Context, device models.Device) (models.Device, error) {
	now := stamp()
	existing, ok := st.devices[device.ID]
	if ok {
		existing.Name = device.Name
		existing.UpdatedAt = now
		remember(st, st.devices, device.ID)
		st.devices[device.ID] = existing
		return existing, nil
	}
	d := models.Device{
		ID:        device.ID,
		Name:      device.Name,
		State:     models.DeviceStateOffline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	remember(st, st.devices, d.ID)
	st.devices[d.ID] = d
	return d, nil
}

func (st *state) TouchHeartbeat(_ context.Context, deviceID string, at time.Time, ip string) (models.Device, error) {
	d, ok := st.devices[deviceID]
	if !ok {
		return models.Device{}, repository.ErrNotFound
	}
	at = at.UTC()
	if d.LastHeartbeat == nil || at.After(*d.LastHeartbeat) {
		d.LastHeartbeat = &at
	}
	if ip != "" {
		d.LastIP = ip
	}
	d.State = models.DeviceStateOnline
	d.UpdatedAt = stamp()
	remember(st, st.devices, deviceID)
	st.devices[deviceID] = d
	return d, nil
}

func (st *state) MarkStaleOffline(_ context.Context, cutoff time.Time) ([]models.Device, error) {
	var changed []models.Device
	for id, d := range st.devices {
		if d.State != models.DeviceStateOnline {
			continue
		}
		if d.LastHeartbeat != nil && d.LastHeartbeat.After(cutoff) {
			continue
		}
		d.State = models.DeviceStateOffline
		d.UpdatedAt = stamp()
		remember(st, st.devices, id)
		st.devices[id] = d
		changed = append(changed, d)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].ID < changed[j].ID })
	return changed, nil
}

func (st *state) GetRelay(_ context.Context, ref models.RelayRef) (models.Relay, error) {
	r, ok := st.relays[ref]
	if !ok {
		return models.Relay{}, repository.ErrNotFound
	}
	return r, nil
}

// LockRelay is a plain read: the store mutex already serializes transactions.
func (st *state) LockRelay(ctx context.Context, ref models.RelayRef) (models.Relay, error) {
	return st.GetRelay(ctx, ref)
}

func (st *state) ListRelays(_ context.Context, deviceID string) ([]models.Relay, error) {
	var out []models.Relay
	for ref, r := range st.relays {
		if ref.DeviceID == deviceID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pin < out[j].Pin })
	return out, nil
}

func (st *state) UpsertRelay(_ context.Context, relay models.Relay) (models.Relay, error) {
	if _, ok := st.devices[relay.DeviceID]; !ok {
		return models.Relay{}, repository.ErrNotFound
	}
	ref := models.RelayRef{DeviceID: relay.DeviceID, Pin: relay.Pin}
	existing, ok := st.relays[ref]
	if !ok {
		existing = models.Relay{DeviceID: relay.DeviceID, Pin: relay.Pin}
	}
	existing.DisplayName = relay.DisplayName
	existing.UpdatedAt = stamp()
	remember(st, st.relays, ref)
	st.relays[ref] = existing
	return existing, nil
}

func (st *state) SetRelayEnergized(_ context.Context, ref models.RelayRef, energized bool, at time.Time) (models.Relay, error) {
	r, ok := st.relays[ref]
	if !ok {
		return models.Relay{}, repository.ErrNotFound
	}
	r.Energized = energized
	r.UpdatedAt = at.UTC()
	remember(st, st.relays, ref)
	st.relays[ref] = r
	return r, nil
}

func (st *state) InsertSession(_ context.Context, session models.Session) (models.Session, error) {
	ref := session.Ref()
	if _, ok := st.relays[ref]; !ok {
		return models.Session{}, repository.ErrNotFound
	}
	if _, busy := st.active[ref]; busy && session.State == models.SessionActive {
		return models.Session{}, repository.ErrConflict
	}
	if _, dup := st.sessions[session.ID]; dup {
		return models.Session{}, repository.ErrConflict
	}
	now := stamp()
	session.StartedAt = session.StartedAt.UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	remember(st, st.sessions, session.ID)
	st.sessions[session.ID] = session
	if session.State == models.SessionActive {
		remember(st, st.active, ref)
		st.active[ref] = session.ID
	}
	return session, nil
}

func (st *state) GetSession(_ context.Context, id int64) (models.Session, error) {
	s, ok := st.sessions[id]
	if !ok {
		return models.Session{}, repository.ErrNotFound
	}
	return s, nil
}

func (st *state) ActiveSession(_ context.Context, ref models.RelayRef) (models.Session, error) {
	id, ok := st.active[ref]
	if !ok {
		return models.Session{}, repository.ErrNotFound
	}
	return st.sessions[id], nil
}

func (st *state) ListSessions(_ context.Context, filter models.SessionFilter) ([]models.Session, error) {
	var out []models.Session
	for _, s := range st.sessions {
		if filter.DeviceID != "" && s.DeviceID != filter.DeviceID {
			continue
		}
		if filter.Pin != nil && s.Pin != *filter.Pin {
			continue
		}
		if filter.State != "" && s.State != filter.State {
			continue
		}
		if filter.Mode != "" && s.Mode != filter.Mode {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *state) CompleteSession(_ context.Context, id int64, c repository.Completion) (models.Session, error) {
	s, ok := st.sessions[id]
	if !ok {
		return models.Session{}, repository.ErrNotFound
	}
	if s.State != models.SessionActive {
		return models.Session{}, repository.ErrStaleState
	}
	endedAt := c.EndedAt.UTC()
	cost := c.Cost
	s.State = models.SessionCompleted
	s.EndedAt = &endedAt
	s.ComputedCost = &cost
	s.EndReason = c.Reason
	s.UpdatedAt = stamp()
	remember(st, st.sessions, id)
	st.sessions[id] = s
	remember(st, st.active, s.Ref())
	delete(st.active, s.Ref())
	return s, nil
}

func (st *state) SettleSession(_ context.Context, id int64, in repository.Settlement) (models.Session, error) {
	s, ok := st.sessions[id]
	if !ok {
		return models.Session{}, repository.ErrNotFound
	}
	if s.State != models.SessionCompleted {
		return models.Session{}, repository.ErrStaleState
	}
	discount := in.Discount
	after := in.CostAfterDiscount
	paidAt := in.PaidAt.UTC()
	s.State = models.SessionPaid
	if in.PromotionID != nil {
		promotionID := *in.PromotionID
		s.SettledPromotionID = &promotionID
	}
	s.Discount = &discount
	s.CostAfterDiscount = &after
	s.PaidAt = &paidAt
	s.UpdatedAt = stamp()
	remember(st, st.sessions, id)
	st.sessions[id] = s
	return s, nil
}

func (st *state) ListActiveOnOfflineDevices(_ context.Context, window time.Duration, limit int) ([]repository.OfflineSession, error) {
	var out []repository.OfflineSession
	for _, id := range st.active {
		s := st.sessions[id]
		d, ok := st.devices[s.DeviceID]
		if !ok || d.State != models.DeviceStateOffline || d.LastHeartbeat == nil {
			continue
		}
		if !s.StartedAt.Before(d.LastHeartbeat.Add(window)) {
			continue
		}
		out = append(out, repository.OfflineSession{Session: s, LastHeartbeat: d.LastHeartbeat})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Session, out[j].Session
		if a.StartedAt.Equal(b.StartedAt) {
			return a.ID < b.ID
		}
		return a.StartedAt.Before(b.StartedAt)
	})
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *state) GetPromotion(_ context.Context, id int64) (models.Promotion, error) {
	p, ok := st.promotions[id]
	if !ok {
		return models.Promotion{}, repository.ErrNotFound
	}
	return p, nil
}

func (st *state) ListPromotions(_ context.Context) ([]models.Promotion, error) {
	out := make([]models.Promotion, 0, len(st.promotions))
	for _, p := range st.promotions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *state) UpsertPromotion(_ context.Context, p models.Promotion) (models.Promotion, error) {
	now := stamp()
	if st.inTx {
		prevNext := st.nextPromotionID
		st.undo = append(st.undo, func() { st.nextPromotionID = prevNext })
	}
	if p.ID == 0 {
		st.nextPromotionID++
		p.ID = st.nextPromotionID
	} else if p.ID > st.nextPromotionID {
		st.nextPromotionID = p.ID
	}
	if existing, ok := st.promotions[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	remember(st, st.promotions, p.ID)
	st.promotions[p.ID] = p
	return p, nil
}
