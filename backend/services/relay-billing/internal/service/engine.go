package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"relayrent/backend/services/relay-billing/internal/clock"
	"relayrent/backend/services/relay-billing/internal/events"
	"relayrent/backend/services/relay-billing/internal/metrics"
	"relayrent/backend/services/relay-billing/internal/models"
	"relayrent/backend/services/relay-billing/internal/promotion"
	"relayrent/backend/services/relay-billing/internal/repository"
)

// EngineDeps wires the billing engine. Cache, Events and Metrics are optional.
type EngineDeps struct {
	Store           repository.Store
	Actuator        Actuator
	Cache           ActiveSessionCache
	Events          events.Publisher
	Metrics         *metrics.Metrics
	Clock           clock.Clock
	IDs             IDGenerator
	Logger          *zap.Logger
	LivenessWindow  time.Duration
	RequireOnline   bool
	ActuatorTimeout time.Duration
}

// Engine runs the billing session state machine: active -> completed -> paid.
// Every transition on a relay happens under that relay's row lock.
type Engine struct {
	store           repository.Store
	actuator        Actuator
	cache           ActiveSessionCache
	events          events.Publisher
	metrics         *metrics.Metrics
	clock           clock.Clock
	ids             IDGenerator
	logger          *zap.Logger
	window          time.Duration
	requireOnline   bool
	actuatorTimeout time.Duration
}

// StartInput opens a session on a relay.
type StartInput struct {
	DeviceID        string
	Pin             int
	CustomerName    string
	Mode            models.BillingMode
	HourlyRate      int64
	PlannedDuration *time.Duration
	PromotionID     *int64
}

// StopInput closes the active session on a relay. The hints are what the client
// displayed; they never change the computed cost.
type StopInput struct {
	DeviceID     string
	Pin          int
	CostHint     *int64
	DurationHint *int64
}

// NewEngine builds the billing engine.
func NewEngine(deps EngineDeps) (*Engine, error) {
	if deps.Store == nil || deps.Clock == nil || deps.IDs == nil || deps.Logger == nil {
		return nil, errors.New("billing: store, clock, ids and logger are required")
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.LivenessWindow <= 0 {
		deps.LivenessWindow = DefaultLivenessWindow
	}
	return &Engine{
		store:           deps.Store,
		actuator:        deps.Actuator,
		cache:           deps.Cache,
		events:          deps.Events,
		metrics:         deps.Metrics,
		clock:           deps.Clock,
		ids:             deps.IDs,
		logger:          deps.Logger.Named("billing"),
		window:          deps.LivenessWindow,
		requireOnline:   deps.RequireOnline,
		actuatorTimeout: deps.ActuatorTimeout,
	}, nil
}

// Start creates an active session and energizes the relay. Either both happen or
// neither does: an actuation failure rolls the session back.
func (e *Engine) Start(ctx context.Context, in StartInput) (models.Session, error) {
	if err := validateStart(in); err != nil {
		return models.Session{}, err
	}
	ref := models.RelayRef{DeviceID: in.DeviceID, Pin: in.Pin}

	var created models.Session
	err := e.store.WithTx(ctx, func(q repository.Queries) error {
		if _, err := q.LockRelay(ctx, ref); err != nil {
			return notFound(err, "relay %s/%d", ref.DeviceID, ref.Pin)
		}
		if in.PromotionID != nil {
			if _, err := q.GetPromotion(ctx, *in.PromotionID); err != nil {
				return notFound(err, "promotion %d", *in.PromotionID)
			}
		}

		existing, err := q.ActiveSession(ctx, ref)
		if err == nil {
			return fmt.Errorf("%w: session %d is active on %s/%d", ErrRelayBusy, existing.ID, ref.DeviceID, ref.Pin)
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		now := e.clock.Now()
		if e.requireOnline {
			device, err := q.GetDevice(ctx, ref.DeviceID)
			if err != nil {
				return notFound(err, "device %s", ref.DeviceID)
			}
			if !device.OnlineAt(now, e.window) {
				return fmt.Errorf("%w: device %s is offline", ErrPhysicalControl, ref.DeviceID)
			}
		}

		created, err = q.InsertSession(ctx, models.Session{
			ID:              e.ids(),
			DeviceID:        ref.DeviceID,
			Pin:             ref.Pin,
			PromotionID:     in.PromotionID,
			CustomerName:    in.CustomerName,
			Mode:            in.Mode,
			State:           models.SessionActive,
			HourlyRate:      in.HourlyRate,
			PlannedDuration: in.PlannedDuration,
			StartedAt:       now,
		})
		if err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return fmt.Errorf("%w: %s/%d", ErrRelayBusy, ref.DeviceID, ref.Pin)
			}
			return err
		}
		if _, err := q.SetRelayEnergized(ctx, ref, true, now); err != nil {
			return err
		}
		return actuate(ctx, e.actuator, e.actuatorTimeout, e.metrics, e.logger, ref.DeviceID, ref.Pin, true)
	})
	if err != nil {
		return models.Session{}, err
	}

	if e.cache != nil {
		if err := e.cache.Save(ctx, created); err != nil {
			e.logger.Warn("failed to cache active session", zap.Int64("session_id", created.ID), zap.Error(err))
		}
	}
	e.metrics.SessionStarted(string(created.Mode))
	e.publish(events.SessionStarted, created)
	e.logger.Info("session started",
		zap.Int64("session_id", created.ID),
		zap.String("device_id", created.DeviceID),
		zap.Int("pin", created.Pin),
		zap.String("mode", string(created.Mode)),
		zap.Int64("hourly_rate", created.HourlyRate),
	)
	return created, nil
}

// Stop completes the active session on a relay and de-energizes it. When the relay
// cannot be switched off the completed session is still returned, with ErrPhysicalControl.
func (e *Engine) Stop(ctx context.Context, in StopInput) (models.Session, error) {
	ref := models.RelayRef{DeviceID: in.DeviceID, Pin: in.Pin}
	pick := func(q repository.Queries) (models.Session, error) {
		s, err := q.ActiveSession(ctx, ref)
		if errors.Is(err, repository.ErrNotFound) {
			return models.Session{}, fmt.Errorf("%w: %s/%d", ErrNoActiveSession, ref.DeviceID, ref.Pin)
		}
		return s, err
	}
	plan := func(s models.Session, now time.Time) (repository.Completion, bool) {
		return stopCompletion(s, now, models.EndReasonStopped), true
	}

	done, _, err := e.finish(ctx, ref, pick, plan)
	if done.ID != 0 && done.ComputedCost != nil {
		e.checkHints(done, in)
	}
	return done, err
}

// ExpireIfDue completes a fixed-duration session whose planned time has elapsed,
// billing exactly the planned duration. Sessions that are not due, not fixed-duration
// or no longer active are returned unchanged with expired=false.
func (e *Engine) ExpireIfDue(ctx context.Context, sessionID int64) (models.Session, bool, error) {
	current, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, false, notFound(err, "session %d", sessionID)
	}
	if !isDue(current, e.clock.Now()) {
		return current, false, nil
	}

	pick := e.pickByID(ctx, sessionID)
	plan := func(s models.Session, now time.Time) (repository.Completion, bool) {
		if !isDue(s, now) {
			return repository.Completion{}, false
		}
		return stopCompletion(s, now, models.EndReasonExpired), true
	}
	return e.finish(ctx, current.Ref(), pick, plan)
}

// ForceStopOffline completes an active session whose device went offline, billing
// usage up to cutoff (the device's last heartbeat). A nil cutoff bills nothing.
func (e *Engine) ForceStopOffline(ctx context.Context, sessionID int64, cutoff *time.Time) (models.Session, bool, error) {
	current, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, false, notFound(err, "session %d", sessionID)
	}
	if current.State != models.SessionActive {
		return current, false, nil
	}

	pick := e.pickByID(ctx, sessionID)
	plan := func(s models.Session, _ time.Time) (repository.Completion, bool) {
		if s.State != models.SessionActive {
			return repository.Completion{}, false
		}
		return offlineCompletion(s, cutoff), true
	}
	return e.finish(ctx, current.Ref(), pick, plan)
}

// SettlePayment applies an optional promotion to a completed session and marks it paid.
// The promotion is chosen at settlement and may differ from the one given at start.
func (e *Engine) SettlePayment(ctx context.Context, sessionID int64, promotionID *int64) (models.Session, error) {
	var paid models.Session
	err := e.store.WithTx(ctx, func(q repository.Queries) error {
		s, err := q.GetSession(ctx, sessionID)
		if err != nil {
			return notFound(err, "session %d", sessionID)
		}
		if err := ensureCanSettle(s); err != nil {
			return err
		}

		var promo *models.Promotion
		if promotionID != nil {
			p, err := q.GetPromotion(ctx, *promotionID)
			if err != nil {
				return notFound(err, "promotion %d", *promotionID)
			}
			promo = &p
		}

		discount, charged := promotion.Apply(promo, *s.ComputedCost, durationMinutes(s), s.HourlyRate)
		paid, err = q.SettleSession(ctx, s.ID, repository.Settlement{
			PromotionID:       promotionID,
			Discount:          discount,
			CostAfterDiscount: charged,
			PaidAt:            e.clock.Now(),
		})
		if errors.Is(err, repository.ErrStaleState) {
			return fmt.Errorf("%w: session %d was settled concurrently", ErrInvalidState, s.ID)
		}
		return err
	})
	if err != nil {
		return models.Session{}, err
	}

	e.metrics.SessionPaid()
	e.publish(events.SessionPaid, paid)
	e.logger.Info("session paid",
		zap.Int64("session_id", paid.ID),
		zap.Int64p("computed_cost", paid.ComputedCost),
		zap.Int64p("discount", paid.Discount),
		zap.Int64p("cost_after_discount", paid.CostAfterDiscount),
	)
	return paid, nil
}

// Active returns the active session on a relay, or nil. The cache is consulted first.
func (e *Engine) Active(ctx context.Context, ref models.RelayRef) (*models.Session, error) {
	if e.cache != nil {
		cached, found, err := e.cache.Get(ctx, ref)
		if err != nil {
			e.logger.Warn("active session cache read failed", zap.String("device_id", ref.DeviceID), zap.Int("pin", ref.Pin), zap.Error(err))
		} else if found {
			return &cached, nil
		}
	}

	if _, err := e.store.GetRelay(ctx, ref); err != nil {
		return nil, notFound(err, "relay %s/%d", ref.DeviceID, ref.Pin)
	}
	s, err := e.store.ActiveSession(ctx, ref)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.Save(ctx, s); err != nil {
			e.logger.Warn("failed to cache active session", zap.Int64("session_id", s.ID), zap.Error(err))
		}
	}
	return &s, nil
}

// Get returns a session by id.
func (e *Engine) Get(ctx context.Context, sessionID int64) (models.Session, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, notFound(err, "session %d", sessionID)
	}
	return s, nil
}

// List returns sessions matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter models.SessionFilter) ([]models.Session, error) {
	return e.store.ListSessions(ctx, filter)
}

// sweepBatch caps how many sessions one sweep considers; the rest wait for the next tick.
const sweepBatch = 1000

// ActiveFixed returns active fixed-duration sessions, the candidates for expiry.
func (e *Engine) ActiveFixed(ctx context.Context) ([]models.Session, error) {
	return e.store.ListSessions(ctx, models.SessionFilter{
		State: models.SessionActive,
		Mode:  models.ModeFixedDuration,
		Limit: sweepBatch,
	})
}

// Stranded is an active session on an offline device and the cutoff it is billed to.
type Stranded struct {
	Session models.Session
	Cutoff  *time.Time
}

// StrandedOffline returns the active sessions left on devices stored offline, each with
// its device's last heartbeat as cutoff. It reads the stored device state rather than
// the latest offline transition, so a session whose force-stop failed is found again on
// the next sweep. Sessions opened while the device was already silent (possible with
// requireOnline off) are not included.
func (e *Engine) StrandedOffline(ctx context.Context) ([]Stranded, error) {
	rows, err := e.store.ListActiveOnOfflineDevices(ctx, e.window, sweepBatch)
	if err != nil {
		return nil, fmt.Errorf("list sessions on offline devices: %w", err)
	}
	out := make([]Stranded, 0, len(rows))
	for _, row := range rows {
		out = append(out, Stranded{Session: row.Session, Cutoff: row.LastHeartbeat})
	}
	return out, nil
}

func (e *Engine) pickByID(ctx context.Context, sessionID int64) func(q repository.Queries) (models.Session, error) {
	return func(q repository.Queries) (models.Session, error) {
		s, err := q.GetSession(ctx, sessionID)
		if err != nil {
			return models.Session{}, notFound(err, "session %d", sessionID)
		}
		return s, nil
	}
}

// finish runs one active -> completed transition on ref. pick selects the session
// under the relay lock and plan prices it (or declines). The relay is switched off
// after commit, so a physical failure never undoes the billing record.
func (e *Engine) finish(
	ctx context.Context,
	ref models.RelayRef,
	pick func(q repository.Queries) (models.Session, error),
	plan func(s models.Session, now time.Time) (repository.Completion, bool),
) (models.Session, bool, error) {
	var (
		result  models.Session
		changed bool
	)
	err := e.store.WithTx(ctx, func(q repository.Queries) error {
		if _, err := q.LockRelay(ctx, ref); err != nil {
			return notFound(err, "relay %s/%d", ref.DeviceID, ref.Pin)
		}
		s, err := pick(q)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		completion, ok := plan(s, now)
		if !ok {
			result = s
			return nil
		}

		result, err = q.CompleteSession(ctx, s.ID, completion)
		if errors.Is(err, repository.ErrStaleState) {
			return fmt.Errorf("%w: session %d already ended", ErrNoActiveSession, s.ID)
		}
		if err != nil {
			return err
		}
		if _, err := q.SetRelayEnergized(ctx, ref, false, now); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return models.Session{}, false, err
	}
	if !changed {
		return result, false, nil
	}

	e.afterComplete(ctx, result)
	if err := actuate(ctx, e.actuator, e.actuatorTimeout, e.metrics, e.logger, ref.DeviceID, ref.Pin, false); err != nil {
		return result, true, err
	}
	return result, true, nil
}

func (e *Engine) afterComplete(ctx context.Context, s models.Session) {
	if e.cache != nil {
		if err := e.cache.Delete(ctx, s.Ref()); err != nil {
			e.logger.Warn("failed to delete active session cache", zap.Int64("session_id", s.ID), zap.Error(err))
		}
	}
	var cost int64
	if s.ComputedCost != nil {
		cost = *s.ComputedCost
	}
	e.metrics.SessionCompleted(string(s.Mode), s.EndReason, cost)
	e.publish(events.SessionCompleted, s)
	e.logger.Info("session completed",
		zap.Int64("session_id", s.ID),
		zap.String("device_id", s.DeviceID),
		zap.Int("pin", s.Pin),
		zap.String("reason", s.EndReason),
		zap.Int64("computed_cost", cost),
	)
}

func (e *Engine) checkHints(s models.Session, in StopInput) {
	if in.CostHint != nil && *in.CostHint != *s.ComputedCost {
		e.logger.Debug("client cost hint differs from computed cost",
			zap.Int64("session_id", s.ID),
			zap.Int64("hint", *in.CostHint),
			zap.Int64("computed", *s.ComputedCost),
		)
	}
	if in.DurationHint != nil && s.EndedAt != nil {
		if actual := ElapsedSeconds(s.StartedAt, *s.EndedAt); *in.DurationHint != actual {
			e.logger.Debug("client duration hint differs from billed duration",
				zap.Int64("session_id", s.ID),
				zap.Int64("hint_seconds", *in.DurationHint),
				zap.Int64("billed_seconds", actual),
			)
		}
	}
}

func (e *Engine) publish(eventType string, data interface{}) {
	e.events.Publish(events.Event{Type: eventType, At: e.clock.Now(), Data: data})
}
