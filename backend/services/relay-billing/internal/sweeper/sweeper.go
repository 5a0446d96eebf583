// Package sweeper runs the periodic reconciliation jobs: flipping silent devices
// offline (and force-stopping their sessions) and expiring fixed-duration sessions.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"relayrent/backend/services/relay-billing/internal/clock"
	"relayrent/backend/services/relay-billing/internal/metrics"
	"relayrent/backend/services/relay-billing/internal/models"
	"relayrent/backend/services/relay-billing/internal/service"
)

// Job names, used for locks, metrics and logs.
const (
	JobLiveness = "liveness"
	JobExpiry   = "expiry"
)

const (
	defaultLivenessInterval = 30 * time.Second
	defaultExpiryInterval   = time.Second
	defaultJobTimeout       = 30 * time.Second
	lockKeyPrefix           = "relay-billing:sweeper:"
)

// Locker is a distributed try-lock shared by replicas.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// Config sets job cadence.
type Config struct {
	LivenessInterval time.Duration
	ExpiryInterval   time.Duration
	JobTimeout       time.Duration
}

// Sweeper owns the two jobs. Each job runs at most once at a time: a tick that finds
// the previous run still going is skipped, not queued.
type Sweeper struct {
	registry *service.Registry
	engine   *service.Engine
	locker   Locker
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config

	livenessMu sync.Mutex
	expiryMu   sync.Mutex
}

// Closed is one session ended by a sweep.
type Closed struct {
	SessionID     int64      `json:"session_id"`
	DeviceID      string     `json:"device_id"`
	Pin           int        `json:"pin"`
	Reason        string     `json:"reason"`
	ComputedCost  *int64     `json:"computed_cost"`
	EndedAt       *time.Time `json:"ended_at"`
	PhysicalError string     `json:"physical_error,omitempty"`
}

// Report summarizes one Tick.
type Report struct {
	Expired        []Closed `json:"expired"`
	OfflineDevices []string `json:"offline_devices"`
	Skipped        []string `json:"skipped_jobs"`
}

// New builds a sweeper. locker may be nil for a single replica.
func New(registry *service.Registry, engine *service.Engine, locker Locker, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Sweeper {
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = defaultLivenessInterval
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = defaultExpiryInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	return &Sweeper{
		registry: registry,
		engine:   engine,
		locker:   locker,
		clock:    clk,
		metrics:  m,
		logger:   logger.Named("sweeper"),
		cfg:      cfg,
	}
}

// Tick runs the liveness job and then the expiry job once.
func (s *Sweeper) Tick(ctx context.Context) (Report, error) {
	var report Report

	offline, closed, ran, livenessErr := s.Liveness(ctx)
	if !ran {
		report.Skipped = append(report.Skipped, JobLiveness)
	}
	report.OfflineDevices = offline
	report.Expired = append(report.Expired, closed...)

	expired, ran, expiryErr := s.Expiry(ctx)
	if !ran {
		report.Skipped = append(report.Skipped, JobExpiry)
	}
	report.Expired = append(report.Expired, expired...)

	return report, errors.Join(livenessErr, expiryErr)
}

// Liveness flips silent devices offline and force-stops every active session still
// left on an offline device, billing each up to the device's last heartbeat. Sessions
// whose force-stop failed on an earlier run are retried. ran is false when skipped.
func (s *Sweeper) Liveness(ctx context.Context) (offline []string, closed []Closed, ran bool, err error) {
	ran, err = s.runJob(ctx, JobLiveness, &s.livenessMu, func(ctx context.Context) error {
		devices, err := s.registry.SweepOffline(ctx)
		if err != nil {
			return err
		}
		for _, device := range devices {
			offline = append(offline, device.ID)
		}

		stranded, err := s.engine.StrandedOffline(ctx)
		if err != nil {
			return err
		}
		var jobErr error
		for _, st := range stranded {
			done, changed, err := s.engine.ForceStopOffline(ctx, st.Session.ID, st.Cutoff)
			c, keep, err := s.record(st.Session, done, changed, err)
			jobErr = errors.Join(jobErr, err)
			if keep {
				closed = append(closed, c)
			}
		}
		return jobErr
	})
	return offline, closed, ran, err
}

// Expiry completes every due fixed-duration session. ran is false when skipped.
func (s *Sweeper) Expiry(ctx context.Context) (expired []Closed, ran bool, err error) {
	ran, err = s.runJob(ctx, JobExpiry, &s.expiryMu, func(ctx context.Context) error {
		sessions, err := s.engine.ActiveFixed(ctx)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		var jobErr error
		for _, session := range sessions {
			if due, ok := session.DueAt(); !ok || now.Before(due) {
				continue
			}
			done, changed, err := s.engine.ExpireIfDue(ctx, session.ID)
			c, keep, err := s.record(session, done, changed, err)
			jobErr = errors.Join(jobErr, err)
			if keep {
				expired = append(expired, c)
			}
		}
		return jobErr
	})
	return expired, ran, err
}

// record turns one per-session outcome into a report row and a job error. A physical
// failure still closed the session, so it is reported and logged but not returned.
func (s *Sweeper) record(candidate, done models.Session, changed bool, err error) (Closed, bool, error) {
	log := s.logger.With(
		zap.Int64("session_id", candidate.ID),
		zap.String("device_id", candidate.DeviceID),
		zap.Int("pin", candidate.Pin),
	)
	switch {
	case err == nil:
		if !changed {
			return Closed{}, false, nil
		}
		return closedFrom(done, ""), true, nil
	case errors.Is(err, service.ErrNoActiveSession):
		log.Debug("session already ended", zap.Error(err))
		return Closed{}, false, nil
	case errors.Is(err, service.ErrPhysicalControl) && changed:
		log.Error("session closed but relay did not switch off", zap.Error(err))
		return closedFrom(done, err.Error()), true, nil
	default:
		log.Error("failed to close session", zap.Error(err))
		return Closed{}, false, fmt.Errorf("session %d: %w", candidate.ID, err)
	}
}

func closedFrom(s models.Session, physicalErr string) Closed {
	return Closed{
		SessionID:     s.ID,
		DeviceID:      s.DeviceID,
		Pin:           s.Pin,
		Reason:        s.EndReason,
		ComputedCost:  s.ComputedCost,
		EndedAt:       s.EndedAt,
		PhysicalError: physicalErr,
	}
}

func (s *Sweeper) runJob(parent context.Context, name string, local *sync.Mutex, fn func(ctx context.Context) error) (bool, error) {
	if !local.TryLock() {
		s.metrics.SweepSkipped(name)
		return false, nil
	}
	defer local.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	if s.locker != nil {
		key := lockKeyPrefix + name
		token, ok, err := s.locker.TryLock(ctx, key, s.cfg.JobTimeout)
		if err != nil {
			// redis unavailable: fall back to the local lock
			s.logger.Warn("distributed lock unavailable, running with local lock only", zap.String("job", name), zap.Error(err))
		} else if !ok {
			s.metrics.SweepSkipped(name)
			return false, nil
		} else {
			defer func() {
				if err := s.locker.Release(context.Background(), key, token); err != nil {
					s.logger.Warn("failed to release sweeper lock", zap.String("job", name), zap.Error(err))
				}
			}()
		}
	}

	start := time.Now()
	err := fn(ctx)
	s.metrics.ObserveSweep(name, time.Since(start), err)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("sweep job timed out", zap.String("job", name), zap.Duration("timeout", s.cfg.JobTimeout), zap.Error(err))
	}
	return true, fmt.Errorf("%s: %w", name, err)
}

// Run drives both jobs until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, JobLiveness, s.cfg.LivenessInterval, func(ctx context.Context) error {
			_, _, _, err := s.Liveness(ctx)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, JobExpiry, s.cfg.ExpiryInterval, func(ctx context.Context) error {
			_, _, err := s.Expiry(ctx)
			return err
		})
	}()
	s.logger.Info("sweeper started",
		zap.Duration("liveness_interval", s.cfg.LivenessInterval),
		zap.Duration("expiry_interval", s.cfg.ExpiryInterval),
	)
	wg.Wait()
	return nil
}

func (s *Sweeper) loop(ctx context.Context, name string, interval time.Duration, run func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("sweep run failed", zap.String("job", name), zap.Error(err))
		}
	}
}
