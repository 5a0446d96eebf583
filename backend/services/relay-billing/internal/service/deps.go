package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"relayrent/backend/services/relay-billing/internal/metrics"
	"relayrent/backend/services/relay-billing/internal/models"
)

// Actuator switches a physical relay.
type Actuator interface {
	SetRelay(ctx context.Context, deviceID string, pin int, on bool) error
}

// ActiveSessionCache is a read-through cache of active sessions keyed by relay.
type ActiveSessionCache interface {
	Save(ctx context.Context, session models.Session) error
	Get(ctx context.Context, ref models.RelayRef) (models.Session, bool, error)
	Delete(ctx context.Context, ref models.RelayRef) error
}

// IDGenerator returns a new unique session id.
type IDGenerator func() int64

const defaultActuatorTimeout = 5 * time.Second

// actuate performs one bounded attempt to switch the relay. Failures are counted and
// wrapped in ErrPhysicalControl; the caller decides whether state is kept.
func actuate(ctx context.Context, a Actuator, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger, deviceID string, pin int, on bool) error {
	if a == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultActuatorTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.SetRelay(ctx, deviceID, pin, on); err != nil {
		op := "off"
		if on {
			op = "on"
		}
		m.PhysicalFailure(op)
		logger.Error("relay actuation failed",
			zap.String("device_id", deviceID),
			zap.Int("pin", pin),
			zap.Bool("energize", on),
			zap.Error(err),
		)
		return fmt.Errorf("%w: set %s/%d %s: %v", ErrPhysicalControl, deviceID, pin, op, err)
	}
	return nil
}
