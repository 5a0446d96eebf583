// Package actuator switches physical relays. The billing engine only sees
// SetRelay; which transport carries the command is chosen by configuration.
package actuator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Driver names accepted in Options.Driver.
const (
	DriverPoll   = "poll"
	DriverMQTT   = "mqtt"
	DriverGPIO   = "gpio"
	DriverModbus = "modbus"
)

// Driver switches relays and releases its transport on Close.
type Driver interface {
	SetRelay(ctx context.Context, deviceID string, pin int, on bool) error
	Close() error
}

// Options selects and configures a driver.
type Options struct {
	Driver string
	MQTT   MQTTOptions
	GPIO   GPIOOptions
	Modbus ModbusOptions
}

// New opens the configured driver.
func New(opts Options, logger *zap.Logger) (Driver, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		driver = DriverPoll
	}
	logger = logger.Named("actuator").With(zap.String("driver", driver))

	switch driver {
	case DriverPoll:
		return Poll{}, nil
	case DriverMQTT:
		return NewMQTT(opts.MQTT, logger)
	case DriverGPIO:
		return NewGPIO(opts.GPIO, logger)
	case DriverModbus:
		return NewModbus(opts.Modbus, logger)
	default:
		return nil, fmt.Errorf("actuator: unknown driver %q", opts.Driver)
	}
}

// Poll leaves actuation to the devices: they read the desired state from
// GET /api/relays on every poll, so there is nothing to push.
type Poll struct{}

func (Poll) SetRelay(ctx context.Context, _ string, _ int, _ bool) error {
	return ctx.Err()
}

func (Poll) Close() error { return nil }
