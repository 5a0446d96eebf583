//go:build !linux

package actuator

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// GPIO is not available on non-Linux platforms.
type GPIO struct{}

// NewGPIO returns an error on non-Linux platforms.
func NewGPIO(GPIOOptions, *zap.Logger) (*GPIO, error) {
	return nil, errors.New("actuator: gpio requires linux")
}

func (*GPIO) SetRelay(context.Context, string, int, bool) error {
	return errors.New("actuator: gpio not supported")
}

func (*GPIO) Close() error { return nil }
