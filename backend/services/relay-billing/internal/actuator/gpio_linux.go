//go:build linux

package actuator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/zap"
)

// GPIO drives relay boards wired straight to a local GPIO chip. It serves one
// device id, the box the service itself runs on.
type GPIO struct {
	mu        sync.Mutex
	chip      *gpiocdev.Chip
	lines     map[int]*gpiocdev.Line
	deviceID  string
	activeLow bool
	logger    *zap.Logger
}

// NewGPIO requests every configured pin as an output, initially de-energized.
func NewGPIO(opts GPIOOptions, logger *zap.Logger) (*GPIO, error) {
	if opts.DeviceID == "" {
		return nil, errors.New("actuator: gpio device id is required")
	}
	if opts.Chip == "" {
		opts.Chip = defaultGPIOChip
	}

	chip, err := gpiocdev.NewChip(opts.Chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	g := &GPIO{
		chip:      chip,
		lines:     make(map[int]*gpiocdev.Line, len(opts.Pins)),
		deviceID:  opts.DeviceID,
		activeLow: opts.ActiveLow,
		logger:    logger,
	}
	for _, pin := range opts.Pins {
		line, err := chip.RequestLine(pin, gpiocdev.AsOutput(lineValue(false, opts.ActiveLow)))
		if err != nil {
			closeErr := g.Close()
			return nil, errors.Join(fmt.Errorf("request pin %d: %w", pin, err), closeErr)
		}
		g.lines[pin] = line
	}
	return g, nil
}

// SetRelay sets the output line for pin.
func (g *GPIO) SetRelay(ctx context.Context, deviceID string, pin int, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deviceID != g.deviceID {
		return fmt.Errorf("gpio driver serves %s, not %s", g.deviceID, deviceID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	line, ok := g.lines[pin]
	if !ok {
		return fmt.Errorf("gpio pin %d is not configured", pin)
	}
	if err := line.SetValue(lineValue(on, g.activeLow)); err != nil {
		return fmt.Errorf("set pin %d: %w", pin, err)
	}
	return nil
}

// Close switches every line off and releases the chip.
func (g *GPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for pin, line := range g.lines {
		if err := line.SetValue(lineValue(false, g.activeLow)); err != nil {
			errs = append(errs, fmt.Errorf("reset pin %d: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
	}
	g.lines = map[int]*gpiocdev.Line{}
	if g.chip != nil {
		if err := g.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		g.chip = nil
	}
	return errors.Join(errs...)
}
