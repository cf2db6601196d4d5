//go:build linux

package actuator

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIO drives an output line. With ActiveLow, engaged drives the line to 0.
type GPIO struct {
	chip      *gpiocdev.Chip
	line      *gpiocdev.Line
	activeLow bool
}

// NewGPIO requests line on chip as an output in the released state.
func NewGPIO(chip string, line int, activeLow bool) (*GPIO, error) {
	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	g := &GPIO{chip: c, activeLow: activeLow}
	l, err := c.RequestLine(line, gpiocdev.AsOutput(g.value(false)))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("request actuator pin %d: %w", line, err)
	}
	g.line = l
	return g, nil
}

func (g *GPIO) value(engaged bool) int {
	if engaged != g.activeLow {
		return 1
	}
	return 0
}

// Set drives the line.
func (g *GPIO) Set(engaged bool) error {
	if err := g.line.SetValue(g.value(engaged)); err != nil {
		return fmt.Errorf("set actuator: %w", err)
	}
	return nil
}

// Close releases the output, then reconfigures the line as an input with
// pull-down (the Pi boot default) before closing it.
func (g *GPIO) Close() error {
	var errs []error
	if g.line != nil {
		if err := g.line.SetValue(g.value(false)); err != nil {
			errs = append(errs, fmt.Errorf("release actuator: %w", err))
		}
		if err := g.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure actuator pin: %w", err))
		}
		if err := g.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close actuator pin: %w", err))
		}
		g.line = nil
	}
	if g.chip != nil {
		if err := g.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		g.chip = nil
	}
	return errors.Join(errs...)
}
