//go:build !linux

package actuator

import "errors"

// GPIO is not available on non-Linux platforms.
type GPIO struct{}

// NewGPIO returns an error on non-Linux platforms.
func NewGPIO(chip string, line int, activeLow bool) (*GPIO, error) {
	return nil, errors.New("actuator: gpio not supported on this platform (requires Linux)")
}

// Set is not implemented on non-Linux platforms.
func (g *GPIO) Set(engaged bool) error {
	return errors.New("actuator: gpio not supported")
}

// Close is not implemented on non-Linux platforms.
func (g *GPIO) Close() error {
	return nil
}
