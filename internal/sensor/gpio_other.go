//go:build !linux

package sensor

import "errors"

// GPIOReader is not available on non-Linux platforms.
type GPIOReader struct{}

// NewGPIOReader returns an error on non-Linux platforms.
func NewGPIOReader(chip string, channels []Channel) (*GPIOReader, error) {
	return nil, errors.New("sensor: gpio not supported on this platform (requires Linux)")
}

// ReadRaw is not implemented on non-Linux platforms.
func (r *GPIOReader) ReadRaw(channelID string) (int, error) {
	return 0, errors.New("sensor: gpio not supported")
}

// Close is not implemented on non-Linux platforms.
func (r *GPIOReader) Close() error {
	return nil
}
