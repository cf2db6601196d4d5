//go:build linux

package sensor

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOReader reads digital hazard outputs (e.g. a flame module's DO pin)
// from the Linux GPIO character device.
type GPIOReader struct {
	chip  *gpiocdev.Chip
	lines map[string]*gpiocdev.Line
	chans map[string]Channel
}

// NewGPIOReader requests every channel's line as an input.
func NewGPIOReader(chip string, channels []Channel) (*GPIOReader, error) {
	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	r := &GPIOReader{
		chip:  c,
		lines: make(map[string]*gpiocdev.Line, len(channels)),
		chans: make(map[string]Channel, len(channels)),
	}
	for _, ch := range channels {
		// Pull-down matches the Pi boot default for these pins.
		l, err := c.RequestLine(ch.Line, gpiocdev.AsInput, gpiocdev.WithPullDown)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("request %s pin %d: %w", ch.ID, ch.Line, err)
		}
		r.lines[ch.ID] = l
		r.chans[ch.ID] = ch
	}
	return r, nil
}

// ReadRaw maps the line value to the channel's Low or High raw value.
func (r *GPIOReader) ReadRaw(channelID string) (int, error) {
	l, ok := r.lines[channelID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, channelID)
	}
	v, err := l.Value()
	if err != nil {
		return 0, fmt.Errorf("read %s pin: %w", channelID, err)
	}
	ch := r.chans[channelID]
	if v == 0 {
		return ch.Low, nil
	}
	return ch.High, nil
}

// Close releases the lines and the chip.
func (r *GPIOReader) Close() error {
	var errs []error
	for id, l := range r.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", id, err))
		}
	}
	r.lines = nil
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		r.chip = nil
	}
	return errors.Join(errs...)
}
