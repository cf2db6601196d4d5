// Package sensor provides raw hazard channel reading with hardware abstraction.
// GPIO channels use the Linux GPIO character device, analog channels read
// IIO sysfs files, and fixed channels return a constant for bench setups.
// The fake implementation allows testing without hardware.
package sensor

import (
	"errors"
	"fmt"
)

// Reader reads raw channel values.
type Reader interface {
	// ReadRaw returns the raw integer reading of one channel.
	ReadRaw(channelID string) (int, error)

	// Close releases hardware resources.
	Close() error
}

// Source selects how a channel is read.
type Source string

const (
	SourceGPIO  Source = "gpio"
	SourceIIO   Source = "iio"
	SourceFixed Source = "fixed"
)

// ErrUnknownChannel is returned for a channel the reader does not serve.
var ErrUnknownChannel = errors.New("sensor: unknown channel")

// Channel describes where one channel's raw value comes from.
type Channel struct {
	ID     string
	Source Source
	// Line is the GPIO line offset (BCM numbering) for gpio channels.
	Line int
	// Low and High are the raw values reported for GPIO line values 0 and 1.
	Low, High int
	// Path is the sysfs file for iio channels.
	Path string
	// Value is returned by fixed channels.
	Value int
	// Default is substituted until the channel produces a good reading.
	Default int
}

// Bank dispatches each channel to the reader for its source.
type Bank struct {
	readers map[string]Reader
	owned   []Reader
}

// NewBank opens the readers needed by channels. GPIO lines are requested on
// chip (e.g. "gpiochip0").
func NewBank(chip string, channels []Channel) (*Bank, error) {
	b := &Bank{readers: make(map[string]Reader)}

	var gpioChans, iioChans []Channel
	fixed := make(map[string]int)
	for _, ch := range channels {
		switch ch.Source {
		case SourceGPIO:
			gpioChans = append(gpioChans, ch)
		case SourceIIO:
			iioChans = append(iioChans, ch)
		case SourceFixed:
			fixed[ch.ID] = ch.Value
		default:
			return nil, fmt.Errorf("sensor: channel %q: unknown source %q", ch.ID, ch.Source)
		}
	}

	if len(gpioChans) > 0 {
		r, err := NewGPIOReader(chip, gpioChans)
		if err != nil {
			return nil, err
		}
		b.add(r, gpioChans)
	}
	if len(iioChans) > 0 {
		b.add(NewIIOReader(iioChans), iioChans)
	}
	if len(fixed) > 0 {
		r := FixedReader(fixed)
		for id := range fixed {
			b.readers[id] = r
		}
		b.owned = append(b.owned, r)
	}
	return b, nil
}

func (b *Bank) add(r Reader, chans []Channel) {
	for _, ch := range chans {
		b.readers[ch.ID] = r
	}
	b.owned = append(b.owned, r)
}

// ReadRaw reads channelID from its source.
func (b *Bank) ReadRaw(channelID string) (int, error) {
	r, ok := b.readers[channelID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, channelID)
	}
	return r.ReadRaw(channelID)
}

// Close closes every underlying reader.
func (b *Bank) Close() error {
	var errs []error
	for _, r := range b.owned {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FixedReader returns constant values per channel.
type FixedReader map[string]int

// ReadRaw returns the channel's fixed value.
func (f FixedReader) ReadRaw(channelID string) (int, error) {
	v, ok := f[channelID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, channelID)
	}
	return v, nil
}

// Close is a no-op.
func (f FixedReader) Close() error { return nil }
