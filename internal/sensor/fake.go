package sensor

import (
	"errors"
	"fmt"
)

// FakeReader is a test double that returns scripted raw values.
type FakeReader struct {
	// Samples holds the scripted values per channel. Each ReadRaw of a
	// channel consumes its next value; the last value repeats.
	Samples map[string][]int

	// Errors, if set for a channel, is returned instead of a value.
	Errors map[string]error

	// Closed tracks if Close was called
	Closed bool

	index map[string]int
	reads map[string]int
}

// NewFakeReader creates a FakeReader with the given samples.
func NewFakeReader(samples map[string][]int) *FakeReader {
	return &FakeReader{
		Samples: samples,
		Errors:  make(map[string]error),
		index:   make(map[string]int),
		reads:   make(map[string]int),
	}
}

// ReadRaw returns the next scripted value for channelID.
func (f *FakeReader) ReadRaw(channelID string) (int, error) {
	f.reads[channelID]++
	if err := f.Errors[channelID]; err != nil {
		return 0, err
	}
	s, ok := f.Samples[channelID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, channelID)
	}
	if len(s) == 0 {
		return 0, errors.New("no samples configured")
	}
	i := f.index[channelID]
	if i < len(s)-1 {
		f.index[channelID]++
	}
	return s[i], nil
}

// Reads returns how many times channelID was read.
func (f *FakeReader) Reads(channelID string) int {
	return f.reads[channelID]
}

// Close marks the reader as closed.
func (f *FakeReader) Close() error {
	f.Closed = true
	return nil
}

// Reset resets every channel to its first sample.
func (f *FakeReader) Reset() {
	f.index = make(map[string]int)
	f.reads = make(map[string]int)
	f.Closed = false
}
