package sensor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// IIOReader reads analog channels from Linux IIO sysfs files such as
// /sys/bus/iio/devices/iio:device0/in_voltage0_raw.
type IIOReader struct {
	paths map[string]string
}

// NewIIOReader maps each channel to its sysfs path. Files are opened on
// every read so a driver reload does not leave a stale descriptor.
func NewIIOReader(channels []Channel) *IIOReader {
	r := &IIOReader{paths: make(map[string]string, len(channels))}
	for _, ch := range channels {
		r.paths[ch.ID] = ch.Path
	}
	return r
}

// ReadRaw reads and parses the channel's sysfs value.
func (r *IIOReader) ReadRaw(channelID string) (int, error) {
	path, ok := r.paths[channelID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, channelID)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", channelID, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse %s value %q: %w", channelID, strings.TrimSpace(string(b)), err)
	}
	return v, nil
}

// Close is a no-op; files are not held open.
func (r *IIOReader) Close() error { return nil }
