// Package actuator drives the alarm output (buzzer/relay) with hardware
// abstraction. The real implementation uses a Linux GPIO output line.
// The fake implementation allows testing without hardware.
package actuator

// Actuator sets the alarm output.
type Actuator interface {
	// Set engages or releases the output. Callers write only on a change.
	Set(engaged bool) error

	// Close releases the output in its safe (released) state.
	Close() error
}

// Fake records every Set call.
type Fake struct {
	// Calls holds every value passed to Set, in order.
	Calls []bool

	// Engaged is the last value set.
	Engaged bool

	// SetError, if set, will be returned by Set()
	SetError error

	// Closed tracks if Close was called
	Closed bool
}

// Set records the call.
func (f *Fake) Set(engaged bool) error {
	f.Calls = append(f.Calls, engaged)
	if f.SetError != nil {
		return f.SetError
	}
	f.Engaged = engaged
	return nil
}

// Close releases the fake output.
func (f *Fake) Close() error {
	f.Engaged = false
	f.Closed = true
	return nil
}
