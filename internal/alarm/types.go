// Package alarm contains the pure hysteresis logic that turns noisy hazard
// readings into a stable alarm level and actuator command.
// This package has NO external dependencies (no GPIO, network, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package alarm

import (
	"fmt"
	"time"
)

// Level is the ordered alarm level: Normal < Warning < Alarm.
type Level int

const (
	Normal Level = iota
	Warning
	Alarm
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "NORMAL"
	case Warning:
		return "WARNING"
	case Alarm:
		return "ALARM"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel is the inverse of Level.String.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "NORMAL":
		return Normal, nil
	case "WARNING":
		return Warning, nil
	case "ALARM":
		return Alarm, nil
	}
	return Normal, fmt.Errorf("alarm: unknown level %q", s)
}

// MarshalText encodes the level as its name so JSON payloads stay readable.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Direction says which way a channel's raw value moves as the hazard grows.
type Direction string

const (
	// LowerIsWorse suits flame and MQ-2 analog outputs, which drop as the
	// hazard increases.
	LowerIsWorse Direction = "lower"
	// HigherIsWorse suits temperature and similar readings.
	HigherIsWorse Direction = "higher"
)

// Channel holds the fixed cutpoints of one sensor channel, in raw units.
type Channel struct {
	ID        string
	Warning   int
	Alarm     int
	Direction Direction
}

// Classify maps a raw reading to the channel's local level.
func (c Channel) Classify(raw int) Level {
	if c.Direction == HigherIsWorse {
		switch {
		case raw > c.Alarm:
			return Alarm
		case raw > c.Warning:
			return Warning
		}
		return Normal
	}
	switch {
	case raw < c.Alarm:
		return Alarm
	case raw < c.Warning:
		return Warning
	}
	return Normal
}

// Reading is one raw sample of a channel.
type Reading struct {
	ChannelID string
	Raw       int
	Time      time.Time
	// Stale is set when the sensor failed and Raw was substituted.
	Stale bool
}

// Command is the actuator instruction produced by one evaluation.
type Command struct {
	// Engage is the desired actuator state.
	Engage bool
	// Changed is true only on the evaluation where Engage flipped. The
	// actuator should be written only then.
	Changed bool
}

// Counters is the hysteresis state carried between evaluations.
type Counters struct {
	ConsecutiveTriggers int
	LastTrigger         time.Time
	ActuatorEngaged     bool
	// Clearing is true while an engaged actuator is waiting out the settle
	// window; ClearSince is the first Normal evaluation of that run.
	Clearing   bool
	ClearSince time.Time
}

// EventCounts tracks level and actuator transitions since startup.
type EventCounts struct {
	Warnings    int
	Alarms      int
	Engagements int
	Releases    int
}
