package alarm

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultConfirmCount is the number of consecutive Alarm evaluations
	// needed to engage the actuator.
	DefaultConfirmCount = 3
	// DefaultSettle is how long the level must stay Normal before an engaged
	// actuator is released.
	DefaultSettle = 3 * time.Second
)

// Config configures an Engine.
type Config struct {
	Channels []Channel
	// ConfirmCount defaults to DefaultConfirmCount.
	ConfirmCount int
	// Grace is the longest gap allowed between two Alarm evaluations of the
	// same streak. Zero disables the check.
	Grace time.Duration
	// Settle defaults to DefaultSettle.
	Settle time.Duration
}

// Engine evaluates readings and applies engage/release hysteresis.
// It is not safe for concurrent use.
type Engine struct {
	channels map[string]Channel
	order    []string
	confirm  int
	grace    time.Duration
	settle   time.Duration

	counters  Counters
	level     Level
	evaluated bool
	counts    EventCounts
}

// NewEngine validates cfg and returns an engine in the Normal, released state.
func NewEngine(cfg Config) (*Engine, error) {
	if len(cfg.Channels) == 0 {
		return nil, errors.New("alarm: no channels configured")
	}
	e := &Engine{
		channels: make(map[string]Channel, len(cfg.Channels)),
		confirm:  cfg.ConfirmCount,
		grace:    cfg.Grace,
		settle:   cfg.Settle,
	}
	if e.confirm <= 0 {
		e.confirm = DefaultConfirmCount
	}
	if e.settle <= 0 {
		e.settle = DefaultSettle
	}
	for _, ch := range cfg.Channels {
		if err := validateChannel(ch); err != nil {
			return nil, err
		}
		if _, dup := e.channels[ch.ID]; dup {
			return nil, fmt.Errorf("alarm: duplicate channel %q", ch.ID)
		}
		e.channels[ch.ID] = ch
		e.order = append(e.order, ch.ID)
	}
	return e, nil
}

func validateChannel(ch Channel) error {
	if ch.ID == "" {
		return errors.New("alarm: channel without id")
	}
	switch ch.Direction {
	case LowerIsWorse:
		if ch.Alarm > ch.Warning {
			return fmt.Errorf("alarm: channel %q: alarm cutpoint %d above warning %d", ch.ID, ch.Alarm, ch.Warning)
		}
	case HigherIsWorse:
		if ch.Alarm < ch.Warning {
			return fmt.Errorf("alarm: channel %q: alarm cutpoint %d below warning %d", ch.ID, ch.Alarm, ch.Warning)
		}
	default:
		return fmt.Errorf("alarm: channel %q: unknown direction %q", ch.ID, ch.Direction)
	}
	return nil
}

// Evaluate classifies readings, takes the worst channel level and updates
// the hysteresis counters. Readings for unknown channels are ignored.
//
// The actuator engages on the ConfirmCount-th consecutive Alarm evaluation;
// any non-Alarm evaluation, or a gap longer than Grace, restarts the streak.
// Once engaged it stays engaged until the level has been Normal continuously
// for Settle, measured by evaluation timestamps.
func (e *Engine) Evaluate(readings []Reading, now time.Time) (Level, Command) {
	level := Normal
	for _, r := range readings {
		if l := e.ChannelLevel(r); l > level {
			level = l
		}
	}

	prev := e.level
	e.level = level
	if !e.evaluated || level != prev {
		switch level {
		case Warning:
			e.counts.Warnings++
		case Alarm:
			e.counts.Alarms++
		}
	}
	e.evaluated = true

	c := &e.counters
	if !c.ActuatorEngaged {
		if level != Alarm {
			c.ConsecutiveTriggers = 0
			return level, Command{}
		}
		if c.ConsecutiveTriggers > 0 && e.grace > 0 && now.Sub(c.LastTrigger) > e.grace {
			c.ConsecutiveTriggers = 0
		}
		c.ConsecutiveTriggers++
		c.LastTrigger = now
		if c.ConsecutiveTriggers < e.confirm {
			return level, Command{}
		}
		c.ActuatorEngaged = true
		e.counts.Engagements++
		return level, Command{Engage: true, Changed: true}
	}

	if level != Normal {
		c.Clearing = false
		if level == Alarm {
			c.LastTrigger = now
		}
		return level, Command{Engage: true}
	}

	if !c.Clearing {
		c.Clearing = true
		c.ClearSince = now
	}
	if now.Sub(c.ClearSince) < e.settle {
		return level, Command{Engage: true}
	}

	e.counters = Counters{}
	e.counts.Releases++
	return level, Command{Engage: false, Changed: true}
}

// ChannelLevel classifies a single reading. Unknown channels are Normal.
func (e *Engine) ChannelLevel(r Reading) Level {
	ch, ok := e.channels[r.ChannelID]
	if !ok {
		return Normal
	}
	return ch.Classify(r.Raw)
}

// Channels returns the configured channels in configuration order.
func (e *Engine) Channels() []Channel {
	out := make([]Channel, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.channels[id])
	}
	return out
}

// Level returns the level computed by the last evaluation.
func (e *Engine) Level() Level {
	return e.level
}

// Engaged reports whether the actuator is currently engaged.
func (e *Engine) Engaged() bool {
	return e.counters.ActuatorEngaged
}

// Counters returns a copy of the hysteresis counters.
func (e *Engine) Counters() Counters {
	return e.counters
}

// EventCountsSnapshot returns the transition counts since startup.
func (e *Engine) EventCountsSnapshot() EventCounts {
	return e.counts
}
