package sensor

import (
	"log/slog"
	"time"

	"github.com/sweeney/alarm-node/internal/alarm"
)

// Sampler reads every configured channel once per call and substitutes the
// last good value (or the channel default) when a read fails.
type Sampler struct {
	reader   Reader
	channels []Channel
	log      *slog.Logger

	last     map[string]int
	failing  map[string]bool
	failures uint64
}

// NewSampler returns a sampler over reader for channels.
func NewSampler(reader Reader, channels []Channel, log *slog.Logger) *Sampler {
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{
		reader:   reader,
		channels: channels,
		log:      log.With("component", "sampler"),
		last:     make(map[string]int, len(channels)),
		failing:  make(map[string]bool, len(channels)),
	}
}

// Sample reads all channels. Failed reads are marked Stale.
func (s *Sampler) Sample(now time.Time) []alarm.Reading {
	out := make([]alarm.Reading, 0, len(s.channels))
	for _, ch := range s.channels {
		r := alarm.Reading{ChannelID: ch.ID, Time: now}
		v, err := s.reader.ReadRaw(ch.ID)
		if err != nil {
			s.failures++
			if !s.failing[ch.ID] {
				s.log.Warn("channel read failed, using last good value", "channel", ch.ID, "error", err)
				s.failing[ch.ID] = true
			}
			last, ok := s.last[ch.ID]
			if !ok {
				last = ch.Default
			}
			r.Raw = last
			r.Stale = true
		} else {
			if s.failing[ch.ID] {
				s.log.Info("channel recovered", "channel", ch.ID)
				s.failing[ch.ID] = false
			}
			s.last[ch.ID] = v
			r.Raw = v
		}
		out = append(out, r)
	}
	return out
}

// Failures returns the total number of failed channel reads.
func (s *Sampler) Failures() uint64 {
	return s.failures
}
