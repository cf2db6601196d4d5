// Package telemetry names the node's topics, formats its published payloads
// and queues them for the session.
package telemetry

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/sweeney/alarm-node/internal/alarm"
)

// DefaultPrefix is the first topic segment.
const DefaultPrefix = "esp32"

// Topic kinds, the segments after the node id.
const (
	KindData   = "data/json"
	KindAlert  = "alert/level"
	KindSystem = "status/system"
)

// Topics builds the topic names of one node.
type Topics struct {
	Prefix string
	NodeID string
}

func (t Topics) topic(kind string) string {
	return t.Prefix + "/" + t.NodeID + "/" + kind
}

// Data is the periodic telemetry topic.
func (t Topics) Data() string { return t.topic(KindData) }

// Alert is the alarm level change topic.
func (t Topics) Alert() string { return t.topic(KindAlert) }

// System is the lifecycle event topic.
func (t Topics) System() string { return t.topic(KindSystem) }

// For returns the topics of another node under the same prefix.
func (t Topics) For(nodeID string) Topics {
	return Topics{Prefix: t.Prefix, NodeID: nodeID}
}

// ParseTopic splits prefix/<node>/<kind>. ok is false for topics outside
// prefix or with an unknown kind.
func ParseTopic(prefix, topic string) (nodeID, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", false
	}
	nodeID, kind, found = strings.Cut(rest, "/")
	if !found || nodeID == "" {
		return "", "", false
	}
	switch {
	case kind == KindData, kind == KindAlert, kind == KindSystem:
		return nodeID, kind, true
	case strings.HasPrefix(kind, "alert/"), strings.HasPrefix(kind, "status/"):
		return nodeID, kind, true
	}
	return "", "", false
}

// Data is one telemetry sample of a node.
type Data struct {
	DeviceID     string
	Timestamp    time.Time
	Readings     map[string]int
	Level        alarm.Level
	Actuator     bool
	AlertCounter int
	Stale        []string
	// Via is set when a coordinator relays a slave's report.
	Via      string
	Sequence uint64
}

// DataPayload is the JSON body published on the data topic.
type DataPayload struct {
	DeviceID     string         `json:"device_id"`
	Timestamp    string         `json:"timestamp"`
	SensorData   map[string]int `json:"sensor_data"`
	SystemStatus SystemStatus   `json:"system_status"`
}

// SystemStatus is the derived state carried with each sample.
type SystemStatus struct {
	Level        alarm.Level `json:"level"`
	Actuator     bool        `json:"actuator"`
	AlertCounter int         `json:"alert_counter"`
	Stale        []string    `json:"stale,omitempty"`
	Via          string      `json:"via,omitempty"`
	Sequence     uint64      `json:"sequence,omitempty"`
}

// FormatData creates the JSON payload for a telemetry sample.
func FormatData(d Data) ([]byte, error) {
	readings := d.Readings
	if readings == nil {
		readings = map[string]int{}
	}
	var stale []string
	if len(d.Stale) > 0 {
		stale = append(stale, d.Stale...)
		sort.Strings(stale)
	}
	return json.Marshal(DataPayload{
		DeviceID:   d.DeviceID,
		Timestamp:  d.Timestamp.UTC().Format(time.RFC3339),
		SensorData: readings,
		SystemStatus: SystemStatus{
			Level:        d.Level,
			Actuator:     d.Actuator,
			AlertCounter: d.AlertCounter,
			Stale:        stale,
			Via:          d.Via,
			Sequence:     d.Sequence,
		},
	})
}

// Alert is an alarm level transition.
type Alert struct {
	DeviceID  string
	Timestamp time.Time
	Level     alarm.Level
	Previous  alarm.Level
	Actuator  bool
}

// AlertPayload is the JSON body published on the alert topic.
type AlertPayload struct {
	DeviceID  string      `json:"device_id"`
	Timestamp string      `json:"timestamp"`
	Level     alarm.Level `json:"level"`
	Previous  alarm.Level `json:"previous"`
	Actuator  bool        `json:"actuator"`
}

// FormatAlert creates the JSON payload for a level transition.
func FormatAlert(a Alert) ([]byte, error) {
	return json.Marshal(AlertPayload{
		DeviceID:  a.DeviceID,
		Timestamp: a.Timestamp.UTC().Format(time.RFC3339),
		Level:     a.Level,
		Previous:  a.Previous,
		Actuator:  a.Actuator,
	})
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
}

// SystemPayload is the payload for events that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}
