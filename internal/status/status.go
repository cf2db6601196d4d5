// Package status provides a thread-safe status tracker for the alarm node.
// It is read by HTTP handlers and by the lifecycle events published to the
// collector.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/alarm-node/internal/alarm"
)

// HistorySize is the number of level transitions kept for display.
const HistorySize = 20

// NetworkInfo contains network state as written by the pi-helper service.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Role         string
	PollMs       int64
	ReportMs     int64
	HeartbeatMs  int64
	Collector    string
	Prefix       string
	HTTPAddr     string
	ConfirmCount int
	GraceMs      int64
	SettleMs     int64
}

// Channel is the latest reading of one channel.
type Channel struct {
	ID    string
	Raw   int
	Level alarm.Level
	Stale bool
}

// Peer is a coordinator's view of a slave. This is a local copy to avoid
// importing internal/discovery from status.
type Peer struct {
	ID       string
	Addr     string
	Status   string
	LastSeen time.Time
	Reports  uint64
}

// Transition is one alarm level change.
type Transition struct {
	Time     time.Time
	From     alarm.Level
	To       alarm.Level
	Actuator bool
}

// Link is the collector session state.
type Link struct {
	State     string
	Queued    int
	Published uint64
	Dropped   uint64
	LastError string
}

// Snapshot is a point-in-time view of node state.
// It is a value type; slices are copied by Tracker.Snapshot.
type Snapshot struct {
	NodeID       string
	Level        alarm.Level
	Actuator     bool
	AlertCounter int
	Channels     []Channel
	Counts       alarm.EventCounts
	Link         Link
	Coordinator  string
	Peers        []Peer
	History      []Transition
	StartTime    time.Time
	Now          time.Time
	Network      *NetworkInfo
	Config       Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Connected reports whether the collector session is up.
func (s Snapshot) Connected() bool {
	return s.Link.State == "connected"
}

// Tracker holds mutable node state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(nodeID string, startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			NodeID:    nodeID,
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update sets the alarm state. Called from the node loop on every cycle.
func (t *Tracker) Update(level alarm.Level, actuator bool, alertCounter int, channels []Channel, counts alarm.EventCounts) {
	t.mu.Lock()
	t.snap.Level = level
	t.snap.Actuator = actuator
	t.snap.AlertCounter = alertCounter
	t.snap.Channels = append(t.snap.Channels[:0], channels...)
	t.snap.Counts = counts
	t.mu.Unlock()
}

// SetLink sets the collector session state.
func (t *Tracker) SetLink(l Link) {
	t.mu.Lock()
	t.snap.Link = l
	t.mu.Unlock()
}

// SetCoordinator sets the coordinator address used by a slave.
func (t *Tracker) SetCoordinator(addr string) {
	t.mu.Lock()
	t.snap.Coordinator = addr
	t.mu.Unlock()
}

// SetPeers replaces the coordinator's peer list.
func (t *Tracker) SetPeers(peers []Peer) {
	t.mu.Lock()
	t.snap.Peers = append(t.snap.Peers[:0], peers...)
	t.mu.Unlock()
}

// RecordTransition appends to the level history, keeping the newest
// HistorySize entries.
func (t *Tracker) RecordTransition(tr Transition) {
	t.mu.Lock()
	if len(t.snap.History) == HistorySize {
		copy(t.snap.History, t.snap.History[1:])
		t.snap.History = t.snap.History[:HistorySize-1]
	}
	t.snap.History = append(t.snap.History, tr)
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the node state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Channels = append([]Channel(nil), t.snap.Channels...)
	s.Peers = append([]Peer(nil), t.snap.Peers...)
	s.History = append([]Transition(nil), t.snap.History...)
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
