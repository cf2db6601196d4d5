package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string           `json:"event,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	NodeID        string           `json:"node_id"`
	Role          string           `json:"role"`
	Level         string           `json:"level"`
	Actuator      bool             `json:"actuator"`
	AlertCounter  int              `json:"alert_counter"`
	Channels      []ChannelJSON    `json:"channels"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	StartTime     string           `json:"start_time"`
	Timestamp     string           `json:"timestamp"`
	Collector     CollectorStatus  `json:"collector"`
	Counts        CountsJSON       `json:"event_counts"`
	Coordinator   string           `json:"coordinator,omitempty"`
	Peers         []PeerJSON       `json:"peers,omitempty"`
	History       []TransitionJSON `json:"history,omitempty"`
	Network       *NetworkJSON     `json:"network,omitempty"`
	Config        ConfigJSON       `json:"config"`
}

// ChannelJSON is the JSON representation of one channel reading.
type ChannelJSON struct {
	ID    string `json:"id"`
	Raw   int    `json:"raw"`
	Level string `json:"level"`
	Stale bool   `json:"stale,omitempty"`
}

// CollectorStatus reports the collector session.
type CollectorStatus struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Addr      string `json:"addr"`
	Queued    int    `json:"queued"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	LastError string `json:"last_error,omitempty"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Warnings    int `json:"warnings"`
	Alarms      int `json:"alarms"`
	Engagements int `json:"engagements"`
	Releases    int `json:"releases"`
}

// PeerJSON is the JSON representation of a peer.
type PeerJSON struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen"`
	Reports  uint64 `json:"reports"`
}

// TransitionJSON is the JSON representation of a level change.
type TransitionJSON struct {
	Timestamp string `json:"timestamp"`
	From      string `json:"from"`
	To        string `json:"to"`
	Actuator  bool   `json:"actuator"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs       int64  `json:"poll_ms"`
	ReportMs     int64  `json:"report_ms"`
	HeartbeatMs  int64  `json:"heartbeat_ms"`
	Collector    string `json:"collector"`
	Prefix       string `json:"prefix"`
	HTTPAddr     string `json:"http_addr"`
	ConfirmCount int    `json:"confirm_count"`
	GraceMs      int64  `json:"grace_ms"`
	SettleMs     int64  `json:"settle_ms"`
}

func buildInner(snap Snapshot) StatusInner {
	state := snap.Link.State
	if state == "" {
		state = "UNKNOWN"
	}

	inner := StatusInner{
		NodeID:        snap.NodeID,
		Role:          snap.Config.Role,
		Level:         snap.Level.String(),
		Actuator:      snap.Actuator,
		AlertCounter:  snap.AlertCounter,
		Channels:      make([]ChannelJSON, 0, len(snap.Channels)),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Collector: CollectorStatus{
			Connected: snap.Connected(),
			State:     state,
			Addr:      snap.Config.Collector,
			Queued:    snap.Link.Queued,
			Published: snap.Link.Published,
			Dropped:   snap.Link.Dropped,
			LastError: snap.Link.LastError,
		},
		Counts: CountsJSON{
			Warnings:    snap.Counts.Warnings,
			Alarms:      snap.Counts.Alarms,
			Engagements: snap.Counts.Engagements,
			Releases:    snap.Counts.Releases,
		},
		Coordinator: snap.Coordinator,
		Config: ConfigJSON{
			PollMs:       snap.Config.PollMs,
			ReportMs:     snap.Config.ReportMs,
			HeartbeatMs:  snap.Config.HeartbeatMs,
			Collector:    snap.Config.Collector,
			Prefix:       snap.Config.Prefix,
			HTTPAddr:     snap.Config.HTTPAddr,
			ConfirmCount: snap.Config.ConfirmCount,
			GraceMs:      snap.Config.GraceMs,
			SettleMs:     snap.Config.SettleMs,
		},
	}

	for _, ch := range snap.Channels {
		inner.Channels = append(inner.Channels, ChannelJSON{
			ID: ch.ID, Raw: ch.Raw, Level: ch.Level.String(), Stale: ch.Stale,
		})
	}
	for _, p := range snap.Peers {
		inner.Peers = append(inner.Peers, PeerJSON{
			ID:       p.ID,
			Addr:     p.Addr,
			Status:   p.Status,
			LastSeen: p.LastSeen.UTC().Format(time.RFC3339),
			Reports:  p.Reports,
		})
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
// The web view also carries the transition history.
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)
	for _, tr := range snap.History {
		inner.History = append(inner.History, TransitionJSON{
			Timestamp: tr.Time.UTC().Format(time.RFC3339),
			From:      tr.From.String(),
			To:        tr.To.String(),
			Actuator:  tr.Actuator,
		})
	}

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for a lifecycle event published
// on the system topic.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
