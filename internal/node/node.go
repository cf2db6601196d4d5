// Package node ties the sensor sampler, the hysteresis engine, the actuator,
// the collector session and the discovery service into one polling cycle.
//
// A Node is driven by a single goroutine calling Step once per poll interval.
// Each Step reads every channel, evaluates the alarm level, drives the
// actuator on a state change, services at most one collector operation and
// at most one discovery datagram. It is not safe for concurrent use; the
// status tracker is the only state shared with other goroutines.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/alarm-node/internal/actuator"
	"github.com/sweeney/alarm-node/internal/alarm"
	"github.com/sweeney/alarm-node/internal/discovery"
	"github.com/sweeney/alarm-node/internal/metrics"
	"github.com/sweeney/alarm-node/internal/sensor"
	"github.com/sweeney/alarm-node/internal/session"
	"github.com/sweeney/alarm-node/internal/status"
	"github.com/sweeney/alarm-node/internal/telemetry"
)

// Lifecycle events published on the system topic.
const (
	EventStartup   = "STARTUP"
	EventHeartbeat = "HEARTBEAT"
	EventShutdown  = "SHUTDOWN"
	EventOffline   = "OFFLINE"
)

const (
	DefaultReportInterval = 10 * time.Second
	DefaultSweepInterval  = 60 * time.Second
	DefaultQueueSize      = 100
	DefaultFlushBatch     = 5
)

// Config configures a Node. Zero values take the defaults; a zero
// Heartbeat disables heartbeats.
type Config struct {
	NodeID         string
	Prefix         string
	ReportInterval time.Duration
	Heartbeat      time.Duration
	SweepInterval  time.Duration
	QueueSize      int
	// FlushBatch caps the publishes written in one cycle.
	FlushBatch int
	Logger     *slog.Logger
}

// Parts are the collaborators a Node drives. Sampler and Engine are
// required. Actuator, Session, Coordinator and Slave are optional: a node
// without a Session only reports to its coordinator, a node with a
// Coordinator is a master and a node with a Slave reports to one.
type Parts struct {
	Sampler     *sensor.Sampler
	Engine      *alarm.Engine
	Actuator    actuator.Actuator
	Session     *session.Session
	Reconnector *session.Reconnector
	Coordinator *discovery.Coordinator
	Slave       *discovery.Slave
	Tracker     *status.Tracker
	Metrics     *metrics.Metrics
}

// Node is the orchestrator of one alarm node.
type Node struct {
	cfg    Config
	p      Parts
	log    *slog.Logger
	topics telemetry.Topics
	queue  *telemetry.Queue

	started       bool
	level         alarm.Level
	lastData      time.Time
	lastSweep     time.Time
	lastHeartbeat time.Time

	// actuatorWant holds a command whose write failed, retried every cycle.
	actuatorWant *bool

	published    uint64
	seenDropped  uint64
	lastLinkErr  error
	wasConnected bool
}

// New validates parts and returns a node in the Normal, released state.
func New(cfg Config, p Parts) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node: node id is required")
	}
	if p.Sampler == nil || p.Engine == nil {
		return nil, errors.New("node: sampler and engine are required")
	}
	if p.Session != nil && p.Reconnector == nil {
		return nil, errors.New("node: session without reconnector")
	}
	if p.Coordinator != nil && p.Slave != nil {
		return nil, errors.New("node: cannot be both coordinator and slave")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = telemetry.DefaultPrefix
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultReportInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = DefaultFlushBatch
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if p.Tracker == nil {
		p.Tracker = status.NewTracker(cfg.NodeID, time.Now(), status.Config{})
	}
	if p.Metrics == nil {
		p.Metrics = metrics.New(prometheus.NewRegistry())
	}

	return &Node{
		cfg:    cfg,
		p:      p,
		log:    log.With("component", "node"),
		topics: telemetry.Topics{Prefix: cfg.Prefix, NodeID: cfg.NodeID},
		queue:  telemetry.NewQueue(cfg.QueueSize, log),
	}, nil
}

// Topics returns the node's own topic names.
func (n *Node) Topics() telemetry.Topics {
	return n.topics
}

// Pending returns the number of queued publishes.
func (n *Node) Pending() int {
	return n.queue.Len()
}

// Published returns the number of messages written to the collector.
func (n *Node) Published() uint64 {
	return n.published
}

// Step runs one polling cycle at now.
func (n *Node) Step(ctx context.Context, now time.Time) {
	began := time.Now()
	if !n.started {
		n.started = true
		n.lastHeartbeat = now
		n.lastSweep = now
	}

	readings := n.p.Sampler.Sample(now)
	level, cmd := n.p.Engine.Evaluate(readings, now)
	n.applyCommand(cmd)
	if level != n.level {
		n.levelChanged(n.level, level, now)
		n.level = level
	}

	if n.lastData.IsZero() || now.Sub(n.lastData) >= n.cfg.ReportInterval {
		n.lastData = now
		n.enqueueData(readings, now)
		n.report(readings, now)
	}

	n.serviceCollector(ctx, now)
	n.serviceDiscovery(now)

	n.updateStatus(readings)

	if n.cfg.Heartbeat > 0 && now.Sub(n.lastHeartbeat) >= n.cfg.Heartbeat {
		n.lastHeartbeat = now
		c := n.p.Engine.EventCountsSnapshot()
		n.log.Info("heartbeat", "level", level, "warnings", c.Warnings, "alarms", c.Alarms,
			"engagements", c.Engagements, "published", n.published, "dropped", n.queue.Dropped())
		n.Announce(EventHeartbeat, "", now)
	}
	n.p.Metrics.CycleSeconds.Observe(time.Since(began).Seconds())
}

// applyCommand writes the actuator on a transition. A failed write stays
// pending and is retried each cycle until it succeeds or is superseded.
func (n *Node) applyCommand(cmd alarm.Command) {
	retry := false
	if cmd.Changed {
		if cmd.Engage {
			n.log.Warn("actuator engaged", "confirmations", n.p.Engine.Counters().ConsecutiveTriggers)
			n.p.Metrics.Engagements.Inc()
		} else {
			n.log.Info("actuator released")
		}
		want := cmd.Engage
		n.actuatorWant = &want
	} else if n.actuatorWant != nil {
		retry = true
	}
	if n.p.Actuator == nil || n.actuatorWant == nil {
		n.actuatorWant = nil
		return
	}
	want := *n.actuatorWant
	if err := n.p.Actuator.Set(want); err != nil {
		n.p.Metrics.ActuatorErrors.Inc()
		n.log.Error("actuator write failed, will retry", "engage", want, "retry", retry, "error", err)
		return
	}
	if retry {
		n.log.Info("actuator write succeeded on retry", "engage", want)
	}
	n.actuatorWant = nil
}

func (n *Node) levelChanged(from, to alarm.Level, now time.Time) {
	engaged := n.p.Engine.Engaged()
	n.log.Info("level changed", "from", from, "to", to, "actuator", engaged)
	n.p.Metrics.LevelChanges.WithLabelValues(to.String()).Inc()
	n.p.Tracker.RecordTransition(status.Transition{Time: now, From: from, To: to, Actuator: engaged})

	payload, err := telemetry.FormatAlert(telemetry.Alert{
		DeviceID:  n.cfg.NodeID,
		Timestamp: now,
		Level:     to,
		Previous:  from,
		Actuator:  engaged,
	})
	if err != nil {
		n.log.Error("format alert", "error", err)
		return
	}
	n.push(telemetry.Message{Topic: n.topics.Alert(), Payload: payload})
}

// push queues m for the collector. Nodes without a session drop it.
func (n *Node) push(m telemetry.Message) {
	if n.p.Session == nil {
		return
	}
	n.queue.Push(m)
}

func (n *Node) enqueueData(readings []alarm.Reading, now time.Time) {
	if n.p.Session == nil {
		return
	}
	raw := make(map[string]int, len(readings))
	var stale []string
	for _, r := range readings {
		raw[r.ChannelID] = r.Raw
		if r.Stale {
			stale = append(stale, r.ChannelID)
		}
	}
	payload, err := telemetry.FormatData(telemetry.Data{
		DeviceID:     n.cfg.NodeID,
		Timestamp:    now,
		Readings:     raw,
		Level:        n.level,
		Actuator:     n.p.Engine.Engaged(),
		AlertCounter: n.p.Engine.Counters().ConsecutiveTriggers,
		Stale:        stale,
	})
	if err != nil {
		n.log.Error("format data", "error", err)
		return
	}
	n.push(telemetry.Message{Topic: n.topics.Data(), Payload: payload})
}

// report sends the slave's state to its coordinator.
func (n *Node) report(readings []alarm.Reading, now time.Time) {
	if n.p.Slave == nil || n.p.Slave.Coordinator() == nil {
		return
	}
	raw := make(map[string]int, len(readings))
	for _, r := range readings {
		raw[r.ChannelID] = r.Raw
	}
	err := n.p.Slave.Report(discovery.ReportData{Level: n.level.String(), Readings: raw, Time: now})
	if err != nil {
		n.log.Warn("report to coordinator failed", "coordinator", n.p.Slave.Coordinator(), "error", err)
	}
}

// serviceCollector performs at most one session operation: a connection
// attempt, a queue flush or a keep-alive tick.
func (n *Node) serviceCollector(ctx context.Context, now time.Time) {
	if n.p.Session == nil {
		return
	}
	defer n.checkLink()

	if n.p.Session.State() != session.Connected {
		err := n.p.Reconnector.Ensure(ctx, now)
		switch {
		case err == nil:
			n.p.Metrics.ConnectAttempts.WithLabelValues("ok").Inc()
			n.lastLinkErr = nil
		case errors.Is(err, session.ErrNotConnected):
		default:
			n.p.Metrics.ConnectAttempts.WithLabelValues("error").Inc()
			n.lastLinkErr = err
		}
		return
	}

	if n.queue.Len() > 0 {
		sent, err := n.queue.FlushN(n.p.Session, n.cfg.FlushBatch)
		n.published += uint64(sent)
		n.p.Metrics.Published.Add(float64(sent))
		if err != nil {
			n.p.Metrics.PublishFailures.Inc()
			n.lastLinkErr = err
			n.log.Warn("publish failed, telemetry dropped", "sent", sent, "queued", n.queue.Len(), "error", err)
		}
		return
	}

	if err := n.p.Session.Tick(now); err != nil {
		n.lastLinkErr = err
		n.log.Warn("keep-alive failed", "error", err)
	}
}

func (n *Node) checkLink() {
	connected := n.p.Session.State() == session.Connected
	if connected != n.wasConnected {
		if connected {
			n.log.Info("collector connected", "queued", n.queue.Len())
		} else {
			n.log.Warn("collector disconnected", "queued", n.queue.Len())
		}
		n.wasConnected = connected
	}
}

// serviceDiscovery handles at most one datagram on a master and runs the
// liveness sweep when due.
func (n *Node) serviceDiscovery(now time.Time) {
	c := n.p.Coordinator
	if c == nil {
		return
	}

	r, err := c.Poll(now)
	if err != nil {
		n.log.Warn("discovery poll failed", "error", err)
	}
	if r != nil {
		n.relay(r)
	}

	if now.Sub(n.lastSweep) >= n.cfg.SweepInterval {
		n.lastSweep = now
		for _, id := range c.Sweep(now) {
			n.enqueueSystem(n.topics.For(id), telemetry.SystemEvent{
				Timestamp: now,
				Event:     EventOffline,
				Reason:    "peer timeout",
			})
		}
	}

	peers := c.Peers()
	online := 0
	sp := make([]status.Peer, len(peers))
	for i, p := range peers {
		if p.Status == discovery.Online {
			online++
		}
		sp[i] = status.Peer{ID: p.ID, Addr: p.Addr, Status: string(p.Status), LastSeen: p.LastSeen, Reports: p.Reports}
	}
	n.p.Tracker.SetPeers(sp)
	n.p.Metrics.PeersOnline.Set(float64(online))
}

// relay republishes a slave report on the slave's own data topic.
func (n *Node) relay(r *discovery.Report) {
	n.p.Metrics.PeerReports.Inc()
	level, err := alarm.ParseLevel(r.Level)
	if err != nil {
		n.log.Warn("dropping report with unknown level", "peer", r.NodeID, "level", r.Level)
		return
	}
	if n.p.Session == nil {
		return
	}
	payload, err := telemetry.FormatData(telemetry.Data{
		DeviceID:  r.NodeID,
		Timestamp: r.Timestamp,
		Readings:  r.Readings,
		Level:     level,
		Via:       n.cfg.NodeID,
		Sequence:  r.Sequence,
	})
	if err != nil {
		n.log.Error("format relayed data", "peer", r.NodeID, "error", err)
		return
	}
	n.push(telemetry.Message{Topic: n.topics.For(r.NodeID).Data(), Payload: payload})
	if level != alarm.Normal {
		n.log.Warn("peer reports hazard", "peer", r.NodeID, "level", level)
	}
}

// Announce queues a lifecycle event carrying the current status snapshot.
func (n *Node) Announce(event, reason string, now time.Time) {
	snap := n.p.Tracker.Snapshot()
	n.enqueueSystem(n.topics, telemetry.SystemEvent{
		Timestamp:  now,
		Event:      event,
		Reason:     reason,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
}

func (n *Node) enqueueSystem(t telemetry.Topics, ev telemetry.SystemEvent) {
	payload, err := telemetry.FormatSystemPayload(ev)
	if err != nil {
		n.log.Error("format system event", "event", ev.Event, "error", err)
		return
	}
	n.push(telemetry.Message{Topic: t.System(), Payload: payload})
}

// Shutdown queues the SHUTDOWN event, flushes the queue if the collector is
// connected and closes the session.
func (n *Node) Shutdown(reason string, now time.Time) error {
	n.Announce(EventShutdown, reason, now)
	if n.p.Session == nil {
		return nil
	}
	if n.p.Session.State() == session.Connected {
		sent, err := n.queue.Flush(n.p.Session)
		n.published += uint64(sent)
		n.p.Metrics.Published.Add(float64(sent))
		if err != nil {
			n.log.Warn("final flush failed", "error", err)
		}
	} else if n.queue.Len() > 0 {
		n.log.Warn("shutting down with unsent telemetry", "queued", n.queue.Len())
	}
	if err := n.p.Session.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (n *Node) updateStatus(readings []alarm.Reading) {
	eng := n.p.Engine
	m := n.p.Metrics

	chans := make([]status.Channel, len(readings))
	for i, r := range readings {
		chans[i] = status.Channel{ID: r.ChannelID, Raw: r.Raw, Level: eng.ChannelLevel(r), Stale: r.Stale}
		m.Readings.WithLabelValues(r.ChannelID).Set(float64(r.Raw))
		if r.Stale {
			m.StaleReadings.WithLabelValues(r.ChannelID).Inc()
		}
	}
	n.p.Tracker.Update(n.level, eng.Engaged(), eng.Counters().ConsecutiveTriggers, chans, eng.EventCountsSnapshot())

	m.Level.Set(float64(n.level))
	metrics.SetBool(m.Actuator, eng.Engaged())
	m.QueueLength.Set(float64(n.queue.Len()))
	if d := n.queue.Dropped(); d > n.seenDropped {
		m.QueueDropped.Add(float64(d - n.seenDropped))
		n.seenDropped = d
	}

	if n.p.Slave != nil {
		if addr := n.p.Slave.Coordinator(); addr != nil {
			n.p.Tracker.SetCoordinator(addr.String())
		}
	}
	if n.p.Session == nil {
		return
	}
	state := n.p.Session.State()
	metrics.SetBool(m.Connected, state == session.Connected)
	link := status.Link{
		State:     state.String(),
		Queued:    n.queue.Len(),
		Published: n.published,
		Dropped:   n.queue.Dropped(),
	}
	if n.lastLinkErr != nil {
		link.LastError = n.lastLinkErr.Error()
	}
	n.p.Tracker.SetLink(link)
}
