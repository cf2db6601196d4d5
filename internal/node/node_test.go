package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/alarm-node/internal/actuator"
	"github.com/sweeney/alarm-node/internal/alarm"
	"github.com/sweeney/alarm-node/internal/collector"
	"github.com/sweeney/alarm-node/internal/discovery"
	"github.com/sweeney/alarm-node/internal/metrics"
	"github.com/sweeney/alarm-node/internal/sensor"
	"github.com/sweeney/alarm-node/internal/session"
	"github.com/sweeney/alarm-node/internal/status"
	"github.com/sweeney/alarm-node/internal/telemetry"
)

var (
	t0      = time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	quiet   = slog.New(slog.NewTextHandler(io.Discard, nil))
	poll    = 2 * time.Second
	mq2Chan = sensor.Channel{ID: "mq2", Source: sensor.SourceFixed, Default: 4095}
)

func newEngine(t *testing.T) *alarm.Engine {
	t.Helper()
	e, err := alarm.NewEngine(alarm.Config{
		Channels: []alarm.Channel{{ID: "mq2", Warning: 1000, Alarm: 500, Direction: alarm.LowerIsWorse}},
		Grace:    2 * poll,
	})
	require.NoError(t, err)
	return e
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type rig struct {
	node      *Node
	reader    *sensor.FakeReader
	act       *actuator.Fake
	collector *collector.Server
	clock     *clock
	tracker   *status.Tracker
	metrics   *metrics.Metrics
}

// newRig builds a node over a fake reader. A non-nil collector gets a real
// session dialing it over loopback.
func newRig(t *testing.T, id string, samples []int, srv *collector.Server, mutate func(*Parts)) *rig {
	t.Helper()
	r := &rig{
		reader:    sensor.NewFakeReader(map[string][]int{"mq2": samples}),
		act:       &actuator.Fake{},
		collector: srv,
		clock:     &clock{t: t0},
		tracker:   status.NewTracker(id, t0, status.Config{}),
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	p := Parts{
		Sampler:  sensor.NewSampler(r.reader, []sensor.Channel{mq2Chan}, quiet),
		Engine:   newEngine(t),
		Actuator: r.act,
		Tracker:  r.tracker,
		Metrics:  r.metrics,
	}
	if srv != nil {
		p.Session = session.New(session.Config{
			KeepAlive:        30 * time.Second,
			HandshakeTimeout: 2 * time.Second,
			Logger:           quiet,
			Now:              r.clock.Now,
		})
		p.Reconnector = session.NewReconnector(p.Session, session.ReconnectConfig{
			Addr:     srv.Addr(),
			ClientID: id,
			Interval: poll,
			Logger:   quiet,
		})
	}
	if mutate != nil {
		mutate(&p)
	}
	n, err := New(Config{NodeID: id, ReportInterval: 10 * time.Second, Logger: quiet}, p)
	require.NoError(t, err)
	r.node = n
	return r
}

func (r *rig) step(t *testing.T, at time.Duration) {
	t.Helper()
	r.clock.t = t0.Add(at)
	r.node.Step(context.Background(), r.clock.t)
}

func newCollector(t *testing.T) *collector.Server {
	t.Helper()
	srv, err := collector.Listen(collector.Config{Logger: quiet})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func topicsOf(msgs []collector.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Topic
	}
	return out
}

func TestNewRequiresParts(t *testing.T) {
	_, err := New(Config{}, Parts{})
	assert.Error(t, err)

	_, err = New(Config{NodeID: "n"}, Parts{})
	assert.Error(t, err)

	r := sensor.NewFakeReader(map[string][]int{"mq2": {1500}})
	p := Parts{Sampler: sensor.NewSampler(r, []sensor.Channel{mq2Chan}, quiet), Engine: newEngine(t)}
	p.Session = session.New(session.Config{})
	_, err = New(Config{NodeID: "n"}, p)
	assert.Error(t, err, "session without reconnector")
}

func TestStepEngagesOnThirdConsecutiveAlarm(t *testing.T) {
	r := newRig(t, "alarm-1", []int{1500, 1500, 400, 400, 400}, nil, nil)

	wantLevels := []alarm.Level{alarm.Normal, alarm.Normal, alarm.Alarm, alarm.Alarm, alarm.Alarm}
	for i, want := range wantLevels {
		r.step(t, time.Duration(i)*poll)
		snap := r.tracker.Snapshot()
		assert.Equal(t, want, snap.Level, "level at index %d", i)
		if i < 4 {
			assert.Empty(t, r.act.Calls, "actuator written before index 4 (at %d)", i)
		}
	}
	assert.Equal(t, []bool{true}, r.act.Calls)
	assert.True(t, r.act.Engaged)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.Engagements))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.Level))

	// Further alarm cycles do not rewrite the output.
	r.step(t, 5*poll)
	assert.Equal(t, []bool{true}, r.act.Calls)
}

func TestStepReleasesAfterSettle(t *testing.T) {
	r := newRig(t, "alarm-1", []int{400, 400, 400, 800, 1500, 1500, 1500}, nil, nil)

	for i := 0; i < 3; i++ {
		r.step(t, time.Duration(i)*poll)
	}
	require.Equal(t, []bool{true}, r.act.Calls)

	r.step(t, 3*poll) // Warning holds
	r.step(t, 4*poll) // Normal, clearing starts at 8s
	r.step(t, 5*poll) // 2s clear
	assert.Equal(t, []bool{true}, r.act.Calls)

	r.step(t, 6*poll) // 4s clear
	assert.Equal(t, []bool{true, false}, r.act.Calls)
	assert.False(t, r.tracker.Snapshot().Actuator)

	h := r.tracker.Snapshot().History
	require.Len(t, h, 3)
	assert.Equal(t, alarm.Alarm, h[0].To)
	assert.Equal(t, alarm.Warning, h[1].To)
	assert.Equal(t, alarm.Normal, h[2].To)
}

func TestStepRetriesFailedActuatorWrite(t *testing.T) {
	r := newRig(t, "alarm-1", []int{400}, nil, nil)
	r.act.SetError = errors.New("gpio busy")

	for i := 0; i < 3; i++ {
		r.step(t, time.Duration(i)*poll)
	}
	assert.Equal(t, []bool{true}, r.act.Calls)
	assert.False(t, r.act.Engaged)
	assert.True(t, r.tracker.Snapshot().Actuator)

	r.step(t, 3*poll)
	assert.Equal(t, []bool{true, true}, r.act.Calls, "failed write is retried")

	r.act.SetError = nil
	r.step(t, 4*poll)
	assert.Equal(t, []bool{true, true, true}, r.act.Calls)
	assert.True(t, r.act.Engaged)

	r.step(t, 5*poll)
	assert.Len(t, r.act.Calls, 3, "no writes once the output matches")
	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.ActuatorErrors))
}

func TestStepRetryIsSupersededByRelease(t *testing.T) {
	r := newRig(t, "alarm-1", []int{400, 400, 400, 1500}, nil, nil)
	r.act.SetError = errors.New("gpio busy")
	for i := 0; i < 5; i++ {
		r.step(t, time.Duration(i)*poll)
	}
	assert.Equal(t, []bool{true, true, true}, r.act.Calls)

	// Normal since 6s; the release at 10s replaces the pending engage.
	r.act.SetError = nil
	for i := 5; i < 8; i++ {
		r.step(t, time.Duration(i)*poll)
	}
	assert.Equal(t, []bool{true, true, true, false}, r.act.Calls)
	assert.False(t, r.act.Engaged)
	assert.False(t, r.tracker.Snapshot().Actuator)
}

func TestStepMarksStaleReadings(t *testing.T) {
	r := newRig(t, "alarm-1", []int{800}, nil, nil)
	r.step(t, 0)
	r.reader.Errors["mq2"] = errors.New("adc timeout")
	r.step(t, poll)

	snap := r.tracker.Snapshot()
	require.Len(t, snap.Channels, 1)
	assert.True(t, snap.Channels[0].Stale)
	assert.Equal(t, 800, snap.Channels[0].Raw)
	assert.Equal(t, alarm.Warning, snap.Channels[0].Level)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.StaleReadings.WithLabelValues("mq2")))
}

func TestNodeWithoutSessionQueuesNothing(t *testing.T) {
	r := newRig(t, "slave-1", []int{400}, nil, nil)
	for i := 0; i < 5; i++ {
		r.step(t, time.Duration(i)*poll)
	}
	r.node.Announce(EventStartup, "", t0)
	assert.Zero(t, r.node.Pending())
	assert.NoError(t, r.node.Shutdown("SIGTERM", t0))
}

func TestStepFlushesOneBatchPerCycle(t *testing.T) {
	srv := newCollector(t)
	r := newRig(t, "alarm-1", []int{1500}, srv, nil)

	for i := 0; i < 8; i++ {
		r.node.Announce(EventHeartbeat, "", t0)
	}
	r.step(t, 0) // connect
	require.Equal(t, 9, r.node.Pending())

	r.step(t, poll)
	assert.Equal(t, 9-DefaultFlushBatch, r.node.Pending())
	assert.Equal(t, uint64(DefaultFlushBatch), r.node.Published())

	r.step(t, 2*poll)
	assert.Zero(t, r.node.Pending())
	_, ok := srv.WaitMessages(9, 2*time.Second)
	assert.True(t, ok)
}

func TestStepPublishesToCollector(t *testing.T) {
	srv := newCollector(t)
	r := newRig(t, "alarm-1", []int{1500, 800}, srv, nil)

	r.node.Announce(EventStartup, "", t0)
	r.step(t, 0) // connect
	assert.Equal(t, []string{"alarm-1"}, srv.ClientIDs())
	assert.Equal(t, 2, r.node.Pending(), "startup and data wait for the next cycle")

	r.step(t, poll) // Warning alert queued, then everything flushed
	msgs, ok := srv.WaitMessages(3, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, []string{
		"esp32/alarm-1/status/system",
		"esp32/alarm-1/data/json",
		"esp32/alarm-1/alert/level",
	}, topicsOf(msgs))

	var startup status.StatusJSON
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &startup))
	assert.Equal(t, "STARTUP", startup.Status.Event)

	var data telemetry.DataPayload
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &data))
	assert.Equal(t, "alarm-1", data.DeviceID)
	assert.Equal(t, map[string]int{"mq2": 1500}, data.SensorData)
	assert.Equal(t, alarm.Normal, data.SystemStatus.Level)

	var alert telemetry.AlertPayload
	require.NoError(t, json.Unmarshal(msgs[2].Payload, &alert))
	assert.Equal(t, alarm.Warning, alert.Level)
	assert.Equal(t, alarm.Normal, alert.Previous)

	assert.Zero(t, r.node.Pending())
	assert.Equal(t, uint64(3), r.node.Published())
	link := r.tracker.Snapshot().Link
	assert.Equal(t, "connected", link.State)
	assert.Equal(t, uint64(3), link.Published)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.Connected))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.metrics.Published))
}

func TestStepKeepAliveWhenIdle(t *testing.T) {
	srv := newCollector(t)
	r := newRig(t, "alarm-1", []int{1500}, srv, nil)
	r.node.cfg.ReportInterval = time.Hour

	r.step(t, 0)              // connect
	r.step(t, poll)           // flush data
	r.step(t, 20*time.Second) // idle, within keep-alive
	assert.Zero(t, srv.Pings())
	r.step(t, 33*time.Second) // idle for 31s: ping
	assert.True(t, srv.Wait(2*time.Second, func(s *collector.Snapshot) bool { return s.Pings == 1 }))
	r.step(t, 35*time.Second) // pong drained
	assert.Equal(t, "connected", r.tracker.Snapshot().Link.State)
}

func TestStepReconnectsAfterCollectorDrop(t *testing.T) {
	srv := newCollector(t)
	r := newRig(t, "alarm-1", []int{1500}, srv, nil)

	r.step(t, 0)    // connect
	r.step(t, poll) // flush data
	_, ok := srv.WaitMessages(1, 2*time.Second)
	require.True(t, ok)

	srv.DropConnections()
	time.Sleep(50 * time.Millisecond)

	r.step(t, 2*poll) // idle tick sees EOF
	snap := r.tracker.Snapshot()
	assert.Equal(t, "disconnected", snap.Link.State)
	assert.NotEmpty(t, snap.Link.LastError)

	r.step(t, 3*poll) // reconnect
	assert.True(t, srv.Wait(2*time.Second, func(s *collector.Snapshot) bool { return len(s.ClientIDs) == 2 }))
	assert.Equal(t, "connected", r.tracker.Snapshot().Link.State)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.ConnectAttempts.WithLabelValues("ok")))
}

func TestStepCountsFailedConnects(t *testing.T) {
	srv, err := collector.Listen(collector.Config{ReturnCode: 5, Logger: quiet})
	require.NoError(t, err)
	defer srv.Close()

	r := newRig(t, "alarm-1", []int{1500}, srv, nil)
	r.step(t, 0)
	r.step(t, time.Second) // before the retry interval
	r.step(t, poll)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.ConnectAttempts.WithLabelValues("error")))
	assert.Contains(t, r.tracker.Snapshot().Link.LastError, "rejected")
	assert.Equal(t, 1, r.node.Pending())
}

func TestShutdownFlushesAndDisconnects(t *testing.T) {
	srv := newCollector(t)
	r := newRig(t, "alarm-1", []int{1500}, srv, nil)

	r.step(t, 0) // connect
	require.NoError(t, r.node.Shutdown("SIGTERM", t0.Add(time.Second)))

	msgs, ok := srv.WaitMessages(2, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "esp32/alarm-1/status/system", msgs[1].Topic)
	assert.Contains(t, string(msgs[1].Payload), `"event":"SHUTDOWN"`)
	assert.Contains(t, string(msgs[1].Payload), `"reason":"SIGTERM"`)
	assert.True(t, srv.Wait(2*time.Second, func(s *collector.Snapshot) bool { return s.Disconnects == 1 }))
}

func TestHeartbeat(t *testing.T) {
	srv := newCollector(t)
	r := newRig(t, "alarm-1", []int{1500}, srv, nil)
	r.node.cfg.Heartbeat = time.Minute

	r.step(t, 0)
	r.step(t, poll)
	r.step(t, time.Minute)
	r.step(t, time.Minute+poll)

	assert.True(t, srv.Wait(2*time.Second, func(s *collector.Snapshot) bool {
		for _, m := range s.Messages {
			if strings.Contains(string(m.Payload), `"event":"HEARTBEAT"`) {
				return true
			}
		}
		return false
	}))
}

func TestMasterRelaysSlaveReports(t *testing.T) {
	srv := newCollector(t)
	masterConn := listenUDP(t)
	slaveConn := listenUDP(t)

	master := newRig(t, "master-1", []int{1500}, srv, func(p *Parts) {
		p.Coordinator = discovery.NewCoordinator(masterConn, discovery.CoordinatorConfig{
			NodeID:      "master-1",
			PeerTimeout: 30 * time.Second,
			PollWindow:  200 * time.Millisecond,
			Logger:      quiet,
		})
	})
	slaveNode := discovery.NewSlave(slaveConn, discovery.SlaveConfig{NodeID: "slave-1", Logger: quiet})
	slaveNode.SetCoordinator(masterConn.LocalAddr().(*net.UDPAddr))
	slave := newRig(t, "slave-1", []int{400}, nil, func(p *Parts) { p.Slave = slaveNode })

	slave.step(t, 0)  // report sent
	master.step(t, 0) // connect, receive report
	master.step(t, poll)

	msgs, ok := srv.WaitMessages(2, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, []string{"esp32/master-1/data/json", "esp32/slave-1/data/json"}, topicsOf(msgs))

	var relayed telemetry.DataPayload
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &relayed))
	assert.Equal(t, "slave-1", relayed.DeviceID)
	assert.Equal(t, "master-1", relayed.SystemStatus.Via)
	assert.Equal(t, uint64(1), relayed.SystemStatus.Sequence)
	assert.Equal(t, map[string]int{"mq2": 400}, relayed.SensorData)
	assert.Equal(t, alarm.Alarm, relayed.SystemStatus.Level)

	peers := master.tracker.Snapshot().Peers
	require.Len(t, peers, 1)
	assert.Equal(t, "slave-1", peers[0].ID)
	assert.Equal(t, "online", peers[0].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(master.metrics.PeersOnline))
	assert.Equal(t, masterConn.LocalAddr().String(), slave.tracker.Snapshot().Coordinator)

	// Silence past the peer timeout: the sweep marks the slave offline and
	// announces it on the slave's system topic.
	master.step(t, 61*time.Second)
	master.step(t, 63*time.Second)
	assert.True(t, srv.Wait(2*time.Second, func(s *collector.Snapshot) bool {
		for _, m := range s.Messages {
			if m.Topic == "esp32/slave-1/status/system" {
				return strings.Contains(string(m.Payload), `"event":"OFFLINE"`)
			}
		}
		return false
	}))
	peers = master.tracker.Snapshot().Peers
	require.Len(t, peers, 1, "offline peers are kept")
	assert.Equal(t, "offline", peers[0].Status)
	assert.Equal(t, 0.0, testutil.ToFloat64(master.metrics.PeersOnline))
}
