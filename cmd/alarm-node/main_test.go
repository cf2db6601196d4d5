package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/alarm-node/internal/alarm"
	"github.com/sweeney/alarm-node/internal/collector"
	"github.com/sweeney/alarm-node/internal/config"
	"github.com/sweeney/alarm-node/internal/node"
	"github.com/sweeney/alarm-node/internal/sensor"
	"github.com/sweeney/alarm-node/internal/session"
	"github.com/sweeney/alarm-node/internal/status"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}
	want := status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}
	if *info != want {
		t.Errorf("got %+v, want %+v", *info, want)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	if info := readNetworkInfo(); info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo when NETWORK_STATUS is set")
	}
	if info.Status != "connected" {
		t.Errorf("Status: got %q, want connected", info.Status)
	}
	if info.Type != "" || info.IP != "" || info.SSID != "" {
		t.Errorf("expected other fields empty, got %+v", info)
	}
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	f, err := parseFlags([]string{"-role", "slave", "-poll", "1s", "-heartbeat=-1s", "-http", "off"})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg := &config.Config{NodeID: "from-file", Collector: config.CollectorConfig{Addr: "10.0.0.1:1883", Prefix: "site"}}
	f.apply(cfg)

	if cfg.Role != config.RoleSlave {
		t.Errorf("Role: got %q, want slave", cfg.Role)
	}
	if cfg.Poll != time.Second {
		t.Errorf("Poll: got %s, want 1s", cfg.Poll)
	}
	if cfg.Heartbeat != -time.Second {
		t.Errorf("Heartbeat: got %s, want -1s", cfg.Heartbeat)
	}
	if cfg.HTTPAddr != "off" {
		t.Errorf("HTTPAddr: got %q, want off", cfg.HTTPAddr)
	}
	if cfg.NodeID != "from-file" || cfg.Collector.Addr != "10.0.0.1:1883" || cfg.Collector.Prefix != "site" {
		t.Errorf("unset flags changed the file values: %+v", cfg)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	ctx := context.Background()
	if l := newLogger("debug"); !l.Enabled(ctx, slog.LevelDebug) {
		t.Error("debug logger should enable debug")
	}
	if l := newLogger("warn"); l.Enabled(ctx, slog.LevelInfo) {
		t.Error("warn logger should not enable info")
	}
	if l := newLogger("bogus"); !l.Enabled(ctx, slog.LevelInfo) || l.Enabled(ctx, slog.LevelDebug) {
		t.Error("unknown level should fall back to info")
	}
}

func TestSignalName(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := signalName(tt.sig); got != tt.want {
			t.Errorf("signalName(%v) = %q, want %q", tt.sig, got, tt.want)
		}
	}
}

func TestPrintState(t *testing.T) {
	reader := sensor.NewFakeReader(map[string][]int{"flame": {400}, "mq2": {1800}})
	reader.Errors["mq2"] = errors.New("adc timeout")
	chans := []sensor.Channel{{ID: "flame"}, {ID: "mq2", Default: 4095}}
	engine, err := alarm.NewEngine(alarm.Config{Channels: []alarm.Channel{
		{ID: "flame", Warning: 1000, Alarm: 500, Direction: alarm.LowerIsWorse},
		{ID: "mq2", Warning: 1500, Alarm: 1000, Direction: alarm.LowerIsWorse},
	}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	var buf bytes.Buffer
	printState(&buf, sensor.NewSampler(reader, chans, quiet), engine)

	want := "flame: 400 ALARM\nmq2: 4095 NORMAL (stale)\nlevel: ALARM\n"
	if buf.String() != want {
		t.Errorf("output:\n%s\nwant:\n%s", buf.String(), want)
	}
}

// --- runLoop tests ---

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Only runLoop's goroutine calls it.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

func newTestNode(t *testing.T, srv *collector.Server) (*node.Node, *status.Tracker) {
	t.Helper()
	reader := sensor.NewFakeReader(map[string][]int{"flame": {4095}})
	engine, err := alarm.NewEngine(alarm.Config{Channels: []alarm.Channel{
		{ID: "flame", Warning: 1000, Alarm: 500, Direction: alarm.LowerIsWorse},
	}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	sess := session.New(session.Config{Logger: quiet})
	tracker := status.NewTracker("alarm-1", time.Now(), status.Config{})
	n, err := node.New(node.Config{NodeID: "alarm-1", Logger: quiet}, node.Parts{
		Sampler: sensor.NewSampler(reader, []sensor.Channel{{ID: "flame"}}, quiet),
		Engine:  engine,
		Session: sess,
		Reconnector: session.NewReconnector(sess, session.ReconnectConfig{
			Addr:     srv.Addr(),
			ClientID: "alarm-1",
			Logger:   quiet,
		}),
		Tracker: tracker,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return n, tracker
}

func newTestCollector(t *testing.T) *collector.Server {
	t.Helper()
	srv, err := collector.Listen(collector.Config{Logger: quiet})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

// runRunLoop drives runLoop for nTicks and then delivers signal, or cancels
// the context when signal is nil.
func runRunLoop(t *testing.T, n *node.Node, tracker *status.Tracker, nTicks int, signal os.Signal, onTick func()) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 2*time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(ctx, quiet, n, tracker, clock, tick, sig, onTick)
	}()

	for i := 0; i < nTicks; i++ {
		tick <- time.Time{}
	}
	if signal != nil {
		sig <- signal
	} else {
		cancel()
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runLoop did not return")
		return nil
	}
}

func lastSystemEvent(t *testing.T, srv *collector.Server, n int) status.StatusInner {
	t.Helper()
	msgs, ok := srv.WaitMessages(n, 2*time.Second)
	if !ok {
		t.Fatalf("expected %d messages, got %d", n, len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Topic != "esp32/alarm-1/status/system" {
		t.Fatalf("last topic: got %q", last.Topic)
	}
	var sj status.StatusJSON
	if err := json.Unmarshal(last.Payload, &sj); err != nil {
		t.Fatalf("decode system event: %v", err)
	}
	return sj.Status
}

func TestRunLoopShutdownSIGTERM(t *testing.T) {
	srv := newTestCollector(t)
	n, tracker := newTestNode(t, srv)

	// First tick connects, second flushes the first sample.
	if err := runRunLoop(t, n, tracker, 2, syscall.SIGTERM, nil); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	ev := lastSystemEvent(t, srv, 2)
	if ev.Event != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN, got %q", ev.Event)
	}
	if ev.Reason != "SIGTERM" {
		t.Errorf("expected reason SIGTERM, got %q", ev.Reason)
	}
	if !srv.Wait(2*time.Second, func(s *collector.Snapshot) bool { return s.Disconnects == 1 }) {
		t.Error("expected a disconnect frame")
	}
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	srv := newTestCollector(t)
	n, tracker := newTestNode(t, srv)

	if err := runRunLoop(t, n, tracker, 1, syscall.SIGINT, nil); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	// The sample queued on the connecting tick goes out with the SHUTDOWN.
	ev := lastSystemEvent(t, srv, 2)
	if ev.Event != "SHUTDOWN" || ev.Reason != "SIGINT" {
		t.Errorf("expected SHUTDOWN (SIGINT), got %s (%s)", ev.Event, ev.Reason)
	}
}

func TestRunLoopShutdownBeforeConnect(t *testing.T) {
	srv := newTestCollector(t)
	n, tracker := newTestNode(t, srv)

	if err := runRunLoop(t, n, tracker, 0, syscall.SIGTERM, nil); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if n.Pending() != 1 {
		t.Errorf("expected the unsent SHUTDOWN to stay queued, got %d pending", n.Pending())
	}
	if len(srv.ClientIDs()) != 0 {
		t.Errorf("expected no connection, got %v", srv.ClientIDs())
	}
}

func TestRunLoopContextCancelled(t *testing.T) {
	srv := newTestCollector(t)
	n, tracker := newTestNode(t, srv)

	if err := runRunLoop(t, n, tracker, 1, nil, nil); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	ev := lastSystemEvent(t, srv, 2)
	if ev.Event != "SHUTDOWN" || ev.Reason != "CANCELLED" {
		t.Errorf("expected SHUTDOWN (CANCELLED), got %s (%s)", ev.Event, ev.Reason)
	}
}

func TestRunLoopNotifiesEveryTick(t *testing.T) {
	srv := newTestCollector(t)
	n, tracker := newTestNode(t, srv)

	ticks := 0
	if err := runRunLoop(t, n, tracker, 3, syscall.SIGTERM, func() { ticks++ }); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if ticks != 3 {
		t.Errorf("onTick called %d times, want 3", ticks)
	}
}

func TestRunLoopRefreshesNetworkInfo(t *testing.T) {
	srv := newTestCollector(t)
	n, tracker := newTestNode(t, srv)
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "HomeNet")

	if err := runRunLoop(t, n, tracker, 1, syscall.SIGTERM, nil); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	snap := tracker.Snapshot()
	if snap.Network == nil {
		t.Fatal("expected network info after a tick")
	}
	if snap.Network.SSID != "HomeNet" {
		t.Errorf("SSID: got %q, want HomeNet", snap.Network.SSID)
	}

	ev := lastSystemEvent(t, srv, 2)
	if ev.Network == nil || ev.Network.SSID != "HomeNet" {
		t.Errorf("SHUTDOWN event missing network info: %+v", ev.Network)
	}
}
