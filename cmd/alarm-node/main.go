// Command alarm-node samples hazard sensors, drives the alarm output and
// publishes telemetry to a collector. A master also answers discovery and
// relays its slaves' reports; a slave finds its master and reports to it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/alarm-node/internal/actuator"
	"github.com/sweeney/alarm-node/internal/alarm"
	"github.com/sweeney/alarm-node/internal/collector"
	"github.com/sweeney/alarm-node/internal/config"
	"github.com/sweeney/alarm-node/internal/discovery"
	"github.com/sweeney/alarm-node/internal/metrics"
	"github.com/sweeney/alarm-node/internal/node"
	"github.com/sweeney/alarm-node/internal/sensor"
	"github.com/sweeney/alarm-node/internal/session"
	"github.com/sweeney/alarm-node/internal/status"
	"github.com/sweeney/alarm-node/internal/web"
)

// flags are the command-line settings. Only flags given explicitly override
// the configuration file.
type flags struct {
	fs *flag.FlagSet

	configPath string
	nodeID     string
	role       string
	collector  string
	prefix     string
	poll       time.Duration
	heartbeat  time.Duration
	httpAddr   string
	logLevel   string
	printState bool
	stub       bool
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{fs: flag.NewFlagSet("alarm-node", flag.ContinueOnError)}
	fs := f.fs
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.nodeID, "node-id", "", "Node identifier (default alarm-<random>)")
	fs.StringVar(&f.role, "role", "", "Discovery role: master, slave or standalone")
	fs.StringVar(&f.collector, "collector", "", "Collector address host:port")
	fs.StringVar(&f.prefix, "prefix", "", "Topic prefix (default esp32)")
	fs.DurationVar(&f.poll, "poll", 0, "Sensor polling interval (default 2s)")
	fs.DurationVar(&f.heartbeat, "heartbeat", 0, "Heartbeat interval, negative to disable (default 15m)")
	fs.StringVar(&f.httpAddr, "http", "", `HTTP status address, "off" to disable (default :80)`)
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	fs.BoolVar(&f.printState, "print-state", false, "Print current readings and exit")
	fs.BoolVar(&f.stub, "collector-stub", false, "Publish to an in-process collector stub")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// apply copies every explicitly set flag into cfg.
func (f *flags) apply(cfg *config.Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "node-id":
			cfg.NodeID = f.nodeID
		case "role":
			cfg.Role = config.Role(f.role)
		case "collector":
			cfg.Collector.Addr = f.collector
		case "prefix":
			cfg.Collector.Prefix = f.prefix
		case "poll":
			cfg.Poll = f.poll
		case "heartbeat":
			cfg.Heartbeat = f.heartbeat
		case "http":
			cfg.HTTPAddr = f.httpAddr
		}
	})
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	log := newLogger(f.logLevel)
	slog.SetDefault(log)

	cfg, err := config.Read(f.configPath)
	if err != nil {
		log.Error("load config", "path", f.configPath, "error", err)
		os.Exit(1)
	}
	f.apply(cfg)

	if err := run(cfg, f, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, f *flags, log *slog.Logger) error {
	if f.stub {
		stub, err := collector.Listen(collector.Config{Logger: log})
		if err != nil {
			return fmt.Errorf("start collector stub: %w", err)
		}
		defer func() {
			log.Info("collector stub closing", "received", len(stub.Messages()))
			stub.Close()
		}()
		cfg.Collector.Addr = stub.Addr()
		log.Info("publishing to collector stub", "addr", stub.Addr())
	}

	cfg.ApplyDefaults()
	if !f.printState {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	bank, err := sensor.NewBank(cfg.GPIOChip, cfg.SensorChannels())
	if err != nil {
		return fmt.Errorf("init sensors: %w", err)
	}
	defer bank.Close()

	sampler := sensor.NewSampler(bank, cfg.SensorChannels(), log)
	engine, err := alarm.NewEngine(cfg.EngineConfig())
	if err != nil {
		return fmt.Errorf("init alarm engine: %w", err)
	}

	if f.printState {
		printState(os.Stdout, sampler, engine)
		return nil
	}

	parts := node.Parts{Sampler: sampler, Engine: engine}

	if cfg.Actuator.Line >= 0 {
		out, err := actuator.NewGPIO(cfg.GPIOChip, cfg.Actuator.Line, cfg.Actuator.ActiveLow)
		if err != nil {
			return fmt.Errorf("init actuator: %w", err)
		}
		defer out.Close()
		parts.Actuator = out
	}

	if cfg.Collector.Addr != "" {
		cc := cfg.Collector
		parts.Session = session.New(session.Config{
			KeepAlive:        cc.KeepAlive,
			HandshakeTimeout: cc.HandshakeTimeout,
			WriteTimeout:     cc.WriteTimeout,
			Logger:           log,
		})
		parts.Reconnector = session.NewReconnector(parts.Session, session.ReconnectConfig{
			Addr:        cc.Addr,
			ClientID:    cfg.NodeID,
			DialTimeout: cc.DialTimeout,
			Interval:    cc.RetryInterval,
			MaxAttempts: cc.RetryAttempts,
			Cooldown:    cc.RetryCooldown,
			Logger:      log,
		})
	}

	switch cfg.Role {
	case config.RoleMaster:
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.Discovery.Port})
		if err != nil {
			return fmt.Errorf("listen discovery: %w", err)
		}
		defer conn.Close()
		parts.Coordinator, err = newCoordinator(conn, cfg, log)
		if err != nil {
			return err
		}
		log.Info("coordinator listening", "addr", conn.LocalAddr())

	case config.RoleSlave:
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
		if err != nil {
			return fmt.Errorf("open discovery socket: %w", err)
		}
		defer conn.Close()
		parts.Slave, err = discoverCoordinator(conn, cfg, log)
		if err != nil {
			return err
		}
	}

	heartbeat := max(cfg.Heartbeat, 0)
	httpAddr := cfg.HTTPAddr
	if httpAddr == "off" {
		httpAddr = ""
	}
	tracker := status.NewTracker(cfg.NodeID, time.Now(), status.Config{
		Role:         string(cfg.Role),
		PollMs:       cfg.Poll.Milliseconds(),
		ReportMs:     cfg.ReportInterval.Milliseconds(),
		HeartbeatMs:  heartbeat.Milliseconds(),
		Collector:    cfg.Collector.Addr,
		Prefix:       cfg.Collector.Prefix,
		HTTPAddr:     httpAddr,
		ConfirmCount: cfg.Alarm.ConfirmCount,
		GraceMs:      cfg.Alarm.Grace.Milliseconds(),
		SettleMs:     cfg.Alarm.Settle.Milliseconds(),
	})
	if info := readNetworkInfo(); info != nil {
		tracker.SetNetwork(info)
	}
	parts.Tracker = tracker

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	parts.Metrics = metrics.New(reg)

	n, err := node.New(node.Config{
		NodeID:         cfg.NodeID,
		Prefix:         cfg.Collector.Prefix,
		ReportInterval: cfg.ReportInterval,
		Heartbeat:      heartbeat,
		SweepInterval:  cfg.Discovery.Sweep,
		QueueSize:      cfg.QueueSize,
		Logger:         log,
	}, parts)
	if err != nil {
		return err
	}
	n.Announce(node.EventStartup, "", time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if httpAddr != "" {
		srv := web.New(httpAddr, tracker, reg)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
		log.Info("http status server listening", "addr", httpAddr)
	}

	ticker := time.NewTicker(cfg.Poll)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var onTick func()
	if interval, _ := daemon.SdWatchdogEnabled(false); interval > 0 {
		log.Info("systemd watchdog enabled", "interval", interval)
		onTick = func() { sdnotify(log, daemon.SdNotifyWatchdog) }
	}

	log.Info("started", "node_id", cfg.NodeID, "role", cfg.Role, "poll", cfg.Poll,
		"collector", cfg.Collector.Addr, "channels", len(cfg.Channels), "heartbeat", heartbeat)
	sdnotify(log, daemon.SdNotifyReady)

	g.Go(func() error {
		defer cancel()
		err := runLoop(gctx, log, n, tracker, time.Now, ticker.C, sigCh, onTick)
		sdnotify(log, daemon.SdNotifyStopping)
		return err
	})
	return g.Wait()
}

func newCoordinator(conn *net.UDPConn, cfg *config.Config, log *slog.Logger) (*discovery.Coordinator, error) {
	d := cfg.Discovery
	advertise := &net.UDPAddr{Port: d.Port}
	if d.Advertise != "" {
		a, err := net.ResolveUDPAddr("udp4", d.Advertise)
		if err != nil {
			return nil, fmt.Errorf("discovery advertise address: %w", err)
		}
		advertise = a
	}
	return discovery.NewCoordinator(conn, discovery.CoordinatorConfig{
		NodeID:      cfg.NodeID,
		Advertise:   advertise,
		PeerTimeout: d.PeerTimeout,
		Logger:      log,
	}), nil
}

// discoverCoordinator locates the master, falling back to the configured
// static coordinator when nothing answers.
func discoverCoordinator(conn *net.UDPConn, cfg *config.Config, log *slog.Logger) (*discovery.Slave, error) {
	d := cfg.Discovery
	bcast, err := net.ResolveUDPAddr("udp4", d.Broadcast)
	if err != nil {
		return nil, fmt.Errorf("discovery broadcast address: %w", err)
	}
	fallbacks := make([]*net.UDPAddr, 0, len(d.Fallbacks))
	for _, s := range d.Fallbacks {
		a, err := net.ResolveUDPAddr("udp4", s)
		if err != nil {
			return nil, fmt.Errorf("discovery fallback address: %w", err)
		}
		fallbacks = append(fallbacks, a)
	}

	slave := discovery.NewSlave(conn, discovery.SlaveConfig{
		NodeID:    cfg.NodeID,
		Broadcast: bcast,
		Fallbacks: fallbacks,
		Logger:    log,
	})
	if _, err := slave.Discover(d.Attempts, d.AttemptTimeout); err != nil {
		if !errors.Is(err, discovery.ErrNotFound) || d.Coordinator == "" {
			return nil, err
		}
		static, rerr := net.ResolveUDPAddr("udp4", d.Coordinator)
		if rerr != nil {
			return nil, fmt.Errorf("discovery coordinator address: %w", rerr)
		}
		log.Warn("discovery failed, using static coordinator", "addr", static, "error", err)
		slave.SetCoordinator(static)
	}
	return slave, nil
}

// runLoop steps the node on every tick until a signal arrives or ctx is
// cancelled, then shuts the node down.
func runLoop(ctx context.Context, log *slog.Logger, n *node.Node, tracker *status.Tracker, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal, onTick func()) error {
	for {
		select {
		case s := <-sig:
			reason := signalName(s)
			log.Info("shutting down", "signal", reason)
			return n.Shutdown(reason, now())

		case <-ctx.Done():
			log.Info("shutting down", "reason", context.Cause(ctx))
			return n.Shutdown("CANCELLED", now())

		case <-tick:
			// pi-helper rewrites the network state at any time.
			if info := readNetworkInfo(); info != nil {
				tracker.SetNetwork(info)
			}
			n.Step(ctx, now())
			if onTick != nil {
				onTick()
			}
		}
	}
}

// printState samples every channel once and prints the readings with the
// level a first evaluation gives them.
func printState(w io.Writer, s *sensor.Sampler, e *alarm.Engine) {
	now := time.Now()
	readings := s.Sample(now)
	level, _ := e.Evaluate(readings, now)
	for _, r := range readings {
		stale := ""
		if r.Stale {
			stale = " (stale)"
		}
		fmt.Fprintf(w, "%s: %d %s%s\n", r.ChannelID, r.Raw, e.ChannelLevel(r), stale)
	}
	fmt.Fprintf(w, "level: %s\n", level)
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

func sdnotify(log *slog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Warn("sd_notify failed", "state", state, "error", err)
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
