// Package config loads the alarm node configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/alarm-node/internal/alarm"
	"github.com/sweeney/alarm-node/internal/sensor"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Role selects the node's part in discovery.
type Role string

const (
	// RoleMaster answers discovery, tracks peers and relays their reports.
	RoleMaster Role = "master"
	// RoleSlave discovers a master and reports to it.
	RoleSlave Role = "slave"
	// RoleStandalone runs without a discovery socket.
	RoleStandalone Role = "standalone"
)

type Config struct {
	NodeID         string        `yaml:"node_id"`
	Role           Role          `yaml:"role"`
	Poll           time.Duration `yaml:"poll"`
	ReportInterval time.Duration `yaml:"report_interval"`
	// Heartbeat < 0 disables heartbeats.
	Heartbeat time.Duration `yaml:"heartbeat"`
	QueueSize int           `yaml:"queue_size"`
	// HTTPAddr is the status page address; "off" disables it.
	HTTPAddr string `yaml:"http_addr"`
	GPIOChip string `yaml:"gpio_chip"`

	Collector CollectorConfig `yaml:"collector"`
	Alarm     AlarmConfig     `yaml:"alarm"`
	Channels  []ChannelConfig `yaml:"channels"`
	Actuator  ActuatorConfig  `yaml:"actuator"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// CollectorConfig is the wire protocol endpoint. An empty Addr disables the
// session, which is normal for slaves.
type CollectorConfig struct {
	Addr             string        `yaml:"addr"`
	Prefix           string        `yaml:"prefix"`
	KeepAlive        time.Duration `yaml:"keep_alive"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryCooldown    time.Duration `yaml:"retry_cooldown"`
}

type AlarmConfig struct {
	ConfirmCount int `yaml:"confirm_count"`
	// Grace defaults to twice the poll interval.
	Grace  time.Duration `yaml:"grace"`
	Settle time.Duration `yaml:"settle"`
}

type ChannelConfig struct {
	ID        string          `yaml:"id"`
	Source    sensor.Source   `yaml:"source"`
	Line      int             `yaml:"line"`
	Low       int             `yaml:"low"`
	High      int             `yaml:"high"`
	Path      string          `yaml:"path"`
	Value     int             `yaml:"value"`
	Default   int             `yaml:"default"`
	Warning   int             `yaml:"warning"`
	Alarm     int             `yaml:"alarm"`
	Direction alarm.Direction `yaml:"direction"`
}

// ActuatorConfig selects the output line. Line < 0 disables the actuator.
type ActuatorConfig struct {
	Line      int  `yaml:"line"`
	ActiveLow bool `yaml:"active_low"`
}

type DiscoveryConfig struct {
	Port      int    `yaml:"port"`
	Broadcast string `yaml:"broadcast"`
	// Advertise is the address masters hand out; empty means the source
	// address of the response.
	Advertise string `yaml:"advertise"`
	// Fallbacks are unicast addresses slaves try alongside the broadcast.
	Fallbacks []string `yaml:"fallbacks"`
	// Coordinator is used by slaves when discovery fails.
	Coordinator    string        `yaml:"coordinator"`
	Attempts       int           `yaml:"attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	Sweep          time.Duration `yaml:"sweep"`
	// PeerTimeout defaults to five report intervals.
	PeerTimeout time.Duration `yaml:"peer_timeout"`
}

// DefaultChannels are the hazard inputs of the reference board: flame and
// MQ-2 analog outputs on the ADC (lower is worse) and a DHT11 temperature in
// millidegrees (higher is worse).
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{
			ID: "flame", Source: sensor.SourceIIO,
			Path:    "/sys/bus/iio/devices/iio:device0/in_voltage0_raw",
			Default: 4095, Warning: 1000, Alarm: 500, Direction: alarm.LowerIsWorse,
		},
		{
			ID: "mq2", Source: sensor.SourceIIO,
			Path:    "/sys/bus/iio/devices/iio:device0/in_voltage1_raw",
			Default: 4095, Warning: 1500, Alarm: 1000, Direction: alarm.LowerIsWorse,
		},
		{
			ID: "temperature", Source: sensor.SourceIIO,
			Path:    "/sys/bus/iio/devices/iio:device1/in_temp_input",
			Default: 20000, Warning: 35000, Alarm: 40000, Direction: alarm.HigherIsWorse,
		},
	}
}

// DefaultActuatorLine is the BCM line of the buzzer relay on the reference
// board.
const DefaultActuatorLine = 18

// Default returns a configuration with every default applied.
func Default() *Config {
	c := blank()
	c.ApplyDefaults()
	return c
}

func blank() *Config {
	return &Config{Actuator: ActuatorConfig{Line: DefaultActuatorLine}}
}

// Read parses path without applying defaults or validating, so that callers
// can layer overrides first. An empty path yields an empty configuration.
func Read(path string) (*Config, error) {
	cfg := blank()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero field.
func (c *Config) ApplyDefaults() {
	if c.NodeID == "" {
		c.NodeID = "alarm-" + uuid.NewString()[:8]
	}
	if c.Role == "" {
		c.Role = RoleStandalone
	}
	if c.Poll == 0 {
		c.Poll = 2 * time.Second
	}
	if c.ReportInterval == 0 {
		c.ReportInterval = 10 * time.Second
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 15 * time.Minute
	}
	if c.QueueSize == 0 {
		c.QueueSize = 100
	}
	if c.GPIOChip == "" {
		c.GPIOChip = "gpiochip0"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":80"
	}

	cc := &c.Collector
	if cc.Prefix == "" {
		cc.Prefix = "esp32"
	}
	if cc.KeepAlive == 0 {
		cc.KeepAlive = 30 * time.Second
	}
	if cc.HandshakeTimeout == 0 {
		cc.HandshakeTimeout = 15 * time.Second
	}
	if cc.WriteTimeout == 0 {
		cc.WriteTimeout = 5 * time.Second
	}
	if cc.DialTimeout == 0 {
		cc.DialTimeout = 5 * time.Second
	}
	if cc.RetryInterval == 0 {
		cc.RetryInterval = 5 * time.Second
	}
	if cc.RetryAttempts == 0 {
		cc.RetryAttempts = 10
	}
	if cc.RetryCooldown == 0 {
		cc.RetryCooldown = 5 * time.Minute
	}

	if c.Alarm.ConfirmCount == 0 {
		c.Alarm.ConfirmCount = alarm.DefaultConfirmCount
	}
	if c.Alarm.Grace == 0 {
		c.Alarm.Grace = 2 * c.Poll
	}
	if c.Alarm.Settle == 0 {
		c.Alarm.Settle = alarm.DefaultSettle
	}

	if len(c.Channels) == 0 {
		c.Channels = DefaultChannels()
	}
	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.Direction == "" {
			ch.Direction = alarm.LowerIsWorse
		}
		// Digital flame/smoke modules pull DO low on detection.
		if ch.Source == sensor.SourceGPIO && ch.Low == 0 && ch.High == 0 {
			ch.High = 1500
		}
	}

	d := &c.Discovery
	if d.Port == 0 {
		d.Port = 8888
	}
	if d.Broadcast == "" {
		d.Broadcast = fmt.Sprintf("255.255.255.255:%d", d.Port)
	}
	if d.Attempts == 0 {
		d.Attempts = 3
	}
	if d.AttemptTimeout == 0 {
		d.AttemptTimeout = 5 * time.Second
	}
	if d.Sweep == 0 {
		d.Sweep = 60 * time.Second
	}
	if d.PeerTimeout == 0 {
		d.PeerTimeout = 5 * c.ReportInterval
	}
}

// Validate checks the configuration. Cutpoint ordering is checked when the
// alarm engine is built.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleMaster, RoleSlave, RoleStandalone:
	default:
		return invalid("role %q must be master, slave or standalone", c.Role)
	}
	if c.NodeID == "" {
		return invalid("node_id is required")
	}
	if c.Poll <= 0 {
		return invalid("poll must be positive")
	}
	if c.ReportInterval <= 0 {
		return invalid("report_interval must be positive")
	}
	if c.QueueSize < 1 {
		return invalid("queue_size must be at least 1")
	}
	if c.Role != RoleSlave && c.Collector.Addr == "" {
		return invalid("collector.addr is required for role %s", c.Role)
	}
	if c.Collector.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Collector.Addr); err != nil {
			return invalid("collector.addr: %v", err)
		}
	}
	if c.Collector.KeepAlive < time.Second || c.Collector.KeepAlive > 65535*time.Second {
		return invalid("collector.keep_alive %v out of range", c.Collector.KeepAlive)
	}
	if c.Collector.RetryAttempts < 1 {
		return invalid("collector.retry_attempts must be at least 1")
	}
	if c.Alarm.ConfirmCount < 1 {
		return invalid("alarm.confirm_count must be at least 1")
	}
	if c.Alarm.Grace < 0 || c.Alarm.Settle < 0 {
		return invalid("alarm windows must not be negative")
	}

	if len(c.Channels) == 0 {
		return invalid("at least one channel is required")
	}
	seen := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.ID == "" {
			return invalid("channel id is required")
		}
		if seen[ch.ID] {
			return invalid("duplicate channel %q", ch.ID)
		}
		seen[ch.ID] = true
		switch ch.Source {
		case sensor.SourceGPIO:
			if ch.Line < 0 {
				return invalid("channel %q: line must not be negative", ch.ID)
			}
		case sensor.SourceIIO:
			if ch.Path == "" {
				return invalid("channel %q: path is required for iio", ch.ID)
			}
		case sensor.SourceFixed:
		default:
			return invalid("channel %q: unknown source %q", ch.ID, ch.Source)
		}
	}

	d := c.Discovery
	if d.Port < 1 || d.Port > 65535 {
		return invalid("discovery.port %d out of range", d.Port)
	}
	if d.Attempts < 1 {
		return invalid("discovery.attempts must be at least 1")
	}
	for _, a := range append([]string{d.Broadcast, d.Advertise, d.Coordinator}, d.Fallbacks...) {
		if a == "" {
			continue
		}
		if _, err := net.ResolveUDPAddr("udp4", a); err != nil {
			return invalid("discovery address %q: %v", a, err)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// EngineConfig returns the hysteresis engine configuration.
func (c *Config) EngineConfig() alarm.Config {
	chans := make([]alarm.Channel, len(c.Channels))
	for i, ch := range c.Channels {
		chans[i] = alarm.Channel{ID: ch.ID, Warning: ch.Warning, Alarm: ch.Alarm, Direction: ch.Direction}
	}
	return alarm.Config{
		Channels:     chans,
		ConfirmCount: c.Alarm.ConfirmCount,
		Grace:        c.Alarm.Grace,
		Settle:       c.Alarm.Settle,
	}
}

// SensorChannels returns the sensor wiring of every channel.
func (c *Config) SensorChannels() []sensor.Channel {
	chans := make([]sensor.Channel, len(c.Channels))
	for i, ch := range c.Channels {
		chans[i] = sensor.Channel{
			ID: ch.ID, Source: ch.Source, Line: ch.Line,
			Low: ch.Low, High: ch.High, Path: ch.Path,
			Value: ch.Value, Default: ch.Default,
		}
	}
	return chans
}
