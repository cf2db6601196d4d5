package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// SlaveState is the discovery progress of a slave.
type SlaveState int

const (
	Idle SlaveState = iota
	Broadcasting
	AwaitingResponse
	Discovered
	Failed
)

func (s SlaveState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Broadcasting:
		return "broadcasting"
	case AwaitingResponse:
		return "awaiting_response"
	case Discovered:
		return "discovered"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("slave_state(%d)", int(s))
	}
}

// SlaveConfig configures a Slave.
type SlaveConfig struct {
	NodeID string
	// Broadcast defaults to 255.255.255.255:DefaultPort.
	Broadcast *net.UDPAddr
	// Fallbacks are unicast addresses tried alongside the broadcast on every
	// attempt.
	Fallbacks []*net.UDPAddr
	Logger    *slog.Logger
}

// Slave locates a coordinator and then sends it reports.
type Slave struct {
	conn PacketConn
	cfg  SlaveConfig
	log  *slog.Logger

	state       SlaveState
	coordinator *net.UDPAddr
	sequence    uint64
	buf         []byte
}

// NewSlave returns an Idle slave that owns conn.
func NewSlave(conn PacketConn, cfg SlaveConfig) *Slave {
	if cfg.Broadcast == nil {
		cfg.Broadcast = &net.UDPAddr{IP: net.IPv4bcast, Port: DefaultPort}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Slave{
		conn: conn,
		cfg:  cfg,
		log:  log.With("component", "discovery", "role", "slave"),
		buf:  make([]byte, maxDatagram),
	}
}

// State returns the current discovery state.
func (s *Slave) State() SlaveState {
	return s.state
}

// Coordinator returns the discovered or configured coordinator address.
func (s *Slave) Coordinator() *net.UDPAddr {
	return s.coordinator
}

// SetCoordinator installs a static coordinator address, used when discovery
// fails and a fallback is configured.
func (s *Slave) SetCoordinator(addr *net.UDPAddr) {
	s.coordinator = addr
	s.state = Discovered
}

// Discover sends a discover request per attempt and waits up to
// perAttemptTimeout for a response. The first well-formed response wins.
// It returns ErrNotFound once maxAttempts are exhausted.
func (s *Slave) Discover(maxAttempts int, perAttemptTimeout time.Duration) (*net.UDPAddr, error) {
	req, err := Message{Type: TypeDiscover, NodeID: s.cfg.NodeID, Timestamp: time.Now().Unix()}.Marshal()
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		s.state = Broadcasting
		s.send(req, attempt)

		s.state = AwaitingResponse
		addr, err := s.await(time.Now().Add(perAttemptTimeout))
		if err != nil {
			s.state = Failed
			return nil, err
		}
		if addr != nil {
			s.state = Discovered
			s.coordinator = addr
			s.log.Info("coordinator discovered", "addr", addr, "attempt", attempt)
			return addr, nil
		}
		s.log.Debug("no discovery response", "attempt", attempt, "max_attempts", maxAttempts)
	}

	s.state = Failed
	return nil, fmt.Errorf("%w after %d attempts", ErrNotFound, maxAttempts)
}

func (s *Slave) send(req []byte, attempt int) {
	targets := append([]*net.UDPAddr{s.cfg.Broadcast}, s.cfg.Fallbacks...)
	for _, to := range targets {
		if _, err := s.conn.WriteTo(req, to); err != nil {
			s.log.Warn("discover send failed", "to", to, "attempt", attempt, "error", err)
		}
	}
}

// await reads until a valid response arrives or the deadline passes. A nil
// address with a nil error means the attempt timed out.
func (s *Slave) await(deadline time.Time) (*net.UDPAddr, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("discovery: set deadline: %w", err)
	}
	for {
		n, from, err := s.conn.ReadFrom(s.buf)
		if err != nil {
			if isTimeout(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("discovery: read: %w", err)
		}
		msg, err := Parse(s.buf[:n])
		if err != nil {
			s.log.Debug("dropping datagram", "from", from, "error", err)
			continue
		}
		if msg.Type != TypeDiscoverResponse {
			continue
		}
		return responseAddr(msg, from), nil
	}
}

// responseAddr is the advertised address, or the datagram's source IP when
// the coordinator did not advertise one.
func responseAddr(msg Message, from net.Addr) *net.UDPAddr {
	addr := &net.UDPAddr{Port: msg.Port}
	if ip := net.ParseIP(msg.Address); ip != nil && !ip.IsUnspecified() {
		addr.IP = ip
	} else if ua, ok := from.(*net.UDPAddr); ok {
		addr.IP = ua.IP
	}
	if v4 := addr.IP.To4(); v4 != nil {
		addr.IP = v4
	}
	return addr
}

// ReportData is the slave state carried by one report datagram.
type ReportData struct {
	Level    string
	Readings map[string]int
	Time     time.Time
}

// Report sends one report datagram to the coordinator.
func (s *Slave) Report(d ReportData) error {
	if s.coordinator == nil {
		return errors.New("discovery: no coordinator")
	}
	s.sequence++
	b, err := Message{
		Type:      TypeReport,
		NodeID:    s.cfg.NodeID,
		Level:     d.Level,
		Readings:  d.Readings,
		Sequence:  s.sequence,
		Timestamp: d.Time.Unix(),
	}.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteTo(b, s.coordinator); err != nil {
		return fmt.Errorf("discovery: report to %s: %w", s.coordinator, err)
	}
	return nil
}

// Sequence returns the sequence number of the last report sent.
func (s *Slave) Sequence() uint64 {
	return s.sequence
}
