package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// PeerStatus is the liveness of a known peer.
type PeerStatus string

const (
	Online  PeerStatus = "online"
	Offline PeerStatus = "offline"
)

// PeerRecord is the coordinator's view of one slave.
type PeerRecord struct {
	ID       string
	Addr     string
	LastSeen time.Time
	Status   PeerStatus
	Reports  uint64
}

const (
	DefaultPeerTimeout = 5 * time.Minute
	DefaultPollWindow  = 10 * time.Millisecond
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	NodeID string
	// Advertise is the address returned to slaves. With an unspecified IP the
	// response carries the local address that routes to the requester.
	Advertise *net.UDPAddr
	// LocalIP returns the local address used to reach peer. Nil uses the
	// routing table.
	LocalIP func(peer net.Addr) (net.IP, error)
	// PeerTimeout marks a peer Offline when nothing has been heard from it
	// for longer than this.
	PeerTimeout time.Duration
	// PollWindow bounds how long Poll waits for a datagram.
	PollWindow time.Duration
	// DropLogEvery limits how often dropped datagrams are logged.
	DropLogEvery time.Duration
	Logger       *slog.Logger
}

// Coordinator answers discover requests, receives reports and tracks peers.
// It is not safe for concurrent use.
type Coordinator struct {
	conn PacketConn
	cfg  CoordinatorConfig
	log  *slog.Logger

	peers   map[string]*PeerRecord
	dropped uint64
	dropLog *rate.Limiter
	buf     []byte
}

// NewCoordinator returns a coordinator that owns conn.
func NewCoordinator(conn PacketConn, cfg CoordinatorConfig) *Coordinator {
	if cfg.Advertise == nil {
		cfg.Advertise = &net.UDPAddr{Port: DefaultPort}
	}
	if cfg.LocalIP == nil {
		cfg.LocalIP = routeIP
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
	}
	if cfg.PollWindow <= 0 {
		cfg.PollWindow = DefaultPollWindow
	}
	if cfg.DropLogEvery <= 0 {
		cfg.DropLogEvery = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		conn:    conn,
		cfg:     cfg,
		log:     log.With("component", "discovery", "role", "coordinator"),
		peers:   make(map[string]*PeerRecord),
		dropLog: rate.NewLimiter(rate.Every(cfg.DropLogEvery), 3),
		buf:     make([]byte, maxDatagram),
	}
}

// Poll services at most one pending datagram, waiting no longer than the
// poll window. It returns a Report when the datagram was a slave report.
func (c *Coordinator) Poll(now time.Time) (*Report, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PollWindow)); err != nil {
		return nil, fmt.Errorf("discovery: set deadline: %w", err)
	}
	n, from, err := c.conn.ReadFrom(c.buf)
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("discovery: read: %w", err)
	}
	return c.Handle(c.buf[:n], from, now)
}

// Handle processes one datagram received from addr. Malformed datagrams are
// counted and dropped. The only error returned is a failed response send.
func (c *Coordinator) Handle(b []byte, from net.Addr, now time.Time) (*Report, error) {
	msg, err := Parse(b)
	if err != nil {
		c.dropped++
		if c.dropLog.Allow() {
			c.log.Warn("dropping malformed datagram", "from", from, "dropped", c.dropped, "error", err)
		}
		return nil, nil
	}

	switch msg.Type {
	case TypeDiscover:
		c.upsert(msg.NodeID, from, now)
		return nil, c.respond(msg.NodeID, from)

	case TypeReport:
		p := c.upsert(msg.NodeID, from, now)
		p.Reports++
		ts := now
		if msg.Timestamp > 0 {
			ts = time.Unix(msg.Timestamp, 0)
		}
		return &Report{
			NodeID:    msg.NodeID,
			Level:     msg.Level,
			Readings:  msg.Readings,
			Sequence:  msg.Sequence,
			Timestamp: ts,
			From:      from,
		}, nil

	default:
		c.log.Debug("ignoring datagram", "type", msg.Type, "from", from)
		return nil, nil
	}
}

func (c *Coordinator) respond(to string, addr net.Addr) error {
	resp := Message{
		Type:      TypeDiscoverResponse,
		NodeID:    c.cfg.NodeID,
		Port:      c.cfg.Advertise.Port,
		Timestamp: time.Now().Unix(),
	}
	if ip := c.cfg.Advertise.IP; ip != nil && !ip.IsUnspecified() {
		resp.Address = ip.String()
	} else if ip, err := c.cfg.LocalIP(addr); err == nil && ip != nil && !ip.IsUnspecified() {
		resp.Address = ip.String()
	} else {
		c.log.Warn("no local address for response", "peer", to, "addr", addr, "error", err)
	}
	b, err := resp.Marshal()
	if err != nil {
		return err
	}
	if _, err := c.conn.WriteTo(b, addr); err != nil {
		return fmt.Errorf("discovery: respond to %s at %s: %w", to, addr, err)
	}
	c.log.Debug("answered discover", "peer", to, "addr", addr)
	return nil
}

func (c *Coordinator) upsert(id string, from net.Addr, now time.Time) *PeerRecord {
	addr := ""
	if from != nil {
		addr = from.String()
	}
	p, ok := c.peers[id]
	if !ok {
		p = &PeerRecord{ID: id}
		c.peers[id] = p
		c.log.Info("peer online", "peer", id, "addr", addr)
	} else if p.Status == Offline {
		c.log.Info("peer back online", "peer", id, "addr", addr)
	}
	p.Addr = addr
	p.LastSeen = now
	p.Status = Online
	return p
}

// Sweep marks peers not heard from within the peer timeout as Offline and
// returns their IDs. Records are never deleted.
func (c *Coordinator) Sweep(now time.Time) []string {
	var offline []string
	for id, p := range c.peers {
		if p.Status == Online && now.Sub(p.LastSeen) > c.cfg.PeerTimeout {
			p.Status = Offline
			offline = append(offline, id)
			c.log.Warn("peer offline", "peer", id, "last_seen", p.LastSeen)
		}
	}
	sort.Strings(offline)
	return offline
}

// Peers returns a copy of all peer records ordered by ID.
func (c *Coordinator) Peers() []PeerRecord {
	out := make([]PeerRecord, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dropped returns the number of malformed datagrams dropped.
func (c *Coordinator) Dropped() uint64 {
	return c.dropped
}

// routeIP finds the local address the kernel would use to send to peer.
// Connecting a UDP socket sends nothing.
func routeIP(peer net.Addr) (net.IP, error) {
	ua, ok := peer.(*net.UDPAddr)
	if !ok {
		var err error
		if ua, err = net.ResolveUDPAddr("udp4", peer.String()); err != nil {
			return nil, err
		}
	}
	conn, err := net.DialUDP("udp4", nil, ua)
	if err != nil {
		return nil, fmt.Errorf("discovery: route to %s: %w", peer, err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
