// Package session owns one byte-stream connection to a collector and speaks
// the wire protocol over it: handshake, publish, keep-alive and disconnect.
//
// A Session never reconnects by itself. When the connection fails it reports
// Disconnected and the caller decides when to Open again (see Reconnector).
// It is not safe for concurrent use.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sweeney/alarm-node/internal/wire"
)

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrTimeout           = errors.New("session: handshake timed out")
	ErrHandshakeRejected = errors.New("session: handshake rejected")
	ErrIO                = errors.New("session: i/o failure")
	ErrNotConnected      = errors.New("session: not connected")
)

const (
	DefaultKeepAlive        = 30 * time.Second
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultDrainWindow      = 5 * time.Millisecond
)

// Config configures a Session. Zero durations take the package defaults.
type Config struct {
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// DrainWindow bounds how long Tick waits for inbound frames.
	DrainWindow time.Duration
	Logger      *slog.Logger
	// Now is used for keep-alive pacing. Defaults to time.Now.
	Now func() time.Time
}

// Session is a single collector connection.
type Session struct {
	cfg Config
	log *slog.Logger

	conn     net.Conn
	state    State
	clientID string

	lastWrite    time.Time
	awaitingPong bool
	pingSent     time.Time

	inbuf   []byte
	readBuf []byte
}

// New returns a Disconnected session.
func New(cfg Config) *Session {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.DrainWindow <= 0 {
		cfg.DrainWindow = DefaultDrainWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:     cfg,
		log:     log.With("component", "session"),
		readBuf: make([]byte, 512),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.state
}

// KeepAlive returns the negotiated keep-alive interval.
func (s *Session) KeepAlive() time.Duration {
	return s.cfg.KeepAlive
}

// Open takes ownership of conn and performs the handshake. It blocks until
// the acknowledge frame arrives or the handshake timeout elapses. On any
// failure conn is closed and the session stays Disconnected.
func (s *Session) Open(conn net.Conn, clientID string) error {
	if s.conn != nil {
		s.drop()
	}
	if err := wire.ValidateClientID(clientID); err != nil {
		conn.Close()
		return err
	}

	s.state = Connecting
	s.conn = conn
	s.clientID = clientID

	if err := s.handshake(clientID); err != nil {
		s.log.Warn("handshake failed", "remote", remoteAddr(conn), "error", err)
		s.drop()
		return err
	}

	s.state = Connected
	s.lastWrite = s.cfg.Now()
	s.awaitingPong = false
	s.log.Info("connected", "remote", remoteAddr(conn), "client_id", clientID)
	return nil
}

func (s *Session) handshake(clientID string) error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if err := s.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrIO, err)
	}

	if _, err := s.conn.Write(wire.EncodeConnect(clientID, s.cfg.KeepAlive)); err != nil {
		return classify("send connect", err)
	}

	var buf []byte
	for {
		adv, frame, err := wire.Split(buf, false)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHandshakeRejected, err)
		}
		if frame != nil {
			ack, err := wire.DecodeConnectAck(frame)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrHandshakeRejected, err)
			}
			if !ack.Accepted() {
				return fmt.Errorf("%w: return code %d", ErrHandshakeRejected, ack.ReturnCode)
			}
			s.inbuf = append(s.inbuf[:0], buf[adv:]...)
			break
		}

		n, err := s.conn.Read(s.readBuf)
		buf = append(buf, s.readBuf[:n]...)
		if err != nil && n == 0 {
			return classify("await connack", err)
		}
	}

	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("%w: clear deadline: %w", ErrIO, err)
	}
	return nil
}

// Publish writes one at-most-once publish frame. It returns ErrNotConnected
// without touching the connection unless the session is Connected. A failed
// write drops the connection and returns ErrIO.
func (s *Session) Publish(topic string, payload []byte) error {
	if s.state != Connected {
		return ErrNotConnected
	}
	if err := wire.ValidatePublish(topic, payload); err != nil {
		return err
	}
	if err := s.write(wire.EncodePublish(topic, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	s.lastWrite = s.cfg.Now()
	return nil
}

// Tick services the connection: it drains inbound frames, checks that an
// outstanding ping was answered within the keep-alive interval, and sends a
// ping when nothing has been written for longer than the keep-alive interval.
func (s *Session) Tick(now time.Time) error {
	if s.state != Connected {
		return ErrNotConnected
	}
	if err := s.drain(); err != nil {
		s.drop()
		return err
	}

	if s.awaitingPong && now.Sub(s.pingSent) > s.cfg.KeepAlive {
		s.log.Warn("no ping response", "waited", now.Sub(s.pingSent))
		s.drop()
		return fmt.Errorf("%w: no ping response within %s", ErrIO, s.cfg.KeepAlive)
	}

	if now.Sub(s.lastWrite) <= s.cfg.KeepAlive {
		return nil
	}
	if err := s.write(wire.EncodePingRequest()); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	s.lastWrite = now
	if !s.awaitingPong {
		s.awaitingPong = true
		s.pingSent = now
	}
	return nil
}

// Close sends Disconnect when connected and closes the connection.
func (s *Session) Close() error {
	if s.conn == nil {
		s.state = Disconnected
		return nil
	}
	if s.state == Connected {
		if err := s.write(wire.EncodeDisconnect()); err != nil {
			return err
		}
		s.log.Info("disconnected", "client_id", s.clientID)
	}
	err := s.conn.Close()
	s.reset()
	return err
}

func (s *Session) write(frame []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.drop()
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if _, err := s.conn.Write(frame); err != nil {
		s.log.Warn("write failed", "error", err)
		s.drop()
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// drain reads whatever the collector has sent within the drain window and
// processes complete frames. Partial frames stay buffered for the next tick.
func (s *Session) drain() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.DrainWindow)); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	for {
		n, err := s.conn.Read(s.readBuf)
		s.inbuf = append(s.inbuf, s.readBuf[:n]...)
		if err != nil {
			if isTimeout(err) {
				break
			}
			return fmt.Errorf("%w: read: %w", ErrIO, err)
		}
	}

	for len(s.inbuf) > 0 {
		adv, frame, err := wire.Split(s.inbuf, false)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		if frame == nil {
			break
		}
		f, err := wire.Decode(frame)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		s.inbuf = s.inbuf[adv:]
		switch f.(type) {
		case wire.PingResponse:
			s.awaitingPong = false
		default:
			s.log.Debug("ignoring inbound frame", "type", f.Type())
		}
	}
	return nil
}

func (s *Session) drop() {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.state == Connected {
		s.log.Warn("connection lost", "client_id", s.clientID)
	}
	s.reset()
}

func (s *Session) reset() {
	s.conn = nil
	s.state = Disconnected
	s.awaitingPong = false
	s.inbuf = s.inbuf[:0]
}

func classify(op string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func remoteAddr(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
