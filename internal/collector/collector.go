// Package collector is a minimal in-process collector endpoint. It accepts
// the wire protocol over TCP, answers the handshake and pings, and records
// every publish it receives. Frames are decoded with paho's packet codec so
// that the node's own encoder is checked against an independent decoder.
//
// It backs the integration tests and the -collector-stub bench mode.
package collector

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Message is one publish received from a client.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
	Received time.Time
}

// Config configures the stub.
type Config struct {
	// Addr to listen on. Defaults to 127.0.0.1:0.
	Addr string
	// ReturnCode is sent in every CONNACK. Non-zero closes the connection
	// after the ack.
	ReturnCode byte
	// SilentHandshake suppresses the CONNACK entirely.
	SilentHandshake bool
	// IgnorePings suppresses PINGRESP.
	IgnorePings bool
	Logger      *slog.Logger
}

// Server is a running collector stub.
type Server struct {
	cfg Config
	ln  net.Listener
	log *slog.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	messages    []Message
	clientIDs   []string
	keepAlives  []uint16
	pings       int
	disconnects int
	conns       map[net.Conn]struct{}
	closed      bool

	wg sync.WaitGroup
}

// Listen starts a stub collector accepting connections in the background.
func Listen(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:   cfg,
		ln:    ln,
		log:   log.With("component", "collector"),
		conns: make(map[net.Conn]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	var clientID string
	for {
		cp, err := packets.ReadPacket(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read failed", "client_id", clientID, "error", err)
			}
			return
		}

		switch p := cp.(type) {
		case *packets.ConnectPacket:
			clientID = p.ClientIdentifier
			s.mu.Lock()
			s.clientIDs = append(s.clientIDs, clientID)
			s.keepAlives = append(s.keepAlives, p.Keepalive)
			s.mu.Unlock()
			s.cond.Broadcast()
			if s.cfg.SilentHandshake {
				continue
			}
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			ack.ReturnCode = s.cfg.ReturnCode
			if err := ack.Write(conn); err != nil || s.cfg.ReturnCode != 0 {
				return
			}

		case *packets.PublishPacket:
			s.mu.Lock()
			s.messages = append(s.messages, Message{
				ClientID: clientID,
				Topic:    p.TopicName,
				Payload:  p.Payload,
				Received: time.Now(),
			})
			s.mu.Unlock()
			s.cond.Broadcast()

		case *packets.PingreqPacket:
			s.mu.Lock()
			s.pings++
			s.mu.Unlock()
			s.cond.Broadcast()
			if s.cfg.IgnorePings {
				continue
			}
			if err := packets.NewControlPacket(packets.Pingresp).Write(conn); err != nil {
				return
			}

		case *packets.DisconnectPacket:
			s.mu.Lock()
			s.disconnects++
			s.mu.Unlock()
			s.cond.Broadcast()
			return

		default:
			s.log.Debug("unexpected packet", "client_id", clientID, "packet", cp.String())
		}
	}
}

// Messages returns a copy of all publishes received so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ClientIDs returns the client identifiers of every CONNECT seen, in order.
func (s *Server) ClientIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clientIDs...)
}

// KeepAlives returns the keep-alive seconds of every CONNECT seen, in order.
func (s *Server) KeepAlives() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.keepAlives...)
}

// Pings returns the number of PINGREQ frames received.
func (s *Server) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// Disconnects returns the number of DISCONNECT frames received.
func (s *Server) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// Wait blocks until cond holds or timeout elapses and reports whether cond
// held. cond is evaluated with the server's lock held and must not call
// other Server methods.
func (s *Server) Wait(timeout time.Duration, cond func(s *Snapshot) bool) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		snap := &Snapshot{
			Messages:    s.messages,
			ClientIDs:   s.clientIDs,
			Pings:       s.pings,
			Disconnects: s.disconnects,
		}
		if cond(snap) {
			return true
		}
		if !time.Now().Before(deadline) || s.closed {
			return false
		}
		s.cond.Wait()
	}
}

// Snapshot is the recorded state passed to a Wait condition.
type Snapshot struct {
	Messages    []Message
	ClientIDs   []string
	Pings       int
	Disconnects int
}

// WaitMessages waits until at least n publishes have been received.
func (s *Server) WaitMessages(n int, timeout time.Duration) ([]Message, bool) {
	ok := s.Wait(timeout, func(snap *Snapshot) bool { return len(snap.Messages) >= n })
	return s.Messages(), ok
}

// DropConnections closes every accepted connection, simulating a collector
// restart while keeping the listener open.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops the listener, closes all connections and waits for the
// connection goroutines to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.cond.Broadcast()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}
