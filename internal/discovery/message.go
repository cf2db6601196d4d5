// Package discovery lets a slave node find its coordinator on an unknown
// local network over UDP broadcast, and lets the coordinator answer those
// requests, track peer liveness and receive slave reports.
//
// The channel is best-effort: malformed datagrams are logged and dropped and
// never surface as errors.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrNotFound  = errors.New("discovery: coordinator not found")
	ErrMalformed = errors.New("discovery: malformed datagram")
)

// DefaultPort is the coordinator's discovery and report port.
const DefaultPort = 8888

// MessageType tags a datagram.
type MessageType string

const (
	TypeDiscover         MessageType = "discover"
	TypeDiscoverResponse MessageType = "discover_response"
	TypeReport           MessageType = "report"
)

// Message is the JSON datagram exchanged between slaves and the coordinator.
// Address and Port are set on responses; Level, Readings and Sequence on
// reports.
type Message struct {
	Type      MessageType    `json:"type"`
	NodeID    string         `json:"node_id"`
	Address   string         `json:"address,omitempty"`
	Port      int            `json:"port,omitempty"`
	Level     string         `json:"level,omitempty"`
	Readings  map[string]int `json:"readings,omitempty"`
	Sequence  uint64         `json:"sequence,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// Parse decodes and validates a datagram. Every failure wraps ErrMalformed.
func Parse(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.NodeID == "" {
		return Message{}, fmt.Errorf("%w: missing node_id", ErrMalformed)
	}
	switch m.Type {
	case TypeDiscover:
	case TypeDiscoverResponse:
		if m.Port <= 0 || m.Port > 0xFFFF {
			return Message{}, fmt.Errorf("%w: bad port %d", ErrMalformed, m.Port)
		}
		if m.Address != "" && net.ParseIP(m.Address) == nil {
			return Message{}, fmt.Errorf("%w: bad address %q", ErrMalformed, m.Address)
		}
	case TypeReport:
		if m.Level == "" {
			return Message{}, fmt.Errorf("%w: report without level", ErrMalformed)
		}
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return m, nil
}

// Marshal encodes the message as JSON.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Report is a slave's state as received by the coordinator.
type Report struct {
	NodeID    string
	Level     string
	Readings  map[string]int
	Sequence  uint64
	Timestamp time.Time
	From      net.Addr
}

// PacketConn is the datagram channel the service runs on. *net.UDPConn
// satisfies it.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// maxDatagram bounds a single read; larger datagrams are truncated and then
// fail to parse.
const maxDatagram = 2048
