// Package wire encodes and decodes the subset of MQTT 3.1.1 spoken between a
// node and its collector: CONNECT, CONNACK, PUBLISH (QoS 0), PINGREQ, PINGRESP
// and DISCONNECT.
//
// This package has no I/O and no state. Encoders panic when handed values the
// protocol cannot represent; use ValidatePublish and ValidateClientID on
// untrusted input first.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	ProtocolName  = "MQTT"
	ProtocolLevel = 4

	// MaxRemainingLength is the largest value four varint bytes can carry.
	MaxRemainingLength = 1<<28 - 1

	// MaxStringLength bounds topic names and client identifiers.
	MaxStringLength = 0xFFFF

	flagCleanSession = 0x02
)

var (
	// ErrMalformedFrame is returned for truncated frames, unexpected fixed
	// headers and invalid remaining-length encodings.
	ErrMalformedFrame = errors.New("wire: malformed frame")

	// ErrLengthOverflow is returned when a frame would not fit the
	// remaining-length encoding.
	ErrLengthOverflow = errors.New("wire: remaining length out of range")
)

// Type is the packet type held in the upper nibble of the fixed header.
type Type byte

const (
	TypeConnect      Type = 1
	TypeConnAck      Type = 2
	TypePublish      Type = 3
	TypePingRequest  Type = 12
	TypePingResponse Type = 13
	TypeDisconnect   Type = 14
)

func (t Type) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeConnAck:
		return "CONNACK"
	case TypePublish:
		return "PUBLISH"
	case TypePingRequest:
		return "PINGREQ"
	case TypePingResponse:
		return "PINGRESP"
	case TypeDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("TYPE(%d)", byte(t))
	}
}

// Frame is one decoded control packet.
type Frame interface {
	Type() Type
	// AppendTo appends the wire encoding of the frame to dst.
	AppendTo(dst []byte) []byte
}

// Connect opens a clean session.
type Connect struct {
	ClientID  string
	KeepAlive uint16 // seconds
}

// ConnAck is the collector's answer to Connect.
type ConnAck struct {
	SessionPresent bool
	ReturnCode     byte
}

// Accepted reports whether the collector accepted the session.
func (a ConnAck) Accepted() bool { return a.ReturnCode == 0 }

// Publish carries one at-most-once application message.
type Publish struct {
	Topic   string
	Payload []byte
}

type (
	PingRequest  struct{}
	PingResponse struct{}
	Disconnect   struct{}
)

func (Connect) Type() Type      { return TypeConnect }
func (ConnAck) Type() Type      { return TypeConnAck }
func (Publish) Type() Type      { return TypePublish }
func (PingRequest) Type() Type  { return TypePingRequest }
func (PingResponse) Type() Type { return TypePingResponse }
func (Disconnect) Type() Type   { return TypeDisconnect }

func (c Connect) AppendTo(dst []byte) []byte {
	if len(c.ClientID) > MaxStringLength {
		panic(fmt.Sprintf("wire: client id length %d exceeds %d", len(c.ClientID), MaxStringLength))
	}
	// protocol name (2+4) + level + flags + keep-alive (2) + client id (2+n)
	n := 2 + len(ProtocolName) + 1 + 1 + 2 + 2 + len(c.ClientID)
	dst = append(dst, byte(TypeConnect)<<4)
	dst = AppendRemainingLength(dst, n)
	dst = appendString(dst, ProtocolName)
	dst = append(dst, ProtocolLevel, flagCleanSession)
	dst = binary.BigEndian.AppendUint16(dst, c.KeepAlive)
	return appendString(dst, c.ClientID)
}

func (a ConnAck) AppendTo(dst []byte) []byte {
	var present byte
	if a.SessionPresent {
		present = 1
	}
	return append(dst, byte(TypeConnAck)<<4, 2, present, a.ReturnCode)
}

func (p Publish) AppendTo(dst []byte) []byte {
	n, err := publishLength(p.Topic, p.Payload)
	if err != nil {
		panic(err.Error())
	}
	dst = append(dst, byte(TypePublish)<<4)
	dst = AppendRemainingLength(dst, n)
	dst = appendString(dst, p.Topic)
	return append(dst, p.Payload...)
}

func (PingRequest) AppendTo(dst []byte) []byte  { return append(dst, byte(TypePingRequest)<<4, 0) }
func (PingResponse) AppendTo(dst []byte) []byte { return append(dst, byte(TypePingResponse)<<4, 0) }
func (Disconnect) AppendTo(dst []byte) []byte   { return append(dst, byte(TypeDisconnect)<<4, 0) }

// EncodeConnect builds a CONNECT frame with the clean-session flag set.
// The keep-alive is rounded down to whole seconds and capped at 65535.
func EncodeConnect(clientID string, keepAlive time.Duration) []byte {
	secs := keepAlive / time.Second
	if secs > 0xFFFF {
		secs = 0xFFFF
	}
	if secs < 0 {
		secs = 0
	}
	return Connect{ClientID: clientID, KeepAlive: uint16(secs)}.AppendTo(nil)
}

// DecodeConnectAck parses a complete CONNACK frame.
func DecodeConnectAck(b []byte) (ConnAck, error) {
	if len(b) < 4 {
		return ConnAck{}, fmt.Errorf("%w: connack is %d bytes", ErrMalformedFrame, len(b))
	}
	if b[0] != byte(TypeConnAck)<<4 || b[1] != 2 {
		return ConnAck{}, fmt.Errorf("%w: unexpected connack header %#02x %#02x", ErrMalformedFrame, b[0], b[1])
	}
	return ConnAck{SessionPresent: b[2]&0x01 != 0, ReturnCode: b[3]}, nil
}

// EncodePublish builds a QoS 0, non-retained PUBLISH frame.
func EncodePublish(topic string, payload []byte) []byte {
	return Publish{Topic: topic, Payload: payload}.AppendTo(nil)
}

// DecodePublish parses a complete PUBLISH frame. Frames with QoS above 0 are
// accepted and their packet identifier skipped.
func DecodePublish(b []byte) (topic string, payload []byte, err error) {
	f, err := Decode(b)
	if err != nil {
		return "", nil, err
	}
	p, ok := f.(Publish)
	if !ok {
		return "", nil, fmt.Errorf("%w: expected PUBLISH, got %s", ErrMalformedFrame, f.Type())
	}
	return p.Topic, p.Payload, nil
}

// EncodePingRequest returns the two-byte PINGREQ frame.
func EncodePingRequest() []byte { return PingRequest{}.AppendTo(nil) }

// EncodeDisconnect returns the two-byte DISCONNECT frame.
func EncodeDisconnect() []byte { return Disconnect{}.AppendTo(nil) }

// ValidatePublish reports whether topic and payload fit in one PUBLISH frame.
func ValidatePublish(topic string, payload []byte) error {
	_, err := publishLength(topic, payload)
	return err
}

// ValidateClientID reports whether id fits the CONNECT payload.
func ValidateClientID(id string) error {
	if len(id) > MaxStringLength {
		return fmt.Errorf("%w: client id is %d bytes", ErrLengthOverflow, len(id))
	}
	return nil
}

func publishLength(topic string, payload []byte) (int, error) {
	if len(topic) > MaxStringLength {
		return 0, fmt.Errorf("%w: topic is %d bytes", ErrLengthOverflow, len(topic))
	}
	n := 2 + len(topic) + len(payload)
	if n > MaxRemainingLength {
		return 0, fmt.Errorf("%w: publish body is %d bytes", ErrLengthOverflow, n)
	}
	return n, nil
}

// Decode parses one complete frame as produced by Split.
func Decode(b []byte) (Frame, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(b))
	}
	n, size, err := remainingLength(b[1:])
	if err != nil {
		return nil, err
	}
	if size == 0 || 1+size+n != len(b) {
		return nil, fmt.Errorf("%w: remaining length %d does not match frame size %d", ErrMalformedFrame, n, len(b))
	}
	body := b[1+size:]
	header := b[0]

	switch Type(header >> 4) {
	case TypeConnect:
		return decodeConnect(body)
	case TypeConnAck:
		ack, err := DecodeConnectAck(b)
		if err != nil {
			return nil, err
		}
		return ack, nil
	case TypePublish:
		return decodePublish(header, body)
	case TypePingRequest:
		return expectEmpty(PingRequest{}, body)
	case TypePingResponse:
		return expectEmpty(PingResponse{}, body)
	case TypeDisconnect:
		return expectEmpty(Disconnect{}, body)
	default:
		return nil, fmt.Errorf("%w: unsupported packet type %d", ErrMalformedFrame, header>>4)
	}
}

func decodeConnect(body []byte) (Frame, error) {
	name, rest, err := readString(body)
	if err != nil {
		return nil, err
	}
	if name != ProtocolName || len(rest) < 4 {
		return nil, fmt.Errorf("%w: bad connect variable header", ErrMalformedFrame)
	}
	if rest[0] != ProtocolLevel {
		return nil, fmt.Errorf("%w: protocol level %d", ErrMalformedFrame, rest[0])
	}
	keepAlive := binary.BigEndian.Uint16(rest[2:4])
	id, rest, err := readString(rest[4:])
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: connect carries %d unexpected bytes", ErrMalformedFrame, len(rest))
	}
	return Connect{ClientID: id, KeepAlive: keepAlive}, nil
}

func decodePublish(header byte, body []byte) (Frame, error) {
	topic, rest, err := readString(body)
	if err != nil {
		return nil, err
	}
	if qos := (header >> 1) & 0x03; qos > 0 {
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: publish missing packet identifier", ErrMalformedFrame)
		}
		rest = rest[2:]
	}
	return Publish{Topic: topic, Payload: rest}, nil
}

func expectEmpty(f Frame, body []byte) (Frame, error) {
	if len(body) != 0 {
		return nil, fmt.Errorf("%w: %s with %d byte body", ErrMalformedFrame, f.Type(), len(body))
	}
	return f, nil
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("%w: truncated string length", ErrMalformedFrame)
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return "", nil, fmt.Errorf("%w: string of %d bytes truncated", ErrMalformedFrame, n)
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}

// AppendRemainingLength appends the varint encoding of n using the minimum
// number of bytes. It panics if n is outside [0, MaxRemainingLength].
func AppendRemainingLength(dst []byte, n int) []byte {
	if n < 0 || n > MaxRemainingLength {
		panic(fmt.Sprintf("wire: remaining length %d out of range", n))
	}
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if n == 0 {
			return dst
		}
	}
}

// EncodeRemainingLength returns the varint encoding of n.
func EncodeRemainingLength(n int) []byte {
	return AppendRemainingLength(make([]byte, 0, 4), n)
}

// DecodeRemainingLength reads a varint from r. It fails with
// ErrMalformedFrame when more than four bytes carry the continuation bit.
func DecodeRemainingLength(r io.ByteReader) (int, error) {
	var n, mult int = 0, 1
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && i > 0 {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		n += int(b&0x7F) * mult
		if b&0x80 == 0 {
			return n, nil
		}
		mult *= 128
	}
	return 0, fmt.Errorf("%w: remaining length exceeds 4 bytes", ErrMalformedFrame)
}

// remainingLength decodes a varint at the start of b. size is 0 when b ends
// before the varint does.
func remainingLength(b []byte) (n, size int, err error) {
	mult := 1
	for i := 0; i < 4; i++ {
		if i >= len(b) {
			return 0, 0, nil
		}
		n += int(b[i]&0x7F) * mult
		if b[i]&0x80 == 0 {
			return n, i + 1, nil
		}
		mult *= 128
	}
	return 0, 0, fmt.Errorf("%w: remaining length exceeds 4 bytes", ErrMalformedFrame)
}

// Split is a bufio.SplitFunc that yields one complete frame per token.
func Split(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) < 2 {
		if atEOF && len(data) > 0 {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}
	n, size, err := remainingLength(data[1:])
	if err != nil {
		return 0, nil, err
	}
	total := 1 + size + n
	if size == 0 || len(data) < total {
		if atEOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}
	return total, data[:total], nil
}
