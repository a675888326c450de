package icmp

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// ProtocolICMP is the IANA protocol number for ICMP.
const ProtocolICMP = 1

// HeaderLen is the size of an ICMP echo header.
const HeaderLen = 8

var (
	// ErrUnexpectedType is returned for datagrams that are not the expected echo type.
	ErrUnexpectedType = errors.New("unexpected ICMP type")

	// ErrChecksum is returned for datagrams whose checksum does not verify.
	ErrChecksum = errors.New("bad ICMP checksum")

	// ErrMalformed is returned for truncated or unparseable datagrams.
	ErrMalformed = errors.New("malformed ICMP message")

	// ErrOversize is returned when a payload exceeds the MTU.
	ErrOversize = errors.New("payload exceeds MTU")

	// ErrIdentifier is returned for echo replies carrying a foreign identifier.
	ErrIdentifier = errors.New("foreign ICMP identifier")
)

// Kind is the echo message type of a tunnel frame.
type Kind uint8

const (
	// EchoRequest frames are sent by clients.
	EchoRequest Kind = iota + 1
	// EchoReply frames are sent by servers.
	EchoReply
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case EchoRequest:
		return "echo-request"
	case EchoReply:
		return "echo-reply"
	default:
		return "unknown"
	}
}

func (k Kind) icmpType() (ipv4.ICMPType, bool) {
	switch k {
	case EchoRequest:
		return ipv4.ICMPTypeEcho, true
	case EchoReply:
		return ipv4.ICMPTypeEchoReply, true
	default:
		return 0, false
	}
}

// Packet is a single ICMP-encapsulated tunnel frame.
type Packet struct {
	Src     netip.Addr
	Dst     netip.Addr
	Kind    Kind
	ID      uint16
	Seq     uint16
	Payload []byte
}

// Marshal encodes p into a wire-format ICMP echo message.
// The checksum is computed over the header and payload.
func Marshal(p *Packet) ([]byte, error) {
	typ, ok := p.Kind.icmpType()
	if !ok {
		return nil, fmt.Errorf("marshal ICMP message: invalid kind %d", p.Kind)
	}

	msg := icmp.Message{
		Type: typ,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(p.ID),
			Seq:  int(p.Seq),
			Data: p.Payload,
		},
	}

	b, err := msg.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("marshal ICMP message: %w", err)
	}
	return b, nil
}

// Parse decodes an ICMP message received from src. Messages that are not of
// kind want, fail checksum verification, or carry more than mtu payload bytes
// are rejected. An mtu of 0 disables the size check.
func Parse(b []byte, src netip.Addr, want Kind, mtu int) (*Packet, error) {
	if len(b) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}

	typ, ok := want.icmpType()
	if !ok {
		return nil, fmt.Errorf("parse ICMP message: invalid kind %d", want)
	}
	if ipv4.ICMPType(b[0]) != typ {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedType, ipv4.ICMPType(b[0]))
	}

	if Checksum(b) != 0 {
		return nil, ErrChecksum
	}

	msg, err := icmp.ParseMessage(ProtocolICMP, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return nil, fmt.Errorf("%w: invalid echo body", ErrMalformed)
	}

	if mtu > 0 && len(echo.Data) > mtu {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversize, len(echo.Data), mtu)
	}

	return &Packet{
		Src:     src,
		Kind:    want,
		ID:      uint16(echo.ID),
		Seq:     uint16(echo.Seq),
		Payload: echo.Data,
	}, nil
}

// Checksum computes the RFC 1071 Internet checksum of b.
// Verifying a message that already carries its checksum yields 0.
func Checksum(b []byte) uint16 {
	var sum uint32
	for len(b) >= 2 {
		sum += uint32(b[0])<<8 | uint32(b[1])
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// Discardable reports whether err describes an inbound datagram that should
// be dropped rather than treated as an I/O failure.
func Discardable(err error) bool {
	return DiscardReason(err) != ""
}

// DiscardReason returns a short label for a discardable error, or "" when err
// is not one.
func DiscardReason(err error) string {
	switch {
	case errors.Is(err, ErrUnexpectedType):
		return "type"
	case errors.Is(err, ErrChecksum):
		return "checksum"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrOversize):
		return "oversize"
	case errors.Is(err, ErrIdentifier):
		return "identifier"
	default:
		return ""
	}
}
