// Package session holds the addressing state of a single tunnel peer.
package session

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/postalsys/icmptun/internal/icmp"
)

// Role is the side of the tunnel this process plays.
type Role int

const (
	// Server answers echo requests with echo replies.
	Server Role = iota
	// Client sends echo requests toward its destination.
	Client
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case Server:
		return "server"
	case Client:
		return "client"
	default:
		return "unknown"
	}
}

// ParseRole parses "server" or "client".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "server":
		return Server, nil
	case "client":
		return Client, nil
	default:
		return 0, fmt.Errorf("invalid role %q (must be server or client)", s)
	}
}

// SendKind is the echo kind this role sends.
func (r Role) SendKind() icmp.Kind {
	if r == Server {
		return icmp.EchoReply
	}
	return icmp.EchoRequest
}

// ReceiveKind is the echo kind this role accepts.
func (r Role) ReceiveKind() icmp.Kind {
	if r == Server {
		return icmp.EchoRequest
	}
	return icmp.EchoReply
}

// State is the addressing state of the tunnel. It is owned by the relay loop
// and is not safe for concurrent use.
type State struct {
	Role Role

	// Peer is where the next frame is sent. A client starts with its
	// configured destination; both roles overwrite it with the source of
	// every accepted frame.
	Peer netip.Addr

	// EchoID and EchoSeq identify outgoing frames. A server sends them as
	// they are; a client holds the sequence of its last request in EchoSeq.
	EchoID  uint16
	EchoSeq uint16
}

// New creates the state for role. peer may be the zero Addr for a server.
func New(role Role, peer netip.Addr, id uint16) *State {
	return &State{
		Role:   role,
		Peer:   peer,
		EchoID: id,
	}
}

// HasPeer reports whether a destination is known.
func (s *State) HasPeer() bool {
	return s.Peer.IsValid()
}

// Outgoing builds the frame carrying payload to the current peer. A client
// advances its sequence number first, so its requests are numbered from 1.
func (s *State) Outgoing(payload []byte) *icmp.Packet {
	if s.Role == Client {
		s.EchoSeq++
	}
	return &icmp.Packet{
		Dst:     s.Peer,
		Kind:    s.Role.SendKind(),
		ID:      s.EchoID,
		Seq:     s.EchoSeq,
		Payload: payload,
	}
}

// Learn records the source of an accepted frame as the new peer and reports
// whether the peer changed. A server also mirrors the request identifier and
// sequence so its replies match what stateful middleboxes expect.
func (s *State) Learn(p *icmp.Packet) bool {
	changed := s.Peer != p.Src
	s.Peer = p.Src
	if s.Role == Server {
		s.EchoID = p.ID
		s.EchoSeq = p.Seq
	}
	return changed
}
