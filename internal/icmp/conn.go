package icmp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
)

// Conn is a raw ICMP socket that sends and receives tunnel frames.
type Conn struct {
	conn *net.IPConn
	raw  syscall.RawConn
	cfg  Config
}

// Listen opens a raw ICMP socket bound to cfg.ListenAddress.
// It needs root or CAP_NET_RAW.
func Listen(cfg Config) (*Conn, error) {
	address := cfg.ListenAddress
	if address == "" {
		address = "0.0.0.0"
	}

	laddr, err := net.ResolveIPAddr("ip4", address)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}

	conn, err := net.ListenIP("ip4:icmp", laddr)
	if err != nil {
		return nil, fmt.Errorf("create ICMP socket: %w", err)
	}

	if cfg.TTL > 0 {
		if err := ipv4.NewPacketConn(conn).SetTTL(cfg.TTL); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set TTL: %w", err)
		}
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ICMP socket handle: %w", err)
	}

	return &Conn{conn: conn, raw: raw, cfg: cfg}, nil
}

// Send encodes p and writes it toward p.Dst. The network layer supplies the
// real source address; p.Src is not used.
func (c *Conn) Send(p *Packet) error {
	if c.cfg.MTU > 0 && len(p.Payload) > c.cfg.MTU {
		return fmt.Errorf("send ICMP: %w: %d > %d", ErrOversize, len(p.Payload), c.cfg.MTU)
	}
	if !p.Dst.Is4() {
		return fmt.Errorf("send ICMP: invalid destination %v", p.Dst)
	}

	b, err := Marshal(p)
	if err != nil {
		return err
	}

	dst := &net.IPAddr{IP: net.IP(p.Dst.AsSlice())}
	if _, err := c.conn.WriteToIP(b, dst); err != nil {
		return fmt.Errorf("send ICMP: %w", err)
	}
	return nil
}

// Receive reads one datagram into buf and decodes it. buf must hold the ICMP
// header plus at least MTU+1 bytes so oversize frames are detected rather
// than truncated. Rejected datagrams return an error for which Discardable
// is true; any other error comes from the socket.
func (c *Conn) Receive(buf []byte) (*Packet, error) {
	n, addr, err := c.conn.ReadFromIP(buf)
	if err != nil {
		return nil, fmt.Errorf("receive ICMP: %w", err)
	}

	src, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return nil, fmt.Errorf("%w: source address %v", ErrMalformed, addr.IP)
	}

	p, err := Parse(buf[:n], src.Unmap(), c.cfg.Expect, c.cfg.MTU)
	if err != nil {
		return nil, err
	}

	if c.cfg.MatchIdentifier && p.ID != c.cfg.Identifier {
		return nil, fmt.Errorf("%w: %d", ErrIdentifier, p.ID)
	}

	return p, nil
}

// Fd returns the socket descriptor for readiness polling. The descriptor
// stays owned by the Conn.
func (c *Conn) Fd() (int, error) {
	var fd int
	err := c.raw.Control(func(s uintptr) {
		fd = int(s)
	})
	if err != nil {
		return -1, fmt.Errorf("ICMP socket descriptor: %w", err)
	}
	return fd, nil
}

// SetReadDeadline bounds the next Receive.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// LocalAddr returns the bound local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close closes the socket.
func (c *Conn) Close() error {
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
