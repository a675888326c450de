package relay

import (
	"net/netip"
	"sync/atomic"
)

// Stats is a snapshot of relay counters. It is safe to take from any
// goroutine while the relay runs.
type Stats struct {
	Running        bool
	Role           string
	Device         string
	Peer           string
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	Discarded      uint64
	Dropped        uint64
}

// stats is written by the loop and read by Stats.
type stats struct {
	running        atomic.Bool
	device         atomic.Value // string
	peer           atomic.Value // netip.Addr
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	discarded      atomic.Uint64
	dropped        atomic.Uint64
}

func (s *stats) recordSend(n int) {
	s.framesSent.Add(1)
	s.bytesSent.Add(uint64(n))
}

func (s *stats) recordReceive(n int) {
	s.framesReceived.Add(1)
	s.bytesReceived.Add(uint64(n))
}

func (s *stats) setDevice(name string) {
	s.device.Store(name)
}

func (s *stats) setPeer(a netip.Addr) {
	s.peer.Store(a)
}

// IsRunning reports whether the relay loop is running.
func (r *Relay) IsRunning() bool {
	return r.stats.running.Load()
}

// Peer returns the current peer address, or the zero Addr if none is known.
func (r *Relay) Peer() netip.Addr {
	a, _ := r.stats.peer.Load().(netip.Addr)
	return a
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	device, _ := r.stats.device.Load().(string)
	return Stats{
		Running:        r.stats.running.Load(),
		Role:           r.cfg.Role.String(),
		Device:         device,
		Peer:           addrString(r.Peer()),
		FramesSent:     r.stats.framesSent.Load(),
		FramesReceived: r.stats.framesReceived.Load(),
		BytesSent:      r.stats.bytesSent.Load(),
		BytesReceived:  r.stats.bytesReceived.Load(),
		Discarded:      r.stats.discarded.Load(),
		Dropped:        r.stats.dropped.Load(),
	}
}
