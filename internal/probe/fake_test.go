package probe

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/postalsys/icmptun/internal/icmp"
)

// received is one result of a Receive call.
type received struct {
	p   *icmp.Packet
	err error
}

// fakeEchoConn is an in-memory echoConn. respond decides what, if anything,
// arrives after each Send.
type fakeEchoConn struct {
	mu       sync.Mutex
	deadline time.Time
	sent     []*icmp.Packet
	sendErr  error
	respond  func(p *icmp.Packet) []received

	wake     chan struct{}
	incoming chan received
}

func newFakeEchoConn(respond func(p *icmp.Packet) []received) *fakeEchoConn {
	return &fakeEchoConn{
		respond:  respond,
		wake:     make(chan struct{}, 1),
		incoming: make(chan received, 64),
	}
}

// mirror answers every request with a matching reply from its destination.
func mirror(p *icmp.Packet) []received {
	return []received{{p: reply(p)}}
}

func reply(p *icmp.Packet) *icmp.Packet {
	return &icmp.Packet{
		Src:     p.Dst,
		Kind:    icmp.EchoReply,
		ID:      p.ID,
		Seq:     p.Seq,
		Payload: p.Payload,
	}
}

func (f *fakeEchoConn) push(r received) {
	f.incoming <- r
}

func (f *fakeEchoConn) Send(p *icmp.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	cp := *p
	cp.Payload = append([]byte(nil), p.Payload...)
	f.sent = append(f.sent, &cp)

	if f.respond != nil {
		for _, r := range f.respond(&cp) {
			f.incoming <- r
		}
	}
	return nil
}

func (f *fakeEchoConn) Receive(buf []byte) (*icmp.Packet, error) {
	for {
		f.mu.Lock()
		deadline := f.deadline
		f.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return nil, fmt.Errorf("receive ICMP: %w", os.ErrDeadlineExceeded)
			}
			timer = time.NewTimer(wait)
			timeout = timer.C
		}

		select {
		case r := <-f.incoming:
			if timer != nil {
				timer.Stop()
			}
			return r.p, r.err
		case <-timeout:
		case <-f.wake:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

func (f *fakeEchoConn) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeEchoConn) Close() error {
	return nil
}

func (f *fakeEchoConn) sentPackets() []*icmp.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*icmp.Packet(nil), f.sent...)
}
