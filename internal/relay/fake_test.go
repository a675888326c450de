package relay

import (
	"bytes"
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/icmptun/internal/icmp"
	"github.com/postalsys/icmptun/internal/metrics"
	"github.com/postalsys/icmptun/internal/netsetup"
	"github.com/postalsys/icmptun/internal/session"
)

// signal wakes a fakeWaiter when a fake becomes readable.
type signal chan struct{}

func newSignal() signal { return make(chan struct{}, 1) }

func (s signal) notify() {
	select {
	case s <- struct{}{}:
	default:
	}
}

// fakeDevice stands in for a TUN interface. Packets pushed into it are what
// the kernel would route into the tunnel.
type fakeDevice struct {
	mu        sync.Mutex
	sig       signal
	in        [][]byte
	readErrs  []error
	writeErrs []error
	out       [][]byte
	closed    bool
}

func (d *fakeDevice) push(b []byte) {
	d.mu.Lock()
	d.in = append(d.in, bytes.Clone(b))
	d.mu.Unlock()
	d.sig.notify()
}

func (d *fakeDevice) pushReadErr(err error) {
	d.mu.Lock()
	d.readErrs = append(d.readErrs, err)
	d.mu.Unlock()
	d.sig.notify()
}

func (d *fakeDevice) failNextWrite(err error) {
	d.mu.Lock()
	d.writeErrs = append(d.writeErrs, err)
	d.mu.Unlock()
}

func (d *fakeDevice) readable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed && (len(d.in) > 0 || len(d.readErrs) > 0)
}

func (d *fakeDevice) written() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.out...)
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.readErrs) > 0 {
		err := d.readErrs[0]
		d.readErrs = d.readErrs[1:]
		return 0, err
	}
	b := d.in[0]
	d.in = d.in[1:]
	return copy(p, b), nil
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.writeErrs) > 0 {
		err := d.writeErrs[0]
		d.writeErrs = d.writeErrs[1:]
		return 0, err
	}
	d.out = append(d.out, bytes.Clone(p))
	return len(p), nil
}

func (d *fakeDevice) Name() string { return "tun0" }
func (d *fakeDevice) Fd() int      { return 3 }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type inbound struct {
	p   *icmp.Packet
	err error
}

// fakeChannel stands in for the raw ICMP socket. When linked to a peer,
// frames sent to the peer's address are delivered to it with this channel's
// address as source.
type fakeChannel struct {
	mu       sync.Mutex
	sig      signal
	addr     netip.Addr
	peer     *fakeChannel
	in       []inbound
	sent     []*icmp.Packet
	sendErrs []error
	closed   bool
}

func (c *fakeChannel) push(p *icmp.Packet) {
	c.mu.Lock()
	c.in = append(c.in, inbound{p: p})
	c.mu.Unlock()
	c.sig.notify()
}

func (c *fakeChannel) pushErr(err error) {
	c.mu.Lock()
	c.in = append(c.in, inbound{err: err})
	c.mu.Unlock()
	c.sig.notify()
}

func (c *fakeChannel) failNextSend(err error) {
	c.mu.Lock()
	c.sendErrs = append(c.sendErrs, err)
	c.mu.Unlock()
}

func (c *fakeChannel) readable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && len(c.in) > 0
}

func (c *fakeChannel) sentPackets() []*icmp.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*icmp.Packet(nil), c.sent...)
}

func (c *fakeChannel) Send(p *icmp.Packet) error {
	c.mu.Lock()
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		c.mu.Unlock()
		return err
	}
	cp := *p
	cp.Payload = bytes.Clone(p.Payload)
	c.sent = append(c.sent, &cp)
	peer := c.peer
	c.mu.Unlock()

	if peer != nil && p.Dst == peer.addr {
		delivered := cp
		delivered.Src = c.addr
		delivered.Payload = bytes.Clone(p.Payload)
		peer.push(&delivered)
	}
	return nil
}

func (c *fakeChannel) Receive(buf []byte) (*icmp.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.in[0]
	c.in = c.in[1:]
	return next.p, next.err
}

func (c *fakeChannel) Fd() (int, error) { return 4, nil }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// fakeWaiter reports readiness from the fakes' queues.
type fakeWaiter struct {
	dev *fakeDevice
	ch  *fakeChannel
	sig signal
}

func (w *fakeWaiter) Wait(ctx context.Context) ([]bool, error) {
	for {
		ready := []bool{w.dev.readable(), w.ch.readable()}
		if ready[0] || ready[1] {
			return ready, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.sig:
		}
	}
}

func (w *fakeWaiter) Close() error { return nil }

// harness wires a Relay to fakes and records what the relay asked for.
type harness struct {
	t       *testing.T
	sig     signal
	dev     *fakeDevice
	ch      *fakeChannel
	reg     *prometheus.Registry
	metrics *metrics.Metrics

	mu           sync.Mutex
	deviceOpens  int
	channelOpens int
	failDevice   func(open int) error
	failChannel  func(open int) error
	configured   []netsetup.Params
	configureErr error
}

func newHarness(t *testing.T, addr string) *harness {
	sig := newSignal()
	reg := prometheus.NewRegistry()
	return &harness{
		t:       t,
		sig:     sig,
		dev:     &fakeDevice{sig: sig},
		ch:      &fakeChannel{sig: sig, addr: netip.MustParseAddr(addr)},
		reg:     reg,
		metrics: metrics.NewMetricsWithRegistry(reg),
	}
}

func (h *harness) opener() Opener {
	return Opener{
		Device: func() (Device, error) {
			h.mu.Lock()
			h.deviceOpens++
			n, fail := h.deviceOpens, h.failDevice
			h.mu.Unlock()
			if fail != nil {
				if err := fail(n); err != nil {
					return nil, err
				}
			}
			h.dev.mu.Lock()
			h.dev.closed = false
			h.dev.mu.Unlock()
			return h.dev, nil
		},
		Channel: func() (Channel, error) {
			h.mu.Lock()
			h.channelOpens++
			n, fail := h.channelOpens, h.failChannel
			h.mu.Unlock()
			if fail != nil {
				if err := fail(n); err != nil {
					return nil, err
				}
			}
			h.ch.mu.Lock()
			h.ch.closed = false
			h.ch.mu.Unlock()
			return h.ch, nil
		},
		Waiter: func(fds ...int) (Waiter, error) {
			if len(fds) != 2 {
				h.t.Errorf("Waiter created with %d descriptors, want 2", len(fds))
			}
			return &fakeWaiter{dev: h.dev, ch: h.ch, sig: h.sig}, nil
		},
	}
}

func (h *harness) configurator() netsetup.Configurator {
	return netsetup.Func(func(_ context.Context, p netsetup.Params) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.configured = append(h.configured, p)
		return h.configureErr
	})
}

func (h *harness) opens() (device, channel int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deviceOpens, h.channelOpens
}

func (h *harness) configureCalls() []netsetup.Params {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]netsetup.Params(nil), h.configured...)
}

// running is a relay started in the background.
type running struct {
	*Relay
	cancel context.CancelFunc
	done   chan error
}

func (h *harness) start(cfg Config, opts ...Option) *running {
	h.t.Helper()

	opts = append([]Option{WithMetrics(h.metrics), WithConfigurator(h.configurator())}, opts...)
	r, err := New(cfg, h.opener(), opts...)
	if err != nil {
		h.t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	return &running{Relay: r, cancel: cancel, done: done}
}

// wait returns the result of Run.
func (x *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-x.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not return")
		return nil
	}
}

// stop cancels the relay and returns the result of Run.
func (x *running) stop(t *testing.T) error {
	t.Helper()
	x.cancel()
	return x.wait(t)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func clientConfig(dest string) Config {
	return Config{
		Role:        session.Client,
		Destination: netip.MustParseAddr(dest),
		MTU:         icmp.DefaultMTU,
		Identifier:  0x4242,
		Reconnect: ReconnectConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

func serverConfig() Config {
	cfg := clientConfig("0.0.0.0")
	cfg.Role = session.Server
	cfg.Destination = netip.Addr{}
	return cfg
}
