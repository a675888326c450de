// Package relay moves IP packets between a TUN device and an ICMP socket.
//
// A Relay is a single-threaded loop. It waits until the device or the socket
// is readable, then:
//
//   - device readable: reads one packet (at most MTU bytes) and sends it to the
//     current peer as an echo reply (server) or echo request (client);
//   - socket readable: receives one frame, writes its payload to the device,
//     and makes the frame's source the new peer.
//
// When both are ready the device is served first. The peer address is never
// configured on a server; it is learned from the first request.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rbmk-project/common/errclass"
	"golang.org/x/time/rate"

	"github.com/postalsys/icmptun/internal/icmp"
	"github.com/postalsys/icmptun/internal/logging"
	"github.com/postalsys/icmptun/internal/metrics"
	"github.com/postalsys/icmptun/internal/netsetup"
	"github.com/postalsys/icmptun/internal/session"
)

var (
	// ErrOversize is returned when the device produces a packet larger than
	// the MTU. The protocol cannot fragment, so this is always fatal.
	ErrOversize = errors.New("packet exceeds MTU")

	// ErrNoPeer marks packets dropped because no peer address is known yet.
	ErrNoPeer = errors.New("no peer address")
)

// recvBufferSize holds any IPv4 datagram, so oversize frames are detected
// by the codec instead of being truncated by the socket.
const recvBufferSize = 65535

// Device is the TUN side of the relay.
type Device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Name() string
	Fd() int
	Close() error
}

// Channel is the ICMP side of the relay.
type Channel interface {
	Send(p *icmp.Packet) error
	Receive(buf []byte) (*icmp.Packet, error)
	Fd() (int, error)
	Close() error
}

// Waiter blocks until some of its descriptors are readable. The result is
// indexed like the descriptors it was created with.
type Waiter interface {
	Wait(ctx context.Context) ([]bool, error)
	Close() error
}

// Opener acquires the relay's resources. The relay calls it at startup and,
// under PolicyReopen, after a resource fails.
type Opener struct {
	Device  func() (Device, error)
	Channel func() (Channel, error)
	Waiter  func(fds ...int) (Waiter, error)
}

// Policy selects what happens when a resource fails with a non-transient
// I/O error.
type Policy int

const (
	// PolicyFatal stops the relay with the error.
	PolicyFatal Policy = iota
	// PolicyReopen closes the failed resource and opens it again with
	// exponential backoff.
	PolicyReopen
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyFatal:
		return "fatal"
	case PolicyReopen:
		return "reopen"
	default:
		return "unknown"
	}
}

// ParsePolicy parses "fatal" or "reopen".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "fatal", "":
		return PolicyFatal, nil
	case "reopen":
		return PolicyReopen, nil
	default:
		return 0, fmt.Errorf("invalid error policy %q (must be fatal or reopen)", s)
	}
}

// Config holds the relay parameters.
type Config struct {
	Role session.Role

	// Destination is the initial peer of a client. Ignored for servers.
	Destination netip.Addr

	// MTU is the largest payload carried in one frame.
	MTU int

	// Identifier is the echo identifier a client sends with.
	Identifier uint16

	// Policy and Reconnect control recovery from failed resources.
	Policy    Policy
	Reconnect ReconnectConfig

	// SendRate limits outgoing frames per second. 0 means unlimited.
	// Waiting for the limiter blocks the loop, so inbound frames are not
	// served while the device direction is throttled.
	SendRate  float64
	SendBurst int

	// AbortOnConfigureError makes a failed network configuration fatal.
	// By default the failure is only logged.
	AbortOnConfigureError bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithConfigurator sets the network configurator run after the device opens.
func WithConfigurator(c netsetup.Configurator) Option {
	return func(r *Relay) { r.configurator = c }
}

// Relay is the tunnel event loop.
type Relay struct {
	cfg          Config
	open         Opener
	configurator netsetup.Configurator
	logger       *slog.Logger
	metrics      *metrics.Metrics
	limiter      *rate.Limiter

	// Owned by the loop.
	state   *session.State
	dev     Device
	ch      Channel
	waiter  Waiter
	devBuf  []byte
	recvBuf []byte

	stats stats
}

// New creates a relay. Resources are not acquired until Run.
func New(cfg Config, open Opener, opts ...Option) (*Relay, error) {
	if cfg.MTU <= 0 {
		return nil, fmt.Errorf("invalid MTU %d", cfg.MTU)
	}
	if cfg.Role == session.Client && !cfg.Destination.Is4() {
		return nil, fmt.Errorf("client requires an IPv4 destination, got %v", cfg.Destination)
	}
	if open.Device == nil || open.Channel == nil || open.Waiter == nil {
		return nil, errors.New("incomplete opener")
	}

	r := &Relay{
		cfg:          cfg,
		open:         open,
		configurator: netsetup.Nop{},
		logger:       logging.NopLogger(),
		devBuf:       make([]byte, cfg.MTU+1),
		recvBuf:      make([]byte, recvBufferSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.Default()
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	r.logger = r.logger.With(logging.KeyComponent, "relay", logging.KeyRole, cfg.Role.String())

	return r, nil
}

// Run acquires the device and socket, configures the network, and relays
// packets until ctx is cancelled or a fatal error occurs. Cancellation is a
// clean shutdown and returns nil.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.start(ctx); err != nil {
		r.closeAll()
		return err
	}
	defer r.shutdown()

	for {
		err := r.step(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}
		if err := r.recover(ctx, err); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("relay stopped", logging.Err(err))
			return err
		}
	}
}

func (r *Relay) start(ctx context.Context) error {
	if err := r.openDevice(); err != nil {
		return err
	}
	if err := r.openChannel(); err != nil {
		return err
	}
	if err := r.openWaiter(); err != nil {
		return err
	}

	var peer netip.Addr
	if r.cfg.Role == session.Client {
		peer = r.cfg.Destination
	}
	r.state = session.New(r.cfg.Role, peer, r.cfg.Identifier)
	r.stats.setPeer(peer)

	if err := r.configure(ctx); err != nil && r.cfg.AbortOnConfigureError {
		return fmt.Errorf("configure network: %w", err)
	}

	r.stats.running.Store(true)
	r.metrics.SetRunning(true)
	r.logger.Info("relay started",
		logging.KeyDevice, r.dev.Name(),
		logging.KeyMTU, r.cfg.MTU,
		logging.KeyPeer, addrString(peer),
		logging.KeyID, r.cfg.Identifier,
	)
	return nil
}

// step performs one wait and serves whatever became ready.
func (r *Relay) step(ctx context.Context) error {
	ready, err := r.waiter.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("wait for readiness: %w", err)
	}

	if ready[0] {
		if err := r.pumpDevice(ctx); err != nil {
			return err
		}
	}
	if ready[1] {
		if err := r.pumpChannel(); err != nil {
			return err
		}
	}
	return nil
}

// pumpDevice relays one packet from the device to the peer.
func (r *Relay) pumpDevice(ctx context.Context) error {
	n, err := r.dev.Read(r.devBuf)
	if err != nil {
		return r.ioError("tun_read", ResourceDevice, err)
	}
	if n > r.cfg.MTU {
		return fmt.Errorf("%w: read %d bytes, MTU %d", ErrOversize, n, r.cfg.MTU)
	}

	if !r.state.HasPeer() {
		r.drop("no_peer", n, ErrNoPeer)
		return nil
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			// Only cancellation gets here; burst is at least 1.
			return nil
		}
	}

	p := r.state.Outgoing(r.devBuf[:n])
	if err := r.ch.Send(p); err != nil {
		return r.ioError("icmp_send", ResourceChannel, err)
	}

	r.metrics.RecordSend(p.Kind.String(), n)
	r.stats.recordSend(n)
	r.logger.Debug("frame sent",
		logging.KeyPeer, p.Dst.String(),
		logging.KeyKind, p.Kind.String(),
		logging.KeyID, p.ID,
		logging.KeySeq, p.Seq,
		logging.KeyBytes, n,
	)
	return nil
}

// pumpChannel relays one frame from the socket to the device and learns the
// peer address from it.
func (r *Relay) pumpChannel() error {
	p, err := r.ch.Receive(r.recvBuf)
	if err != nil {
		if reason := icmp.DiscardReason(err); reason != "" {
			r.metrics.RecordDiscard(reason)
			r.stats.discarded.Add(1)
			r.logger.Debug("datagram discarded", logging.KeyReason, reason, logging.Err(err))
			return nil
		}
		return r.ioError("icmp_receive", ResourceChannel, err)
	}

	if len(p.Payload) > 0 {
		if _, err := r.dev.Write(p.Payload); err != nil {
			if err := r.ioError("tun_write", ResourceDevice, err); err != nil {
				return err
			}
		} else {
			r.metrics.RecordReceive(p.Kind.String(), len(p.Payload))
			r.stats.recordReceive(len(p.Payload))
		}
	}

	r.logger.Debug("frame received",
		logging.KeySource, p.Src.String(),
		logging.KeyKind, p.Kind.String(),
		logging.KeyID, p.ID,
		logging.KeySeq, p.Seq,
		logging.KeyBytes, len(p.Payload),
	)

	prev := r.state.Peer
	if r.state.Learn(p) {
		r.stats.setPeer(r.state.Peer)
		r.metrics.RecordPeerChange()
		r.logger.Info("peer address learned",
			logging.KeyPeer, r.state.Peer.String(),
			"previous", addrString(prev),
		)
	}
	return nil
}

func (r *Relay) drop(reason string, n int, err error) {
	r.metrics.RecordDrop(reason)
	r.stats.dropped.Add(1)
	r.logger.Debug("packet dropped", logging.KeyReason, reason, logging.KeyBytes, n, logging.Err(err))
}

// ioError classifies an I/O failure. Transient errors drop the packet and
// return nil; anything else is returned as an *IOError.
func (r *Relay) ioError(op string, res Resource, err error) error {
	r.metrics.RecordIOError(op, errclass.New(err))

	if isTransient(op, err) {
		r.drop("transient", 0, err)
		return nil
	}
	return &IOError{Op: op, Resource: res, Err: err}
}

func (r *Relay) configure(ctx context.Context) error {
	params := netsetup.Params{
		Role:   r.cfg.Role,
		Device: r.dev.Name(),
		MTU:    r.cfg.MTU,
	}
	if r.cfg.Role == session.Client {
		params.Peer = r.cfg.Destination
	}

	start := time.Now()
	err := r.configurator.Configure(ctx, params)
	r.metrics.RecordConfigure(err == nil)
	if err != nil {
		r.logger.Warn("network configuration failed", logging.KeyDevice, params.Device, logging.Err(err))
		return err
	}

	r.logger.Info("network configured", logging.KeyDevice, params.Device, logging.KeyDuration, time.Since(start))
	return nil
}

func (r *Relay) shutdown() {
	r.closeAll()
	r.stats.running.Store(false)
	r.metrics.SetRunning(false)

	s := r.Stats()
	r.logger.Info("relay stopped",
		"frames_sent", s.FramesSent,
		"frames_received", s.FramesReceived,
		"sent", humanize.IBytes(s.BytesSent),
		"received", humanize.IBytes(s.BytesReceived),
		"discarded", s.Discarded,
		"dropped", s.Dropped,
	)
}

func (r *Relay) closeAll() {
	r.closeWaiter()
	r.closeChannel()
	r.closeDevice()
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}
