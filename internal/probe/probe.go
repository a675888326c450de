// Package probe provides ICMP reachability testing for tunnel endpoints.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/rbmk-project/common/errclass"

	"github.com/postalsys/icmptun/internal/icmp"
)

// echoConn is the part of an ICMP socket a probe needs.
type echoConn interface {
	Send(p *icmp.Packet) error
	Receive(buf []byte) (*icmp.Packet, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Options contains configuration for a reachability probe.
type Options struct {
	// Destination is the IPv4 address to probe.
	Destination netip.Addr

	// ListenAddress is the local address of the raw socket (default: 0.0.0.0).
	ListenAddress string

	// Count is the number of echo requests to send (default: 3).
	Count int

	// Interval between echo requests (default: 1s).
	Interval time.Duration

	// Timeout to wait for each reply (default: 2s).
	Timeout time.Duration

	// Size of the echo payload in bytes (default: 56).
	Size int

	// Identifier of the echo requests.
	Identifier uint16
}

func (o *Options) setDefaults() {
	if o.Count <= 0 {
		o.Count = 3
	}
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	if o.Size <= 0 {
		o.Size = 56
	}
}

// Result contains the outcome of a reachability probe.
type Result struct {
	// Destination that was probed
	Destination netip.Addr

	// Sent and Received count echo requests and their matching replies
	Sent     int
	Received int

	// Round-trip times of the received replies
	MinRTT time.Duration
	AvgRTT time.Duration
	MaxRTT time.Duration

	// Error is the error that ended the probe, if any
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Success reports whether at least one reply arrived.
func (r *Result) Success() bool {
	return r.Received > 0
}

// Loss returns the fraction of echo requests left unanswered.
func (r *Result) Loss() float64 {
	if r.Sent == 0 {
		return 0
	}
	return float64(r.Sent-r.Received) / float64(r.Sent)
}

// ErrNoReply is reported when none of the echo requests was answered.
var ErrNoReply = errors.New("no echo reply received")

// Probe sends echo requests to opts.Destination and waits for matching
// replies. It needs root or CAP_NET_RAW.
func Probe(ctx context.Context, opts Options) *Result {
	opts.setDefaults()
	result := &Result{Destination: opts.Destination}

	if !opts.Destination.Is4() {
		result.Error = fmt.Errorf("invalid destination %v: not an IPv4 address", opts.Destination)
		result.ErrorDetail = classifyError(result.Error)
		return result
	}

	conn, err := icmp.Listen(icmp.Config{
		ListenAddress:   opts.ListenAddress,
		Expect:          icmp.EchoReply,
		Identifier:      opts.Identifier,
		MatchIdentifier: true,
	})
	if err != nil {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}
	defer conn.Close()

	run(ctx, conn, opts, result)
	return result
}

// run performs the echo exchange over conn and fills in result.
func run(ctx context.Context, conn echoConn, opts Options, result *Result) {
	// Unblock a pending Receive when the probe is cancelled.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	payload := make([]byte, opts.Size)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf := make([]byte, 65535)

	var total time.Duration
	for i := 0; i < opts.Count; i++ {
		if i > 0 && !sleep(ctx, opts.Interval) {
			break
		}

		seq := uint16(i + 1)
		start := time.Now()
		err := conn.Send(&icmp.Packet{
			Dst:     opts.Destination,
			Kind:    icmp.EchoRequest,
			ID:      opts.Identifier,
			Seq:     seq,
			Payload: payload,
		})
		if err != nil {
			result.Error = err
			break
		}
		result.Sent++

		rtt, err := awaitReply(ctx, conn, buf, opts.Destination, seq, start.Add(opts.Timeout))
		if err != nil {
			result.Error = err
			break
		}
		if rtt < 0 {
			continue
		}

		result.Received++
		total += rtt
		if result.MinRTT == 0 || rtt < result.MinRTT {
			result.MinRTT = rtt
		}
		if rtt > result.MaxRTT {
			result.MaxRTT = rtt
		}
	}

	if result.Received > 0 {
		result.AvgRTT = total / time.Duration(result.Received)
	}
	if result.Error == nil && result.Received == 0 && ctx.Err() == nil {
		result.Error = ErrNoReply
	}
	if result.Error == nil && ctx.Err() != nil {
		result.Error = ctx.Err()
	}
	result.ErrorDetail = classifyError(result.Error)
}

// awaitReply waits until deadline for the reply to seq from dst. It returns
// a negative duration when the deadline passes without one.
func awaitReply(ctx context.Context, conn echoConn, buf []byte, dst netip.Addr, seq uint16, deadline time.Time) (time.Duration, error) {
	start := time.Now()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	for {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		p, err := conn.Receive(buf)
		if err != nil {
			if icmp.Discardable(err) {
				continue
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if ctx.Err() != nil {
					return 0, ctx.Err()
				}
				return -1, nil
			}
			return 0, err
		}

		// Late replies to earlier requests and traffic from other hosts.
		if p.Seq != seq || p.Src != dst {
			continue
		}
		return time.Since(start), nil
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, ErrNoReply) {
		return "No echo reply - host down, ICMP filtered, or echo replies disabled on the target"
	}
	if errors.Is(err, context.Canceled) {
		return "Probe cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Probe timed out"
	}
	if errors.Is(err, os.ErrPermission) {
		return "Permission denied - raw ICMP sockets need root or CAP_NET_RAW"
	}

	switch errclass.New(err) {
	case errclass.EHOSTUNREACH:
		return "No route to host"
	case errclass.ENETUNREACH:
		return "Network unreachable"
	case errclass.EADDRNOTAVAIL:
		return "Listen address is not assigned to this host"
	}

	return err.Error()
}
