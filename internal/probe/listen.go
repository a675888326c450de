package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/postalsys/icmptun/internal/icmp"
)

// ListenOptions contains configuration for a probe listener.
type ListenOptions struct {
	// ListenAddress is the local address of the raw socket (default: 0.0.0.0).
	ListenAddress string

	// Reply answers each echo request with an echo reply carrying the same
	// identifier, sequence number and payload. Use it on hosts whose kernel
	// ignores echo requests.
	Reply bool
}

// EchoEvent describes one echo request seen by the listener.
type EchoEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	ID        uint16    `json:"id"`
	Seq       uint16    `json:"seq"`
	Size      int       `json:"size"`
	Replied   bool      `json:"replied"`
	Error     string    `json:"error,omitempty"`
}

// Listen reports the echo requests arriving at this host on events until
// ctx is cancelled. It needs root or CAP_NET_RAW.
func Listen(ctx context.Context, opts ListenOptions, events chan<- EchoEvent) error {
	conn, err := icmp.Listen(icmp.Config{
		ListenAddress: opts.ListenAddress,
		Expect:        icmp.EchoRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	defer conn.Close()

	return serve(ctx, conn, opts, events)
}

func serve(ctx context.Context, conn echoConn, opts ListenOptions, events chan<- EchoEvent) error {
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 65535)
	for {
		p, err := conn.Receive(buf)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if icmp.Discardable(err) || errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return err
		}

		event := EchoEvent{
			Timestamp: time.Now(),
			Source:    p.Src.String(),
			ID:        p.ID,
			Seq:       p.Seq,
			Size:      len(p.Payload),
		}

		if opts.Reply {
			err := conn.Send(&icmp.Packet{
				Dst:     p.Src,
				Kind:    icmp.EchoReply,
				ID:      p.ID,
				Seq:     p.Seq,
				Payload: p.Payload,
			})
			if err != nil {
				event.Error = err.Error()
			} else {
				event.Replied = true
			}
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
