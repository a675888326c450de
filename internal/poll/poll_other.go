//go:build !linux

package poll

import "context"

// Poller is unavailable on this platform.
type Poller struct{}

// New always fails on this platform.
func New(fds ...int) (*Poller, error) {
	return nil, ErrUnsupported
}

func (p *Poller) Wait(ctx context.Context) ([]bool, error) { return nil, ErrUnsupported }
func (p *Poller) Wake()                                    {}
func (p *Poller) Close() error                             { return nil }
