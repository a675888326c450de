//go:build linux

package poll

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// readable includes POLLNVAL so that a descriptor closed under the poller
// is reported and the following read fails with EBADF.
const readable = unix.POLLIN | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL

// Poller waits for readability on a set of descriptors it does not own.
type Poller struct {
	fds   []unix.PollFd
	ready []bool

	// mu guards wake against a Wake racing with Close.
	mu   sync.Mutex
	wake int
}

// New creates a Poller over fds. The caller keeps ownership of the
// descriptors; Close only releases the Poller's own eventfd.
func New(fds ...int) (*Poller, error) {
	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("create eventfd: %w", err)
	}

	p := &Poller{
		fds:   make([]unix.PollFd, 0, len(fds)+1),
		ready: make([]bool, len(fds)),
		wake:  wake,
	}
	for _, fd := range fds {
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	p.fds = append(p.fds, unix.PollFd{Fd: int32(wake), Events: unix.POLLIN})

	return p, nil
}

// Wait blocks until at least one descriptor is readable and reports which,
// indexed like the descriptors passed to New. Hang-up and error conditions
// count as readable so the following read surfaces them. The returned slice
// is reused by the next call.
func (p *Poller) Wait(ctx context.Context) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, p.Wake)
	defer stop()

	wakeIdx := len(p.fds) - 1
	for {
		for i := range p.fds {
			p.fds[i].Revents = 0
		}

		_, err := unix.Poll(p.fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, os.NewSyscallError("poll", err)
		}

		if p.fds[wakeIdx].Revents&unix.POLLNVAL != 0 {
			return nil, fmt.Errorf("poll: %w", os.ErrClosed)
		}
		if p.fds[wakeIdx].Revents&unix.POLLIN != 0 {
			p.drain()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		found := false
		for i := range p.ready {
			p.ready[i] = p.fds[i].Revents&readable != 0
			found = found || p.ready[i]
		}
		if found {
			return p.ready, nil
		}
	}
}

// Wake interrupts a blocked Wait. It is safe to call from any goroutine,
// also after Close, when it does nothing.
func (p *Poller) Wake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wake < 0 {
		return
	}

	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	unix.Write(p.wake, b[:])
}

func (p *Poller) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wake < 0 {
		return
	}

	var b [8]byte
	unix.Read(p.wake, b[:])
}

// Close releases the eventfd.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wake < 0 {
		return nil
	}
	err := unix.Close(p.wake)
	p.wake = -1
	return err
}
