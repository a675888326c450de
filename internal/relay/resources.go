package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/postalsys/icmptun/internal/logging"
)

// Resource names a relay resource that can fail and be re-opened.
type Resource string

const (
	ResourceDevice  Resource = "device"
	ResourceChannel Resource = "socket"
)

// IOError is a non-transient I/O failure on one of the relay's resources.
type IOError struct {
	Op       string
	Resource Resource
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (r *Relay) openDevice() error {
	dev, err := r.open.Device()
	if err != nil {
		return fmt.Errorf("open tun device: %w", err)
	}
	r.dev = dev
	r.stats.setDevice(dev.Name())
	return nil
}

func (r *Relay) openChannel() error {
	ch, err := r.open.Channel()
	if err != nil {
		return fmt.Errorf("open ICMP socket: %w", err)
	}
	r.ch = ch
	return nil
}

// openWaiter builds the readiness set. Index 0 is the device, index 1 the
// socket.
func (r *Relay) openWaiter() error {
	sockFd, err := r.ch.Fd()
	if err != nil {
		return err
	}
	w, err := r.open.Waiter(r.dev.Fd(), sockFd)
	if err != nil {
		return fmt.Errorf("create poller: %w", err)
	}
	r.waiter = w
	return nil
}

func (r *Relay) closeDevice() {
	if r.dev == nil {
		return
	}
	if err := r.dev.Close(); err != nil {
		r.logger.Debug("close device", logging.Err(err))
	}
	r.dev = nil
}

func (r *Relay) closeChannel() {
	if r.ch == nil {
		return
	}
	if err := r.ch.Close(); err != nil {
		r.logger.Debug("close socket", logging.Err(err))
	}
	r.ch = nil
}

func (r *Relay) closeWaiter() {
	if r.waiter == nil {
		return
	}
	if err := r.waiter.Close(); err != nil {
		r.logger.Debug("close poller", logging.Err(err))
	}
	r.waiter = nil
}

// recover applies the error policy to a failed step. It returns nil when the
// relay can continue.
func (r *Relay) recover(ctx context.Context, err error) error {
	var ioErr *IOError
	if r.cfg.Policy != PolicyReopen || !errors.As(err, &ioErr) {
		return err
	}

	r.logger.Warn("resource failed, reopening",
		logging.KeyResource, string(ioErr.Resource),
		logging.Err(ioErr.Err),
	)
	return r.reopen(ctx, ioErr.Resource)
}

// reopen closes res and opens it again, backing off between attempts. The
// session state survives so the peer address is kept.
func (r *Relay) reopen(ctx context.Context, res Resource) error {
	r.closeWaiter()
	switch res {
	case ResourceDevice:
		r.closeDevice()
	case ResourceChannel:
		r.closeChannel()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if limit := r.cfg.Reconnect.MaxAttempts; limit > 0 && attempt > limit {
			return fmt.Errorf("reopen %s: giving up after %d attempts: %w", res, limit, lastErr)
		}

		delay := r.cfg.Reconnect.delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		lastErr = r.tryReopen(res)
		r.metrics.RecordReopen(string(res), lastErr == nil)
		if lastErr == nil {
			break
		}
		r.logger.Warn("reopen failed",
			logging.KeyResource, string(res),
			logging.KeyAttempt, attempt,
			logging.KeyDelay, delay,
			logging.Err(lastErr),
		)
	}

	r.logger.Info("resource reopened", logging.KeyResource, string(res))

	if res == ResourceDevice {
		// A fresh interface has no addresses or routes.
		if err := r.configure(ctx); err != nil && r.cfg.AbortOnConfigureError {
			return fmt.Errorf("configure network: %w", err)
		}
	}
	return nil
}

func (r *Relay) tryReopen(res Resource) error {
	switch res {
	case ResourceDevice:
		if r.dev == nil {
			if err := r.openDevice(); err != nil {
				return err
			}
		}
	case ResourceChannel:
		if r.ch == nil {
			if err := r.openChannel(); err != nil {
				return err
			}
		}
	}
	return r.openWaiter()
}
