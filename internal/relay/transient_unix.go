//go:build unix

package relay

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isTransient reports whether err only affects the current packet.
func isTransient(op string, err error) bool {
	switch {
	case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
		return true
	}

	if op == "icmp_send" {
		// Full socket buffers and routing hiccups drop one datagram; the
		// socket itself is still usable.
		switch {
		case errors.Is(err, unix.ENOBUFS),
			errors.Is(err, unix.EHOSTUNREACH),
			errors.Is(err, unix.ENETUNREACH),
			errors.Is(err, unix.EMSGSIZE):
			return true
		}
	}
	return false
}
