// Package poll blocks until one of a fixed set of descriptors is readable.
//
// A Poller waits without a timeout, so it never wakes spuriously. Context
// cancellation interrupts the wait through an eventfd included in the set.
package poll

import "errors"

// ErrUnsupported is returned on platforms without poll(2) and eventfd(2).
var ErrUnsupported = errors.New("poll: not supported on this platform")
