// Package tun allocates point-to-point TUN interfaces that carry raw IP
// packets with no link-layer or packet-information prefix.
package tun

import "errors"

// ErrUnsupported is returned on platforms without TUN support.
var ErrUnsupported = errors.New("tun: not supported on this platform")

// CloneDevice is the TUN clone device path.
const CloneDevice = "/dev/net/tun"
