package relay

import (
	"github.com/postalsys/icmptun/internal/icmp"
	"github.com/postalsys/icmptun/internal/poll"
	"github.com/postalsys/icmptun/internal/tun"
)

// SystemOpener returns an Opener backed by a kernel TUN interface, a raw
// ICMP socket and poll(2).
func SystemOpener(device string, icmpCfg icmp.Config) Opener {
	return Opener{
		Device: func() (Device, error) {
			dev, err := tun.Open(device)
			if err != nil {
				return nil, err
			}
			return dev, nil
		},
		Channel: func() (Channel, error) {
			conn, err := icmp.Listen(icmpCfg)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		Waiter: func(fds ...int) (Waiter, error) {
			p, err := poll.New(fds...)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
}
