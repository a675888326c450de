//go:build linux

package tun

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Device is an open TUN interface. Each Read returns one IP packet and each
// Write injects one.
type Device struct {
	fd   int
	name string
}

// Open allocates a TUN interface. An empty name lets the kernel choose one;
// patterns such as "tun%d" are accepted. The device is configured for raw IP
// frames (IFF_TUN|IFF_NO_PI).
func Open(name string) (*Device, error) {
	fd, err := unix.Open(CloneDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", CloneDevice, err)
	}

	dev, err := openDevice(fd, name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return dev, nil
}

func openDevice(fd int, name string) (*Device, error) {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return nil, fmt.Errorf("interface name %q: %w", name, err)
	}

	// Flags are stored as a uint16 in the ifreq union.
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		return nil, fmt.Errorf("TUNSETIFF %q: %w", name, err)
	}

	return &Device{fd: fd, name: ifr.Name()}, nil
}

// Name returns the interface name assigned by the kernel.
func (d *Device) Name() string {
	return d.name
}

// Fd returns the device descriptor for readiness polling.
func (d *Device) Fd() int {
	return d.fd
}

// Read reads one IP packet into p.
func (d *Device) Read(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	if err != nil {
		return 0, os.NewSyscallError("read", err)
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes one IP packet. A partial write is reported as io.ErrShortWrite.
func (d *Device) Write(p []byte) (int, error) {
	n, err := unix.Write(d.fd, p)
	if err != nil {
		return 0, os.NewSyscallError("write", err)
	}
	if n != len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Close releases the interface. Non-persistent interfaces are removed by the
// kernel once closed.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
