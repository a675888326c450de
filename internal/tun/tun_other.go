//go:build !linux

package tun

// Device is an open TUN interface.
type Device struct{}

// Open always fails on this platform.
func Open(name string) (*Device, error) {
	return nil, ErrUnsupported
}

func (d *Device) Name() string                { return "" }
func (d *Device) Fd() int                     { return -1 }
func (d *Device) Read(p []byte) (int, error)  { return 0, ErrUnsupported }
func (d *Device) Write(p []byte) (int, error) { return 0, ErrUnsupported }
func (d *Device) Close() error                { return nil }
