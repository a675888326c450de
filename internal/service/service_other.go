//go:build !linux

package service

import "io"

func newManager(out io.Writer) (*systemd, error) {
	return nil, ErrUnsupported
}
