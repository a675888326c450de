//go:build linux

package service

import (
	"io"
	"time"
)

const systemdUnitDir = "/etc/systemd/system"

func newManager(out io.Writer) (*systemd, error) {
	return &systemd{
		unitDir: systemdUnitDir,
		run:     runCommand,
		out:     out,
		settle:  2 * time.Second,
	}, nil
}
