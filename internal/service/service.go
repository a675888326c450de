// Package service installs icmptun as a systemd service.
//
// One unit is installed per role, named icmptun-server or icmptun-client.
// The unit grants CAP_NET_ADMIN and CAP_NET_RAW so the tunnel does not have
// to run with full root privileges.
package service

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/postalsys/icmptun/internal/session"
)

// ErrUnsupported is returned on platforms without systemd support.
var ErrUnsupported = errors.New("service management is only supported on Linux")

// ServiceConfig holds configuration for installing the service.
type ServiceConfig struct {
	// Description is the unit description
	Description string

	// Role selects the subcommand the unit runs
	Role session.Role

	// Destination is passed to a client unit
	Destination netip.Addr

	// ConfigPath is the absolute path to the config file, or "" to run
	// with built-in defaults
	ConfigPath string
}

// DefaultConfig returns a default service configuration for role.
func DefaultConfig(role session.Role, configPath string) ServiceConfig {
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
	}

	return ServiceConfig{
		Description: fmt.Sprintf("icmptun ICMP tunnel (%s)", role),
		Role:        role,
		ConfigPath:  configPath,
	}
}

// Validate checks that the configuration can produce a working unit.
func (c ServiceConfig) Validate() error {
	if c.Role != session.Server && c.Role != session.Client {
		return fmt.Errorf("invalid role %v", c.Role)
	}
	if c.Role == session.Client && !c.Destination.Is4() {
		return errors.New("a client service needs an IPv4 destination")
	}
	return nil
}

// IsRoot returns true if the current process runs as root.
func IsRoot() bool {
	return os.Getuid() == 0
}

// UnitName returns the systemd unit name for role.
func UnitName(role session.Role) string {
	return "icmptun-" + role.String()
}

// Install writes the unit for cfg.Role, enables and starts it, and checks
// that the tunnel came up. Progress is reported on out.
func Install(cfg ServiceConfig, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !IsRoot() {
		return fmt.Errorf("must run as root to install service")
	}

	m, err := newManager(out)
	if err != nil {
		return err
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	return m.install(cfg, execPath)
}

// Uninstall stops and removes the unit for role.
func Uninstall(role session.Role, out io.Writer) error {
	if !IsRoot() {
		return fmt.Errorf("must run as root to uninstall service")
	}

	m, err := newManager(out)
	if err != nil {
		return err
	}
	return m.uninstall(role)
}

// Status reports the state of the unit for role.
func Status(role session.Role) (UnitStatus, error) {
	m, err := newManager(io.Discard)
	if err != nil {
		return UnitStatus{}, err
	}
	return m.status(role)
}

// execArgs returns the command line the unit runs.
func execArgs(cfg ServiceConfig, execPath string) []string {
	args := []string{execPath, cfg.Role.String()}
	if cfg.Role == session.Client {
		args = append(args, cfg.Destination.String())
	}
	if cfg.ConfigPath != "" {
		args = append(args, "-c", cfg.ConfigPath)
	}
	return args
}

// generateSystemdUnit generates a systemd unit file.
func generateSystemdUnit(cfg ServiceConfig, execPath string) string {
	return fmt.Sprintf(`[Unit]
Description=%s
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s
Restart=on-failure
RestartSec=5
TimeoutStopSec=30

# The tunnel needs a TUN device and a raw ICMP socket
AmbientCapabilities=CAP_NET_ADMIN CAP_NET_RAW
CapabilityBoundingSet=CAP_NET_ADMIN CAP_NET_RAW
DeviceAllow=/dev/net/tun rw

# Security hardening
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
PrivateTmp=true

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=%s

[Install]
WantedBy=multi-user.target
`, cfg.Description, strings.Join(execArgs(cfg, execPath), " "), UnitName(cfg.Role))
}
