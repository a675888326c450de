package service

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/postalsys/icmptun/internal/session"
)

// runner executes a command and returns its combined output.
type runner func(name string, args ...string) (string, error)

// systemd manages the tunnel units through systemctl.
type systemd struct {
	unitDir string
	run     runner
	out     io.Writer

	// settle is how long install waits before checking that the tunnel
	// stayed up. A tunnel without its capabilities exits right away.
	settle time.Duration
}

// UnitStatus is the state of a tunnel unit.
type UnitStatus struct {
	Unit        string
	Installed   bool
	ActiveState string
	SubState    string
	MainPID     int
}

// Running reports whether systemd considers the tunnel up.
func (s UnitStatus) Running() bool {
	return s.ActiveState == "active"
}

func (s UnitStatus) String() string {
	if !s.Installed {
		return "not installed"
	}
	state := s.ActiveState
	if state == "" {
		state = "unknown"
	}
	if s.SubState != "" {
		state += " (" + s.SubState + ")"
	}
	if s.MainPID > 0 {
		state += fmt.Sprintf(", pid %d", s.MainPID)
	}
	return state
}

func (m *systemd) unitPath(role session.Role) string {
	return filepath.Join(m.unitDir, UnitName(role)+".service")
}

func (m *systemd) systemctl(args ...string) error {
	output, err := m.run("systemctl", args...)
	if err != nil {
		return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(output))
	}
	return nil
}

func (m *systemd) install(cfg ServiceConfig, execPath string) error {
	name := UnitName(cfg.Role)
	path := m.unitPath(cfg.Role)

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s tunnel is already installed at %s", cfg.Role, path)
	}

	if err := os.WriteFile(path, []byte(generateSystemdUnit(cfg, execPath)), 0644); err != nil {
		return fmt.Errorf("failed to write systemd unit file: %w", err)
	}
	fmt.Fprintf(m.out, "Created systemd unit: %s\n", path)

	if err := m.systemctl("daemon-reload"); err != nil {
		os.Remove(path)
		return err
	}
	if err := m.systemctl("enable", "--now", name); err != nil {
		return err
	}
	fmt.Fprintf(m.out, "Enabled and started %s\n", name)

	if m.settle > 0 {
		time.Sleep(m.settle)
	}
	st, err := m.status(cfg.Role)
	if err != nil {
		return err
	}
	if !st.Running() && st.ActiveState != "activating" {
		return fmt.Errorf("%s did not stay up (%s); check journalctl -u %s", name, st, name)
	}
	return nil
}

func (m *systemd) uninstall(role session.Role) error {
	name := UnitName(role)
	path := m.unitPath(role)

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s tunnel is not installed", role)
	}

	// Stopping the unit also removes its TUN interface.
	if err := m.systemctl("disable", "--now", name); err != nil {
		fmt.Fprintf(m.out, "Note: %v\n", err)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove systemd unit file: %w", err)
	}
	fmt.Fprintf(m.out, "Removed systemd unit: %s\n", path)

	if err := m.systemctl("daemon-reload"); err != nil {
		fmt.Fprintf(m.out, "Note: %v\n", err)
	}
	m.run("systemctl", "reset-failed", name)

	return nil
}

func (m *systemd) status(role session.Role) (UnitStatus, error) {
	st := UnitStatus{Unit: UnitName(role)}
	if _, err := os.Stat(m.unitPath(role)); err != nil {
		return st, nil
	}
	st.Installed = true

	output, err := m.run("systemctl", "show", "--property=ActiveState,SubState,MainPID", st.Unit)
	if err != nil {
		return st, fmt.Errorf("failed to get service status: %w", err)
	}

	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "ActiveState":
			st.ActiveState = value
		case "SubState":
			st.SubState = value
		case "MainPID":
			st.MainPID, _ = strconv.Atoi(value)
		}
	}
	return st, nil
}

func runCommand(name string, args ...string) (string, error) {
	output, err := exec.Command(name, args...).CombinedOutput()
	return string(output), err
}
