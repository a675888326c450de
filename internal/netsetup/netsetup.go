// Package netsetup configures addresses and routes on the tunnel interface
// once the relay has opened it.
package netsetup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/postalsys/icmptun/internal/session"
)

// Params describes the tunnel being configured.
type Params struct {
	Role   session.Role
	Device string
	MTU    int
	Peer   netip.Addr
}

// Configurator performs the OS-level configuration for a tunnel. The relay
// calls it once after the interface is allocated, and again whenever the
// interface is re-opened.
type Configurator interface {
	Configure(ctx context.Context, p Params) error
}

// Func adapts a function to the Configurator interface.
type Func func(ctx context.Context, p Params) error

// Configure calls f.
func (f Func) Configure(ctx context.Context, p Params) error {
	return f(ctx, p)
}

// Nop is a Configurator that does nothing.
type Nop struct{}

// Configure returns nil.
func (Nop) Configure(context.Context, Params) error { return nil }

// ScriptError is returned when a configuration script fails.
type ScriptError struct {
	Path     string
	ExitCode int // -1 when the script could not be started or was killed
	Output   string
	Err      error
}

func (e *ScriptError) Error() string {
	msg := fmt.Sprintf("script %s failed (exit code %d): %v", e.Path, e.ExitCode, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// waitDelay bounds how long output pipes are drained after the script is
// killed, in case it left children holding them open.
const waitDelay = time.Second

// maxOutput bounds the script output kept in a ScriptError.
const maxOutput = 1024

// Script runs one executable per role, with no arguments, and waits for it
// to exit. The tunnel parameters are passed in the environment as
// ICMPTUN_ROLE, ICMPTUN_DEVICE, ICMPTUN_MTU and ICMPTUN_PEER.
type Script struct {
	ServerPath string
	ClientPath string

	// Timeout kills the script if it runs longer. 0 means no limit.
	Timeout time.Duration

	// Env holds extra KEY=VALUE entries appended to the environment.
	Env []string
}

// Path returns the script for role, or "" when none is configured.
func (s *Script) Path(role session.Role) string {
	if role == session.Server {
		return s.ServerPath
	}
	return s.ClientPath
}

// Configure runs the script for p.Role. A role with no script configured is
// a no-op.
func (s *Script) Configure(ctx context.Context, p Params) error {
	path := s.Path(p.Role)
	if path == "" {
		return nil
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path)
	cmd.Env = append(os.Environ(), s.environ(p)...)
	cmd.WaitDelay = waitDelay

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		serr := &ScriptError{
			Path:     path,
			ExitCode: -1,
			Output:   truncate(strings.TrimSpace(out.String()), maxOutput),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			serr.ExitCode = exitErr.ExitCode()
		}
		return serr
	}

	return nil
}

func (s *Script) environ(p Params) []string {
	env := []string{
		"ICMPTUN_ROLE=" + p.Role.String(),
		"ICMPTUN_DEVICE=" + p.Device,
		"ICMPTUN_MTU=" + strconv.Itoa(p.MTU),
	}
	if p.Peer.IsValid() {
		env = append(env, "ICMPTUN_PEER="+p.Peer.String())
	}
	return append(env, s.Env...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
