// Package config provides configuration parsing and validation for icmptun.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// minMTU is the smallest MTU an IPv4 interface may have.
	minMTU = 68
	// maxMTU is the largest payload that fits in one IPv4 ICMP datagram.
	maxMTU = 65535 - 20 - 8
	// maxDeviceName is IFNAMSIZ without the terminating NUL.
	maxDeviceName = 15
)

// Config represents the complete tunnel configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Device   DeviceConfig   `yaml:"device"`
	ICMP     ICMPConfig     `yaml:"icmp"`
	Client   ClientConfig   `yaml:"client"`
	NetSetup NetSetupConfig `yaml:"netsetup"`
	Relay    RelayConfig    `yaml:"relay"`
	Health   HealthConfig   `yaml:"health"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DeviceConfig contains TUN device settings.
type DeviceConfig struct {
	// Name is the requested interface name. The kernel may pick another one
	// when the name contains a %d pattern.
	Name string `yaml:"name"`
	MTU  int    `yaml:"mtu"`
}

// ICMPConfig contains raw socket settings.
type ICMPConfig struct {
	ListenAddress string `yaml:"listen_address"`

	// Identifier is the echo identifier used by a client. 0 derives it from
	// the process ID.
	Identifier int `yaml:"identifier"`

	// TTL of outgoing datagrams. 0 keeps the system default.
	TTL int `yaml:"ttl"`

	// MatchIdentifier makes a client ignore replies carrying another
	// identifier.
	MatchIdentifier bool `yaml:"match_identifier"`
}

// ClientConfig contains client-only settings.
type ClientConfig struct {
	// Destination is the server's IPv4 address. The command line argument
	// takes precedence.
	Destination string `yaml:"destination"`
}

// NetSetupConfig contains the network configuration scripts.
type NetSetupConfig struct {
	ServerScript   string        `yaml:"server_script"`
	ClientScript   string        `yaml:"client_script"`
	Timeout        time.Duration `yaml:"timeout"`
	AbortOnFailure bool          `yaml:"abort_on_failure"`
}

// RelayConfig contains relay loop settings.
type RelayConfig struct {
	// ErrorPolicy is "fatal" or "reopen".
	ErrorPolicy string `yaml:"error_policy"`

	// SendRate limits outgoing frames per second. 0 means unlimited.
	// Throttled sends also delay the receive direction.
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig contains backoff settings for the reopen policy.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// HealthConfig contains the health and metrics HTTP server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Device: DeviceConfig{
			Name: "tun0",
			MTU:  1472,
		},
		ICMP: ICMPConfig{
			ListenAddress:   "0.0.0.0",
			MatchIdentifier: true,
		},
		NetSetup: NetSetupConfig{
			ServerScript: "/etc/icmptun/server.sh",
			ClientScript: "/etc/icmptun/client.sh",
			Timeout:      30 * time.Second,
		},
		Relay: RelayConfig{
			ErrorPolicy: "fatal",
			SendBurst:   64,
			Reconnect: ReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
				MaxRetries:   0,
			},
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9464",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// Supports ${VAR}, $VAR, and ${VAR:-default}. Unknown variables are kept.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if varName, defaultVal, ok := strings.Cut(name, ":-"); ok {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if len(c.Device.Name) > maxDeviceName {
		errs = append(errs, fmt.Sprintf("device.name %q is longer than %d bytes", c.Device.Name, maxDeviceName))
	}
	if c.Device.MTU < minMTU || c.Device.MTU > maxMTU {
		errs = append(errs, fmt.Sprintf("device.mtu must be between %d and %d", minMTU, maxMTU))
	}

	if c.ICMP.ListenAddress != "" {
		if addr, err := netip.ParseAddr(c.ICMP.ListenAddress); err != nil || !addr.Is4() {
			errs = append(errs, fmt.Sprintf("icmp.listen_address: invalid IPv4 address: %s", c.ICMP.ListenAddress))
		}
	}
	if c.ICMP.Identifier < 0 || c.ICMP.Identifier > 0xffff {
		errs = append(errs, "icmp.identifier must be between 0 and 65535")
	}
	if c.ICMP.TTL < 0 || c.ICMP.TTL > 255 {
		errs = append(errs, "icmp.ttl must be between 0 and 255")
	}

	if c.Client.Destination != "" {
		if _, err := ParseDestination(c.Client.Destination); err != nil {
			errs = append(errs, fmt.Sprintf("client.destination: %v", err))
		}
	}

	if c.NetSetup.Timeout < 0 {
		errs = append(errs, "netsetup.timeout must not be negative")
	}

	if !isValidErrorPolicy(c.Relay.ErrorPolicy) {
		errs = append(errs, fmt.Sprintf("invalid relay.error_policy: %s (must be fatal or reopen)", c.Relay.ErrorPolicy))
	}
	if c.Relay.SendRate < 0 {
		errs = append(errs, "relay.send_rate must not be negative")
	}
	if c.Relay.SendRate > 0 && c.Relay.SendBurst < 1 {
		errs = append(errs, "relay.send_burst must be positive when send_rate is set")
	}

	rc := c.Relay.Reconnect
	if rc.InitialDelay <= 0 {
		errs = append(errs, "relay.reconnect.initial_delay must be positive")
	}
	if rc.MaxDelay < rc.InitialDelay {
		errs = append(errs, "relay.reconnect.max_delay must be >= initial_delay")
	}
	if rc.Multiplier < 1 {
		errs = append(errs, "relay.reconnect.multiplier must be at least 1")
	}
	if rc.Jitter < 0 || rc.Jitter > 1 {
		errs = append(errs, "relay.reconnect.jitter must be between 0 and 1")
	}
	if rc.MaxRetries < 0 {
		errs = append(errs, "relay.reconnect.max_retries must not be negative")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ParseDestination parses the client's destination as an IPv4 address.
func ParseDestination(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid destination %q: %w", s, err)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("invalid destination %q: not an IPv4 address", s)
	}
	if addr.IsUnspecified() {
		return netip.Addr{}, fmt.Errorf("invalid destination %q: unspecified address", s)
	}
	return addr, nil
}

// EchoIdentifier returns the echo identifier a client sends with.
func (c ICMPConfig) EchoIdentifier() uint16 {
	if c.Identifier != 0 {
		return uint16(c.Identifier)
	}
	return uint16(os.Getpid())
}

// Script returns the network configuration script for the role, "server"
// or "client".
func (c NetSetupConfig) Script(role string) string {
	if role == "server" {
		return c.ServerScript
	}
	return c.ClientScript
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

func isValidErrorPolicy(policy string) bool {
	switch policy {
	case "fatal", "reopen":
		return true
	}
	return false
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
