// Package main provides the CLI entry point for the icmptun ICMP tunnel.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/postalsys/icmptun/internal/config"
	"github.com/postalsys/icmptun/internal/health"
	"github.com/postalsys/icmptun/internal/icmp"
	"github.com/postalsys/icmptun/internal/logging"
	"github.com/postalsys/icmptun/internal/metrics"
	"github.com/postalsys/icmptun/internal/netsetup"
	"github.com/postalsys/icmptun/internal/relay"
	"github.com/postalsys/icmptun/internal/session"
	"github.com/postalsys/icmptun/internal/sysinfo"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "icmptun",
		Short: "icmptun - IP over ICMP echo tunnel",
		Long: `icmptun carries IP packets between two hosts inside ICMP echo
messages. The client wraps packets from its TUN interface in echo
requests; the server answers with echo replies carrying its own traffic.

Both ends need CAP_NET_ADMIN for the TUN device and CAP_NET_RAW for
the ICMP socket. The server host should ignore echo requests in the
kernel (net.ipv4.icmp_echo_ignore_all=1).`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(probeCmd())

	return rootCmd
}

// options holds the flags shared by all subcommands.
type options struct {
	configPath    string
	device        string
	mtu           int
	logLevel      string
	logFormat     string
	healthAddress string
}

func (o *options) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "Path to configuration file (built-in defaults when empty)")
	f.StringVar(&o.device, "device", "", "TUN device name")
	f.IntVar(&o.mtu, "mtu", 0, "Tunnel MTU (largest payload per ICMP message)")
	f.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&o.logFormat, "log-format", "", "Log format: text or json")
	f.StringVar(&o.healthAddress, "health-address", "", "Serve health and metrics endpoints on this address")
}

// load reads the configuration file, if any, and applies the flags that
// were set on the command line.
func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		cfg, err = config.Load(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("device") {
		cfg.Device.Name = o.device
	}
	if flags.Changed("mtu") {
		cfg.Device.MTU = o.mtu
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if flags.Changed("health-address") {
		cfg.Health.Enabled = true
		cfg.Health.Address = o.healthAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serverCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the tunnel server",
		Long: `Run the tunnel server. The server answers echo requests and learns
the client's address from them; it needs no destination.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return run(cfg, session.Server, netip.Addr{})
		},
	}
	opts.register(cmd)

	return cmd
}

func clientCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "client [DESTINATION]",
		Short: "Run the tunnel client",
		Long: `Run the tunnel client against the server at DESTINATION, an IPv4
address. Without the argument, client.destination from the
configuration file is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			dest, err := destination(cfg, args)
			if err != nil {
				return err
			}
			return run(cfg, session.Client, dest)
		},
	}
	opts.register(cmd)

	return cmd
}

func configCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
	opts.register(cmd)

	return cmd
}

// destination picks the client's destination from the argument or the
// configuration file.
func destination(cfg *config.Config, args []string) (netip.Addr, error) {
	s := cfg.Client.Destination
	if len(args) > 0 {
		s = args[0]
	}
	if s == "" {
		return netip.Addr{}, errors.New("destination required: pass it as an argument or set client.destination")
	}
	return config.ParseDestination(s)
}

// run builds the relay for role and runs it until SIGINT or SIGTERM.
func run(cfg *config.Config, role session.Role, dest netip.Addr) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	policy, err := relay.ParsePolicy(cfg.Relay.ErrorPolicy)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetricsWithRegistry(reg)

	id := cfg.ICMP.EchoIdentifier()
	icmpCfg := icmp.DefaultConfig(role.ReceiveKind())
	icmpCfg.ListenAddress = cfg.ICMP.ListenAddress
	icmpCfg.MTU = cfg.Device.MTU
	icmpCfg.TTL = cfg.ICMP.TTL
	icmpCfg.Identifier = id
	icmpCfg.MatchIdentifier = role == session.Client && cfg.ICMP.MatchIdentifier

	relayCfg := relay.Config{
		Role:        role,
		Destination: dest,
		MTU:         cfg.Device.MTU,
		Identifier:  id,
		Policy:      policy,
		Reconnect: relay.ReconnectConfig{
			InitialDelay: cfg.Relay.Reconnect.InitialDelay,
			MaxDelay:     cfg.Relay.Reconnect.MaxDelay,
			Multiplier:   cfg.Relay.Reconnect.Multiplier,
			MaxAttempts:  cfg.Relay.Reconnect.MaxRetries,
			Jitter:       cfg.Relay.Reconnect.Jitter,
		},
		SendRate:              cfg.Relay.SendRate,
		SendBurst:             cfg.Relay.SendBurst,
		AbortOnConfigureError: cfg.NetSetup.AbortOnFailure,
	}

	script := &netsetup.Script{
		ServerPath: cfg.NetSetup.ServerScript,
		ClientPath: cfg.NetSetup.ClientScript,
		Timeout:    cfg.NetSetup.Timeout,
	}

	r, err := relay.New(relayCfg, relay.SystemOpener(cfg.Device.Name, icmpCfg),
		relay.WithLogger(logger),
		relay.WithMetrics(m),
		relay.WithConfigurator(script),
	)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	if cfg.Health.Enabled {
		hs := health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, relayStats{r}, reg, logger)
		// A panic in the health server stops the tunnel.
		if err := hs.Start(func(any) { stop() }); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer hs.Stop()
	}

	attrs := []any{
		"version", sysinfo.Version,
		logging.KeyRole, role.String(),
		logging.KeyDevice, cfg.Device.Name,
		logging.KeyMTU, cfg.Device.MTU,
		"policy", policy.String(),
		logging.KeyScript, cfg.NetSetup.Script(role.String()),
	}
	if role == session.Client {
		attrs = append(attrs, logging.KeyPeer, dest.String(), logging.KeyID, id)
	}
	logger.Info("starting icmptun", attrs...)

	if err := r.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// relayStats exposes relay counters to the health server.
type relayStats struct {
	r *relay.Relay
}

func (s relayStats) IsRunning() bool {
	return s.r.IsRunning()
}

func (s relayStats) Stats() health.Stats {
	st := s.r.Stats()
	return health.Stats{
		Role:           st.Role,
		Device:         st.Device,
		Peer:           st.Peer,
		FramesSent:     st.FramesSent,
		FramesReceived: st.FramesReceived,
		BytesSent:      st.BytesSent,
		BytesReceived:  st.BytesReceived,
		Discarded:      st.Discarded,
		Dropped:        st.Dropped,
	}
}
