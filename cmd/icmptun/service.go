package main

import (
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/postalsys/icmptun/internal/config"
	"github.com/postalsys/icmptun/internal/service"
	"github.com/postalsys/icmptun/internal/session"
)

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the icmptun systemd service",
	}

	cmd.AddCommand(serviceInstallCmd())
	cmd.AddCommand(serviceUninstallCmd())
	cmd.AddCommand(serviceStatusCmd())

	return cmd
}

func serviceInstallCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "install ROLE [DESTINATION]",
		Short: "Install, enable, and start a systemd unit for ROLE",
		Long: `Install a systemd unit that runs "icmptun server" or
"icmptun client DESTINATION". The configuration file is validated
before the unit is written.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := session.ParseRole(args[0])
			if err != nil {
				return err
			}
			if role == session.Server && len(args) > 1 {
				return fmt.Errorf("server takes no destination")
			}

			cfg := config.Default()
			if configPath != "" {
				if cfg, err = config.Load(configPath); err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			}

			svc := service.DefaultConfig(role, configPath)
			if role == session.Client {
				var dest netip.Addr
				if dest, err = destination(cfg, args[1:]); err != nil {
					return err
				}
				svc.Destination = dest
			}

			if err := service.Install(svc, cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("failed to install service: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %s installed.\n", service.UnitName(role))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	return cmd
}

func serviceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall ROLE",
		Short: "Stop and remove the systemd unit for ROLE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := session.ParseRole(args[0])
			if err != nil {
				return err
			}
			if err := service.Uninstall(role, cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("failed to uninstall service: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %s removed.\n", service.UnitName(role))
			return nil
		},
	}
}

func serviceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status ROLE",
		Short: "Show the state of the systemd unit for ROLE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := session.ParseRole(args[0])
			if err != nil {
				return err
			}
			status, err := service.Status(role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", status.Unit, status)
			return nil
		},
	}
}
