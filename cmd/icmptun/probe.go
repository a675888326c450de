package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/icmptun/internal/config"
	"github.com/postalsys/icmptun/internal/probe"
)

func probeCmd() *cobra.Command {
	var (
		count         int
		interval      time.Duration
		timeout       time.Duration
		size          int
		listenAddress string
	)

	cmd := &cobra.Command{
		Use:   "probe DESTINATION",
		Short: "Check that DESTINATION answers ICMP echo requests",
		Long: `Send echo requests to DESTINATION and report the replies. Run it
before starting a client to confirm ICMP passes between the hosts. A
tunnel server ignores echo requests in the kernel; run "icmptun probe
listen --reply" there while probing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := config.ParseDestination(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "PROBE %s: %d echo requests, %d bytes\n", dest, count, size)

			result := probe.Probe(ctx, probe.Options{
				Destination:   dest,
				ListenAddress: listenAddress,
				Count:         count,
				Interval:      interval,
				Timeout:       timeout,
				Size:          size,
				Identifier:    uint16(os.Getpid()),
			})

			fmt.Fprintf(out, "%d sent, %d received, %.0f%% loss\n",
				result.Sent, result.Received, result.Loss()*100)
			if result.Received > 0 {
				fmt.Fprintf(out, "rtt min/avg/max = %v/%v/%v\n",
					result.MinRTT.Round(time.Microsecond),
					result.AvgRTT.Round(time.Microsecond),
					result.MaxRTT.Round(time.Microsecond))
			}
			if result.Error != nil {
				return errors.New(result.ErrorDetail)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&count, "count", "n", 3, "Number of echo requests")
	f.DurationVarP(&interval, "interval", "i", time.Second, "Interval between requests")
	f.DurationVarP(&timeout, "timeout", "W", 2*time.Second, "Time to wait for each reply")
	f.IntVarP(&size, "size", "s", 56, "Echo payload size in bytes")
	f.StringVar(&listenAddress, "listen-address", "0.0.0.0", "Local address of the raw socket")

	cmd.AddCommand(probeListenCmd())

	return cmd
}

func probeListenCmd() *cobra.Command {
	var (
		listenAddress string
		reply         bool
		jsonOutput    bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print the echo requests arriving at this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events := make(chan probe.EchoEvent, 16)
			done := make(chan error, 1)
			go func() {
				done <- probe.Listen(ctx, probe.ListenOptions{
					ListenAddress: listenAddress,
					Reply:         reply,
				}, events)
			}()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			for {
				select {
				case ev := <-events:
					if jsonOutput {
						enc.Encode(ev)
						continue
					}
					status := ""
					if ev.Replied {
						status = " replied"
					}
					if ev.Error != "" {
						status = " reply failed: " + ev.Error
					}
					fmt.Fprintf(out, "%s %s id=%d seq=%d size=%d%s\n",
						ev.Timestamp.Format(time.TimeOnly), ev.Source, ev.ID, ev.Seq, ev.Size, status)
				case err := <-done:
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
			}
		},
	}

	f := cmd.Flags()
	f.StringVar(&listenAddress, "listen-address", "0.0.0.0", "Local address of the raw socket")
	f.BoolVar(&reply, "reply", false, "Answer each echo request with an echo reply")
	f.BoolVar(&jsonOutput, "json", false, "Print events as JSON lines")

	return cmd
}
