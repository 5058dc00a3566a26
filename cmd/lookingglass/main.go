package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/nozo-moto/lookingglass/internal/collector"
	"github.com/nozo-moto/lookingglass/internal/config"
	"github.com/nozo-moto/lookingglass/internal/logging"
	"github.com/nozo-moto/lookingglass/internal/resolve"
	"github.com/nozo-moto/lookingglass/internal/runner"
	"github.com/nozo-moto/lookingglass/internal/stream"
	"github.com/nozo-moto/lookingglass/internal/target"
	"github.com/nozo-moto/lookingglass/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/net/html"
)

var (
	root *cobra.Command
	cfg  = config.Default()
)

func init() {
	root = &cobra.Command{
		Use:           "lookingglass",
		Short:         "Network looking glass: ping, mtr, traceroute, whois and bgp probes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.SetLevel(cfg.LogLevel); err != nil {
				return err
			}
			return cfg.Validate()
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&cfg.Binaries.Ping, "ping-bin", cfg.Binaries.Ping, "ping binary")
	f.StringVar(&cfg.Binaries.MTR, "mtr-bin", cfg.Binaries.MTR, "mtr binary")
	f.StringVar(&cfg.Binaries.Traceroute, "traceroute-bin", cfg.Binaries.Traceroute, "traceroute binary")
	f.StringVar(&cfg.Binaries.Whois, "whois-bin", cfg.Binaries.Whois, "whois binary")
	f.StringVar(&cfg.Binaries.SS, "ss-bin", cfg.Binaries.SS, "ss binary, /usr/sbin/ss when not on PATH")
	f.IntVar(&cfg.PingCount, "ping-count", cfg.PingCount, "echo requests per ping")
	f.DurationVar(&cfg.PingDeadline, "ping-deadline", cfg.PingDeadline, "overall ping deadline")
	f.IntVar(&cfg.MTRCycles, "mtr-cycles", cfg.MTRCycles, "mtr report cycles")
	f.DurationVar(&cfg.TraceWait, "trace-wait", cfg.TraceWait, "traceroute per-hop wait")
	f.IntVar(&cfg.FailCount, "fail-count", cfg.FailCount, "consecutive silent hops before a trace gives up")
	f.DurationVar(&cfg.StallTimeout, "stall-timeout", cfg.StallTimeout, "abort whois/bgp after this long without output")
	f.DurationVar(&cfg.ResolveTimeout, "resolve-timeout", cfg.ResolveTimeout, "reverse DNS budget per hop address")
	f.StringVar(&cfg.BGPServer, "bgp-server", cfg.BGPServer, "whois server for route lookups")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	root.AddCommand(probeCmd(), latencyCmd(), serveCmd())
}

func kindNames() string {
	var names []string
	for _, k := range types.ProbeKinds() {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

func newRunner() *runner.Runner {
	reverse := resolve.NewReverse(net.DefaultResolver, cfg.ResolveTimeout)
	return runner.New(cfg, runner.WithResolver(reverse))
}

func probeCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "probe <kind> <target>",
		Short: "Run one probe and print its frames (kinds: " + kindNames() + ")",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := types.ParseProbeKind(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			host, err := target.NewValidator(net.DefaultResolver).ForKind(ctx, kind, args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			emit := func(f types.Frame) error {
				var err error
				switch {
				case raw:
					_, err = fmt.Fprint(out, f.Encode())
				case f.Mode == types.FrameReplace:
					_, err = fmt.Fprint(out, "\033[H\033[2J"+html.UnescapeString(f.Text))
				default:
					_, err = fmt.Fprintln(out, html.UnescapeString(f.Text))
				}
				return err
			}
			outcome, err := newRunner().Run(ctx, runner.Request{Kind: kind, Target: host}, emit)
			if err != nil {
				return err
			}
			logging.Infof("%s %s: %s", kind, host, outcome)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print frames in their streaming wire encoding")
	return cmd
}

func latencyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latency <addr>",
		Short: "Report TCP round-trip estimates for established connections to addr",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, err := collector.NewLatencySampler(cfg).Sample(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(samples) == 0 {
				samples = []types.SocketSample{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(samples); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "latency: "+strconv.Itoa(collector.RoundedLatency(samples))+" ms")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Stream probes over websockets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := stream.NewServer(
				newRunner(),
				target.NewValidator(net.DefaultResolver),
				collector.NewLatencySampler(cfg),
				stream.ServerOptions{Addr: cfg.Listen, Logger: logging.Logger()},
			)
			srv.Start()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			logging.Infof("shutting down, %d streams open", srv.ActiveStreams())
			return srv.Stop(context.Background())
		},
	}
	cmd.Flags().StringVar(&cfg.Listen, "listen", cfg.Listen, "listen address")
	return cmd
}

func main() {
	if err := root.Execute(); err != nil {
		logging.Errorf("%v", err)
		os.Exit(1)
	}
}
