// Command sweeper drives a SCPI spectrum analyzer over LAN or USB: it finds
// instruments, takes single sweeps, sends raw commands and runs periodic
// acquisition with a web telemetry feed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/rjboer/GoSweep/internal/acquisition"
	"github.com/rjboer/GoSweep/internal/logging"
	"github.com/rjboer/GoSweep/internal/scpi"
	"github.com/rjboer/GoSweep/internal/telemetry"
	"github.com/rjboer/GoSweep/internal/transport"
)

func main() {
	if err := newRootCmd(os.LookupEnv).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(lookup func(string) (string, bool)) *cobra.Command {
	root := &cobra.Command{
		Use:          "sweeper",
		Short:        "Acquire sweeps from a SCPI spectrum analyzer",
		SilenceUsage: true,
	}
	registerFlags(root.PersistentFlags())
	root.AddCommand(
		newDiscoverCmd(lookup),
		newAcquireCmd(lookup),
		newRunCmd(lookup),
		newSendCmd(lookup),
	)
	return root
}

// setup resolves configuration and installs the process logger.
func setup(cmd *cobra.Command, lookup func(string) (string, bool)) (fileConfig, logging.Logger, error) {
	cfg, err := resolveConfig(cmd.Flags(), lookup)
	if err != nil {
		return fileConfig{}, nil, err
	}
	logger, err := logging.FromStrings(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return fileConfig{}, nil, err
	}
	logging.SetDefault(logger)
	return cfg, logger, nil
}

func newDiscoverCmd(lookup func(string) (string, bool)) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List LAN instruments advertised over mDNS and USB serial resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, err := setup(cmd, lookup); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			return discover(ctx, cmd.OutOrStdout(), transport.DefaultLister)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "How long to browse for LAN instruments")
	return cmd
}

func discover(ctx context.Context, out io.Writer, lister transport.ResourceLister) error {
	instruments, lanErr := transport.DiscoverLAN(ctx)
	for _, inst := range instruments {
		fmt.Fprintf(out, "lan\t%s:%d\t%s\n", inst.Host(), inst.Port, inst.Instance)
	}
	resources, usbErr := transport.ListUSB(lister)
	for _, res := range resources {
		fmt.Fprintf(out, "usb\t%s\n", res)
	}
	if len(instruments) == 0 && len(resources) == 0 {
		if err := errors.Join(lanErr, usbErr); err != nil {
			return err
		}
		fmt.Fprintln(out, "no instruments found")
	}
	return nil
}

func newAcquireCmd(lookup func(string) (string, bool)) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Connect, apply the configured settings and take one sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd, lookup)
			if err != nil {
				return err
			}
			ctrl := acquisition.New(nil, logger, nil, cfg.acquisitionConfig())
			closeTunnel, err := connect(cmd.Context(), ctrl, cfg, logger)
			if err != nil {
				return err
			}
			defer closeTunnel()
			defer ctrl.Close()
			return acquireOnce(cmd.Context(), ctrl, cfg, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full sweep as JSON")
	return cmd
}

func acquireOnce(ctx context.Context, ctrl *acquisition.Controller, cfg fileConfig, out io.Writer, asJSON bool) error {
	if cfg.hasSpectrum() {
		if err := ctrl.Configure(ctx, cfg.Spectrum); err != nil {
			return fmt.Errorf("configure: %w", err)
		}
	}
	res, err := ctrl.AcquireOnce(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Identity    string    `json:"identity"`
			Frequencies []float64 `json:"frequencies_hz"`
			Amplitudes  []float64 `json:"amplitudes_dbm"`
			GPS         any       `json:"gps"`
		}{
			Identity:    ctrl.Identity().String(),
			Frequencies: res.Sweep.Frequencies,
			Amplitudes:  res.Sweep.Amplitudes,
			GPS:         res.GPS,
		})
	}

	sum := res.Sweep.Summarize()
	fmt.Fprintf(out, "instrument: %s\n", ctrl.Identity())
	fmt.Fprintf(out, "points:     %d\n", sum.Points)
	fmt.Fprintf(out, "range:      %.0f Hz .. %.0f Hz\n", sum.StartFreqHz, sum.StopFreqHz)
	fmt.Fprintf(out, "peak:       %.2f dBm at %.0f Hz\n", sum.PeakAmp, sum.PeakFreqHz)
	fmt.Fprintf(out, "mean:       %.2f dBm\n", sum.MeanAmp)
	if res.GPS.Good() {
		fmt.Fprintf(out, "gps:        %s %.6f, %.6f\n", res.GPS.Timestamp, res.GPS.LatDeg(), res.GPS.LonDeg())
	} else {
		fmt.Fprintln(out, "gps:        unavailable")
	}
	return nil
}

func newSendCmd(lookup func(string) (string, bool)) *cobra.Command {
	return &cobra.Command{
		Use:     "send <command>...",
		Short:   "Send raw SCPI commands in order, printing the answer to each query",
		Example: "  sweeper send --host 192.168.1.40 ':SENSe:FREQuency:CENTer 1e9' ':SENSe:FREQuency:CENTer?'",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd, lookup)
			if err != nil {
				return err
			}
			ctrl := acquisition.New(nil, logger, nil, cfg.acquisitionConfig())
			closeTunnel, err := connect(cmd.Context(), ctrl, cfg, logger)
			if err != nil {
				return err
			}
			defer closeTunnel()
			defer ctrl.Close()
			return send(cmd.Context(), ctrl, args, cmd.OutOrStdout())
		},
	}
}

func send(ctx context.Context, ctrl *acquisition.Controller, cmds []string, out io.Writer) error {
	for _, c := range cmds {
		resp, err := ctrl.Send(ctx, c)
		if err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}
		if scpi.IsQuery(c) {
			fmt.Fprintln(out, resp)
		}
	}
	return nil
}

func newRunCmd(lookup func(string) (string, bool)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Acquire repeatedly and serve the results over HTTP until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd, lookup)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	d := defaultFileConfig()
	cmd.Flags().String("web-addr", d.WebAddr, "Web telemetry listen address, empty to disable")
	cmd.Flags().Int("history-limit", d.HistoryLimit, "Sweeps kept in telemetry history")
	return cmd
}

func run(ctx context.Context, cfg fileConfig, logger logging.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := acquisition.NewMetrics(reg)

	reporters := acquisition.MultiReporter{acquisition.NewLogReporter(logger)}
	var hub *telemetry.Hub
	if cfg.WebAddr != "" {
		hub = telemetry.NewHub(cfg.HistoryLimit, logger)
		reporters = append(reporters, hub)
	}

	ctrl := acquisition.New(reporters, logger, metrics, cfg.acquisitionConfig())
	defer ctrl.Close()

	webErr := make(chan error, 1)
	if hub != nil {
		hub.SetStatusSource(ctrl.Status)
		ws := telemetry.NewWebServer(cfg.WebAddr, hub, reg, logger)
		go func() { webErr <- ws.Start(ctx) }()
	}

	closeTunnel, err := connect(ctx, ctrl, cfg, logger)
	if err != nil {
		return err
	}
	defer closeTunnel()

	if cfg.hasSpectrum() {
		if err := ctrl.Configure(ctx, cfg.Spectrum); err != nil {
			return fmt.Errorf("configure: %w", err)
		}
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	logger.Info("acquiring, interrupt to stop")

	select {
	case <-ctx.Done():
		ctrl.Stop()
		return nil
	case <-ctrl.Done():
		if !ctrl.Connected() {
			return acquisition.ErrConnectionLost
		}
		return nil
	case err := <-webErr:
		ctrl.Stop()
		if err != nil {
			return fmt.Errorf("web telemetry: %w", err)
		}
		return nil
	}
}

// connect opens the configured transport on ctrl. The returned function
// releases resources that outlive the channel, such as an SSH tunnel.
func connect(ctx context.Context, ctrl *acquisition.Controller, cfg fileConfig, logger logging.Logger) (func(), error) {
	noop := func() {}
	switch transport.Kind(cfg.Transport) {
	case transport.KindLAN:
		opts := transport.LANOptions{Timeout: cfg.Timeout, Logger: logger}
		release := noop
		if cfg.SSH.Host != "" {
			tunnel, err := transport.NewSSHTunnel(cfg.SSH)
			if err != nil {
				return nil, err
			}
			opts.Dial = tunnel.DialContext
			release = func() { _ = tunnel.Close() }
		}
		if err := ctrl.ConnectLAN(ctx, cfg.Host, cfg.Port, opts); err != nil {
			release()
			return nil, err
		}
		return release, nil
	case transport.KindUSB:
		err := ctrl.ConnectUSB(ctx, transport.USBOptions{
			Resource: cfg.USBResource,
			Prefer:   cfg.USBPrefer,
			BaudRate: cfg.BaudRate,
			Timeout:  cfg.Timeout,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return noop, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want lan or usb)", cfg.Transport)
	}
}
