// Tether — CLI entry point.
//
// This tool pushes a project folder to a tethered receiver as it changes and
// tells the receiver when to run it. One side runs "tether push <folder>",
// the other "tether receive <folder>"; both keep reconnecting on their own.
//
// Running "tether" with no subcommand starts the interactive prompts.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/1ureka/tether/internal/app"
	"github.com/1ureka/tether/internal/config"
	"github.com/1ureka/tether/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// options holds every flag. Flags only override the config file when set.
type options struct {
	configPath string

	transport   string
	mainPort    int
	runnerPort  int
	retryDelay  time.Duration
	logFile     string
	debug       bool
	metricsAddr string
	stunServers []string

	device        string
	latency       time.Duration
	probeInterval time.Duration
	pushOnConnect bool
	runOnChange   bool
	runKey        bool

	listen     string
	runCommand string
}

func newRootCmd() *cobra.Command {
	return newCommand(&options{})
}

func newCommand(opts *options) *cobra.Command {
	defaults := config.Default()

	root := &cobra.Command{
		Use:           "tether",
		Short:         "Push a project folder to a tethered device as it changes",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd, opts)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&opts.transport, "transport", string(defaults.Transport), "Channel transport: ws or webrtc")
	pf.IntVar(&opts.mainPort, "main-port", defaults.MainPort, "Channel number of the main session")
	pf.IntVar(&opts.runnerPort, "runner-port", defaults.RunnerPort, "Channel number of the runner session")
	pf.DurationVar(&opts.retryDelay, "retry-delay", defaults.RetryDelay, "Fixed interval between connect attempts")
	pf.StringVar(&opts.logFile, "log-file", "", "Also write logs to this file, rotated by size")
	pf.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	pf.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.StringSliceVar(&opts.stunServers, "stun", nil, "STUN server URLs for the webrtc transport")

	push := &cobra.Command{
		Use:   "push <folder>",
		Short: "Watch a folder and push its changes to the receiver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := buildConfig(cmd, opts, config.RolePush, args[0])
			if err != nil {
				return err
			}
			defer closer.Close()
			return runPush(cmd.Context(), cfg, opts.runKey)
		},
	}
	push.Flags().StringVarP(&opts.device, "device", "d", defaults.Device, "Receiver host to connect to")
	push.Flags().DurationVar(&opts.latency, "latency", defaults.Latency, "Coalescing window for filesystem events")
	push.Flags().DurationVar(&opts.probeInterval, "probe-interval", defaults.ProbeInterval, "How often to check whether the receiver is reachable")
	push.Flags().BoolVar(&opts.pushOnConnect, "push-on-connect", defaults.PushOnConnect, "Push the whole folder every time the main session connects")
	push.Flags().BoolVar(&opts.runOnChange, "run-on-change", defaults.RunOnChange, "Ask the receiver to run after each source change")
	push.Flags().BoolVar(&opts.runKey, "run-key", true, "Ask the receiver to run when Enter is pressed (terminal stdin only)")

	receive := &cobra.Command{
		Use:   "receive <folder>",
		Short: "Apply pushed changes to a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := buildConfig(cmd, opts, config.RoleReceive, args[0])
			if err != nil {
				return err
			}
			defer closer.Close()
			return runReceive(cmd.Context(), cfg)
		},
	}
	receive.Flags().StringVarP(&opts.listen, "listen", "l", defaults.Listen, "Host to listen on")
	receive.Flags().StringVar(&opts.runCommand, "run-command", "", "Shell command to run in the folder on runCommand")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tether %s\n", version)
		},
	}

	root.AddCommand(push, receive, versionCmd)
	return root
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func runPush(ctx context.Context, cfg config.Config, runKey bool) error {
	banner()
	util.LogSuccess("watching %s — connecting to %s over %s", cfg.Root, cfg.Device, cfg.Transport)

	var opts []app.PusherOption
	if runKey && term.IsTerminal(int(os.Stdin.Fd())) {
		runs := make(chan struct{}, 1)
		go readRunRequests(os.Stdin, runs)
		opts = append(opts, app.WithRunRequests(runs))
		util.LogInfo("press Enter to run on the receiver")
	}

	if err := app.RunPusher(ctx, cfg, opts...); err != nil {
		return fmt.Errorf("pusher stopped: %w", err)
	}
	util.LogInfo("pusher stopped")
	return nil
}

func runReceive(ctx context.Context, cfg config.Config) error {
	banner()
	util.LogSuccess("receiving into %s — listening on %s over %s", cfg.Root, cfg.Listen, cfg.Transport)
	if err := app.RunReceiver(ctx, cfg); err != nil {
		return fmt.Errorf("receiver stopped: %w", err)
	}
	util.LogInfo("receiver stopped")
	return nil
}

// runInteractive asks for the role and folder when no subcommand is given.
func runInteractive(cmd *cobra.Command, opts *options) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Push    — Watch a folder and send its changes", "Receive — Apply pushed changes to a folder"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	folder := askText("Folder", ".")

	if strings.HasPrefix(role, "Push") {
		device := askText("Receiver host", opts.device)
		cfg, closer, err := buildConfig(cmd, opts, config.RolePush, folder)
		if err != nil {
			return err
		}
		defer closer.Close()
		cfg.Device = device
		return runPush(cmd.Context(), cfg, true)
	}

	cfg, closer, err := buildConfig(cmd, opts, config.RoleReceive, folder)
	if err != nil {
		return err
	}
	defer closer.Close()
	return runReceive(cmd.Context(), cfg)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// buildConfig merges defaults, the config file and the flags that were set,
// validates the result and applies the logging settings.
func buildConfig(cmd *cobra.Command, opts *options, role config.Role, root string) (config.Config, io.Closer, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return cfg, nil, err
		}
		cfg = loaded
	}

	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if changed("transport") {
		cfg.Transport = config.Transport(opts.transport)
	}
	if changed("main-port") {
		cfg.MainPort = opts.mainPort
	}
	if changed("runner-port") {
		cfg.RunnerPort = opts.runnerPort
	}
	if changed("retry-delay") {
		cfg.RetryDelay = opts.retryDelay
	}
	if changed("log-file") {
		cfg.LogFile = opts.logFile
	}
	if changed("debug") {
		cfg.Debug = opts.debug
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if changed("stun") {
		cfg.STUNServers = opts.stunServers
	}
	if changed("device") {
		cfg.Device = opts.device
	}
	if changed("latency") {
		cfg.Latency = opts.latency
	}
	if changed("probe-interval") {
		cfg.ProbeInterval = opts.probeInterval
	}
	if changed("push-on-connect") {
		cfg.PushOnConnect = opts.pushOnConnect
	}
	if changed("run-on-change") {
		cfg.RunOnChange = opts.runOnChange
	}
	if changed("listen") {
		cfg.Listen = opts.listen
	}
	if changed("run-command") {
		cfg.RunCommand = opts.runCommand
	}

	cfg.Role = role
	cfg.Root = root

	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}

	if cfg.Debug {
		util.EnableDebug()
	}
	var closer io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		closer = util.LogToFile(cfg.LogFile)
	}
	return cfg, closer, nil
}

// readRunRequests turns every input line into a run request. A request
// made while one is still pending is dropped. It returns at EOF.
func readRunRequests(r io.Reader, runs chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case runs <- struct{}{}:
		default:
		}
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func banner() {
	pterm.Info.Println(fmt.Sprintf("Tether — v%s", version))
	pterm.Println()
}

// askText prompts for a non-empty value, falling back to def on empty input.
func askText(prompt, def string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(fmt.Sprintf("%s (default %s)", prompt, def)).
		Show()
	pterm.Println()

	if v := strings.TrimSpace(raw); v != "" {
		return v
	}
	return def
}
