// Command footsteps runs a footsteps node.
//
// Usage:
//
//	footsteps [name] [ui-port] [p2p-port] [peers] [url] [flags]
//
// Positional arguments override flags, which override FOOTSTEPS_*
// environment variables, which override the --config YAML file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/footsteps/footsteps/log"
	"github.com/footsteps/footsteps/node"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// runner starts the node for a resolved configuration.
type runner func(ctx context.Context, cfg node.Config, stdout, stderr io.Writer) error

// run executes the command line and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	return runWith(args, stdout, stderr, runNode)
}

func runWith(args []string, stdout, stderr io.Writer, start runner) int {
	cmd := newRootCmd(stdout, stderr, start)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "footsteps: %v\n", err)
		return 1
	}
	return 0
}

type options struct {
	configFile string
	envFile    string
	verbosity  int

	name          string
	uiAddr        string
	p2pAddr       string
	peers         string
	url           string
	discovery     bool
	discoveryPort int
	maxPeers      int
	prover        string
	logLevel      string
	logFormat     string
}

func newRootCmd(stdout, stderr io.Writer, start runner) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "footsteps [name] [ui-port] [p2p-port] [peers] [url]",
		Short:         "Proof-gated movement trails over a peer-to-peer overlay",
		Args:          cobra.MaximumNArgs(5),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, &opts, args)
			if err != nil {
				return err
			}
			return start(cmd.Context(), cfg, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	def := node.DefaultConfig()
	f := cmd.Flags()
	f.StringVar(&opts.configFile, "config", "", "YAML configuration file")
	f.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded into the environment if present")
	f.IntVar(&opts.verbosity, "verbosity", 3, "log level 0-5 (overrides --log-level when set)")
	f.StringVar(&opts.name, "name", def.Name, "display name")
	f.StringVar(&opts.uiAddr, "ui-addr", def.UIAddr, "UI channel listen address")
	f.StringVar(&opts.p2pAddr, "p2p-addr", def.P2PAddr, "overlay listen address")
	f.StringVar(&opts.peers, "peers", "", "comma-separated host:port seed peers")
	f.StringVar(&opts.url, "url", "", "externally advertised URL")
	f.BoolVar(&opts.discovery, "discovery", def.Discovery, "enable LAN discovery")
	f.IntVar(&opts.discoveryPort, "discovery-port", def.DiscoveryPort, "LAN discovery UDP port")
	f.IntVar(&opts.maxPeers, "max-peers", def.MaxPeers, "maximum connected peers")
	f.StringVar(&opts.prover, "prover", "", "external prover command (empty runs the in-process backend)")
	f.StringVar(&opts.logLevel, "log-level", def.LogLevel, "log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", def.LogFormat, "log format (text, json)")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "footsteps %s (commit %s)\n", version, commit)
		},
	}
}

// resolveConfig layers defaults, the YAML file, the environment, flags and
// positional arguments, then validates the result.
func resolveConfig(cmd *cobra.Command, opts *options, args []string) (node.Config, error) {
	cfg := node.DefaultConfig()
	if opts.configFile != "" {
		if err := node.LoadFile(opts.configFile, &cfg); err != nil {
			return cfg, err
		}
	}
	var envFiles []string
	if opts.envFile != "" {
		envFiles = append(envFiles, opts.envFile)
	}
	if err := node.LoadEnv(&cfg, envFiles...); err != nil {
		return cfg, err
	}

	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("name", func() { cfg.Name = opts.name })
	set("ui-addr", func() { cfg.UIAddr = opts.uiAddr })
	set("p2p-addr", func() { cfg.P2PAddr = opts.p2pAddr })
	set("url", func() { cfg.AdvertisedURL = opts.url })
	set("discovery", func() { cfg.Discovery = opts.discovery })
	set("discovery-port", func() { cfg.DiscoveryPort = opts.discoveryPort })
	set("max-peers", func() { cfg.MaxPeers = opts.maxPeers })
	set("prover", func() { cfg.ProverCommand = opts.prover })
	set("log-level", func() { cfg.LogLevel = opts.logLevel })
	set("log-format", func() { cfg.LogFormat = opts.logFormat })
	set("verbosity", func() { cfg.LogLevel = strings.ToLower(log.VerbosityToLevel(opts.verbosity).String()) })
	if f.Changed("peers") {
		peers, err := node.ParsePeers(opts.peers)
		if err != nil {
			return cfg, err
		}
		cfg.Peers = peers
	}

	if err := applyPositional(&cfg, args); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyPositional applies name, ui-port, p2p-port, peers and url in that
// order. Ports bind on all interfaces.
func applyPositional(cfg *node.Config, args []string) error {
	for i, arg := range args {
		switch i {
		case 0:
			cfg.Name = arg
		case 1, 2:
			addr, err := node.PortAddr(arg)
			if err != nil {
				return err
			}
			if i == 1 {
				cfg.UIAddr = addr
			} else {
				cfg.P2PAddr = addr
			}
		case 3:
			peers, err := node.ParsePeers(arg)
			if err != nil {
				return err
			}
			cfg.Peers = peers
		case 4:
			cfg.AdvertisedURL = arg
		}
	}
	return nil
}

func runNode(ctx context.Context, cfg node.Config, stdout, stderr io.Writer) error {
	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetDefault(log.NewFormatted(stderr, level, cfg.LogFormat))

	printBanner(stdout, cfg)

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	color.New(color.FgGreen).Fprintf(stdout, "Node %s running, UI at http://%s\n", n.PeerID(), n.UIAddr())

	<-ctx.Done()
	log.Info("Shutting down")
	if err := n.Stop(); err != nil && !errors.Is(err, node.ErrNodeStopped) {
		return fmt.Errorf("stop node: %w", err)
	}
	return nil
}

// printBanner prints the resolved configuration.
func printBanner(w io.Writer, cfg node.Config) {
	title := color.New(color.FgCyan, color.Bold)
	key := color.New(color.FgWhite)
	warn := color.New(color.FgYellow)

	title.Fprintf(w, "footsteps %s\n", version)
	row := func(k string, v any) {
		key.Fprintf(w, "  %-15s", k+":")
		fmt.Fprintf(w, " %v\n", v)
	}
	row("name", cfg.Name)
	row("ui", cfg.UIAddr)
	row("p2p", cfg.P2PAddr)
	if cfg.AdvertisedURL != "" {
		row("advertised url", cfg.AdvertisedURL)
	}
	row("discovery", cfg.Discovery)
	row("batch interval", cfg.BatchInterval)
	prover := cfg.ProverCommand
	if prover == "" {
		prover = "in-process"
	}
	row("prover", prover)
	if len(cfg.Peers) == 0 {
		warn.Fprintln(w, "  no seed peers, local discovery only")
		return
	}
	row("seed peers", len(cfg.Peers))
	for _, p := range cfg.Peers {
		fmt.Fprintf(w, "    - %s\n", p)
	}
}
