// Package cli implements the cablectl command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cablectl/internal/addrutil"
	"cablectl/internal/api"
	"cablectl/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config  string
	Addr    string
	Format  string // "json" | "text"
	Verbose bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the cablectl CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cablectl",
		Short: "cablectl - PipeWire patchbay daemon and control",
		Long: `Keeps a live model of the PipeWire graph, patches ports, samples
per-node load and measures round-trip latency through a loopback cable.

Run "cablectl daemon" once; every other command talks to it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to YAML config")
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "", "daemon address (default: daemon.listen from config)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewDaemonCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewGraphCommand(opts))
	cmd.AddCommand(NewConnectCommand(opts))
	cmd.AddCommand(NewDisconnectCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewProbeCommand(opts))
	cmd.AddCommand(NewLatencyCommand(opts))
	cmd.AddCommand(NewPropertyCommand(opts))
	cmd.AddCommand(NewClockCommand(opts))
	cmd.AddCommand(NewProfileCommand(opts))
	cmd.AddCommand(NewRestartCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))

	return cmd
}

// Execute runs the command tree and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}

func (o *RootOptions) loadConfig() (config.Config, error) {
	if o.Config == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(o.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

func (o *RootOptions) client() (*api.Client, error) {
	addr := o.Addr
	if addr == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Daemon.Listen
	}
	dial, ok := addrutil.DialAddr(addr)
	if !ok {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid daemon address %q", addr))
	}
	return api.NewClient(dial), nil
}

func (o *RootOptions) printer(cmd *cobra.Command) *printer {
	return &printer{format: o.Format, w: cmd.OutOrStdout()}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
