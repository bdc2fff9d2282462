package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"cablectl/internal/api"
	"cablectl/internal/daemon"
)

// DaemonOptions holds flags for the daemon command.
type DaemonOptions struct {
	*RootOptions
	Minimized bool
}

func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the graph engine and control API",
		Long: `Synchronize with PipeWire and serve the control API until interrupted.

Examples:
  cablectl daemon
  cablectl daemon --config ~/.config/cablectl/config.yaml --minimized`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if opts.Addr != "" {
				cfg.Daemon.Listen = opts.Addr
			}
			if opts.Verbose {
				cfg.Daemon.LogLevel = "debug"
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			err = daemon.Run(ctx, cfg,
				daemon.WithLogger(daemon.NewLogger(cfg.Daemon.LogLevel, cmd.ErrOrStderr())),
				daemon.WithMinimized(opts.Minimized),
			)
			if err != nil {
				return WrapExitError(ExitFailure, "daemon failed", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Minimized, "minimized", false, "start without a window (accepted for launcher compatibility)")
	return cmd
}

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Wait time.Duration
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and PipeWire connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var st api.StatusResponse
			if opts.Wait > 0 {
				st, err = daemon.WaitReady(cmd.Context(), c, opts.Wait)
			} else {
				st, err = c.Status(cmd.Context())
			}
			if err != nil {
				return err
			}
			return opts.printer(cmd).emit(st, func(w io.Writer) {
				fmt.Fprintf(w, "state=%s stale=%t version=%d\n", st.State, st.Stale, st.Version)
				if st.Reason != "" {
					fmt.Fprintf(w, "reason=%s\n", st.Reason)
				}
				fmt.Fprintf(w, "nodes=%d ports=%d links=%d\n", st.Nodes, st.Ports, st.Links)
				fmt.Fprintf(w, "probe=%s events_dropped=%d\n", st.Probe, st.EventsDropped)
			})
		},
	}
	cmd.Flags().DurationVar(&opts.Wait, "wait", 0, "wait up to this long for a synchronized graph")
	return cmd
}
