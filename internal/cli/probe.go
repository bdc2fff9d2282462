package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cablectl/internal/api"
	"cablectl/internal/model"
)

func NewProbeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Measure round-trip latency through a loopback cable",
		Long: `Measure round-trip latency between a capture and a playback device
connected by a physical loopback cable.

Examples:
  cablectl probe start --wait alsa_input.usb alsa_output.usb
  cablectl probe status
  cablectl probe history --limit 5`,
	}
	cmd.AddCommand(newProbeStartCommand(rootOpts))
	cmd.AddCommand(newProbeStatusCommand(rootOpts))
	cmd.AddCommand(newProbeAbortCommand(rootOpts))
	cmd.AddCommand(newProbeDismissCommand(rootOpts))
	cmd.AddCommand(newProbeHistoryCommand(rootOpts))
	return cmd
}

// ProbeStartOptions holds flags for probe start.
type ProbeStartOptions struct {
	*RootOptions
	Wait bool
}

func newProbeStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProbeStartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start <source> <sink>",
		Short: "Start a measurement (source captures, sink plays)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := opts.client()
			if err != nil {
				return err
			}
			src, err := resolveNode(ctx, c, args[0])
			if err != nil {
				return err
			}
			sink, err := resolveNode(ctx, c, args[1])
			if err != nil {
				return err
			}
			m, err := c.StartProbe(ctx, api.ProbeRequest{Source: src, Sink: sink})
			if err != nil {
				return err
			}
			if opts.Wait {
				ctx, cancel := signalContext(ctx)
				defer cancel()
				if m, err = c.Probe(ctx, true); err != nil {
					return err
				}
			}
			if err := opts.printer(cmd).emit(m, func(w io.Writer) { printMeasurement(w, m) }); err != nil {
				return err
			}
			return probeFailure(m)
		},
	}
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "wait for the result")
	return cmd
}

// ProbeStatusOptions holds flags for probe status.
type ProbeStatusOptions struct {
	*RootOptions
	Wait bool
}

func newProbeStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProbeStatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current measurement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := opts.client()
			if err != nil {
				return err
			}
			if opts.Wait {
				var cancel func()
				ctx, cancel = signalContext(ctx)
				defer cancel()
			}
			m, err := c.Probe(ctx, opts.Wait)
			if err != nil {
				return err
			}
			return opts.printer(cmd).emit(m, func(w io.Writer) { printMeasurement(w, m) })
		},
	}
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "block until the measurement finishes")
	return cmd
}

func newProbeAbortCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "abort",
		Short: "Cancel the running measurement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			return c.AbortProbe(cmd.Context())
		},
	}
}

func newProbeDismissCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss",
		Short: "Clear a finished result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			return c.DismissProbe(cmd.Context())
		},
	}
}

// ProbeHistoryOptions holds flags for probe history.
type ProbeHistoryOptions struct {
	*RootOptions
	Limit int
}

func newProbeHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProbeHistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past measurements, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.ProbeHistory(cmd.Context(), opts.Limit)
			if err != nil {
				return err
			}
			return opts.printer(cmd).emit(resp, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STARTED\tSOURCE\tSINK\tSTATUS\tRESULT")
				for _, m := range resp.Measurements {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", m.StartedAt.Format(time.DateTime), m.Source, m.Sink, m.Status, result(m))
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum entries")
	return cmd
}

func result(m model.LatencyMeasurement) string {
	switch {
	case m.Status == model.ProbeDone:
		return formatLatency(m.Latency)
	case m.ErrorCode != "":
		return string(m.ErrorCode)
	}
	return "-"
}

func formatLatency(d time.Duration) string {
	return fmt.Sprintf("%.3f ms", float64(d)/float64(time.Millisecond))
}

func printMeasurement(w io.Writer, m model.LatencyMeasurement) {
	fmt.Fprintf(w, "status: %s\n", m.Status)
	if m.Status == model.ProbeIdle {
		return
	}
	fmt.Fprintf(w, "run: %s (%d -> %d)\n", m.RunID, m.Source, m.Sink)
	if m.Status == model.ProbeDone {
		fmt.Fprintf(w, "latency: %s\n", formatLatency(m.Latency))
	}
	if m.ErrorCode != "" {
		fmt.Fprintf(w, "error: %s: %s\n", m.ErrorCode, m.Error)
	}
	if m.RawOutput != "" {
		fmt.Fprintf(w, "output: %s\n", m.RawOutput)
	}
}

// probeFailure turns a failed measurement into a non-zero exit.
func probeFailure(m model.LatencyMeasurement) error {
	if m.Status != model.ProbeFailed {
		return nil
	}
	return &model.Error{Code: m.ErrorCode, Message: "measurement failed"}
}
