package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cablectl/internal/metrics"
	"cablectl/internal/model"
)

// StatsOptions holds flags for the stats command.
type StatsOptions struct {
	*RootOptions
	Node   string
	Window time.Duration
	File   string
}

func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-node load and xruns",
		Long: `Show per-node scheduling telemetry sampled by the daemon.

Without --node every tracked node is listed. With --file the samples are
read from a CSV written by the daemon and no daemon is needed.

Examples:
  cablectl stats
  cablectl stats --node firefox --window 30s
  cablectl stats --file ~/.local/share/cablectl/stats.csv --window 10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.File != "" {
				return runStatsFile(cmd, opts)
			}
			ctx := cmd.Context()
			c, err := opts.client()
			if err != nil {
				return err
			}
			p := opts.printer(cmd)

			if opts.Node == "" {
				resp, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				return p.emit(resp, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tLOAD\tSAMPLES")
					for _, n := range resp.Nodes {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%.3f\t%d\n", n.NodeID, n.Name, n.Status, n.Current, n.Samples)
					}
					tw.Flush()
				})
			}

			id, err := resolveNode(ctx, c, opts.Node)
			if err != nil {
				return err
			}
			resp, err := c.NodeStats(ctx, id, opts.Window)
			if err != nil {
				return err
			}
			return p.emit(resp, func(w io.Writer) {
				fmt.Fprintf(w, "node %d %s (%s)\n", resp.NodeID, resp.Name, resp.Status)
				printSummary(w, resp.Summary)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Node, "node", "", "show one node (id or name)")
	cmd.Flags().DurationVar(&opts.Window, "window", time.Minute, "summary window")
	cmd.Flags().StringVar(&opts.File, "file", "", "summarize a stats CSV instead of asking the daemon")
	return cmd
}

func runStatsFile(cmd *cobra.Command, opts *StatsOptions) error {
	items, err := metrics.ReadCSV(opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read stats file", err)
	}
	byNode := map[model.NodeID][]model.StatSample{}
	var newest time.Time
	for _, s := range items {
		byNode[s.NodeID] = append(byNode[s.NodeID], s)
		if s.Timestamp.After(newest) {
			newest = s.Timestamp
		}
	}
	// The window is anchored on the newest sample so old files still summarize.
	since := newest.Add(-opts.Window)
	ids := make([]model.NodeID, 0, len(byNode))
	for id := range byNode {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	summaries := make(map[string]metrics.Summary, len(ids))
	for _, id := range ids {
		summaries[fmt.Sprint(id)] = metrics.Summarize(byNode[id], since)
	}
	return opts.printer(cmd).emit(summaries, func(w io.Writer) {
		if len(ids) == 0 {
			fmt.Fprintln(w, "no samples")
			return
		}
		for _, id := range ids {
			fmt.Fprintf(w, "node %d\n", id)
			printSummary(w, summaries[fmt.Sprint(id)])
		}
	})
}

func printSummary(w io.Writer, s metrics.Summary) {
	if s.Count == 0 {
		fmt.Fprintln(w, "  no samples in window")
		return
	}
	fmt.Fprintf(w, "  samples: %d (%s .. %s)\n", s.Count, s.From.Format(time.TimeOnly), s.To.Format(time.TimeOnly))
	fmt.Fprintf(w, "  load: avg %.3f p95 %.3f min %.3f max %.3f\n", s.AvgLoad, s.P95Load, s.MinLoad, s.MaxLoad)
	fmt.Fprintf(w, "  wait: avg %.3f\n", s.AvgWait)
	fmt.Fprintf(w, "  xruns: +%d\n", s.XrunDelta)
	fmt.Fprintf(w, "  clock: %d/%d\n", s.Quantum, s.Rate)
}

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Out  string
	Node string
}

func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export csv",
		Short: "Export the daemon's in-memory stats history as CSV",
		Long: `Export the daemon's in-memory stats history as CSV.

Examples:
  cablectl export csv --out stats.csv
  cablectl export csv --node speakers --out -`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"csv"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "csv" {
				return NewExitError(ExitCommandError, fmt.Sprintf("unsupported export format %q", args[0]))
			}
			if opts.Out == "" {
				return NewExitError(ExitCommandError, "--out is required")
			}
			ctx := cmd.Context()
			c, err := opts.client()
			if err != nil {
				return err
			}

			var ids []model.NodeID
			if opts.Node != "" {
				id, err := resolveNode(ctx, c, opts.Node)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			} else {
				resp, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				for _, n := range resp.Nodes {
					ids = append(ids, n.NodeID)
				}
			}

			var samples []model.StatSample
			for _, id := range ids {
				resp, err := c.NodeStats(ctx, id, 0)
				if err != nil {
					return err
				}
				samples = append(samples, resp.History...)
			}
			sort.SliceStable(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })

			if opts.Out == "-" {
				return metrics.WriteCSV(cmd.OutOrStdout(), samples)
			}
			f, err := os.Create(opts.Out)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to create output", err)
			}
			if err := metrics.WriteCSV(f, samples); err != nil {
				f.Close()
				return WrapExitError(ExitFailure, "failed to write csv", err)
			}
			if err := f.Close(); err != nil {
				return WrapExitError(ExitFailure, "failed to write csv", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d samples to %s\n", len(samples), opts.Out)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Out, "out", "", "output file, - for stdout")
	cmd.Flags().StringVar(&opts.Node, "node", "", "export one node (id or name)")
	return cmd
}
