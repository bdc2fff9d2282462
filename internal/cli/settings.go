package cli

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cablectl/internal/api"
	"cablectl/internal/settings"
)

func NewLatencyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "latency",
		Short: "Read or set a node's reported latency offset",
		Long: `Read or set the latency offset a node reports, in samples.

Examples:
  cablectl latency get alsa_output.usb
  cablectl latency set alsa_output.usb 256`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <node>",
		Short: "Show the offset in samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			id, err := resolveNode(ctx, c, args[0])
			if err != nil {
				return err
			}
			resp, err := c.LatencyOffset(ctx, id)
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).emit(resp, func(w io.Writer) {
				fmt.Fprintf(w, "%d samples\n", resp.Samples)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <node> <samples>",
		Short: "Set the offset in samples",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, err := strconv.Atoi(args[1])
			if err != nil || samples < 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid sample count %q", args[1]))
			}
			ctx := cmd.Context()
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			id, err := resolveNode(ctx, c, args[0])
			if err != nil {
				return err
			}
			return c.SetLatencyOffset(ctx, api.LatencyRequest{Node: id, Samples: samples})
		},
	})
	return cmd
}

func NewPropertyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "property <node> <key> <value>",
		Short: "Set one entry of a node's Props",
		Long: `Set one entry of a node's Props param.

Examples:
  cablectl property alsa_output.usb volume 0.5
  cablectl property 52 mute true`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			id, err := resolveNode(ctx, c, args[0])
			if err != nil {
				return err
			}
			return c.SetNodeProperty(ctx, api.PropertyRequest{Node: id, Key: args[1], Value: args[2]})
		},
	}
}

func NewClockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clock",
		Short: "Show or force the graph quantum and sample rate",
		Long: `Show or force the graph quantum and sample rate. Forcing 0 returns
the value to the server default.

Examples:
  cablectl clock show
  cablectl clock quantum 128
  cablectl clock rate 0`,
	}

	show := func(cmd *cobra.Command, req api.ClockRequest) error {
		c, err := rootOpts.client()
		if err != nil {
			return err
		}
		cs, err := c.Clock(cmd.Context(), req)
		if err != nil {
			return err
		}
		return rootOpts.printer(cmd).emit(cs, func(w io.Writer) { printClock(w, cs) })
	}
	force := func(use, short string, set func(*api.ClockRequest, int)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <n>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 0 {
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid %s %q", use, args[0]))
				}
				var req api.ClockRequest
				set(&req, n)
				return show(cmd, req)
			},
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the current clock settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(cmd, api.ClockRequest{})
		},
	})
	cmd.AddCommand(force("quantum", "Force the quantum in samples", func(r *api.ClockRequest, n int) { r.Quantum = &n }))
	cmd.AddCommand(force("rate", "Force the sample rate in Hz", func(r *api.ClockRequest, n int) { r.Rate = &n }))
	return cmd
}

func printClock(w io.Writer, cs settings.ClockSettings) {
	fmt.Fprintf(w, "rate: %d", cs.Rate)
	if cs.ForceRate != 0 {
		fmt.Fprintf(w, " (forced %d)", cs.ForceRate)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "quantum: %d [%d..%d]", cs.Quantum, cs.MinQuantum, cs.MaxQuantum)
	if cs.ForceQuantum != 0 {
		fmt.Fprintf(w, " (forced %d)", cs.ForceQuantum)
	}
	fmt.Fprintln(w)
	if len(cs.AllowedRates) > 0 {
		fmt.Fprintf(w, "allowed rates: %v\n", cs.AllowedRates)
	}
}

func NewProfileCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "List or switch a device's profiles",
		Long: `List or switch a device's profiles.

Examples:
  cablectl profile list 41
  cablectl profile set 41 2`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <device>",
		Short: "List profiles of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := parseDevice(args[0])
			if err != nil {
				return err
			}
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			resp, err := c.Profiles(cmd.Context(), dev)
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).emit(resp, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "\tINDEX\tNAME\tPRIORITY\tAVAILABLE\tDESCRIPTION")
				for _, p := range resp.Profiles {
					mark := ""
					if p.Active {
						mark = "*"
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\n", mark, p.Index, p.Name, p.Priority, p.Available, p.Description)
				}
				tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <device> <index>",
		Short: "Activate a profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := parseDevice(args[0])
			if err != nil {
				return err
			}
			index, err := strconv.Atoi(args[1])
			if err != nil || index < 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid profile index %q", args[1]))
			}
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			return c.SetProfile(cmd.Context(), api.ProfileRequest{Device: dev, Index: index})
		},
	})
	return cmd
}

func parseDevice(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid device id %q", s))
	}
	return uint32(n), nil
}

func NewRestartCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restart [service]",
		Short: "Restart a user audio service",
		Long: `Restart a user audio service through systemd. The default is the
session manager.

Examples:
  cablectl restart
  cablectl restart pipewire`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := "wireplumber"
			if len(args) == 1 {
				service = args[0]
			}
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			if err := c.Restart(cmd.Context(), service); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restarted %s\n", service)
			return nil
		},
	}
}
