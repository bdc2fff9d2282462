package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"cablectl/internal/api"
	"cablectl/internal/graph"
	"cablectl/internal/model"
)

func NewGraphCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print nodes, ports and links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			snap, err := c.Graph(cmd.Context())
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).emit(snap, func(w io.Writer) { printGraph(w, snap) })
		},
	}
}

func printGraph(w io.Writer, snap *graph.Snapshot) {
	if snap.Stale {
		fmt.Fprintln(w, "# stale: pipewire connection lost, showing last known graph")
	}
	for _, n := range snap.Nodes() {
		fmt.Fprintf(w, "%d %s", n.ID, n.Name)
		if n.MediaClass != "" {
			fmt.Fprintf(w, " [%s]", n.MediaClass)
		}
		fmt.Fprintln(w)
		for _, p := range snap.PortsOf(n.ID) {
			fmt.Fprintf(w, "  %d %-6s %-5s %s\n", p.ID, p.Direction, p.Media, p.Name)
		}
	}
	for _, l := range snap.Links() {
		fmt.Fprintf(w, "link %d %s -> %s %s\n", l.ID, portLabel(snap, l.Output), portLabel(snap, l.Input), l.State)
	}
}

func portLabel(snap *graph.Snapshot, id model.PortID) string {
	p, ok := snap.Port(id)
	if !ok {
		return strconv.FormatUint(uint64(id), 10)
	}
	n, _ := snap.Node(p.NodeID)
	return n.Name + ":" + p.Name
}

// resolvePort accepts a numeric port id or "node:port" names.
func resolvePort(ctx context.Context, c *api.Client, ref string) (model.PortID, error) {
	if n, err := strconv.ParseUint(ref, 10, 32); err == nil {
		return model.PortID(n), nil
	}
	i := strings.LastIndex(ref, ":")
	if i <= 0 || i == len(ref)-1 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("port %q: want an id or node:port", ref))
	}
	snap, err := c.Graph(ctx)
	if err != nil {
		return 0, err
	}
	node, port := ref[:i], ref[i+1:]
	n, ok := snap.NodeByName(node)
	if !ok {
		return 0, model.Errorf(model.CodeUnknownObject, "node %q not found", node)
	}
	for _, p := range snap.PortsOf(n.ID) {
		if p.Name == port {
			return p.ID, nil
		}
	}
	return 0, model.Errorf(model.CodeUnknownObject, "port %q not found on %s", port, node)
}

// resolveNode accepts a numeric node id or a node name.
func resolveNode(ctx context.Context, c *api.Client, ref string) (model.NodeID, error) {
	if n, err := strconv.ParseUint(ref, 10, 32); err == nil {
		return model.NodeID(n), nil
	}
	snap, err := c.Graph(ctx)
	if err != nil {
		return 0, err
	}
	n, ok := snap.NodeByName(ref)
	if !ok {
		return 0, model.Errorf(model.CodeUnknownObject, "node %q not found", ref)
	}
	return n.ID, nil
}

// ConnectOptions holds flags for the connect command.
type ConnectOptions struct {
	*RootOptions
	Wait bool
}

func NewConnectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConnectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "connect <output> <input>",
		Short: "Link an output port to an input port",
		Long: `Link an output port to an input port. Ports are ids or node:port names.

Examples:
  cablectl connect 61 73
  cablectl connect --wait alsa_input.usb:capture_FL alsa_output.pci:playback_FL`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := opts.client()
			if err != nil {
				return err
			}
			out, err := resolvePort(ctx, c, args[0])
			if err != nil {
				return err
			}
			in, err := resolvePort(ctx, c, args[1])
			if err != nil {
				return err
			}
			resp, err := c.Connect(ctx, api.ConnectRequest{Output: out, Input: in, Wait: opts.Wait})
			if err != nil {
				return err
			}
			return opts.printer(cmd).emit(resp, func(w io.Writer) {
				if resp.Link != nil {
					fmt.Fprintf(w, "linked %d -> %d as %d\n", out, in, resp.Link.ID)
					return
				}
				fmt.Fprintf(w, "requested %d -> %d (request %s)\n", out, in, resp.RequestID)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "wait for the server to confirm the link")
	return cmd
}

// DisconnectOptions holds flags for the disconnect command.
type DisconnectOptions struct {
	*RootOptions
	Port string
	Node string
	Wait bool
}

func NewDisconnectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DisconnectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "disconnect [link-id]",
		Short: "Remove a link, or every link of a port or node",
		Long: `Remove a link by id, or every link touching a port or node.

Examples:
  cablectl disconnect 88
  cablectl disconnect --port speakers:playback_FL
  cablectl disconnect --node firefox --wait`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			set := 0
			for _, v := range []bool{len(args) == 1, opts.Port != "", opts.Node != ""} {
				if v {
					set++
				}
			}
			if set != 1 {
				return NewExitError(ExitCommandError, "give exactly one of a link id, --port or --node")
			}
			c, err := opts.client()
			if err != nil {
				return err
			}

			req := api.UnlinkRequest{Wait: opts.Wait}
			switch {
			case len(args) == 1:
				id, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid link id", err)
				}
				req.Link = model.LinkID(id)
			case opts.Port != "":
				if req.Port, err = resolvePort(ctx, c, opts.Port); err != nil {
					return err
				}
			default:
				if req.Node, err = resolveNode(ctx, c, opts.Node); err != nil {
					return err
				}
			}

			resp, err := c.Unlink(ctx, req)
			if err != nil {
				return err
			}
			return opts.printer(cmd).emit(resp, func(w io.Writer) {
				if len(resp.Links) == 0 {
					fmt.Fprintln(w, "no links removed")
					return
				}
				for _, id := range resp.Links {
					fmt.Fprintf(w, "unlinked %d\n", id)
				}
			})
		},
	}
	cmd.Flags().StringVar(&opts.Port, "port", "", "remove every link of this port (id or node:port)")
	cmd.Flags().StringVar(&opts.Node, "node", "", "remove every link of this node (id or name)")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "wait until the links are gone")
	return cmd
}
