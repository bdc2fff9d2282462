// Package pipewire talks to a PipeWire server through its command line tools
// (pw-dump, pw-link, pw-top, pw-jack). All process execution goes through an
// execx.Runner so the command assembly can be tested without a server.
package pipewire

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"cablectl/internal/execx"
	"cablectl/internal/graph"
	"cablectl/internal/model"
)

// Client implements the server capabilities the engine consumes.
type Client struct {
	r   execx.Runner
	log *slog.Logger
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func NewClient(r execx.Runner, opts ...Option) *Client {
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	c := &Client{r: r, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enumerate lists every node, port and link currently known to the server.
func (c *Client) Enumerate(ctx context.Context) (graph.Enumeration, error) {
	out, err := c.r.Output(ctx, "pw-dump", "--no-colors")
	if err != nil {
		return graph.Enumeration{}, unavailable(ctx, err, "pw-dump")
	}
	e, errs, err := ParseDump([]byte(out))
	if err != nil {
		return graph.Enumeration{}, model.Wrap(model.CodeServerUnavailable, err, "pw-dump")
	}
	for _, err := range errs {
		c.log.Debug("pw-dump entry skipped", "err", err)
	}
	return e, nil
}

// RequestLink asks the server to link two ports. Success means the request
// was accepted; the link appears later through the change stream.
func (c *Client) RequestLink(ctx context.Context, out, in model.PortID) error {
	err := c.r.Run(ctx, "pw-link", portArg(out), portArg(in))
	if err != nil {
		if execx.NotFound(err) {
			return unavailable(ctx, err, "pw-link")
		}
		return model.Wrap(model.CodeLinkRejected, err, "link request rejected")
	}
	return nil
}

// RequestUnlink asks the server to destroy a link.
func (c *Client) RequestUnlink(ctx context.Context, id model.LinkID) error {
	err := c.r.Run(ctx, "pw-link", "-d", strconv.FormatUint(uint64(id), 10))
	if err != nil {
		if execx.NotFound(err) {
			return unavailable(ctx, err, "pw-link")
		}
		return model.Wrap(model.CodeLinkRejected, err, "unlink request rejected")
	}
	return nil
}

// SampleStats returns raw pw-top batch output covering two iterations; the
// first iteration of pw-top reports incomplete figures.
func (c *Client) SampleStats(ctx context.Context) (string, error) {
	out, err := c.r.Output(ctx, "pw-top", "-b", "-n", "2")
	if err != nil {
		return "", unavailable(ctx, err, "pw-top")
	}
	return out, nil
}

func portArg(id model.PortID) string { return strconv.FormatUint(uint64(id), 10) }

func unavailable(ctx context.Context, err error, tool string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return model.Wrap(model.CodeServerUnavailable, err, tool)
}
