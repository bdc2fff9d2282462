// Package settings adjusts server-side configuration through pw-cli,
// pw-metadata, wpctl and systemctl: per-node latency offsets and properties,
// forced clock quantum and rate, device profiles and service restarts.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"cablectl/internal/execx"
	"cablectl/internal/model"
)

// Bridge executes settings commands. It is injectable for unit tests.
type Bridge struct {
	r   execx.Runner
	log *slog.Logger
}

type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

func New(r execx.Runner, opts ...Option) *Bridge {
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	b := &Bridge{r: r, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var processLatencyRe = regexp.MustCompile(`Int\s+(\d+)`)

// LatencyOffset reads a node's ProcessLatency rate, in samples. A node that
// has never had an offset set reports 0.
func (b *Bridge) LatencyOffset(ctx context.Context, node model.NodeID) (int, error) {
	out, err := b.output(ctx, "pw-cli", "e", id(node), "ProcessLatency")
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(out) == "" {
		return 0, nil
	}
	m := processLatencyRe.FindStringSubmatch(out)
	if m == nil {
		return 0, model.Errorf(model.CodePropertyRejected, "no latency offset in pw-cli output for node %d", node)
	}
	return strconv.Atoi(m[1])
}

// SetLatencyOffset sets a node's ProcessLatency rate, in samples.
func (b *Bridge) SetLatencyOffset(ctx context.Context, node model.NodeID, samples int) error {
	if samples < 0 {
		return model.Errorf(model.CodePropertyRejected, "latency offset must not be negative, got %d", samples)
	}
	pod := fmt.Sprintf("{ rate = %d }", samples)
	if err := b.run(ctx, "pw-cli", "s", id(node), "ProcessLatency", pod); err != nil {
		return err
	}
	b.log.Info("latency offset applied", "node", node, "samples", samples)
	return nil
}

// SetNodeProperty sets a single entry of a node's Props param.
func (b *Bridge) SetNodeProperty(ctx context.Context, node model.NodeID, key, value string) error {
	if key == "" {
		return model.Errorf(model.CodePropertyRejected, "property key is required")
	}
	pod := fmt.Sprintf("{ %s = %s }", strconv.Quote(key), podValue(value))
	return b.run(ctx, "pw-cli", "s", id(node), "Props", pod)
}

var podNumber = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?([eE][-+]?[0-9]+)?$`)

// podValue keeps numbers and booleans bare so the pod keeps their type;
// anything else becomes a quoted string.
func podValue(v string) string {
	switch v {
	case "true", "false", "null":
		return v
	}
	if podNumber.MatchString(v) {
		return v
	}
	return strconv.Quote(v)
}

// Restart restarts the pipewire or wireplumber user service.
func (b *Bridge) Restart(ctx context.Context, service string) error {
	switch service {
	case "pipewire", "wireplumber":
	default:
		return model.Errorf(model.CodeUnknownObject, "unknown service %q", service)
	}
	if err := b.run(ctx, "systemctl", "--user", "restart", service); err != nil {
		return err
	}
	b.log.Info("service restarted", "service", service)
	return nil
}

func id(n model.NodeID) string { return strconv.FormatUint(uint64(n), 10) }

func (b *Bridge) run(ctx context.Context, name string, args ...string) error {
	return rejected(b.r.Run(ctx, name, args...), name)
}

func (b *Bridge) output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := b.r.Output(ctx, name, args...)
	return out, rejected(err, name)
}

// rejected maps a command failure onto the error taxonomy: a missing binary
// means the server tooling is unavailable, anything else is a refusal.
func rejected(err error, tool string) error {
	if err == nil {
		return nil
	}
	if execx.NotFound(err) {
		return model.Wrap(model.CodeServerUnavailable, err, tool+" not installed")
	}
	return model.Wrap(model.CodePropertyRejected, err, tool+" failed")
}
