// Package loopback defines the contract for an external round-trip latency
// measurement utility and parses what it reports.
package loopback

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Measurer launches a measurement utility session.
type Measurer interface {
	Launch(ctx context.Context) (Session, error)
}

// Session is a running measurement utility. It exposes a graph node whose
// ports must be wired through the hardware loopback before Result can
// produce a reading.
type Session interface {
	// NodeName is the node.name under which the utility registers itself.
	NodeName() string
	// Result blocks until the utility reports a stable reading, the utility
	// exits or ctx ends.
	Result(ctx context.Context) (string, error)
	// Close terminates the utility. It is safe to call more than once.
	Close() error
}

var delayRe = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*(ms|us|µs|s)\b`)

// ParseDelay extracts a latency from utility output such as "12.4 ms",
// "383.000 frames   7.979 ms total roundtrip latency", "850us" or "0.012 s".
// When the text holds several readings the last one wins. Durations are
// rounded to the nearest nanosecond.
func ParseDelay(out string) (time.Duration, error) {
	matches := delayRe.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("no latency value in %q", truncate(out, 80))
	}
	m := matches[len(matches)-1]
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", m[1], err)
	}
	var unit float64
	switch m[2] {
	case "s":
		unit = float64(time.Second)
	case "ms":
		unit = float64(time.Millisecond)
	default:
		unit = float64(time.Microsecond)
	}
	ns := math.Round(v * unit)
	if ns > math.MaxInt64 {
		return 0, fmt.Errorf("latency %s%s out of range", m[1], m[2])
	}
	return time.Duration(ns), nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
