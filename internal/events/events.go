// Package events fans out graph, connection, stats, link and probe
// notifications to any number of subscribers.
//
// Publishing never blocks: each subscriber owns a bounded buffer and events
// that do not fit are dropped and counted.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cablectl/internal/graph"
	"cablectl/internal/model"
)

type Kind int

const (
	GraphChanged Kind = iota + 1
	ConnectionChanged
	StatsUpdated
	LinkFailed
	ProbeChanged
)

var kindNames = map[Kind]string{
	GraphChanged:      "graph_changed",
	ConnectionChanged: "connection_changed",
	StatsUpdated:      "stats_updated",
	LinkFailed:        "link_failed",
	ProbeChanged:      "probe_changed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", b)
}

// Event is a single notification. Exactly one payload field matches Kind.
type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	Graph      *GraphChange              `json:"graph,omitempty"`
	Connection *Connection               `json:"connection,omitempty"`
	Stats      *model.StatSample         `json:"stats,omitempty"`
	Link       *LinkFailure              `json:"link,omitempty"`
	Probe      *model.LatencyMeasurement `json:"probe,omitempty"`
}

type GraphChange struct {
	Version uint64       `json:"version"`
	Stale   bool         `json:"stale"`
	Reset   bool         `json:"reset,omitempty"`
	Diffs   []graph.Diff `json:"diffs,omitempty"`
}

type Connection struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

type LinkFailure struct {
	Output    model.PortID    `json:"output_port"`
	Input     model.PortID    `json:"input_port"`
	RequestID string          `json:"request_id,omitempty"`
	Code      model.ErrorCode `json:"code"`
	Error     string          `json:"error"`
}

// FromCommit converts a store commit into a GraphChanged event.
func FromCommit(c graph.Commit) Event {
	return Event{Kind: GraphChanged, Graph: &GraphChange{Version: c.Version, Stale: c.Stale, Reset: c.Reset, Diffs: c.Diffs}}
}

// Subscription receives events until it is closed.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	broker  *Broker
	kinds   map[Kind]bool
	dropped atomic.Uint64
}

// Dropped returns how many events did not fit this subscriber's buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes C.
func (s *Subscription) Close() { s.broker.unsubscribe(s) }

// Broker distributes events to subscribers.
type Broker struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	closed  bool
	dropped atomic.Uint64
	log     *slog.Logger
	now     func() time.Time
}

func NewBroker(buffer int, log *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broker{subs: map[*Subscription]struct{}{}, buffer: buffer, log: log, now: time.Now}
}

// Subscribe registers a subscriber for the given kinds, or all kinds when
// none are given.
func (b *Broker) Subscribe(kinds ...Kind) *Subscription {
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, broker: b}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *Broker) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Broker) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.kinds != nil && !s.kinds[e.Kind] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			if s.dropped.Add(1) == 1 {
				b.log.Warn("event subscriber is falling behind", "kind", e.Kind.String())
			}
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the total number of dropped deliveries.
func (b *Broker) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscription. Later publishes are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}
