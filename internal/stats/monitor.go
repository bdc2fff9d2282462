// Package stats samples per-node scheduling telemetry and keeps a bounded
// rolling history for every node.
package stats

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cablectl/internal/events"
	"cablectl/internal/graph"
	"cablectl/internal/metrics"
	"cablectl/internal/model"
)

// Sampler returns raw `pw-top -b` output covering every active node.
type Sampler interface {
	SampleStats(ctx context.Context) (string, error)
}

type Config struct {
	Interval         time.Duration
	History          int
	UnavailableAfter int
	// CSVPath, when set, receives every sample.
	CSVPath string
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.History <= 0 {
		c.History = 120
	}
	if c.UnavailableAfter <= 0 {
		c.UnavailableAfter = 3
	}
}

type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.log = l } }

func WithBroker(b *events.Broker) Option { return func(m *Monitor) { m.broker = b } }

func WithExporter(e *metrics.Exporter) Option { return func(m *Monitor) { m.exporter = e } }

// WithConnected makes the monitor skip cycles while the server is
// unreachable.
func WithConnected(fn func() bool) Option { return func(m *Monitor) { m.connected = fn } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

type nodeStats struct {
	name     string
	history  *Ring[model.StatSample]
	failures int
	status   model.StatsStatus
}

// NodeStatus is a point-in-time view of one tracked node.
type NodeStatus struct {
	NodeID  model.NodeID      `json:"node_id"`
	Name    string            `json:"name,omitempty"`
	Status  model.StatsStatus `json:"status"`
	Current float64           `json:"current"`
	Samples int               `json:"samples"`
}

type Monitor struct {
	sampler Sampler
	store   *graph.Store
	cfg     Config

	log       *slog.Logger
	broker    *events.Broker
	exporter  *metrics.Exporter
	connected func() bool
	now       func() time.Time

	mu    sync.RWMutex
	nodes map[model.NodeID]*nodeStats
}

func New(sampler Sampler, store *graph.Store, cfg Config, opts ...Option) *Monitor {
	cfg.applyDefaults()
	m := &Monitor{
		sampler: sampler,
		store:   store,
		cfg:     cfg,
		log:     slog.Default(),
		now:     time.Now,
		nodes:   map[model.NodeID]*nodeStats{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run samples on every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		if err := m.SampleOnce(ctx); err != nil && ctx.Err() == nil {
			m.log.Debug("stats cycle failed", "err", err)
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// SampleOnce runs a single sampling cycle. A sampler error is returned after
// it has been accounted as a failed cycle for every tracked node.
func (m *Monitor) SampleOnce(ctx context.Context) error {
	if m.connected != nil && !m.connected() {
		return nil
	}
	raw, err := m.sampler.SampleStats(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	now := m.now()
	snap := m.store.Snapshot()

	var res TopResult
	allFailed := err != nil
	if err == nil {
		res = ParseTop(raw)
		// Output that is entirely garbage says nothing about any node.
		allFailed = res.Lines == 0 && len(res.Failed) == 0 && res.Unreadable > 0
	}

	var (
		published []model.StatSample
		names     = map[model.NodeID]string{}
		changed   = map[model.NodeID]model.StatsStatus{}
	)

	m.mu.Lock()
	tracked := map[model.NodeID]string{}
	for _, n := range snap.Nodes() {
		tracked[n.ID] = n.Name
	}
	for id, r := range res.Readings {
		if _, ok := tracked[id]; !ok {
			tracked[id] = r.Name
		}
	}
	for id := range res.Failed {
		if _, ok := tracked[id]; !ok {
			tracked[id] = ""
		}
	}
	for id := range m.nodes {
		if _, ok := tracked[id]; !ok {
			delete(m.nodes, id)
			if m.exporter != nil {
				m.exporter.Forget(id)
			}
		}
	}

	for id, name := range tracked {
		ns, ok := m.nodes[id]
		if !ok {
			ns = &nodeStats{history: NewRing[model.StatSample](m.cfg.History), status: model.StatsAvailable}
			m.nodes[id] = ns
		}
		if name != "" {
			ns.name = name
		}
		names[id] = ns.name

		if r, ok := res.Readings[id]; ok && !allFailed {
			s := model.StatSample{
				NodeID:    id,
				Timestamp: now,
				Quantum:   r.Quantum,
				Rate:      r.Rate,
				Wait:      r.Wait,
				Load:      r.Load,
				Xruns:     r.Xruns,
			}
			ns.history.Push(s)
			ns.failures = 0
			if ns.status != model.StatsAvailable {
				ns.status = model.StatsAvailable
				changed[id] = ns.status
			}
			published = append(published, s)
			continue
		}
		if allFailed || res.Failed[id] {
			ns.failures++
			if ns.failures >= m.cfg.UnavailableAfter && ns.status != model.StatsUnavailable {
				ns.status = model.StatsUnavailable
				changed[id] = ns.status
			}
			continue
		}
		// Absent from a readable cycle: no data, and the failure streak ends.
		ns.failures = 0
	}
	m.mu.Unlock()

	sort.Slice(published, func(i, j int) bool { return published[i].NodeID < published[j].NodeID })
	for id, st := range changed {
		m.log.Info("node stats status changed", "node", id, "status", st.String())
		if m.exporter != nil {
			m.exporter.SetStatus(id, names[id], st)
		}
	}
	for _, s := range published {
		if m.exporter != nil {
			m.exporter.ObserveSample(names[s.NodeID], s)
		}
		if m.broker != nil {
			s := s
			m.broker.Publish(events.Event{Kind: events.StatsUpdated, Time: now, Stats: &s})
		}
	}
	if m.cfg.CSVPath != "" && len(published) > 0 {
		if werr := metrics.AppendCSV(m.cfg.CSVPath, published); werr != nil {
			m.log.Warn("stats csv append failed", "path", m.cfg.CSVPath, "err", werr)
		}
	}
	return err
}

// CurrentRate returns the latest load fraction of a node.
func (m *Monitor) CurrentRate(id model.NodeID) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.nodes[id]
	if !ok {
		return 0, false
	}
	s, ok := ns.history.Last()
	return s.Load, ok
}

// History returns a node's samples, oldest first.
func (m *Monitor) History(id model.NodeID) []model.StatSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.nodes[id]
	if !ok {
		return nil
	}
	return ns.history.Slice()
}

// Status reports whether a node's telemetry is trustworthy. Untracked nodes
// report false.
func (m *Monitor) Status(id model.NodeID) (model.StatsStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.nodes[id]
	if !ok {
		return 0, false
	}
	return ns.status, true
}

// Nodes lists every tracked node, ordered by id.
func (m *Monitor) Nodes() []NodeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeStatus, 0, len(m.nodes))
	for id, ns := range m.nodes {
		st := NodeStatus{NodeID: id, Name: ns.name, Status: ns.status, Samples: ns.history.Len()}
		if s, ok := ns.history.Last(); ok {
			st.Current = s.Load
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Summary aggregates a node's history since the given time.
func (m *Monitor) Summary(id model.NodeID, since time.Time) metrics.Summary {
	return metrics.Summarize(m.History(id), since)
}
