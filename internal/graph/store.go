// Package graph owns the canonical in-memory copy of the PipeWire graph.
//
// A Store is written by exactly one goroutine (the sync engine's apply loop)
// and read by anyone through immutable snapshots. Every mutation keeps the
// graph free of dangling references: removing a node removes its ports and
// every link touching them within the same commit.
package graph

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"cablectl/internal/model"
)

// Commit describes one atomic change published by the store.
type Commit struct {
	Version uint64
	Diffs   []Diff
	Stale   bool
	Reset   bool
}

// Option configures a Store.
type Option func(*Store)

// WithCommitHook registers fn to be called after every commit, outside the
// store lock, in commit order.
func WithCommitHook(fn func(Commit)) Option {
	return func(s *Store) { s.hook = fn }
}

// WithLogger sets the logger used for rejected diffs.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store holds nodes, ports and links keyed by server id.
type Store struct {
	mu      sync.RWMutex
	nodes   map[model.NodeID]model.Node
	ports   map[model.PortID]model.Port
	links   map[model.LinkID]model.Link
	version uint64
	stale   bool
	changed chan struct{}

	cached atomic.Pointer[Snapshot]
	hook   func(Commit)
	log    *slog.Logger
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		nodes:   make(map[model.NodeID]model.Node),
		ports:   make(map[model.PortID]model.Port),
		links:   make(map[model.LinkID]model.Link),
		changed: make(chan struct{}),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply applies a single diff and returns the effective changes, cascades
// included. A rejected diff leaves the graph untouched.
func (s *Store) Apply(d Diff) ([]Diff, error) {
	s.mu.Lock()
	applied, err := s.applyLocked(d)
	c, ok := s.commitLocked(applied)
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("graph diff rejected", "diff", d.String(), "err", err)
	}
	if ok {
		s.notify(c)
	}
	return applied, err
}

// ApplyUpdate applies a resync (if any) followed by the update's diffs, in
// order, as one commit. Rejected diffs are logged and reported; the rest of the
// update still applies.
func (s *Store) ApplyUpdate(u Update) ([]Diff, []error) {
	s.mu.Lock()
	var (
		applied []Diff
		errs    []error
	)
	diffs := u.Diffs
	if u.Resync != nil {
		diffs = append(DiffEnumeration(s.viewLocked(), *u.Resync), u.Diffs...)
	}
	for _, d := range diffs {
		out, err := s.applyLocked(d)
		if err != nil {
			s.log.Warn("graph diff rejected", "diff", d.String(), "err", err)
			errs = append(errs, err)
			continue
		}
		applied = append(applied, out...)
	}
	c, ok := s.commitLocked(applied)
	s.mu.Unlock()
	if ok {
		s.notify(c)
	}
	return applied, errs
}

// Resync brings the store in line with a fresh enumeration. Optimistic
// pending links are kept; everything else absent from e is removed.
func (s *Store) Resync(e Enumeration) ([]Diff, []error) {
	return s.ApplyUpdate(Update{Resync: &e})
}

// Load replaces the whole graph with e. Objects referencing unknown owners or
// violating link invariants are dropped and reported.
func (s *Store) Load(e Enumeration) []error {
	s.mu.Lock()
	s.nodes = make(map[model.NodeID]model.Node, len(e.Nodes))
	s.ports = make(map[model.PortID]model.Port, len(e.Ports))
	s.links = make(map[model.LinkID]model.Link, len(e.Links))

	var errs []error
	for _, n := range e.Nodes {
		s.nodes[n.ID] = n.Clone()
	}
	for _, p := range e.Ports {
		if _, ok := s.nodes[p.NodeID]; !ok {
			errs = append(errs, model.Errorf(model.CodeUnknownObject, "port %d: node %d not found", p.ID, p.NodeID))
			continue
		}
		s.ports[p.ID] = p.Clone()
	}
	for _, l := range e.Links {
		if err := s.validateLinkLocked(l); err != nil {
			errs = append(errs, err)
			continue
		}
		if l.State == model.LinkActive {
			if other, ok := s.findPairLocked(l.Pair(), l.ID, model.LinkActive); ok {
				errs = append(errs, model.Errorf(model.CodeDuplicateLink, "link %d duplicates %d", l.ID, other.ID))
				continue
			}
		}
		s.links[l.ID] = l
	}
	s.version++
	s.broadcastLocked()
	c := Commit{Version: s.version, Stale: s.stale, Reset: true}
	s.mu.Unlock()

	for _, err := range errs {
		s.log.Warn("graph load dropped object", "err", err)
	}
	s.notify(c)
	return errs
}

// SetStale marks the graph as last-known (true) or live (false).
func (s *Store) SetStale(stale bool) {
	s.mu.Lock()
	if s.stale == stale {
		s.mu.Unlock()
		return
	}
	s.stale = stale
	s.version++
	s.broadcastLocked()
	c := Commit{Version: s.version, Stale: stale}
	s.mu.Unlock()
	s.notify(c)
}

// Snapshot returns an immutable view of the current graph. Snapshots are
// cached per version, so repeated calls without writes are cheap.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.cached.Load(); c != nil && c.Version == s.version {
		return c
	}
	snap := s.buildLocked()
	s.cached.Store(snap)
	return snap
}

// Changed returns a channel closed on the next commit.
func (s *Store) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// WaitFor blocks until pred holds for a snapshot or ctx ends. The last
// snapshot examined is returned in both cases.
func (s *Store) WaitFor(ctx context.Context, pred func(*Snapshot) bool) (*Snapshot, error) {
	for {
		ch := s.Changed()
		snap := s.Snapshot()
		if pred(snap) {
			return snap, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

func (s *Store) notify(c Commit) {
	if s.hook != nil {
		s.hook(c)
	}
}

func (s *Store) commitLocked(applied []Diff) (Commit, bool) {
	if len(applied) == 0 {
		return Commit{}, false
	}
	s.version++
	s.broadcastLocked()
	return Commit{Version: s.version, Diffs: applied, Stale: s.stale}, true
}

func (s *Store) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Store) applyLocked(d Diff) ([]Diff, error) {
	switch d.Kind {
	case NodeAdded, NodeUpdated:
		if d.Node == nil {
			return nil, model.Errorf(model.CodeUnknownObject, "%s without node", d.Kind)
		}
		return s.putNodeLocked(d.Kind, d.Node.Clone())
	case NodeRemoved:
		return s.removeNodeLocked(model.NodeID(d.ID)), nil
	case PortAdded:
		if d.Port == nil {
			return nil, model.Errorf(model.CodeUnknownObject, "%s without port", d.Kind)
		}
		return s.putPortLocked(d.Port.Clone())
	case PortRemoved:
		return s.removePortLocked(model.PortID(d.ID)), nil
	case LinkAdded:
		if d.Link == nil {
			return nil, model.Errorf(model.CodeUnknownObject, "%s without link", d.Kind)
		}
		return s.putLinkLocked(*d.Link)
	case LinkRemoved:
		id := model.LinkID(d.ID)
		if _, ok := s.links[id]; !ok {
			return nil, nil
		}
		delete(s.links, id)
		return []Diff{RemoveLink(id)}, nil
	case LinkStateChanged:
		return s.setLinkStateLocked(model.LinkID(d.ID), d.State)
	default:
		return nil, model.Errorf(model.CodeUnknownObject, "unknown diff kind %d", int(d.Kind))
	}
}

func (s *Store) putNodeLocked(kind DiffKind, n model.Node) ([]Diff, error) {
	old, ok := s.nodes[n.ID]
	if !ok && kind == NodeUpdated {
		return nil, model.Errorf(model.CodeUnknownObject, "update for unknown node %d", n.ID)
	}
	if ok && old.Equal(n) {
		return nil, nil
	}
	s.nodes[n.ID] = n
	if ok {
		kind = NodeUpdated
	}
	return []Diff{{Kind: kind, Node: &n}}, nil
}

func (s *Store) removeNodeLocked(id model.NodeID) []Diff {
	if _, ok := s.nodes[id]; !ok {
		return nil
	}
	var out []Diff
	for _, pid := range sortedKeys(s.ports) {
		if s.ports[pid].NodeID == id {
			out = append(out, s.removePortLocked(pid)...)
		}
	}
	delete(s.nodes, id)
	return append(out, RemoveNode(id))
}

func (s *Store) putPortLocked(p model.Port) ([]Diff, error) {
	if _, ok := s.nodes[p.NodeID]; !ok {
		return nil, model.Errorf(model.CodeUnknownObject, "port %d: node %d not found", p.ID, p.NodeID)
	}
	old, ok := s.ports[p.ID]
	if ok && old.NodeID != p.NodeID {
		return nil, model.Errorf(model.CodeUnknownObject, "port %d already owned by node %d", p.ID, old.NodeID)
	}
	if ok && old.Equal(p) {
		return nil, nil
	}
	s.ports[p.ID] = p
	out := []Diff{AddPort(p)}
	if ok && (old.Direction != p.Direction || old.Media != p.Media) {
		for _, lid := range sortedKeys(s.links) {
			l := s.links[lid]
			if l.Output != p.ID && l.Input != p.ID {
				continue
			}
			if s.validateLinkLocked(l) != nil {
				delete(s.links, lid)
				out = append(out, RemoveLink(lid))
			}
		}
	}
	return out, nil
}

func (s *Store) removePortLocked(id model.PortID) []Diff {
	if _, ok := s.ports[id]; !ok {
		return nil
	}
	var out []Diff
	for _, lid := range sortedKeys(s.links) {
		l := s.links[lid]
		if l.Output == id || l.Input == id {
			delete(s.links, lid)
			out = append(out, RemoveLink(lid))
		}
	}
	delete(s.ports, id)
	return append(out, RemovePort(id))
}

func (s *Store) putLinkLocked(l model.Link) ([]Diff, error) {
	if err := s.validateLinkLocked(l); err != nil {
		return nil, err
	}
	pair := l.Pair()

	if l.State == model.LinkPending {
		if !l.ID.IsPending() {
			return nil, model.Errorf(model.CodeUnknownObject, "pending link %d outside reserved range", l.ID)
		}
		if old, ok := s.links[l.ID]; ok && old == l {
			return nil, nil
		}
		if other, ok := s.findPairLocked(pair, l.ID, model.LinkPending, model.LinkActive); ok {
			return nil, model.Errorf(model.CodeDuplicateLink, "%d->%d already linked by %d (%s)", l.Output, l.Input, other.ID, other.State)
		}
		s.links[l.ID] = l
		return []Diff{AddLink(l)}, nil
	}

	if l.ID.IsPending() {
		return nil, model.Errorf(model.CodeUnknownObject, "server link %d inside reserved range", l.ID)
	}
	if l.State == model.LinkActive {
		if other, ok := s.findPairLocked(pair, l.ID, model.LinkActive); ok {
			return nil, model.Errorf(model.CodeDuplicateLink, "%d->%d already active as %d", l.Output, l.Input, other.ID)
		}
	}

	// A confirmed link replaces the optimistic entry for the same pair.
	var out []Diff
	for _, lid := range sortedKeys(s.links) {
		p := s.links[lid]
		if lid == l.ID || p.State != model.LinkPending || p.Pair() != pair {
			continue
		}
		if l.RequestID == "" {
			l.RequestID = p.RequestID
		}
		delete(s.links, lid)
		out = append(out, RemoveLink(lid))
	}

	if old, ok := s.links[l.ID]; ok {
		if l.RequestID == "" {
			l.RequestID = old.RequestID
		}
		if old == l {
			return out, nil
		}
		if old.Pair() != pair {
			out = append(out, RemoveLink(l.ID))
		}
	}
	s.links[l.ID] = l
	return append(out, AddLink(l)), nil
}

func (s *Store) setLinkStateLocked(id model.LinkID, state model.LinkState) ([]Diff, error) {
	l, ok := s.links[id]
	if !ok {
		return nil, model.Errorf(model.CodeUnknownObject, "state change for unknown link %d", id)
	}
	if l.State == state {
		return nil, nil
	}
	switch state {
	case model.LinkPending:
		return nil, model.Errorf(model.CodeUnknownObject, "link %d cannot return to pending", id)
	case model.LinkActive:
		if id.IsPending() {
			return nil, model.Errorf(model.CodeUnknownObject, "pending link %d can only be confirmed by the server", id)
		}
		if other, ok := s.findPairLocked(l.Pair(), id, model.LinkActive); ok {
			return nil, model.Errorf(model.CodeDuplicateLink, "%d->%d already active as %d", l.Output, l.Input, other.ID)
		}
	}
	l.State = state
	s.links[id] = l
	return []Diff{SetLinkState(id, state)}, nil
}

func (s *Store) validateLinkLocked(l model.Link) error {
	out, ok := s.ports[l.Output]
	if !ok {
		return model.Errorf(model.CodeUnknownObject, "link %d: output port %d not found", l.ID, l.Output)
	}
	in, ok := s.ports[l.Input]
	if !ok {
		return model.Errorf(model.CodeUnknownObject, "link %d: input port %d not found", l.ID, l.Input)
	}
	return CheckEndpoints(out, in)
}

// CheckEndpoints validates that out may feed in.
func CheckEndpoints(out, in model.Port) error {
	if out.Direction != model.DirectionOutput || in.Direction != model.DirectionInput {
		return model.Errorf(model.CodeIncompatibleEndpoints, "port %d (%s) cannot feed port %d (%s)", out.ID, out.Direction, in.ID, in.Direction)
	}
	if !model.Compatible(out.Media, in.Media) {
		return model.Errorf(model.CodeIncompatibleEndpoints, "port %d carries %s, port %d carries %s", out.ID, out.Media, in.ID, in.Media)
	}
	return nil
}

func (s *Store) findPairLocked(pair model.Pair, skip model.LinkID, states ...model.LinkState) (model.Link, bool) {
	for _, lid := range sortedKeys(s.links) {
		l := s.links[lid]
		if lid == skip || l.Pair() != pair {
			continue
		}
		for _, st := range states {
			if l.State == st {
				return l, true
			}
		}
	}
	return model.Link{}, false
}

func (s *Store) viewLocked() *Snapshot {
	if c := s.cached.Load(); c != nil && c.Version == s.version {
		return c
	}
	return s.buildLocked()
}
