package graph

import (
	"encoding/json"
	"slices"

	"cablectl/internal/model"
)

// Snapshot is a point-in-time, internally consistent view of the graph.
// Values returned by its accessors are shared with other readers and must not
// be modified.
type Snapshot struct {
	Version uint64
	Stale   bool

	nodes map[model.NodeID]model.Node
	ports map[model.PortID]model.Port
	links map[model.LinkID]model.Link

	nodeList []model.Node
	portList []model.Port
	linkList []model.Link
}

// Empty returns a snapshot of an empty graph.
func Empty() *Snapshot {
	return &Snapshot{
		nodes: map[model.NodeID]model.Node{},
		ports: map[model.PortID]model.Port{},
		links: map[model.LinkID]model.Link{},
	}
}

func (s *Store) buildLocked() *Snapshot {
	snap := &Snapshot{
		Version:  s.version,
		Stale:    s.stale,
		nodes:    make(map[model.NodeID]model.Node, len(s.nodes)),
		ports:    make(map[model.PortID]model.Port, len(s.ports)),
		links:    make(map[model.LinkID]model.Link, len(s.links)),
		nodeList: make([]model.Node, 0, len(s.nodes)),
		portList: make([]model.Port, 0, len(s.ports)),
		linkList: make([]model.Link, 0, len(s.links)),
	}
	for _, id := range sortedKeys(s.nodes) {
		n := s.nodes[id].Clone()
		snap.nodes[id] = n
		snap.nodeList = append(snap.nodeList, n)
	}
	for _, id := range sortedKeys(s.ports) {
		p := s.ports[id].Clone()
		snap.ports[id] = p
		snap.portList = append(snap.portList, p)
	}
	for _, id := range sortedKeys(s.links) {
		l := s.links[id]
		snap.links[id] = l
		snap.linkList = append(snap.linkList, l)
	}
	return snap
}

func (s *Snapshot) Node(id model.NodeID) (model.Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

func (s *Snapshot) Port(id model.PortID) (model.Port, bool) {
	p, ok := s.ports[id]
	return p, ok
}

func (s *Snapshot) Link(id model.LinkID) (model.Link, bool) {
	l, ok := s.links[id]
	return l, ok
}

// Nodes returns all nodes ordered by id.
func (s *Snapshot) Nodes() []model.Node { return s.nodeList }

// Ports returns all ports ordered by id.
func (s *Snapshot) Ports() []model.Port { return s.portList }

// Links returns all links ordered by id.
func (s *Snapshot) Links() []model.Link { return s.linkList }

// PortsOf returns the ports of a node, ordered by id.
func (s *Snapshot) PortsOf(node model.NodeID) []model.Port {
	var out []model.Port
	for _, p := range s.portList {
		if p.NodeID == node {
			out = append(out, p)
		}
	}
	return out
}

// LinksOf returns every link touching a port, ordered by id.
func (s *Snapshot) LinksOf(port model.PortID) []model.Link {
	var out []model.Link
	for _, l := range s.linkList {
		if l.Output == port || l.Input == port {
			out = append(out, l)
		}
	}
	return out
}

// FindLink returns the non-failed link for an ordered port pair.
func (s *Snapshot) FindLink(out, in model.PortID) (model.Link, bool) {
	for _, l := range s.linkList {
		if l.Output == out && l.Input == in && l.State != model.LinkFailed {
			return l, true
		}
	}
	return model.Link{}, false
}

// NodeByName returns the lowest-id node with the given node.name.
func (s *Snapshot) NodeByName(name string) (model.Node, bool) {
	for _, n := range s.nodeList {
		if n.Name == name {
			return n, true
		}
	}
	return model.Node{}, false
}

// Enumeration converts the snapshot back into a full listing.
func (s *Snapshot) Enumeration() Enumeration {
	return Enumeration{
		Nodes: slices.Clone(s.nodeList),
		Ports: slices.Clone(s.portList),
		Links: slices.Clone(s.linkList),
	}
}

// SameGraph reports whether two snapshots hold identical objects, ignoring
// version and staleness.
func (s *Snapshot) SameGraph(o *Snapshot) bool {
	if len(s.nodeList) != len(o.nodeList) || len(s.portList) != len(o.portList) || len(s.linkList) != len(o.linkList) {
		return false
	}
	for i := range s.nodeList {
		if !s.nodeList[i].Equal(o.nodeList[i]) {
			return false
		}
	}
	for i := range s.portList {
		if !s.portList[i].Equal(o.portList[i]) {
			return false
		}
	}
	for i := range s.linkList {
		if s.linkList[i] != o.linkList[i] {
			return false
		}
	}
	return true
}

type snapshotJSON struct {
	Version uint64       `json:"version"`
	Stale   bool         `json:"stale"`
	Nodes   []model.Node `json:"nodes"`
	Ports   []model.Port `json:"ports"`
	Links   []model.Link `json:"links"`
}

func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		Version: s.Version,
		Stale:   s.Stale,
		Nodes:   nonNil(s.nodeList),
		Ports:   nonNil(s.portList),
		Links:   nonNil(s.linkList),
	})
}

// UnmarshalJSON rebuilds a snapshot received over the control API.
func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st := NewStore()
	st.Load(Enumeration{Nodes: raw.Nodes, Ports: raw.Ports, Links: raw.Links})
	*s = *st.Snapshot()
	s.Version = raw.Version
	s.Stale = raw.Stale
	return nil
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func sortedKeys[K ~uint32, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
