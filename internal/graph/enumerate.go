package graph

import (
	"slices"

	"cablectl/internal/model"
)

// DiffEnumeration compares cur against a fresh enumeration by id set per
// entity kind. Ids only in next are added, ids only in cur are removed and
// surviving ids whose content changed are updated. Optimistic pending links
// exist only locally and are never removed here.
//
// The result is ordered so it applies cleanly: link, port and node removals
// first, then node, port and link additions.
func DiffEnumeration(cur *Snapshot, next Enumeration) []Diff {
	nodes := make(map[model.NodeID]model.Node, len(next.Nodes))
	for _, n := range next.Nodes {
		nodes[n.ID] = n
	}
	ports := make(map[model.PortID]model.Port, len(next.Ports))
	for _, p := range next.Ports {
		ports[p.ID] = p
	}
	links := make(map[model.LinkID]model.Link, len(next.Links))
	for _, l := range next.Links {
		links[l.ID] = l
	}

	var out []Diff
	for _, l := range cur.Links() {
		if l.ID.IsPending() {
			continue
		}
		nl, ok := links[l.ID]
		if !ok || nl.Pair() != l.Pair() {
			out = append(out, RemoveLink(l.ID))
		}
	}
	for _, p := range cur.Ports() {
		np, ok := ports[p.ID]
		if !ok || np.NodeID != p.NodeID {
			out = append(out, RemovePort(p.ID))
		}
	}
	for _, n := range cur.Nodes() {
		if _, ok := nodes[n.ID]; !ok {
			out = append(out, RemoveNode(n.ID))
		}
	}

	for _, id := range sortedKeys(nodes) {
		n := nodes[id]
		old, ok := cur.Node(id)
		switch {
		case !ok:
			out = append(out, AddNode(n))
		case !old.Equal(n):
			out = append(out, UpdateNode(n))
		}
	}
	for _, id := range sortedKeys(ports) {
		p := ports[id]
		old, ok := cur.Port(id)
		if !ok || old.NodeID != p.NodeID || !old.Equal(p) {
			out = append(out, AddPort(p))
		}
	}
	for _, id := range sortedKeys(links) {
		l := links[id]
		old, ok := cur.Link(id)
		switch {
		case !ok || old.Pair() != l.Pair():
			out = append(out, AddLink(l))
		case old.State != l.State:
			out = append(out, SetLinkState(id, l.State))
		}
	}
	return out
}

// SortEnumeration orders every list by id, in place.
func SortEnumeration(e *Enumeration) {
	slices.SortFunc(e.Nodes, func(a, b model.Node) int { return cmpID(a.ID, b.ID) })
	slices.SortFunc(e.Ports, func(a, b model.Port) int { return cmpID(a.ID, b.ID) })
	slices.SortFunc(e.Links, func(a, b model.Link) int { return cmpID(a.ID, b.ID) })
}

func cmpID[K ~uint32](a, b K) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
