package graph

import (
	"fmt"

	"cablectl/internal/model"
)

// DiffKind enumerates the mutations a Store accepts.
type DiffKind int

const (
	NodeAdded DiffKind = iota + 1
	NodeRemoved
	NodeUpdated
	PortAdded
	PortRemoved
	LinkAdded
	LinkRemoved
	LinkStateChanged
)

var diffKindNames = map[DiffKind]string{
	NodeAdded:        "node_added",
	NodeRemoved:      "node_removed",
	NodeUpdated:      "node_updated",
	PortAdded:        "port_added",
	PortRemoved:      "port_removed",
	LinkAdded:        "link_added",
	LinkRemoved:      "link_removed",
	LinkStateChanged: "link_state_changed",
}

func (k DiffKind) String() string {
	if s, ok := diffKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("diff(%d)", int(k))
}

func (k DiffKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *DiffKind) UnmarshalText(b []byte) error {
	for kind, name := range diffKindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown diff kind %q", b)
}

// Diff is one change to the graph. Only the field matching Kind is set;
// removals carry the id of the removed object.
type Diff struct {
	Kind  DiffKind        `json:"kind"`
	Node  *model.Node     `json:"node,omitempty"`
	Port  *model.Port     `json:"port,omitempty"`
	Link  *model.Link     `json:"link,omitempty"`
	ID    uint32          `json:"id,omitempty"`
	State model.LinkState `json:"state,omitempty"`
}

func AddNode(n model.Node) Diff    { return Diff{Kind: NodeAdded, Node: &n} }
func UpdateNode(n model.Node) Diff { return Diff{Kind: NodeUpdated, Node: &n} }
func RemoveNode(id model.NodeID) Diff {
	return Diff{Kind: NodeRemoved, ID: uint32(id)}
}
func AddPort(p model.Port) Diff { return Diff{Kind: PortAdded, Port: &p} }
func RemovePort(id model.PortID) Diff {
	return Diff{Kind: PortRemoved, ID: uint32(id)}
}
func AddLink(l model.Link) Diff { return Diff{Kind: LinkAdded, Link: &l} }
func RemoveLink(id model.LinkID) Diff {
	return Diff{Kind: LinkRemoved, ID: uint32(id)}
}
func SetLinkState(id model.LinkID, s model.LinkState) Diff {
	return Diff{Kind: LinkStateChanged, ID: uint32(id), State: s}
}

func (d Diff) String() string {
	switch {
	case d.Node != nil:
		return fmt.Sprintf("%s node=%d", d.Kind, d.Node.ID)
	case d.Port != nil:
		return fmt.Sprintf("%s port=%d node=%d", d.Kind, d.Port.ID, d.Port.NodeID)
	case d.Link != nil:
		return fmt.Sprintf("%s link=%d %d->%d", d.Kind, d.Link.ID, d.Link.Output, d.Link.Input)
	default:
		return fmt.Sprintf("%s id=%d", d.Kind, d.ID)
	}
}

// Enumeration is a full listing of the server graph.
type Enumeration struct {
	Nodes []model.Node
	Ports []model.Port
	Links []model.Link
}

// Update is one unit of work coming from the server: either a full
// enumeration to resync against, a batch of diffs, or both (resync first).
type Update struct {
	Resync *Enumeration
	Diffs  []Diff
}
