package pipewire

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"cablectl/internal/graph"
	"cablectl/internal/model"
)

// Subscribe streams graph changes from `pw-dump --monitor` into out until ctx
// ends or the stream breaks. The first update is a full resync; each later
// array from the server becomes a batch of diffs. A broken stream returns a
// ServerUnavailable error.
func (c *Client) Subscribe(ctx context.Context, out chan<- graph.Update) error {
	p, err := c.r.Start(ctx, "pw-dump", "--monitor", "--no-colors")
	if err != nil {
		return unavailable(ctx, err, "pw-dump --monitor")
	}
	defer func() {
		_ = p.Kill()
		_ = p.Wait()
	}()

	dec := json.NewDecoder(p.Stdout())
	t := newTracker()
	for first := true; ; first = false {
		var objs []Object
		if err := dec.Decode(&objs); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				if werr := p.Wait(); werr != nil {
					return model.Wrap(model.CodeServerUnavailable, werr, "pw-dump monitor exited")
				}
				return model.Errorf(model.CodeServerUnavailable, "pw-dump monitor exited")
			}
			return model.Wrap(model.CodeServerUnavailable, err, "pw-dump monitor stream")
		}

		var u graph.Update
		if first {
			e, errs := Convert(objs)
			for _, err := range errs {
				c.log.Debug("pw-dump entry skipped", "err", err)
			}
			t.reset(e)
			u.Resync = &e
		} else {
			var errs []error
			u.Diffs, errs = t.diffs(objs)
			for _, err := range errs {
				c.log.Debug("pw-dump update skipped", "err", err)
			}
			if len(u.Diffs) == 0 {
				continue
			}
		}
		select {
		case out <- u:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type objectKind int

const (
	kindNode objectKind = iota + 1
	kindPort
	kindLink
)

// tracker remembers the kind of every object seen so that removal markers,
// which carry only an id, can be turned into typed diffs.
type tracker struct {
	kinds map[uint32]objectKind
	video map[model.NodeID]bool
}

func newTracker() *tracker {
	return &tracker{kinds: map[uint32]objectKind{}, video: map[model.NodeID]bool{}}
}

func (t *tracker) reset(e graph.Enumeration) {
	t.kinds = map[uint32]objectKind{}
	t.video = map[model.NodeID]bool{}
	for _, n := range e.Nodes {
		t.kinds[uint32(n.ID)] = kindNode
		t.video[n.ID] = isVideo(n)
	}
	for _, p := range e.Ports {
		t.kinds[uint32(p.ID)] = kindPort
	}
	for _, l := range e.Links {
		t.kinds[uint32(l.ID)] = kindLink
	}
}

// diffs converts one monitor array. Removals are emitted first (links, ports,
// nodes), then additions and updates (nodes, ports, links).
func (t *tracker) diffs(objs []Object) ([]graph.Diff, []error) {
	var (
		linkRm, portRm, nodeRm []graph.Diff
		nodes, ports, links    []graph.Diff
		errs                   []error
	)
	for _, o := range objs {
		if o.Removed() {
			switch t.kinds[o.ID] {
			case kindNode:
				nodeRm = append(nodeRm, graph.RemoveNode(model.NodeID(o.ID)))
				delete(t.video, model.NodeID(o.ID))
			case kindPort:
				portRm = append(portRm, graph.RemovePort(model.PortID(o.ID)))
			case kindLink:
				linkRm = append(linkRm, graph.RemoveLink(model.LinkID(o.ID)))
			}
			delete(t.kinds, o.ID)
			continue
		}
		switch o.Type {
		case TypeNode:
			n, err := decodeNode(o)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			d := graph.AddNode(n)
			if t.kinds[o.ID] == kindNode {
				d = graph.UpdateNode(n)
			}
			t.kinds[o.ID] = kindNode
			t.video[n.ID] = isVideo(n)
			nodes = append(nodes, d)
		case TypePort:
			p, err := decodePort(o)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if p.Media == model.MediaUnknown && t.video[p.NodeID] {
				p.Media = model.MediaVideo
			}
			t.kinds[o.ID] = kindPort
			ports = append(ports, graph.AddPort(p))
		case TypeLink:
			l, err := decodeLink(o)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			t.kinds[o.ID] = kindLink
			links = append(links, graph.AddLink(l))
		}
	}
	out := make([]graph.Diff, 0, len(linkRm)+len(portRm)+len(nodeRm)+len(nodes)+len(ports)+len(links))
	for _, group := range [][]graph.Diff{linkRm, portRm, nodeRm, nodes, ports, links} {
		out = append(out, group...)
	}
	return out, errs
}
