// Package fakepw is an in-memory PipeWire server for tests. It implements
// the same capabilities as pipewire.Client: enumeration, a change stream,
// link requests, stats sampling and loopback measurement sessions.
package fakepw

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"cablectl/internal/graph"
	"cablectl/internal/loopback"
	"cablectl/internal/model"
)

// Server is a fake PipeWire server. The zero value is not usable; call New.
type Server struct {
	mu     sync.Mutex
	g      *graph.Store
	nextID uint32
	down   bool
	subs   map[*subscriber]struct{}

	stats    []string
	lastStat string
	statsErr error

	// RejectLinks makes RequestLink fail as the server would on a refused
	// link.
	RejectLinks atomic.Bool
	// HoldLinks accepts link requests without ever creating the link.
	HoldLinks atomic.Bool
	// HoldUnlinks accepts unlink requests without removing the link.
	HoldUnlinks atomic.Bool

	LinkRequests   atomic.Int64
	UnlinkRequests atomic.Int64
	Launches       atomic.Int64
	Closes         atomic.Int64

	// Measure produces the measurement utility's output. It defaults to a
	// fixed 7.979 ms reading.
	Measure func(ctx context.Context) (string, error)
	// LaunchErr, when set, makes Launch fail.
	LaunchErr error
	// SkipToolPorts launches the utility without registering its ports.
	SkipToolPorts bool
}

type subscriber struct {
	ch     chan graph.Update
	closed chan struct{}
}

func New() *Server {
	return &Server{g: graph.NewStore(), nextID: 100, subs: map[*subscriber]struct{}{}}
}

func (s *Server) id() uint32 {
	s.nextID++
	return s.nextID
}

// mutateLocked applies diffs to the server graph and broadcasts the effective
// changes.
func (s *Server) mutateLocked(diffs ...graph.Diff) error {
	var applied []graph.Diff
	for _, d := range diffs {
		out, err := s.g.Apply(d)
		if err != nil {
			return err
		}
		applied = append(applied, out...)
	}
	if len(applied) == 0 {
		return nil
	}
	for sub := range s.subs {
		select {
		case sub.ch <- graph.Update{Diffs: applied}:
		default:
			panic("fakepw: subscriber buffer full")
		}
	}
	return nil
}

// AddNode registers a node and returns its id.
func (s *Server) AddNode(name, mediaClass string) model.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := model.NodeID(s.id())
	n := model.Node{ID: id, Name: name, MediaClass: mediaClass, Props: model.Props{
		model.PropNodeName:   name,
		model.PropMediaClass: mediaClass,
	}}
	if err := s.mutateLocked(graph.AddNode(n)); err != nil {
		panic(err)
	}
	return id
}

// AddPort registers a port on node and returns its id.
func (s *Server) AddPort(node model.NodeID, name string, dir model.Direction, media model.MediaType) model.PortID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addPortLocked(node, name, dir, media)
}

func (s *Server) addPortLocked(node model.NodeID, name string, dir model.Direction, media model.MediaType) model.PortID {
	id := model.PortID(s.id())
	p := model.Port{ID: id, NodeID: node, Name: name, Direction: dir, Media: media}
	if err := s.mutateLocked(graph.AddPort(p)); err != nil {
		panic(err)
	}
	return id
}

// AddLink creates a link as if another client had requested it.
func (s *Server) AddLink(out, in model.PortID) (model.LinkID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLinkLocked(out, in)
}

func (s *Server) addLinkLocked(out, in model.PortID) (model.LinkID, error) {
	id := model.LinkID(s.id())
	if err := s.mutateLocked(graph.AddLink(model.Link{ID: id, Output: out, Input: in, State: model.LinkActive})); err != nil {
		return 0, err
	}
	return id, nil
}

// SetNodeProps replaces a node's properties.
func (s *Server) SetNodeProps(id model.NodeID, props model.Props) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.g.Snapshot().Node(id)
	if !ok {
		panic(fmt.Sprintf("fakepw: unknown node %d", id))
	}
	n = n.Clone()
	for k, v := range props {
		n.Props[k] = v
	}
	if err := s.mutateLocked(graph.UpdateNode(n)); err != nil {
		panic(err)
	}
}

func (s *Server) RemoveNode(id model.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.mutateLocked(graph.RemoveNode(id))
}

func (s *Server) RemoveLink(id model.LinkID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.mutateLocked(graph.RemoveLink(id))
}

// Graph returns the server's own view.
func (s *Server) Graph() *graph.Snapshot { return s.g.Snapshot() }

// Drop simulates the server going away: open change streams end and every
// request fails until Restore.
func (s *Server) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = true
	for sub := range s.subs {
		close(sub.closed)
		delete(s.subs, sub)
	}
}

func (s *Server) Restore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = false
}

func (s *Server) unavailableLocked() error {
	if s.down {
		return model.Errorf(model.CodeServerUnavailable, "fake server is down")
	}
	return nil
}

func (s *Server) Enumerate(ctx context.Context) (graph.Enumeration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailableLocked(); err != nil {
		return graph.Enumeration{}, err
	}
	return s.g.Snapshot().Enumeration(), nil
}

func (s *Server) Subscribe(ctx context.Context, out chan<- graph.Update) error {
	s.mu.Lock()
	if err := s.unavailableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	e := s.g.Snapshot().Enumeration()
	sub := &subscriber{ch: make(chan graph.Update, 4096), closed: make(chan struct{})}
	sub.ch <- graph.Update{Resync: &e}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()
	for {
		select {
		case u := <-sub.ch:
			select {
			case out <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-sub.closed:
			return model.Errorf(model.CodeServerUnavailable, "fake server stream closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) RequestLink(ctx context.Context, out, in model.PortID) error {
	s.LinkRequests.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailableLocked(); err != nil {
		return err
	}
	if s.RejectLinks.Load() {
		return model.Errorf(model.CodeLinkRejected, "link %d->%d refused", out, in)
	}
	if s.HoldLinks.Load() {
		return nil
	}
	if _, err := s.addLinkLocked(out, in); err != nil {
		return model.Wrap(model.CodeLinkRejected, err, "link request rejected")
	}
	return nil
}

func (s *Server) RequestUnlink(ctx context.Context, id model.LinkID) error {
	s.UnlinkRequests.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailableLocked(); err != nil {
		return err
	}
	if _, ok := s.g.Snapshot().Link(id); !ok {
		return model.Errorf(model.CodeLinkRejected, "link %d not found", id)
	}
	if s.HoldUnlinks.Load() {
		return nil
	}
	return s.mutateLocked(graph.RemoveLink(id))
}

// QueueStats queues raw pw-top outputs returned by successive SampleStats
// calls. The last output repeats once the queue is drained.
func (s *Server) QueueStats(outputs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, outputs...)
}

// FailStats makes SampleStats return err (nil clears it).
func (s *Server) FailStats(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsErr = err
}

func (s *Server) SampleStats(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailableLocked(); err != nil {
		return "", err
	}
	if s.statsErr != nil {
		return "", s.statsErr
	}
	if len(s.stats) > 0 {
		s.lastStat, s.stats = s.stats[0], s.stats[1:]
	}
	return s.lastStat, nil
}

// ToolNodeName is the node name measurement sessions register under.
const ToolNodeName = "jack_delay"

func (s *Server) Launch(ctx context.Context) (loopback.Session, error) {
	s.Launches.Add(1)
	if s.LaunchErr != nil {
		return nil, s.LaunchErr
	}
	s.mu.Lock()
	if err := s.unavailableLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	node := s.AddNode(ToolNodeName, "Audio/Duplex")
	if !s.SkipToolPorts {
		s.AddPort(node, "out", model.DirectionOutput, model.MediaAudio)
		s.AddPort(node, "in", model.DirectionInput, model.MediaAudio)
	}
	measure := s.Measure
	if measure == nil {
		measure = func(context.Context) (string, error) {
			return "383.000 frames      7.979 ms total roundtrip latency", nil
		}
	}
	return &session{s: s, node: node, measure: measure}, nil
}

type session struct {
	s       *Server
	node    model.NodeID
	measure func(ctx context.Context) (string, error)
	once    sync.Once
}

func (t *session) NodeName() string { return ToolNodeName }

func (t *session) Result(ctx context.Context) (string, error) { return t.measure(ctx) }

func (t *session) Close() error {
	t.once.Do(func() {
		t.s.Closes.Add(1)
		t.s.RemoveNode(t.node)
	})
	return nil
}
