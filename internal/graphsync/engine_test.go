package graphsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cablectl/internal/events"
	"cablectl/internal/graph"
	"cablectl/internal/model"
	"cablectl/internal/testutil/fakepw"
)

type harness struct {
	srv    *fakepw.Server
	store  *graph.Store
	eng    *Engine
	broker *events.Broker
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, mode Mode) *harness {
	t.Helper()
	h := &harness{srv: fakepw.New(), store: graph.NewStore(), broker: events.NewBroker(64, nil)}
	h.eng = New(h.store, h.srv, Config{
		Mode:           mode,
		PollInterval:   10 * time.Millisecond,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}, WithBroker(h.broker))
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("engine did not stop")
		}
	})
}

func waitFor(t *testing.T, s *graph.Store, what string, pred func(*graph.Snapshot) bool) *graph.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := s.WaitFor(ctx, pred)
	require.NoErrorf(t, err, "waiting for %s", what)
	return snap
}

func TestEngine_MonitorFollowsServer(t *testing.T) {
	t.Parallel()

	h := start(t, ModeMonitor)
	src := h.srv.AddNode("synth", "Audio/Source")
	out := h.srv.AddPort(src, "out_FL", model.DirectionOutput, model.MediaAudio)
	sink := h.srv.AddNode("speakers", "Audio/Sink")
	in := h.srv.AddPort(sink, "in_FL", model.DirectionInput, model.MediaAudio)
	h.run(t)

	waitFor(t, h.store, "initial resync", func(s *graph.Snapshot) bool { return len(s.Ports()) == 2 })
	assert.Eventually(t, h.eng.Connected, 2*time.Second, 5*time.Millisecond)

	id, err := h.srv.AddLink(out, in)
	require.NoError(t, err)
	waitFor(t, h.store, "link", func(s *graph.Snapshot) bool {
		_, ok := s.Link(id)
		return ok
	})

	h.srv.RemoveNode(sink)
	snap := waitFor(t, h.store, "cascade", func(s *graph.Snapshot) bool { return len(s.Nodes()) == 1 })
	assert.Empty(t, snap.Links())
	assert.Len(t, snap.Ports(), 1)
	assert.True(t, h.srv.Graph().SameGraph(snap))
}

func TestEngine_ReconnectMarksStaleThenResyncs(t *testing.T) {
	t.Parallel()

	h := start(t, ModeMonitor)
	conn := h.broker.Subscribe(events.ConnectionChanged)
	keep := h.srv.AddNode("keep", "Audio/Sink")
	gone := h.srv.AddNode("gone", "Audio/Sink")
	h.run(t)

	waitFor(t, h.store, "initial resync", func(s *graph.Snapshot) bool { return len(s.Nodes()) == 2 && !s.Stale })

	h.srv.Drop()
	snap := waitFor(t, h.store, "stale", func(s *graph.Snapshot) bool { return s.Stale })
	assert.Len(t, snap.Nodes(), 2, "last known graph is kept while disconnected")
	assert.False(t, h.eng.Connected())

	h.srv.Restore()
	h.srv.RemoveNode(gone)
	snap = waitFor(t, h.store, "resync after reconnect", func(s *graph.Snapshot) bool {
		return !s.Stale && len(s.Nodes()) == 1
	})
	_, ok := snap.Node(keep)
	assert.True(t, ok)

	var seen []bool
	timeout := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case e := <-conn.C:
			seen = append(seen, e.Connection.Connected)
		case <-timeout:
			t.Fatalf("connection events: %v", seen)
		}
	}
	assert.Equal(t, []bool{true, false, true}, seen)
}

func TestEngine_PollConverges(t *testing.T) {
	t.Parallel()

	h := start(t, ModePoll)
	n := h.srv.AddNode("a", "Audio/Sink")
	h.run(t)

	waitFor(t, h.store, "first poll", func(s *graph.Snapshot) bool { return len(s.Nodes()) == 1 })
	h.srv.AddPort(n, "in", model.DirectionInput, model.MediaAudio)
	h.srv.AddNode("b", "Audio/Sink")
	snap := waitFor(t, h.store, "second poll", func(s *graph.Snapshot) bool { return len(s.Nodes()) == 2 && len(s.Ports()) == 1 })
	assert.True(t, h.srv.Graph().SameGraph(snap))
}

func TestEngine_SubmitIsOrderedWithServerUpdates(t *testing.T) {
	t.Parallel()

	h := start(t, ModeMonitor)
	src := h.srv.AddNode("synth", "Audio/Source")
	out := h.srv.AddPort(src, "out", model.DirectionOutput, model.MediaAudio)
	sink := h.srv.AddNode("speakers", "Audio/Sink")
	in := h.srv.AddPort(sink, "in", model.DirectionInput, model.MediaAudio)
	h.run(t)
	waitFor(t, h.store, "resync", func(s *graph.Snapshot) bool { return len(s.Ports()) == 2 })

	ctx := context.Background()
	pending := model.Link{ID: model.PendingLinkBase, Output: out, Input: in, State: model.LinkPending, RequestID: "r1"}
	applied, err := h.eng.Submit(ctx, graph.AddLink(pending))
	require.NoError(t, err)
	require.Len(t, applied, 1)

	_, err = h.eng.Submit(ctx, graph.AddLink(model.Link{ID: model.PendingLinkBase + 1, Output: out, Input: in, State: model.LinkPending}))
	assert.ErrorIs(t, err, model.ErrDuplicateLink)

	id, err := h.srv.AddLink(out, in)
	require.NoError(t, err)
	snap := waitFor(t, h.store, "confirmation", func(s *graph.Snapshot) bool {
		_, ok := s.Link(id)
		return ok
	})
	l, _ := snap.Link(id)
	assert.Equal(t, "r1", l.RequestID)
	_, ok := snap.Link(pending.ID)
	assert.False(t, ok)
}

func TestEngine_SubmitAfterStop(t *testing.T) {
	t.Parallel()

	h := start(t, ModeMonitor)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	_, err := h.eng.Submit(context.Background(), graph.RemoveNode(1))
	assert.ErrorIs(t, err, ErrStopped)
}
