package links

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cablectl/internal/events"
	"cablectl/internal/graph"
	"cablectl/internal/graphsync"
	"cablectl/internal/model"
	"cablectl/internal/testutil/fakepw"
)

type fixture struct {
	srv    *fakepw.Server
	eng    *graphsync.Engine
	ctl    *Controller
	broker *events.Broker

	src, sink        model.NodeID
	outFL, outFR     model.PortID
	inFL, inFR, midi model.PortID
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return setupStore(t, graph.NewStore(), opts...)
}

func setupStore(t *testing.T, store *graph.Store, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{srv: fakepw.New(), broker: events.NewBroker(16, nil)}
	f.src = f.srv.AddNode("synth", "Audio/Source")
	f.outFL = f.srv.AddPort(f.src, "out_FL", model.DirectionOutput, model.MediaAudio)
	f.outFR = f.srv.AddPort(f.src, "out_FR", model.DirectionOutput, model.MediaAudio)
	f.sink = f.srv.AddNode("speakers", "Audio/Sink")
	f.inFL = f.srv.AddPort(f.sink, "in_FL", model.DirectionInput, model.MediaAudio)
	f.inFR = f.srv.AddPort(f.sink, "in_FR", model.DirectionInput, model.MediaAudio)
	f.midi = f.srv.AddPort(f.sink, "midi_in", model.DirectionInput, model.MediaMIDI)

	f.eng = graphsync.New(store, f.srv, graphsync.Config{BackoffInitial: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.eng.Run(ctx) }()

	f.ctl = New(f.srv, f.eng, append([]Option{WithBroker(f.broker)}, opts...)...)
	t.Cleanup(func() {
		f.ctl.Close()
		cancel()
		<-done
	})

	f.waitFor(t, "resync", func(s *graph.Snapshot) bool { return len(s.Ports()) == 5 })
	return f
}

func (f *fixture) waitFor(t *testing.T, what string, pred func(*graph.Snapshot) bool) *graph.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := f.eng.Store().WaitFor(ctx, pred)
	require.NoErrorf(t, err, "waiting for %s", what)
	return snap
}

func pendingLinks(s *graph.Snapshot) int {
	n := 0
	for _, l := range s.Links() {
		if l.State == model.LinkPending {
			n++
		}
	}
	return n
}

func TestConnect_ConfirmedByServer(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	p, err := f.ctl.Connect(ctx, f.outFL, f.inFL)
	require.NoError(t, err)
	require.NotEmpty(t, p.RequestID)

	l, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LinkActive, l.State)
	assert.False(t, l.ID.IsPending())
	assert.Equal(t, p.RequestID, l.RequestID)
	assert.Equal(t, l, p.Link())
	assert.NoError(t, p.Err())

	snap := f.eng.Store().Snapshot()
	assert.Zero(t, pendingLinks(snap))
	assert.Len(t, snap.Links(), 1)
}

func TestConnect_ValidationNeverReachesServer(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	_, err := f.ctl.Connect(ctx, f.outFL, f.midi)
	assert.ErrorIs(t, err, model.ErrIncompatibleEndpoints)

	_, err = f.ctl.Connect(ctx, f.inFL, f.outFL)
	assert.ErrorIs(t, err, model.ErrIncompatibleEndpoints)

	_, err = f.ctl.Connect(ctx, f.outFL, 9999)
	assert.ErrorIs(t, err, model.ErrUnknownObject)

	id, err := f.srv.AddLink(f.outFR, f.inFR)
	require.NoError(t, err)
	f.waitFor(t, "external link", func(s *graph.Snapshot) bool {
		_, ok := s.Link(id)
		return ok
	})
	_, err = f.ctl.Connect(ctx, f.outFR, f.inFR)
	assert.ErrorIs(t, err, model.ErrDuplicateLink)

	assert.Zero(t, f.srv.LinkRequests.Load())
}

func TestConnect_SecondRequestOnSamePairIsDuplicate(t *testing.T) {
	t.Parallel()

	f := setup(t, WithConfirmationTimeout(time.Second))
	f.srv.HoldLinks.Store(true)
	ctx := context.Background()

	first, err := f.ctl.Connect(ctx, f.outFL, f.inFL)
	require.NoError(t, err)
	_, err = f.ctl.Connect(ctx, f.outFL, f.inFL)
	assert.ErrorIs(t, err, model.ErrDuplicateLink)
	assert.Equal(t, int64(1), f.srv.LinkRequests.Load())

	snap := f.eng.Store().Snapshot()
	assert.Equal(t, 1, pendingLinks(snap), "pending link is visible immediately")

	other, err := f.ctl.Connect(ctx, f.outFR, f.inFR)
	require.NoError(t, err)
	assert.NotEqual(t, first.RequestID, other.RequestID)
}

func TestConnect_RejectedRemovesPending(t *testing.T) {
	t.Parallel()

	f := setup(t)
	f.srv.RejectLinks.Store(true)

	_, err := f.ctl.Connect(context.Background(), f.outFL, f.inFL)
	assert.ErrorIs(t, err, model.ErrLinkRejected)
	assert.Zero(t, pendingLinks(f.eng.Store().Snapshot()))

	f.srv.RejectLinks.Store(false)
	p, err := f.ctl.Connect(context.Background(), f.outFL, f.inFL)
	require.NoError(t, err, "pair is free again after a rejection")
	_, err = p.Wait(context.Background())
	require.NoError(t, err)
}

func TestConnect_ConfirmationTimeout(t *testing.T) {
	t.Parallel()

	f := setup(t, WithConfirmationTimeout(50*time.Millisecond))
	failures := f.broker.Subscribe(events.LinkFailed)
	f.srv.HoldLinks.Store(true)

	p, err := f.ctl.Connect(context.Background(), f.outFL, f.inFL)
	require.NoError(t, err)

	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, model.ErrLinkConfirmationTimeout)
	assert.ErrorIs(t, p.Err(), model.ErrLinkConfirmationTimeout)

	snap := f.eng.Store().Snapshot()
	assert.Empty(t, snap.Links(), "pending entry rolled back")

	select {
	case e := <-failures.C:
		assert.Equal(t, model.CodeLinkConfirmationTimeout, e.Link.Code)
		assert.Equal(t, p.RequestID, e.Link.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatalf("no LinkFailed event")
	}
}

func TestDisconnect_WaitsForServer(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()
	id, err := f.srv.AddLink(f.outFL, f.inFL)
	require.NoError(t, err)
	f.waitFor(t, "link", func(s *graph.Snapshot) bool {
		_, ok := s.Link(id)
		return ok
	})

	f.srv.HoldUnlinks.Store(true)
	require.NoError(t, f.ctl.Disconnect(ctx, id))
	_, ok := f.eng.Store().Snapshot().Link(id)
	assert.True(t, ok, "graph untouched until the server confirms")

	f.srv.HoldUnlinks.Store(false)
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.ctl.DisconnectAndWait(wctx, id))
	_, ok = f.eng.Store().Snapshot().Link(id)
	assert.False(t, ok)
}

func TestDisconnect_UnknownOrPendingFailsLocally(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.ctl.Disconnect(ctx, 4242), model.ErrUnknownObject)
	assert.ErrorIs(t, f.ctl.Disconnect(ctx, model.PendingLinkBase+3), model.ErrUnknownObject)
	assert.Zero(t, f.srv.UnlinkRequests.Load())
}

func TestDisconnectNode(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()
	a, err := f.srv.AddLink(f.outFL, f.inFL)
	require.NoError(t, err)
	b, err := f.srv.AddLink(f.outFR, f.inFR)
	require.NoError(t, err)
	f.waitFor(t, "links", func(s *graph.Snapshot) bool { return len(s.Links()) == 2 })

	ids, err := f.ctl.DisconnectNode(ctx, f.sink)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.LinkID{a, b}, ids)
	f.waitFor(t, "removal", func(s *graph.Snapshot) bool { return len(s.Links()) == 0 })

	_, err = f.ctl.DisconnectPort(ctx, 31337)
	assert.ErrorIs(t, err, model.ErrUnknownObject)
}

func TestConnect_RejectedWhileStale(t *testing.T) {
	t.Parallel()

	f := setup(t)
	f.srv.Drop()
	f.waitFor(t, "stale", func(s *graph.Snapshot) bool { return s.Stale })

	_, err := f.ctl.Connect(context.Background(), f.outFL, f.inFL)
	assert.ErrorIs(t, err, model.ErrServerUnavailable)
	assert.Zero(t, f.srv.LinkRequests.Load())

	f.srv.Restore()
	f.waitFor(t, "fresh", func(s *graph.Snapshot) bool { return !s.Stale })
}

func addsPending(c graph.Commit) bool {
	for _, d := range c.Diffs {
		if d.Kind == graph.LinkAdded && d.Link != nil && d.Link.State == model.LinkPending {
			return true
		}
	}
	return false
}

func TestConnect_CancelledWhileApplying(t *testing.T) {
	t.Parallel()

	var stall atomic.Bool
	store := graph.NewStore(graph.WithCommitHook(func(c graph.Commit) {
		if stall.Load() && addsPending(c) {
			time.Sleep(200 * time.Millisecond)
		}
	}))
	f := setupStore(t, store, WithConfirmationTimeout(time.Second))

	stall.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.ctl.Connect(ctx, f.outFL, f.inFL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	stall.Store(false)

	snap := f.eng.Store().Snapshot()
	assert.Zero(t, pendingLinks(snap), "optimistic entry rolled back")
	assert.Empty(t, snap.Links())
	assert.Zero(t, f.srv.LinkRequests.Load())

	p, err := f.ctl.Connect(context.Background(), f.outFL, f.inFL)
	require.NoError(t, err, "pair is free again")
	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	l, err := p.Wait(wctx)
	require.NoError(t, err)
	assert.Equal(t, model.LinkActive, l.State)
}
