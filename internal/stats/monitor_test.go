package stats

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cablectl/internal/events"
	"cablectl/internal/graph"
	"cablectl/internal/metrics"
	"cablectl/internal/model"
	"cablectl/internal/testutil/fakepw"
)

type bench struct {
	srv   *fakepw.Server
	store *graph.Store
	a, b  model.NodeID
	clock time.Time
}

func newBench(t *testing.T) *bench {
	t.Helper()
	b := &bench{srv: fakepw.New(), store: graph.NewStore(), clock: time.Unix(1700000000, 0).UTC()}
	b.a = b.srv.AddNode("alsa_output", "Audio/Sink")
	b.b = b.srv.AddNode("firefox", "Stream/Output/Audio")
	en, err := b.srv.Enumerate(context.Background())
	require.NoError(t, err)
	require.Empty(t, b.store.Load(en))
	return b
}

func (b *bench) monitor(cfg Config, opts ...Option) *Monitor {
	opts = append([]Option{WithClock(func() time.Time {
		b.clock = b.clock.Add(500 * time.Millisecond)
		return b.clock
	})}, opts...)
	return New(b.srv, b.store, cfg, opts...)
}

func topLine(id model.NodeID, load float64, xruns int) string {
	return fmt.Sprintf("R %d 1024 48000 9.2us 6.4us 0.01 %.2f %d S16LE 2 48000 node%d\n", id, load, xruns, id)
}

func garbled(id model.NodeID) string {
	return fmt.Sprintf("R %d 1024 ??x 9.2us 6.4us 0.01 0.10 0 S16LE 2 48000 node%d\n", id, id)
}

func cycles(t *testing.T, m *Monitor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_ = m.SampleOnce(context.Background())
	}
}

func status(t *testing.T, m *Monitor, id model.NodeID) model.StatsStatus {
	t.Helper()
	st, ok := m.Status(id)
	require.True(t, ok, "node %d not tracked", id)
	return st
}

func TestMonitor_HistoryIsBounded(t *testing.T) {
	t.Parallel()

	b := newBench(t)
	b.srv.QueueStats(topLine(b.a, 0.10, 0), topLine(b.a, 0.20, 0), topLine(b.a, 0.30, 1))
	m := b.monitor(Config{History: 2})
	cycles(t, m, 3)

	h := m.History(b.a)
	require.Len(t, h, 2)
	assert.InDelta(t, 0.20, h[0].Load, 1e-9)
	assert.InDelta(t, 0.30, h[1].Load, 1e-9)
	assert.True(t, h[0].Timestamp.Before(h[1].Timestamp))

	rate, ok := m.CurrentRate(b.a)
	assert.True(t, ok)
	assert.InDelta(t, 0.30, rate, 1e-9)

	_, ok = m.CurrentRate(b.b)
	assert.False(t, ok, "tracked node without telemetry has no rate")
	assert.Equal(t, model.StatsAvailable, status(t, m, b.b))
}

func TestMonitor_UnavailableAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := newBench(t)
	b.srv.QueueStats(garbled(b.a), garbled(b.a), garbled(b.a), topLine(b.a, 0.40, 0))
	m := b.monitor(Config{})

	cycles(t, m, 2)
	assert.Equal(t, model.StatsAvailable, status(t, m, b.a))
	cycles(t, m, 1)
	assert.Equal(t, model.StatsUnavailable, status(t, m, b.a))
	assert.Equal(t, model.StatsAvailable, status(t, m, b.b), "absent node is no data, not a failure")

	cycles(t, m, 1)
	assert.Equal(t, model.StatsAvailable, status(t, m, b.a))
	assert.Len(t, m.History(b.a), 1)
}

func TestMonitor_FailureStreakResets(t *testing.T) {
	t.Parallel()

	b := newBench(t)
	b.srv.QueueStats(garbled(b.a), garbled(b.a), topLine(b.a, 0.1, 0), garbled(b.a), garbled(b.a))
	m := b.monitor(Config{})
	cycles(t, m, 5)
	assert.Equal(t, model.StatsAvailable, status(t, m, b.a))
}

func TestMonitor_AbsenceBreaksFailureStreak(t *testing.T) {
	t.Parallel()

	b := newBench(t)
	b.srv.QueueStats(garbled(b.a), topLine(b.b, 0.1, 0), garbled(b.a), garbled(b.a))
	m := b.monitor(Config{})
	cycles(t, m, 4)
	assert.Equal(t, model.StatsAvailable, status(t, m, b.a))

	b.srv.QueueStats(garbled(b.a))
	cycles(t, m, 1)
	assert.Equal(t, model.StatsUnavailable, status(t, m, b.a))
}

func TestMonitor_SamplerErrorFailsEveryNode(t *testing.T) {
	t.Parallel()

	b := newBench(t)
	b.srv.FailStats(errors.New("pw-top: exit status 1"))
	m := b.monitor(Config{UnavailableAfter: 2})

	assert.Error(t, m.SampleOnce(context.Background()))
	cycles(t, m, 1)
	assert.Equal(t, model.StatsUnavailable, status(t, m, b.a))
	assert.Equal(t, model.StatsUnavailable, status(t, m, b.b))

	b.srv.FailStats(nil)
	b.srv.QueueStats(topLine(b.a, 0.2, 0) + topLine(b.b, 0.1, 0))
	cycles(t, m, 1)
	assert.Equal(t, model.StatsAvailable, status(t, m, b.a))
	assert.Equal(t, model.StatsAvailable, status(t, m, b.b))
}

func TestMonitor_GarbageOutputFailsEveryNode(t *testing.T) {
	t.Parallel()

	b := newBench(t)
	b.srv.QueueStats("segmentation fault\ncore dumped\n")
	m := b.monitor(Config{UnavailableAfter: 1})
	cycles(t, m, 1)
	assert.Equal(t, model.StatsUnavailable, status(t, m, b.a))
	assert.Equal(t, model.StatsUnavailable, status(t, m, b.b))
}

func TestMonitor_SkipsWhileDisconnected(t *testing.T) {
	t.Parallel()

	b := newBench(t)
	b.srv.FailStats(errors.New("should not be called"))
	m := b.monitor(Config{UnavailableAfter: 1}, WithConnected(func() bool { return false }))
	assert.NoError(t, m.SampleOnce(context.Background()))
	assert.Empty(t, m.Nodes())
}

func TestMonitor_ForgetsVanishedNodes(t *testing.T) {
	t.Parallel()

	b := newBench(t)
	const telemetryOnly model.NodeID = 900
	b.srv.QueueStats(topLine(b.a, 0.1, 0)+topLine(telemetryOnly, 0.2, 0), topLine(b.a, 0.1, 0))
	exp := metrics.NewExporter()
	m := b.monitor(Config{}, WithExporter(exp))

	cycles(t, m, 1)
	ids := func() []model.NodeID {
		var out []model.NodeID
		for _, n := range m.Nodes() {
			out = append(out, n.NodeID)
		}
		return out
	}
	assert.Equal(t, []model.NodeID{b.a, b.b, telemetryOnly}, ids())

	_, err := b.store.Apply(graph.RemoveNode(b.b))
	require.NoError(t, err)
	cycles(t, m, 1)
	assert.Equal(t, []model.NodeID{b.a}, ids())
	assert.Nil(t, m.History(telemetryOnly))
	_, ok := m.Status(b.b)
	assert.False(t, ok)
}

func TestMonitor_PublishesAndAppendsCSV(t *testing.T) {
	t.Parallel()

	b := newBench(t)
	broker := events.NewBroker(8, nil)
	sub := broker.Subscribe(events.StatsUpdated)
	path := filepath.Join(t.TempDir(), "stats", "samples.csv")
	b.srv.QueueStats(topLine(b.a, 0.1, 0)+topLine(b.b, 0.3, 2), topLine(b.a, 0.2, 1))
	m := b.monitor(Config{CSVPath: path}, WithBroker(broker))
	cycles(t, m, 2)

	var got []model.NodeID
	for i := 0; i < 3; i++ {
		select {
		case e := <-sub.C:
			got = append(got, e.Stats.NodeID)
		case <-time.After(time.Second):
			t.Fatalf("missing StatsUpdated event %d", i)
		}
	}
	assert.Equal(t, []model.NodeID{b.a, b.b, b.a}, got)

	rows, err := metrics.ReadCSV(path)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 2, rows[1].Xruns)

	sum := m.Summary(b.a, time.Time{})
	assert.Equal(t, 2, sum.Count)
	assert.Equal(t, 1, sum.XrunDelta)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	b := newBench(t)
	b.srv.QueueStats(topLine(b.a, 0.1, 0))
	m := b.monitor(Config{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(m.History(b.a)) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("monitor did not stop")
	}
}
