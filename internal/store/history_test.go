package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cablectl/internal/model"
)

func openTemp(t *testing.T) (*History, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "history.db")
	h, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h, path
}

func measurement(id string, source, sink model.NodeID, status model.ProbeStatus, finished time.Time) model.LatencyMeasurement {
	m := model.LatencyMeasurement{
		RunID:      id,
		Source:     source,
		Sink:       sink,
		Status:     status,
		StartedAt:  finished.Add(-2 * time.Second),
		FinishedAt: finished,
	}
	if status == model.ProbeDone {
		m.Latency = 7979 * time.Microsecond
		m.RawOutput = "383.000 frames      7.979 ms total roundtrip latency"
	} else {
		m.ErrorCode = model.CodeMeasurementTimedOut
		m.Error = "MEASUREMENT_TIMED_OUT: no reading within 10s"
	}
	return m
}

func TestOpen_CreatesDirectoryAndReopens(t *testing.T) {
	t.Parallel()

	h, path := openTemp(t)
	_, err := os.Stat(path)
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, h.Record(context.Background(), measurement("a", 50, 51, model.ProbeDone, base)))
	require.NoError(t, h.Close())

	again, err := Open(path)
	require.NoError(t, err)
	defer again.Close()
	got, err := again.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, measurement("a", 50, 51, model.ProbeDone, base), got)
}

func TestRecord_UpsertsAndRejectsMissingID(t *testing.T) {
	t.Parallel()

	h, _ := openTemp(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, h.Record(ctx, measurement("a", 50, 51, model.ProbeFailed, base)))
	require.NoError(t, h.Record(ctx, measurement("a", 50, 51, model.ProbeDone, base.Add(time.Second))))
	all, err := h.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.ProbeDone, all[0].Status)
	assert.Empty(t, all[0].ErrorCode)

	assert.Error(t, h.Record(ctx, model.LatencyMeasurement{}))

	_, err = h.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrUnknownObject)
}

func TestList_FiltersNewestFirst(t *testing.T) {
	t.Parallel()

	h, _ := openTemp(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, m := range []model.LatencyMeasurement{
		measurement("r1", 50, 51, model.ProbeDone, base),
		measurement("r2", 50, 51, model.ProbeFailed, base.Add(time.Minute)),
		measurement("r3", 60, 51, model.ProbeDone, base.Add(2*time.Minute)),
		measurement("r4", 50, 51, model.ProbeDone, base.Add(3*time.Minute)),
	} {
		require.NoError(t, h.Record(ctx, m), "record %d", i)
	}

	ids := func(f Filter) []string {
		t.Helper()
		ms, err := h.List(ctx, f)
		require.NoError(t, err)
		var out []string
		for _, m := range ms {
			out = append(out, m.RunID)
		}
		return out
	}
	assert.Equal(t, []string{"r4", "r3", "r2", "r1"}, ids(Filter{}))
	assert.Equal(t, []string{"r4", "r2", "r1"}, ids(Filter{Source: 50}))
	assert.Equal(t, []string{"r4", "r1"}, ids(Filter{Source: 50, Status: model.ProbeDone}))
	assert.Equal(t, []string{"r4", "r3"}, ids(Filter{Since: base.Add(2 * time.Minute)}))
	assert.Equal(t, []string{"r4"}, ids(Filter{Limit: 1}))
	assert.Empty(t, ids(Filter{Sink: 99}))
}

func TestPrune_KeepsNewest(t *testing.T) {
	t.Parallel()

	h, _ := openTemp(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Record(ctx, measurement(string(rune('a'+i)), 50, 51, model.ProbeDone, base.Add(time.Duration(i)*time.Minute))))
	}

	n, err := h.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	all, err := h.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "e", all[0].RunID)
	assert.Equal(t, "d", all[1].RunID)
}
