package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"cablectl/internal/model"
)

func sampleSet() []model.StatSample {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []model.StatSample{
		{NodeID: 30, Timestamp: base, Quantum: 256, Rate: 48000, Wait: 0.0125, Load: 0.21, Xruns: 0},
		{NodeID: 30, Timestamp: base.Add(500 * time.Millisecond), Quantum: 256, Rate: 48000, Wait: 0.013, Load: 0.34, Xruns: 1},
		{NodeID: 52, Timestamp: base.Add(500 * time.Millisecond), Quantum: 1024, Rate: 44100, Wait: 0, Load: 0.05, Xruns: 12},
	}
}

func TestWriteCSV_Golden(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleSet()); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "stats.csv", buf.Bytes())
}

func TestAppendCSV_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "nested", "stats.csv")

	items := sampleSet()
	if err := AppendCSV(path, items[:1]); err != nil {
		t.Fatalf("AppendCSV #1: %v", err)
	}
	if err := AppendCSV(path, items[1:]); err != nil {
		t.Fatalf("AppendCSV #2: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines=%d\n%s", len(lines), string(data))
	}
	if !strings.HasPrefix(lines[0], "timestamp,") {
		t.Fatalf("missing header: %q", lines[0])
	}

	back, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(back) != 3 {
		t.Fatalf("read %d samples", len(back))
	}
	got, want := back[2], items[2]
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Fatalf("timestamp: got %v want %v", got.Timestamp, want.Timestamp)
	}
	got.Timestamp = want.Timestamp
	if got != want {
		t.Fatalf("round trip: got %+v want %+v", got, want)
	}
}

func TestReadCSV_RejectsShortRecords(t *testing.T) {
	t.Parallel()

	if _, err := readCSV(strings.NewReader("timestamp,node_id\n2024-03-01T12:00:00Z,30\n")); err == nil {
		t.Fatalf("expected error")
	}
}
