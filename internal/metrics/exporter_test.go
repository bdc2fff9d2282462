package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cablectl/internal/model"
)

func TestExporter_NodeSeries(t *testing.T) {
	t.Parallel()

	e := NewExporter()
	e.ObserveSample("speakers", model.StatSample{NodeID: 30, Quantum: 256, Rate: 48000, Load: 0.25, Xruns: 3})
	e.SetStatus(30, "speakers", model.StatsAvailable)

	if got := testutil.ToFloat64(e.load.WithLabelValues("30", "speakers")); got != 0.25 {
		t.Fatalf("load=%v", got)
	}
	if got := testutil.ToFloat64(e.available.WithLabelValues("30", "speakers")); got != 1 {
		t.Fatalf("available=%v", got)
	}

	e.Forget(30)
	if n := testutil.CollectAndCount(e.load); n != 0 {
		t.Fatalf("series after Forget=%d", n)
	}
}

func TestExporter_ProbeAndHandler(t *testing.T) {
	t.Parallel()

	e := NewExporter()
	e.ObserveProbe(model.LatencyMeasurement{Status: model.ProbeDone, Latency: 8 * time.Millisecond})
	e.ObserveProbe(model.LatencyMeasurement{Status: model.ProbeFailed})
	e.LinkFailed()

	if got := testutil.ToFloat64(e.probeLatency); got != 0.008 {
		t.Fatalf("latency=%v", got)
	}
	if got := testutil.ToFloat64(e.probeRuns.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed runs=%v", got)
	}

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "cablectl_link_failures_total 1") {
		t.Fatalf("missing counter in exposition:\n%s", body)
	}
}
