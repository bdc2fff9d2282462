package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cablectl/internal/model"
)

const namespace = "cablectl"

// Exporter publishes node telemetry and probe results as Prometheus metrics
// on its own registry.
type Exporter struct {
	reg *prometheus.Registry

	load      *prometheus.GaugeVec
	wait      *prometheus.GaugeVec
	quantum   *prometheus.GaugeVec
	rate      *prometheus.GaugeVec
	xruns     *prometheus.GaugeVec
	available *prometheus.GaugeVec

	probeLatency prometheus.Gauge
	probeRuns    *prometheus.CounterVec
	linkFailures prometheus.Counter
}

func NewExporter() *Exporter {
	nodeLabels := []string{"node_id", "node_name"}
	e := &Exporter{
		reg: prometheus.NewRegistry(),
		load: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "node_load_ratio",
			Help: "Busy time per quantum (B/Q) reported by pw-top.",
		}, nodeLabels),
		wait: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "node_wait_ratio",
			Help: "Wait time per quantum (W/Q) reported by pw-top.",
		}, nodeLabels),
		quantum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "node_quantum_samples",
			Help: "Current quantum of the node.",
		}, nodeLabels),
		rate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "node_rate_hz",
			Help: "Current sample rate of the node.",
		}, nodeLabels),
		xruns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "node_xruns",
			Help: "Cumulative xrun count of the node.",
		}, nodeLabels),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "node_stats_available",
			Help: "1 when the node's telemetry is available, 0 otherwise.",
		}, nodeLabels),
		probeLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "probe_latency_seconds",
			Help: "Round-trip latency of the last successful probe.",
		}),
		probeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "probe_runs_total",
			Help: "Finished latency probe runs by status.",
		}, []string{"status"}),
		linkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "link_failures_total",
			Help: "Link requests that were rejected or never confirmed.",
		}),
	}
	e.reg.MustRegister(e.load, e.wait, e.quantum, e.rate, e.xruns, e.available,
		e.probeLatency, e.probeRuns, e.linkFailures)
	return e
}

func nodeLabel(id model.NodeID) string { return strconv.FormatUint(uint64(id), 10) }

// ObserveSample records the latest sample of a node.
func (e *Exporter) ObserveSample(name string, s model.StatSample) {
	id := nodeLabel(s.NodeID)
	e.load.WithLabelValues(id, name).Set(s.Load)
	e.wait.WithLabelValues(id, name).Set(s.Wait)
	e.quantum.WithLabelValues(id, name).Set(float64(s.Quantum))
	e.rate.WithLabelValues(id, name).Set(float64(s.Rate))
	e.xruns.WithLabelValues(id, name).Set(float64(s.Xruns))
}

func (e *Exporter) SetStatus(id model.NodeID, name string, status model.StatsStatus) {
	v := 0.0
	if status == model.StatsAvailable {
		v = 1
	}
	e.available.WithLabelValues(nodeLabel(id), name).Set(v)
}

// Forget drops every series of a node that left the graph.
func (e *Exporter) Forget(id model.NodeID) {
	match := prometheus.Labels{"node_id": nodeLabel(id)}
	for _, v := range []*prometheus.GaugeVec{e.load, e.wait, e.quantum, e.rate, e.xruns, e.available} {
		v.DeletePartialMatch(match)
	}
}

// ObserveProbe records a finished measurement.
func (e *Exporter) ObserveProbe(m model.LatencyMeasurement) {
	e.probeRuns.WithLabelValues(m.Status.String()).Inc()
	if m.Status == model.ProbeDone {
		e.probeLatency.Set(m.Latency.Seconds())
	}
}

func (e *Exporter) LinkFailed() { e.linkFailures.Inc() }

// Register adds extra collectors, such as process metrics, to the registry.
func (e *Exporter) Register(cs ...prometheus.Collector) {
	e.reg.MustRegister(cs...)
}

func (e *Exporter) Registry() *prometheus.Registry { return e.reg }

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{})
}
