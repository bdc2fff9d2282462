// Package probe runs round-trip latency measurements through a physical
// loopback. A run wires the measurement utility between a source node and a
// sink node, reads the utility's result and always tears the wiring down
// again before it reports a terminal state.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"cablectl/internal/events"
	"cablectl/internal/graph"
	"cablectl/internal/links"
	"cablectl/internal/loopback"
	"cablectl/internal/metrics"
	"cablectl/internal/model"
)

type BusyPolicy string

const (
	BusyReject BusyPolicy = "reject"
	BusyCancel BusyPolicy = "cancel"
)

type Config struct {
	ProvisionTimeout   time.Duration
	MeasurementTimeout time.Duration
	TeardownTimeout    time.Duration
	BusyPolicy         BusyPolicy
}

func (c *Config) applyDefaults() {
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 5 * time.Second
	}
	if c.MeasurementTimeout <= 0 {
		c.MeasurementTimeout = 10 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 3 * time.Second
	}
	if c.BusyPolicy == "" {
		c.BusyPolicy = BusyReject
	}
}

// Linker issues the probe's link requests.
type Linker interface {
	Connect(ctx context.Context, out, in model.PortID) (*links.Pending, error)
	DisconnectAndWait(ctx context.Context, id model.LinkID) error
}

// Recorder persists finished measurements.
type Recorder interface {
	Record(ctx context.Context, m model.LatencyMeasurement) error
}

type Option func(*Probe)

func WithLogger(l *slog.Logger) Option { return func(p *Probe) { p.log = l } }

func WithBroker(b *events.Broker) Option { return func(p *Probe) { p.broker = b } }

func WithExporter(e *metrics.Exporter) Option { return func(p *Probe) { p.exporter = e } }

func WithRecorder(r Recorder) Option { return func(p *Probe) { p.recorder = r } }

// WithConnected makes Start fail fast while the server is unreachable.
func WithConnected(fn func() bool) Option { return func(p *Probe) { p.connected = fn } }

var errAborted = errors.New("probe aborted")

type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type Probe struct {
	measurer loopback.Measurer
	linker   Linker
	store    *graph.Store
	cfg      Config

	log       *slog.Logger
	broker    *events.Broker
	exporter  *metrics.Exporter
	recorder  Recorder
	connected func() bool

	mu  sync.Mutex
	cur model.LatencyMeasurement
	run *run
}

func New(measurer loopback.Measurer, linker Linker, store *graph.Store, cfg Config, opts ...Option) *Probe {
	cfg.applyDefaults()
	p := &Probe{
		measurer: measurer,
		linker:   linker,
		store:    store,
		cfg:      cfg,
		log:      slog.Default(),
		cur:      model.LatencyMeasurement{Status: model.ProbeIdle},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins a measurement from source's output to sink's input. The
// returned measurement is in Provisioning; follow it with Current, Wait or
// ProbeChanged events.
func (p *Probe) Start(ctx context.Context, source, sink model.NodeID) (model.LatencyMeasurement, error) {
	if p.connected != nil && !p.connected() {
		return model.LatencyMeasurement{}, model.Errorf(model.CodeServerUnavailable, "not connected to pipewire")
	}
	snap := p.store.Snapshot()
	if _, ok := snap.Node(source); !ok {
		return model.LatencyMeasurement{}, model.Errorf(model.CodeUnknownObject, "source node %d not found", source)
	}
	if _, ok := snap.Node(sink); !ok {
		return model.LatencyMeasurement{}, model.Errorf(model.CodeUnknownObject, "sink node %d not found", sink)
	}

	p.mu.Lock()
	for p.run != nil {
		if p.cfg.BusyPolicy != BusyCancel {
			p.mu.Unlock()
			return model.LatencyMeasurement{}, model.Errorf(model.CodeProbeBusy, "measurement %s is %s", p.cur.RunID, p.cur.Status)
		}
		r := p.run
		p.mu.Unlock()
		r.cancel(errAborted)
		select {
		case <-r.done:
		case <-ctx.Done():
			return model.LatencyMeasurement{}, ctx.Err()
		}
		p.mu.Lock()
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	p.run = r
	p.cur = model.LatencyMeasurement{
		RunID:     uuid.NewString(),
		Source:    source,
		Sink:      sink,
		Status:    model.ProbeProvisioning,
		StartedAt: time.Now().UTC(),
	}
	m := p.cur
	p.mu.Unlock()

	p.publish(m)
	p.log.Info("latency probe started", "run", m.RunID, "source", source, "sink", sink)
	go p.execute(runCtx, r, m)
	return m, nil
}

// Current returns the latest measurement state.
func (p *Probe) Current() model.LatencyMeasurement {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// Wait blocks until the in-flight run, if any, reaches a terminal state.
func (p *Probe) Wait(ctx context.Context) (model.LatencyMeasurement, error) {
	p.mu.Lock()
	r := p.run
	p.mu.Unlock()
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return p.Current(), ctx.Err()
		}
	}
	return p.Current(), nil
}

// Abort cancels the in-flight run. It reports whether there was one.
func (p *Probe) Abort() bool {
	p.mu.Lock()
	r := p.run
	p.mu.Unlock()
	if r == nil {
		return false
	}
	r.cancel(errAborted)
	return true
}

// Dismiss returns a terminal probe to Idle.
func (p *Probe) Dismiss() error {
	p.mu.Lock()
	if p.run != nil {
		status := p.cur.Status
		p.mu.Unlock()
		return model.Errorf(model.CodeProbeBusy, "measurement is %s", status)
	}
	if p.cur.Status == model.ProbeIdle {
		p.mu.Unlock()
		return nil
	}
	p.cur = model.LatencyMeasurement{Status: model.ProbeIdle}
	m := p.cur
	p.mu.Unlock()
	p.publish(m)
	return nil
}

// Close aborts the in-flight run and waits for its teardown.
func (p *Probe) Close() {
	p.mu.Lock()
	r := p.run
	p.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel(errAborted)
	<-r.done
}

type wiring struct {
	sess    loopback.Session
	node    model.NodeID
	pending []*links.Pending
}

func (p *Probe) execute(ctx context.Context, r *run, m model.LatencyMeasurement) {
	w := &wiring{}
	var raw string
	err := p.provision(ctx, m, w)
	if err == nil {
		p.transition(&m, model.ProbeMeasuring)
		raw, err = p.measure(ctx, w.sess)
	}
	if err == nil {
		p.transition(&m, model.ProbeComputing)
		m.Latency, err = loopback.ParseDelay(raw)
		if err != nil {
			err = model.Wrap(model.CodeUnparseableResult, err, "cannot read utility output")
		}
	}
	m.RawOutput = raw

	if terr := p.teardown(w); terr != nil {
		p.log.Warn("latency probe teardown incomplete", "run", m.RunID, "err", terr)
	}

	m.FinishedAt = time.Now().UTC()
	if err != nil {
		m.Status = model.ProbeFailed
		m.ErrorCode = model.CodeOf(err)
		m.Error = err.Error()
		p.log.Warn("latency probe failed", "run", m.RunID, "err", err)
	} else {
		m.Status = model.ProbeDone
		p.log.Info("latency probe finished", "run", m.RunID, "latency", m.Latency)
	}
	p.finish(r, m)
}

// provision launches the utility, waits for its ports and wires them into the
// loopback path.
func (p *Probe) provision(ctx context.Context, m model.LatencyMeasurement, w *wiring) error {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProvisionTimeout)
	defer cancel()

	err := p.wire(ctx, pctx, m, w)
	switch {
	case err == nil:
		return nil
	case context.Cause(ctx) == errAborted:
		return model.Errorf(model.CodeProbeCancelled, "aborted while provisioning")
	case errors.Is(pctx.Err(), context.DeadlineExceeded), errors.Is(err, model.ErrLinkConfirmationTimeout):
		return model.Wrap(model.CodeProvisioningTimedOut, err, fmt.Sprintf("loopback not ready within %s", p.cfg.ProvisionTimeout))
	}
	return err
}

func (p *Probe) wire(ctx, pctx context.Context, m model.LatencyMeasurement, w *wiring) error {
	sess, err := p.measurer.Launch(ctx)
	if err != nil {
		return err
	}
	w.sess = sess

	name := sess.NodeName()
	snap, err := p.store.WaitFor(pctx, func(s *graph.Snapshot) bool {
		n, ok := s.NodeByName(name)
		if !ok {
			return false
		}
		_, outOK := firstPort(s, n.ID, model.DirectionOutput)
		_, inOK := firstPort(s, n.ID, model.DirectionInput)
		return outOK && inOK
	})
	if err != nil {
		if n, ok := p.store.Snapshot().NodeByName(name); ok {
			w.node = n.ID
		}
		return err
	}
	tool, _ := snap.NodeByName(name)
	w.node = tool.ID

	toolOut, _ := firstPort(snap, tool.ID, model.DirectionOutput)
	toolIn, _ := firstPort(snap, tool.ID, model.DirectionInput)
	srcOut, ok := firstPort(snap, m.Source, model.DirectionOutput)
	if !ok {
		return model.Errorf(model.CodeIncompatibleEndpoints, "source node %d has no audio output", m.Source)
	}
	sinkIn, ok := firstPort(snap, m.Sink, model.DirectionInput)
	if !ok {
		return model.Errorf(model.CodeIncompatibleEndpoints, "sink node %d has no audio input", m.Sink)
	}

	for _, pair := range []model.Pair{{Output: toolOut, Input: sinkIn}, {Output: srcOut, Input: toolIn}} {
		pending, err := p.linker.Connect(pctx, pair.Output, pair.Input)
		if err != nil {
			return err
		}
		w.pending = append(w.pending, pending)
		if _, err := pending.Wait(pctx); err != nil {
			return err
		}
	}
	return nil
}

func firstPort(s *graph.Snapshot, node model.NodeID, dir model.Direction) (model.PortID, bool) {
	for _, port := range s.PortsOf(node) {
		if port.Direction == dir && port.Media == model.MediaAudio {
			return port.ID, true
		}
	}
	return 0, false
}

func (p *Probe) measure(ctx context.Context, sess loopback.Session) (string, error) {
	mctx, cancel := context.WithTimeout(ctx, p.cfg.MeasurementTimeout)
	defer cancel()

	raw, err := sess.Result(mctx)
	switch {
	case err == nil:
		return raw, nil
	case context.Cause(ctx) == errAborted:
		return raw, model.Errorf(model.CodeProbeCancelled, "aborted while measuring")
	case errors.Is(mctx.Err(), context.DeadlineExceeded):
		return raw, model.Errorf(model.CodeMeasurementTimedOut, "no reading within %s", p.cfg.MeasurementTimeout)
	case model.CodeOf(err) == "":
		return raw, model.Wrap(model.CodeMeasurementFailed, err, "measurement utility failed")
	}
	return raw, err
}

// teardown removes the probe links and stops the utility, then waits until
// the graph no longer shows either.
func (p *Probe) teardown(w *wiring) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TeardownTimeout)
	defer cancel()

	var (
		err error
		ids []model.LinkID
	)
	for _, pending := range w.pending {
		// A request still in flight may yet be confirmed and must not be
		// left behind.
		l, lerr := pending.Wait(ctx)
		if lerr != nil {
			continue
		}
		ids = append(ids, l.ID)
		if derr := p.linker.DisconnectAndWait(ctx, l.ID); derr != nil && !errors.Is(derr, model.ErrUnknownObject) {
			err = multierr.Append(err, fmt.Errorf("unlink %d: %w", l.ID, derr))
		}
	}
	if w.sess != nil {
		err = multierr.Append(err, w.sess.Close())
	}
	if w.node == 0 {
		return err
	}
	_, werr := p.store.WaitFor(ctx, func(s *graph.Snapshot) bool {
		for _, id := range ids {
			if _, ok := s.Link(id); ok {
				return false
			}
		}
		_, ok := s.Node(w.node)
		return !ok
	})
	if werr != nil {
		err = multierr.Append(err, fmt.Errorf("teardown not confirmed: %w", werr))
	}
	return err
}

func (p *Probe) transition(m *model.LatencyMeasurement, status model.ProbeStatus) {
	m.Status = status
	p.mu.Lock()
	p.cur = *m
	p.mu.Unlock()
	p.publish(*m)
}

func (p *Probe) finish(r *run, m model.LatencyMeasurement) {
	if p.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.recorder.Record(ctx, m); err != nil {
			p.log.Warn("probe history write failed", "run", m.RunID, "err", err)
		}
		cancel()
	}
	if p.exporter != nil {
		p.exporter.ObserveProbe(m)
	}

	p.mu.Lock()
	p.cur = m
	p.run = nil
	p.mu.Unlock()
	r.cancel(nil)
	close(r.done)
	p.publish(m)
}

func (p *Probe) publish(m model.LatencyMeasurement) {
	if p.broker == nil {
		return
	}
	p.broker.Publish(events.Event{Kind: events.ProbeChanged, Time: time.Now().UTC(), Probe: &m})
}
