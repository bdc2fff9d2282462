// Package daemon wires the graph engine, link control, telemetry, latency
// probe and control API together and supervises their loops.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"cablectl/internal/config"
	"cablectl/internal/controller"
	"cablectl/internal/events"
	"cablectl/internal/execx"
	"cablectl/internal/graph"
	"cablectl/internal/graphsync"
	"cablectl/internal/links"
	"cablectl/internal/loopback"
	"cablectl/internal/metrics"
	"cablectl/internal/pipewire"
	"cablectl/internal/probe"
	"cablectl/internal/settings"
	"cablectl/internal/stats"
	"cablectl/internal/store"
)

// historyKeep bounds the persisted measurement history.
const historyKeep = 1000

// Backend is everything the daemon needs from the media server.
type Backend interface {
	graphsync.Source
	links.Server
	stats.Sampler
	loopback.Measurer
}

type pipewireBackend struct {
	*pipewire.Client
	delay *pipewire.IODelay
}

func (b pipewireBackend) Launch(ctx context.Context) (loopback.Session, error) {
	return b.delay.Launch(ctx)
}

type options struct {
	log       *slog.Logger
	backend   Backend
	runner    execx.Runner
	listener  net.Listener
	minimized bool
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithBackend replaces the PipeWire command line backend.
func WithBackend(b Backend) Option { return func(o *options) { o.backend = b } }

// WithRunner sets the runner used by the settings bridge and the default
// backend.
func WithRunner(r execx.Runner) Option { return func(o *options) { o.runner = r } }

// WithListener serves the control API on ln instead of daemon.listen.
func WithListener(ln net.Listener) Option { return func(o *options) { o.listener = ln } }

// WithMinimized records that the daemon was started minimized. There is no
// tray; the flag is only logged.
func WithMinimized(v bool) Option { return func(o *options) { o.minimized = v } }

// NewLogger builds the daemon's text logger at the configured level.
func NewLogger(level string, w io.Writer) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
}

// Run starts every loop and blocks until ctx ends or one of them fails.
func Run(ctx context.Context, cfg config.Config, opts ...Option) error {
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log
	if log == nil {
		log = NewLogger(cfg.Daemon.LogLevel, os.Stderr)
	}
	if o.runner == nil {
		o.runner = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	if o.backend == nil {
		pw := pipewire.NewClient(o.runner, pipewire.WithLogger(log))
		o.backend = pipewireBackend{Client: pw, delay: pw.IODelay(cfg.Probe.Command, cfg.Probe.NodeName)}
	}
	if o.minimized {
		log.Info("started minimized; no tray is available, continuing in the background")
	}
	if err := os.MkdirAll(cfg.Daemon.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	broker := events.NewBroker(cfg.Daemon.EventBuffer, log)
	defer broker.Close()
	exporter := metrics.NewExporter()

	gs := graph.NewStore(
		graph.WithLogger(log),
		graph.WithCommitHook(func(c graph.Commit) { broker.Publish(events.FromCommit(c)) }),
	)
	eng := graphsync.New(gs, o.backend, graphsync.Config{
		Mode:           graphsync.Mode(cfg.Daemon.SyncMode),
		PollInterval:   config.Millis(cfg.Daemon.PollIntervalMS),
		BackoffInitial: config.Millis(cfg.Daemon.BackoffInitialMS),
		BackoffMax:     config.Millis(cfg.Daemon.BackoffMaxMS),
	}, graphsync.WithLogger(log), graphsync.WithBroker(broker))

	exporter.Register(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cablectl", Name: "pipewire_connected",
			Help: "1 while the graph is synchronized with the server.",
		}, func() float64 {
			if eng.Connected() {
				return 1
			}
			return 0
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "cablectl", Name: "events_dropped_total",
			Help: "Events that did not fit a subscriber buffer.",
		}, func() float64 { return float64(broker.Dropped()) }),
	)

	ctl := links.New(o.backend, eng,
		links.WithLogger(log),
		links.WithBroker(broker),
		links.WithConfirmationTimeout(config.Millis(cfg.Links.ConfirmationTimeoutMS)),
	)
	monitor := stats.New(o.backend, gs, stats.Config{
		Interval:         config.Millis(cfg.Stats.IntervalMS),
		History:          cfg.Stats.History,
		UnavailableAfter: cfg.Stats.UnavailableAfter,
		CSVPath:          cfg.Stats.MetricsPath,
	},
		stats.WithLogger(log),
		stats.WithBroker(broker),
		stats.WithExporter(exporter),
		stats.WithConnected(eng.Connected),
	)

	history, err := store.Open(cfg.Probe.HistoryPath)
	if err != nil {
		return err
	}
	defer history.Close()
	if n, err := history.Prune(ctx, historyKeep); err != nil {
		log.Warn("measurement history prune failed", "err", err)
	} else if n > 0 {
		log.Info("measurement history pruned", "removed", n)
	}

	prb := probe.New(o.backend, ctl, gs, probe.Config{
		ProvisionTimeout:   config.Millis(cfg.Probe.ProvisionTimeoutMS),
		MeasurementTimeout: config.Millis(cfg.Probe.MeasurementTimeoutMS),
		BusyPolicy:         probe.BusyPolicy(cfg.Probe.BusyPolicy),
	},
		probe.WithLogger(log),
		probe.WithBroker(broker),
		probe.WithExporter(exporter),
		probe.WithRecorder(history),
		probe.WithConnected(eng.Connected),
	)

	srv := controller.NewServer(cfg.Daemon.Listen, controller.Deps{
		Engine:   eng,
		Links:    ctl,
		Stats:    monitor,
		Probe:    prb,
		Broker:   broker,
		History:  history,
		Settings: settings.New(o.runner, settings.WithLogger(log)),
		Exporter: exporter,
		Logger:   log,
	})

	// The engine outlives the other loops so a running probe can still tear
	// its links down during shutdown.
	engCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := eng.Run(engCtx)
		if err == nil && gctx.Err() == nil {
			err = errors.New("graph sync stopped")
		}
		return err
	})
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error {
		if o.listener != nil {
			return srv.Serve(gctx, o.listener)
		}
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		countLinkFailures(gctx, broker, exporter)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		prb.Close()
		ctl.Close()
		stopEngine()
		return nil
	})

	log.Info("daemon started", "listen", cfg.Daemon.Listen, "sync_mode", cfg.Daemon.SyncMode, "data_dir", cfg.Daemon.DataDir)
	err = g.Wait()
	log.Info("daemon stopped", "err", err)
	return err
}

func countLinkFailures(ctx context.Context, broker *events.Broker, exporter *metrics.Exporter) {
	sub := broker.Subscribe(events.LinkFailed)
	defer sub.Close()
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
			exporter.LinkFailed()
		case <-ctx.Done():
			return
		}
	}
}
