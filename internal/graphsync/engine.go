// Package graphsync keeps a graph.Store in line with the server.
//
// One goroutine, the apply loop, owns every write to the store: server
// updates, optimistic diffs submitted by the link controller and the stale
// flag all travel through a single bounded queue and are applied in order.
package graphsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cablectl/internal/events"
	"cablectl/internal/graph"
	"cablectl/internal/model"
)

// Source is the server side of synchronization.
type Source interface {
	Enumerate(ctx context.Context) (graph.Enumeration, error)
	Subscribe(ctx context.Context, out chan<- graph.Update) error
}

type Mode string

const (
	ModeMonitor Mode = "monitor"
	ModePoll    Mode = "poll"
)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type Config struct {
	Mode           Mode
	PollInterval   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	QueueSize      int
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeMonitor
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 250 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = 10 * time.Second
		if c.BackoffMax < c.BackoffInitial {
			c.BackoffMax = c.BackoffInitial
		}
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithBroker publishes ConnectionChanged events.
func WithBroker(b *events.Broker) Option {
	return func(e *Engine) { e.broker = b }
}

type op struct {
	update *graph.Update
	stale  *bool
	reply  chan result
}

type result struct {
	applied []graph.Diff
	err     error
}

// ErrStopped is returned by Submit once the engine has shut down.
var ErrStopped = errors.New("graph sync engine stopped")

type Engine struct {
	store  *graph.Store
	src    Source
	cfg    Config
	log    *slog.Logger
	broker *events.Broker

	ops     chan op
	stopped chan struct{}

	mu     sync.RWMutex
	state  State
	reason string
}

func New(store *graph.Store, src Source, cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		store:   store,
		src:     src,
		cfg:     cfg,
		log:     slog.Default(),
		ops:     make(chan op, cfg.QueueSize),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Store() *graph.Store { return e.store }

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) Connected() bool { return e.State() == StateConnected }

// Run synchronizes until ctx ends. It returns nil on cancellation.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.applyLoop(gctx) })
	g.Go(func() error { return e.connectLoop(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Submit applies diffs through the apply loop, in order with server updates,
// and returns the effective changes. The first rejected diff is returned as
// the error; the others still apply.
func (e *Engine) Submit(ctx context.Context, diffs ...graph.Diff) ([]graph.Diff, error) {
	o := op{update: &graph.Update{Diffs: diffs}, reply: make(chan result, 1)}
	if err := e.enqueue(ctx, o); err != nil {
		return nil, err
	}
	select {
	case r := <-o.reply:
		return r.applied, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopped:
		return nil, ErrStopped
	}
}

func (e *Engine) enqueue(ctx context.Context, o op) error {
	select {
	case e.ops <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
}

func (e *Engine) applyLoop(ctx context.Context) error {
	for {
		select {
		case o := <-e.ops:
			e.apply(o)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) apply(o op) {
	var r result
	if o.update != nil {
		var errs []error
		r.applied, errs = e.store.ApplyUpdate(*o.update)
		if len(errs) > 0 {
			r.err = errs[0]
		}
	}
	if o.stale != nil {
		e.store.SetStale(*o.stale)
	}
	if o.reply != nil {
		o.reply <- r
	}
}

func (e *Engine) connectLoop(ctx context.Context) error {
	backoff := e.cfg.BackoffInitial
	for {
		established, err := e.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			backoff = e.cfg.BackoffInitial
		}
		e.setState(StateDisconnected, err)
		stale := true
		if err := e.enqueue(ctx, op{stale: &stale}); err != nil {
			return err
		}
		e.log.Warn("pipewire connection lost", "err", err, "retry_in", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		backoff *= 2
		if backoff > e.cfg.BackoffMax {
			backoff = e.cfg.BackoffMax
		}
		e.setState(StateConnecting, nil)
	}
}

// session runs one connection until it breaks. established reports whether
// at least one full resync was applied.
func (e *Engine) session(ctx context.Context) (established bool, err error) {
	if e.cfg.Mode == ModePoll {
		return e.pollSession(ctx)
	}
	return e.monitorSession(ctx)
}

func (e *Engine) monitorSession(ctx context.Context) (bool, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := make(chan graph.Update, e.cfg.QueueSize)
	errc := make(chan error, 1)
	go func() { errc <- e.src.Subscribe(sctx, updates) }()

	established := false
	forward := func(u graph.Update) error {
		if err := e.enqueue(ctx, op{update: &u}); err != nil {
			return err
		}
		if u.Resync != nil {
			e.markFresh(ctx)
			established = true
		}
		return nil
	}
	for {
		select {
		case u := <-updates:
			if err := forward(u); err != nil {
				return established, err
			}
		case err := <-errc:
			for len(updates) > 0 {
				if ferr := forward(<-updates); ferr != nil {
					return established, ferr
				}
			}
			if err == nil {
				err = model.Errorf(model.CodeServerUnavailable, "change stream ended")
			}
			return established, err
		case <-ctx.Done():
			return established, ctx.Err()
		}
	}
}

func (e *Engine) pollSession(ctx context.Context) (bool, error) {
	established := false
	t := time.NewTicker(e.cfg.PollInterval)
	defer t.Stop()
	for {
		en, err := e.src.Enumerate(ctx)
		if err != nil {
			return established, err
		}
		if err := e.enqueue(ctx, op{update: &graph.Update{Resync: &en}}); err != nil {
			return established, err
		}
		if !established {
			e.markFresh(ctx)
			established = true
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return established, ctx.Err()
		}
	}
}

func (e *Engine) markFresh(ctx context.Context) {
	if e.State() == StateConnected {
		return
	}
	fresh := false
	_ = e.enqueue(ctx, op{stale: &fresh})
	e.setState(StateConnected, nil)
	e.log.Info("pipewire graph synchronized", "mode", string(e.cfg.Mode))
}

func (e *Engine) setState(s State, cause error) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.reason = ""
	if cause != nil {
		e.reason = cause.Error()
	}
	reason := e.reason
	e.mu.Unlock()

	wasUp, isUp := prev == StateConnected, s == StateConnected
	if wasUp == isUp || e.broker == nil {
		return
	}
	e.broker.Publish(events.Event{Kind: events.ConnectionChanged, Connection: &events.Connection{Connected: isUp, Reason: reason}})
}

// Reason returns why the last connection ended, if it did.
func (e *Engine) Reason() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reason
}
