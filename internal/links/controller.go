// Package links validates and issues link and unlink requests.
//
// A connect request is reflected in the graph immediately as a pending link
// so the UI can draw it, then reconciled once the server confirms it through
// the normal change stream. Unconfirmed requests are rolled back after a
// timeout.
package links

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"cablectl/internal/events"
	"cablectl/internal/graph"
	"cablectl/internal/model"
)

// Server is the subset of server capabilities the controller needs.
type Server interface {
	RequestLink(ctx context.Context, out, in model.PortID) error
	RequestUnlink(ctx context.Context, id model.LinkID) error
}

// Writer serializes graph writes with the server change stream.
type Writer interface {
	Submit(ctx context.Context, diffs ...graph.Diff) ([]graph.Diff, error)
	Store() *graph.Store
}

// DefaultConfirmationTimeout bounds how long a pending link waits for the
// server to confirm it.
const DefaultConfirmationTimeout = 3 * time.Second

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

func WithBroker(b *events.Broker) Option {
	return func(c *Controller) { c.broker = b }
}

func WithConfirmationTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

type Controller struct {
	srv     Server
	w       Writer
	log     *slog.Logger
	broker  *events.Broker
	timeout time.Duration

	nextID atomic.Uint32

	mu       sync.Mutex
	inflight map[model.Pair]*Pending
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func New(srv Server, w Writer, opts ...Option) *Controller {
	c := &Controller{
		srv:      srv,
		w:        w,
		log:      slog.Default(),
		timeout:  DefaultConfirmationTimeout,
		inflight: map[model.Pair]*Pending{},
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pending tracks one connect request until the server confirms or the
// request fails.
type Pending struct {
	RequestID string
	Pair      model.Pair

	done chan struct{}
	link model.Link
	err  error
}

// Done is closed once the request is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err returns the failure, if any, after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Link returns the confirmed server link after Done is closed.
func (p *Pending) Link() model.Link {
	select {
	case <-p.done:
		return p.link
	default:
		return model.Link{}
	}
}

// Wait blocks until the request resolves or ctx ends.
func (p *Pending) Wait(ctx context.Context) (model.Link, error) {
	select {
	case <-p.done:
		return p.link, p.err
	case <-ctx.Done():
		return model.Link{}, ctx.Err()
	}
}

// Connect requests a link from out to in. Validation failures are returned
// synchronously without contacting the server. On success the returned
// Pending resolves once the server confirms the link or the confirmation
// timeout expires.
func (c *Controller) Connect(ctx context.Context, out, in model.PortID) (*Pending, error) {
	pair := model.Pair{Output: out, Input: in}
	snap := c.w.Store().Snapshot()
	if snap.Stale {
		return nil, model.Errorf(model.CodeServerUnavailable, "graph is stale until the server reconnects")
	}
	op, ok := snap.Port(out)
	if !ok {
		return nil, model.Errorf(model.CodeUnknownObject, "output port %d not found", out)
	}
	ip, ok := snap.Port(in)
	if !ok {
		return nil, model.Errorf(model.CodeUnknownObject, "input port %d not found", in)
	}
	if err := graph.CheckEndpoints(op, ip); err != nil {
		return nil, err
	}
	if l, ok := snap.FindLink(out, in); ok {
		return nil, model.Errorf(model.CodeDuplicateLink, "%d->%d already linked by %d (%s)", out, in, l.ID, l.State)
	}

	p := &Pending{RequestID: uuid.NewString(), Pair: pair, done: make(chan struct{})}
	c.mu.Lock()
	if _, busy := c.inflight[pair]; busy {
		c.mu.Unlock()
		return nil, model.Errorf(model.CodeDuplicateLink, "%d->%d already requested", out, in)
	}
	c.inflight[pair] = p
	c.mu.Unlock()

	pendingID := model.PendingLinkBase + model.LinkID(c.nextID.Add(1)-1)
	optimistic := model.Link{ID: pendingID, Output: out, Input: in, State: model.LinkPending, RequestID: p.RequestID}
	if _, err := c.w.Submit(ctx, graph.AddLink(optimistic)); err != nil {
		// The apply loop may still commit the entry after ctx ends.
		c.rollback(pendingID)
		c.release(pair)
		return nil, err
	}

	if err := c.srv.RequestLink(ctx, out, in); err != nil {
		c.rollback(pendingID)
		c.release(pair)
		if model.CodeOf(err) == "" {
			err = model.Wrap(model.CodeLinkRejected, err, "link request failed")
		}
		return nil, err
	}
	c.log.Debug("link requested", "out", out, "in", in, "request_id", p.RequestID)

	c.wg.Add(1)
	go c.watch(p, pendingID)
	return p, nil
}

func (c *Controller) watch(p *Pending, pendingID model.LinkID) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	snap, err := c.w.Store().WaitFor(ctx, func(s *graph.Snapshot) bool {
		l, ok := s.FindLink(p.Pair.Output, p.Pair.Input)
		if ok && l.State == model.LinkActive {
			return true
		}
		// Either endpoint disappearing ends the wait early; the rollback is
		// then a no-op.
		_, pending := s.Link(pendingID)
		return !pending
	})
	if err == nil {
		if l, ok := snap.FindLink(p.Pair.Output, p.Pair.Input); ok && l.State == model.LinkActive {
			p.link = l
			c.release(p.Pair)
			close(p.done)
			return
		}
		err = model.Errorf(model.CodeLinkRejected, "%d->%d removed before confirmation", p.Pair.Output, p.Pair.Input)
	} else {
		err = model.Errorf(model.CodeLinkConfirmationTimeout, "%d->%d not confirmed within %s", p.Pair.Output, p.Pair.Input, c.timeout)
	}

	c.rollback(pendingID)
	c.release(p.Pair)
	p.err = err
	close(p.done)
	c.log.Warn("link request failed", "out", p.Pair.Output, "in", p.Pair.Input, "err", err)
	if c.broker != nil {
		c.broker.Publish(events.Event{Kind: events.LinkFailed, Link: &events.LinkFailure{
			Output:    p.Pair.Output,
			Input:     p.Pair.Input,
			RequestID: p.RequestID,
			Code:      model.CodeOf(err),
			Error:     err.Error(),
		}})
	}
}

func (c *Controller) rollback(pendingID model.LinkID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.w.Submit(ctx, graph.RemoveLink(pendingID)); err != nil {
		c.log.Warn("pending link rollback failed", "link", pendingID, "err", err)
	}
}

func (c *Controller) release(pair model.Pair) {
	c.mu.Lock()
	delete(c.inflight, pair)
	c.mu.Unlock()
}

// Disconnect asks the server to remove a link. The graph is left untouched
// until the server confirms the removal.
func (c *Controller) Disconnect(ctx context.Context, id model.LinkID) error {
	if id.IsPending() {
		return model.Errorf(model.CodeUnknownObject, "link %d is still pending", id)
	}
	l, ok := c.w.Store().Snapshot().Link(id)
	if !ok {
		return model.Errorf(model.CodeUnknownObject, "link %d not found", id)
	}
	if err := c.srv.RequestUnlink(ctx, l.ID); err != nil {
		if model.CodeOf(err) == "" {
			err = model.Wrap(model.CodeLinkRejected, err, "unlink request failed")
		}
		return err
	}
	c.log.Debug("unlink requested", "link", id)
	return nil
}

// DisconnectAndWait disconnects and blocks until the removal is visible in
// the graph.
func (c *Controller) DisconnectAndWait(ctx context.Context, id model.LinkID) error {
	if err := c.Disconnect(ctx, id); err != nil {
		return err
	}
	_, err := c.w.Store().WaitFor(ctx, func(s *graph.Snapshot) bool {
		_, ok := s.Link(id)
		return !ok
	})
	return err
}

// DisconnectPort removes every established link touching a port and returns
// the ids it requested removal for.
func (c *Controller) DisconnectPort(ctx context.Context, port model.PortID) ([]model.LinkID, error) {
	snap := c.w.Store().Snapshot()
	if _, ok := snap.Port(port); !ok {
		return nil, model.Errorf(model.CodeUnknownObject, "port %d not found", port)
	}
	return c.disconnectAll(ctx, snap.LinksOf(port))
}

// DisconnectNode removes every established link touching any port of node.
func (c *Controller) DisconnectNode(ctx context.Context, node model.NodeID) ([]model.LinkID, error) {
	snap := c.w.Store().Snapshot()
	if _, ok := snap.Node(node); !ok {
		return nil, model.Errorf(model.CodeUnknownObject, "node %d not found", node)
	}
	seen := map[model.LinkID]bool{}
	var all []model.Link
	for _, p := range snap.PortsOf(node) {
		for _, l := range snap.LinksOf(p.ID) {
			if !seen[l.ID] {
				seen[l.ID] = true
				all = append(all, l)
			}
		}
	}
	return c.disconnectAll(ctx, all)
}

func (c *Controller) disconnectAll(ctx context.Context, ls []model.Link) ([]model.LinkID, error) {
	var (
		ids  []model.LinkID
		errs []error
	)
	for _, l := range ls {
		if l.ID.IsPending() {
			continue
		}
		if err := c.Disconnect(ctx, l.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, l.ID)
	}
	return ids, multierr.Combine(errs...)
}

// Close stops confirmation watchers. Outstanding pending links are rolled
// back as timed out.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}
