package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/chazu/facet/pkg/document"
	"github.com/chazu/facet/pkg/tessellate"
)

// State is the dispatcher's registration state.
type State int

const (
	StateUnregistered State = iota
	StateRegistering
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type flight struct {
	id      string
	version uint64
	cancel  context.CancelFunc
}

// Dispatcher feeds one view's snapshots to the default backend. At most
// one LOAD_FILE is in flight; while it runs, newer snapshots replace each
// other in a single pending slot and the newest is sent when the reply
// arrives. Nothing is queued beyond that slot.
type Dispatcher struct {
	worker  *Backend
	preempt bool
	log     *slog.Logger

	replies chan Message
	results chan Message

	mu       sync.Mutex
	ctx      context.Context
	state    State
	inflight *flight
	pending  *document.Snapshot
	waiters  map[string]chan Message
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPreemption cancels the in-flight request's context when a newer
// snapshot arrives. The backend stops at its next checkpoint and the
// canceled reply is dropped.
func WithPreemption() DispatcherOption {
	return func(d *Dispatcher) { d.preempt = true }
}

// WithDispatcherLogger sets the dispatcher's logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// NewDispatcher returns an unregistered dispatcher for w.
func NewDispatcher(w *Backend, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		worker:  w,
		log:     slog.Default(),
		replies: make(chan Message, 16),
		results: make(chan Message, 1),
		waiters: make(map[string]chan Message),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Results delivers DISPLAY_SHAPE replies. Only the newest undelivered
// reply is kept; the channel closes when the dispatcher's context ends.
func (d *Dispatcher) Results() <-chan Message { return d.results }

// State returns the registration state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start registers with the worker and begins processing replies.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateUnregistered {
		d.mu.Unlock()
		return fmt.Errorf("worker: dispatcher already %s", d.state)
	}
	d.ctx = ctx
	d.state = StateRegistering
	d.mu.Unlock()

	go d.loop(ctx)
	if err := d.worker.Send(ctx, Request{Action: ActionRegister}, d.replies); err != nil {
		return fmt.Errorf("worker: register with %s: %w", d.worker.name, err)
	}
	return nil
}

// Submit hands the newest snapshot to the dispatcher. It never blocks on
// tessellation. Snapshots older than the pending one are ignored.
func (d *Dispatcher) Submit(snap *document.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending != nil && snap.Version < d.pending.Version {
		return
	}
	if d.state != StateReady || d.inflight != nil {
		d.pending = snap
		if d.preempt && d.inflight != nil && snap.Version > d.inflight.version {
			d.log.Debug("worker: preempting in-flight request",
				slog.Uint64("inflight", d.inflight.version), slog.Uint64("newer", snap.Version))
			d.inflight.cancel()
		}
		return
	}
	d.sendLocked(snap)
}

func (d *Dispatcher) sendLocked(snap *document.Snapshot) {
	ctx, cancel := context.WithCancel(d.ctx)
	f := &flight{id: uuid.NewString(), version: snap.Version, cancel: cancel}
	req := Request{ID: f.id, Action: ActionLoadFile, Version: snap.Version, Snapshot: snap}
	if err := d.worker.Send(ctx, req, d.replies); err != nil {
		cancel()
		d.log.Warn("worker: load file not sent", slog.Uint64("version", snap.Version), slog.String("error", err.Error()))
		return
	}
	d.inflight = f
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.results)
	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			if d.inflight != nil {
				d.inflight.cancel()
				d.inflight = nil
			}
			d.mu.Unlock()
			return
		case msg := <-d.replies:
			d.handle(msg)
		}
	}
}

func (d *Dispatcher) handle(msg Message) {
	switch msg.Reply {
	case ReplyInitialized:
		d.mu.Lock()
		d.state = StateReady
		if next := d.pending; next != nil {
			d.pending = nil
			d.sendLocked(next)
		}
		d.mu.Unlock()
		d.log.Debug("worker: dispatcher ready", slog.String("worker", d.worker.name))

	case ReplyDisplayShape:
		d.mu.Lock()
		if d.inflight != nil && d.inflight.id == msg.RequestID {
			d.inflight.cancel()
			d.inflight = nil
		}
		if next := d.pending; next != nil && d.inflight == nil {
			d.pending = nil
			d.sendLocked(next)
		}
		d.mu.Unlock()

		if msg.Err != nil && errors.Is(msg.Err, context.Canceled) {
			d.log.Debug("worker: dropped preempted result", slog.Uint64("version", msg.Version))
			return
		}
		d.publish(msg)

	case ReplyDryRunResponse:
		d.mu.Lock()
		ch := d.waiters[msg.RequestID]
		delete(d.waiters, msg.RequestID)
		d.mu.Unlock()
		if ch != nil {
			ch <- msg
		}

	default:
		d.log.Warn("worker: unexpected reply", slog.String("reply", string(msg.Reply)))
	}
}

// publish keeps only the newest undelivered result.
func (d *Dispatcher) publish(msg Message) {
	select {
	case d.results <- msg:
		return
	default:
	}
	select {
	case <-d.results:
	default:
	}
	select {
	case d.results <- msg:
	default:
	}
}

// DryRun asks the worker to tessellate snap and report on target. It
// bypasses the latest-wins slot; dry runs are answered in order.
func (d *Dispatcher) DryRun(ctx context.Context, snap *document.Snapshot, target string) (*tessellate.Result, error) {
	id := uuid.NewString()
	ch := make(chan Message, 1)
	d.mu.Lock()
	d.waiters[id] = ch
	d.mu.Unlock()

	req := Request{ID: id, Action: ActionDryRun, Version: snap.Version, Snapshot: snap, Target: target}
	if err := d.worker.Send(ctx, req, d.replies); err != nil {
		d.mu.Lock()
		delete(d.waiters, id)
		d.mu.Unlock()
		return nil, err
	}

	select {
	case msg := <-ch:
		if msg.Err != nil {
			return nil, msg.Err
		}
		return msg.DryRun, nil
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.waiters, id)
		d.mu.Unlock()
		return nil, ctx.Err()
	}
}
