package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// WorkerID identifies a registered backend.
type WorkerID string

// Role distinguishes the tessellating default backend from auxiliary
// post-processing backends.
type Role int

const (
	RoleDefault Role = iota
	RoleAuxiliary
)

func (r Role) String() string {
	switch r {
	case RoleDefault:
		return "default"
	case RoleAuxiliary:
		return "auxiliary"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ErrStopped is returned when sending to a backend that has shut down.
var ErrStopped = errors.New("worker: backend stopped")

// Handler serves requests for a backend. Handle is called from the
// backend's goroutine only, one request at a time.
type Handler interface {
	Handle(ctx context.Context, req Request) Message
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) Message

func (f HandlerFunc) Handle(ctx context.Context, req Request) Message { return f(ctx, req) }

type envelope struct {
	ctx   context.Context
	req   Request
	reply chan<- Message
}

// Backend is a worker goroutine draining an inbox of requests.
type Backend struct {
	id      WorkerID
	name    string
	role    Role
	formats []string
	handler Handler
	log     *slog.Logger

	inbox chan envelope
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithFormats declares the post-process formats an auxiliary backend
// serves.
func WithFormats(formats ...string) BackendOption {
	return func(b *Backend) { b.formats = formats }
}

// WithBackendLogger sets the backend's logger.
func WithBackendLogger(l *slog.Logger) BackendOption {
	return func(b *Backend) { b.log = l }
}

// WithInbox sets the inbox capacity.
func WithInbox(n int) BackendOption {
	return func(b *Backend) {
		if n > 0 {
			b.inbox = make(chan envelope, n)
		}
	}
}

// NewBackend returns a stopped backend. Call Start to run it.
func NewBackend(name string, role Role, h Handler, opts ...BackendOption) *Backend {
	b := &Backend{
		id:      WorkerID(uuid.NewString()),
		name:    name,
		role:    role,
		handler: h,
		log:     slog.Default(),
		inbox:   make(chan envelope, 16),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Backend) ID() WorkerID { return b.id }
func (b *Backend) Name() string { return b.name }
func (b *Backend) Role() Role   { return b.role }

// Serves reports whether the backend declared format.
func (b *Backend) Serves(format string) bool {
	return slices.Contains(b.formats, format)
}

// Start runs the backend until ctx is done or Stop is called.
func (b *Backend) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

// Stop shuts the backend down and waits for the current request.
func (b *Backend) Stop() {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
}

func (b *Backend) run(ctx context.Context) {
	defer b.wg.Done()
	b.log.Debug("worker: backend started", slog.String("worker", b.name), slog.String("role", b.role.String()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case env := <-b.inbox:
			msg := b.serve(env)
			select {
			case env.reply <- msg:
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}
}

func (b *Backend) serve(env envelope) (msg Message) {
	defer func() {
		if r := recover(); r != nil {
			msg = Message{Err: fmt.Errorf("worker %s: panic serving %s: %v", b.name, env.req.Action, r)}
		}
		msg.RequestID = env.req.ID
		msg.Worker = b.id
		if msg.Reply == "" {
			msg.Reply = replyFor(env.req.Action)
		}
		if msg.Version == 0 {
			msg.Version = env.req.Version
		}
	}()
	return b.handler.Handle(env.ctx, env.req)
}

// Send enqueues req. The reply is delivered on reply, which the caller
// must keep draining.
func (b *Backend) Send(ctx context.Context, req Request, reply chan<- Message) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	select {
	case <-b.done:
		return ErrStopped
	default:
	}
	select {
	case b.inbox <- envelope{ctx: ctx, req: req, reply: reply}:
		return nil
	case <-b.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replyFor returns the reply kind answering action.
func replyFor(action Action) Reply {
	switch action {
	case ActionRegister:
		return ReplyInitialized
	case ActionLoadFile:
		return ReplyDisplayShape
	case ActionDryRun:
		return ReplyDryRunResponse
	case ActionPostProcess:
		return ReplyDisplayPost
	}
	return ""
}
