package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/facet/pkg/tessellate"
)

// ErrNoDefault is returned when no default backend is registered.
var ErrNoDefault = errors.New("worker: no default backend")

// Registry tracks the backends of one process.
type Registry struct {
	mu       sync.RWMutex
	backends []*Backend
	def      *Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds b. At most one default backend may be registered.
func (r *Registry) Register(b *Backend) (WorkerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.role == RoleDefault {
		if r.def != nil {
			return "", fmt.Errorf("worker: default backend already registered as %s", r.def.name)
		}
		r.def = b
	}
	r.backends = append(r.backends, b)
	return b.id, nil
}

// Default returns the default backend.
func (r *Registry) Default() (*Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.def == nil {
		return nil, ErrNoDefault
	}
	return r.def, nil
}

// Auxiliary returns the auxiliary backends in registration order.
func (r *Registry) Auxiliary() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Backend
	for _, b := range r.backends {
		if b.role == RoleAuxiliary {
			out = append(out, b)
		}
	}
	return out
}

// Start runs every registered backend.
func (r *Registry) Start(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		b.Start(ctx)
	}
}

// Stop shuts every registered backend down.
func (r *Registry) Stop() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		b.Stop()
	}
}

// Broadcast sends req to every auxiliary backend and returns how many
// accepted it.
func (r *Registry) Broadcast(ctx context.Context, req Request, reply chan<- Message) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, b := range r.Auxiliary() {
		if err := b.Send(ctx, req, reply); err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", b.name, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// PostProcess routes each post result to the auxiliary backends serving
// its format, one POSTPROCESS request per backend. It returns how many
// requests were sent.
func (r *Registry) PostProcess(ctx context.Context, version uint64, posts []*tessellate.PostResult, reply chan<- Message) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, b := range r.Auxiliary() {
		var mine []*tessellate.PostResult
		for _, p := range posts {
			if b.Serves(p.Format) {
				mine = append(mine, p)
			}
		}
		if len(mine) == 0 {
			continue
		}
		req := Request{Action: ActionPostProcess, Version: version, Post: mine}
		if err := b.Send(ctx, req, reply); err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", b.name, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
