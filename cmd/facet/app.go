package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chazu/facet/pkg/awareness"
	"github.com/chazu/facet/pkg/collab"
	"github.com/chazu/facet/pkg/config"
	"github.com/chazu/facet/pkg/document"
	"github.com/chazu/facet/pkg/engine"
	"github.com/chazu/facet/pkg/kernel/sdfx"
	"github.com/chazu/facet/pkg/scene"
	"github.com/chazu/facet/pkg/shapecache"
	"github.com/chazu/facet/pkg/tessellate"
	"github.com/chazu/facet/pkg/view"
	"github.com/chazu/facet/pkg/worker"
)

// colorPalette is a default palette used to assign distinct colors to parts.
var colorPalette = []string{
	"#4A90D9", "#E67E22", "#2ECC71", "#9B59B6",
	"#E74C3C", "#1ABC9C", "#F39C12", "#3498DB",
}

// App is one local view of a document: the sdfx kernel behind a
// tessellation worker, an STL export worker, the scene and the store.
// A collaboration session applies other clients' selections and
// pointers to the scene.
type App struct {
	engine   *engine.Engine
	store    *document.Store
	registry *worker.Registry
	scene    *scene.Reconciler
	view     *view.View
	metrics  *prometheus.Registry

	channel  *awareness.Channel
	session  *collab.Session
	viewport *headlessViewport

	batches chan *tessellate.Batch
}

type appOptions struct {
	client    string
	sender    awareness.Sender
	storeOpts []document.StoreOption
}

// AppOption configures NewApp.
type AppOption func(*appOptions)

// WithClient makes the app collaborate as client, publishing its
// awareness through sender.
func WithClient(client string, sender awareness.Sender) AppOption {
	return func(o *appOptions) {
		o.client = client
		o.sender = sender
	}
}

// WithStoreOptions configures the document store, e.g. to route edits
// through a relay.
func WithStoreOptions(opts ...document.StoreOption) AppOption {
	return func(o *appOptions) { o.storeOpts = append(o.storeOpts, opts...) }
}

// NewApp builds the pipeline described by cfg.
func NewApp(cfg config.Config, log *slog.Logger, opts ...AppOption) (*App, error) {
	o := appOptions{client: uuid.NewString()}
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	k := sdfx.New(sdfx.WithCellRange(cfg.Tessellation.MinCells, cfg.Tessellation.MaxCells))
	tess := tessellate.New(k,
		tessellate.WithTolerance(cfg.Tessellation.Tolerance),
		tessellate.WithParallelism(cfg.Tessellation.Parallelism),
		tessellate.WithCacheOptions(shapecache.WithMaxEntries(cfg.Tessellation.CacheMaxEntries)),
		tessellate.WithCacheMetrics(reg),
		tessellate.WithLogger(log),
	)

	registry := worker.NewRegistry()
	backends := []*worker.Backend{
		worker.NewBackend("tessellation", worker.RoleDefault, worker.NewTessellationHandler(tess),
			worker.WithBackendLogger(log)),
		worker.NewBackend("stl", worker.RoleAuxiliary, worker.STLHandler{},
			worker.WithFormats(worker.FormatSTL), worker.WithBackendLogger(log)),
	}
	for _, b := range backends {
		if _, err := registry.Register(b); err != nil {
			return nil, err
		}
	}

	chOpts := []awareness.Option{awareness.WithLogger(log)}
	if o.sender != nil {
		chOpts = append(chOpts, awareness.WithSender(o.sender))
	}
	a := &App{
		engine:   engine.NewEngine(engine.WithLogger(log)),
		store:    document.NewStore(append([]document.StoreOption{document.WithLogger(log)}, o.storeOpts...)...),
		registry: registry,
		scene:    scene.New(scene.WithLogger(log), scene.WithStaleCounter(scene.NewStaleCounter(reg))),
		metrics:  reg,
		channel:  awareness.NewChannel(o.client, chOpts...),
		viewport: &headlessViewport{},
		batches:  make(chan *tessellate.Batch, 1),
	}

	var dispOpts []worker.DispatcherOption
	if cfg.Tessellation.Preempt {
		dispOpts = append(dispOpts, worker.WithPreemption())
	}
	v, err := view.New(a.store, registry, a.scene,
		view.WithLogger(log),
		view.WithDispatcherOptions(dispOpts...),
		view.OnApply(a.applied),
	)
	if err != nil {
		return nil, err
	}
	a.view = v
	a.session = collab.NewSession(a.channel, a.viewport, a.scene,
		collab.WithInterval(cfg.Collab.ThrottleInterval),
		collab.WithLogger(log),
	)
	return a, nil
}

// headlessViewport holds the camera of a view that is never drawn.
// Following another client moves it.
type headlessViewport struct {
	mu  sync.Mutex
	cam awareness.Camera
}

func (v *headlessViewport) Camera() awareness.Camera {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cam
}

func (v *headlessViewport) SetCamera(cam awareness.Camera) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cam = cam
}

// Store returns the app's document.
func (a *App) Store() *document.Store { return a.store }

// Channel returns the app's awareness channel.
func (a *App) Channel() *awareness.Channel { return a.channel }

// Session returns the app's collaboration session.
func (a *App) Session() *collab.Session { return a.session }

// Metrics returns the registry holding the cache and scene counters.
func (a *App) Metrics() *prometheus.Registry { return a.metrics }

// Close stops the collaboration session.
func (a *App) Close() { a.session.Close() }

// metricsHandler serves reg on /metrics.
func metricsHandler(reg *prometheus.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return r
}

// Run starts the workers and drives the view until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.registry.Start(ctx)
	defer a.registry.Stop()
	return a.view.Run(ctx)
}

// applied keeps only the newest batch for Await.
func (a *App) applied(_ scene.Diff, batch *tessellate.Batch) {
	for {
		select {
		case a.batches <- batch:
			return
		default:
		}
		select {
		case <-a.batches:
		default:
		}
	}
}

// Evaluate runs source against the current document and colours the
// objects it created that have no colour of their own.
func (a *App) Evaluate(source string) (*engine.Script, []engine.EvalError, error) {
	script, evalErrs, err := a.engine.Evaluate(source, a.store.Snapshot())
	if err != nil || len(evalErrs) > 0 {
		return nil, evalErrs, err
	}
	paint(script)
	return script, nil, nil
}

// paint assigns palette colours in creation order. The script's
// transactions and snapshot are updated together.
func paint(s *engine.Script) {
	colors := make(map[string]string)
	for _, name := range s.Created {
		obj, ok := s.Snapshot.Lookup(name)
		if !ok || obj.Params.Attrs().Color != "" {
			continue
		}
		colors[name] = colorPalette[len(colors)%len(colorPalette)]
	}
	if len(colors) == 0 {
		return
	}
	recolor := func(obj *document.Object) {
		c, ok := colors[obj.Name]
		if !ok || obj.Params == nil {
			return
		}
		attrs := obj.Params.Attrs()
		attrs.Color = c
		obj.Params = document.WithAttributes(obj.Params, attrs)
	}

	snap := *s.Snapshot
	snap.Objects = slices.Clone(s.Snapshot.Objects)
	for i := range snap.Objects {
		recolor(&snap.Objects[i])
	}
	s.Snapshot = &snap

	for i, txn := range s.Transactions {
		ops := slices.Clone(txn.Ops)
		for j := range ops {
			if ops[j].Object != nil {
				obj := ops[j].Object.Clone()
				recolor(&obj)
				ops[j].Object = &obj
			}
		}
		s.Transactions[i].Ops = ops
	}
}

// Await returns the first applied batch accepted by want.
func (a *App) Await(ctx context.Context, want func(*tessellate.Batch) bool) (*tessellate.Batch, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for tessellation: %w", ctx.Err())
		case b := <-a.batches:
			if want(b) {
				return b, nil
			}
		}
	}
}

// atVersion accepts batches tessellated at or after version.
func atVersion(version uint64) func(*tessellate.Batch) bool {
	return func(b *tessellate.Batch) bool { return b.Version >= version }
}

// containing accepts batches with a result for every name.
func containing(names []string) func(*tessellate.Batch) bool {
	return func(b *tessellate.Batch) bool {
		for _, n := range names {
			if _, ok := b.Lookup(n); !ok {
				return false
			}
		}
		return true
	}
}

// AwaitOutputs waits until every post-process object in batch has an
// output on the document.
func (a *App) AwaitOutputs(ctx context.Context, batch *tessellate.Batch) (map[string]document.Output, error) {
	sub := a.store.Subscribe()
	defer sub.Close()

	want := a.exportable(batch)
	outputs := make(map[string]document.Output)
	for {
		for _, name := range want {
			if out, ok := a.store.Output(name); ok {
				outputs[name] = out
			}
		}
		if len(outputs) == len(want) {
			return outputs, nil
		}
		select {
		case <-ctx.Done():
			return outputs, fmt.Errorf("waiting for exports: %w", ctx.Err())
		case _, ok := <-sub.C():
			if !ok {
				return outputs, errors.New("document subscription closed")
			}
		}
	}
}

// exportable lists the post-process objects some backend will export.
func (a *App) exportable(batch *tessellate.Batch) []string {
	var names []string
	for _, p := range batch.Post {
		if p.Mesh == nil || !p.Mesh.OK() {
			continue
		}
		for _, b := range a.registry.Auxiliary() {
			if b.Serves(p.Format) {
				names = append(names, p.Name)
				break
			}
		}
	}
	return names
}
