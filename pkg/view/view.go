// Package view runs the pipeline of one open view: document changes are
// dispatched to the default worker, results are reconciled into the
// scene, derived metadata is written back and post-process objects are
// exported by the auxiliary workers.
package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chazu/facet/pkg/document"
	"github.com/chazu/facet/pkg/scene"
	"github.com/chazu/facet/pkg/tessellate"
	"github.com/chazu/facet/pkg/worker"
)

var tracer = otel.Tracer("facet.view")

// View connects a Store to a Scene through a Dispatcher.
type View struct {
	store      *document.Store
	registry   *worker.Registry
	dispatcher *worker.Dispatcher
	scene      *scene.Reconciler
	log        *slog.Logger

	writeBack bool
	onApply   func(scene.Diff, *tessellate.Batch)
	posts     chan worker.Message
	dispOpts  []worker.DispatcherOption
}

// Option configures a View.
type Option func(*View)

// WithLogger sets the view's logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *View) { v.log = l }
}

// WithMetadataWriteBack controls whether shape metadata computed by the
// worker is stored back on the document. It is on by default.
func WithMetadataWriteBack(on bool) Option {
	return func(v *View) { v.writeBack = on }
}

// WithDispatcherOptions passes options to the view's dispatcher.
func WithDispatcherOptions(opts ...worker.DispatcherOption) Option {
	return func(v *View) { v.dispOpts = append(v.dispOpts, opts...) }
}

// OnApply registers fn to run after every applied batch.
func OnApply(fn func(scene.Diff, *tessellate.Batch)) Option {
	return func(v *View) { v.onApply = fn }
}

// New returns a view over store using registry's default worker.
func New(store *document.Store, registry *worker.Registry, sc *scene.Reconciler, opts ...Option) (*View, error) {
	def, err := registry.Default()
	if err != nil {
		return nil, fmt.Errorf("view: %w", err)
	}
	v := &View{
		store:     store,
		registry:  registry,
		scene:     sc,
		log:       slog.Default(),
		writeBack: true,
		posts:     make(chan worker.Message, 8),
	}
	for _, o := range opts {
		o(v)
	}
	v.dispatcher = worker.NewDispatcher(def, append([]worker.DispatcherOption{worker.WithDispatcherLogger(v.log)}, v.dispOpts...)...)
	return v, nil
}

// Scene returns the view's scene.
func (v *View) Scene() *scene.Reconciler { return v.scene }

// Dispatcher returns the view's dispatcher.
func (v *View) Dispatcher() *worker.Dispatcher { return v.dispatcher }

// Run drives the view until ctx is done. The registry's backends must
// already be running.
func (v *View) Run(ctx context.Context) error {
	sub := v.store.Subscribe()
	defer sub.Close()

	if err := v.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("view: %w", err)
	}
	v.dispatcher.Submit(v.store.Snapshot())

	results := v.dispatcher.Results()
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-sub.C():
			if !ok {
				return nil
			}
			if change.Geometry {
				v.dispatcher.Submit(v.store.Snapshot())
			}
		case msg, ok := <-results:
			if !ok {
				return nil
			}
			v.apply(ctx, msg)
		case msg := <-v.posts:
			v.exported(msg)
		}
	}
}

func (v *View) apply(ctx context.Context, msg worker.Message) {
	ctx, span := tracer.Start(ctx, "view.Apply", trace.WithAttributes(
		attribute.Int64("version", int64(msg.Version)),
	))
	defer span.End()

	if msg.Err != nil {
		span.RecordError(msg.Err)
		span.SetStatus(codes.Error, "tessellation failed")
		v.log.Warn("view: tessellation failed", slog.Uint64("version", msg.Version), slog.String("error", msg.Err.Error()))
		return
	}
	diff, err := v.scene.Apply(msg.Snapshot, msg.Batch)
	if errors.Is(err, scene.ErrStaleResult) {
		span.SetAttributes(attribute.Bool("stale", true))
		v.log.Debug("view: stale result dropped", slog.Uint64("version", msg.Version))
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		v.log.Error("view: apply", slog.String("error", err.Error()))
		return
	}
	span.SetAttributes(
		attribute.Int("added", len(diff.Added)),
		attribute.Int("rebuilt", len(diff.Rebuilt)),
		attribute.Int("removed", len(diff.Removed)),
	)
	for _, r := range msg.Batch.Failed() {
		v.log.Info("view: object not displayable", slog.String("object", r.Name), slog.String("error", r.Err.Error()))
	}

	if v.writeBack {
		v.writeMetadata(msg.Snapshot, msg.Batch)
	}
	if len(msg.Batch.Post) > 0 {
		n, err := v.registry.PostProcess(ctx, msg.Batch.Version, msg.Batch.Post, v.posts)
		if err != nil {
			v.log.Warn("view: post-process", slog.String("error", err.Error()))
		}
		if n == 0 {
			v.log.Debug("view: no backend serves the requested export formats")
		}
	}
	if v.onApply != nil {
		v.onApply(diff, msg.Batch)
	}
}

// writeMetadata stores changed shape metadata. Metadata edits do not
// touch geometry, so they never trigger another tessellation.
func (v *View) writeMetadata(snap *document.Snapshot, batch *tessellate.Batch) {
	for _, r := range batch.Results {
		if !r.OK() || r.Meta == nil {
			continue
		}
		if snap != nil {
			if obj, ok := snap.Lookup(r.Name); ok && obj.ShapeMetadata != nil && *obj.ShapeMetadata == *r.Meta {
				continue
			}
		}
		if err := v.store.SetShapeMeta(r.Name, *r.Meta); err != nil && !errors.Is(err, document.ErrNotFound) {
			v.log.Warn("view: write metadata", slog.String("object", r.Name), slog.String("error", err.Error()))
		}
	}
}

func (v *View) exported(msg worker.Message) {
	if msg.Err != nil {
		v.log.Warn("view: export failed", slog.String("error", msg.Err.Error()))
		return
	}
	for name, out := range msg.Outputs {
		if err := v.store.SetOutput(name, out); err != nil && !errors.Is(err, document.ErrNotFound) {
			v.log.Warn("view: store output", slog.String("object", name), slog.String("error", err.Error()))
		}
	}
}

// InsertOperator dry-runs obj against the current document and inserts
// it only if it tessellates. Operands are hidden when hide is set.
func (v *View) InsertOperator(ctx context.Context, obj document.Object, hide bool) error {
	if obj.Params == nil {
		return fmt.Errorf("view: %q has no parameters", obj.Name)
	}
	obj.Dependencies = obj.Params.Operands()
	obj.Visible = true
	proposal := v.store.Snapshot().With(obj)
	if err := document.Validate(proposal.Objects); err != nil {
		return err
	}
	res, err := v.dispatcher.DryRun(ctx, proposal, obj.Name)
	if err != nil {
		return fmt.Errorf("view: dry run %q: %w", obj.Name, err)
	}
	if !res.OK() {
		return res.Err
	}
	return v.store.AddOperator(obj, hide)
}
