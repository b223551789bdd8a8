package tessellate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/facet/pkg/document"
	"github.com/chazu/facet/pkg/kernel"
	"github.com/chazu/facet/pkg/shapecache"
)

var (
	tracer = otel.Tracer("facet.tessellate")
	meter  = otel.Meter("facet.tessellate")
)

// Engine tessellates snapshots. It owns its shape caches, so one Engine
// belongs to one worker. It is safe for concurrent use.
type Engine struct {
	kernel      kernel.Kernel
	solids      *shapecache.Cache[kernel.Solid]
	meshes      *shapecache.Cache[*meshed]
	tol         kernel.Tolerance
	parallelism int
	log         *slog.Logger

	cacheOpts []shapecache.Option
	cacheReg  prometheus.Registerer

	metricsOnce  sync.Once
	batchLatency metric.Float64Histogram
	buildErrors  metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithTolerance overrides kernel.DefaultTolerance.
func WithTolerance(tol kernel.Tolerance) Option {
	return func(e *Engine) { e.tol = tol }
}

// WithParallelism bounds how many objects are meshed at once.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithCacheOptions configures both the solid and the mesh cache.
func WithCacheOptions(opts ...shapecache.Option) Option {
	return func(e *Engine) { e.cacheOpts = append(e.cacheOpts, opts...) }
}

// WithCacheMetrics exports the cache counters to reg, labelled "solids"
// and "meshes".
func WithCacheMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.cacheReg = reg }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New returns an Engine building with k.
func New(k kernel.Kernel, opts ...Option) *Engine {
	e := &Engine{
		kernel:      k,
		tol:         kernel.DefaultTolerance,
		parallelism: runtime.GOMAXPROCS(0),
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	solidOpts, meshOpts := e.cacheOpts, e.cacheOpts
	if e.cacheReg != nil {
		solidOpts = append(slices.Clone(e.cacheOpts), shapecache.WithMetrics(e.cacheReg, "solids"))
		meshOpts = append(slices.Clone(e.cacheOpts), shapecache.WithMetrics(e.cacheReg, "meshes"))
	}
	e.solids = shapecache.New[kernel.Solid](solidOpts...)
	e.meshes = shapecache.New[*meshed](meshOpts...)
	return e
}

// CacheStats returns the solid and mesh cache counters.
func (e *Engine) CacheStats() (solids, meshes shapecache.Stats) {
	return e.solids.Stats(), e.meshes.Stats()
}

func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var err error
		e.batchLatency, err = meter.Float64Histogram("facet_tessellate_batch_duration_seconds",
			metric.WithDescription("Time spent tessellating one snapshot"),
			metric.WithUnit("s"),
		)
		if err != nil {
			e.log.Warn("tessellate: metric init failed", slog.String("error", err.Error()))
		}
		e.buildErrors, err = meter.Int64Counter("facet_tessellate_build_errors_total",
			metric.WithDescription("Objects the kernel failed to build or mesh"),
		)
		if err != nil {
			e.log.Warn("tessellate: metric init failed", slog.String("error", err.Error()))
		}
	})
}

// built is the per-object state carried from the build to the mesh phase.
type built struct {
	result *Result
	solid  kernel.Solid
}

// Tessellate builds and meshes every object of snap. The returned error
// is non-nil only for dependency problems found before any kernel call,
// or when ctx is done; per-object failures are on Result.Err.
func (e *Engine) Tessellate(ctx context.Context, snap *document.Snapshot) (*Batch, error) {
	e.initMetrics()
	ctx, span := tracer.Start(ctx, "tessellate.Batch",
		trace.WithAttributes(
			attribute.Int64("document.version", int64(snap.Version)),
			attribute.Int("document.objects", len(snap.Objects)),
		),
	)
	defer span.End()
	start := time.Now()

	batch, err := e.tessellate(ctx, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	failed := len(batch.Failed())
	span.SetAttributes(attribute.Int("tessellate.failed", failed))
	if e.batchLatency != nil {
		e.batchLatency.Record(ctx, time.Since(start).Seconds())
	}
	if e.buildErrors != nil && failed > 0 {
		e.buildErrors.Add(ctx, int64(failed))
	}
	e.log.Debug("tessellate: batch done",
		slog.Uint64("version", snap.Version),
		slog.Int("objects", len(batch.Results)),
		slog.Int("failed", failed),
		slog.Duration("elapsed", time.Since(start)),
	)
	return batch, nil
}

func (e *Engine) tessellate(ctx context.Context, snap *document.Snapshot) (*Batch, error) {
	order, err := Order(snap.Objects)
	if err != nil {
		return nil, err
	}

	objs := snap.Objects
	states := make([]*built, len(objs))
	sigs := make(map[string]shapecache.Signature, len(objs))
	solids := make(map[string]kernel.Solid, len(objs))
	failed := make(map[string]bool)

	// Build phase, in dependency order. Constructing solids is cheap next
	// to meshing them.
	for _, i := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		obj := objs[i]
		res := &Result{Name: obj.Name, Kind: obj.Kind()}
		states[i] = &built{result: res}

		if dep, bad := firstFailed(obj.Dependencies, failed); bad {
			res.Err = &DependencyFailedError{Object: obj.Name, Dependency: dep}
			failed[obj.Name] = true
			continue
		}

		depSigs := make([]shapecache.Signature, len(obj.Dependencies))
		depSolids := make([]kernel.Solid, len(obj.Dependencies))
		for j, dep := range obj.Dependencies {
			depSigs[j], depSolids[j] = sigs[dep], solids[dep]
		}
		sig, err := shapecache.Compute(obj.Params, depSigs)
		if err != nil {
			res.Err = &KernelBuildError{Object: obj.Name, Kind: obj.Kind(), Err: err}
			failed[obj.Name] = true
			continue
		}
		res.Signature = sig

		solid, err := e.solids.GetOrCompute(ctx, sig, func(context.Context) (kernel.Solid, error) {
			return e.build(obj, depSolids)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			res.Err = &KernelBuildError{Object: obj.Name, Kind: obj.Kind(), Err: err}
			failed[obj.Name] = true
			continue
		}
		states[i].solid = solid
		sigs[obj.Name] = sig
		solids[obj.Name] = solid
	}

	// Mesh phase, in parallel. Per-object errors stay on the result; only
	// cancellation stops the group.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, st := range states {
		if st.solid == nil {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			m, err := e.mesh(gctx, st)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				st.result.Err = &KernelBuildError{Object: st.result.Name, Kind: st.result.Kind, Err: err}
				return nil
			}
			st.result.Faces, st.result.Edges, st.result.Meta = m.faces, m.edges, m.meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch := &Batch{Version: snap.Version, Results: make([]*Result, len(objs))}
	for i, st := range states {
		batch.Results[i] = st.result
	}
	for _, obj := range objs {
		p, ok := obj.Params.(document.PostParams)
		if !ok {
			continue
		}
		if base, ok := batch.Lookup(p.Base); ok && base.OK() {
			batch.Post = append(batch.Post, &PostResult{Name: obj.Name, Base: p.Base, Format: p.Format, Mesh: base})
		}
	}
	return batch, nil
}

func firstFailed(deps []string, failed map[string]bool) (string, bool) {
	for _, d := range deps {
		if failed[d] {
			return d, true
		}
	}
	return "", false
}

// mesh tessellates a built solid through the mesh cache. The mesh key
// folds the tolerance into the solid signature.
func (e *Engine) mesh(ctx context.Context, st *built) (*meshed, error) {
	key := shapecache.Signature(fmt.Sprintf("%s@%g/%g", st.result.Signature, e.tol.Linear, e.tol.Angular))
	return e.meshes.GetOrCompute(ctx, key, func(context.Context) (*meshed, error) {
		shape, err := e.kernel.Tessellate(st.solid, e.tol)
		if err != nil {
			return nil, err
		}
		return convert(shape, st.solid)
	})
}

// build constructs one object's solid from its parameters and the solids
// of its dependencies, in dependency order.
func (e *Engine) build(obj document.Object, deps []kernel.Solid) (kernel.Solid, error) {
	k := e.kernel
	need := func(n int) error {
		if len(deps) < n {
			return fmt.Errorf("%s needs %d operands, has %d", obj.Kind(), n, len(deps))
		}
		return nil
	}

	var (
		s   kernel.Solid
		err error
	)
	switch p := obj.Params.(type) {
	case document.BoxParams:
		s, err = k.Box(p.Length, p.Width, p.Height)
	case document.CylinderParams:
		s, err = k.Cylinder(p.Radius, p.Height)
	case document.SphereParams:
		s, err = k.Sphere(p.Radius)
	case document.ConeParams:
		s, err = k.Cone(p.Radius1, p.Radius2, p.Height)
	case document.TorusParams:
		s, err = k.Torus(p.Radius1, p.Radius2)
	case document.CutParams:
		if err = need(2); err == nil {
			s, err = k.Difference(deps[0], deps[1])
		}
	case document.FuseParams:
		if err = need(2); err == nil {
			s, err = k.Union(deps...)
		}
	case document.CommonParams:
		if err = need(2); err == nil {
			s, err = k.Intersection(deps...)
		}
	case document.ChamferParams:
		if err = need(1); err == nil {
			s, err = k.Chamfer(deps[0], p.Dist)
		}
	case document.FilletParams:
		if err = need(1); err == nil {
			s, err = k.Fillet(deps[0], p.Radius)
		}
	case document.ExtrusionParams:
		if err = need(1); err == nil {
			s, err = k.Extrude(deps[0], p.Dir, p.LengthFwd)
		}
	case document.PostParams:
		// Post-processing exports its base unchanged.
		if err = need(1); err == nil {
			return deps[0], nil
		}
	default:
		return nil, fmt.Errorf("unsupported parameters %T", obj.Params)
	}
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("kernel returned no solid")
	}
	return place(k, s, obj.Params.Attrs().Placement)
}

// place rotates s about its placement axis, then translates it.
func place(k kernel.Kernel, s kernel.Solid, p document.Placement) (kernel.Solid, error) {
	if p.IsIdentity() {
		return s, nil
	}
	if p.Angle != 0 {
		var err error
		s, err = k.Rotate(s, p.Axis, p.Angle)
		if err != nil {
			return nil, err
		}
	}
	if p.Position != (document.Vec3{}) {
		s = k.Translate(s, p.Position[0], p.Position[1], p.Position[2])
	}
	return s, nil
}

// DryRun tessellates snap and returns the result for name. It is used to
// check a proposed object before inserting it into the shared document.
func (e *Engine) DryRun(ctx context.Context, snap *document.Snapshot, name string) (*Result, error) {
	batch, err := e.Tessellate(ctx, snap)
	if err != nil {
		return nil, err
	}
	res, ok := batch.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("tessellate: dry run: %q: %w", name, document.ErrNotFound)
	}
	return res, nil
}
