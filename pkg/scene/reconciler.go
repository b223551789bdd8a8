package scene

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/deadsy/sdfx/sdf"
	v3 "github.com/deadsy/sdfx/vec/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chazu/facet/pkg/awareness"
	"github.com/chazu/facet/pkg/document"
	"github.com/chazu/facet/pkg/tessellate"
)

// ErrStaleResult is returned by Apply for a batch older than the one
// already applied. Callers drop it silently.
var ErrStaleResult = errors.New("scene: stale result")

// Explode configures the exploded view.
type Explode struct {
	Enabled bool
	Factor  float64
}

func (e Explode) active() bool { return e.Enabled && e.Factor != 0 }

// ClipPlane keeps geometry on the side its normal points to and clips
// the other side.
type ClipPlane struct {
	Enabled bool
	Point   v3.Vec
	Normal  v3.Vec
}

// Clips reports whether p is removed by the plane.
func (c ClipPlane) Clips(p v3.Vec) bool {
	return c.Enabled && c.Point.Sub(p).Dot(c.Normal) > 0
}

// PointerMark is another client's pointer as displayed locally.
type PointerMark struct {
	Client  string
	Pointer awareness.Pointer
	// Position is the pointer displaced by its parent's exploded offset.
	Position v3.Vec
	Visible  bool
}

// ViewState is all mutable state of one view. It is owned by exactly one
// Reconciler.
type ViewState struct {
	Version uint64
	applied bool

	Nodes map[string]*Node
	// Order is the document order of the last applied batch.
	Order []string

	Selection awareness.Selection
	// Unresolved lists selected names with no node, ascending.
	Unresolved []string
	Remote     map[string]awareness.Selection

	Explode  Explode
	Clip     ClipPlane
	Gesture  bool
	Pointers map[string]*PointerMark
	// Bounds covers every node with geometry.
	Bounds sdf.Box3
}

// Diff summarises one Apply.
type Diff struct {
	Version uint64
	Added   []string
	Rebuilt []string
	Patched []string
	Removed []string
}

// Empty reports whether Apply changed nothing.
func (d Diff) Empty() bool {
	return len(d.Added)+len(d.Rebuilt)+len(d.Patched)+len(d.Removed) == 0
}

// Reconciler applies batches and view changes to a Surface. It is safe
// for concurrent use; calls are serialised.
type Reconciler struct {
	mu      sync.Mutex
	st      ViewState
	surface Surface
	log     *slog.Logger
	stale   prometheus.Counter
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithSurface sets the surface driven by the reconciler.
func WithSurface(s Surface) Option {
	return func(r *Reconciler) { r.surface = s }
}

// WithLogger sets the reconciler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithStaleCounter counts discarded stale batches.
func WithStaleCounter(c prometheus.Counter) Option {
	return func(r *Reconciler) { r.stale = c }
}

// New returns an empty scene.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		st: ViewState{
			Nodes:    make(map[string]*Node),
			Remote:   make(map[string]awareness.Selection),
			Pointers: make(map[string]*PointerMark),
		},
		surface: nopSurface{},
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewStaleCounter returns a registered counter for WithStaleCounter.
func NewStaleCounter(reg prometheus.Registerer) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "facet",
		Subsystem: "scene",
		Name:      "stale_results_total",
		Help:      "Tessellation batches discarded because a newer one was applied.",
	})
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
	}
	return c
}

// Version returns the version of the last applied batch.
func (r *Reconciler) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.Version
}

// Node returns a copy of the named node.
func (r *Reconciler) Node(name string) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.st.Nodes[name]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Nodes returns copies of every node in document order.
func (r *Reconciler) Nodes() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Node, 0, len(r.st.Order))
	for _, name := range r.st.Order {
		out = append(out, r.st.Nodes[name].clone())
	}
	return out
}

// Unresolved returns the selected names that match no node.
func (r *Reconciler) Unresolved() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.st.Unresolved)
}

// Pointer returns another client's displayed pointer.
func (r *Reconciler) Pointer(client string) (PointerMark, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.st.Pointers[client]
	if !ok {
		return PointerMark{}, false
	}
	return *p, true
}

// ----------------------------------------------------------------------------
// Apply
// ----------------------------------------------------------------------------

// Apply reconciles the scene with batch. snap supplies the document
// attributes of the batch's objects and should be the snapshot the batch
// was tessellated from. Objects missing from the batch are torn down;
// objects whose buffers changed are rebuilt; objects whose buffers are
// unchanged are patched in place when their attributes differ.
func (r *Reconciler) Apply(snap *document.Snapshot, batch *tessellate.Batch) (Diff, error) {
	if batch == nil {
		return Diff{}, errors.New("scene: nil batch")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.st.applied && batch.Version <= r.st.Version {
		if r.stale != nil {
			r.stale.Inc()
		}
		return Diff{}, fmt.Errorf("%w: version %d, scene at %d", ErrStaleResult, batch.Version, r.st.Version)
	}

	objs := make(map[string]document.Object)
	if snap != nil {
		for _, o := range snap.Objects {
			objs[o.Name] = o
		}
	}

	diff := Diff{Version: batch.Version}
	before := make(map[string]appearance, len(r.st.Nodes))
	for name, n := range r.st.Nodes {
		before[name] = n.appearance()
	}

	order := make([]string, 0, len(batch.Results))
	seen := make(map[string]bool, len(batch.Results))
	touched := make(map[string]bool)
	for _, res := range batch.Results {
		order = append(order, res.Name)
		seen[res.Name] = true

		obj, ok := objs[res.Name]
		prev := r.st.Nodes[res.Name]
		n := &Node{Name: res.Name, Kind: res.Kind, Result: res, Err: res.Err, Visible: true}
		if ok {
			n.Color = obj.Params.Attrs().Color
			n.Visible = obj.Visible
			n.Dependencies = slices.Clone(obj.Dependencies)
		} else if prev != nil {
			n.Color, n.Visible, n.Dependencies = prev.Color, prev.Visible, prev.Dependencies
		}
		if n.HasGeometry() {
			n.Bounds = boundsOf(res)
		}

		switch {
		case prev == nil:
			diff.Added = append(diff.Added, n.Name)
			touched[n.Name] = true
		case !sameGeometry(prev.Result, res) || !sameErr(prev.Err, res.Err):
			diff.Rebuilt = append(diff.Rebuilt, n.Name)
			touched[n.Name] = true
		}
		r.st.Nodes[n.Name] = n
	}

	for _, name := range r.st.Order {
		if !seen[name] {
			delete(r.st.Nodes, name)
			diff.Removed = append(diff.Removed, name)
			r.surface.Remove(name)
		}
	}
	r.st.Order = order
	r.st.Version = batch.Version
	r.st.applied = true

	r.deriveLocked()

	for _, name := range order {
		n := r.st.Nodes[name]
		switch {
		case slices.Contains(diff.Added, name):
			r.surface.Add(n.clone())
		case slices.Contains(diff.Rebuilt, name):
			r.surface.Rebuild(n.clone())
		case !touched[name] && before[name] != n.appearance():
			diff.Patched = append(diff.Patched, name)
			r.surface.Patch(n.clone())
		}
	}
	r.pointersLocked()

	r.log.Debug("scene: applied batch",
		slog.Uint64("version", batch.Version),
		slog.Int("added", len(diff.Added)),
		slog.Int("rebuilt", len(diff.Rebuilt)),
		slog.Int("patched", len(diff.Patched)),
		slog.Int("removed", len(diff.Removed)))
	return diff, nil
}

// sameGeometry compares face and edge buffers. Cached results share
// their slices, so the pointer check usually decides.
func sameGeometry(a, b *tessellate.Result) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || len(a.Faces) != len(b.Faces) || len(a.Edges) != len(b.Edges) {
		return false
	}
	for i := range a.Faces {
		fa, fb := a.Faces[i], b.Faces[i]
		if !sameSlice(fa.Vertices, fb.Vertices) || !sameSlice(fa.Normals, fb.Normals) || !sameSlice(fa.Indices, fb.Indices) {
			return false
		}
	}
	for i := range a.Edges {
		if !sameSlice(a.Edges[i].Vertices, b.Edges[i].Vertices) {
			return false
		}
	}
	return true
}

func sameSlice[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) > 0 && &a[0] == &b[0] {
		return true
	}
	return slices.Equal(a, b)
}

func sameErr(a, b error) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Error() == b.Error()
}

// ----------------------------------------------------------------------------
// Derived state
// ----------------------------------------------------------------------------

// deriveLocked recomputes every node's selection, exploded and clip
// state from the ViewState.
func (r *Reconciler) deriveLocked() {
	st := &r.st

	st.Bounds = sdf.Box3{}
	first := true
	for _, name := range st.Order {
		n := st.Nodes[name]
		if !n.HasGeometry() {
			continue
		}
		if first {
			st.Bounds = n.Bounds
			first = false
			continue
		}
		st.Bounds = st.Bounds.Extend(n.Bounds)
	}
	center := st.Bounds.Center()

	for _, n := range st.Nodes {
		n.Selected, n.BoundingBoxVisible = false, false
		n.SelectedEdges = nil
		n.RemoteSelected = nil
		n.Offset = v3.Vec{}
		if st.Explode.active() && n.HasGeometry() {
			// Displacement is factor times the distance from the overall
			// centre, along the same direction.
			n.Offset = n.Center().Sub(center).MulScalar(st.Explode.Factor)
		}
		n.HelperVisible = st.Explode.active() && n.Visible && n.HasGeometry()
		n.StencilBack = st.Clip.Enabled && n.Visible && n.HasGeometry()
		n.StencilFront = n.StencilBack
	}

	st.Unresolved = nil
	for name, sel := range st.Selection {
		target, edge := resolve(name, sel)
		n, ok := st.Nodes[target]
		if !ok {
			st.Unresolved = append(st.Unresolved, name)
			continue
		}
		n.Selected = true
		n.BoundingBoxVisible = n.HasGeometry()
		if edge >= 0 && n.Result != nil && edge < len(n.Result.Edges) {
			n.SelectedEdges = append(n.SelectedEdges, edge)
		}
	}
	slices.Sort(st.Unresolved)

	for _, client := range slices.Sorted(maps.Keys(st.Remote)) {
		for name, sel := range st.Remote[client] {
			target, _ := resolve(name, sel)
			if n, ok := st.Nodes[target]; ok && !slices.Contains(n.RemoteSelected, client) {
				n.RemoteSelected = append(n.RemoteSelected, client)
			}
		}
	}
	for _, n := range st.Nodes {
		slices.Sort(n.SelectedEdges)
		n.SelectedEdges = slices.Compact(n.SelectedEdges)
	}
}

// changeLocked runs mutate, re-derives the scene and patches every node
// whose appearance changed. It returns the patched names in document
// order.
func (r *Reconciler) changeLocked(mutate func(st *ViewState)) []string {
	before := make(map[string]appearance, len(r.st.Nodes))
	for name, n := range r.st.Nodes {
		before[name] = n.appearance()
	}
	mutate(&r.st)
	r.deriveLocked()

	var patched []string
	for _, name := range r.st.Order {
		n := r.st.Nodes[name]
		if before[name] != n.appearance() {
			patched = append(patched, name)
			r.surface.Patch(n.clone())
		}
	}
	r.pointersLocked()
	return patched
}

// pointersLocked repositions every remote pointer over its parent's
// current offset.
func (r *Reconciler) pointersLocked() {
	for _, client := range slices.Sorted(maps.Keys(r.st.Pointers)) {
		pm := r.st.Pointers[client]
		pos := v3.Vec{X: pm.Pointer.X, Y: pm.Pointer.Y, Z: pm.Pointer.Z}
		visible := false
		if n, ok := r.st.Nodes[pm.Pointer.Parent]; ok {
			pos = pos.Add(n.Offset)
			visible = n.Visible
		}
		if pm.Position == pos && pm.Visible == visible {
			continue
		}
		pm.Position, pm.Visible = pos, visible
		r.surface.Pointer(client, pos, visible)
	}
}
