package tessellate_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/chazu/facet/pkg/document"
	"github.com/chazu/facet/pkg/kernel/sdfx"
	"github.com/chazu/facet/pkg/tessellate"
)

func box(name string, l, w, h float64) document.Object {
	return document.Object{Name: name, Visible: true, Params: document.BoxParams{
		Attributes: document.Attributes{Placement: document.DefaultPlacement()},
		Length:     l, Width: w, Height: h,
	}}
}

func op(name string, p document.Parameters) document.Object {
	return document.Object{Name: name, Visible: true, Params: p, Dependencies: p.Operands()}
}

func snapshot(version uint64, objs ...document.Object) *document.Snapshot {
	return &document.Snapshot{Version: version, Objects: objs}
}

func cutExample() *document.Snapshot {
	return snapshot(1,
		box("Box1", 2, 2, 2),
		box("Box2", 1, 1, 1),
		op("Cut1", document.CutParams{Base: "Box1", Tool: "Box2"}),
	)
}

func TestTessellateCutExample(t *testing.T) {
	k := &stubKernel{}
	e := tessellate.New(k)

	batch, err := e.Tessellate(context.Background(), cutExample())
	if err != nil {
		t.Fatalf("Tessellate: %v", err)
	}
	if batch.Version != 1 {
		t.Errorf("batch version = %d, want 1", batch.Version)
	}

	names := make([]string, len(batch.Results))
	for i, r := range batch.Results {
		names[i] = r.Name
		if !r.OK() {
			t.Errorf("%s failed: %v", r.Name, r.Err)
		}
		if len(r.Faces) != 6 || len(r.Edges) != 12 {
			t.Errorf("%s: %d faces, %d edges; want 6 and 12", r.Name, len(r.Faces), len(r.Edges))
		}
	}
	if !slices.Equal(names, []string{"Box1", "Box2", "Cut1"}) {
		t.Errorf("results out of document order: %v", names)
	}
}

func TestDependencyOrdering(t *testing.T) {
	k := &stubKernel{}
	e := tessellate.New(k, tessellate.WithParallelism(1))

	// Cut1 appears before its operands in the document.
	snap := snapshot(1,
		op("Cut1", document.CutParams{Base: "Box1", Tool: "Box2"}),
		box("Box1", 3, 3, 3),
		box("Box2", 1, 1, 1),
	)
	if _, err := e.Tessellate(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	calls := k.Calls()
	want := []string{"box 3 3 3", "box 1 1 1", "difference"}
	if !slices.Equal(calls, want) {
		t.Errorf("kernel calls = %v, want %v", calls, want)
	}
}

func TestOrderTieBreak(t *testing.T) {
	objs := []document.Object{
		box("A", 1, 1, 1),
		op("C", document.CutParams{Base: "A", Tool: "B"}),
		box("B", 1, 1, 1),
		box("D", 1, 1, 1),
	}
	order, err := tessellate.Order(objs)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(order, []int{0, 2, 1, 3}) {
		t.Errorf("order = %v, want [0 2 1 3]", order)
	}
}

func TestDependencyErrorsBeforeKernel(t *testing.T) {
	a := box("A", 1, 1, 1)
	b := box("B", 1, 1, 1)
	a.Dependencies = []string{"B"}
	b.Dependencies = []string{"A"}

	tests := []struct {
		name string
		snap *document.Snapshot
		want error
	}{
		{"cycle", snapshot(1, a, b), document.ErrCyclicDependency},
		{"dangling", snapshot(1, op("C", document.CutParams{Base: "X", Tool: "Y"})), document.ErrInvalidDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := &stubKernel{}
			_, err := tessellate.New(k).Tessellate(context.Background(), tt.snap)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if len(k.Calls()) != 0 {
				t.Errorf("kernel was called: %v", k.Calls())
			}
		})
	}
}

func TestFailedDependencyPropagates(t *testing.T) {
	k := &stubKernel{}
	snap := snapshot(1,
		box("Bad", 0, 1, 1),
		box("Good", 1, 1, 1),
		op("Cut1", document.CutParams{Base: "Bad", Tool: "Good"}),
		op("Fillet1", document.FilletParams{Base: "Cut1", Radius: 1}),
		box("Other", 2, 2, 2),
	)
	batch, err := tessellate.New(k).Tessellate(context.Background(), snap)
	if err != nil {
		t.Fatalf("per-object failures must not fail the batch: %v", err)
	}

	bad, _ := batch.Lookup("Bad")
	var kbe *tessellate.KernelBuildError
	if !errors.As(bad.Err, &kbe) || kbe.Object != "Bad" {
		t.Errorf("Bad.Err = %v, want KernelBuildError", bad.Err)
	}

	for _, name := range []string{"Cut1", "Fillet1"} {
		r, _ := batch.Lookup(name)
		var dfe *tessellate.DependencyFailedError
		if !errors.As(r.Err, &dfe) {
			t.Errorf("%s.Err = %v, want DependencyFailedError", name, r.Err)
		}
	}
	for _, name := range []string{"Good", "Other"} {
		if r, _ := batch.Lookup(name); !r.OK() {
			t.Errorf("%s should succeed: %v", name, r.Err)
		}
	}
	for _, c := range k.Calls() {
		if strings.HasPrefix(c, "difference") || strings.HasPrefix(c, "fillet") {
			t.Errorf("kernel called for a skipped object: %s", c)
		}
	}
}

func TestDeterministic(t *testing.T) {
	encode := func() string {
		batch, err := tessellate.New(&stubKernel{}).Tessellate(context.Background(), cutExample())
		if err != nil {
			t.Fatal(err)
		}
		b, err := json.Marshal(batch)
		if err != nil {
			t.Fatal(err)
		}
		return string(b)
	}
	if encode() != encode() {
		t.Error("equal snapshots produced different batches")
	}
}

func TestCacheAvoidsRebuilds(t *testing.T) {
	k := &stubKernel{}
	e := tessellate.New(k)
	ctx := context.Background()

	if _, err := e.Tessellate(ctx, cutExample()); err != nil {
		t.Fatal(err)
	}
	built, meshed := len(k.Calls()), k.MeshCount()

	t.Run("same snapshot", func(t *testing.T) {
		if _, err := e.Tessellate(ctx, cutExample()); err != nil {
			t.Fatal(err)
		}
		if len(k.Calls()) != built || k.MeshCount() != meshed {
			t.Error("unchanged snapshot reached the kernel")
		}
	})

	t.Run("color only", func(t *testing.T) {
		snap := cutExample()
		p := snap.Objects[0].Params.(document.BoxParams)
		p.Color = "#00ff00"
		snap.Objects[0].Params = p
		batch, err := e.Tessellate(ctx, snap)
		if err != nil {
			t.Fatal(err)
		}
		if len(k.Calls()) != built || k.MeshCount() != meshed {
			t.Error("a color change reached the kernel")
		}
		prev, _ := e.Tessellate(ctx, cutExample())
		a, _ := batch.Lookup("Box1")
		b, _ := prev.Lookup("Box1")
		if &a.Faces[0].Vertices[0] != &b.Faces[0].Vertices[0] {
			t.Error("identical signatures should share mesh buffers")
		}
	})

	t.Run("one operand changes", func(t *testing.T) {
		snap := cutExample()
		snap.Objects[1] = box("Box2", 1, 1, 1.5)
		if _, err := e.Tessellate(ctx, snap); err != nil {
			t.Fatal(err)
		}
		calls := k.Calls()[built:]
		want := []string{"box 1 1 1.5", "difference"}
		if !slices.Equal(calls, want) {
			t.Errorf("new kernel calls = %v, want %v", calls, want)
		}
		if k.MeshCount() != meshed+2 {
			t.Errorf("meshed %d new shapes, want 2", k.MeshCount()-meshed)
		}
	})
}

func TestReversedFacesAreFlipped(t *testing.T) {
	normal := tessellate.New(&stubKernel{})
	flipped := tessellate.New(&stubKernel{reversed: true})
	snap := snapshot(1, box("A", 1, 1, 1))

	a, err := normal.Tessellate(context.Background(), snap)
	if err != nil {
		t.Fatal(err)
	}
	b, err := flipped.Tessellate(context.Background(), snap)
	if err != nil {
		t.Fatal(err)
	}
	fa := a.Results[0].Faces[0].Indices
	fb := b.Results[0].Faces[0].Indices
	for i := 0; i < len(fa); i += 3 {
		if fa[i] != fb[i] || fa[i+1] != fb[i+2] || fa[i+2] != fb[i+1] {
			t.Fatalf("triangle %d not flipped: %v vs %v", i/3, fa[i:i+3], fb[i:i+3])
		}
	}
	if v := a.Results[0].Meta.Volume; math.Abs(v-1) > 1e-6 {
		t.Errorf("volume = %f, want 1", v)
	}
	if v := b.Results[0].Meta.Volume; math.Abs(v+1) > 1e-6 {
		t.Errorf("reversed volume = %f, want -1", v)
	}
}

func TestEdgeSources(t *testing.T) {
	snap := snapshot(1, box("A", 1, 1, 1))

	own, err := tessellate.New(&stubKernel{polygons: true}).Tessellate(context.Background(), snap)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range own.Results[0].Edges {
		if !slices.Equal(e.Vertices, []float32{0, 0, 0, 1, 1, 1}) {
			t.Fatalf("edge polygon not used: %v", e.Vertices)
		}
	}

	projected, err := tessellate.New(&stubKernel{}).Tessellate(context.Background(), snap)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range projected.Results[0].Edges {
		if len(e.Vertices) != 6 {
			t.Fatalf("projected edge has %d floats, want 6", len(e.Vertices))
		}
		for _, v := range e.Vertices {
			if v != 0 && v != 1 {
				t.Fatalf("projected edge point %v is not a cube corner", e.Vertices)
			}
		}
	}
}

func TestMetadata(t *testing.T) {
	snap := snapshot(1, box("A", 2, 3, 4))
	batch, err := tessellate.New(&stubKernel{}).Tessellate(context.Background(), snap)
	if err != nil {
		t.Fatal(err)
	}
	m := batch.Results[0].Meta
	if math.Abs(m.Volume-24) > 1e-4 {
		t.Errorf("volume = %f, want 24", m.Volume)
	}
	if math.Abs(m.Area-52) > 1e-4 {
		t.Errorf("area = %f, want 52", m.Area)
	}
	want := document.Vec3{1, 1.5, 2}
	for i := range want {
		if math.Abs(m.Centroid[i]-want[i]) > 1e-4 {
			t.Errorf("centroid = %v, want %v", m.Centroid, want)
			break
		}
	}
	if m.BoundingBox[1] != (document.Vec3{2, 3, 4}) {
		t.Errorf("bbox = %v", m.BoundingBox)
	}
}

func TestPlacementApplied(t *testing.T) {
	k := &stubKernel{}
	b := box("A", 1, 1, 1)
	p := b.Params.(document.BoxParams)
	p.Placement = document.Placement{Position: document.Vec3{5, 0, 0}, Axis: document.Vec3{0, 0, 1}, Angle: 90}
	b.Params = p

	batch, err := tessellate.New(k).Tessellate(context.Background(), snapshot(1, b))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"box 1 1 1", "rotate 90", "translate 5 0 0"}
	if !slices.Equal(k.Calls(), want) {
		t.Errorf("calls = %v, want %v", k.Calls(), want)
	}
	if lo := batch.Results[0].Meta.BoundingBox[0]; lo[0] != 5 {
		t.Errorf("bbox min = %v, want x=5", lo)
	}
}

func TestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	k := &stubKernel{}
	_, err := tessellate.New(k).Tessellate(ctx, cutExample())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(k.Calls()) != 0 {
		t.Error("kernel called after cancellation")
	}
}

func TestPostResults(t *testing.T) {
	snap := snapshot(1,
		box("A", 1, 1, 1),
		op("Export", document.PostParams{Base: "A", Format: "stl"}),
	)
	batch, err := tessellate.New(&stubKernel{}).Tessellate(context.Background(), snap)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Post) != 1 {
		t.Fatalf("post results = %d, want 1", len(batch.Post))
	}
	pr := batch.Post[0]
	if pr.Name != "Export" || pr.Base != "A" || pr.Format != "stl" || len(pr.Mesh.Faces) == 0 {
		t.Errorf("post result = %+v", pr)
	}
}

func TestDryRun(t *testing.T) {
	e := tessellate.New(&stubKernel{})
	base := snapshot(1, box("A", 1, 1, 1))

	proposed := base.With(op("F", document.FilletParams{Base: "A", Radius: 500}))
	res, err := e.DryRun(context.Background(), proposed, "F")
	if err != nil {
		t.Fatal(err)
	}
	if res.OK() {
		t.Error("oversized fillet should fail the dry run")
	}

	proposed = base.With(op("F", document.FilletParams{Base: "A", Radius: 0.1}))
	res, err = e.DryRun(context.Background(), proposed, "F")
	if err != nil || !res.OK() || res.Meta == nil {
		t.Errorf("dry run = %+v, %v", res, err)
	}
}

func TestWithSdfxKernel(t *testing.T) {
	e := tessellate.New(sdfx.New(sdfx.WithCellRange(16, 24)))
	snap := snapshot(1,
		box("Box1", 10, 10, 10),
		document.Object{Name: "Cyl", Visible: true, Params: document.CylinderParams{
			Attributes: document.Attributes{Placement: document.Placement{Position: document.Vec3{5, 5, -1}, Axis: document.Vec3{0, 0, 1}}},
			Radius:     2, Height: 12,
		}},
		op("Cut1", document.CutParams{Base: "Box1", Tool: "Cyl"}),
	)
	batch, err := e.Tessellate(context.Background(), snap)
	if err != nil {
		t.Fatal(err)
	}
	cut, _ := batch.Lookup("Cut1")
	if !cut.OK() || len(cut.Faces) == 0 {
		t.Fatalf("Cut1 = %+v", cut.Err)
	}
	box1, _ := batch.Lookup("Box1")
	if math.Abs(cut.Meta.Volume) >= math.Abs(box1.Meta.Volume) {
		t.Errorf("cut volume %f should be below box volume %f", cut.Meta.Volume, box1.Meta.Volume)
	}
}
