package kernel

import (
	"math"
	"testing"
)

// unitCube returns the 12 outward-facing triangles of [0,1]^3.
func unitCube() []Triangle {
	quads := [][4][3]float64{
		{{0, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, 0, 0}},
		{{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1}},
		{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}},
		{{0, 1, 0}, {0, 1, 1}, {1, 1, 1}, {1, 1, 0}},
		{{0, 0, 0}, {0, 0, 1}, {0, 1, 1}, {0, 1, 0}},
		{{1, 0, 0}, {1, 1, 0}, {1, 1, 1}, {1, 0, 1}},
	}
	var tris []Triangle
	for _, q := range quads {
		tris = append(tris, Triangle{q[0], q[1], q[2]}, Triangle{q[0], q[2], q[3]})
	}
	return tris
}

func TestFromTrianglesCube(t *testing.T) {
	shape := FromTriangles(unitCube(), DefaultTolerance)

	if got := len(shape.Faces); got != 6 {
		t.Fatalf("faces = %d, want 6", got)
	}
	if got := shape.TriangleCount(); got != 12 {
		t.Errorf("triangles = %d, want 12", got)
	}
	for i, f := range shape.Faces {
		if f.VertexCount() != 4 {
			t.Errorf("face %d has %d vertices, want 4", i, f.VertexCount())
		}
		if len(f.Normals) != len(f.Vertices) {
			t.Errorf("face %d normals/vertices mismatch", i)
		}
		for v := 0; v < len(f.Normals); v += 3 {
			n := f.Normals[v : v+3]
			l := math.Sqrt(float64(n[0]*n[0] + n[1]*n[1] + n[2]*n[2]))
			if math.Abs(l-1) > 1e-5 {
				t.Errorf("face %d normal %v not unit", i, n)
			}
		}
	}

	if got := len(shape.Edges); got != 12 {
		t.Fatalf("edges = %d, want 12", got)
	}
	for i, e := range shape.Edges {
		if len(e.FaceNodes) != 2 {
			t.Errorf("edge %d has %d nodes, want 2", i, len(e.FaceNodes))
		}
		if e.Face < 0 || e.Face >= len(shape.Faces) {
			t.Errorf("edge %d references face %d", i, e.Face)
		}
		for _, n := range e.FaceNodes {
			if int(n) >= shape.Faces[e.Face].VertexCount() {
				t.Errorf("edge %d node %d out of range", i, n)
			}
		}
	}
}

func TestFromTrianglesSmoothSurfaceIsOneFace(t *testing.T) {
	// A strip around a cylinder arc: neighbouring normals bend by 0.1 rad.
	var tris []Triangle
	const n = 8
	p := func(i int, y float64) [3]float64 {
		a := float64(i) * 0.1
		return [3]float64{math.Cos(a), y, math.Sin(a)}
	}
	for i := 0; i < n; i++ {
		tris = append(tris,
			Triangle{p(i, 0), p(i+1, 0), p(i+1, 1)},
			Triangle{p(i, 0), p(i+1, 1), p(i, 1)},
		)
	}
	shape := FromTriangles(tris, DefaultTolerance)
	if len(shape.Faces) != 1 {
		t.Errorf("faces = %d, want 1", len(shape.Faces))
	}
}

func TestFromTrianglesOpenTriangle(t *testing.T) {
	shape := FromTriangles([]Triangle{{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}}, DefaultTolerance)
	if len(shape.Faces) != 1 {
		t.Fatalf("faces = %d, want 1", len(shape.Faces))
	}
	if len(shape.Edges) != 1 {
		t.Fatalf("edges = %d, want 1 closed boundary", len(shape.Edges))
	}
	nodes := shape.Edges[0].FaceNodes
	if len(nodes) != 4 || nodes[0] != nodes[3] {
		t.Errorf("boundary loop = %v, want a closed 4-node chain", nodes)
	}
}

func TestFromTrianglesDropsDegenerate(t *testing.T) {
	shape := FromTriangles([]Triangle{{{0, 0, 0}, {0, 0, 0}, {1, 0, 0}}}, DefaultTolerance)
	if !shape.IsEmpty() {
		t.Error("degenerate triangle should be dropped")
	}
}
