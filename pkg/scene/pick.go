package scene

import (
	"cmp"
	"math"
	"slices"

	v3 "github.com/deadsy/sdfx/vec/v3"

	"github.com/chazu/facet/pkg/awareness"
)

// Ray is a pick ray. Dir need not be normalised.
type Ray struct {
	Origin v3.Vec
	Dir    v3.Vec
}

// Hit is a pick result.
type Hit struct {
	// Name is the object name, or an EdgeName for edges.
	Name   string
	Type   string
	Parent string
	Edge   int
	// Point is in placement space, with the node's exploded offset
	// removed. It can be published as a pointer as is.
	Point v3.Vec
	// Distance is measured along the normalised ray.
	Distance float64

	drawn v3.Vec
}

// Selection returns the hit as a one-entry selection.
func (h Hit) Selection() awareness.Selection {
	return awareness.Selection{h.Name: {Type: h.Type, Parent: h.Parent}}
}

// Pointer returns the hit as a pointer attached to its solid.
func (h Hit) Pointer() *awareness.Pointer {
	parent := h.Name
	if h.Parent != "" {
		parent = h.Parent
	}
	return &awareness.Pointer{Parent: parent, X: h.Point.X, Y: h.Point.Y, Z: h.Point.Z}
}

// EdgeThreshold is how close a ray must pass to an edge to pick it.
const EdgeThreshold = 0.1

const epsilon = 1e-9

// Pick returns the nearest hit on visible, unclipped geometry. The clip
// test uses the point where the hit is drawn. Helper
// boxes and lines are never hit. An edge wins a tie with the face it
// bounds. Edges are skipped while a gesture is active so the solid
// underneath stays pickable.
func (r *Reconciler) Pick(ray Ray) (Hit, bool) {
	if ray.Dir.Length() == 0 {
		return Hit{}, false
	}
	ray.Dir = ray.Dir.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	var hits []Hit
	for _, name := range r.st.Order {
		n := r.st.Nodes[name]
		if !n.Visible || !n.HasGeometry() {
			continue
		}
		if !r.st.Gesture {
			hits = append(hits, pickEdges(n, ray)...)
		}
		hits = append(hits, pickFaces(n, ray)...)
	}
	slices.SortStableFunc(hits, func(a, b Hit) int { return cmp.Compare(a.Distance, b.Distance) })
	for _, h := range hits {
		if !r.st.Clip.Clips(h.drawn) {
			return h, true
		}
	}
	return Hit{}, false
}

func vertex(flat []float32, i uint32, off v3.Vec) v3.Vec {
	k := int(i) * 3
	return v3.Vec{X: float64(flat[k]), Y: float64(flat[k+1]), Z: float64(flat[k+2])}.Add(off)
}

func pickFaces(n *Node, ray Ray) []Hit {
	var hits []Hit
	for _, f := range n.Result.Faces {
		for i := 0; i+2 < len(f.Indices); i += 3 {
			a := vertex(f.Vertices, f.Indices[i], n.Offset)
			b := vertex(f.Vertices, f.Indices[i+1], n.Offset)
			c := vertex(f.Vertices, f.Indices[i+2], n.Offset)
			if t, ok := intersectTriangle(ray, a, b, c); ok {
				p := ray.Origin.Add(ray.Dir.MulScalar(t))
				hits = append(hits, Hit{
					Name:     n.Name,
					Type:     awareness.TypeShape,
					Edge:     -1,
					Point:    p.Sub(n.Offset),
					Distance: t,
					drawn:    p,
				})
			}
		}
	}
	return hits
}

func pickEdges(n *Node, ray Ray) []Hit {
	var hits []Hit
	for ei, e := range n.Result.Edges {
		for i := 0; i+5 < len(e.Vertices); i += 3 {
			a := vertex(e.Vertices, uint32(i/3), n.Offset)
			b := vertex(e.Vertices, uint32(i/3+1), n.Offset)
			t, d := raySegment(ray, a, b)
			if t < 0 || d > EdgeThreshold {
				continue
			}
			p := ray.Origin.Add(ray.Dir.MulScalar(t))
			hits = append(hits, Hit{
				Name:     EdgeName(n.Name, ei),
				Type:     awareness.TypeEdge,
				Parent:   n.Name,
				Edge:     ei,
				Point:    p.Sub(n.Offset),
				Distance: t,
				drawn:    p,
			})
		}
	}
	return hits
}

// intersectTriangle is the Möller-Trumbore test. Both windings hit.
func intersectTriangle(ray Ray, a, b, c v3.Vec) (float64, bool) {
	e1 := b.Sub(a)
	e2 := c.Sub(a)
	p := ray.Dir.Cross(e2)
	det := e1.Dot(p)
	if math.Abs(det) < epsilon {
		return 0, false
	}
	inv := 1 / det
	s := ray.Origin.Sub(a)
	u := s.Dot(p) * inv
	if u < 0 || u > 1 {
		return 0, false
	}
	q := s.Cross(e1)
	v := ray.Dir.Dot(q) * inv
	if v < 0 || u+v > 1 {
		return 0, false
	}
	t := e2.Dot(q) * inv
	if t <= epsilon {
		return 0, false
	}
	return t, true
}

// raySegment returns the ray parameter of the closest approach between
// a unit ray and segment ab, and the distance at that approach.
func raySegment(ray Ray, a, b v3.Vec) (t, dist float64) {
	u := b.Sub(a)
	w := ray.Origin.Sub(a)
	uu := u.Dot(u)
	du := ray.Dir.Dot(u)
	dw := ray.Dir.Dot(w)
	uw := u.Dot(w)
	den := uu - du*du

	var s float64
	if uu < epsilon {
		s = 0
		t = -dw
	} else if den < epsilon {
		// parallel
		s = 0
		t = -dw
	} else {
		s = (uw - du*dw) / den
		s = math.Max(0, math.Min(1, s))
		t = s*du - dw
	}
	onSeg := a.Add(u.MulScalar(s))
	onRay := ray.Origin.Add(ray.Dir.MulScalar(t))
	return t, onRay.Sub(onSeg).Length()
}
