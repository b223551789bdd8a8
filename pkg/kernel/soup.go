package kernel

import (
	"cmp"
	"math"
	"slices"
)

// Triangle is one triangle of an unstructured mesh, counter-clockwise
// when seen from outside.
type Triangle [3][3]float64

// FromTriangles turns a triangle soup into a Shape. Coincident vertices
// are welded, triangles are grouped into faces wherever neighbouring
// normals bend by less than tol.Angular, and the creases between faces
// become edges. Edges carry no polygon of their own; they index into the
// triangulation of their first face.
func FromTriangles(tris []Triangle, tol Tolerance) *Shape {
	w := weld(tris)
	if len(w.tris) == 0 {
		return &Shape{}
	}

	faceOf := w.groupFaces(tol.Angular)
	nfaces := 0
	for _, f := range faceOf {
		nfaces = max(nfaces, f+1)
	}

	shape := &Shape{Faces: make([]Face, nfaces)}
	local := make([]map[int]uint32, nfaces)
	accum := make([][][3]float64, nfaces)
	for f := range local {
		local[f] = make(map[int]uint32)
	}

	for t, tri := range w.tris {
		f := faceOf[t]
		face := &shape.Faces[f]
		n := w.areaNormal[t]
		for _, g := range tri {
			li, ok := local[f][g]
			if !ok {
				li = uint32(len(local[f]))
				local[f][g] = li
				p := w.points[g]
				face.Vertices = append(face.Vertices, float32(p[0]), float32(p[1]), float32(p[2]))
				accum[f] = append(accum[f], [3]float64{})
			}
			a := &accum[f][li]
			a[0] += n[0]
			a[1] += n[1]
			a[2] += n[2]
			face.Indices = append(face.Indices, li)
		}
	}
	for f := range shape.Faces {
		face := &shape.Faces[f]
		face.Normals = make([]float32, 0, len(face.Vertices))
		for _, a := range accum[f] {
			u := unit(a)
			face.Normals = append(face.Normals, float32(u[0]), float32(u[1]), float32(u[2]))
		}
	}

	shape.Edges = w.creases(faceOf, local)
	return shape
}

type welded struct {
	points     [][3]float64
	tris       [][3]int
	areaNormal [][3]float64
}

func weld(tris []Triangle) *welded {
	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, t := range tris {
		for _, p := range t {
			for i := 0; i < 3; i++ {
				lo[i] = math.Min(lo[i], p[i])
				hi[i] = math.Max(hi[i], p[i])
			}
		}
	}
	extent := 0.0
	for i := 0; i < 3; i++ {
		extent = math.Max(extent, hi[i]-lo[i])
	}
	eps := math.Max(extent*1e-7, 1e-12)

	w := &welded{}
	ids := make(map[[3]int64]int)
	id := func(p [3]float64) int {
		k := [3]int64{
			int64(math.Round(p[0] / eps)),
			int64(math.Round(p[1] / eps)),
			int64(math.Round(p[2] / eps)),
		}
		if i, ok := ids[k]; ok {
			return i
		}
		ids[k] = len(w.points)
		w.points = append(w.points, p)
		return len(w.points) - 1
	}

	for _, t := range tris {
		a, b, c := id(t[0]), id(t[1]), id(t[2])
		if a == b || b == c || a == c {
			continue
		}
		n := cross(sub(w.points[b], w.points[a]), sub(w.points[c], w.points[a]))
		if length(n) < eps*eps {
			continue
		}
		w.tris = append(w.tris, [3]int{a, b, c})
		w.areaNormal = append(w.areaNormal, n)
	}
	return w
}

type edgeKey [2]int

func keyOf(a, b int) edgeKey {
	if a > b {
		a, b = b, a
	}
	return edgeKey{a, b}
}

func (w *welded) edgeUsers() map[edgeKey][]int {
	users := make(map[edgeKey][]int)
	for t, tri := range w.tris {
		for j := 0; j < 3; j++ {
			k := keyOf(tri[j], tri[(j+1)%3])
			users[k] = append(users[k], t)
		}
	}
	return users
}

// groupFaces flood-fills triangles across manifold edges whose dihedral
// angle is below angular.
func (w *welded) groupFaces(angular float64) []int {
	users := w.edgeUsers()
	unitN := make([][3]float64, len(w.tris))
	for t, n := range w.areaNormal {
		unitN[t] = unit(n)
	}
	cosLimit := math.Cos(angular)

	faceOf := make([]int, len(w.tris))
	for i := range faceOf {
		faceOf[i] = -1
	}
	next := 0
	for seed := range w.tris {
		if faceOf[seed] >= 0 {
			continue
		}
		faceOf[seed] = next
		queue := []int{seed}
		for len(queue) > 0 {
			t := queue[0]
			queue = queue[1:]
			tri := w.tris[t]
			for j := 0; j < 3; j++ {
				u := users[keyOf(tri[j], tri[(j+1)%3])]
				if len(u) != 2 {
					continue
				}
				other := u[0]
				if other == t {
					other = u[1]
				}
				if faceOf[other] >= 0 || dot(unitN[t], unitN[other]) < cosLimit {
					continue
				}
				faceOf[other] = next
				queue = append(queue, other)
			}
		}
		next++
	}
	return faceOf
}

// creases chains the mesh edges separating two faces, or bounding the
// mesh, into polylines.
func (w *welded) creases(faceOf []int, local []map[int]uint32) []Edge {
	type pair struct{ a, b int }
	segs := make(map[pair][]edgeKey)
	for k, u := range w.edgeUsers() {
		var p pair
		switch {
		case len(u) == 2 && faceOf[u[0]] != faceOf[u[1]]:
			p = pair{min(faceOf[u[0]], faceOf[u[1]]), max(faceOf[u[0]], faceOf[u[1]])}
		case len(u) != 2:
			p = pair{faceOf[u[0]], -1}
		default:
			continue
		}
		segs[p] = append(segs[p], k)
	}

	pairs := make([]pair, 0, len(segs))
	for p := range segs {
		pairs = append(pairs, p)
	}
	slices.SortFunc(pairs, func(x, y pair) int {
		if c := cmp.Compare(x.a, y.a); c != 0 {
			return c
		}
		return cmp.Compare(x.b, y.b)
	})

	var edges []Edge
	for _, p := range pairs {
		ks := segs[p]
		slices.SortFunc(ks, func(x, y edgeKey) int {
			if c := cmp.Compare(x[0], y[0]); c != 0 {
				return c
			}
			return cmp.Compare(x[1], y[1])
		})
		for _, chain := range chainSegments(ks) {
			nodes := make([]uint32, len(chain))
			for i, g := range chain {
				nodes[i] = local[p.a][g]
			}
			edges = append(edges, Edge{Face: p.a, FaceNodes: nodes})
		}
	}
	return edges
}

// chainSegments joins segments sharing endpoints into polylines. Closed
// loops repeat their first point at the end.
func chainSegments(ks []edgeKey) [][]int {
	at := make(map[int][]int)
	for i, k := range ks {
		at[k[0]] = append(at[k[0]], i)
		at[k[1]] = append(at[k[1]], i)
	}
	used := make([]bool, len(ks))

	walk := func(start int) []int {
		chain := []int{start}
		cur := start
		for {
			advanced := false
			for _, si := range at[cur] {
				if used[si] {
					continue
				}
				used[si] = true
				k := ks[si]
				if k[0] == cur {
					cur = k[1]
				} else {
					cur = k[0]
				}
				chain = append(chain, cur)
				advanced = true
				break
			}
			if !advanced {
				return chain
			}
		}
	}

	var chains [][]int
	// Open polylines first, starting from an endpoint.
	for _, k := range ks {
		for _, v := range k {
			if len(at[v])%2 == 1 && slices.ContainsFunc(at[v], func(si int) bool { return !used[si] }) {
				chains = append(chains, walk(v))
			}
		}
	}
	for i, k := range ks {
		if !used[i] {
			chains = append(chains, walk(k[0]))
		}
	}
	return chains
}

func sub(a, b [3]float64) [3]float64 { return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func dot(a, b [3]float64) float64    { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }
func length(a [3]float64) float64    { return math.Sqrt(dot(a, a)) }

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func unit(a [3]float64) [3]float64 {
	l := length(a)
	if l == 0 {
		return a
	}
	return [3]float64{a[0] / l, a[1] / l, a[2] / l}
}
