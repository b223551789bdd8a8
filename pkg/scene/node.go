// Package scene reconciles tessellation batches into a retained render
// scene. One Reconciler owns the ViewState of one view: its nodes,
// selection, exploded view, clip plane and remote pointers. Geometry is
// rebuilt only when an object's buffers change; everything else is
// patched in place.
package scene

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/deadsy/sdfx/sdf"
	v3 "github.com/deadsy/sdfx/vec/v3"

	"github.com/chazu/facet/pkg/awareness"
	"github.com/chazu/facet/pkg/document"
	"github.com/chazu/facet/pkg/tessellate"
)

// Node is the rendered form of one object. Nodes handed to a Surface
// are copies; the reconciler owns the originals.
type Node struct {
	Name         string
	Kind         document.ShapeKind
	Dependencies []string
	Result       *tessellate.Result
	// Err is the object's build error; failed nodes carry no geometry.
	Err error

	Color   string
	Visible bool

	// Bounds is the untransformed bounding box of the mesh.
	Bounds sdf.Box3
	// Offset is the exploded-view displacement. It is never written
	// back to the document.
	Offset v3.Vec

	Selected bool
	// SelectedEdges lists selected edge indices, ascending.
	SelectedEdges []int
	// BoundingBoxVisible shows the selection helper box.
	BoundingBoxVisible bool
	// HelperVisible shows the exploded-view line from the node's
	// original centre to its displaced centre.
	HelperVisible bool
	// RemoteSelected lists the other clients selecting this node.
	RemoteSelected []string
	// StencilBack and StencilFront enable the clip-plane cap passes.
	StencilBack, StencilFront bool
}

// HasGeometry reports whether the node has a mesh to draw.
func (n *Node) HasGeometry() bool {
	return n.Err == nil && n.Result != nil && len(n.Result.Faces) > 0
}

// Center is the centre of the untransformed bounds.
func (n *Node) Center() v3.Vec { return n.Bounds.Center() }

// HelperLine returns the exploded-view helper segment.
func (n *Node) HelperLine() (from, to v3.Vec) {
	c := n.Center()
	return c, c.Add(n.Offset)
}

func (n *Node) clone() Node {
	out := *n
	out.Dependencies = slices.Clone(n.Dependencies)
	out.SelectedEdges = slices.Clone(n.SelectedEdges)
	out.RemoteSelected = slices.Clone(n.RemoteSelected)
	return out
}

// appearance is everything a patch can change.
type appearance struct {
	color                   string
	visible, selected, bbox bool
	helper                  bool
	stencil                 bool
	offset                  v3.Vec
	edges, remote           string
}

func (n *Node) appearance() appearance {
	return appearance{
		color:    n.Color,
		visible:  n.Visible,
		selected: n.Selected,
		bbox:     n.BoundingBoxVisible,
		helper:   n.HelperVisible,
		stencil:  n.StencilBack || n.StencilFront,
		offset:   n.Offset,
		edges:    fmt.Sprint(n.SelectedEdges),
		remote:   strings.Join(n.RemoteSelected, ","),
	}
}

func boundsOf(res *tessellate.Result) sdf.Box3 {
	if res.Meta != nil {
		bb := res.Meta.BoundingBox
		return sdf.Box3{
			Min: v3.Vec{X: bb[0][0], Y: bb[0][1], Z: bb[0][2]},
			Max: v3.Vec{X: bb[1][0], Y: bb[1][1], Z: bb[1][2]},
		}
	}
	var (
		box  sdf.Box3
		seen bool
	)
	for _, f := range res.Faces {
		for i := 0; i+2 < len(f.Vertices); i += 3 {
			p := v3.Vec{X: float64(f.Vertices[i]), Y: float64(f.Vertices[i+1]), Z: float64(f.Vertices[i+2])}
			if !seen {
				box = sdf.Box3{Min: p, Max: p}
				seen = true
				continue
			}
			box = box.Include(p)
		}
	}
	return box
}

// ----------------------------------------------------------------------------
// Edge names
// ----------------------------------------------------------------------------

const edgeSep = ":edge:"

// EdgeName names edge i of object parent.
func EdgeName(parent string, i int) string {
	return parent + edgeSep + strconv.Itoa(i)
}

// ParseEdgeName splits an edge name into its parent and index.
func ParseEdgeName(name string) (parent string, i int, ok bool) {
	at := strings.LastIndex(name, edgeSep)
	if at < 0 {
		return "", 0, false
	}
	i, err := strconv.Atoi(name[at+len(edgeSep):])
	if err != nil || i < 0 {
		return "", 0, false
	}
	return name[:at], i, true
}

// resolve maps a selection entry to its node name and edge index.
func resolve(name string, sel awareness.Selected) (node string, edge int) {
	if sel.Type != awareness.TypeEdge {
		return name, -1
	}
	if parent, i, ok := ParseEdgeName(name); ok {
		if sel.Parent == "" || sel.Parent == parent {
			return parent, i
		}
	}
	return sel.Parent, -1
}
