package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chazu/facet/pkg/document"
	"github.com/chazu/facet/pkg/tessellate"
)

// FormatSTL is the post-process format served by STLHandler.
const FormatSTL = "stl"

// STLHandler serves POSTPROCESS requests by writing binary STL.
type STLHandler struct{}

func (STLHandler) Handle(ctx context.Context, req Request) Message {
	switch req.Action {
	case ActionRegister:
		return Message{Reply: ReplyInitialized}
	case ActionPostProcess:
	default:
		return Message{Err: fmt.Errorf("worker: stl handler cannot serve %s", req.Action)}
	}

	out := make(map[string]document.Output, len(req.Post))
	for _, p := range req.Post {
		if err := ctx.Err(); err != nil {
			return Message{Reply: ReplyDisplayPost, Err: err}
		}
		if p.Format != FormatSTL || p.Mesh == nil || !p.Mesh.OK() {
			continue
		}
		var buf bytes.Buffer
		if err := WriteSTL(&buf, p.Name, p.Mesh); err != nil {
			return Message{Reply: ReplyDisplayPost, Err: fmt.Errorf("worker: stl %s: %w", p.Name, err)}
		}
		out[p.Name] = document.Output{Format: FormatSTL, Data: buf.Bytes()}
	}
	return Message{Reply: ReplyDisplayPost, Outputs: out}
}

type stlTriangle struct {
	Normal [3]float32
	V      [3][3]float32
	Attr   uint16
}

// WriteSTL writes every face of res as a binary STL: an 80 byte header,
// a little-endian triangle count and 50 bytes per triangle.
func WriteSTL(buf *bytes.Buffer, name string, res *tessellate.Result) error {
	var header [80]byte
	copy(header[:], "facet "+name)
	buf.Write(header[:])

	var n uint32
	for _, f := range res.Faces {
		n += uint32(len(f.Indices) / 3)
	}
	if err := binary.Write(buf, binary.LittleEndian, n); err != nil {
		return err
	}

	for _, f := range res.Faces {
		for i := 0; i+2 < len(f.Indices); i += 3 {
			var t stlTriangle
			for j := 0; j < 3; j++ {
				k := int(f.Indices[i+j]) * 3
				if k+2 >= len(f.Vertices) {
					return fmt.Errorf("index %d out of range", f.Indices[i+j])
				}
				t.V[j] = [3]float32{f.Vertices[k], f.Vertices[k+1], f.Vertices[k+2]}
			}
			t.Normal = facetNormal(t.V)
			if err := binary.Write(buf, binary.LittleEndian, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func facetNormal(v [3][3]float32) [3]float32 {
	ax, ay, az := v[1][0]-v[0][0], v[1][1]-v[0][1], v[1][2]-v[0][2]
	bx, by, bz := v[2][0]-v[0][0], v[2][1]-v[0][1], v[2][2]-v[0][2]
	nx, ny, nz := ay*bz-az*by, az*bx-ax*bz, ax*by-ay*bx
	l := float32(math.Sqrt(float64(nx*nx + ny*ny + nz*nz)))
	if l == 0 {
		return [3]float32{}
	}
	return [3]float32{nx / l, ny / l, nz / l}
}
