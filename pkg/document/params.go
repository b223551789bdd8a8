package document

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Vec3 is a point or direction in document space.
type Vec3 [3]float64

// Placement positions an object: translate by Position after rotating
// Angle degrees about Axis.
type Placement struct {
	Position Vec3    `json:"position"`
	Axis     Vec3    `json:"axis"`
	Angle    float64 `json:"angle"`
}

// DefaultPlacement is the identity placement.
func DefaultPlacement() Placement {
	return Placement{Axis: Vec3{0, 0, 1}}
}

// IsIdentity reports whether p neither moves nor rotates.
func (p Placement) IsIdentity() bool {
	return p.Position == (Vec3{}) && p.Angle == 0
}

// Attributes are the fields shared by every parameter variant. Color has
// no effect on geometry.
type Attributes struct {
	Placement Placement `json:"placement"`
	Color     string    `json:"color,omitempty"`
}

// Attrs returns the shared attributes.
func (a Attributes) Attrs() Attributes { return a }

// Parameters is the closed set of per-kind parameter records. The only
// implementations are the *Params types in this file.
type Parameters interface {
	Kind() ShapeKind
	// Operands lists the objects this parameter record consumes, in
	// declaration order. Primitives have none.
	Operands() []string
	Attrs() Attributes
	Validate() error
	params()
}

// ---------------------------------------------------------------------------
// Primitives
// ---------------------------------------------------------------------------

// BoxParams is an axis-aligned box with one corner at the origin.
type BoxParams struct {
	Attributes
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CylinderParams is a cylinder standing on the XY plane along +Z.
type CylinderParams struct {
	Attributes
	Radius float64 `json:"radius"`
	Height float64 `json:"height"`
}

// SphereParams is a sphere centred on the origin.
type SphereParams struct {
	Attributes
	Radius float64 `json:"radius"`
}

// ConeParams is a truncated cone standing on the XY plane along +Z.
// Radius1 is the base radius and Radius2 the top radius.
type ConeParams struct {
	Attributes
	Radius1 float64 `json:"radius1"`
	Radius2 float64 `json:"radius2"`
	Height  float64 `json:"height"`
}

// TorusParams is a torus in the XY plane. Radius1 is the distance from
// the centre to the tube centre, Radius2 the tube radius.
type TorusParams struct {
	Attributes
	Radius1 float64 `json:"radius1"`
	Radius2 float64 `json:"radius2"`
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

// CutParams subtracts Tool from Base.
type CutParams struct {
	Attributes
	Base   string `json:"base"`
	Tool   string `json:"tool"`
	Refine bool   `json:"refine,omitempty"`
}

// FuseParams unions every entry of Shapes.
type FuseParams struct {
	Attributes
	Shapes []string `json:"shapes"`
	Refine bool     `json:"refine,omitempty"`
}

// CommonParams intersects every entry of Shapes.
type CommonParams struct {
	Attributes
	Shapes []string `json:"shapes"`
	Refine bool     `json:"refine,omitempty"`
}

// ChamferParams bevels every edge of Base by Dist.
type ChamferParams struct {
	Attributes
	Base string  `json:"base"`
	Dist float64 `json:"dist"`
}

// FilletParams rounds every edge of Base with Radius.
type FilletParams struct {
	Attributes
	Base   string  `json:"base"`
	Radius float64 `json:"radius"`
}

// ExtrusionParams sweeps the section of Base through its placement plane
// along Dir for LengthFwd.
type ExtrusionParams struct {
	Attributes
	Base      string  `json:"base"`
	Dir       Vec3    `json:"dir"`
	LengthFwd float64 `json:"lengthFwd"`
}

// PostParams asks the post-process workers to export Base in Format.
type PostParams struct {
	Attributes
	Base   string `json:"base"`
	Format string `json:"format"`
}

func (BoxParams) Kind() ShapeKind       { return KindBox }
func (CylinderParams) Kind() ShapeKind  { return KindCylinder }
func (SphereParams) Kind() ShapeKind    { return KindSphere }
func (ConeParams) Kind() ShapeKind      { return KindCone }
func (TorusParams) Kind() ShapeKind     { return KindTorus }
func (CutParams) Kind() ShapeKind       { return KindCut }
func (FuseParams) Kind() ShapeKind      { return KindFuse }
func (CommonParams) Kind() ShapeKind    { return KindCommon }
func (ChamferParams) Kind() ShapeKind   { return KindChamfer }
func (FilletParams) Kind() ShapeKind    { return KindFillet }
func (ExtrusionParams) Kind() ShapeKind { return KindExtrusion }
func (PostParams) Kind() ShapeKind      { return KindPost }

func (BoxParams) Operands() []string         { return nil }
func (CylinderParams) Operands() []string    { return nil }
func (SphereParams) Operands() []string      { return nil }
func (ConeParams) Operands() []string        { return nil }
func (TorusParams) Operands() []string       { return nil }
func (p CutParams) Operands() []string       { return []string{p.Base, p.Tool} }
func (p FuseParams) Operands() []string      { return slices.Clone(p.Shapes) }
func (p CommonParams) Operands() []string    { return slices.Clone(p.Shapes) }
func (p ChamferParams) Operands() []string   { return []string{p.Base} }
func (p FilletParams) Operands() []string    { return []string{p.Base} }
func (p ExtrusionParams) Operands() []string { return []string{p.Base} }
func (p PostParams) Operands() []string      { return []string{p.Base} }

func (BoxParams) params()       {}
func (CylinderParams) params()  {}
func (SphereParams) params()    {}
func (ConeParams) params()      {}
func (TorusParams) params()     {}
func (CutParams) params()       {}
func (FuseParams) params()      {}
func (CommonParams) params()    {}
func (ChamferParams) params()   {}
func (FilletParams) params()    {}
func (ExtrusionParams) params() {}
func (PostParams) params()      {}

// Primitive parameters are checked by the kernel; a degenerate box is a
// build failure of that object, not an invalid document.
func (BoxParams) Validate() error      { return nil }
func (CylinderParams) Validate() error { return nil }
func (SphereParams) Validate() error   { return nil }
func (ConeParams) Validate() error     { return nil }
func (TorusParams) Validate() error    { return nil }

func (p CutParams) Validate() error {
	if p.Base == "" || p.Tool == "" {
		return fmt.Errorf("document: cut needs a base and a tool")
	}
	if p.Base == p.Tool {
		return fmt.Errorf("document: cut base and tool are both %q", p.Base)
	}
	return nil
}

func (p FuseParams) Validate() error   { return validateShapes("fuse", p.Shapes) }
func (p CommonParams) Validate() error { return validateShapes("common", p.Shapes) }

func (p ChamferParams) Validate() error   { return validateBase("chamfer", p.Base) }
func (p FilletParams) Validate() error    { return validateBase("fillet", p.Base) }
func (p ExtrusionParams) Validate() error { return validateBase("extrusion", p.Base) }

func (p PostParams) Validate() error {
	if err := validateBase("post", p.Base); err != nil {
		return err
	}
	if p.Format == "" {
		return fmt.Errorf("document: post needs an output format")
	}
	return nil
}

func validateBase(op, base string) error {
	if base == "" {
		return fmt.Errorf("document: %s needs a base", op)
	}
	return nil
}

func validateShapes(op string, shapes []string) error {
	if len(shapes) < 2 {
		return fmt.Errorf("document: %s needs at least two shapes, got %d", op, len(shapes))
	}
	seen := make(map[string]bool, len(shapes))
	for _, s := range shapes {
		if s == "" {
			return fmt.Errorf("document: %s has an empty shape name", op)
		}
		if seen[s] {
			return fmt.Errorf("document: %s lists %q twice", op, s)
		}
		seen[s] = true
	}
	return nil
}

// ---------------------------------------------------------------------------
// Codec
// ---------------------------------------------------------------------------

// DecodeParams decodes raw into the parameter record for kind.
func DecodeParams(kind ShapeKind, raw []byte) (Parameters, error) {
	var (
		p   Parameters
		err error
	)
	switch kind {
	case KindBox:
		p, err = decodeAs[BoxParams](raw)
	case KindCylinder:
		p, err = decodeAs[CylinderParams](raw)
	case KindSphere:
		p, err = decodeAs[SphereParams](raw)
	case KindCone:
		p, err = decodeAs[ConeParams](raw)
	case KindTorus:
		p, err = decodeAs[TorusParams](raw)
	case KindCut:
		p, err = decodeAs[CutParams](raw)
	case KindFuse:
		p, err = decodeAs[FuseParams](raw)
	case KindCommon:
		p, err = decodeAs[CommonParams](raw)
	case KindChamfer:
		p, err = decodeAs[ChamferParams](raw)
	case KindFillet:
		p, err = decodeAs[FilletParams](raw)
	case KindExtrusion:
		p, err = decodeAs[ExtrusionParams](raw)
	case KindPost:
		p, err = decodeAs[PostParams](raw)
	default:
		return nil, fmt.Errorf("document: no parameters for %s", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("document: decode %s parameters: %w", kind, err)
	}
	return p, nil
}

func decodeAs[T Parameters](raw []byte) (Parameters, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// WithAttributes returns a copy of p carrying a.
func WithAttributes(p Parameters, a Attributes) Parameters {
	switch v := p.(type) {
	case BoxParams:
		v.Attributes = a
		return v
	case CylinderParams:
		v.Attributes = a
		return v
	case SphereParams:
		v.Attributes = a
		return v
	case ConeParams:
		v.Attributes = a
		return v
	case TorusParams:
		v.Attributes = a
		return v
	case CutParams:
		v.Attributes = a
		return v
	case FuseParams:
		v.Attributes = a
		v.Shapes = slices.Clone(v.Shapes)
		return v
	case CommonParams:
		v.Attributes = a
		v.Shapes = slices.Clone(v.Shapes)
		return v
	case ChamferParams:
		v.Attributes = a
		return v
	case FilletParams:
		v.Attributes = a
		return v
	case ExtrusionParams:
		v.Attributes = a
		return v
	case PostParams:
		v.Attributes = a
		return v
	}
	panic(fmt.Sprintf("document: unknown parameters %T", p))
}

// cloneParams returns a copy of p sharing no mutable memory with it.
func cloneParams(p Parameters) Parameters {
	if p == nil {
		return nil
	}
	return WithAttributes(p, p.Attrs())
}
