package engine

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/chazu/facet/pkg/document"
	zygo "github.com/glycerine/zygomys/zygo"
)

// ---------------------------------------------------------------------------
// Scratch document
// ---------------------------------------------------------------------------

// recorder is the scratch store's submitter: it applies each transaction
// locally and keeps it for the Script.
type recorder struct {
	store *document.Store
	txns  []document.Transaction
}

func (r *recorder) Submit(txn document.Transaction) error {
	if _, err := r.store.Apply(txn); err != nil {
		return err
	}
	r.txns = append(r.txns, txn)
	return nil
}

// builder is the state shared by the builtins of one evaluation.
type builder struct {
	rec     *recorder
	store   *document.Store
	created []string
}

func newBuilder(base *document.Snapshot) (*builder, error) {
	rec := &recorder{}
	store := document.NewStore(
		document.WithOrigin(scriptOrigin),
		document.WithSubmitter(rec),
		document.WithLogger(slog.New(slog.DiscardHandler)),
	)
	rec.store = store
	if base != nil {
		if _, err := store.Load(base); err != nil {
			return nil, fmt.Errorf("engine: base snapshot: %w", err)
		}
	}
	return &builder{rec: rec, store: store}, nil
}

func (b *builder) script() *Script {
	return &Script{
		Transactions: b.rec.txns,
		Snapshot:     b.store.Snapshot(),
		Created:      b.created,
	}
}

func (b *builder) nameFor(explicit, prefix string) string {
	if explicit != "" {
		return explicit
	}
	return b.store.NewName(prefix)
}

// ---------------------------------------------------------------------------
// Custom Sexp types for passing Go values through the zygomys environment
// ---------------------------------------------------------------------------

// sexpShapeRef names a document object. Builtins that create objects
// return one; builtins that consume objects accept one or a plain string.
type sexpShapeRef struct {
	name string
}

func (r *sexpShapeRef) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(shape %q)", r.name)
}
func (r *sexpShapeRef) Type() *zygo.RegisteredType { return nil }

// sexpVec3 wraps a document.Vec3.
type sexpVec3 struct {
	vec document.Vec3
}

func (v *sexpVec3) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(vec3 %g %g %g)", v.vec[0], v.vec[1], v.vec[2])
}
func (v *sexpVec3) Type() *zygo.RegisteredType { return nil }

// ---------------------------------------------------------------------------
// Keyword argument parsing
// ---------------------------------------------------------------------------

// kwPrefix is the marker prepended to keyword names by preprocessSource.
const kwPrefix = "__kw_"

// isKW reports whether s is a preprocessed keyword and returns its name.
func isKW(s zygo.Sexp) (string, bool) {
	str, ok := s.(*zygo.SexpStr)
	if !ok {
		return "", false
	}
	if strings.HasPrefix(str.S, kwPrefix) {
		return str.S[len(kwPrefix):], true
	}
	return "", false
}

// kwArgs holds the result of parsing a mixed positional+keyword argument list.
type kwArgs struct {
	kw         map[string]zygo.Sexp
	positional []zygo.Sexp
}

// parseArgs separates args into keyword and positional arguments.
func parseArgs(args []zygo.Sexp) kwArgs {
	result := kwArgs{kw: make(map[string]zygo.Sexp)}
	i := 0
	for i < len(args) {
		name, ok := isKW(args[i])
		if !ok {
			result.positional = append(result.positional, args[i])
			i++
			continue
		}
		if i+1 < len(args) {
			result.kw[name] = args[i+1]
			i += 2
		} else {
			// A trailing keyword is a flag.
			result.kw[name] = &zygo.SexpBool{Val: true}
			i++
		}
	}
	return result
}

func (a kwArgs) float(key string, def float64) (float64, error) {
	v, ok := a.kw[key]
	if !ok {
		return def, nil
	}
	f, err := toFloat64(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func (a kwArgs) str(key, def string) (string, error) {
	v, ok := a.kw[key]
	if !ok {
		return def, nil
	}
	s, err := toKeywordString(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return s, nil
}

func (a kwArgs) boolean(key string, def bool) (bool, error) {
	v, ok := a.kw[key]
	if !ok {
		return def, nil
	}
	bv, ok := v.(*zygo.SexpBool)
	if !ok {
		return false, fmt.Errorf("%s: expected true or false, got %s", key, v.SexpString(nil))
	}
	return bv.Val, nil
}

func (a kwArgs) vec(key string, def document.Vec3) (document.Vec3, error) {
	v, ok := a.kw[key]
	if !ok {
		return def, nil
	}
	out, err := toVec3(v)
	if err != nil {
		return document.Vec3{}, fmt.Errorf("%s: %w", key, err)
	}
	return out, nil
}

// attributes reads the keywords every shape accepts: :name, :at, :axis,
// :angle and :color.
func (a kwArgs) attributes() (name string, attrs document.Attributes, err error) {
	if name, err = a.str("name", ""); err != nil {
		return
	}
	p := document.DefaultPlacement()
	if p.Position, err = a.vec("at", p.Position); err != nil {
		return
	}
	if p.Axis, err = a.vec("axis", p.Axis); err != nil {
		return
	}
	if p.Angle, err = a.float("angle", 0); err != nil {
		return
	}
	attrs.Placement = p
	attrs.Color, err = a.str("color", "")
	return
}

// ---------------------------------------------------------------------------
// Value extraction helpers
// ---------------------------------------------------------------------------

// toFloat64 extracts a float64 from a Sexp (SexpInt or SexpFloat).
func toFloat64(s zygo.Sexp) (float64, error) {
	switch v := s.(type) {
	case *zygo.SexpInt:
		return float64(v.Val), nil
	case *zygo.SexpFloat:
		return v.Val, nil
	}
	return 0, fmt.Errorf("expected number, got %T (%s)", s, s.SexpString(nil))
}

// toKeywordString extracts a keyword name or plain string from a Sexp.
func toKeywordString(s zygo.Sexp) (string, error) {
	str, ok := s.(*zygo.SexpStr)
	if !ok {
		return "", fmt.Errorf("expected keyword or string, got %T (%s)", s, s.SexpString(nil))
	}
	return strings.TrimPrefix(str.S, kwPrefix), nil
}

// toShapeName accepts a shape reference or an object name.
func toShapeName(s zygo.Sexp) (string, error) {
	switch v := s.(type) {
	case *sexpShapeRef:
		return v.name, nil
	case *zygo.SexpStr:
		return v.S, nil
	}
	return "", fmt.Errorf("expected shape or name, got %T (%s)", s, s.SexpString(nil))
}

// toVec3 accepts (vec3 x y z) or a three-number list or array.
func toVec3(s zygo.Sexp) (document.Vec3, error) {
	if v, ok := s.(*sexpVec3); ok {
		return v.vec, nil
	}
	items, err := sexpListToSlice(s)
	if err != nil || len(items) != 3 {
		return document.Vec3{}, fmt.Errorf("expected vec3, got %T (%s)", s, s.SexpString(nil))
	}
	var out document.Vec3
	for i, it := range items {
		if out[i], err = toFloat64(it); err != nil {
			return document.Vec3{}, err
		}
	}
	return out, nil
}

// toValue converts a Sexp into a JSON-encodable Go value for options.
func toValue(s zygo.Sexp) (any, error) {
	switch v := s.(type) {
	case *zygo.SexpInt:
		return v.Val, nil
	case *zygo.SexpFloat:
		return v.Val, nil
	case *zygo.SexpBool:
		return v.Val, nil
	case *zygo.SexpStr:
		return strings.TrimPrefix(v.S, kwPrefix), nil
	case *sexpVec3:
		return v.vec, nil
	case *sexpShapeRef:
		return v.name, nil
	}
	items, err := sexpListToSlice(s)
	if err != nil {
		return nil, fmt.Errorf("unsupported option value %T (%s)", s, s.SexpString(nil))
	}
	out := make([]any, len(items))
	for i, it := range items {
		if out[i], err = toValue(it); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// sexpListToSlice converts a SexpPair (Lisp list) or SexpArray to a Go slice.
func sexpListToSlice(s zygo.Sexp) ([]zygo.Sexp, error) {
	switch v := s.(type) {
	case *zygo.SexpPair:
		return zygo.ListToArray(v)
	case *zygo.SexpArray:
		return v.Val, nil
	case *zygo.SexpSentinel:
		if v == zygo.SexpNull {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("expected list or array, got %T", s)
}

// shapeNames flattens positional arguments into object names. Lists and
// arrays are expanded in place.
func shapeNames(args []zygo.Sexp) ([]string, error) {
	var names []string
	for _, a := range args {
		if _, ok := a.(*sexpShapeRef); !ok {
			if items, err := sexpListToSlice(a); err == nil {
				sub, err := shapeNames(items)
				if err != nil {
					return nil, err
				}
				names = append(names, sub...)
				continue
			}
		}
		n, err := toShapeName(a)
		if err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, nil
}

// ---------------------------------------------------------------------------
// Builtin registration
// ---------------------------------------------------------------------------

// primitiveBuilder reads a primitive's dimensions.
type primitiveBuilder func(a kwArgs, attrs document.Attributes) (document.Parameters, error)

var primitives = map[string]struct {
	prefix string
	build  primitiveBuilder
}{
	// (box :length 10 :width 10 :height 10)
	"box": {"Box", func(a kwArgs, attrs document.Attributes) (document.Parameters, error) {
		p := document.BoxParams{Attributes: attrs}
		var err error
		if p.Length, err = a.float("length", 10); err != nil {
			return nil, err
		}
		if p.Width, err = a.float("width", 10); err != nil {
			return nil, err
		}
		p.Height, err = a.float("height", 10)
		return p, err
	}},
	// (cylinder :radius 2 :height 10)
	"cylinder": {"Cylinder", func(a kwArgs, attrs document.Attributes) (document.Parameters, error) {
		p := document.CylinderParams{Attributes: attrs}
		var err error
		if p.Radius, err = a.float("radius", 2); err != nil {
			return nil, err
		}
		p.Height, err = a.float("height", 10)
		return p, err
	}},
	// (sphere :radius 5)
	"sphere": {"Sphere", func(a kwArgs, attrs document.Attributes) (document.Parameters, error) {
		p := document.SphereParams{Attributes: attrs}
		var err error
		p.Radius, err = a.float("radius", 5)
		return p, err
	}},
	// (cone :radius1 2 :radius2 4 :height 10)
	"cone": {"Cone", func(a kwArgs, attrs document.Attributes) (document.Parameters, error) {
		p := document.ConeParams{Attributes: attrs}
		var err error
		if p.Radius1, err = a.float("radius1", 2); err != nil {
			return nil, err
		}
		if p.Radius2, err = a.float("radius2", 4); err != nil {
			return nil, err
		}
		p.Height, err = a.float("height", 10)
		return p, err
	}},
	// (torus :radius1 10 :radius2 2)
	"torus": {"Torus", func(a kwArgs, attrs document.Attributes) (document.Parameters, error) {
		p := document.TorusParams{Attributes: attrs}
		var err error
		if p.Radius1, err = a.float("radius1", 10); err != nil {
			return nil, err
		}
		p.Radius2, err = a.float("radius2", 2)
		return p, err
	}},
}

// operatorBuilder reads an operator's operands and parameters.
type operatorBuilder func(operands []string, a kwArgs, attrs document.Attributes) (document.Parameters, error)

var operators = map[string]struct {
	prefix string
	// keep is the default for :keep, which leaves operands visible.
	keep  bool
	build operatorBuilder
}{
	// (cut base tool)
	"cut": {"Cut", false, func(ops []string, a kwArgs, attrs document.Attributes) (document.Parameters, error) {
		if len(ops) != 2 {
			return nil, fmt.Errorf("expected base and tool, got %d shapes", len(ops))
		}
		refine, err := a.boolean("refine", false)
		return document.CutParams{Attributes: attrs, Base: ops[0], Tool: ops[1], Refine: refine}, err
	}},
	// (fuse a b ...)
	"fuse": {"Fusion", false, func(ops []string, a kwArgs, attrs document.Attributes) (document.Parameters, error) {
		refine, err := a.boolean("refine", false)
		return document.FuseParams{Attributes: attrs, Shapes: ops, Refine: refine}, err
	}},
	// (common a b ...)
	"common": {"Common", false, func(ops []string, a kwArgs, attrs document.Attributes) (document.Parameters, error) {
		refine, err := a.boolean("refine", false)
		return document.CommonParams{Attributes: attrs, Shapes: ops, Refine: refine}, err
	}},
	// (chamfer base :dist 1)
	"chamfer": {"Chamfer", false, func(ops []string, a kwArgs, attrs document.Attributes) (document.Parameters, error) {
		if len(ops) != 1 {
			return nil, fmt.Errorf("expected one base shape, got %d", len(ops))
		}
		d, err := a.float("dist", 1)
		return document.ChamferParams{Attributes: attrs, Base: ops[0], Dist: d}, err
	}},
	// (fillet base :radius 1)
	"fillet": {"Fillet", false, func(ops []string, a kwArgs, attrs document.Attributes) (document.Parameters, error) {
		if len(ops) != 1 {
			return nil, fmt.Errorf("expected one base shape, got %d", len(ops))
		}
		r, err := a.float("radius", 1)
		return document.FilletParams{Attributes: attrs, Base: ops[0], Radius: r}, err
	}},
	// (extrude base :dir (vec3 0 0 1) :length 10)
	"extrude": {"Extrude", false, func(ops []string, a kwArgs, attrs document.Attributes) (document.Parameters, error) {
		if len(ops) != 1 {
			return nil, fmt.Errorf("expected one base shape, got %d", len(ops))
		}
		dir, err := a.vec("dir", document.Vec3{0, 0, 1})
		if err != nil {
			return nil, err
		}
		l, err := a.float("length", 10)
		return document.ExtrusionParams{Attributes: attrs, Base: ops[0], Dir: dir, LengthFwd: l}, err
	}},
	// (post base :format "stl")
	"post": {"Export", true, func(ops []string, a kwArgs, attrs document.Attributes) (document.Parameters, error) {
		if len(ops) != 1 {
			return nil, fmt.Errorf("expected one base shape, got %d", len(ops))
		}
		f, err := a.str("format", "stl")
		return document.PostParams{Attributes: attrs, Base: ops[0], Format: f}, err
	}},
}

// registerBuiltins installs the facet builtins into env. Every builtin
// that edits the document commits exactly one transaction to b's scratch
// store.
//
// Source code must be preprocessed with preprocessSource() before evaluation so
// that :keyword tokens are converted to recognizable string literals.
func registerBuiltins(env *zygo.Zlisp, b *builder) {
	// (vec3 x y z)
	env.AddFunction("vec3", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		if len(args) != 3 {
			return zygo.SexpNull, fmt.Errorf("vec3 requires 3 arguments, got %d", len(args))
		}
		v, err := toVec3(&zygo.SexpArray{Val: args})
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("vec3: %w", err)
		}
		return &sexpVec3{vec: v}, nil
	})

	for fn, prim := range primitives {
		env.AddFunction(fn, func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
			pa := parseArgs(args)
			objName, attrs, err := pa.attributes()
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("%s: %w", fn, err)
			}
			params, err := prim.build(pa, attrs)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("%s: %w", fn, err)
			}
			obj := document.Object{Name: b.nameFor(objName, prim.prefix), Params: params, Visible: true}
			if err := b.store.Add(obj); err != nil {
				return zygo.SexpNull, fmt.Errorf("%s: %w", fn, err)
			}
			b.created = append(b.created, obj.Name)
			return &sexpShapeRef{name: obj.Name}, nil
		})
	}

	for fn, op := range operators {
		env.AddFunction(fn, func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
			pa := parseArgs(args)
			objName, attrs, err := pa.attributes()
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("%s: %w", fn, err)
			}
			operands, err := shapeNames(pa.positional)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("%s: %w", fn, err)
			}
			keep, err := pa.boolean("keep", op.keep)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("%s: %w", fn, err)
			}
			params, err := op.build(operands, pa, attrs)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("%s: %w", fn, err)
			}
			obj := document.Object{
				Name:         b.nameFor(objName, op.prefix),
				Params:       params,
				Dependencies: params.Operands(),
			}
			if err := b.store.AddOperator(obj, !keep); err != nil {
				return zygo.SexpNull, fmt.Errorf("%s: %w", fn, err)
			}
			b.created = append(b.created, obj.Name)
			return &sexpShapeRef{name: obj.Name}, nil
		})
	}

	// (remove shape) removes shape and everything built on it, returning
	// the number of objects removed.
	env.AddFunction("remove", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		if len(args) != 1 {
			return zygo.SexpNull, fmt.Errorf("remove requires one shape")
		}
		target, err := toShapeName(args[0])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("remove: %w", err)
		}
		removed, err := b.store.Remove(target, nil)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("remove: %w", err)
		}
		return &zygo.SexpInt{Val: int64(len(removed))}, nil
	})

	// (hide a b ...) and (show a b ...)
	for fn, visible := range map[string]bool{"hide": false, "show": true} {
		env.AddFunction(fn, func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
			names, err := shapeNames(args)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("%s: %w", fn, err)
			}
			for _, n := range names {
				if err := b.store.SetVisible(n, visible); err != nil {
					return zygo.SexpNull, fmt.Errorf("%s: %w", fn, err)
				}
			}
			return zygo.SexpNull, nil
		})
	}

	// (option :key value)
	env.AddFunction("option", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		if len(args) != 2 {
			return zygo.SexpNull, fmt.Errorf("option requires a key and a value")
		}
		key, err := toKeywordString(args[0])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("option: key: %w", err)
		}
		v, err := toValue(args[1])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("option %s: %w", key, err)
		}
		if err := b.store.SetOption(key, v); err != nil {
			return zygo.SexpNull, fmt.Errorf("option %s: %w", key, err)
		}
		return zygo.SexpNull, nil
	})
}
