package document

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// OpKind names a single document mutation.
type OpKind string

const (
	OpAdd          OpKind = "add"
	OpRemove       OpKind = "remove"
	OpSetVisible   OpKind = "setVisible"
	OpSetParams    OpKind = "setParams"
	OpSetMeta      OpKind = "setMeta"
	OpSetOption    OpKind = "setOption"
	OpSetOutput    OpKind = "setOutput"
	OpRemoveOutput OpKind = "removeOutput"
)

// affectsGeometry reports whether ops of this kind change what the
// tessellation pipeline produces or displays.
func (k OpKind) affectsGeometry() bool {
	switch k {
	case OpAdd, OpRemove, OpSetVisible, OpSetParams:
		return true
	}
	return false
}

// Op is one mutation inside a Transaction. Which fields are meaningful
// depends on Kind.
type Op struct {
	Kind    OpKind
	Name    string
	Object  *Object
	Visible bool
	Params  Parameters
	Meta    *ShapeMetadata
	Key     string
	Value   json.RawMessage
	Output  *Output
}

type opJSON struct {
	Kind       OpKind          `json:"op"`
	Name       string          `json:"name,omitempty"`
	Object     *Object         `json:"object,omitempty"`
	Visible    bool            `json:"visible,omitempty"`
	ParamsKind *ShapeKind      `json:"paramsKind,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Meta       *ShapeMetadata  `json:"meta,omitempty"`
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Output     *Output         `json:"output,omitempty"`
}

func (op Op) MarshalJSON() ([]byte, error) {
	j := opJSON{
		Kind:    op.Kind,
		Name:    op.Name,
		Object:  op.Object,
		Visible: op.Visible,
		Meta:    op.Meta,
		Key:     op.Key,
		Value:   op.Value,
		Output:  op.Output,
	}
	if op.Params != nil {
		k := op.Params.Kind()
		raw, err := json.Marshal(op.Params)
		if err != nil {
			return nil, err
		}
		j.ParamsKind, j.Params = &k, raw
	}
	return json.Marshal(j)
}

func (op *Op) UnmarshalJSON(b []byte) error {
	var j opJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*op = Op{
		Kind:    j.Kind,
		Name:    j.Name,
		Object:  j.Object,
		Visible: j.Visible,
		Meta:    j.Meta,
		Key:     j.Key,
		Value:   j.Value,
		Output:  j.Output,
	}
	if j.ParamsKind != nil {
		p, err := DecodeParams(*j.ParamsKind, j.Params)
		if err != nil {
			return err
		}
		op.Params = p
	}
	return nil
}

// Transaction is an ordered group of ops applied all-or-nothing.
type Transaction struct {
	ID     string `json:"id"`
	Origin string `json:"origin,omitempty"`
	Ops    []Op   `json:"ops"`
}

// NewTransaction returns a transaction with a fresh ID.
func NewTransaction(origin string, ops ...Op) Transaction {
	return Transaction{ID: uuid.NewString(), Origin: origin, Ops: ops}
}

// ---------------------------------------------------------------------------
// Op constructors
// ---------------------------------------------------------------------------

// AddOp inserts obj at the end of the document.
func AddOp(obj Object) Op {
	c := obj.Clone()
	return Op{Kind: OpAdd, Name: obj.Name, Object: &c}
}

// RemoveOp deletes the named object and its output.
func RemoveOp(name string) Op { return Op{Kind: OpRemove, Name: name} }

// SetVisibleOp shows or hides the named object.
func SetVisibleOp(name string, visible bool) Op {
	return Op{Kind: OpSetVisible, Name: name, Visible: visible}
}

// SetParamsOp replaces the parameters of the named object. The kind must
// not change.
func SetParamsOp(name string, p Parameters) Op {
	return Op{Kind: OpSetParams, Name: name, Params: cloneParams(p)}
}

// SetMetaOp records derived shape metadata on the named object.
func SetMetaOp(name string, meta ShapeMetadata) Op {
	return Op{Kind: OpSetMeta, Name: name, Meta: &meta}
}

// SetOptionOp sets key to the JSON encoding of v, or deletes it when v
// is nil.
func SetOptionOp(key string, v any) (Op, error) {
	if v == nil {
		return Op{Kind: OpSetOption, Key: key}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Op{}, fmt.Errorf("document: option %q: %w", key, err)
	}
	return Op{Kind: OpSetOption, Key: key, Value: raw}, nil
}

// SetOutputOp attaches a post-processing artifact to the named object.
func SetOutputOp(name string, out Output) Op {
	return Op{Kind: OpSetOutput, Name: name, Output: &out}
}

// RemoveOutputOp drops the named object's artifact.
func RemoveOutputOp(name string) Op { return Op{Kind: OpRemoveOutput, Name: name} }
