// Package zdata implements the self-describing ZData envelope.
//
// A ZData value carries a type tag, an optional raw payload and, for
// array-like payloads, the element dtype and shape. Anything else a type
// needs travels in an ordered bag of extra fields:
//
//	{"ztype": "numpy.ndarray", "b": <bytes>, "dtype": "float32", "shape": [2, 3]}
//
// The envelope does not interpret its payload. Adapters built on top of it
// (see package builtin) own the meaning of b, dtype and shape.
package zdata

import (
	"bytes"
	"fmt"
	"sort"

	"vrpc/errs"
)

// Reserved top-level keys of the wire shape.
const (
	KeyType   = "ztype"
	KeyBinary = "b"
	KeyDType  = "dtype"
	KeyShape  = "shape"
)

// ZData is the envelope. B, DType and Shape are absent when nil/empty and are
// then omitted on the wire. A non-nil empty Shape is a scalar.
type ZData struct {
	Type  string
	B     []byte
	DType string
	Shape []int
	Extra Fields
}

func New(tag string) *ZData {
	return &ZData{Type: tag}
}

func (z *ZData) WithBinary(b []byte) *ZData {
	z.B = b
	return z
}

func (z *ZData) WithDType(dtype string) *ZData {
	z.DType = dtype
	return z
}

func (z *ZData) WithShape(shape ...int) *ZData {
	z.Shape = append(make([]int, 0, len(shape)), shape...)
	return z
}

// WithField sets an extra field. Reserved keys are ignored on the wire, so
// use the typed setters for them.
func (z *ZData) WithField(key string, v any) *ZData {
	z.Extra.Set(key, v)
	return z
}

func (z *ZData) Field(key string) (any, bool) {
	return z.Extra.Get(key)
}

// StringField returns an extra field that must be a string.
func (z *ZData) StringField(key string) (string, error) {
	v, ok := z.Extra.Get(key)
	if !ok {
		return "", errs.New(errs.KindMissingField, "%s missing from %s", key, z.Type)
	}
	s, ok := v.(string)
	if !ok {
		return "", errs.New(errs.KindTypeConversion, "%s.%s: expected string, got %T", z.Type, key, v)
	}
	return s, nil
}

func (z *ZData) IsType(tag string) bool {
	return z != nil && z.Type == tag
}

// NumElements returns the product of Shape. A scalar shape yields 1.
func (z *ZData) NumElements() int {
	n := 1
	for _, d := range z.Shape {
		n *= d
	}
	return n
}

// CheckLayout verifies the payload contract: dtype or shape require a
// binary payload, and when the dtype size is known the payload length must
// equal shape product times element size.
func (z *ZData) CheckLayout() error {
	if z.Type == "" {
		return errs.New(errs.KindMissingField, "%s is empty", KeyType)
	}
	for _, d := range z.Shape {
		if d < 0 {
			return errs.New(errs.KindTypeConversion, "%s: negative dimension in shape %v", z.Type, z.Shape)
		}
	}
	if z.DType == "" && z.Shape == nil {
		return nil
	}
	if z.B == nil {
		return errs.New(errs.KindMissingField, "binary data missing from %s", z.Type)
	}
	if z.DType == "" || z.Shape == nil {
		return nil
	}
	size, ok := DTypeSize(z.DType)
	if !ok {
		return nil
	}
	if want := z.NumElements() * size; len(z.B) != want {
		return errs.New(errs.KindTypeConversion, "%s: %d bytes for shape %v of %s, want %d",
			z.Type, len(z.B), z.Shape, z.DType, want)
	}
	return nil
}

// Equal reports whether two envelopes carry the same tag, payload, layout and
// extra fields in the same order. Extra values are compared by their printed
// form.
func (z *ZData) Equal(o *ZData) bool {
	if z == nil || o == nil {
		return z == o
	}
	if z.Type != o.Type || z.DType != o.DType || !bytes.Equal(z.B, o.B) {
		return false
	}
	if (z.Shape == nil) != (o.Shape == nil) || len(z.Shape) != len(o.Shape) {
		return false
	}
	for i := range z.Shape {
		if z.Shape[i] != o.Shape[i] {
			return false
		}
	}
	zk, ok := z.Extra.Keys(), o.Extra.Keys()
	if len(zk) != len(ok) {
		return false
	}
	for i, k := range zk {
		if ok[i] != k {
			return false
		}
		a, _ := z.Extra.Get(k)
		b, _ := o.Extra.Get(k)
		if fmt.Sprint(a) != fmt.Sprint(b) {
			return false
		}
	}
	return true
}

func (z *ZData) String() string {
	return fmt.Sprintf("ZData(%s, %d bytes, dtype=%q, shape=%v, extra=%v)", z.Type, len(z.B), z.DType, z.Shape, z.Extra.Keys())
}

var dtypeSizes = map[string]int{
	"bool":    1,
	"int8":    1,
	"uint8":   1,
	"int16":   2,
	"uint16":  2,
	"float16": 2,
	"int32":   4,
	"uint32":  4,
	"float32": 4,
	"int64":   8,
	"uint64":  8,
	"float64": 8,
}

// DTypeSize returns the element size in bytes of a numpy-style dtype name.
func DTypeSize(dtype string) (int, bool) {
	n, ok := dtypeSizes[dtype]
	return n, ok
}

// IsZData reports whether v is an envelope: a *ZData, a ZData, or a plain
// map carrying a string ztype key.
func IsZData(v any) bool {
	_, ok := TagOf(v)
	return ok
}

// TagOf returns the type tag of an envelope-shaped value.
func TagOf(v any) (string, bool) {
	switch t := v.(type) {
	case *ZData:
		if t == nil {
			return "", false
		}
		return t.Type, true
	case ZData:
		return t.Type, true
	case map[string]any:
		s, ok := t[KeyType].(string)
		return s, ok
	}
	return "", false
}

// FromMap builds an envelope from a generic map, as produced by decoding a
// text codec. Binary payloads may arrive as []byte or base64 text. Extra
// fields are added in sorted key order since the map carries none.
func FromMap(m map[string]any) (*ZData, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var f Fields
	for _, k := range keys {
		f.Set(k, m[k])
	}
	z := &ZData{}
	if err := z.fromFields(&f); err != nil {
		return nil, err
	}
	return z, nil
}

// Map returns the envelope as a generic map in wire shape.
func (z *ZData) Map() map[string]any {
	m := z.Extra.Map()
	for _, k := range []string{KeyType, KeyBinary, KeyDType, KeyShape} {
		delete(m, k)
	}
	m[KeyType] = z.Type
	if z.B != nil {
		m[KeyBinary] = z.B
	}
	if z.DType != "" {
		m[KeyDType] = z.DType
	}
	if z.Shape != nil {
		shape := make([]any, len(z.Shape))
		for i, d := range z.Shape {
			shape[i] = int64(d)
		}
		m[KeyShape] = shape
	}
	return m
}

func isReserved(key string) bool {
	switch key {
	case KeyType, KeyBinary, KeyDType, KeyShape:
		return true
	}
	return false
}
