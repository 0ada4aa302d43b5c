package zdata

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"vrpc/errs"
)

var (
	_ msgpack.CustomEncoder = ZData{}
	_ msgpack.CustomDecoder = (*ZData)(nil)
	_ msgpack.CustomEncoder = Fields{}
	_ msgpack.CustomDecoder = (*Fields)(nil)
	_ json.Marshaler        = ZData{}
	_ json.Unmarshaler      = (*ZData)(nil)
)

// EncodeMsgpack writes the envelope as a map: ztype first, then b, dtype and
// shape when present, then extra fields in insertion order. Extra fields
// shadowing a reserved key are dropped.
func (z ZData) EncodeMsgpack(e *msgpack.Encoder) error {
	if z.Type == "" {
		return errs.New(errs.KindMissingField, "%s is empty", KeyType)
	}
	n := 1
	if z.B != nil {
		n++
	}
	if z.DType != "" {
		n++
	}
	if z.Shape != nil {
		n++
	}
	extra := z.extraKeys()
	if err := e.EncodeMapLen(n + len(extra)); err != nil {
		return err
	}
	if err := encodePair(e, KeyType, z.Type); err != nil {
		return err
	}
	if z.B != nil {
		if err := e.EncodeString(KeyBinary); err != nil {
			return err
		}
		if err := e.EncodeBytes(z.B); err != nil {
			return err
		}
	}
	if z.DType != "" {
		if err := encodePair(e, KeyDType, z.DType); err != nil {
			return err
		}
	}
	if z.Shape != nil {
		if err := e.EncodeString(KeyShape); err != nil {
			return err
		}
		if err := e.EncodeArrayLen(len(z.Shape)); err != nil {
			return err
		}
		for _, d := range z.Shape {
			if err := e.EncodeInt(int64(d)); err != nil {
				return err
			}
		}
	}
	for _, k := range extra {
		v, _ := z.Extra.Get(k)
		if err := e.EncodeString(k); err != nil {
			return err
		}
		if err := e.Encode(v); err != nil {
			return fmt.Errorf("zdata %s: field %s: %w", z.Type, k, err)
		}
	}
	return nil
}

func encodePair(e *msgpack.Encoder, k, v string) error {
	if err := e.EncodeString(k); err != nil {
		return err
	}
	return e.EncodeString(v)
}

func (z *ZData) DecodeMsgpack(d *msgpack.Decoder) error {
	f, isNil, err := readFields(d)
	if err != nil {
		return err
	}
	if isNil {
		return errs.New(errs.KindMissingField, "%s: nil envelope", KeyType)
	}
	*z = ZData{}
	return z.fromFields(&f)
}

// EncodeMsgpack writes the bag as a map in insertion order.
func (f Fields) EncodeMsgpack(e *msgpack.Encoder) error {
	if err := e.EncodeMapLen(len(f.keys)); err != nil {
		return err
	}
	for _, k := range f.keys {
		if err := e.EncodeString(k); err != nil {
			return err
		}
		if err := e.Encode(f.vals[k]); err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
	}
	return nil
}

func (f *Fields) DecodeMsgpack(d *msgpack.Decoder) error {
	out, _, err := readFields(d)
	if err != nil {
		return err
	}
	*f = out
	return nil
}

// DecodeMapValue decodes a msgpack map keeping key order. A map carrying a
// string ztype becomes a *ZData; any other map becomes map[string]any.
// Install it with Decoder.SetMapDecoder so envelopes nested anywhere in an
// untyped value come back as *ZData.
func DecodeMapValue(d *msgpack.Decoder) (any, error) {
	f, isNil, err := readFields(d)
	if err != nil || isNil {
		return nil, err
	}
	if v, ok := f.Get(KeyType); ok {
		if _, ok := v.(string); ok {
			z := &ZData{}
			if err := z.fromFields(&f); err != nil {
				return nil, err
			}
			return z, nil
		}
	}
	return f.Map(), nil
}

func readFields(d *msgpack.Decoder) (Fields, bool, error) {
	var f Fields
	n, err := d.DecodeMapLen()
	if err != nil {
		return f, false, err
	}
	if n == -1 {
		return f, true, nil
	}
	for i := 0; i < n; i++ {
		k, err := d.DecodeString()
		if err != nil {
			return f, false, fmt.Errorf("map key: %w", err)
		}
		v, err := DecodeValue(d)
		if err != nil {
			return f, false, fmt.Errorf("map value %s: %w", k, err)
		}
		f.Set(k, v)
	}
	return f, false, nil
}

// DecodeValue decodes the next msgpack value into a generic Go value. Maps
// go through DecodeMapValue, binary stays []byte, integers come back as
// int64 (uint64 above math.MaxInt64) and floats as float64.
func DecodeValue(d *msgpack.Decoder) (any, error) {
	c, err := d.PeekCode()
	if err != nil {
		return nil, err
	}
	switch {
	case msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32:
		return DecodeMapValue(d)
	case msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32:
		n, err := d.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		out := make([]any, n)
		for i := range out {
			if out[i], err = DecodeValue(d); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	v, err := d.DecodeInterface()
	if err != nil {
		return nil, err
	}
	return NormalizeNumber(v), nil
}

// NormalizeNumber maps every Go numeric type, and json.Number, onto int64,
// uint64 or float64 so values compare equally whatever codec carried them.
// Other values are returned unchanged.
func NormalizeNumber(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return normalizeUint(uint64(n))
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return normalizeUint(n)
	case float32:
		return float64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}

func normalizeUint(n uint64) any {
	if n <= math.MaxInt64 {
		return int64(n)
	}
	return n
}

// MarshalJSON writes the envelope as a JSON object with the payload in
// standard base64. Key order matches the msgpack form.
func (z ZData) MarshalJSON() ([]byte, error) {
	if z.Type == "" {
		return nil, errs.New(errs.KindMissingField, "%s is empty", KeyType)
	}
	var f Fields
	f.Set(KeyType, z.Type)
	if z.B != nil {
		f.Set(KeyBinary, z.B)
	}
	if z.DType != "" {
		f.Set(KeyDType, z.DType)
	}
	if z.Shape != nil {
		f.Set(KeyShape, z.Shape)
	}
	for _, k := range z.extraKeys() {
		v, _ := z.Extra.Get(k)
		f.Set(k, v)
	}
	return f.MarshalJSON()
}

func (z *ZData) UnmarshalJSON(b []byte) error {
	var f Fields
	if err := f.UnmarshalJSON(b); err != nil {
		return err
	}
	*z = ZData{}
	return z.fromFields(&f)
}

// MarshalJSON writes the bag as a JSON object in insertion order.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range f.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(f.vals[k])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping its top-level key order. Nested
// values decode as generic values with numbers normalized.
func (f *Fields) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*f = Fields{}
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}
	var out Fields
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		k, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		out.Set(k, NormalizeDeep(v))
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*f = out
	return nil
}

// NormalizeDeep applies NormalizeNumber through nested slices and maps.
func NormalizeDeep(v any) any {
	switch t := v.(type) {
	case []any:
		for i := range t {
			t[i] = NormalizeDeep(t[i])
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = NormalizeDeep(e)
		}
		return t
	}
	return NormalizeNumber(v)
}

func (z *ZData) fromFields(f *Fields) error {
	var err error
	f.Range(func(k string, v any) bool {
		switch k {
		case KeyType:
			s, ok := v.(string)
			if !ok || s == "" {
				err = errs.New(errs.KindMissingField, "%s", KeyType)
			}
			z.Type = s
		case KeyBinary:
			z.B, err = toBytes(v)
		case KeyDType:
			if v == nil {
				break
			}
			s, ok := v.(string)
			if !ok {
				err = errs.New(errs.KindTypeConversion, "dtype: expected string, got %T", v)
			}
			z.DType = s
		case KeyShape:
			z.Shape, err = toShape(v)
		default:
			z.Extra.Set(k, v)
		}
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("zdata %s: %w", z.Type, err)
	}
	if z.Type == "" {
		return errs.New(errs.KindMissingField, "%s", KeyType)
	}
	return nil
}

func (z *ZData) extraKeys() []string {
	keys := make([]string, 0, z.Extra.Len())
	z.Extra.Range(func(k string, _ any) bool {
		if !isReserved(k) {
			keys = append(keys, k)
		}
		return true
	})
	return keys
}

func toBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(t)
		if err != nil {
			if b, err2 := base64.URLEncoding.DecodeString(t); err2 == nil {
				return b, nil
			}
			return nil, errs.Wrap(errs.KindTypeConversion, err, "b: invalid base64")
		}
		return b, nil
	}
	return nil, errs.New(errs.KindTypeConversion, "b: expected bytes, got %T", v)
}

func toShape(v any) ([]int, error) {
	var items []any
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []int:
		items = make([]any, len(t))
		for i, d := range t {
			items[i] = d
		}
	case []int64:
		items = make([]any, len(t))
		for i, d := range t {
			items[i] = d
		}
	case []any:
		items = t
	default:
		return nil, errs.New(errs.KindTypeConversion, "shape: expected list, got %T", v)
	}
	shape := make([]int, len(items))
	for i, it := range items {
		var d int64
		switch n := NormalizeNumber(it).(type) {
		case int64:
			d = n
		case float64:
			if n != math.Trunc(n) {
				return nil, errs.New(errs.KindTypeConversion, "shape[%d]: %v is not an integer", i, n)
			}
			d = int64(n)
		default:
			return nil, errs.New(errs.KindTypeConversion, "shape[%d]: expected integer, got %T", i, it)
		}
		if d < 0 {
			return nil, errs.New(errs.KindTypeConversion, "shape[%d]: negative dimension %d", i, d)
		}
		shape[i] = int(d)
	}
	return shape, nil
}
