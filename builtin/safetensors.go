package builtin

import (
	"encoding/binary"
	"encoding/json"
	"sort"

	"vrpc/errs"
	"vrpc/zdata"
)

const TagSafetensors = "safetensor.dict"

// maxHeaderLen caps the JSON header of a safetensors blob.
const maxHeaderLen = 100 << 20

func init() {
	adapters[TagSafetensors] = safetensorsCodec{}
}

// TensorDict is a named set of arrays. It travels as "safetensor.dict", the
// safetensors file format carried in b: an 8-byte little endian header
// length, a JSON header of dtype, shape and data offsets per tensor, then
// the packed tensor data.
type TensorDict map[string]*NDArray

var (
	stDTypes = map[string]string{
		"bool":    "BOOL",
		"int8":    "I8",
		"uint8":   "U8",
		"int16":   "I16",
		"uint16":  "U16",
		"float16": "F16",
		"int32":   "I32",
		"uint32":  "U32",
		"float32": "F32",
		"int64":   "I64",
		"uint64":  "U64",
		"float64": "F64",
	}
	stNames = func() map[string]string {
		m := make(map[string]string, len(stDTypes))
		for k, v := range stDTypes {
			m[v] = k
		}
		return m
	}()
)

type stEntry struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// MarshalSafetensors packs d in the safetensors format. Tensors are laid
// out in name order.
func (d TensorDict) MarshalSafetensors() ([]byte, error) {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(d))
	var size int
	for _, name := range names {
		a := d[name]
		if a == nil {
			return nil, errs.New(errs.KindTypeConversion, "%s: tensor %q is nil", TagSafetensors, name)
		}
		if err := a.check(); err != nil {
			return nil, errs.Wrap(errs.KindTypeConversion, err, "%s: tensor %q", TagSafetensors, name)
		}
		st, ok := stDTypes[a.DType]
		if !ok {
			return nil, errs.New(errs.KindTypeConversion, "%s: tensor %q: unsupported dtype %s", TagSafetensors, name, a.DType)
		}
		header[name] = stEntry{DType: st, Shape: a.Shape, DataOffsets: [2]int{size, size + len(a.Data)}}
		size += len(a.Data)
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, errs.Wrap(errs.KindTypeConversion, err, "%s: header", TagSafetensors)
	}
	// Pad with spaces so the data starts 8-byte aligned
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	out := make([]byte, 8, 8+len(hdr)+size)
	binary.LittleEndian.PutUint64(out, uint64(len(hdr)))
	out = append(out, hdr...)
	for _, name := range names {
		out = append(out, d[name].Data...)
	}
	return out, nil
}

// UnmarshalSafetensors parses a safetensors blob into d. Tensor data is
// copied out of b.
func (d *TensorDict) UnmarshalSafetensors(b []byte) error {
	if len(b) < 8 {
		return errs.New(errs.KindTypeConversion, "%s: %d bytes is too short", TagSafetensors, len(b))
	}
	n := binary.LittleEndian.Uint64(b)
	if n > maxHeaderLen || n > uint64(len(b)-8) {
		return errs.New(errs.KindTypeConversion, "%s: header length %d out of range", TagSafetensors, n)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b[8:8+n], &raw); err != nil {
		return errs.Wrap(errs.KindTypeConversion, err, "%s: header", TagSafetensors)
	}
	data := b[8+n:]

	out := make(TensorDict, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var e stEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return errs.Wrap(errs.KindTypeConversion, err, "%s: tensor %q", TagSafetensors, name)
		}
		dtype, ok := stNames[e.DType]
		if !ok {
			return errs.New(errs.KindTypeConversion, "%s: tensor %q: unsupported dtype %s", TagSafetensors, name, e.DType)
		}
		begin, end := e.DataOffsets[0], e.DataOffsets[1]
		if begin < 0 || end < begin || end > len(data) {
			return errs.New(errs.KindTypeConversion, "%s: tensor %q: offsets %v out of range", TagSafetensors, name, e.DataOffsets)
		}
		if e.Shape == nil {
			e.Shape = []int{}
		}
		a := &NDArray{DType: dtype, Shape: e.Shape, Data: append([]byte{}, data[begin:end]...)}
		if err := a.check(); err != nil {
			return errs.Wrap(errs.KindTypeConversion, err, "%s: tensor %q", TagSafetensors, name)
		}
		out[name] = a
	}
	*d = out
	return nil
}

func (d TensorDict) MarshalZData() (*zdata.ZData, error) {
	b, err := d.MarshalSafetensors()
	if err != nil {
		return nil, err
	}
	return zdata.New(TagSafetensors).WithBinary(b), nil
}

func (d *TensorDict) UnmarshalZData(z *zdata.ZData) error {
	if !z.IsType(TagSafetensors) {
		return errs.New(errs.KindTypeConversion, "expected %s, got %s", TagSafetensors, z.Type)
	}
	if z.B == nil {
		return errs.New(errs.KindMissingField, "binary data missing from %s", TagSafetensors)
	}
	return d.UnmarshalSafetensors(z.B)
}

// safetensorsCodec matches TensorDict and map[string]*NDArray. Maps are
// never *NDArray or *Tensor, so it does not overlap the array adapters.
type safetensorsCodec struct{}

func (safetensorsCodec) Matches(v any) bool {
	switch v.(type) {
	case TensorDict, map[string]*NDArray:
		return true
	}
	return false
}

func (safetensorsCodec) Encode(v any) (*zdata.ZData, error) {
	switch d := v.(type) {
	case TensorDict:
		return d.MarshalZData()
	case map[string]*NDArray:
		return TensorDict(d).MarshalZData()
	}
	return nil, errs.New(errs.KindTypeConversion, "%s: cannot encode %T", TagSafetensors, v)
}

func (safetensorsCodec) Decode(z *zdata.ZData) (any, error) {
	var d TensorDict
	if err := d.UnmarshalZData(z); err != nil {
		return nil, err
	}
	return d, nil
}
