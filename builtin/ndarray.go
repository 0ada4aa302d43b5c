package builtin

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"vrpc/errs"
	"vrpc/zdata"
)

func init() {
	adapters[TagNDArray] = arrayCodec{tag: TagNDArray}
	adapters[TagTensor] = arrayCodec{tag: TagTensor}
}

// NDArray is a dense C-ordered array. Data holds the elements in little
// endian byte order, as numpy's tobytes() produces on common hosts.
type NDArray struct {
	DType string
	Shape []int
	Data  []byte
}

// Tensor has the same layout as NDArray but travels as "torch.Tensor".
type Tensor struct {
	NDArray
}

// Element is the set of Go types that map onto a numpy dtype.
type Element interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// DTypeOf returns the numpy dtype name for T.
func DTypeOf[T Element]() string {
	var zero T
	switch any(zero).(type) {
	case bool:
		return "bool"
	case int8:
		return "int8"
	case int16:
		return "int16"
	case int32:
		return "int32"
	case int64:
		return "int64"
	case uint8:
		return "uint8"
	case uint16:
		return "uint16"
	case uint32:
		return "uint32"
	case uint64:
		return "uint64"
	case float32:
		return "float32"
	default:
		return "float64"
	}
}

// FromSlice builds an array of the given shape from vals. The shape product
// must equal len(vals); an empty shape is a scalar holding one value.
func FromSlice[T Element](shape []int, vals []T) (*NDArray, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, errs.New(errs.KindTypeConversion, "negative dimension in shape %v", shape)
		}
		n *= d
	}
	if n != len(vals) {
		return nil, errs.New(errs.KindTypeConversion, "shape %v holds %d elements, got %d", shape, n, len(vals))
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, vals); err != nil {
		return nil, errs.Wrap(errs.KindTypeConversion, err, "pack %s", DTypeOf[T]())
	}
	return &NDArray{
		DType: DTypeOf[T](),
		Shape: append(make([]int, 0, len(shape)), shape...),
		Data:  buf.Bytes(),
	}, nil
}

// NewFloat32 is FromSlice for the most common payload.
func NewFloat32(shape []int, vals []float32) (*NDArray, error) {
	return FromSlice(shape, vals)
}

// Values unpacks the elements of a in order. T must match a's dtype.
func Values[T Element](a *NDArray) ([]T, error) {
	if want := DTypeOf[T](); a.DType != want {
		return nil, errs.New(errs.KindTypeConversion, "expected dtype %s, got %s", want, a.DType)
	}
	if err := a.check(); err != nil {
		return nil, err
	}
	out := make([]T, a.Len())
	if err := binary.Read(bytes.NewReader(a.Data), binary.LittleEndian, out); err != nil {
		return nil, errs.Wrap(errs.KindTypeConversion, err, "unpack %s", a.DType)
	}
	return out, nil
}

func (a *NDArray) Float32s() ([]float32, error) { return Values[float32](a) }
func (a *NDArray) Float64s() ([]float64, error) { return Values[float64](a) }

// Len returns the number of elements.
func (a *NDArray) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// At returns the element at the given multi-index as float64. Only numeric
// dtypes of known size are supported.
func (a *NDArray) At(idx ...int) (float64, error) {
	if len(idx) != len(a.Shape) {
		return 0, fmt.Errorf("index %v does not match shape %v", idx, a.Shape)
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= a.Shape[i] {
			return 0, fmt.Errorf("index %v out of range for shape %v", idx, a.Shape)
		}
		off = off*a.Shape[i] + x
	}
	size, ok := zdata.DTypeSize(a.DType)
	if !ok || len(a.Data) < (off+1)*size {
		return 0, fmt.Errorf("cannot index %s array", a.DType)
	}
	b := a.Data[off*size : (off+1)*size]
	le := binary.LittleEndian
	switch a.DType {
	case "float32":
		return float64(math.Float32frombits(le.Uint32(b))), nil
	case "float64":
		return math.Float64frombits(le.Uint64(b)), nil
	case "int8":
		return float64(int8(b[0])), nil
	case "uint8", "bool":
		return float64(b[0]), nil
	case "int16":
		return float64(int16(le.Uint16(b))), nil
	case "uint16":
		return float64(le.Uint16(b)), nil
	case "int32":
		return float64(int32(le.Uint32(b))), nil
	case "uint32":
		return float64(le.Uint32(b)), nil
	case "int64":
		return float64(int64(le.Uint64(b))), nil
	case "uint64":
		return float64(le.Uint64(b)), nil
	}
	return 0, fmt.Errorf("cannot index %s array", a.DType)
}

func (a *NDArray) check() error {
	if a.DType == "" {
		return errs.New(errs.KindMissingField, "dtype missing from array")
	}
	if a.Shape == nil {
		return errs.New(errs.KindMissingField, "shape missing from array")
	}
	size, ok := zdata.DTypeSize(a.DType)
	if !ok {
		return nil
	}
	if want := a.Len() * size; len(a.Data) != want {
		return errs.New(errs.KindTypeConversion, "%d bytes for shape %v of %s, want %d", len(a.Data), a.Shape, a.DType, want)
	}
	return nil
}

func (a *NDArray) toZData(tag string) (*zdata.ZData, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	data := a.Data
	if data == nil {
		data = []byte{}
	}
	return zdata.New(tag).WithBinary(data).WithDType(a.DType).WithShape(a.Shape...), nil
}

func fromZData(tag string, z *zdata.ZData) (*NDArray, error) {
	if !z.IsType(tag) {
		return nil, errs.New(errs.KindTypeConversion, "expected %s, got %s", tag, z.Type)
	}
	if z.B == nil {
		return nil, errs.New(errs.KindMissingField, "binary data missing from %s", tag)
	}
	a := &NDArray{DType: z.DType, Shape: z.Shape, Data: z.B}
	if err := a.check(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *NDArray) MarshalZData() (*zdata.ZData, error) { return a.toZData(TagNDArray) }

func (a *NDArray) UnmarshalZData(z *zdata.ZData) error {
	out, err := fromZData(TagNDArray, z)
	if err != nil {
		return err
	}
	*a = *out
	return nil
}

func (t *Tensor) MarshalZData() (*zdata.ZData, error) { return t.toZData(TagTensor) }

func (t *Tensor) UnmarshalZData(z *zdata.ZData) error {
	out, err := fromZData(TagTensor, z)
	if err != nil {
		return err
	}
	t.NDArray = *out
	return nil
}

// arrayCodec is the registry adapter for both array tags. numpy.ndarray
// matches *NDArray and torch.Tensor matches *Tensor, so detection never
// overlaps.
type arrayCodec struct {
	tag string
}

func (c arrayCodec) Matches(v any) bool {
	switch v.(type) {
	case *NDArray:
		return c.tag == TagNDArray
	case *Tensor:
		return c.tag == TagTensor
	}
	return false
}

func (c arrayCodec) Encode(v any) (*zdata.ZData, error) {
	switch a := v.(type) {
	case *NDArray:
		return a.toZData(c.tag)
	case *Tensor:
		return a.toZData(c.tag)
	}
	return nil, errs.New(errs.KindTypeConversion, "%s: cannot encode %T", c.tag, v)
}

func (c arrayCodec) Decode(z *zdata.ZData) (any, error) {
	a, err := fromZData(c.tag, z)
	if err != nil {
		return nil, err
	}
	if c.tag == TagTensor {
		return &Tensor{NDArray: *a}, nil
	}
	return a, nil
}
