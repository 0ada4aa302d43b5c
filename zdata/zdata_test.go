package zdata

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"vrpc/errs"
)

func sampleArray() *ZData {
	return New("numpy.ndarray").
		WithBinary(make([]byte, 24)).
		WithDType("float32").
		WithShape(2, 3).
		WithField("name", "depth").
		WithField("scale", 2)
}

func TestFieldsKeepInsertionOrder(t *testing.T) {
	var f Fields
	f.Set("z", 1)
	f.Set("a", 2)
	f.Set("m", 3)
	f.Set("z", 4)
	got := strings.Join(f.Keys(), ",")
	if got != "z,a,m" {
		t.Fatalf("keys order: got %s", got)
	}
	if v, _ := f.Get("z"); v != 4 {
		t.Errorf("overwrite lost: %v", v)
	}
	f.Delete("a")
	if got := strings.Join(f.Keys(), ","); got != "z,m" {
		t.Errorf("after delete: got %s", got)
	}
}

func TestMsgpackRoundTrip(t *testing.T) {
	z := sampleArray()
	data, err := msgpack.Marshal(z)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out ZData
	if err := msgpack.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Equal(z) {
		t.Fatalf("round trip mismatch:\n got %v\nwant %v", &out, z)
	}
	if len(out.Shape) != 2 || out.Shape[0] != 2 || out.Shape[1] != 3 {
		t.Errorf("shape: got %v", out.Shape)
	}
}

func TestMsgpackOmitsAbsentFields(t *testing.T) {
	data, err := msgpack.Marshal(New("custom.point"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(m) != 1 || m[KeyType] != "custom.point" {
		t.Fatalf("expect only ztype on the wire, got %v", m)
	}
}

func TestDecodeMapValueNested(t *testing.T) {
	extraOrder := New("custom.point").WithField("z", 3.0).WithField("x", 1.0).WithField("y", 2.0)
	data, err := msgpack.Marshal(map[string]any{
		"frame": extraOrder,
		"count": 7,
		"list":  []any{New("custom.tag"), "plain"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetMapDecoder(DecodeMapValue)
	v, err := DecodeValue(dec)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expect map, got %T", v)
	}
	frame, ok := m["frame"].(*ZData)
	if !ok {
		t.Fatalf("nested envelope not recognised: %T", m["frame"])
	}
	if got := strings.Join(frame.Extra.Keys(), ","); got != "z,x,y" {
		t.Errorf("extra order: got %s", got)
	}
	if m["count"] != int64(7) {
		t.Errorf("count: got %T %v", m["count"], m["count"])
	}
	list := m["list"].([]any)
	if z, ok := list[0].(*ZData); !ok || z.Type != "custom.tag" {
		t.Errorf("envelope inside list: got %#v", list[0])
	}
}

func TestReservedExtraDropped(t *testing.T) {
	z := New("custom.point").WithField(KeyType, "spoofed")
	data, err := msgpack.Marshal(z)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out ZData
	if err := msgpack.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Type != "custom.point" {
		t.Fatalf("reserved key overwritten: %s", out.Type)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	z := sampleArray()
	z.B[0] = 0xff
	data, err := json.Marshal(z)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.HasPrefix(data, []byte(`{"ztype":"numpy.ndarray","b":"`)) {
		t.Fatalf("unexpected layout: %s", data)
	}
	var out ZData
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Equal(z) {
		t.Fatalf("round trip mismatch:\n got %v\nwant %v", &out, z)
	}
}

func TestUnmarshalRequiresType(t *testing.T) {
	var out ZData
	err := json.Unmarshal([]byte(`{"b":"AAAA"}`), &out)
	if !errors.Is(err, errs.ErrMissingField) {
		t.Fatalf("expect ErrMissingField, got %v", err)
	}
}

func TestFromMap(t *testing.T) {
	z, err := FromMap(map[string]any{
		"ztype": "image",
		"b":     "AQID",
		"shape": []any{int64(1), float64(3)},
		"mode":  "RGB",
	})
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if !bytes.Equal(z.B, []byte{1, 2, 3}) {
		t.Errorf("b: got %v", z.B)
	}
	if len(z.Shape) != 2 || z.Shape[1] != 3 {
		t.Errorf("shape: got %v", z.Shape)
	}
	if mode, err := z.StringField("mode"); err != nil || mode != "RGB" {
		t.Errorf("mode: %q %v", mode, err)
	}

	_, err = FromMap(map[string]any{"ztype": "x", "shape": []any{int64(-1)}})
	if !errors.Is(err, errs.ErrTypeConversion) {
		t.Errorf("negative dimension: expect ErrTypeConversion, got %v", err)
	}
}

func TestCheckLayout(t *testing.T) {
	tests := []struct {
		name string
		z    *ZData
		kind errs.Kind
	}{
		{"tag only", New("custom"), errs.KindUnknown},
		{"consistent", sampleArray(), errs.KindUnknown},
		{"scalar", New("numpy.ndarray").WithBinary(make([]byte, 8)).WithDType("float64").WithShape(), errs.KindUnknown},
		{"missing payload", New("numpy.ndarray").WithDType("float32").WithShape(2), errs.KindMissingField},
		{"short payload", New("numpy.ndarray").WithBinary(make([]byte, 7)).WithDType("float32").WithShape(2), errs.KindTypeConversion},
		{"unknown dtype", New("numpy.ndarray").WithBinary(make([]byte, 3)).WithDType("complex64").WithShape(2), errs.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.z.CheckLayout()
			if tt.kind == errs.KindUnknown {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if errs.KindOf(err) != tt.kind {
				t.Fatalf("expect %v, got %v", tt.kind, err)
			}
		})
	}
}

func TestTagOf(t *testing.T) {
	if tag, ok := TagOf(map[string]any{"ztype": "image"}); !ok || tag != "image" {
		t.Errorf("map: %q %v", tag, ok)
	}
	if IsZData(map[string]any{"ztype": 1}) {
		t.Errorf("non-string tag must not count")
	}
	if IsZData((*ZData)(nil)) {
		t.Errorf("nil envelope must not count")
	}
	if !New("x").IsType("x") {
		t.Errorf("IsType")
	}
}

type point struct{ x, y float64 }

func (p point) MarshalZData() (*ZData, error) {
	return New("custom.point").WithField("x", p.x).WithField("y", p.y), nil
}

type gated struct{ point }

func (gated) Available() bool { return false }

func TestMarshalAvailability(t *testing.T) {
	z, err := Marshal(point{1, 2})
	if err != nil || z.Type != "custom.point" {
		t.Fatalf("Marshal: %v %v", z, err)
	}
	if _, err := Marshal(gated{}); !errors.Is(err, errs.ErrTypeConversion) {
		t.Fatalf("unavailable support: expect ErrTypeConversion, got %v", err)
	}
	if _, err := Marshal(42); !errors.Is(err, errs.ErrTypeConversion) {
		t.Fatalf("plain value: expect ErrTypeConversion, got %v", err)
	}
}
