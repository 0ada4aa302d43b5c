package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"vrpc/builtin"
	"vrpc/errs"
	"vrpc/message"
	"vrpc/registry"
	"vrpc/zdata"
)

type vec3 struct{ X, Y, Z float64 }

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func vecRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	err := reg.RegisterFuncs("vec3",
		func(v any) (*zdata.ZData, error) {
			p := v.(*vec3)
			return zdata.New("vec3").WithField("xyz", []any{p.X, p.Y, p.Z}), nil
		},
		func(z *zdata.ZData) (any, error) {
			raw, _ := z.Field("xyz")
			xyz, ok := raw.([]any)
			if !ok || len(xyz) != 3 {
				return nil, errs.New(errs.KindTypeConversion, "vec3: bad xyz %v", raw)
			}
			return &vec3{toFloat(xyz[0]), toFloat(xyz[1]), toFloat(xyz[2])}, nil
		},
		func(v any) bool {
			_, ok := v.(*vec3)
			return ok
		})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRenderFrameRoundTrip(t *testing.T) {
	for _, c := range []Codec{&MsgpackCodec{}, &JSONCodec{}} {
		s := NewSerializer(WithCodec(c))
		req := message.NewRPCRequest("render_frame", "rpc-1").
			WithArgs(100).
			WithKwargs(map[string]any{"quality": "high"})

		data, err := s.Serialize(req)
		if err != nil {
			t.Fatalf("%s: Serialize: %v", c.Type(), err)
		}
		m, err := s.DecodeMessage(data)
		if err != nil {
			t.Fatalf("%s: DecodeMessage: %v", c.Type(), err)
		}
		if m.EType != "render_frame" || m.RType != "rpc-1" || !m.IsRequest() {
			t.Errorf("%s: header: %+v", c.Type(), m)
		}
		if len(m.Args) != 1 || m.Args[0] != int64(100) {
			t.Errorf("%s: args: %#v", c.Type(), m.Args)
		}
		if m.Kwargs["quality"] != "high" {
			t.Errorf("%s: kwargs: %#v", c.Type(), m.Kwargs)
		}
		if m.Ts != req.Ts {
			t.Errorf("%s: ts: got %d, want %d", c.Type(), m.Ts, req.Ts)
		}
	}
}

func TestAbsentFieldsOmitted(t *testing.T) {
	data, err := Serialize(message.NewRPCRequest("ping", "rpc-2"))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := Deserialize(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"args", "kwargs", "uuid"} {
		if _, ok := raw[k]; ok {
			t.Errorf("absent field %q was written", k)
		}
	}
	if raw["rtype"] != "rpc-2" {
		t.Errorf("rtype: %v", raw["rtype"])
	}
}

func TestRegisteredTypeRoundTrip(t *testing.T) {
	reg := vecRegistry(t)
	for _, c := range []Codec{&MsgpackCodec{}, &JSONCodec{}} {
		s := NewSerializer(WithCodec(c), WithRegistry(reg))
		ev := message.NewServerEvent("camera", map[string]any{
			"position": &vec3{1.5, 2.5, 3.5},
			"path":     []any{&vec3{0.5, 0, 1}},
		})
		data, err := s.Serialize(ev)
		if err != nil {
			t.Fatalf("%s: %v", c.Type(), err)
		}

		var back message.ServerEvent
		if err := s.Deserialize(data, &back); err != nil {
			t.Fatalf("%s: %v", c.Type(), err)
		}
		payload := back.Data.(map[string]any)
		pos, ok := payload["position"].(*vec3)
		if !ok || *pos != (vec3{1.5, 2.5, 3.5}) {
			t.Errorf("%s: position: %#v", c.Type(), payload["position"])
		}
		path := payload["path"].([]any)
		if p, ok := path[0].(*vec3); !ok || p.X != 0.5 || p.Z != 1 {
			t.Errorf("%s: path: %#v", c.Type(), path[0])
		}
	}
}

func TestSerializeDoesNotMutateInput(t *testing.T) {
	s := NewSerializer(WithRegistry(vecRegistry(t)))
	kwargs := map[string]any{"at": &vec3{1, 2, 3}}
	req := message.NewRPCRequest("move", "rpc-3").WithKwargs(kwargs)
	if _, err := s.Serialize(req); err != nil {
		t.Fatal(err)
	}
	if _, ok := kwargs["at"].(*vec3); !ok {
		t.Errorf("caller's kwargs were rewritten: %#v", kwargs["at"])
	}
}

func TestUnknownTagPassesThrough(t *testing.T) {
	for _, c := range []Codec{&MsgpackCodec{}, &JSONCodec{}} {
		s := NewSerializer(WithCodec(c), WithRegistry(vecRegistry(t)))
		mesh := zdata.New("custom.mesh").WithBinary([]byte{1, 2, 3, 4}).WithField("vertices", 3)
		data, err := s.Serialize(message.Success("rpc-4", mesh))
		if err != nil {
			t.Fatalf("%s: %v", c.Type(), err)
		}
		var resp message.RPCResponse
		if err := s.Deserialize(data, &resp); err != nil {
			t.Fatalf("%s: %v", c.Type(), err)
		}
		z, ok := resp.Data.(*zdata.ZData)
		if !ok {
			t.Fatalf("%s: want *zdata.ZData, got %T", c.Type(), resp.Data)
		}
		if z.Type != "custom.mesh" || !bytes.Equal(z.B, []byte{1, 2, 3, 4}) {
			t.Errorf("%s: envelope: %v", c.Type(), z)
		}
		if n, _ := z.Field("vertices"); n != int64(3) {
			t.Errorf("%s: vertices: %#v", c.Type(), n)
		}
		if !resp.Succeeded() {
			t.Errorf("%s: response lost its ok flag", c.Type())
		}
	}
}

func TestNDArrayInsideMessage(t *testing.T) {
	reg := registry.New()
	if err := builtin.Register(reg); err != nil {
		t.Fatal(err)
	}
	s := NewSerializer(WithRegistry(reg))
	arr, _ := builtin.NewFloat32([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})

	data, err := s.Serialize(message.NewRPCRequest("upload", "rpc-5").WithArgs(arr))
	if err != nil {
		t.Fatal(err)
	}
	m, err := s.DecodeMessage(data)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := m.Args[0].(*builtin.NDArray)
	if !ok {
		t.Fatalf("want *builtin.NDArray, got %T", m.Args[0])
	}
	if x, _ := got.At(1, 0); x != 4 {
		t.Errorf("At(1,0): got %v", x)
	}

	// 不带注册表时，数组以原始信封形式到达
	var plain message.Message
	if err := Deserialize(data, &plain); err != nil {
		t.Fatal(err)
	}
	if z, ok := plain.Args[0].(*zdata.ZData); !ok || z.Type != builtin.TagNDArray {
		t.Errorf("plain decode: %#v", plain.Args[0])
	}
}

func TestNullPayloadRejected(t *testing.T) {
	_, err := Serialize(message.NewClientEvent("click", nil))
	if !errors.Is(err, errs.ErrSerialization) {
		t.Fatalf("nil client value: expect ErrSerialization, got %v", err)
	}
	_, err = Serialize(message.NewServerEvent("tick", nil))
	if !errors.Is(err, errs.ErrSerialization) {
		t.Fatalf("nil server data: expect ErrSerialization, got %v", err)
	}
	_, err = Serialize(message.NewRPCRequest("f", "rpc-6").WithArgs(1, nil))
	if !errors.Is(err, errs.ErrSerialization) {
		t.Fatalf("nil nested arg: expect ErrSerialization, got %v", err)
	}

	data, err := Serialize(message.NewClientEvent("click", nil), WithEncodeUndefined(true))
	if err != nil {
		t.Fatalf("EncodeUndefined: %v", err)
	}
	var back message.ClientEvent
	if err := Deserialize(data, &back); err != nil || back.Value != nil {
		t.Errorf("null value round trip: %v %v", back.Value, err)
	}
}

func TestAmbiguousDetection(t *testing.T) {
	reg := vecRegistry(t)
	reg.RegisterFuncs("point",
		func(v any) (*zdata.ZData, error) { return zdata.New("point"), nil },
		func(z *zdata.ZData) (any, error) { return nil, nil },
		func(v any) bool { _, ok := v.(*vec3); return ok })

	_, err := Serialize(message.NewServerEvent("cam", &vec3{}), WithRegistry(reg))
	if !errors.Is(err, registry.ErrAmbiguousType) {
		t.Fatalf("expect ErrAmbiguousType, got %v", err)
	}
}

func TestValidationOnDecode(t *testing.T) {
	bad := &message.Message{Ts: message.Now(), EType: "f", Args: []any{1}}
	data, err := Serialize(bad)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewSerializer().DecodeMessage(data); !errors.Is(err, errs.ErrInvalidMessage) {
		t.Fatalf("expect ErrInvalidMessage, got %v", err)
	}
	if _, err := NewSerializer(WithValidate(false)).DecodeMessage(data); err != nil {
		t.Fatalf("validation disabled: %v", err)
	}
	if err := ValidateMessage(&message.Message{}); !errors.Is(err, errs.ErrInvalidMessage) {
		t.Errorf("empty etype: %v", err)
	}
}

func TestBase64(t *testing.T) {
	enc, err := SerializeBase64(message.NewClientEvent("slider", 0.25))
	if err != nil {
		t.Fatal(err)
	}
	var ev message.ClientEvent
	if err := DeserializeBase64(enc, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.EType != "slider" || ev.Value != 0.25 {
		t.Errorf("base64 round trip: %+v", ev)
	}
	if err := DeserializeBase64("not base64!", &ev); !errors.Is(err, errs.ErrDeserialization) {
		t.Errorf("expect ErrDeserialization, got %v", err)
	}
}

func TestGarbageInput(t *testing.T) {
	var m message.Message
	if err := Deserialize([]byte{0xc1}, &m); !errors.Is(err, errs.ErrDeserialization) {
		t.Errorf("msgpack: %v", err)
	}
	if err := Deserialize([]byte("{"), &m, WithCodec(&JSONCodec{})); !errors.Is(err, errs.ErrDeserialization) {
		t.Errorf("json: %v", err)
	}
}

func TestComponentTree(t *testing.T) {
	scene := message.NewComponent("scene").
		WithChild(message.NewComponent("sphere").WithProp("radius", 1.5).WithProp("key", "s1"))
	data, err := Serialize(message.NewServerEvent(message.EventSet, scene))
	if err != nil {
		t.Fatal(err)
	}
	var ev message.ServerEvent
	if err := Deserialize(data, &ev); err != nil {
		t.Fatal(err)
	}
	tree, ok := ev.Data.(map[string]any)
	if !ok || tree["tag"] != "scene" {
		t.Fatalf("scene payload: %#v", ev.Data)
	}
	children := tree["children"].([]any)
	if children[0].(map[string]any)["radius"] != 1.5 {
		t.Errorf("child props: %#v", children[0])
	}
}

func TestComponentNullChild(t *testing.T) {
	var c message.Component
	err := Deserialize([]byte(`{"tag":"scene","children":[null]}`), &c, WithCodec(&JSONCodec{}))
	if !errors.Is(err, errs.ErrDeserialization) {
		t.Errorf("json: %v", err)
	}

	data, err := msgpack.Marshal(map[string]any{"tag": "scene", "children": []any{nil}})
	if err != nil {
		t.Fatal(err)
	}
	if err := Deserialize(data, &c); !errors.Is(err, errs.ErrDeserialization) {
		t.Errorf("msgpack: %v", err)
	}
}

func TestComponentCycle(t *testing.T) {
	loop := message.NewComponent("loop")
	loop.WithChild(loop)
	for _, c := range []Codec{&MsgpackCodec{}, &JSONCodec{}} {
		if _, err := Serialize(loop, WithCodec(c)); !errors.Is(err, errs.ErrSerialization) {
			t.Errorf("%s: expect serialization error, got %v", c.Type(), err)
		}
	}

	// 在深度限制以内的树照常编码
	root := message.NewComponent("root")
	node := root
	for i := 0; i < message.MaxDepth; i++ {
		child := message.NewComponent("node")
		node.WithChild(child)
		node = child
	}
	data, err := Serialize(root)
	if err != nil {
		t.Fatal(err)
	}
	var out message.Component
	if err := Deserialize(data, &out); err != nil {
		t.Fatal(err)
	}
}

func TestMalformedEnvelopeRejectedOnEncode(t *testing.T) {
	bad := []any{
		map[string]any{"ztype": "app.Thing", "shape": "2x3"},
		map[string]any{"ztype": "app.Thing", "dtype": 4},
		map[string]string{"ztype": ""},
	}
	for _, data := range bad {
		_, err := Serialize(&message.Message{EType: "EVT", Data: data})
		if !errors.Is(err, errs.ErrSerialization) {
			t.Errorf("%v: expect serialization error, got %v", data, err)
		}
	}

	// 格式正确的未知信封原样往返
	good := &message.Message{EType: "EVT", Data: map[string]any{"ztype": "app.Thing", "note": "hi"}}
	for _, c := range []Codec{&MsgpackCodec{}, &JSONCodec{}} {
		data, err := Serialize(good, WithCodec(c))
		if err != nil {
			t.Fatal(err)
		}
		var m message.Message
		if err := Deserialize(data, &m, WithCodec(c)); err != nil {
			t.Fatalf("%s: %v", c.Type(), err)
		}
		z, ok := m.Data.(*zdata.ZData)
		if !ok || z.Type != "app.Thing" {
			t.Fatalf("%s: envelope %#v", c.Type(), m.Data)
		}
		if note, err := z.StringField("note"); err != nil || note != "hi" {
			t.Errorf("%s: note = %q, %v", c.Type(), note, err)
		}
	}
}

func TestParseType(t *testing.T) {
	if ct, err := ParseType("json"); err != nil || ct != CodecTypeJSON {
		t.Errorf("json: %v %v", ct, err)
	}
	if ct, _ := ParseType(""); ct != CodecTypeMsgpack {
		t.Errorf("default: %v", ct)
	}
	if _, err := ParseType("xml"); err == nil {
		t.Error("xml must be rejected")
	}
	if GetCodec(CodecTypeJSON).Type() != CodecTypeJSON {
		t.Error("GetCodec json")
	}
}
