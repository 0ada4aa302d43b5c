package codec

import (
	"testing"

	"vrpc/builtin"
	"vrpc/message"
	"vrpc/registry"
)

// 纯编解码性能（不走网络）：一个带 64x48 帧的渲染结果
func benchFrame(b *testing.B, ct CodecType) {
	reg := registry.New()
	if err := builtin.Register(reg); err != nil {
		b.Fatal(err)
	}
	frame, err := builtin.FromSlice([]int{48, 64, 3}, make([]uint8, 48*64*3))
	if err != nil {
		b.Fatal(err)
	}
	s := NewSerializer(WithCodec(GetCodec(ct)), WithRegistry(reg))
	resp := message.Success("rpc-bench", map[string]any{"frame": frame, "seq": 7})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := s.Serialize(resp)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := s.DecodeMessage(data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecMsgpack(b *testing.B) { benchFrame(b, CodecTypeMsgpack) }

func BenchmarkCodecJSON(b *testing.B) { benchFrame(b, CodecTypeJSON) }
