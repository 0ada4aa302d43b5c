package client

import (
	"context"
	"net"
	"testing"
	"time"

	"vrpc/discovery"
	"vrpc/server"
)

// ---- Setup 公共函数 ----

func setupServerAndClient(b *testing.B, poolSize int) *Client {
	dir := discovery.NewMemoryDirectory()
	svr := server.NewServer(server.WithDirectory(dir, "demo", discovery.Peer{}, time.Second))
	if err := svr.Register(&Arith{}); err != nil {
		b.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	go svr.Serve(ln)
	b.Cleanup(func() { svr.Shutdown(3 * time.Second) })

	for {
		peers, _ := dir.Discover(context.Background(), "demo")
		if len(peers) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cli := NewClient(dir, WithPoolSize(poolSize))
	b.Cleanup(func() { cli.Close() })
	return cli
}

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	cli := setupServerAndClient(b, 1)
	ctx := context.Background()
	kwargs := map[string]any{"a": 1, "b": 2}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := cli.Invoke(ctx, "demo", "Arith.Add", nil, kwargs); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用（体现多路复用优势）
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupServerAndClient(b, 4)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		kwargs := map[string]any{"a": 1, "b": 2}
		for pb.Next() {
			if _, err := cli.Invoke(ctx, "demo", "Arith.Add", nil, kwargs); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
