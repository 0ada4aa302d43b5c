package discovery

import (
	"context"
	"testing"
	"time"
)

// newTestEtcd skips the test when no etcd is listening on localhost:2379.
func newTestEtcd(t *testing.T) *EtcdDirectory {
	t.Helper()
	dir, err := NewEtcdDirectory([]string{"localhost:2379"}, nil)
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := dir.client.Status(ctx, "localhost:2379"); err != nil {
		dir.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { dir.Close() })
	return dir
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	dir := newTestEtcd(t)
	ctx := context.Background()

	p1 := Peer{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	p2 := Peer{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}

	if err := dir.Register(ctx, "render", p1, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := dir.Register(ctx, "render", p2, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	peers, err := dir.Discover(ctx, "render")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("expect 2 peers, got %d", len(peers))
	}

	if err := dir.Deregister(ctx, "render", p1.Addr); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	peers, err = dir.Discover(ctx, "render")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 {
		t.Fatalf("expect 1 peer after deregister, got %d", len(peers))
	}
	if peers[0].Addr != p2.Addr {
		t.Fatalf("expect %s, got %s", p2.Addr, peers[0].Addr)
	}

	dir.Deregister(ctx, "render", p2.Addr)
}
