package discovery

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()

	dir.Register(ctx, "render", Peer{Addr: "b:1"}, time.Second)
	dir.Register(ctx, "render", Peer{Addr: "a:1"}, time.Second)
	dir.Register(ctx, "other", Peer{Addr: "c:1"}, time.Second)

	peers, _ := dir.Discover(ctx, "render")
	if len(peers) != 2 || peers[0].Addr != "a:1" {
		t.Fatalf("expect sorted peers a:1,b:1, got %v", peers)
	}

	dir.Deregister(ctx, "render", "a:1")
	peers, _ = dir.Discover(ctx, "render")
	if len(peers) != 1 || peers[0].Addr != "b:1" {
		t.Fatalf("after deregister: %v", peers)
	}
}

func TestMemoryWatch(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx, cancel := context.WithCancel(context.Background())
	ch := dir.Watch(ctx, "render")

	dir.Register(ctx, "render", Peer{Addr: "a:1"}, time.Second)
	dir.Register(ctx, "render", Peer{Addr: "b:1"}, time.Second)

	select {
	case peers := <-ch:
		if len(peers) != 2 {
			t.Fatalf("watch must deliver the latest list, got %v", peers)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expect channel closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
