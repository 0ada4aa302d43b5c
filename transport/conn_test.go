package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"vrpc/codec"
	"vrpc/errs"
	"vrpc/message"
	"vrpc/rpc"
)

// answer 把请求的第一个参数原样返回
func answer(c *Conn, m *message.Message) {
	if !m.IsRequest() {
		return
	}
	go func() {
		var data any = "no args"
		if len(m.Args) > 0 {
			data = m.Args[0]
		}
		if m.EType == "fail" {
			c.Send(context.Background(), rpc.NewResponse(m.RType, nil, errors.New("handler failed")))
			return
		}
		c.Send(context.Background(), rpc.NewResponse(m.RType, data, nil))
	}()
}

func pipePair(t *testing.T, serverOpts, clientOpts []Option) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	server := NewConn(a, append([]Option{WithHandler(answer), WithMirrorCodec()}, serverOpts...)...)
	client := NewConn(b, clientOpts...)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestCallOverPipe(t *testing.T) {
	_, client := pipePair(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Call(ctx, "echo", []any{"hello"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Succeeded() || resp.Data != "hello" {
		t.Fatalf("response: %+v", resp)
	}
	if client.Correlator().PendingCount() != 0 {
		t.Errorf("pending after call: %d", client.Correlator().PendingCount())
	}

	if _, err := client.Invoke(ctx, "fail", nil, nil); !errors.Is(err, errs.ErrRPC) {
		t.Errorf("failed call: expect ErrRPC, got %v", err)
	}
}

// 单连接上并发调用（多路复用）
func TestConcurrentCalls(t *testing.T) {
	_, client := pipePair(t, nil, []Option{WithCodec(codec.CodecTypeJSON)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v, err := client.Invoke(ctx, "echo", []any{n}, nil)
			if err != nil {
				t.Errorf("call %d: %v", n, err)
				return
			}
			if v != int64(n) {
				t.Errorf("call %d: got %#v", n, v)
			}
		}(i)
	}
	wg.Wait()
}

func TestEventsReachHandler(t *testing.T) {
	got := make(chan *message.Message, 1)
	a, b := net.Pipe()
	server := NewConn(a, WithHandler(func(_ *Conn, m *message.Message) { got <- m }))
	client := NewConn(b)
	defer server.Close()
	defer client.Close()

	if err := client.Send(context.Background(), message.NewClientEvent("slider", 0.5)); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-got:
		if m.EType != "slider" || m.Value != 0.5 {
			t.Errorf("event: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestBrokenLinkClosesPendingCalls(t *testing.T) {
	a, b := net.Pipe()
	server := NewConn(a) // never answers
	client := NewConn(b)
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "slow", nil, nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	server.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, errs.ErrChannelClosed) {
			t.Fatalf("expect ErrChannelClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call hung after link broke")
	}
	<-client.Done()
	if client.Err() == nil {
		t.Error("Err must report why the link closed")
	}
	if err := client.Send(context.Background(), message.NewClientEvent("x", 1)); !errors.Is(err, errs.ErrChannelClosed) {
		t.Errorf("send after close: %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	a, b := net.Pipe()
	server := NewConn(a)
	client := NewConn(b, WithCallTimeout(30*time.Millisecond))
	defer server.Close()
	defer client.Close()

	_, err := client.Call(context.Background(), "slow", nil, nil)
	if !errors.Is(err, errs.ErrRPCTimeout) {
		t.Fatalf("expect ErrRPCTimeout, got %v", err)
	}
}

// 超时之后才到的响应不能被当成普通事件交给 handler
func TestLateResponseNotAnEvent(t *testing.T) {
	reqs := make(chan *message.Message, 1)
	a, b := net.Pipe()
	server := NewConn(a, WithHandler(func(_ *Conn, m *message.Message) { reqs <- m }))
	events := make(chan *message.Message, 4)
	client := NewConn(b, WithCallTimeout(30*time.Millisecond),
		WithHandler(func(_ *Conn, m *message.Message) { events <- m }))
	defer server.Close()
	defer client.Close()

	if _, err := client.Call(context.Background(), "slow", nil, nil); !errors.Is(err, errs.ErrRPCTimeout) {
		t.Fatalf("expect ErrRPCTimeout, got %v", err)
	}
	req := <-reqs
	ctx := context.Background()
	if err := server.Send(ctx, rpc.NewResponse(req.RType, "late", nil)); err != nil {
		t.Fatal(err)
	}
	if err := server.Send(ctx, message.NewServerEvent("marker", "x")); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-events:
		if m.EType != "marker" {
			t.Fatalf("late response leaked to the event handler: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("marker event never arrived")
	}
}

func TestWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewWebsocketConn(ws, WithHandler(answer), WithMirrorCodec())
		<-c.Done()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	for _, ct := range []codec.CodecType{codec.CodecTypeMsgpack, codec.CodecTypeJSON} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		client, err := DialWebsocket(ctx, url, WithCodec(ct))
		if err != nil {
			cancel()
			t.Fatal(err)
		}
		v, err := client.Invoke(ctx, "echo", []any{"over websocket"}, nil)
		if err != nil || v != "over websocket" {
			t.Errorf("%s: %v %v", ct, v, err)
		}
		client.Close()
		cancel()
	}
}

func TestDialFramedTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			NewConn(nc, WithHandler(answer), WithMirrorCodec())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, ln.Addr().String(), WithHeartbeat(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// 心跳帧不能干扰正常请求
	time.Sleep(50 * time.Millisecond)
	v, err := client.Invoke(ctx, "echo", []any{int64(7)}, nil)
	if err != nil || v != int64(7) {
		t.Fatalf("echo: %v %v", v, err)
	}
}
