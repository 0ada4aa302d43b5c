package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"vrpc/builtin"
	"vrpc/config"
	"vrpc/message"
	"vrpc/registry"
	"vrpc/server"
)

func TestEcho(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		req  *message.RPCRequest
		want string
	}{
		{&message.RPCRequest{Args: []any{"hi"}}, "hi"},
		{&message.RPCRequest{Args: []any{int64(1), int64(2)}}, "[1 2]"},
		{&message.RPCRequest{Kwargs: map[string]any{"a": true}}, "map[a:true]"},
	}
	for _, c := range cases {
		got, err := echo(ctx, c.req)
		if err != nil {
			t.Fatal(err)
		}
		if s := fmt.Sprint(got); s != c.want {
			t.Errorf("echo(%+v) = %s, want %s", c.req, s, c.want)
		}
	}
}

func TestRenderFrame(t *testing.T) {
	got, err := renderFrame(context.Background(), &message.RPCRequest{
		Kwargs: map[string]any{"width": int64(4), "height": int64(2), "t": 0.5},
	})
	if err != nil {
		t.Fatal(err)
	}
	frame := got.(*builtin.NDArray)
	if frame.DType != "uint8" || len(frame.Shape) != 3 || frame.Shape[0] != 2 || frame.Shape[1] != 4 || frame.Shape[2] != 3 {
		t.Fatalf("frame layout: %s %v", frame.DType, frame.Shape)
	}
	if len(frame.Data) != 2*4*3 {
		t.Fatalf("frame bytes: %d", len(frame.Data))
	}

	for _, bad := range []map[string]any{
		{"width": int64(0)},
		{"height": int64(99999)},
		{"width": "wide"},
		{"width": 1.5},
	} {
		if _, err := renderFrame(context.Background(), &message.RPCRequest{Kwargs: bad}); err == nil {
			t.Errorf("kwargs %v accepted", bad)
		}
	}
}

func TestParseArgs(t *testing.T) {
	args, err := parseArgs(`[1, "two", 3.5, {"n": 4}]`)
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != 4 || args[0] != int64(1) || args[1] != "two" || args[2] != 3.5 {
		t.Fatalf("args: %#v", args)
	}
	if m := args[3].(map[string]any); m["n"] != int64(4) {
		t.Fatalf("nested number: %#v", m)
	}

	single, err := parseArgs(`"hello"`)
	if err != nil || len(single) != 1 || single[0] != "hello" {
		t.Fatalf("single: %v, %v", single, err)
	}
	if none, err := parseArgs(""); err != nil || none != nil {
		t.Fatalf("empty: %v, %v", none, err)
	}
	if _, err := parseArgs(`[1,`); err == nil {
		t.Error("broken json accepted")
	}
	if _, err := parseKwargs(`[1]`); err == nil {
		t.Error("non-object kwargs accepted")
	}
}

func TestCallAgainstServer(t *testing.T) {
	types := registry.New()
	if err := builtin.Register(types); err != nil {
		t.Fatal(err)
	}
	srv := server.NewServer(server.WithTypeRegistry(types))
	registerDemo(srv, zap.NewNop())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	defer srv.Shutdown(time.Second)

	f := callFlags{codec: "json", timeout: 2 * time.Second}
	resp, err := runCall(context.Background(), ln.Addr().String(), "echo", `"hello"`, f)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Succeeded() || resp.Data != "hello" {
		t.Fatalf("echo: %+v", resp)
	}

	f.kwargs = `{"width": 3, "height": 2}`
	resp, err = runCall(context.Background(), ln.Addr().String(), "render_frame", "", f)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := resp.Data.(*builtin.NDArray); !ok {
		t.Fatalf("render_frame data: %T", resp.Data)
	}

	resp, err = runCall(context.Background(), ln.Addr().String(), "nope", "", callFlags{codec: "msgpack", timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Succeeded() {
		t.Fatal("unknown method succeeded")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.ConfigFileName)
	if err := os.WriteFile(path, []byte(`{"server": {"listen": ":1111", "codec": "json"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	cmd := serveCmd()
	if err := cmd.Flags().Parse([]string{"--listen", ":2222", "--service", "scene"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(cmd, serveFlags{config: path, listen: ":2222", service: "scene"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != ":2222" {
		t.Errorf("flag did not override listen: %q", cfg.Server.Listen)
	}
	if cfg.Server.Codec != "json" {
		t.Errorf("file value lost: %q", cfg.Server.Codec)
	}
	if cfg.Discovery.Service != "scene" {
		t.Errorf("service: %q", cfg.Discovery.Service)
	}
}

func TestInitAndVersion(t *testing.T) {
	dir := t.TempDir()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"init", dir})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(dir); err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	// 第二次写入需要 --force
	root.SetArgs([]string{"init", dir})
	if err := root.Execute(); err == nil {
		t.Error("init overwrote an existing file")
	}

	out.Reset()
	root.SetArgs([]string{"version", "--short"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Errorf("version output: %q", out.String())
	}
}
