package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vrpc/codec"
)

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.Server.Listen != DefaultListen {
		t.Errorf("Server.Listen = %q, want %q", cfg.Server.Listen, DefaultListen)
	}
	if cfg.Server.WSPath != DefaultWSPath {
		t.Errorf("Server.WSPath = %q, want %q", cfg.Server.WSPath, DefaultWSPath)
	}
	if cfg.CallTimeout() != 30*time.Second {
		t.Errorf("CallTimeout = %v, want 30s", cfg.CallTimeout())
	}
	if cfg.CodecType() != codec.CodecTypeMsgpack {
		t.Errorf("CodecType = %v", cfg.CodecType())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	// Test loading non-existent config
	if _, err := Load(tmpDir); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	configJSON := `{
  "server": {
    "listen": "127.0.0.1:9000",
    "codec": "json",
    "heartbeat": "5s"
  },
  "rpc": {
    "handlerTimeout": "250ms",
    "rateLimit": 100
  },
  "discovery": {
    "endpoints": ["127.0.0.1:2379"],
    "service": "scene",
    "balancer": "consistent_hash"
  },
  "log": {"level": "debug", "development": true}
}
`
	if err := os.WriteFile(filepath.Join(tmpDir, ConfigFileName), []byte(configJSON), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9000" {
		t.Errorf("Server.Listen = %q", cfg.Server.Listen)
	}
	if cfg.CodecType() != codec.CodecTypeJSON {
		t.Errorf("CodecType = %v, want json", cfg.CodecType())
	}
	if cfg.Heartbeat() != 5*time.Second {
		t.Errorf("Heartbeat = %v", cfg.Heartbeat())
	}
	if cfg.HandlerTimeout() != 250*time.Millisecond {
		t.Errorf("HandlerTimeout = %v", cfg.HandlerTimeout())
	}
	// 未设置 burst 时按速率补齐
	if cfg.RPC.RateBurst != 101 {
		t.Errorf("RateBurst = %d, want 101", cfg.RPC.RateBurst)
	}
	if cfg.Discovery.Service != "scene" || len(cfg.Discovery.Endpoints) != 1 {
		t.Errorf("Discovery = %+v", cfg.Discovery)
	}
	// Unset fields keep their defaults
	if cfg.Server.HTTPListen != DefaultHTTPListen || cfg.LeaseTTL() != 10*time.Second {
		t.Errorf("defaults lost: %+v", cfg.Server)
	}
	if cfg.Path() != filepath.Join(tmpDir, ConfigFileName) {
		t.Errorf("Path = %q", cfg.Path())
	}
}

func TestLoadInvalid(t *testing.T) {
	cases := []struct {
		name string
		json string
		want string
	}{
		{"syntax", `{"server": `, "parse"},
		{"codec", `{"server": {"codec": "xml"}}`, "server.codec"},
		{"duration", `{"rpc": {"callTimeout": "soon"}}`, "rpc.callTimeout"},
		{"negative", `{"server": {"heartbeat": "-1s"}}`, "server.heartbeat"},
		{"ttl", `{"discovery": {"leaseTTL": "100ms"}}`, "leaseTTL"},
		{"balancer", `{"discovery": {"balancer": "fastest"}}`, "discovery.balancer"},
		{"level", `{"log": {"level": "loud"}}`, "log.level"},
	}
	for _, c := range cases {
		path := filepath.Join(t.TempDir(), ConfigFileName)
		if err := os.WriteFile(path, []byte(c.json), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := LoadFile(path)
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Errorf("%s: expect error mentioning %q, got %v", c.name, c.want, err)
		}
	}
}

func TestSaveTo(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	cfg := New()
	cfg.Discovery.Service = "saved"
	if err := cfg.SaveTo(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Discovery.Service != "saved" || loaded.Server.Listen != DefaultListen {
		t.Errorf("round trip lost fields: %+v", loaded)
	}
}
