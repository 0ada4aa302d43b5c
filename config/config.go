// Package config loads the vrpcd configuration file.
//
// The file is JSON (vrpc.json). Every field is optional: missing values
// fall back to the defaults below, and command line flags override whatever
// the file says. Durations are written as Go duration strings ("30s").
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vrpc/codec"
	"vrpc/loadbalance"
	"vrpc/logging"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "vrpc.json"

	// DefaultListen is the framed TCP listen address.
	DefaultListen = ":7070"

	// DefaultHTTPListen serves websocket links and metrics.
	DefaultHTTPListen = ":7080"

	DefaultWSPath      = "/ws"
	DefaultMetricsPath = "/metrics"
	DefaultCodec       = "msgpack"

	DefaultCallTimeout    = "30s"
	DefaultHandlerTimeout = "10s"
	DefaultHeartbeat      = "30s"
	DefaultIdleTimeout    = "90s"
	DefaultLeaseTTL       = "10s"

	DefaultServiceName = "vrpc"
	DefaultBalancer    = "round_robin"
	DefaultLogLevel    = "info"
)

// ErrNotFound is returned by Load when the directory has no config file.
var ErrNotFound = errors.New("config file not found")

// Config represents the complete vrpc.json configuration.
type Config struct {
	// Server contains listener and link settings.
	Server ServerConfig `json:"server,omitempty"`

	// RPC contains call and handler limits.
	RPC RPCConfig `json:"rpc,omitempty"`

	// Discovery contains etcd registration settings.
	Discovery DiscoveryConfig `json:"discovery,omitempty"`

	// Log contains logger settings.
	Log LogConfig `json:"log,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ServerConfig contains listener and link settings.
type ServerConfig struct {
	// Listen is the framed TCP address. Empty disables the TCP listener.
	Listen string `json:"listen,omitempty"`

	// HTTPListen serves the websocket endpoint and metrics.
	HTTPListen string `json:"httpListen,omitempty"`

	WSPath      string `json:"wsPath,omitempty"`
	MetricsPath string `json:"metricsPath,omitempty"`

	// Codec is the encoding for server-initiated envelopes: "msgpack" or
	// "json". Answers always use the caller's codec.
	Codec string `json:"codec,omitempty"`

	// Heartbeat is the keepalive interval on accepted links.
	Heartbeat string `json:"heartbeat,omitempty"`

	// IdleTimeout closes links that stayed silent this long.
	IdleTimeout string `json:"idleTimeout,omitempty"`
}

// RPCConfig contains call and handler limits.
type RPCConfig struct {
	// CallTimeout bounds calls this peer makes.
	CallTimeout string `json:"callTimeout,omitempty"`

	// HandlerTimeout bounds each incoming request.
	HandlerTimeout string `json:"handlerTimeout,omitempty"`

	// RateLimit is requests per second across all links; 0 disables it.
	RateLimit float64 `json:"rateLimit,omitempty"`
	RateBurst int     `json:"rateBurst,omitempty"`
}

// DiscoveryConfig contains etcd registration settings.
type DiscoveryConfig struct {
	// Endpoints lists etcd servers. Empty disables registration.
	Endpoints []string `json:"endpoints,omitempty"`

	Service string `json:"service,omitempty"`

	// Advertise is the routable address put in the directory. Defaults to
	// the TCP listener address.
	Advertise string `json:"advertise,omitempty"`

	Weight   int    `json:"weight,omitempty"`
	LeaseTTL string `json:"leaseTTL,omitempty"`

	// Balancer is the client-side strategy: round_robin, weighted_random
	// or consistent_hash.
	Balancer string `json:"balancer,omitempty"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level       string `json:"level,omitempty"`
	Development bool   `json:"development,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads vrpc.json from the specified directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.configPath = path
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	// Add newline at end of file
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	// Server
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.HTTPListen == "" {
		c.Server.HTTPListen = DefaultHTTPListen
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = DefaultMetricsPath
	}
	if c.Server.Codec == "" {
		c.Server.Codec = DefaultCodec
	}
	if c.Server.Heartbeat == "" {
		c.Server.Heartbeat = DefaultHeartbeat
	}
	if c.Server.IdleTimeout == "" {
		c.Server.IdleTimeout = DefaultIdleTimeout
	}

	// RPC
	if c.RPC.CallTimeout == "" {
		c.RPC.CallTimeout = DefaultCallTimeout
	}
	if c.RPC.HandlerTimeout == "" {
		c.RPC.HandlerTimeout = DefaultHandlerTimeout
	}
	if c.RPC.RateLimit > 0 && c.RPC.RateBurst == 0 {
		c.RPC.RateBurst = int(c.RPC.RateLimit) + 1
	}

	// Discovery
	if c.Discovery.Service == "" {
		c.Discovery.Service = DefaultServiceName
	}
	if c.Discovery.Weight == 0 {
		c.Discovery.Weight = 1
	}
	if c.Discovery.LeaseTTL == "" {
		c.Discovery.LeaseTTL = DefaultLeaseTTL
	}
	if c.Discovery.Balancer == "" {
		c.Discovery.Balancer = DefaultBalancer
	}

	// Log
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := codec.ParseType(c.Server.Codec); err != nil {
		return fmt.Errorf("server.codec: %w", err)
	}
	durations := []struct {
		name, value string
	}{
		{"server.heartbeat", c.Server.Heartbeat},
		{"server.idleTimeout", c.Server.IdleTimeout},
		{"rpc.callTimeout", c.RPC.CallTimeout},
		{"rpc.handlerTimeout", c.RPC.HandlerTimeout},
		{"discovery.leaseTTL", c.Discovery.LeaseTTL},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: must not be negative", d.name)
		}
	}
	if c.RPC.RateLimit < 0 || c.RPC.RateBurst < 0 {
		return errors.New("rpc.rateLimit and rpc.rateBurst must not be negative")
	}
	if ttl := c.LeaseTTL(); ttl < time.Second {
		return errors.New("discovery.leaseTTL: etcd leases need at least 1s")
	}
	if _, err := loadbalance.New(c.Discovery.Balancer); err != nil {
		return fmt.Errorf("discovery.balancer: %w", err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// CodecType returns the parsed server codec.
func (c *Config) CodecType() codec.CodecType {
	ct, _ := codec.ParseType(c.Server.Codec)
	return ct
}

func (c *Config) Heartbeat() time.Duration      { return duration(c.Server.Heartbeat) }
func (c *Config) IdleTimeout() time.Duration    { return duration(c.Server.IdleTimeout) }
func (c *Config) CallTimeout() time.Duration    { return duration(c.RPC.CallTimeout) }
func (c *Config) HandlerTimeout() time.Duration { return duration(c.RPC.HandlerTimeout) }
func (c *Config) LeaseTTL() time.Duration       { return duration(c.Discovery.LeaseTTL) }

// duration parses s, which Validate has already checked.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
