// Package discovery keeps track of which peers serve which vrpc service.
package discovery

import (
	"context"
	"time"
)

// Peer is one reachable vrpc endpoint.
type Peer struct {
	Addr    string `json:"addr"`
	Version string `json:"version"`
	Weight  int    `json:"weight"`          // Weight for load balancing
	Codec   string `json:"codec,omitempty"` // "msgpack" or "json"
}

// Directory registers peers under a service name and lists them back.
// Registrations are bound to a TTL so crashed peers disappear on their own.
type Directory interface {
	Register(ctx context.Context, service string, peer Peer, ttl time.Duration) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Peer, error)
	// Watch emits the full peer list after every change until ctx is done.
	Watch(ctx context.Context, service string) <-chan []Peer
}
