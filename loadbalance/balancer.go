// Package loadbalance provides load balancing strategies for distributing
// RPC calls across the peers serving a service.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity peers
//   - WeightedRandom:  Heterogeneous peers (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring affinity, e.g. all events
//     for one scene entity landing on the same peer
package loadbalance

import (
	"errors"

	"vrpc/discovery"
)

// ErrNoPeers is returned when there is nothing to pick from.
var ErrNoPeers = errors.New("no peers available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each RPC to select a target peer.
type Balancer interface {
	// Pick selects one peer from the available list. key is the affinity
	// key of the call, possibly empty; only key-based strategies use it.
	// Called on every RPC call, so it must be goroutine-safe.
	Pick(peers []discovery.Peer, key string) (*discovery.Peer, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name: "round_robin",
// "weighted_random" or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.New("unknown balancer: " + name)
}
