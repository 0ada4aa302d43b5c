package loadbalance

import (
	"sync/atomic"

	"vrpc/discovery"
)

// RoundRobinBalancer distributes calls evenly across all peers in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
//
// Best for: stateless services where all peers have similar capacity.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // Incremented on each Pick()
}

// Pick selects the next peer in round-robin order.
func (b *RoundRobinBalancer) Pick(peers []discovery.Peer, _ string) (*discovery.Peer, error) {
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	index := (b.counter.Add(1) - 1) % uint64(len(peers))
	return &peers[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
