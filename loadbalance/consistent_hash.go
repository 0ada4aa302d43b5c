package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"vrpc/discovery"
)

// ConsistentHashBalancer maps keys to peers using a hash ring.
// The same key always maps to the same peer (until the ring changes),
// so every call about one entity reaches the peer holding its state.
//
// Virtual nodes: each real peer is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 peers might cluster together on the ring,
// causing uneven load distribution. 100 virtual nodes per peer ensures
// statistical uniformity.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int                        // Virtual nodes per real peer
	ring     []uint32                   // Sorted hash values on the ring
	nodes    map[uint32]*discovery.Peer // Hash value → peer mapping
	members  string                     // Sorted peer addrs the ring was built from
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per peer.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*discovery.Peer),
	}
}

// Add places a peer onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(peer discovery.Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(peer)
	b.sortLocked()
}

func (b *ConsistentHashBalancer) addLocked(peer discovery.Peer) {
	p := peer
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", p.Addr, i)))
		if _, taken := b.nodes[hash]; !taken {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = &p
	}
}

// Keep the ring sorted for binary search in Lookup()
func (b *ConsistentHashBalancer) sortLocked() {
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Remove takes every virtual node of addr off the ring.
func (b *ConsistentHashBalancer) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := b.ring[:0]
	for _, h := range b.ring {
		if b.nodes[h].Addr == addr {
			delete(b.nodes, h)
			continue
		}
		ring = append(ring, h)
	}
	b.ring = ring
	b.members = ""
}

// Lookup finds the peer responsible for key on the current ring.
// It hashes the key, then binary-searches for the first node >= hash.
// If the hash is larger than all nodes, it wraps around to the first node.
func (b *ConsistentHashBalancer) Lookup(key string) (*discovery.Peer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lookupLocked(key)
}

func (b *ConsistentHashBalancer) lookupLocked(key string) (*discovery.Peer, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoPeers
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	p := *b.nodes[b.ring[idx]]
	return &p, nil
}

// Pick rebuilds the ring whenever peers differs from the set it was built
// from, then looks key up. Calls without a key all land on one peer.
func (b *ConsistentHashBalancer) Pick(peers []discovery.Peer, key string) (*discovery.Peer, error) {
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	members := memberKey(peers)

	b.mu.RLock()
	if b.members == members {
		defer b.mu.RUnlock()
		return b.lookupLocked(key)
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.members != members {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]*discovery.Peer, len(peers)*b.replicas)
		for _, p := range peers {
			b.addLocked(p)
		}
		b.sortLocked()
		b.members = members
	}
	return b.lookupLocked(key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func memberKey(peers []discovery.Peer) string {
	addrs := make([]string, len(peers))
	for i, p := range peers {
		addrs[i] = p.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}
