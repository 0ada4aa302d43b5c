package discovery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryDirectory is an in-process Directory. TTLs are ignored; entries live
// until Deregister. Useful for tests and single-process deployments.
type MemoryDirectory struct {
	mu       sync.RWMutex
	services map[string]map[string]Peer
	watchers map[string][]chan []Peer
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		services: make(map[string]map[string]Peer),
		watchers: make(map[string][]chan []Peer),
	}
}

func (d *MemoryDirectory) Register(_ context.Context, service string, peer Peer, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.services[service] == nil {
		d.services[service] = make(map[string]Peer)
	}
	d.services[service][peer.Addr] = peer
	d.notifyLocked(service)
	return nil
}

func (d *MemoryDirectory) Deregister(_ context.Context, service string, addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.services[service], addr)
	d.notifyLocked(service)
	return nil
}

func (d *MemoryDirectory) Discover(_ context.Context, service string) ([]Peer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listLocked(service), nil
}

func (d *MemoryDirectory) Watch(ctx context.Context, service string) <-chan []Peer {
	ch := make(chan []Peer, 1)
	d.mu.Lock()
	d.watchers[service] = append(d.watchers[service], ch)
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		defer d.mu.Unlock()
		ws := d.watchers[service]
		for i, w := range ws {
			if w == ch {
				d.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// listLocked returns peers sorted by address so callers see a stable order.
func (d *MemoryDirectory) listLocked(service string) []Peer {
	peers := make([]Peer, 0, len(d.services[service]))
	for _, p := range d.services[service] {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Addr < peers[j].Addr })
	return peers
}

// notifyLocked replaces any undelivered update with the latest list.
func (d *MemoryDirectory) notifyLocked(service string) {
	peers := d.listLocked(service)
	for _, ch := range d.watchers[service] {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- peers:
		default:
		}
	}
}
