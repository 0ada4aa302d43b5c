package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is the root of every vrpc key in etcd:
//
//	Key:   /vrpc/{service}/{addr}
//	Value: JSON-encoded Peer
const KeyPrefix = "/vrpc/"

// EtcdDirectory implements Directory on etcd v3. Registration uses TTL
// leases: if a peer dies its lease expires and the entry is removed.
type EtcdDirectory struct {
	client *clientv3.Client
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease, revoked on Deregister
}

// NewEtcdDirectory connects to the given etcd endpoints.
func NewEtcdDirectory(endpoints []string, log *zap.Logger) (*EtcdDirectory, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 3 * time.Second,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	return &EtcdDirectory{client: c, log: log, leases: make(map[string]clientv3.LeaseID)}, nil
}

func servicePrefix(service string) string {
	return KeyPrefix + service + "/"
}

// Register stores peer with a lease of ttl and keeps the lease alive until
// Deregister or Close.
//
// The lease id is kept per key, so several peers may share one directory.
func (d *EtcdDirectory) Register(ctx context.Context, service string, peer Peer, ttl time.Duration) error {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	lease, err := d.client.Grant(ctx, secs)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(peer)
	if err != nil {
		return err
	}
	key := servicePrefix(service) + peer.Addr
	if _, err := d.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	// KeepAlive must outlive the caller's ctx.
	ch, err := d.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive %s: %w", key, err)
	}
	go func() {
		for range ch {
		}
		d.log.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	d.mu.Lock()
	d.leases[key] = lease.ID
	d.mu.Unlock()
	d.log.Info("registered peer", zap.String("service", service), zap.String("addr", peer.Addr), zap.Int64("ttl", secs))
	return nil
}

// Deregister removes the peer and revokes its lease, which also stops the
// keepalive.
func (d *EtcdDirectory) Deregister(ctx context.Context, service string, addr string) error {
	key := servicePrefix(service) + addr
	if _, err := d.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	d.mu.Lock()
	id, ok := d.leases[key]
	delete(d.leases, key)
	d.mu.Unlock()
	if ok {
		if _, err := d.client.Revoke(ctx, id); err != nil {
			d.log.Warn("revoke lease", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Discover returns the peers currently registered for service. Malformed
// entries are skipped.
func (d *EtcdDirectory) Discover(ctx context.Context, service string) ([]Peer, error) {
	resp, err := d.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", service, err)
	}
	peers := make([]Peer, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var p Peer
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			d.log.Warn("skip malformed peer", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// Watch re-reads the peer list on every change under the service prefix.
func (d *EtcdDirectory) Watch(ctx context.Context, service string) <-chan []Peer {
	ch := make(chan []Peer, 1)
	go func() {
		defer close(ch)
		for range d.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix()) {
			peers, err := d.Discover(ctx, service)
			if err != nil {
				d.log.Warn("watch refresh", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- peers:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (d *EtcdDirectory) Close() error {
	return d.client.Close()
}
