package discovery

import (
	"context"
	"fmt"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultEtcdPrefix is where peers register themselves, one key per peer
// under <prefix>/<record>/.
const DefaultEtcdPrefix = "/couchpeer/peers"

func NewEtcdClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// EtcdSource lists peers registered in etcd. It is an alternative to DNS for
// deployments where SRV records are not published.
type EtcdSource struct {
	KV     clientv3.KV
	Prefix string
}

func NewEtcdSource(kv clientv3.KV, prefix string) *EtcdSource {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	return &EtcdSource{KV: kv, Prefix: prefix}
}

func (e *EtcdSource) dir(record string) string {
	return path.Join(e.Prefix, record) + "/"
}

// LookupPeers returns the registered hostnames in key order. An empty
// directory is reported as ErrNameNotFound, matching NXDOMAIN for DNS.
func (e *EtcdSource) LookupPeers(ctx context.Context, record string) ([]string, error) {
	resp, err := e.KV.Get(ctx, e.dir(record), clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", e.dir(record), err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%s: %w", record, ErrNameNotFound)
	}
	peers := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers = append(peers, peerAddress(string(kv.Value)))
	}
	return peers, nil
}

// Register publishes host under record with a lease of ttl seconds and keeps
// the lease alive until ctx is done.
func Register(ctx context.Context, kv clientv3.KV, lease clientv3.Lease, prefix, record, host string, ttl int64) (clientv3.LeaseID, error) {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	grant, err := lease.Grant(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("granting lease: %w", err)
	}
	key := path.Join(prefix, record, host)
	if _, err := kv.Put(ctx, key, host, clientv3.WithLease(grant.ID)); err != nil {
		return 0, fmt.Errorf("putting %s: %w", key, err)
	}

	ch, err := lease.KeepAlive(ctx, grant.ID)
	if err != nil {
		return 0, fmt.Errorf("keeping lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return grant.ID, nil
}
