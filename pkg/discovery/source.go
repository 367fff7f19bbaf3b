package discovery

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNameNotFound means the discovery name does not exist yet.
	ErrNameNotFound = errors.New("discovery name does not exist yet")
	// ErrPeerCountMismatch means the resolved peers do not match the expected count.
	ErrPeerCountMismatch = errors.New("peer count does not match expected cluster size")
	// ErrDiscoveryExhausted is returned once either retry budget runs out.
	ErrDiscoveryExhausted = errors.New("peer discovery exhausted")
)

// PeerSource resolves a service record to peer hostnames in response order.
// Implementations return ErrNameNotFound (possibly wrapped) when the record
// does not exist.
type PeerSource interface {
	LookupPeers(ctx context.Context, record string) ([]string, error)
}

// PeerSourceFunc adapts a function to PeerSource.
type PeerSourceFunc func(ctx context.Context, record string) ([]string, error)

func (f PeerSourceFunc) LookupPeers(ctx context.Context, record string) ([]string, error) {
	return f(ctx, record)
}

// peerAddress strips the trailing root marker from an absolute name.
func peerAddress(target string) string {
	return strings.TrimSuffix(target, ".")
}

// dedupe keeps the first occurrence of every peer.
func dedupe(peers []string) []string {
	seen := make(map[string]struct{}, len(peers))
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
