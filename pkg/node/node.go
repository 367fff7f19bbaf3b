// Package node exposes this sidecar's view of the cluster to supervisors.
package node

import (
	"net/http"
	"sync"

	"github.com/ryandielhenn/couchpeer/internal/telemetry"
	"github.com/ryandielhenn/couchpeer/pkg/monitor"
)

type Node struct {
	mu       sync.RWMutex
	record   string
	expected int
	peers    []string
	last     *monitor.Result
}

func NewNode(record string, expected int) *Node {
	return &Node{record: record, expected: expected}
}

// SetPeers records the peers that were joined during bootstrap.
func (n *Node) SetPeers(peers []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers = append([]string(nil), peers...)
}

func (n *Node) Peers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]string(nil), n.peers...)
}

// Observe stores the latest monitor cycle. Pass it as monitor.Monitor.OnResult.
func (n *Node) Observe(res monitor.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.last = &res
}

func (n *Node) Last() (monitor.Result, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.last == nil {
		return monitor.Result{}, false
	}
	return *n.last, true
}

// Handler wires the status endpoints.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}
