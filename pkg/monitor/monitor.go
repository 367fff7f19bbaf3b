// Package monitor polls the local node's view of cluster membership and
// reports drift. It never changes cluster state and never gives up: every
// problem is reported and the next cycle is the retry.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/couchpeer/internal/telemetry"
)

const DefaultInterval = 10 * time.Second

// Fetcher returns the raw /_membership response.
type Fetcher interface {
	Membership(ctx context.Context) (int, []byte, error)
}

// Membership is one decoded /_membership snapshot.
type Membership struct {
	ClusterNodes []string `json:"cluster_nodes"`
	AllNodes     []string `json:"all_nodes"`
}

// Result is the outcome of one cycle. Membership is nil when the response
// could not be decoded into both node lists.
type Result struct {
	Time       time.Time
	Membership *Membership
	Findings   []error
}

func (r Result) Healthy() bool { return len(r.Findings) == 0 }

type Monitor struct {
	fetcher Fetcher

	// Expected is the cluster size; 0 disables the under-count check.
	Expected int
	Interval time.Duration
	// OnResult, when set, receives every completed cycle.
	OnResult func(Result)

	now func() time.Time
	log *zap.Logger
}

func New(fetcher Fetcher, expected int, log *zap.Logger) *Monitor {
	return &Monitor{
		fetcher:  fetcher,
		Expected: expected,
		Interval: DefaultInterval,
		now:      time.Now,
		log:      log.Named("monitor"),
	}
}

// text renders a JSON value verbatim, unquoting strings.
func text(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Check runs a single cycle without reporting it.
func (m *Monitor) Check(ctx context.Context) Result {
	res := Result{Time: m.now()}

	status, body, err := m.fetcher.Membership(ctx)
	if err != nil {
		res.Findings = append(res.Findings, err)
		return res
	}
	if status != http.StatusOK {
		res.Findings = append(res.Findings, &StatusError{Code: status})
		return res
	}

	if !json.Valid(body) {
		var syntax any
		err := json.Unmarshal(body, &syntax)
		res.Findings = append(res.Findings, fmt.Errorf("%w: %w", ErrDecode, err))
		return res
	}
	// Valid JSON of the wrong shape is a structural problem, not a decode one.
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		res.Findings = append(res.Findings, ErrMissingFields)
		return res
	}
	if raw, ok := doc["error"]; ok {
		remote := &RemoteError{Message: text(raw)}
		if reason, ok := doc["reason"]; ok {
			remote.Reason = text(reason)
		}
		res.Findings = append(res.Findings, remote)
		return res
	}
	clusterNodes, ok1 := nodeList(doc["cluster_nodes"])
	allNodes, ok2 := nodeList(doc["all_nodes"])
	if !ok1 || !ok2 {
		res.Findings = append(res.Findings, ErrMissingFields)
		return res
	}

	mem := &Membership{ClusterNodes: clusterNodes, AllNodes: allNodes}
	res.Membership = mem

	if !sameSet(mem.ClusterNodes, mem.AllNodes) {
		res.Findings = append(res.Findings, &DriftError{ClusterNodes: mem.ClusterNodes, AllNodes: mem.AllNodes})
	}
	if m.Expected > 0 && len(mem.ClusterNodes) < m.Expected {
		res.Findings = append(res.Findings, &UnderCountError{Actual: len(mem.ClusterNodes), Expected: m.Expected})
	}
	return res
}

// nodeList decodes a list of node names; absent, null or non-list values
// are rejected.
func nodeList(raw json.RawMessage) ([]string, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var nodes []string
	if err := json.Unmarshal(raw, &nodes); err != nil || nodes == nil {
		return nil, false
	}
	return nodes, true
}

func sameSet(a, b []string) bool {
	return slices.Equal(normalize(a), normalize(b))
}

func normalize(xs []string) []string {
	out := slices.Clone(xs)
	slices.Sort(out)
	return slices.Compact(out)
}

func (m *Monitor) report(res Result) {
	if mem := res.Membership; mem != nil {
		telemetry.ClusterNodes.Set(float64(len(mem.ClusterNodes)))
		telemetry.AllNodes.Set(float64(len(mem.AllNodes)))
	}
	if res.Healthy() {
		telemetry.MembershipChecks.WithLabelValues("ok").Inc()
		m.log.Debug("membership consistent", zap.Strings("cluster_nodes", res.Membership.ClusterNodes))
	} else {
		telemetry.MembershipChecks.WithLabelValues("failed").Inc()
	}
	for _, f := range res.Findings {
		kind := Kind(f)
		telemetry.MembershipFindings.WithLabelValues(kind).Inc()
		m.log.Error("membership check failed", zap.String("kind", kind), zap.Error(f))
	}
	if m.OnResult != nil {
		m.OnResult(res)
	}
}

// Run checks membership immediately and then every Interval until ctx is
// done. Findings are reported, never returned; the only return is ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	m.log.Info("checking _membership data",
		zap.Duration("interval", interval),
		zap.Int("expected", m.Expected))

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		res := m.Check(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.report(res)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
