package node

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ryandielhenn/couchpeer/pkg/monitor"
)

// Healthz returns 200 when the last membership check was clean, 503 with the
// findings otherwise and before the first check.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	res, ok := n.Last()
	if !ok {
		http.Error(w, "membership not checked yet", http.StatusServiceUnavailable)
		return
	}
	if !res.Healthy() {
		http.Error(w, strings.Join(findingStrings(res.Findings), "\n"), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the bootstrap inputs and the last membership check as JSON.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type check struct {
		Time       time.Time           `json:"time"`
		Healthy    bool                `json:"healthy"`
		Membership *monitor.Membership `json:"membership,omitempty"`
		Findings   []string            `json:"findings,omitempty"`
	}
	type resp struct {
		PID       int      `json:"pid"`
		Record    string   `json:"record"`
		Expected  int      `json:"expected,omitempty"`
		Peers     []string `json:"peers"`
		LastCheck *check   `json:"last_check,omitempty"`
	}

	out := resp{PID: os.Getpid(), Record: n.record, Expected: n.expected, Peers: n.Peers()}
	if res, ok := n.Last(); ok {
		out.LastCheck = &check{
			Time:       res.Time,
			Healthy:    res.Healthy(),
			Membership: res.Membership,
			Findings:   findingStrings(res.Findings),
		}
	}
	data, _ := json.Marshal(out)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func findingStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}
