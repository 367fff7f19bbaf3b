package monitor

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrDecode means the _membership body was not valid JSON.
	ErrDecode = errors.New("unable to decode JSON in _membership response")
	// ErrMissingFields means the body is not an object holding both node lists.
	ErrMissingFields = errors.New("_membership response does not contain expected data structure")
)

// StatusError is a non-200 answer from the membership endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("_membership responded with %d %s", e.Code, http.StatusText(e.Code))
}

// RemoteError is an error document returned by CouchDB itself.
type RemoteError struct {
	Message string
	Reason  string
}

func (e *RemoteError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("_membership response contains error: %s (%s)", e.Message, e.Reason)
	}
	return "_membership response contains error: " + e.Message
}

// DriftError means the node clusters with a different set of nodes than it
// has ever seen.
type DriftError struct {
	ClusterNodes []string
	AllNodes     []string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("cluster_nodes contains [%s] while all_nodes contains [%s]",
		strings.Join(e.ClusterNodes, ", "), strings.Join(e.AllNodes, ", "))
}

// UnderCountError means fewer cluster_nodes than the expected cluster size.
type UnderCountError struct {
	Actual   int
	Expected int
}

func (e *UnderCountError) Error() string {
	return fmt.Sprintf("cluster_nodes contains %d nodes, but expecting %d nodes", e.Actual, e.Expected)
}

// Kind is the metric label for a finding.
func Kind(err error) string {
	var (
		status *StatusError
		remote *RemoteError
		drift  *DriftError
		under  *UnderCountError
	)
	switch {
	case errors.As(err, &status):
		return "status"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, ErrMissingFields):
		return "structure"
	case errors.As(err, &drift):
		return "drift"
	case errors.As(err, &under):
		return "under_count"
	}
	return "transport"
}
