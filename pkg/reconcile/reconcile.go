// Package reconcile registers discovered peers with the local CouchDB node.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/couchpeer/internal/telemetry"
	"github.com/ryandielhenn/couchpeer/pkg/couch"
	"github.com/ryandielhenn/couchpeer/pkg/retry"
)

var (
	// ErrNotReady is a 404 from the join endpoint: the _nodes database has
	// not been created by the local node yet.
	ErrNotReady = errors.New("_nodes database not created yet")
	// ErrJoinExhausted means the admin endpoint stayed unreachable.
	ErrJoinExhausted = errors.New("joining peers exhausted")
)

const (
	classNotReady  retry.Class = "not_ready"
	classTransport retry.Class = "transport"
)

const (
	DefaultNotReadyDelay     = 5 * time.Second
	DefaultTransportAttempts = 10
)

// Joiner issues the join call for one peer and returns the HTTP status.
type Joiner interface {
	AddNode(ctx context.Context, peer string) (int, error)
}

type Reconciler struct {
	joiner Joiner

	// NotReadyDelay is waited between 404s, with no ceiling.
	NotReadyDelay time.Duration
	// TransportAttempts bounds connection failures per peer.
	TransportAttempts int
	TransportBackoff  retry.Schedule
	Sleep             retry.SleepFunc

	log *zap.Logger
}

func New(joiner Joiner, log *zap.Logger) *Reconciler {
	return &Reconciler{
		joiner:            joiner,
		NotReadyDelay:     DefaultNotReadyDelay,
		TransportAttempts: DefaultTransportAttempts,
		TransportBackoff:  retry.Exponential(time.Second, time.Minute),
		Sleep:             retry.Sleep,
		log:               log.Named("reconcile"),
	}
}

func classify(err error) retry.Class {
	switch {
	case errors.Is(err, ErrNotReady):
		return classNotReady
	case errors.Is(err, couch.ErrTransportUnavailable):
		return classTransport
	}
	return retry.Fatal
}

func (r *Reconciler) policy() retry.Policy {
	return retry.Policy{
		Classify: classify,
		Rules: map[retry.Class]retry.Rule{
			classNotReady:  {Backoff: retry.Constant(r.NotReadyDelay)},
			classTransport: {Backoff: r.TransportBackoff, MaxAttempts: r.TransportAttempts},
		},
		Sleep: r.Sleep,
		Notify: func(class retry.Class, attempt int, delay time.Duration, err error) {
			if class == classNotReady {
				r.log.Info("waiting for _nodes DB to be created", zap.Duration("delay", delay))
				return
			}
			r.log.Warn("admin endpoint unreachable, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	}
}

// Reconcile joins every peer in order. Any status other than 404 counts as
// accepted, so joining an already joined peer is not an error. Cluster-wide
// convergence is not checked here.
func (r *Reconciler) Reconcile(ctx context.Context, peers []string) error {
	policy := r.policy()
	for _, peer := range peers {
		status, err := retry.Do(ctx, policy, func(ctx context.Context) (int, error) {
			return r.join(ctx, peer)
		})
		if err != nil {
			var exhausted *retry.ExhaustedError
			if errors.As(err, &exhausted) {
				return fmt.Errorf("%w: %s: %w", ErrJoinExhausted, peer, err)
			}
			return fmt.Errorf("joining %s: %w", peer, err)
		}
		r.log.Info("adding cluster member", zap.String("peer", peer), zap.Int("status", status))
	}
	r.log.Info("cluster membership populated", zap.Int("peers", len(peers)))
	return nil
}

func (r *Reconciler) join(ctx context.Context, peer string) (int, error) {
	status, err := r.joiner.AddNode(ctx, peer)
	if err != nil {
		if errors.Is(err, couch.ErrTransportUnavailable) {
			telemetry.JoinRequests.WithLabelValues("transport").Inc()
		}
		return 0, err
	}
	telemetry.JoinRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	if status == http.StatusNotFound {
		return status, ErrNotReady
	}
	return status, nil
}
