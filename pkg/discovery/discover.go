// Package discovery resolves the peers of a CouchDB cluster from a service
// record, waiting for the record to exist and, when the cluster size is
// known, for every member to be published.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/couchpeer/internal/telemetry"
	"github.com/ryandielhenn/couchpeer/pkg/retry"
)

const (
	classNotFound retry.Class = "name_not_found"
	classMismatch retry.Class = "peer_count_mismatch"
)

// DefaultAttempts bounds each failure class independently.
const DefaultAttempts = 15

type Discoverer struct {
	Source PeerSource
	// Attempts bounds both NXDOMAIN and count mismatch retries, each on its own.
	Attempts int
	Backoff  retry.Schedule
	Sleep    retry.SleepFunc

	log *zap.Logger
}

func New(src PeerSource, log *zap.Logger) *Discoverer {
	return &Discoverer{
		Source:   src,
		Attempts: DefaultAttempts,
		Backoff:  retry.Exponential(time.Second, 5*time.Minute),
		Sleep:    retry.Sleep,
		log:      log.Named("discovery"),
	}
}

func classify(err error) retry.Class {
	switch {
	case errors.Is(err, ErrNameNotFound):
		return classNotFound
	case errors.Is(err, ErrPeerCountMismatch):
		return classMismatch
	}
	return retry.Fatal
}

// Discover resolves record into peers. With expected > 0 it only returns once
// exactly expected peers resolve; expected == 0 accepts any answer, including
// an empty one.
func (d *Discoverer) Discover(ctx context.Context, record string, expected int) ([]string, error) {
	if expected > 0 {
		d.log.Info("expecting peers", zap.Int("expected", expected))
	} else {
		d.log.Info("cluster size not set, will not wait for DNS to fully propagate")
	}

	rule := retry.Rule{Backoff: d.Backoff, MaxAttempts: d.Attempts}
	policy := retry.Policy{
		Classify: classify,
		Rules: map[retry.Class]retry.Rule{
			classNotFound: rule,
			classMismatch: rule,
		},
		Sleep: d.Sleep,
		Notify: func(class retry.Class, attempt int, delay time.Duration, err error) {
			d.log.Info("retrying discovery",
				zap.String("reason", string(class)),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	}

	peers, err := retry.Do(ctx, policy, func(ctx context.Context) ([]string, error) {
		return d.attempt(ctx, record, expected)
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return nil, fmt.Errorf("%w: %w", ErrDiscoveryExhausted, err)
		}
		return nil, err
	}
	return peers, nil
}

func (d *Discoverer) attempt(ctx context.Context, record string, expected int) ([]string, error) {
	d.log.Info("resolving service record", zap.String("record", record))
	found, err := d.Source.LookupPeers(ctx, record)
	if err != nil {
		if errors.Is(err, ErrNameNotFound) {
			telemetry.DiscoveryAttempts.WithLabelValues("not_found").Inc()
		} else {
			telemetry.DiscoveryAttempts.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	peers := dedupe(found)

	if expected > 0 {
		d.log.Info("discovered peers",
			zap.Int("count", len(peers)),
			zap.Int("expected", expected),
			zap.Strings("peers", peers))
		if len(peers) != expected {
			telemetry.DiscoveryAttempts.WithLabelValues("mismatch").Inc()
			d.log.Info("waiting for cluster DNS to fully propagate")
			return nil, fmt.Errorf("%w: resolved %d, expected %d", ErrPeerCountMismatch, len(peers), expected)
		}
	} else {
		d.log.Info("discovered peers", zap.Int("count", len(peers)), zap.Strings("peers", peers))
	}
	telemetry.DiscoveryAttempts.WithLabelValues("ok").Inc()
	return peers, nil
}
