package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/couchpeer/internal/config"
	"github.com/ryandielhenn/couchpeer/internal/logging"
	"github.com/ryandielhenn/couchpeer/internal/telemetry"
	"github.com/ryandielhenn/couchpeer/pkg/couch"
	"github.com/ryandielhenn/couchpeer/pkg/discovery"
	"github.com/ryandielhenn/couchpeer/pkg/monitor"
	"github.com/ryandielhenn/couchpeer/pkg/node"
	"github.com/ryandielhenn/couchpeer/pkg/reconcile"
)

// set with -ldflags "-X main.version=... -X main.gitSHA=..."
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "couchpeer",
		Short: "Joins the pods of a CouchDB StatefulSet into one cluster and watches its membership",
		Long: `
couchpeer resolves the peers of a CouchDB cluster from an SRV record (or etcd),
registers each of them with the local node's _nodes database, and then polls
/_membership forever, reporting drift on stderr and through /healthz.
`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, log); err != nil {
				log.Error("fatal", zap.Error(err))
				return err
			}
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "couchpeer %s (%s)\n", version, gitSHA)
		},
	})
	return cmd
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	telemetry.SetBuildInfo(version, gitSHA)

	// 1. Work out what to resolve and where from
	record, err := discovery.ServiceRecord(cfg.ServiceRecord)
	if err != nil {
		return fmt.Errorf("building service record: %w", err)
	}
	src, closeSource, err := peerSource(ctx, cfg, record, log)
	if err != nil {
		return err
	}
	defer closeSource()

	client, err := couch.NewClient(cfg.AdminURL, cfg.APIURL,
		couch.WithCredentials(cfg.Credentials()),
		couch.WithNodePrefix(cfg.NodePrefix))
	if err != nil {
		return err
	}

	// 2. Status surface is up for the whole life of the process
	n := node.NewNode(record, cfg.ClusterSize)
	if cfg.StatusAddr != "" {
		srv := &http.Server{Addr: cfg.StatusAddr, Handler: n.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("status server listening", zap.String("addr", cfg.StatusAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status server failed", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	// 3. Discover
	d := discovery.New(src, log)
	d.Attempts = cfg.DiscoveryAttempts
	peers, err := d.Discover(ctx, record, cfg.ClusterSize)
	if err != nil {
		return shutdownOr(ctx, err)
	}

	// 4. Join
	r := reconcile.New(client, log)
	r.TransportAttempts = cfg.JoinAttempts
	r.NotReadyDelay = cfg.NotReadyDelay
	if err := r.Reconcile(ctx, peers); err != nil {
		return shutdownOr(ctx, err)
	}
	n.SetPeers(peers)

	// 5. Watch until told to stop
	m := monitor.New(client, cfg.ClusterSize, log)
	m.Interval = cfg.MonitorInterval
	m.OnResult = n.Observe
	err = m.Run(ctx)
	log.Info("shutting down")
	return shutdownOr(ctx, err)
}

// shutdownOr swallows err when it only reports that ctx was cancelled.
func shutdownOr(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func peerSource(ctx context.Context, cfg *config.Config, record string, log *zap.Logger) (discovery.PeerSource, func(), error) {
	switch cfg.Source {
	case config.SourceEtcd:
		cli, err := discovery.NewEtcdClient(cfg.EtcdEndpoints)
		if err != nil {
			return nil, nil, fmt.Errorf("creating etcd client: %w", err)
		}
		log.Info("using etcd peer source", zap.Strings("endpoints", cli.Endpoints()))
		if cfg.EtcdRegister {
			self, err := discovery.FQDN()
			if err != nil {
				cli.Close()
				return nil, nil, err
			}
			id, err := discovery.Register(ctx, cli, cli, cfg.EtcdPrefix, record, self, cfg.EtcdLeaseTTL)
			if err != nil {
				cli.Close()
				return nil, nil, err
			}
			log.Info("registered with etcd", zap.String("host", self), zap.Int64("lease", int64(id)))
		}
		return discovery.NewEtcdSource(cli, cfg.EtcdPrefix), func() { cli.Close() }, nil
	default:
		return discovery.NewSRVSource(cfg.Nameservers...), func() {}, nil
	}
}
