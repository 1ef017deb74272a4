// Package daemon runs one replayer per configured peer against the lab
// catalog until its context is cancelled.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"mirrord"
	"mirrord/config"
	"mirrord/internal/adapter/sqlite"
	"mirrord/internal/imagereplayer"
	"mirrord/internal/replayer"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	log         *slog.Logger
	tracer      trace.Tracer
	clock       clock.Clock
	registry    *prometheus.Registry
	metricsAddr string
	onListen    func(net.Addr)
	onReplayer  func(*replayer.Replayer)
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics registers replayer collectors with reg and, when addr is not
// empty, serves reg on addr at /metrics.
func WithMetrics(reg *prometheus.Registry, addr string) Option {
	return func(o *options) {
		o.registry = reg
		o.metricsAddr = addr
	}
}

// WithListenObserver is called with the metrics listener address once it is
// bound.
func WithListenObserver(fn func(net.Addr)) Option {
	return func(o *options) { o.onListen = fn }
}

// WithReplayerObserver is called with each peer's replayer after it starts.
func WithReplayerObserver(fn func(*replayer.Replayer)) Option {
	return func(o *options) { o.onReplayer = fn }
}

// Run opens the catalog named by cfg and mirrors every configured peer into
// the local cluster. It blocks until ctx is cancelled, then stops every
// replayer before returning.
func Run(ctx context.Context, cfg *config.Config, opts ...Option) error {
	o := options{clock: clock.WallClock}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	catalog, err := sqlite.Open(cfg.Catalog)
	if err != nil {
		return err
	}
	defer catalog.Close()

	local := catalog.Local(cfg.LocalCluster)
	fsid, err := local.FSID(ctx)
	if err != nil {
		return fmt.Errorf("local cluster %q: %w", cfg.LocalCluster, err)
	}
	o.log.Info("mirroring into local cluster", "cluster", cfg.LocalCluster, "fsid", fsid, "peers", len(cfg.Peers))

	g, ctx := errgroup.WithContext(ctx)
	if o.registry != nil && o.metricsAddr != "" {
		srv, ln, err := metricsServer(o.registry, o.metricsAddr)
		if err != nil {
			return err
		}
		if o.onListen != nil {
			o.onListen(ln.Addr())
		}
		o.log.Info("serving metrics", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	connector := sqlite.Connector{Catalog: catalog}
	for _, p := range cfg.Peers {
		peer := mirrord.Peer{ConnectionName: p.Connection, ClusterName: p.Cluster, ClusterUUID: p.UUID}
		r := replayer.New(local, peer, connector, o.workerFactory(), o.replayerOptions(p)...)
		g.Go(func() error { return o.supervise(ctx, r, cfg.InitRetry) })
	}
	return g.Wait()
}

func (o *options) replayerOptions(p config.Peer) []replayer.Option {
	opts := []replayer.Option{
		replayer.WithClock(o.clock),
		replayer.WithLogger(o.log),
		replayer.WithConfigPath(p.ConfigPath),
	}
	if o.tracer != nil {
		opts = append(opts, replayer.WithTracer(o.tracer))
	}
	if o.registry != nil {
		opts = append(opts, replayer.WithMetrics(o.registry))
	}
	return opts
}

func (o *options) workerFactory() replayer.WorkerFactory {
	return func(local replayer.LocalCluster, remote replayer.RemoteSession, pool mirrord.PoolID, image mirrord.ImageID) replayer.Worker {
		return imagereplayer.New(local, remote, pool, image, imagereplayer.WithLogger(o.log))
	}
}

// supervise initializes r, retrying every retry until it succeeds, then runs
// it until ctx is done.
func (o *options) supervise(ctx context.Context, r *replayer.Replayer, retry time.Duration) error {
	log := o.log.With("peer", r.Peer())
	for {
		err := r.Init(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return r.Stop()
		}
		var mismatch *replayer.IdentityMismatchError
		if errors.As(err, &mismatch) {
			log.Error("peer identity mismatch, will retry",
				"expected", mismatch.Expected, "observed", mismatch.Observed, "retry", retry)
		} else {
			log.Warn("peer init failed, will retry", "err", err, "retry", retry)
		}

		select {
		case <-ctx.Done():
			return r.Stop()
		case <-o.clock.After(retry):
		}
	}

	if err := r.Start(ctx); err != nil {
		stopLogged(log, r)
		return fmt.Errorf("start replayer for %s: %w", r.Peer().ClusterName, err)
	}
	log.Info("replaying peer")
	if o.onReplayer != nil {
		o.onReplayer(r)
	}

	<-ctx.Done()
	stopLogged(log, r)
	return nil
}

// stopLogged stops r and logs a teardown failure instead of returning it.
func stopLogged(log *slog.Logger, r interface{ Stop() error }) {
	if err := r.Stop(); err != nil {
		log.Warn("stop replayer", "err", err)
	}
}

func metricsServer(reg *prometheus.Registry, addr string) (*http.Server, net.Listener, error) {
	if err := reg.Register(collectors.NewGoCollector()); err != nil && !isAlreadyRegistered(err) {
		return nil, nil, fmt.Errorf("register go collector: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}
	return &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}, ln, nil
}

func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
