// Package replayer mirrors images from one remote peer cluster. A Replayer
// validates the peer, then runs a loop that keeps one started Worker per
// image the peer wants mirrored.
package replayer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"mirrord"
	"mirrord/internal/check"
	"mirrord/internal/poolwatcher"
	"mirrord/internal/telemetry"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// RefreshInterval is both the pool watcher's scan period and the pause
// between reconcile cycles.
const RefreshInterval = 30 * time.Second

const tracerName = "mirrord/replayer"

type lifecycle int

const (
	stateNew lifecycle = iota
	stateInitialized
	stateRunning
	stateStopped
)

var initPlan = telemetry.Plan{Steps: []telemetry.PlannedStep{
	{ID: StepOpen, Title: "initializing remote cluster handle"},
	{ID: StepReadConfig, Title: "reading remote cluster config"},
	{ID: StepConnect, Title: "connecting to remote cluster"},
	{ID: StepFSID, Title: "reading remote cluster uuid"},
	{ID: StepRefresh, Title: "scanning remote pools"},
}}

// Replayer reconciles per-image workers for a single peer.
type Replayer struct {
	peer       mirrord.Peer
	local      LocalCluster
	connector  Connector
	newWorker  WorkerFactory
	newSource  SourceFactory
	configPath string

	clock    clock.Clock
	log      *slog.Logger
	tracer   trace.Tracer
	registry prometheus.Registerer
	metrics  *metrics
	onCycle  func(CycleResult)

	// Set once by Init, read-only afterwards.
	remote RemoteSession
	source Source

	mu       sync.RWMutex
	images   map[mirrord.PoolID]map[mirrord.ImageID]Worker
	state    lifecycle
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	// stopped is closed once the first Stop has released every worker.
	stopped chan struct{}
}

type Option func(*Replayer)

func WithClock(c clock.Clock) Option {
	return func(r *Replayer) { r.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Replayer) { r.log = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Replayer) { r.tracer = t }
}

// WithMetrics registers the replayer's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Replayer) { r.registry = reg }
}

// WithSourceFactory replaces the default pool watcher.
func WithSourceFactory(f SourceFactory) Option {
	return func(r *Replayer) { r.newSource = f }
}

// WithConfigPath sets the path handed to RemoteSession.ReadConfig.
func WithConfigPath(path string) Option {
	return func(r *Replayer) { r.configPath = path }
}

// WithCycleObserver registers fn to receive the result of every cycle.
// fn runs on the loop goroutine.
func WithCycleObserver(fn func(CycleResult)) Option {
	return func(r *Replayer) { r.onCycle = fn }
}

// New creates a replayer for peer. Nothing is contacted until Init.
func New(local LocalCluster, peer mirrord.Peer, connector Connector, workers WorkerFactory, opts ...Option) *Replayer {
	check.Assert(local != nil, "replayer.New: local cluster must not be nil")
	check.Assert(connector != nil, "replayer.New: connector must not be nil")
	check.Assert(workers != nil, "replayer.New: worker factory must not be nil")

	r := &Replayer{
		peer:      peer,
		local:     local,
		connector: connector,
		newWorker: workers,
		clock:     clock.WallClock,
		images:    make(map[mirrord.PoolID]map[mirrord.ImageID]Worker),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r.log = r.log.With("peer", peer)
	if r.tracer == nil {
		r.tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	if r.newSource == nil {
		r.newSource = func(remote RemoteSession, interval time.Duration) Source {
			return poolwatcher.New(remote, interval,
				poolwatcher.WithClock(r.clock),
				poolwatcher.WithLogger(r.log.With("component", "pool-watcher")))
		}
	}
	if r.registry != nil {
		m, err := newMetrics(r.registry, peer)
		if err != nil {
			r.log.Warn("metrics disabled", "err", err)
		}
		r.metrics = m
	}
	return r
}

// Peer returns the peer this replayer mirrors from.
func (r *Replayer) Peer() mirrord.Peer {
	return r.peer
}

// Init connects to the peer, verifies its identity and performs the first
// pool scan. On failure nothing is retained and the replayer stays
// uninitialized; retrying is up to the caller.
func (r *Replayer) Init(ctx context.Context) (err error) {
	r.mu.RLock()
	state := r.state
	r.mu.RUnlock()
	switch state {
	case stateNew:
	case stateStopped:
		return ErrStopped
	default:
		return ErrAlreadyInitialized
	}

	op, err := telemetry.EmitPlan(ctx, r.tracer, "replayer.init", initPlan, telemetry.PeerAttributes(r.peer)...)
	if err != nil {
		return fmt.Errorf("init replayer: %w", err)
	}
	defer func() { op.End(err) }()
	ctx = op.Context()

	r.log.Debug("replaying for peer")

	var remote RemoteSession
	defer func() {
		if err != nil && remote != nil {
			if shutdownErr := remote.Shutdown(); shutdownErr != nil {
				r.log.Warn("shut down remote session", "err", shutdownErr)
			}
		}
	}()

	remote, err = dial(ctx, r.connector, r.peer, r.configPath, func(ctx context.Context, step string, fn func(context.Context) error) error {
		return r.runStep(ctx, op, step, fn)
	})
	if err != nil {
		var mismatch *IdentityMismatchError
		if errors.As(err, &mismatch) {
			r.log.Error("configured cluster uuid does not match actual cluster uuid",
				"expected", mismatch.Expected, "observed", mismatch.Observed)
		}
		return err
	}
	r.log.Debug("connected to peer")

	source := r.newSource(remote, RefreshInterval)
	if err := r.runStep(ctx, op, StepRefresh, source.ForceRefresh); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case stateNew:
	case stateStopped:
		return ErrStopped
	default:
		return ErrAlreadyInitialized
	}
	r.remote = remote
	r.source = source
	r.state = stateInitialized
	return nil
}

func (r *Replayer) runStep(ctx context.Context, op *telemetry.Operation, step string, fn func(context.Context) error) error {
	if err := op.RunStep(ctx, step, fn); err != nil {
		cfgErr := &ConfigurationError{Peer: r.peer, Step: step, Err: err}
		r.log.Error(stepMessage(step)+" failed", "err", err)
		return cfgErr
	}
	return nil
}

// Run reconciles until Stop is called or ctx is done. It returns nil in both
// cases. Stop must still be called to release workers. After ctx is done the
// replayer is no longer Running and may be started again.
func (r *Replayer) Run(ctx context.Context) error {
	if err := r.begin(ctx); err != nil {
		return err
	}
	defer r.finish()
	return r.loop(ctx)
}

// Start runs the reconcile loop on its own goroutine.
func (r *Replayer) Start(ctx context.Context) error {
	if err := r.begin(ctx); err != nil {
		return err
	}
	go func() {
		defer r.finish()
		if err := r.loop(ctx); err != nil {
			r.log.Error("replayer loop exited", "err", err)
		}
	}()
	return nil
}

// Running reports whether the loop has been started and not stopped.
func (r *Replayer) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == stateRunning
}

func (r *Replayer) begin(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case stateNew:
		return ErrNotInitialized
	case stateStopped:
		return ErrStopped
	case stateRunning:
		return errors.New("replayer is already running")
	}

	if bg, ok := r.source.(backgroundRefresher); ok {
		if err := bg.Start(ctx); err != nil {
			return fmt.Errorf("start pool watcher: %w", err)
		}
	}
	r.state = stateRunning
	r.done = make(chan struct{})
	return nil
}

func (r *Replayer) finish() {
	if bg, ok := r.source.(backgroundRefresher); ok {
		if err := bg.Stop(); err != nil {
			r.log.Warn("stop pool watcher", "err", err)
		}
	}
	r.mu.Lock()
	if r.state == stateRunning {
		r.state = stateInitialized
	}
	r.mu.Unlock()
	close(r.done)
}

func (r *Replayer) loop(ctx context.Context) error {
	// A stop request must not abort a cycle halfway through its starts.
	cycleCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-r.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		r.reconcile(cycleCtx, r.source.CurrentImages())

		select {
		case <-r.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case <-r.clock.After(RefreshInterval):
		}
	}
}

// Stop signals the loop, waits for an in-flight cycle to commit, then stops
// every worker and closes the remote session. It is safe to call more than
// once and before Start; every call returns only after the workers are
// released.
func (r *Replayer) Stop() error {
	r.mu.Lock()
	r.stopOnce.Do(func() { close(r.stopCh) })
	alreadyStopped := r.state == stateStopped
	r.state = stateStopped
	done := r.done
	r.mu.Unlock()

	if alreadyStopped {
		<-r.stopped
		return nil
	}
	defer close(r.stopped)
	if done != nil {
		<-done
	}

	r.mu.Lock()
	var dropped []heldWorker
	for pool, imgs := range r.images {
		for image, w := range imgs {
			dropped = append(dropped, heldWorker{key: mirrord.ImageKey{Pool: pool, Image: image}, worker: w})
		}
	}
	r.images = make(map[mirrord.PoolID]map[mirrord.ImageID]Worker)
	r.mu.Unlock()

	r.stopWorkers(dropped)
	r.metrics.setWorkers(0)

	if r.remote != nil {
		if err := r.remote.Shutdown(); err != nil {
			return fmt.Errorf("shut down remote session: %w", err)
		}
	}
	r.log.Debug("replayer stopped", "released", len(dropped))
	return nil
}
