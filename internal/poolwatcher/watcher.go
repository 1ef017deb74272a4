// Package poolwatcher periodically scans a cluster for images with mirroring
// enabled and keeps the latest result as the desired state.
package poolwatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"mirrord"

	"github.com/juju/clock"
)

// Lister lists mirrored images. replayer.RemoteSession satisfies it.
type Lister interface {
	ListMirroredImages(ctx context.Context) (mirrord.DesiredState, error)
}

// Watcher holds the most recent desired state scanned from a Lister.
type Watcher struct {
	lister   Lister
	interval time.Duration
	clock    clock.Clock
	log      *slog.Logger

	mu          sync.RWMutex
	images      mirrord.DesiredState
	lastRefresh time.Time
	lastErr     error

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Watcher)

func WithClock(c clock.Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// New creates a watcher that refreshes every interval once started.
func New(lister Lister, interval time.Duration, opts ...Option) *Watcher {
	w := &Watcher{
		lister:   lister,
		interval: interval,
		clock:    clock.WallClock,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		images:   make(mirrord.DesiredState),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CurrentImages returns a copy of the last successfully scanned state.
func (w *Watcher) CurrentImages() mirrord.DesiredState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.images.Clone()
}

// LastRefresh returns the time of the last successful refresh and the error
// of the most recent attempt, if it failed.
func (w *Watcher) LastRefresh() (time.Time, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastRefresh, w.lastErr
}

// ForceRefresh scans synchronously. On failure the previous state is kept.
func (w *Watcher) ForceRefresh(ctx context.Context) error {
	images, err := w.lister.ListMirroredImages(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.lastErr = err
		return fmt.Errorf("list mirrored images: %w", err)
	}
	w.images = images.Clone()
	w.lastRefresh = w.clock.Now()
	w.lastErr = nil
	return nil
}

// Start launches the periodic refresh in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if w.interval <= 0 {
		return errors.New("start pool watcher: interval must be positive")
	}
	if w.done != nil {
		return errors.New("start pool watcher: already started")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		w.run(ctx)
	}()
	return nil
}

// Stop cancels the refresh loop and waits for it to exit. A stopped watcher
// may be started again.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
		w.cancel, w.done = nil, nil
	}
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.interval):
		}
		if err := w.ForceRefresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("pool scan failed", "err", err)
			continue
		}
		w.log.Debug("pool scan complete", "images", w.CurrentImages().Len())
	}
}
