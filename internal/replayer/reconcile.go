package replayer

import (
	"context"

	"mirrord"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// CycleResult summarizes one reconcile cycle. Keys are sorted.
type CycleResult struct {
	Added   []mirrord.ImageKey
	Removed []mirrord.ImageKey
	// Failed holds desired images whose worker did not start. They are
	// retried on the next cycle.
	Failed []mirrord.ImageKey
}

type heldWorker struct {
	key    mirrord.ImageKey
	worker Worker
}

// Images returns the images that currently have a running worker, sorted.
func (r *Replayer) Images() []mirrord.ImageKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.heldKeysLocked()
}

func (r *Replayer) heldKeysLocked() []mirrord.ImageKey {
	held := make(mirrord.DesiredState, len(r.images))
	for pool, imgs := range r.images {
		for image := range imgs {
			held.Add(pool, image)
		}
	}
	return held.Keys()
}

// reconcile converges the worker map on desired. Only the loop goroutine
// calls it, so the map cannot change between the key snapshot and commit.
func (r *Replayer) reconcile(ctx context.Context, desired mirrord.DesiredState) CycleResult {
	ctx, span := r.tracer.Start(ctx, "replayer.reconcile", trace.WithAttributes(
		attribute.Int("mirrord.desired", desired.Len()),
	))
	defer span.End()

	r.mu.RLock()
	current := r.heldKeysLocked()
	r.mu.RUnlock()

	var res CycleResult
	held := make(map[mirrord.ImageKey]struct{}, len(current))
	for _, key := range current {
		held[key] = struct{}{}
		if !desired.Has(key.Pool, key.Image) {
			res.Removed = append(res.Removed, key)
		}
	}

	var started []heldWorker
	for _, key := range desired.Keys() {
		if _, ok := held[key]; ok {
			continue
		}
		w := r.newWorker(r.local, r.remote, key.Pool, key.Image)
		if err := r.startWorker(ctx, key, w); err != nil {
			res.Failed = append(res.Failed, key)
			continue
		}
		started = append(started, heldWorker{key: key, worker: w})
		res.Added = append(res.Added, key)
	}

	dropped, total := r.commit(res.Removed, started)
	r.stopWorkers(dropped)

	span.SetAttributes(
		attribute.Int("mirrord.added", len(res.Added)),
		attribute.Int("mirrord.removed", len(res.Removed)),
		attribute.Int("mirrord.failed", len(res.Failed)),
	)
	r.metrics.observeCycle(total, len(res.Failed))
	if len(res.Added) > 0 || len(res.Removed) > 0 || len(res.Failed) > 0 {
		r.log.Info("reconciled images",
			"added", len(res.Added), "removed", len(res.Removed), "failed", len(res.Failed), "running", total)
	}
	if r.onCycle != nil {
		r.onCycle(res)
	}
	return res
}

func (r *Replayer) startWorker(ctx context.Context, key mirrord.ImageKey, w Worker) error {
	ctx, span := r.tracer.Start(ctx, "replayer.start_worker", trace.WithAttributes(
		attribute.Int64("mirrord.pool", int64(key.Pool)),
		attribute.String("mirrord.image", string(key.Image)),
	))
	defer span.End()

	if err := w.Start(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Warn("failed to start image replayer", "pool", key.Pool, "image", key.Image, "err", err)
		// The worker is dropped; give it the chance to release anything
		// acquired before the failure.
		if stopErr := w.Stop(); stopErr != nil {
			r.log.Debug("stop unstarted image replayer", "pool", key.Pool, "image", key.Image, "err", stopErr)
		}
		return err
	}
	return nil
}

// commit replaces the worker map with the current map minus removed plus
// started, under one write lock. It returns the dropped workers and the
// number of workers held afterwards.
func (r *Replayer) commit(removed []mirrord.ImageKey, started []heldWorker) ([]heldWorker, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[mirrord.PoolID]map[mirrord.ImageID]Worker, len(r.images))
	put := func(key mirrord.ImageKey, w Worker) {
		imgs, ok := next[key.Pool]
		if !ok {
			imgs = make(map[mirrord.ImageID]Worker)
			next[key.Pool] = imgs
		}
		imgs[key.Image] = w
	}

	gone := make(map[mirrord.ImageKey]struct{}, len(removed))
	for _, key := range removed {
		gone[key] = struct{}{}
	}

	var dropped []heldWorker
	total := 0
	for pool, imgs := range r.images {
		for image, w := range imgs {
			key := mirrord.ImageKey{Pool: pool, Image: image}
			if _, ok := gone[key]; ok {
				dropped = append(dropped, heldWorker{key: key, worker: w})
				continue
			}
			put(key, w)
			total++
		}
	}
	for _, h := range started {
		put(h.key, h.worker)
		total++
	}
	r.images = next
	return dropped, total
}

// stopWorkers stops dropped workers concurrently and waits for all of them.
// Errors are logged; a worker that fails to stop is still dropped.
func (r *Replayer) stopWorkers(dropped []heldWorker) {
	var g errgroup.Group
	for _, h := range dropped {
		g.Go(func() error {
			if err := h.worker.Stop(); err != nil {
				r.log.Warn("failed to stop image replayer", "pool", h.key.Pool, "image", h.key.Image, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
