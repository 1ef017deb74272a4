package fake

import (
	"context"
	"sync"

	"mirrord"
	"mirrord/internal/adapter/fake/fault"
)

// Workers builds fake per-image workers and tracks their lifecycle.
type Workers struct {
	CallRecorder
	Faults *fault.Injector

	mu      sync.Mutex
	created map[mirrord.ImageKey]int
	started map[mirrord.ImageKey]int
	stopped map[mirrord.ImageKey]int
	live    map[*Worker]struct{}
}

func NewWorkers() *Workers {
	return &Workers{
		Faults:  fault.NewInjector(),
		created: make(map[mirrord.ImageKey]int),
		started: make(map[mirrord.ImageKey]int),
		stopped: make(map[mirrord.ImageKey]int),
		live:    make(map[*Worker]struct{}),
	}
}

// New constructs an unstarted worker for (pool, image).
func (w *Workers) New(pool mirrord.PoolID, image mirrord.ImageID) *Worker {
	key := mirrord.ImageKey{Pool: pool, Image: image}
	w.record("New", key)
	w.mu.Lock()
	w.created[key]++
	w.mu.Unlock()
	return &Worker{Key: key, owner: w}
}

// Created returns how many workers were constructed for key.
func (w *Workers) Created(key mirrord.ImageKey) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.created[key]
}

// Started returns how many Start calls for key succeeded.
func (w *Workers) Started(key mirrord.ImageKey) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started[key]
}

// Stopped returns how many workers for key were stopped.
func (w *Workers) Stopped(key mirrord.ImageKey) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped[key]
}

// Live returns the keys of workers that started and were not stopped.
func (w *Workers) Live() []mirrord.ImageKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := make(mirrord.DesiredState)
	for worker := range w.live {
		d.Add(worker.Key.Pool, worker.Key.Image)
	}
	return d.Keys()
}

// Worker is one fake replication worker.
type Worker struct {
	Key   mirrord.ImageKey
	owner *Workers

	mu      sync.Mutex
	running bool
	stops   int
}

func (w *Worker) Start(ctx context.Context) error {
	w.owner.record("Start", w.Key)
	if err := w.owner.Faults.Eval(fault.WorkerStart, w.Key.Pool, w.Key.Image); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true

	w.owner.mu.Lock()
	w.owner.started[w.Key]++
	w.owner.live[w] = struct{}{}
	w.owner.mu.Unlock()
	return nil
}

// Stop always marks the worker stopped, even when the stop fault fires.
func (w *Worker) Stop() error {
	w.owner.record("Stop", w.Key)
	err := w.owner.Faults.Eval(fault.WorkerStop, w.Key.Pool, w.Key.Image)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stops++
	w.running = false

	w.owner.mu.Lock()
	w.owner.stopped[w.Key]++
	delete(w.owner.live, w)
	w.owner.mu.Unlock()
	return err
}

// Running reports whether the worker is started.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stops returns how many times Stop was called on this worker.
func (w *Worker) Stops() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stops
}
