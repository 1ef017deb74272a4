// Package fault injects errors into the fake clusters, sessions, workers and
// sources. Every injection site is a Point from the catalog below.
package fault

import (
	"fmt"
	"sync"

	"mirrord/internal/check"
)

// Point names an injection site. The arguments a Hook receives are listed
// next to each point.
type Point string

const (
	SessionOpen       Point = "session.open"        // connection name, cluster name
	SessionReadConfig Point = "session.read_config" // cluster name, config path
	SessionConnect    Point = "session.connect"     // cluster name
	SessionFSID       Point = "session.fsid"        // cluster name
	SessionList       Point = "session.list"        // cluster name, or none on the cluster itself
	SessionStat       Point = "session.stat"        // pool, image
	LocalEnsure       Point = "local.ensure_replica"
	LocalRelease      Point = "local.release_replica"
	WorkerStart       Point = "worker.start" // pool, image
	WorkerStop        Point = "worker.stop"  // pool, image
	SourceRefresh     Point = "source.refresh"
)

var catalog = map[Point]struct{}{
	SessionOpen:       {},
	SessionReadConfig: {},
	SessionConnect:    {},
	SessionFSID:       {},
	SessionList:       {},
	SessionStat:       {},
	LocalEnsure:       {},
	LocalRelease:      {},
	WorkerStart:       {},
	WorkerStop:        {},
	SourceRefresh:     {},
}

// Known reports whether p is in the catalog.
func (p Point) Known() bool {
	_, ok := catalog[p]
	return ok
}

// Hook decides from a call's arguments whether the call fails.
type Hook func(args ...any) error

// rule is the fault configuration of one point. An evaluation consults the
// hook first, then the oldest queued error, then the sticky error.
type rule struct {
	hook   Hook
	queue  []error
	sticky error
	hits   int
}

// Injector holds the rules for one fake. Use NewInjector.
type Injector struct {
	mu    sync.Mutex
	rules map[Point]*rule
}

func NewInjector() *Injector {
	return &Injector{rules: make(map[Point]*rule)}
}

func (i *Injector) configure(p Point, fn func(*rule)) {
	check.Assertf(p.Known(), "fault: unknown point %q", p)
	if !p.Known() {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	r, ok := i.rules[p]
	if !ok {
		r = &rule{}
		i.rules[p] = r
	}
	fn(r)
}

// FailOnce makes the next evaluation of p fail with err. Calls queue.
func (i *Injector) FailOnce(p Point, err error) {
	check.Assert(err != nil, "fault: FailOnce needs an error")
	if err == nil {
		return
	}
	i.configure(p, func(r *rule) { r.queue = append(r.queue, err) })
}

// FailAlways makes every evaluation of p fail with err until Clear.
func (i *Injector) FailAlways(p Point, err error) {
	check.Assert(err != nil, "fault: FailAlways needs an error")
	if err == nil {
		return
	}
	i.configure(p, func(r *rule) { r.sticky = err })
}

// SetHook installs hook for p. A hook may also block to hold a call open.
func (i *Injector) SetHook(p Point, hook Hook) {
	check.Assert(hook != nil, "fault: SetHook needs a hook")
	if hook == nil {
		return
	}
	i.configure(p, func(r *rule) { r.hook = hook })
}

// Clear drops every rule of p.
func (i *Injector) Clear(p Point) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.rules, p)
}

// Evals counts the evaluations of p since a rule was first set for it.
func (i *Injector) Evals(p Point) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if r, ok := i.rules[p]; ok {
		return r.hits
	}
	return 0
}

// Eval returns the error injected into this call of p, or nil.
func (i *Injector) Eval(p Point, args ...any) error {
	i.mu.Lock()
	r, ok := i.rules[p]
	if !ok {
		i.mu.Unlock()
		return nil
	}
	r.hits++
	hook, sticky := r.hook, r.sticky
	var once error
	if len(r.queue) > 0 {
		once, r.queue = r.queue[0], r.queue[1:]
	}
	i.mu.Unlock()

	var err error
	if hook != nil {
		err = hook(args...)
	}
	if err == nil {
		err = once
	}
	if err == nil {
		err = sticky
	}
	if err == nil {
		return nil
	}
	return fmt.Errorf("injected fault at %s: %w", p, err)
}
