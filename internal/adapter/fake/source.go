package fake

import (
	"context"
	"sync"

	"mirrord"
	"mirrord/internal/adapter/fake/fault"
)

// Source serves a desired state set directly by the test.
type Source struct {
	CallRecorder
	Faults *fault.Injector

	mu      sync.Mutex
	pending mirrord.DesiredState
	current mirrord.DesiredState
}

// NewSource creates a source whose first refresh publishes initial.
func NewSource(initial mirrord.DesiredState) *Source {
	return &Source{
		Faults:  fault.NewInjector(),
		pending: initial.Clone(),
		current: make(mirrord.DesiredState),
	}
}

// Set publishes d immediately, as if a background refresh had run.
func (s *Source) Set(d mirrord.DesiredState) {
	s.mu.Lock()
	s.pending = d.Clone()
	s.current = d.Clone()
	s.mu.Unlock()
}

func (s *Source) CurrentImages() mirrord.DesiredState {
	s.record("CurrentImages")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

func (s *Source) ForceRefresh(ctx context.Context) error {
	s.record("ForceRefresh")
	if err := s.Faults.Eval(fault.SourceRefresh); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = s.pending.Clone()
	s.mu.Unlock()
	return nil
}
