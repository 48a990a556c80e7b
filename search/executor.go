package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"weave.evalgo.org/entity"
)

// State is the shared blackboard a query plan runs against. Operations
// read the values their dependencies wrote and add their own.
type State struct {
	mu      sync.RWMutex
	values  map[string]interface{}
	timings map[string]time.Duration
	errs    map[string]string
}

// NewState returns an empty blackboard.
func NewState() *State {
	return &State{
		values:  make(map[string]interface{}),
		timings: make(map[string]time.Duration),
		errs:    make(map[string]string),
	}
}

// Set stores a value under key.
func (s *State) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value under key.
func (s *State) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Timings returns a copy of the per-operation durations.
func (s *State) Timings() map[string]time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Duration, len(s.timings))
	for k, v := range s.timings {
		out[k] = v
	}
	return out
}

// Errors returns a copy of the absorbed optional-operation errors.
func (s *State) Errors() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.errs))
	for k, v := range s.errs {
		out[k] = v
	}
	return out
}

func (s *State) setTiming(name string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timings[name] = d
}

func (s *State) setError(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[name] = err.Error()
}

// Operation is one named step of a query plan.
type Operation struct {
	Name      string
	DependsOn []string

	// Optional operations absorb their error into the state; required
	// operations abort the plan.
	Optional bool

	Run func(ctx context.Context, st *State) error
}

// Execute runs the plan in dependency waves: every operation whose
// dependencies completed runs in the current wave, concurrently. A
// dependency satisfied by a failed optional operation still counts; the
// dependent is expected to cope with the missing state value.
func Execute(ctx context.Context, st *State, ops []Operation) error {
	done := make(map[string]bool, len(ops))
	remaining := ops

	for len(remaining) > 0 {
		var wave, deferred []Operation
		for _, op := range remaining {
			if depsSatisfied(op, done) {
				wave = append(wave, op)
			} else {
				deferred = append(deferred, op)
			}
		}
		if len(wave) == 0 {
			return fmt.Errorf("%w: unsatisfiable dependencies in query plan (stuck at %s)",
				entity.ErrInvalidConfig, deferred[0].Name)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, op := range wave {
			op := op
			g.Go(func() error {
				start := time.Now()
				err := op.Run(gctx, st)
				st.setTiming(op.Name, time.Since(start))
				if err == nil {
					return nil
				}
				if op.Optional {
					st.setError(op.Name, err)
					return nil
				}
				return fmt.Errorf("%s: %w", op.Name, err)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, op := range wave {
			done[op.Name] = true
		}
		remaining = deferred
	}
	return nil
}

func depsSatisfied(op Operation, done map[string]bool) bool {
	for _, dep := range op.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}
