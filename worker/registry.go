package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/wayfound/convoy/job"
)

// Processor executes one kind of job. The returned bytes become the
// job's result on success.
type Processor interface {
	Process(ctx context.Context, run *Run) ([]byte, error)
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, run *Run) ([]byte, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, run *Run) ([]byte, error) {
	return f(ctx, run)
}

// Registry maps job types to processors. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	processors map[job.Type]Processor
}

// NewRegistry creates an empty processor registry.
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[job.Type]Processor),
	}
}

// Register binds a processor to a job type, replacing any previous one.
func (r *Registry) Register(t job.Type, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[t] = p
}

// Get returns the processor for the given job type.
// Returns false if none is registered.
func (r *Registry) Get(t job.Type) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[t]
	return p, ok
}

// Types returns all registered job types.
func (r *Registry) Types() []job.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]job.Type, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	return types
}

// Typed wraps a handler taking a decoded payload of type T. The closure
// JSON-unmarshals the raw payload before calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Typed[T any](fn func(ctx context.Context, run *Run, payload T) ([]byte, error)) Processor {
	return ProcessorFunc(func(ctx context.Context, run *Run) ([]byte, error) {
		var t T
		if raw := run.Job().Payload; len(raw) > 0 {
			if err := json.Unmarshal(raw, &t); err != nil {
				return nil, fmt.Errorf("convoy/worker: unmarshal payload for %s job: %w", run.Job().Type, err)
			}
		}
		return fn(ctx, run, t)
	})
}
