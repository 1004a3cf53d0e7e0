package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"fluxpredict/core"
)

// Cleanup priorities. Lower runs first.
const (
	PriorityServers   = 10 // stop accepting traffic
	PriorityWorkers   = 20 // queue workers and background writers
	PriorityPipeline  = 30 // inference backends
	PriorityStorage   = 40 // ledger database
	PriorityScratch   = 50 // temporary files
	PriorityTelemetry = 90 // flush logs last
)

type entry struct {
	name     string
	priority int
	fn       core.ShutdownFunc
}

// Registry holds cleanup functions ordered by priority.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds fn. Registrations after Run are ignored.
func (r *Registry) Register(name string, priority int, fn core.ShutdownFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.entries = append(r.entries, entry{name: name, priority: priority, fn: fn})
}

// Run calls every function in priority order, registration order breaking
// ties, and returns the failures. It runs at most once.
func (r *Registry) Run(ctx context.Context) []error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sorted := r.sortedLocked()
	r.mu.Unlock()

	var errs []error
	for _, e := range sorted {
		if err := e.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errs
}

// Names returns the registered names in execution order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	sorted := r.sortedLocked()
	names := make([]string, len(sorted))
	for i, e := range sorted {
		names[i] = e.name
	}
	return names
}

func (r *Registry) sortedLocked() []entry {
	sorted := make([]entry, len(r.entries))
	copy(sorted, r.entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].priority < sorted[j].priority
	})
	return sorted
}
