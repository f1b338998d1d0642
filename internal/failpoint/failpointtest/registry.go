// Package failpointtest provides an armable failpoint.Injector for tests.
package failpointtest

import (
	"fmt"
	"sync"

	"github.com/devrev/pairdb/docstore/internal/failpoint"
)

// Registry records which checkpoints are armed and how often each was hit
type Registry struct {
	mu    sync.Mutex
	armed map[string]bool
	hits  map[string]int
}

// NewRegistry returns a registry with nothing armed
func NewRegistry() *Registry {
	return &Registry{
		armed: make(map[string]bool),
		hits:  make(map[string]int),
	}
}

// Enable arms a checkpoint
func (r *Registry) Enable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed[name] = true
}

// Disable disarms a checkpoint
func (r *Registry) Disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.armed, name)
}

// Clear disarms every checkpoint
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = make(map[string]bool)
}

// Hits returns how many times an armed checkpoint fired
func (r *Registry) Hits(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits[name]
}

// Hit implements failpoint.Injector
func (r *Registry) Hit(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.armed[name] {
		return nil
	}
	r.hits[name]++
	return fmt.Errorf("%s: %w", name, failpoint.ErrTerminated)
}

var _ failpoint.Injector = (*Registry)(nil)
