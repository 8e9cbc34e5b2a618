package stream

import (
	"sort"
	"sync"

	"github.com/wehubfusion/Argus/pkg/event"
)

// Registry stores the junctions of an application keyed by stream id.
// It resolves or creates internal streams, including the partition-qualified
// streams that partition clones insert into.
// Thread-safe for concurrent access
type Registry struct {
	junctions map[string]*Junction
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		junctions: make(map[string]*Junction),
	}
}

// Define registers a junction for def, returning the existing one if the id
// is already known.
func (r *Registry) Define(def *event.StreamDefinition) *Junction {
	return r.GetOrCreate(def.ID, def)
}

// GetOrCreate returns the junction for id, creating it from def when absent.
// def is re-identified as id so that partition-qualified junctions carry
// their own stream id.
func (r *Registry) GetOrCreate(id string, def *event.StreamDefinition) *Junction {
	r.mu.RLock()
	j, ok := r.junctions[id]
	r.mu.RUnlock()
	if ok {
		return j
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.junctions[id]; ok {
		return j
	}
	if def.ID != id {
		def = def.WithID(id)
	}
	j = NewJunction(def)
	r.junctions[id] = j
	return j
}

// Get retrieves the junction for id
// Returns the junction and a boolean indicating whether it exists
func (r *Registry) Get(id string) (*Junction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.junctions[id]
	return j, ok
}

// Has checks if a junction exists for id
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Remove deletes the junction for id. It reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.junctions[id]
	delete(r.junctions, id)
	return ok
}

// IDs returns the registered stream ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.junctions))
	for id := range r.junctions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
