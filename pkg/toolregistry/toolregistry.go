// Package toolregistry indexes tool adapters by capability so the
// broker and scheduler can resolve "which tools can scan this target"
// without iterating every registered adapter.
package toolregistry

import (
	"fmt"
	"sync"

	"github.com/sentryscan/sentryscan/pkg/adapter"
	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/registry"
)

// Registry wraps a registry.BaseRegistry[adapter.Adapter] with the
// category/target-kind indices tool resolution needs, plus reference
// counting so an adapter mid-execution can't be pulled out from under
// a running scan.
type Registry struct {
	base *registry.BaseRegistry[adapter.Adapter]

	mu        sync.RWMutex
	byCategory map[capability.Category][]string
	byTarget   map[capability.TargetKind][]string
	refCounts  map[string]int
	pendingRemoval map[string]bool
}

// New builds an empty tool registry.
func New() *Registry {
	return &Registry{
		base:           registry.NewBaseRegistry[adapter.Adapter](),
		byCategory:     make(map[capability.Category][]string),
		byTarget:       make(map[capability.TargetKind][]string),
		refCounts:      make(map[string]int),
		pendingRemoval: make(map[string]bool),
	}
}

// Register adds an adapter under its descriptor's tool_id, validating
// the descriptor and indexing it by category and accepted target kind.
func (r *Registry) Register(a adapter.Adapter) error {
	desc := a.Describe()
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("toolregistry: invalid descriptor for %q: %w", desc.ToolID, err)
	}

	if err := r.base.Register(desc.ToolID, a); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCategory[desc.Category] = append(r.byCategory[desc.Category], desc.ToolID)
	for _, kind := range desc.InputRequirements.AcceptedTargetKinds {
		r.byTarget[kind] = append(r.byTarget[kind], desc.ToolID)
	}
	return nil
}

// Acquire looks up a tool by ID and marks it in-flight, preventing
// Deregister from removing it until every Acquire has a matching
// Release. Returns false if the tool is unknown or already scheduled
// for removal.
func (r *Registry) Acquire(toolID string) (adapter.Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pendingRemoval[toolID] {
		return nil, false
	}
	a, ok := r.base.Get(toolID)
	if !ok {
		return nil, false
	}
	r.refCounts[toolID]++
	return a, true
}

// Release drops one in-flight reference acquired via Acquire. If the
// tool was marked for removal and this was the last reference, it is
// removed from the registry now.
func (r *Registry) Release(toolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refCounts[toolID] > 0 {
		r.refCounts[toolID]--
	}
	if r.pendingRemoval[toolID] && r.refCounts[toolID] == 0 {
		r.removeLocked(toolID)
	}
}

// Deregister removes a tool immediately if it has no in-flight
// references, or marks it for removal once the last Release happens.
func (r *Registry) Deregister(toolID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.base.Get(toolID); !ok {
		return fmt.Errorf("toolregistry: tool %q not registered", toolID)
	}
	if r.refCounts[toolID] > 0 {
		r.pendingRemoval[toolID] = true
		return nil
	}
	r.removeLocked(toolID)
	return nil
}

// removeLocked assumes r.mu is held.
func (r *Registry) removeLocked(toolID string) {
	a, ok := r.base.Get(toolID)
	if !ok {
		return
	}
	desc := a.Describe()

	_ = r.base.Remove(toolID)
	delete(r.refCounts, toolID)
	delete(r.pendingRemoval, toolID)

	r.byCategory[desc.Category] = removeID(r.byCategory[desc.Category], toolID)
	for _, kind := range desc.InputRequirements.AcceptedTargetKinds {
		r.byTarget[kind] = removeID(r.byTarget[kind], toolID)
	}
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Get returns the adapter registered under toolID without touching
// reference counts, for read-only inspection (e.g. tools/list).
func (r *Registry) Get(toolID string) (adapter.Adapter, bool) {
	return r.base.Get(toolID)
}

// List returns every registered adapter's descriptor.
func (r *Registry) List() []capability.Descriptor {
	items := r.base.List()
	descriptors := make([]capability.Descriptor, 0, len(items))
	for _, a := range items {
		descriptors = append(descriptors, a.Describe())
	}
	return descriptors
}

// ByCategory returns the tool_ids of adapters registered under a
// category, in registration order.
func (r *Registry) ByCategory(category capability.Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.byCategory[category]))
	copy(out, r.byCategory[category])
	return out
}

// ByTargetKind returns the tool_ids of adapters that accept a given
// target kind, in registration order.
func (r *Registry) ByTargetKind(kind capability.TargetKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.byTarget[kind]))
	copy(out, r.byTarget[kind])
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	return r.base.Count()
}
