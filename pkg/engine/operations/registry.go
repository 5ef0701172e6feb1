// Package operations resolves "module.function" operation descriptors to
// callables registered at startup.
package operations

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/davidthor/localflow/pkg/errors"
	"github.com/davidthor/localflow/pkg/workflow"
)

// Kinds of operation passed to Resolve, reported in mapping errors.
const (
	KindWorkflow         = "workflow"
	KindOperations       = "operations"
	KindSourceOperations = "source_operations"
	KindTargetOperations = "target_operations"
)

// Registry maps module paths to their named callables.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]map[string]workflow.Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]map[string]workflow.Func),
	}
}

// DefaultRegistry is the process-wide registry used when none is given.
var DefaultRegistry = NewRegistry()

// Register adds attrs to module, creating the module if needed. Existing
// attributes with the same name are replaced.
func (r *Registry) Register(module string, attrs map[string]workflow.Func) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[module]
	if !ok {
		m = make(map[string]workflow.Func, len(attrs))
		r.modules[module] = m
	}
	for name, fn := range attrs {
		m[name] = fn
	}
}

// RegisterFunc registers a single callable under a full descriptor.
func (r *Registry) RegisterFunc(descriptor string, fn workflow.Func) error {
	module, attr, ok := split(descriptor)
	if !ok {
		return fmt.Errorf("invalid operation descriptor %q: expected <module>.<function>", descriptor)
	}
	r.Register(module, map[string]workflow.Func{attr: fn})
	return nil
}

// Modules returns the registered module paths in sorted order.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve locates the callable for descriptor. Descriptors whose module is
// in ignored resolve to (nil, nil) so callers can skip them.
func (r *Registry) Resolve(descriptor, kind, nodeID string, ignored []string) (workflow.Func, error) {
	module, attr, ok := split(descriptor)
	if !ok {
		return nil, errors.MappingNotFound(descriptor, nodeID, kind)
	}

	for _, ig := range ignored {
		if ig == module {
			return nil, nil
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[module]
	if !ok {
		return nil, errors.MappingNotFound(module, nodeID, kind)
	}
	fn, ok := m[attr]
	if !ok {
		return nil, errors.MappingAttributeNotFound(module, attr, nodeID, kind)
	}
	return fn, nil
}

// split divides a descriptor at its last dot.
func split(descriptor string) (module, attr string, ok bool) {
	idx := strings.LastIndex(descriptor, ".")
	if idx <= 0 || idx == len(descriptor)-1 {
		return "", "", false
	}
	return descriptor[:idx], descriptor[idx+1:], true
}
