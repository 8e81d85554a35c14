package adapter

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
)

// ErrUnavailable is returned when a tool is not registered or its executable
// cannot be found on PATH.
var ErrUnavailable = errors.New("adapter unavailable")

// Registry maps tool names to their adapters and caches executable
// resolution. The adapter set is fixed at construction; only the probe cache
// mutates afterwards.
type Registry struct {
	adapters  map[string]Adapter
	overrides map[string]string // tool -> configured executable path

	mu    sync.Mutex
	paths map[string]string // tool -> resolved path
}

// NewRegistry creates a registry with the given adapters, keyed by Tool().
// overrides maps tool names to explicit executable paths that bypass PATH
// lookup. Duplicate tools panic.
func NewRegistry(overrides map[string]string, adapters ...Adapter) *Registry {
	r := &Registry{
		adapters:  make(map[string]Adapter, len(adapters)),
		overrides: overrides,
		paths:     make(map[string]string),
	}
	for _, a := range adapters {
		if _, exists := r.adapters[a.Tool()]; exists {
			panic(fmt.Sprintf("adapter already registered for tool: %s", a.Tool()))
		}
		r.adapters[a.Tool()] = a
	}
	return r
}

// Default creates a registry with all built-in adapters.
func Default(overrides map[string]string) *Registry {
	return NewRegistry(overrides,
		&CursorAgent{},
		&Claude{},
		&Gemini{},
	)
}

// Get returns the adapter for a tool name.
func (r *Registry) Get(tool string) (Adapter, error) {
	a, ok := r.adapters[tool]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tool %q", ErrUnavailable, tool)
	}
	return a, nil
}

// Tools returns all registered tool names.
func (r *Registry) Tools() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// Resolve returns the executable path for a tool, probing PATH across the
// adapter's candidate names. The first successful probe is cached.
func (r *Registry) Resolve(tool string) (string, error) {
	a, err := r.Get(tool)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.paths[tool]; ok {
		return p, nil
	}
	if p, ok := r.overrides[tool]; ok && p != "" {
		r.paths[tool] = p
		return p, nil
	}

	for _, name := range a.Executables() {
		if p, err := exec.LookPath(name); err == nil {
			r.paths[tool] = p
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s not found in PATH (tried %v)", ErrUnavailable, tool, a.Executables())
}
