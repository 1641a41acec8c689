// Package registry holds the declarative service definitions the
// orchestrator starts and the watchdog supervises. Definitions are
// registered once at startup and never mutated afterwards.
package registry

import (
	"context"
	"sort"
	"sync"

	"orchd/pkg/types"
)

// ProcessHandle identifies a started service process or container so it can
// be stopped later. Exactly one of PID or ContainerID is set for managed
// services; external services carry neither.
type ProcessHandle struct {
	PID         int
	ContainerID string
	// Stop tears down whatever Start created. May be nil for external mode.
	Stop func(ctx context.Context) error
}

// StartSpec carries everything a start function needs.
type StartSpec struct {
	Mode types.Mode
	// Port assigned by the orchestrator's allocator for managed mode.
	Port int
	// ExternalURL is set when Mode is external.
	ExternalURL string
}

// Definition is the immutable spec for one service.
type Definition struct {
	// Name is the unique service key.
	Name string
	// Critical services abort the whole startup sequence when they fail.
	Critical bool
	// Container marks a definition whose managed mode runs in a container
	// and therefore needs the docker runtime present.
	Container bool
	// DependsOn lists services that must be healthy before this one starts.
	DependsOn []string
	// Check probes the running service; it must honor ctx deadlines.
	Check func(ctx context.Context, baseURL string) error
	// Start launches the service and returns a handle. It must block until
	// the process is created (not until healthy; the orchestrator waits for
	// health separately).
	Start func(ctx context.Context, spec StartSpec) (*ProcessHandle, error)
}

// ModeFilter reports the deployment modes a service supports on the current
// platform. Implemented by platform.Adapter.
type ModeFilter interface {
	SupportedModes(service string) []types.Mode
}

// Registry stores definitions and resolves their dependency order.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*Definition
	names []string // registration order, for stable iteration

	modes ModeFilter
	// unsupported records services that cannot run on this platform in any
	// mode; they are reported failed at registration time, before any
	// process is spawned.
	unsupported map[string]error
}

// New creates an empty registry using the given platform mode filter.
func New(modes ModeFilter) *Registry {
	return &Registry{
		defs:        make(map[string]*Definition),
		modes:       modes,
		unsupported: make(map[string]error),
	}
}

// Register adds a definition. Registering the same name twice fails with
// DuplicateServiceError. A service with no supported mode on this platform
// is recorded as permanently unsupported but registration itself succeeds,
// so dependents can still resolve and be skipped.
func (r *Registry) Register(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return &DuplicateServiceError{Name: def.Name}
	}
	r.defs[def.Name] = def
	r.names = append(r.names, def.Name)
	if len(r.modes.SupportedModes(def.Name)) == 0 {
		r.unsupported[def.Name] = &PlatformUnsupportedError{Name: def.Name}
	}
	return nil
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Unsupported returns the registration-time platform error for a service,
// if any.
func (r *Registry) Unsupported(name string) (error, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	err, ok := r.unsupported[name]
	return err, ok
}

// SupportedModes exposes the platform mode filter for a registered service.
func (r *Registry) SupportedModes(name string) []types.Mode {
	return r.modes.SupportedModes(name)
}

// ResolveOrder returns all definitions sorted so every dependency precedes
// its dependents (depth-first topological sort). A dependency cycle fails
// with CyclicDependencyError naming the cycle members; this happens before
// any process is spawned.
func (r *Registry) ResolveOrder() ([]*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // done
	)
	color := make(map[string]int, len(r.defs))
	var order []*Definition
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		def, ok := r.defs[name]
		if !ok {
			return &UnknownDependencyError{Name: name}
		}
		switch color[name] {
		case black:
			return nil
		case gray:
			// Slice the current path from the first occurrence of name to
			// report exactly the cycle members.
			start := 0
			for i, n := range path {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), name)
			return &CyclicDependencyError{Cycle: cycle}
		}
		color[name] = gray
		path = append(path, name)
		deps := append([]string{}, def.DependsOn...)
		sort.Strings(deps) // deterministic order
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		order = append(order, def)
		return nil
	}

	for _, name := range r.names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
