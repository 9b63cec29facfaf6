package binstore

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"
)

// Registry holds the managers of a process by name.
type Registry struct {
	deps Dependencies

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry returns an empty registry. deps are passed to every manager
// it builds.
func NewRegistry(deps Dependencies) *Registry {
	return &Registry{
		deps:     deps,
		managers: make(map[string]*Manager),
	}
}

// Init builds the manager described by cfg and registers it under name.
func (r *Registry) Init(ctx context.Context, name string, cfg Config) (*Manager, error) {
	if name == "" {
		return nil, errors.NotValidf("empty manager name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.managers[name]; ok {
		return nil, errors.AlreadyExistsf("manager %q", name)
	}
	m, err := NewFromConfig(ctx, name, cfg, r.deps)
	if err != nil {
		return nil, errors.Annotatef(err, "initializing manager %q", name)
	}
	r.managers[name] = m
	return m, nil
}

// Register adds a manager built elsewhere.
func (r *Registry) Register(m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.managers[m.name]; ok {
		return errors.AlreadyExistsf("manager %q", m.name)
	}
	r.managers[m.name] = m
	return nil
}

// Get returns the manager registered under name.
func (r *Registry) Get(name string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[name]
	if !ok {
		return nil, errors.NotFoundf("manager %q", name)
	}
	return m, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.managers))
	for name := range r.managers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes and unregisters every manager. It returns the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	var first error
	for name, m := range managers {
		if err := m.Close(); err != nil {
			logger.Warningf("closing manager %q: %v", name, err)
			if first == nil {
				first = err
			}
		}
	}
	return errors.Trace(first)
}
