// Package registry maps unit names to factories so jobs can be rebuilt from a
// persisted snapshot.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"jobloop/internal/job"
)

// Factory builds a fresh unit of work from persisted args.
type Factory func(args job.Args) (job.Unit, error)

// NotFoundError is returned when a name has no registered factory.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unit %q is not registered", e.Name)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds name to f, replacing any previous binding.
func (r *Registry) Register(name string, f Factory) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("registry: empty unit name")
	}
	if f == nil {
		return fmt.Errorf("registry: nil factory for %q", name)
	}
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
	return nil
}

// MustRegister is Register for static wiring at startup.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return f, nil
}

// Build resolves name and runs its factory.
func (r *Registry) Build(name string, args job.Args) (job.Unit, error) {
	f, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	u, err := f(args)
	if err != nil {
		return nil, fmt.Errorf("build unit %q: %w", name, err)
	}
	return u, nil
}

// NewJob builds the unit for name and wraps it in a job that remembers args.
func (r *Registry) NewJob(name string, args job.Args, opts ...job.Option) (*job.Job, error) {
	u, err := r.Build(name, args)
	if err != nil {
		return nil, err
	}
	opts = append([]job.Option{job.WithArgs(args)}, opts...)
	return job.New(name, u, opts...), nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
