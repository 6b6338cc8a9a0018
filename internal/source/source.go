// Package source defines the discovery capability the aggregator runs and the
// concrete file- and HTTP-backed variants built from configuration.
package source

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/diamond-finder/internal/model"
)

// Source discovers raw candidates. Implementations must be safe to call from
// their own goroutine; the aggregator never calls one Source concurrently with itself.
type Source interface {
	Name() string
	Description() string
	Search(ctx context.Context) ([]model.Candidate, error)
}

// Registry holds sources keyed by name and remembers registration order,
// which is the order the aggregator merges their results in.
type Registry struct {
	sources map[string]Source
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds a source. Names must be unique and non-empty.
func (r *Registry) Register(s Source) error {
	name := s.Name()
	if name == "" {
		return eris.New("source: name is required")
	}
	if _, exists := r.sources[name]; exists {
		return eris.Errorf("source: %q already registered", name)
	}
	r.sources[name] = s
	r.order = append(r.order, name)
	return nil
}

// Get returns the source with the given name.
func (r *Registry) Get(name string) (Source, error) {
	s, ok := r.sources[name]
	if !ok {
		return nil, eris.Errorf("source: unknown source %q", name)
	}
	return s, nil
}

// All returns every registered source in registration order.
func (r *Registry) All() []Source {
	result := make([]Source, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.sources[name])
	}
	return result
}

// Names returns the registered source names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Select returns the named sources in registration order. An empty name list
// selects everything.
func (r *Registry) Select(names []string) ([]Source, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := r.sources[n]; !ok {
			return nil, eris.Errorf("source: unknown source %q", n)
		}
		want[n] = true
	}
	var result []Source
	for _, name := range r.order {
		if want[name] {
			result = append(result, r.sources[name])
		}
	}
	return result, nil
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	return len(r.order)
}
