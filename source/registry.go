package source

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"weave.evalgo.org/entity"
)

// Factory builds a connector instance for one connection.
type Factory func(cfg Config, auth Auth, log *logrus.Logger) (Source, error)

type registration struct {
	factory Factory

	// continuous mirrors the connector's SupportsContinuous so schedule
	// validation does not need a live instance.
	continuous bool
}

// Registry maps connector short names to factories. Registration is
// explicit at process startup; there is no reflective discovery.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// DefaultRegistry returns a registry with the built-in connectors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("memory", true, func(cfg Config, auth Auth, log *logrus.Logger) (Source, error) {
		return NewMemorySource(cfg.Name, nil), nil
	})
	r.Register("s3", true, func(cfg Config, auth Auth, log *logrus.Logger) (Source, error) {
		return NewS3Source(cfg, auth, log)
	})
	r.Register("postgres", true, func(cfg Config, auth Auth, log *logrus.Logger) (Source, error) {
		return NewPostgresSource(cfg, auth, log)
	})
	r.Register("gitea", false, func(cfg Config, auth Auth, log *logrus.Logger) (Source, error) {
		return NewGiteaSource(cfg, auth, log)
	})
	return r
}

// Register adds a factory under a short name, replacing any existing one.
// continuous declares whether the connector tolerates minute-level
// schedules; it must match the connector's SupportsContinuous.
func (r *Registry) Register(name string, continuous bool, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = registration{factory: f, continuous: continuous}
}

// New builds the connector registered under name.
func (r *Registry) New(name string, cfg Config, auth Auth, log *logrus.Logger) (Source, error) {
	r.mu.RLock()
	reg, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown source kind %q", entity.ErrInvalidConfig, name)
	}
	return reg.factory(cfg, auth, log)
}

// SupportsContinuous reports the declared capability for name. Unknown
// names are held to the batch floor.
func (r *Registry) SupportsContinuous(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name].continuous
}

// Names lists the registered connector short names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
