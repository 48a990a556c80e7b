// Package transformer holds the named entity transformations a sync DAG
// routes through: file chunking, neural embedding, and sparse (BM25-style)
// embedding. Transformers are pure apart from the external calls their
// metadata declares.
package transformer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"weave.evalgo.org/entity"
)

// Metadata is the static description of a transformer used for DAG
// validation and batching decisions.
type Metadata struct {
	Name       string
	InputKind  string
	OutputKind string

	// SupportsBatch means Transform accepts more than one entity per
	// call; BatchSize caps the batch.
	SupportsBatch bool
	BatchSize     int

	// PreservesMetadata means system metadata on inputs survives to
	// outputs unchanged.
	PreservesMetadata bool

	// ExternalIO declares that Transform calls out of process (embedding
	// model, OCR). Pure transformers leave it false.
	ExternalIO bool
}

// Transformer converts entities of the input kind into entities of the
// output kind. Implementations must be safe for concurrent calls.
type Transformer interface {
	Metadata() Metadata
	Transform(ctx context.Context, in []entity.Entity) ([]entity.Entity, error)
}

// Registry maps transformer names to implementations, registered explicitly
// at startup.
type Registry struct {
	mu           sync.RWMutex
	transformers map[string]Transformer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{transformers: make(map[string]Transformer)}
}

// Register adds a transformer under its metadata name.
func (r *Registry) Register(t Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformers[t.Metadata().Name] = t
}

// Get returns the transformer registered under name.
func (r *Registry) Get(name string) (Transformer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transformers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown transformer %q", entity.ErrInvalidDAG, name)
	}
	return t, nil
}

// Names lists registered transformer names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transformers))
	for n := range r.transformers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
