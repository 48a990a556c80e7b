package source

import (
	"context"
	"sync"

	"weave.evalgo.org/entity"
)

// MemorySource is a deterministic in-process connector used by tests and
// local fixtures. Its entity set can be swapped between runs to exercise
// incremental-sync paths (updates, disappearances).
type MemorySource struct {
	mu         sync.Mutex
	name       string
	entities   []entity.Entity
	kinds      []entity.KindSpec
	continuous bool

	// EmitDelay, when set by a test, pauses between emissions so
	// cancellation mid-stream can be exercised.
	EmitDelay func(ctx context.Context) error
}

// NewMemorySource builds a memory connector emitting the given entities in
// order.
func NewMemorySource(name string, entities []entity.Entity) *MemorySource {
	return &MemorySource{
		name:       name,
		entities:   entities,
		continuous: true,
		kinds: []entity.KindSpec{
			{Name: "doc", ContentFields: []string{"title", "body"}},
			{Name: entity.KindFile, ContentFields: []string{"content"}},
		},
	}
}

func (m *MemorySource) Name() string              { return "memory" }
func (m *MemorySource) Kinds() []entity.KindSpec  { return m.kinds }
func (m *MemorySource) SupportsContinuous() bool  { return m.continuous }
func (m *MemorySource) Validate(context.Context) error { return nil }

// SetEntities replaces the entity set for the next Produce call.
func (m *MemorySource) SetEntities(entities []entity.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = entities
}

// Produce emits the configured entities in order. The cursor is ignored;
// memory sources always full-sync.
func (m *MemorySource) Produce(ctx context.Context, cursor string, emit Emit) (string, error) {
	m.mu.Lock()
	entities := append([]entity.Entity(nil), m.entities...)
	m.mu.Unlock()

	for _, e := range entities {
		if m.EmitDelay != nil {
			if err := m.EmitDelay(ctx); err != nil {
				return "", err
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		stamp(&e, m.name)
		if err := emit(ctx, e); err != nil {
			return "", err
		}
	}
	return "", nil
}
