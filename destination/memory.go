package destination

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"weave.evalgo.org/entity"
)

// MemoryDestination is a process-local vector store. It supports dense
// cosine scoring, sparse dot-product scoring, and native reciprocal-rank
// fusion for hybrid queries. Used by tests and by single-node embedded
// deployments that do not want Postgres.
type MemoryDestination struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	batchSize   int
}

type memCollection struct {
	vectorDim int
	sparse    bool
	points    map[string]Point
}

// NewMemoryDestination returns an empty store.
func NewMemoryDestination() *MemoryDestination {
	return &MemoryDestination{
		collections: make(map[string]*memCollection),
		batchSize:   256,
	}
}

func (m *MemoryDestination) MaxBatchSize() int { return m.batchSize }

func (m *MemoryDestination) Capabilities() Capabilities {
	return Capabilities{SparseVectors: true, NativeFusion: true}
}

func (m *MemoryDestination) EnsureCollection(ctx context.Context, namespace string, vectorDim int, sparse bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[namespace]; ok {
		if c.vectorDim != vectorDim {
			return fmt.Errorf("%w: collection %q exists with dim %d, requested %d",
				entity.ErrDestinationFatal, namespace, c.vectorDim, vectorDim)
		}
		return nil
	}
	m.collections[namespace] = &memCollection{
		vectorDim: vectorDim,
		sparse:    sparse,
		points:    make(map[string]Point),
	}
	return nil
}

func (m *MemoryDestination) BulkUpsert(ctx context.Context, namespace string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[namespace]
	if !ok {
		return fmt.Errorf("%w: unknown collection %q", entity.ErrDestinationFatal, namespace)
	}
	for _, p := range points {
		if c.vectorDim > 0 && p.Vector != nil && len(p.Vector) != c.vectorDim {
			return fmt.Errorf("%w: point %s has dim %d, collection %q wants %d",
				entity.ErrDestinationFatal, p.ID, len(p.Vector), namespace, c.vectorDim)
		}
		c.points[p.ID] = p
	}
	return nil
}

func (m *MemoryDestination) BulkDelete(ctx context.Context, namespace string, pointIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[namespace]
	if !ok {
		return nil // nothing to delete
	}
	for _, id := range pointIDs {
		delete(c.points, id)
	}
	return nil
}

// Count returns the number of points in a namespace. Test helper.
func (m *MemoryDestination) Count(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.collections[namespace]; ok {
		return len(c.points)
	}
	return 0
}

// Get returns a point by id. Test helper.
func (m *MemoryDestination) Get(namespace, id string) (Point, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[namespace]
	if !ok {
		return Point{}, false
	}
	p, ok := c.points[id]
	return p, ok
}

func (m *MemoryDestination) Search(ctx context.Context, namespace string, q Query) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: unknown collection %q", entity.ErrDestinationFatal, namespace)
	}

	var dense, sparse []Result
	switch q.Method {
	case MethodKeyword:
		sparse = c.rank(q.Filter, func(p Point) (float32, bool) { return sparseDot(q.SparseVector, p.SparseVector) })
	case MethodHybrid:
		dense = c.rank(q.Filter, func(p Point) (float32, bool) { return cosine(q.Vector, p.Vector) })
		sparse = c.rank(q.Filter, func(p Point) (float32, bool) { return sparseDot(q.SparseVector, p.SparseVector) })
	default:
		dense = c.rank(q.Filter, func(p Point) (float32, bool) { return cosine(q.Vector, p.Vector) })
	}

	var ranked []Result
	if dense != nil && sparse != nil {
		ranked = FuseRRF(dense, sparse, 0)
	} else if sparse != nil {
		ranked = sparse
	} else {
		ranked = dense
	}

	out := make([]Result, 0, len(ranked))
	for _, r := range ranked {
		if q.ScoreThreshold > 0 && q.Method != MethodHybrid && r.Score < q.ScoreThreshold {
			continue
		}
		out = append(out, r)
	}
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (c *memCollection) rank(filter map[string]interface{}, score func(Point) (float32, bool)) []Result {
	results := make([]Result, 0, len(c.points))
	for _, p := range c.points {
		if !matchesFilter(p.Payload, filter) {
			continue
		}
		s, ok := score(p)
		if !ok {
			continue
		}
		results = append(results, Result{PointID: p.ID, Score: s, Payload: p.Payload})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].PointID < results[j].PointID
	})
	return results
}

func matchesFilter(payload, filter map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) (float32, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb))), true
}

func sparseDot(a, b map[uint32]float32) (float32, bool) {
	if len(a) == 0 || len(b) == 0 {
		return 0, false
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	var dot float32
	for k, v := range small {
		if w, ok := large[k]; ok {
			dot += v * w
		}
	}
	if dot == 0 {
		return 0, false
	}
	return dot, true
}

// FuseRRF merges two ranked lists with reciprocal-rank fusion. k defaults
// to 60, the usual constant.
func FuseRRF(a, b []Result, k int) []Result {
	if k <= 0 {
		k = 60
	}
	scores := make(map[string]float32)
	payloads := make(map[string]map[string]interface{})
	for rank, r := range a {
		scores[r.PointID] += 1.0 / float32(k+rank+1)
		payloads[r.PointID] = r.Payload
	}
	for rank, r := range b {
		scores[r.PointID] += 1.0 / float32(k+rank+1)
		if _, ok := payloads[r.PointID]; !ok {
			payloads[r.PointID] = r.Payload
		}
	}
	fused := make([]Result, 0, len(scores))
	for id, s := range scores {
		fused = append(fused, Result{PointID: id, Score: s, Payload: payloads[id]})
	}
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].PointID < fused[j].PointID
	})
	return fused
}
