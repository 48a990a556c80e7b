package destination

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointIDDeterministic(t *testing.T) {
	a := PointID("conn-1", "entity-1")
	b := PointID("conn-1", "entity-1")
	c := PointID("conn-2", "entity-1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}

func TestEnsureCollectionIdempotent(t *testing.T) {
	d := NewMemoryDestination()
	ctx := context.Background()

	require.NoError(t, d.EnsureCollection(ctx, "col", 4, true))
	require.NoError(t, d.EnsureCollection(ctx, "col", 4, true))
	err := d.EnsureCollection(ctx, "col", 8, true)
	assert.Error(t, err)
}

func TestBulkUpsertIdempotent(t *testing.T) {
	d := NewMemoryDestination()
	ctx := context.Background()
	require.NoError(t, d.EnsureCollection(ctx, "col", 2, false))

	p := Point{ID: "p1", Vector: []float32{1, 0}, Payload: map[string]interface{}{"v": 1}}
	require.NoError(t, d.BulkUpsert(ctx, "col", []Point{p}))
	require.NoError(t, d.BulkUpsert(ctx, "col", []Point{p}))
	assert.Equal(t, 1, d.Count("col"))
}

func TestBulkDeleteToleratesMissing(t *testing.T) {
	d := NewMemoryDestination()
	ctx := context.Background()
	require.NoError(t, d.EnsureCollection(ctx, "col", 2, false))
	require.NoError(t, d.BulkDelete(ctx, "col", []string{"absent"}))
	require.NoError(t, d.BulkDelete(ctx, "missing-namespace", []string{"absent"}))
}

func TestNeuralSearchRanksByCosine(t *testing.T) {
	d := NewMemoryDestination()
	ctx := context.Background()
	require.NoError(t, d.EnsureCollection(ctx, "col", 2, false))
	require.NoError(t, d.BulkUpsert(ctx, "col", []Point{
		{ID: "close", Vector: []float32{1, 0.1}, Payload: map[string]interface{}{}},
		{ID: "far", Vector: []float32{0, 1}, Payload: map[string]interface{}{}},
	}))

	results, err := d.Search(ctx, "col", Query{Method: MethodNeural, Vector: []float32{1, 0}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "close", results[0].PointID)
	assert.Greater(t, results[0].Score, float32(0.9))
}

func TestKeywordSearchUsesSparseVectors(t *testing.T) {
	d := NewMemoryDestination()
	ctx := context.Background()
	require.NoError(t, d.EnsureCollection(ctx, "col", 2, true))
	require.NoError(t, d.BulkUpsert(ctx, "col", []Point{
		{ID: "match", SparseVector: map[uint32]float32{7: 2.0}, Payload: map[string]interface{}{}},
		{ID: "nomatch", SparseVector: map[uint32]float32{9: 2.0}, Payload: map[string]interface{}{}},
	}))

	results, err := d.Search(ctx, "col", Query{Method: MethodKeyword, SparseVector: map[uint32]float32{7: 1.0}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "match", results[0].PointID)
}

func TestHybridSearchFuses(t *testing.T) {
	d := NewMemoryDestination()
	ctx := context.Background()
	require.NoError(t, d.EnsureCollection(ctx, "col", 2, true))
	require.NoError(t, d.BulkUpsert(ctx, "col", []Point{
		{ID: "both", Vector: []float32{1, 0}, SparseVector: map[uint32]float32{7: 1}, Payload: map[string]interface{}{}},
		{ID: "dense-only", Vector: []float32{0.9, 0.1}, Payload: map[string]interface{}{}},
		{ID: "sparse-only", SparseVector: map[uint32]float32{7: 2}, Payload: map[string]interface{}{}},
	}))

	results, err := d.Search(ctx, "col", Query{
		Method:       MethodHybrid,
		Vector:       []float32{1, 0},
		SparseVector: map[uint32]float32{7: 1},
		Limit:        10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	// The point ranked in both lists wins under RRF.
	assert.Equal(t, "both", results[0].PointID)
}

func TestSearchFilterAndPagination(t *testing.T) {
	d := NewMemoryDestination()
	ctx := context.Background()
	require.NoError(t, d.EnsureCollection(ctx, "col", 2, false))
	require.NoError(t, d.BulkUpsert(ctx, "col", []Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]interface{}{FieldKind: "doc"}},
		{ID: "b", Vector: []float32{1, 0.01}, Payload: map[string]interface{}{FieldKind: "doc"}},
		{ID: "c", Vector: []float32{1, 0.02}, Payload: map[string]interface{}{FieldKind: "chunk"}},
	}))

	q := Query{Method: MethodNeural, Vector: []float32{1, 0}, Filter: map[string]interface{}{FieldKind: "doc"}, Limit: 1}
	page1, err := d.Search(ctx, "col", q)
	require.NoError(t, err)
	require.Len(t, page1, 1)

	q.Offset = 1
	page2, err := d.Search(ctx, "col", q)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.NotEqual(t, page1[0].PointID, page2[0].PointID)
}

func TestFuseRRFOrdering(t *testing.T) {
	a := []Result{{PointID: "x"}, {PointID: "y"}}
	b := []Result{{PointID: "y"}, {PointID: "z"}}

	fused := FuseRRF(a, b, 60)
	require.Len(t, fused, 3)
	assert.Equal(t, "y", fused[0].PointID) // present in both lists
}
