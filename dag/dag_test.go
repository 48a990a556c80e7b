package dag

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave.evalgo.org/destination"
	"weave.evalgo.org/entity"
	"weave.evalgo.org/ledger"
	"weave.evalgo.org/transformer"
)

// stubEmbedder returns a fixed-dimension vector derived from the text
// length, so embeddings are deterministic without a model.
type stubEmbedder struct{ dim int }

func (s stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, s.dim)
		v[0] = float32(len(t))
		v[1] = 1
		out[i] = v
	}
	return out, nil
}

func (s stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, s.dim)
	v[0] = float32(len(text))
	v[1] = 1
	return v, nil
}

func testRegistry(t *testing.T) *transformer.Registry {
	t.Helper()
	reg := transformer.NewRegistry()
	reg.Register(transformer.NewChunker(40, 8))
	reg.Register(transformer.NewNeuralEmbedder(stubEmbedder{dim: 4}, 4, 8))
	reg.Register(transformer.NewSparseEmbedder())
	return reg
}

func TestCompileDefaultGraph(t *testing.T) {
	routes, err := Default("mem").Compile(testRegistry(t))
	require.NoError(t, err)

	require.Contains(t, routes, entity.KindFile)
	require.Contains(t, routes, "doc")
	require.Contains(t, routes, entity.KindTabular)

	fileRoute := routes[entity.KindFile]
	assert.Equal(t, "mem", fileRoute.Destination)
	require.Len(t, fileRoute.Transformers, 3)
	assert.Equal(t, "file_chunker", fileRoute.Transformers[0].Metadata().Name)

	docRoute := routes["doc"]
	require.Len(t, docRoute.Transformers, 2)
}

func TestCompileRejectsDanglingKindNode(t *testing.T) {
	d := New()
	d.AddNode(Node{ID: "k", Type: NodeEntityKind, EntityKind: entity.KindFile})
	_, err := d.Compile(testRegistry(t))
	require.ErrorIs(t, err, entity.ErrInvalidDAG)
	assert.Contains(t, err.Error(), "outgoing edges")
}

func TestCompileRejectsCycle(t *testing.T) {
	d := New()
	d.AddNode(Node{ID: "k", Type: NodeEntityKind, EntityKind: "doc"})
	d.AddNode(Node{ID: "a", Type: NodeTransformer, TransformerName: "neural_embedder"})
	d.AddNode(Node{ID: "b", Type: NodeTransformer, TransformerName: "sparse_embedder"})
	d.AddEdge("k", "a")
	d.AddEdge("a", "b")
	d.AddEdge("b", "a")
	_, err := d.Compile(testRegistry(t))
	require.ErrorIs(t, err, entity.ErrInvalidDAG)
	assert.Contains(t, err.Error(), "cycle")
}

func TestCompileRejectsKindMismatch(t *testing.T) {
	d := New()
	d.AddNode(Node{ID: "k", Type: NodeEntityKind, EntityKind: "doc"})
	d.AddNode(Node{ID: "chunk", Type: NodeTransformer, TransformerName: "file_chunker"})
	d.AddNode(Node{ID: "dest", Type: NodeDestination, DestinationName: "mem"})
	d.AddEdge("k", "chunk")
	d.AddEdge("chunk", "dest")
	_, err := d.Compile(testRegistry(t))
	require.ErrorIs(t, err, entity.ErrInvalidDAG)
}

func TestCompileRejectsUnknownTransformer(t *testing.T) {
	d := New()
	d.AddNode(Node{ID: "k", Type: NodeEntityKind, EntityKind: "doc"})
	d.AddNode(Node{ID: "t", Type: NodeTransformer, TransformerName: "ocr"})
	d.AddNode(Node{ID: "dest", Type: NodeDestination, DestinationName: "mem"})
	d.AddEdge("k", "t")
	d.AddEdge("t", "dest")
	_, err := d.Compile(testRegistry(t))
	require.ErrorIs(t, err, entity.ErrInvalidDAG)
	assert.Contains(t, err.Error(), "ocr")
}

func TestCompileRejectsDuplicateKind(t *testing.T) {
	d := New()
	d.AddNode(Node{ID: "dest", Type: NodeDestination, DestinationName: "mem"})
	for _, id := range []string{"k1", "k2"} {
		d.AddNode(Node{ID: id, Type: NodeEntityKind, EntityKind: "doc"})
		d.AddEdge(id, "dest")
	}
	_, err := d.Compile(testRegistry(t))
	require.ErrorIs(t, err, entity.ErrInvalidDAG)
	assert.Contains(t, err.Error(), "duplicate")
}

// routerFixture wires one router against fresh in-memory backends.
type routerFixture struct {
	router *Router
	led    ledger.Ledger
	dest   *destination.MemoryDestination
	hasher *entity.Hasher
}

func newRouterFixture(t *testing.T, jobID string, led ledger.Ledger, dest *destination.MemoryDestination) *routerFixture {
	t.Helper()
	if led == nil {
		led = ledger.NewMemoryLedger()
	}
	if dest == nil {
		dest = destination.NewMemoryDestination()
		require.NoError(t, dest.EnsureCollection(context.Background(), "tenant-a", 4, true))
	}
	routes, err := Default("mem").Compile(testRegistry(t))
	require.NoError(t, err)

	hasher := entity.NewHasher(
		entity.KindSpec{Name: entity.KindFile, ContentFields: []string{"content"}},
		transformer.ChunkKindSpec(),
		entity.KindSpec{Name: "doc", RequireEmbeddableText: true},
	)
	r := NewRouter(RouterConfig{
		Routes:       routes,
		Hasher:       hasher,
		Ledger:       led,
		Destinations: map[string]destination.Destination{"mem": dest},
		Namespace:    "tenant-a",
		TenantID:     "tenant-a",
		CollectionID: "col-1",
		ConnectionID: "conn-1",
		JobID:        jobID,
		SourceName:   "memory",
		Retry:        RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, Jitter: 0},
	})
	return &routerFixture{router: r, led: led, dest: dest, hasher: hasher}
}

func fileEntity(id, content string) entity.Entity {
	return entity.Entity{
		EntityID:       id,
		Kind:           entity.KindFile,
		Payload:        map[string]interface{}{"content": content, "fetched_at": time.Now().String()},
		EmbeddableText: content,
	}
}

func TestRouterInsertThenKeep(t *testing.T) {
	ctx := context.Background()
	content := "alpha bravo charlie delta echo foxtrot golf hotel india juliett kilo lima"

	fx := newRouterFixture(t, "job-1", nil, nil)
	require.NoError(t, fx.router.Process(ctx, fileEntity("f1", content), 1))
	require.NoError(t, fx.router.Flush(ctx))

	snap := fx.router.Counters().Snapshot()
	require.Greater(t, snap.Inserted, uint64(1), "expected chunk fan-out")
	assert.Zero(t, snap.Updated)
	assert.Zero(t, snap.Kept)
	chunks := fx.dest.Count("tenant-a")
	assert.Equal(t, uint64(chunks), snap.Inserted)

	// Same content in a later job: everything kept, destination untouched.
	fx2 := newRouterFixture(t, "job-2", fx.led, fx.dest)
	require.NoError(t, fx2.router.Process(ctx, fileEntity("f1", content), 1))
	require.NoError(t, fx2.router.Flush(ctx))

	snap2 := fx2.router.Counters().Snapshot()
	assert.Zero(t, snap2.Inserted)
	assert.Zero(t, snap2.Updated)
	assert.Equal(t, uint64(chunks), snap2.Kept)
	assert.Equal(t, chunks, fx.dest.Count("tenant-a"))
}

func TestRouterUpdateAndOrphanDelete(t *testing.T) {
	ctx := context.Background()
	long := "alpha bravo charlie delta echo foxtrot golf hotel india juliett kilo lima mike november"
	short := "zulu yankee xray whiskey victor uniform"

	fx := newRouterFixture(t, "job-1", nil, nil)
	require.NoError(t, fx.router.Process(ctx, fileEntity("f1", long), 1))
	require.NoError(t, fx.router.Flush(ctx))
	before := fx.dest.Count("tenant-a")
	require.Greater(t, before, 1)

	fx2 := newRouterFixture(t, "job-2", fx.led, fx.dest)
	require.NoError(t, fx2.router.Process(ctx, fileEntity("f1", short), 1))
	require.NoError(t, fx2.router.Flush(ctx))

	after := fx.dest.Count("tenant-a")
	snap := fx2.router.Counters().Snapshot()
	assert.Less(t, after, before, "shrunk file should shed chunks")
	assert.Equal(t, uint64(before-after), snap.Deleted)
	assert.Equal(t, uint64(after), snap.Inserted+snap.Updated)
	assert.Zero(t, snap.Kept)

	// The ledger forgot the orphans too.
	_, children, ok, err := fx.led.LookupHash(ctx, "conn-1", "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, children, after)
	for _, child := range children {
		_, _, found, err := fx.led.LookupHash(ctx, "conn-1", child)
		require.NoError(t, err)
		assert.True(t, found, "surviving child %s should stay tracked", child)
	}
}

func TestRouterUnroutedKindIsSkipped(t *testing.T) {
	fx := newRouterFixture(t, "job-1", nil, nil)
	e := entity.Entity{EntityID: "m1", Kind: "email.message", EmbeddableText: "hi"}
	require.NoError(t, fx.router.Process(context.Background(), e, 1))

	snap := fx.router.Counters().Snapshot()
	assert.Equal(t, uint64(1), snap.Skipped)
	assert.Zero(t, fx.dest.Count("tenant-a"))
}

func TestRouterInvalidEntityCountsFailed(t *testing.T) {
	fx := newRouterFixture(t, "job-1", nil, nil)
	// doc kind requires embeddable text at hash time.
	e := entity.Entity{EntityID: "d1", Kind: "doc", Payload: map[string]interface{}{"title": "x"}}
	require.NoError(t, fx.router.Process(context.Background(), e, 1))

	snap := fx.router.Counters().Snapshot()
	assert.Equal(t, uint64(1), snap.Failed)
}

// failingTransformer rejects every batch with a transformer error.
type failingTransformer struct{ name string }

func (f failingTransformer) Metadata() transformer.Metadata {
	return transformer.Metadata{Name: f.name, InputKind: "*", OutputKind: "*", SupportsBatch: true, BatchSize: 16}
}

func (f failingTransformer) Transform(ctx context.Context, in []entity.Entity) ([]entity.Entity, error) {
	return nil, entity.Wrap(entity.ErrTransformer, errors.New("model unavailable"))
}

func TestRouterTransformerFailurePreservesChildren(t *testing.T) {
	ctx := context.Background()
	content := "alpha bravo charlie delta echo foxtrot golf hotel india juliett kilo lima"

	fx := newRouterFixture(t, "job-1", nil, nil)
	require.NoError(t, fx.router.Process(ctx, fileEntity("f1", content), 1))
	require.NoError(t, fx.router.Flush(ctx))
	before := fx.dest.Count("tenant-a")

	// Second job with a broken embedder and changed content: the entity
	// fails but the prior chunks must survive in ledger and destination.
	reg := transformer.NewRegistry()
	reg.Register(transformer.NewChunker(40, 8))
	reg.Register(failingTransformer{name: "neural_embedder"})
	reg.Register(transformer.NewSparseEmbedder())
	routes, err := Default("mem").Compile(reg)
	require.NoError(t, err)

	r2 := NewRouter(RouterConfig{
		Routes:       routes,
		Hasher:       fx.hasher,
		Ledger:       fx.led,
		Destinations: map[string]destination.Destination{"mem": fx.dest},
		Namespace:    "tenant-a",
		ConnectionID: "conn-1",
		JobID:        "job-2",
		SourceName:   "memory",
		Retry:        RetryPolicy{Attempts: 1, BaseDelay: time.Millisecond},
	})
	require.NoError(t, r2.Process(ctx, fileEntity("f1", content+" changed"), 1))
	require.NoError(t, r2.Flush(ctx))

	snap := r2.Counters().Snapshot()
	assert.NotZero(t, snap.Failed)
	assert.Zero(t, snap.Deleted)
	assert.Equal(t, before, fx.dest.Count("tenant-a"))

	_, children, ok, err := fx.led.LookupHash(ctx, "conn-1", "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, children, before)
}

// flakyDestination fails the first n BulkUpsert calls transiently.
type flakyDestination struct {
	destination.Destination
	remaining int
	calls     int
}

func (f *flakyDestination) BulkUpsert(ctx context.Context, namespace string, points []destination.Point) error {
	f.calls++
	if f.remaining > 0 {
		f.remaining--
		return entity.Wrap(entity.ErrDestinationTransient, fmt.Errorf("upsert attempt %d refused", f.calls))
	}
	return f.Destination.BulkUpsert(ctx, namespace, points)
}

func TestRouterRetriesTransientUpserts(t *testing.T) {
	ctx := context.Background()
	mem := destination.NewMemoryDestination()
	require.NoError(t, mem.EnsureCollection(ctx, "tenant-a", 4, true))
	flaky := &flakyDestination{Destination: mem, remaining: 2}

	routes, err := Default("mem").Compile(testRegistry(t))
	require.NoError(t, err)
	r := NewRouter(RouterConfig{
		Routes: routes,
		Hasher: entity.NewHasher(
			entity.KindSpec{Name: entity.KindFile, ContentFields: []string{"content"}},
			transformer.ChunkKindSpec(),
		),
		Ledger:       ledger.NewMemoryLedger(),
		Destinations: map[string]destination.Destination{"mem": flaky},
		Namespace:    "tenant-a",
		ConnectionID: "conn-1",
		JobID:        "job-1",
		SourceName:   "memory",
		Retry:        RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, Jitter: 0.25},
	})

	require.NoError(t, r.Process(ctx, fileEntity("f1", "alpha bravo charlie"), 1))
	require.NoError(t, r.Flush(ctx))

	snap := r.Counters().Snapshot()
	assert.Zero(t, snap.Failed)
	assert.NotZero(t, snap.Inserted)
	assert.Equal(t, mem.Count("tenant-a"), int(snap.Inserted))
	assert.Equal(t, 3, flaky.calls)
}

func TestRouterExhaustedRetriesCountFailed(t *testing.T) {
	ctx := context.Background()
	mem := destination.NewMemoryDestination()
	require.NoError(t, mem.EnsureCollection(ctx, "tenant-a", 4, true))
	// Large remaining budget outlives attempts plus the split halves.
	flaky := &flakyDestination{Destination: mem, remaining: 100}

	routes, err := Default("mem").Compile(testRegistry(t))
	require.NoError(t, err)
	r := NewRouter(RouterConfig{
		Routes: routes,
		Hasher: entity.NewHasher(
			entity.KindSpec{Name: entity.KindFile, ContentFields: []string{"content"}},
			transformer.ChunkKindSpec(),
		),
		Ledger:       ledger.NewMemoryLedger(),
		Destinations: map[string]destination.Destination{"mem": flaky},
		Namespace:    "tenant-a",
		ConnectionID: "conn-1",
		JobID:        "job-1",
		SourceName:   "memory",
		Retry:        RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond},
	})

	require.NoError(t, r.Process(ctx, fileEntity("f1", "alpha bravo charlie"), 1))
	require.NoError(t, r.Flush(ctx))

	snap := r.Counters().Snapshot()
	assert.NotZero(t, snap.Failed)
	assert.Zero(t, snap.Inserted)
	assert.Zero(t, mem.Count("tenant-a"))
}

func TestRouterStaleEmissionNeverOverwritesFresh(t *testing.T) {
	ctx := context.Background()
	docV := func(text string) entity.Entity {
		return entity.Entity{
			EntityID:       "d1",
			Kind:           "doc",
			Payload:        map[string]interface{}{"title": "d"},
			EmbeddableText: text,
		}
	}

	fx := newRouterFixture(t, "job-1", nil, nil)

	// Both versions land in the same flush, fresher emission first.
	require.NoError(t, fx.router.Process(ctx, docV("fresh body"), 2))
	require.NoError(t, fx.router.Process(ctx, docV("stale body"), 1))
	require.NoError(t, fx.router.Flush(ctx))

	pid := destination.PointID("conn-1", "d1")
	p, ok := fx.dest.Get("tenant-a", pid)
	require.True(t, ok)
	assert.Equal(t, "fresh body", p.Payload[destination.FieldEmbeddableText])
	assert.Equal(t, uint64(1), fx.router.Counters().Snapshot().Inserted)

	freshHash, err := fx.hasher.Hash(docV("fresh body"))
	require.NoError(t, err)
	stored, _, seen, err := fx.led.LookupHash(ctx, "conn-1", "d1")
	require.NoError(t, err)
	require.True(t, seen)
	assert.Equal(t, freshHash, stored)

	// A stale emission flushed after the fresh one is dropped before the
	// destination write; ledger and point stay in agreement.
	require.NoError(t, fx.router.Process(ctx, docV("stale body"), 1))
	require.NoError(t, fx.router.Flush(ctx))

	p, ok = fx.dest.Get("tenant-a", pid)
	require.True(t, ok)
	assert.Equal(t, "fresh body", p.Payload[destination.FieldEmbeddableText])
	stored, _, _, err = fx.led.LookupHash(ctx, "conn-1", "d1")
	require.NoError(t, err)
	assert.Equal(t, freshHash, stored)
}

func TestPointIDDeterministicAcrossRouters(t *testing.T) {
	a := destination.PointID("conn-1", "f1#chunk-0")
	b := destination.PointID("conn-1", "f1#chunk-0")
	c := destination.PointID("conn-2", "f1#chunk-0")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
