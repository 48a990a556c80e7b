package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"weave.evalgo.org/destination"
	"weave.evalgo.org/entity"
	"weave.evalgo.org/transformer"
)

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := ParseOptions(map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, 10, opts.Limit)
	assert.Equal(t, ResponseRaw, opts.ResponseType)
	assert.Equal(t, string(destination.MethodHybrid), opts.SearchMethod)
}

func TestParseOptionsRejectsUnknownField(t *testing.T) {
	_, err := ParseOptions(map[string]interface{}{"limit": 5, "rerank": true})
	require.ErrorIs(t, err, entity.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "rerank")
}

func TestParseOptionsValidation(t *testing.T) {
	cases := []map[string]interface{}{
		{"limit": 0},
		{"offset": -1},
		{"response_type": "stream"},
		{"expansion_strategy": "always"},
		{"search_method": "semantic"},
		{"recency_bias": 1.5},
		{"filter": "kind=chunk"},
	}
	for _, raw := range cases {
		_, err := ParseOptions(raw)
		assert.ErrorIs(t, err, entity.ErrInvalidConfig, "%v", raw)
	}

	opts, err := ParseOptions(map[string]interface{}{
		"limit":          float64(25),
		"search_method":  "neural",
		"recency_bias":   0.3,
		"filter":         map[string]interface{}{"kind": "chunk"},
		"response_type":  "completion",
		"enable_reranking": true,
	})
	require.NoError(t, err)
	assert.Equal(t, 25, opts.Limit)
	assert.Equal(t, 0.3, opts.RecencyBias)
	assert.True(t, opts.EnableReranking)
}

func TestExecuteRespectsDependencyWaves(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context, *State) error {
		return func(context.Context, *State) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	st := NewState()
	err := Execute(context.Background(), st, []Operation{
		{Name: "c", DependsOn: []string{"a", "b"}, Run: record("c")},
		{Name: "a", Run: record("a")},
		{Name: "b", DependsOn: []string{"a"}, Run: record("b")},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, order)
	assert.Len(t, st.Timings(), 3)
}

func TestExecuteAbsorbsOptionalFailures(t *testing.T) {
	st := NewState()
	err := Execute(context.Background(), st, []Operation{
		{Name: "flaky", Optional: true, Run: func(context.Context, *State) error {
			return errors.New("provider down")
		}},
		{Name: "after", DependsOn: []string{"flaky"}, Run: func(_ context.Context, st *State) error {
			st.Set("ran", true)
			return nil
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "provider down", st.Errors()["flaky"])
	_, ran := st.Get("ran")
	assert.True(t, ran)
}

func TestExecuteAbortsOnRequiredFailure(t *testing.T) {
	err := Execute(context.Background(), NewState(), []Operation{
		{Name: "broken", Run: func(context.Context, *State) error { return errors.New("boom") }},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestExecuteDetectsUnsatisfiableDependencies(t *testing.T) {
	err := Execute(context.Background(), NewState(), []Operation{
		{Name: "a", DependsOn: []string{"ghost"}, Run: func(context.Context, *State) error { return nil }},
	})
	require.ErrorIs(t, err, entity.ErrInvalidConfig)
}

// fakeEmbedder maps known texts to fixed vectors; unknown texts get a
// far-away vector.
type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
	mu      sync.Mutex
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

// fakeLLM returns canned responses and records prompts.
type fakeLLM struct {
	response string
	err      error
	mu       sync.Mutex
	prompts  []string
}

func (f *fakeLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	for _, m := range messages {
		for _, part := range m.Parts {
			if text, ok := part.(llms.TextContent); ok {
				f.prompts = append(f.prompts, text.Text)
			}
		}
	}
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.response}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func seedDestination(t *testing.T, syncedAt map[string]string) *destination.MemoryDestination {
	t.Helper()
	dest := destination.NewMemoryDestination()
	ctx := context.Background()
	require.NoError(t, dest.EnsureCollection(ctx, "tenant-a", 3, true))

	// Sparse vectors come from the real BM25 embedder so query tokens
	// overlap document tokens the way they would in production.
	sparse := transformer.NewSparseEmbedder()
	points := []destination.Point{
		{
			ID:           "p-redis",
			Vector:       []float32{1, 0, 0},
			SparseVector: sparse.Embed("redis caching guide"),
			Payload: map[string]interface{}{
				destination.FieldEntityID:       "redis-doc",
				destination.FieldEmbeddableText: "redis caching guide",
				destination.FieldSourceName:     "memory",
				destination.FieldKind:           "doc",
			},
		},
		{
			ID:           "p-postgres",
			Vector:       []float32{0.7, 0.7, 0},
			SparseVector: sparse.Embed("postgres tuning notes"),
			Payload: map[string]interface{}{
				destination.FieldEntityID:       "postgres-doc",
				destination.FieldEmbeddableText: "postgres tuning notes",
				destination.FieldSourceName:     "memory",
				destination.FieldKind:           "doc",
			},
		},
		{
			ID:           "p-unrelated",
			Vector:       []float32{0, 0, 1},
			SparseVector: sparse.Embed("gardening tips"),
			Payload: map[string]interface{}{
				destination.FieldEntityID:       "unrelated-doc",
				destination.FieldEmbeddableText: "gardening tips",
				destination.FieldSourceName:     "memory",
				destination.FieldKind:           "doc",
			},
		},
	}
	for i := range points {
		if stamp, ok := syncedAt[points[i].ID]; ok {
			points[i].Payload[destination.FieldSyncedAt] = stamp
		}
	}
	require.NoError(t, dest.BulkUpsert(ctx, "tenant-a", points))
	return dest
}

func querySearcher(dest destination.Destination, llm llms.Model) (*Searcher, *fakeEmbedder) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"redis caching": {1, 0, 0},
	}}
	return NewSearcher(dest, emb, nil, llm, nil), emb
}

func TestSearchNeuralRoundTrip(t *testing.T) {
	dest := seedDestination(t, nil)
	s, _ := querySearcher(dest, nil)

	opts := DefaultOptions()
	opts.SearchMethod = string(destination.MethodNeural)
	opts.Limit = 2

	resp, err := s.Search(context.Background(), "tenant-a", "redis caching", opts)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "p-redis", resp.Results[0].PointID)
	assert.Contains(t, resp.Timings, "vector_search")
	assert.Contains(t, resp.Timings, "embedding")
}

func TestSearchScoreThresholdAndPagination(t *testing.T) {
	dest := seedDestination(t, nil)
	s, _ := querySearcher(dest, nil)

	opts := DefaultOptions()
	opts.SearchMethod = string(destination.MethodNeural)
	opts.Limit = 10
	opts.ScoreThreshold = 0.9

	resp, err := s.Search(context.Background(), "tenant-a", "redis caching", opts)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1, "only the exact match clears 0.9 cosine")
	assert.Equal(t, "p-redis", resp.Results[0].PointID)

	opts.ScoreThreshold = 0
	opts.Offset = 1
	opts.Limit = 1
	resp, err = s.Search(context.Background(), "tenant-a", "redis caching", opts)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "p-postgres", resp.Results[0].PointID)
}

// nonFusingDestination hides the memory backend's native fusion so the
// executor's client-side RRF path runs.
type nonFusingDestination struct {
	*destination.MemoryDestination
	searches int
	mu       sync.Mutex
}

func (n *nonFusingDestination) Capabilities() destination.Capabilities {
	return destination.Capabilities{SparseVectors: true, NativeFusion: false}
}

func (n *nonFusingDestination) Search(ctx context.Context, namespace string, q destination.Query) ([]destination.Result, error) {
	n.mu.Lock()
	n.searches++
	n.mu.Unlock()
	return n.MemoryDestination.Search(ctx, namespace, q)
}

func TestSearchHybridClientSideFusion(t *testing.T) {
	base := seedDestination(t, nil)
	dest := &nonFusingDestination{MemoryDestination: base}

	emb := &fakeEmbedder{vectors: map[string][]float32{"redis caching": {1, 0, 0}}}
	s := NewSearcher(dest, emb, nil, nil, nil)

	opts := DefaultOptions()
	opts.Limit = 3

	resp, err := s.Search(context.Background(), "tenant-a", "redis caching", opts)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "p-redis", resp.Results[0].PointID, "hit in both signals wins the fusion")
	assert.Equal(t, 2, dest.searches, "one neural plus one keyword query")
}

// queryRecordingDestination captures the queries the executor issues.
type queryRecordingDestination struct {
	*destination.MemoryDestination
	mu      sync.Mutex
	queries []destination.Query
}

func (q *queryRecordingDestination) Capabilities() destination.Capabilities {
	return destination.Capabilities{SparseVectors: false, NativeFusion: false}
}

func (q *queryRecordingDestination) Search(ctx context.Context, namespace string, qu destination.Query) ([]destination.Result, error) {
	q.mu.Lock()
	q.queries = append(q.queries, qu)
	q.mu.Unlock()
	return q.MemoryDestination.Search(ctx, namespace, qu)
}

func TestSearchQueriesCarryTextForKeywordRanking(t *testing.T) {
	base := seedDestination(t, nil)
	dest := &queryRecordingDestination{MemoryDestination: base}
	emb := &fakeEmbedder{vectors: map[string][]float32{"redis caching": {1, 0, 0}}}
	s := NewSearcher(dest, emb, nil, nil, nil)

	opts := DefaultOptions()
	opts.Limit = 3

	_, err := s.Search(context.Background(), "tenant-a", "redis caching", opts)
	require.NoError(t, err)

	// Backends that rank keywords on raw text (pgvector tsquery) need the
	// query string on every leg, the keyword one especially.
	require.Len(t, dest.queries, 2)
	var sawKeyword bool
	for _, q := range dest.queries {
		assert.Equal(t, "redis caching", q.Text)
		if q.Method == destination.MethodKeyword {
			sawKeyword = true
		}
	}
	assert.True(t, sawKeyword, "hybrid fusion must issue a keyword leg")
}

func TestRerankSnippetKeepsRunesIntact(t *testing.T) {
	// 3-byte runes; the 500-byte bound falls mid-rune.
	text := strings.Repeat("世", 200)
	r := destination.Result{Payload: map[string]interface{}{
		destination.FieldEmbeddableText: text,
		destination.FieldSourceName:     "memory",
		destination.FieldEntityID:       "d1",
	}}
	snippet := rerankSnippet(r)
	assert.True(t, utf8.ValidString(snippet))
	assert.Contains(t, snippet, "世")
}

func TestSearchRerankFallsBackOnProviderError(t *testing.T) {
	dest := seedDestination(t, nil)
	llm := &fakeLLM{err: errors.New("rerank provider down")}
	s, _ := querySearcher(dest, llm)

	opts := DefaultOptions()
	opts.SearchMethod = string(destination.MethodNeural)
	opts.EnableReranking = true

	resp, err := s.Search(context.Background(), "tenant-a", "redis caching", opts)
	require.NoError(t, err, "rerank outage must not fail the query by default")
	assert.Equal(t, "p-redis", resp.Results[0].PointID)
	assert.Contains(t, resp.OpErrors["reranking"], "rerank provider down")
}

func TestSearchRequireRerankingFailsHard(t *testing.T) {
	dest := seedDestination(t, nil)
	llm := &fakeLLM{err: errors.New("rerank provider down")}
	s, _ := querySearcher(dest, llm)

	opts := DefaultOptions()
	opts.SearchMethod = string(destination.MethodNeural)
	opts.EnableReranking = true
	opts.RequireReranking = true

	_, err := s.Search(context.Background(), "tenant-a", "redis caching", opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reranking")
}

func TestSearchRerankReorders(t *testing.T) {
	dest := seedDestination(t, nil)
	llm := &fakeLLM{response: "2, 1, 3"}
	s, _ := querySearcher(dest, llm)

	opts := DefaultOptions()
	opts.SearchMethod = string(destination.MethodNeural)
	opts.EnableReranking = true
	opts.Limit = 3

	resp, err := s.Search(context.Background(), "tenant-a", "redis caching", opts)
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "p-postgres", resp.Results[0].PointID)
	assert.Equal(t, "p-redis", resp.Results[1].PointID)
}

func TestSearchExpansionStartsWithOriginal(t *testing.T) {
	dest := seedDestination(t, nil)
	llm := &fakeLLM{response: "caching with redis\nredis cache patterns"}
	s, emb := querySearcher(dest, llm)

	opts := DefaultOptions()
	opts.SearchMethod = string(destination.MethodNeural)
	opts.ExpansionStrategy = ExpansionLLM

	resp, err := s.Search(context.Background(), "tenant-a", "redis caching", opts)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "p-redis", resp.Results[0].PointID, "original phrasing anchors the fusion")
	assert.Equal(t, 3, emb.calls, "original plus two expansions embedded")
}

func TestSearchCompletion(t *testing.T) {
	dest := seedDestination(t, nil)
	llm := &fakeLLM{response: "Use Redis as a look-aside cache."}
	s, _ := querySearcher(dest, llm)

	opts := DefaultOptions()
	opts.SearchMethod = string(destination.MethodNeural)
	opts.ResponseType = ResponseCompletion

	resp, err := s.Search(context.Background(), "tenant-a", "redis caching", opts)
	require.NoError(t, err)
	assert.Equal(t, "Use Redis as a look-aside cache.", resp.Completion)
}

func TestSearchRecencyBiasPrefersFresh(t *testing.T) {
	now := time.Now().UTC()
	dest := seedDestination(t, map[string]string{
		"p-redis":    now.AddDate(0, 0, -365).Format(time.RFC3339),
		"p-postgres": now.Format(time.RFC3339),
	})
	emb := &fakeEmbedder{vectors: map[string][]float32{
		// Closer to the stale p-redis vector than the fresh p-postgres.
		"database": {0.99, 0.15, 0},
	}}
	s := NewSearcher(dest, emb, nil, nil, nil)

	opts := DefaultOptions()
	opts.SearchMethod = string(destination.MethodNeural)
	opts.Limit = 2

	plain, err := s.Search(context.Background(), "tenant-a", "database", opts)
	require.NoError(t, err)
	require.NotEmpty(t, plain.Results)
	assert.Equal(t, "p-redis", plain.Results[0].PointID, "similarity alone prefers the stale doc")

	opts.RecencyBias = 0.8
	biased, err := s.Search(context.Background(), "tenant-a", "database", opts)
	require.NoError(t, err)
	require.NotEmpty(t, biased.Results)
	assert.Equal(t, "p-postgres", biased.Results[0].PointID, "fresh document wins under heavy bias")
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	dest := seedDestination(t, nil)
	s, _ := querySearcher(dest, nil)
	_, err := s.Search(context.Background(), "tenant-a", "   ", DefaultOptions())
	require.ErrorIs(t, err, entity.ErrInvalidConfig)
}
