package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"

	"weave.evalgo.org/destination"
	"weave.evalgo.org/entity"
	"weave.evalgo.org/transformer"
)

// State keys shared between operations.
const (
	keyQueries        = "queries"
	keyInterpretation = "interpretation"
	keyFilter         = "filter"
	keyDenseVectors   = "dense_vectors"
	keySparseVectors  = "sparse_vectors"
	keyResults        = "results"
	keyCompletion     = "completion"
)

// maxExpansions caps alternative phrasings per query.
const maxExpansions = 3

// rerankDepth caps how many results are offered to the rerank model.
const rerankDepth = 20

// QueryEmbedder produces dense vectors for query text.
// transformer.NeuralEmbedder satisfies it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Searcher executes queries against one destination.
type Searcher struct {
	dest     destination.Destination
	embedder QueryEmbedder
	sparse   *transformer.SparseEmbedder

	// llm powers interpretation, expansion, reranking, and completion.
	// Nil disables all four; the required operations never need it.
	llm llms.Model

	log *logrus.Logger
}

// NewSearcher wires a searcher. sparse and llm may be nil.
func NewSearcher(dest destination.Destination, embedder QueryEmbedder, sparse *transformer.SparseEmbedder, llm llms.Model, log *logrus.Logger) *Searcher {
	if log == nil {
		log = logrus.New()
	}
	if sparse == nil {
		sparse = transformer.NewSparseEmbedder()
	}
	return &Searcher{dest: dest, embedder: embedder, sparse: sparse, llm: llm, log: log}
}

// Response is the outcome of one query.
type Response struct {
	Results    []destination.Result     `json:"results"`
	Completion string                   `json:"completion,omitempty"`
	Timings    map[string]time.Duration `json:"timings"`
	OpErrors   map[string]string        `json:"operation_errors,omitempty"`
}

// Search runs the full operation plan for one query against a collection
// namespace.
func (s *Searcher) Search(ctx context.Context, namespace, query string, opts Options) (*Response, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", entity.ErrInvalidConfig)
	}

	st := NewState()
	st.Set(keyQueries, []string{query})

	plan := []Operation{
		{
			Name:     "query_interpretation",
			Optional: true,
			Run:      func(ctx context.Context, st *State) error { return s.interpret(ctx, st, query, opts) },
		},
		{
			Name:     "query_expansion",
			Optional: true,
			Run:      func(ctx context.Context, st *State) error { return s.expand(ctx, st, query, opts) },
		},
		{
			Name:      "filter_build",
			DependsOn: []string{"query_interpretation"},
			Optional:  true,
			Run:       func(ctx context.Context, st *State) error { return buildFilter(st, opts) },
		},
		{
			Name:      "embedding",
			DependsOn: []string{"query_expansion"},
			Run:       func(ctx context.Context, st *State) error { return s.embed(ctx, st, opts) },
		},
		{
			Name:      "vector_search",
			DependsOn: []string{"embedding", "filter_build"},
			Run:       func(ctx context.Context, st *State) error { return s.vectorSearch(ctx, st, namespace, opts) },
		},
		{
			Name:      "reranking",
			DependsOn: []string{"vector_search"},
			Optional:  !opts.RequireReranking,
			Run:       func(ctx context.Context, st *State) error { return s.rerank(ctx, st, query, opts) },
		},
		{
			Name:      "completion",
			DependsOn: []string{"reranking"},
			Optional:  true,
			Run:       func(ctx context.Context, st *State) error { return s.complete(ctx, st, query, opts) },
		},
	}

	if err := Execute(ctx, st, plan); err != nil {
		return nil, err
	}

	resp := &Response{Timings: st.Timings(), OpErrors: st.Errors()}
	if v, ok := st.Get(keyResults); ok {
		resp.Results = v.([]destination.Result)
	}
	if v, ok := st.Get(keyCompletion); ok {
		resp.Completion = v.(string)
	}
	return resp, nil
}

// interpret asks the model for structured filters implied by the query.
func (s *Searcher) interpret(ctx context.Context, st *State, query string, opts Options) error {
	if !opts.EnableQueryInterpretation || s.llm == nil {
		return nil
	}
	prompt := "Extract structured search constraints from the query below as a flat JSON object " +
		"mapping payload field names to required values. Reply with JSON only; reply {} when " +
		"the query has no structured constraints.\n\nQuery: " + query
	raw, err := llms.GenerateFromSinglePrompt(ctx, s.llm, prompt)
	if err != nil {
		return entity.Wrap(entity.ErrTransformer, err)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return fmt.Errorf("unparseable interpretation: %w", err)
	}
	if len(parsed) > 0 {
		st.Set(keyInterpretation, parsed)
	}
	return nil
}

// expand produces alternative phrasings. The phrasing list always starts
// with the original query, so a failed or disabled expansion degrades to a
// single-query search.
func (s *Searcher) expand(ctx context.Context, st *State, query string, opts Options) error {
	strategy := opts.ExpansionStrategy
	if strategy == ExpansionNone || s.llm == nil {
		return nil
	}
	prompt := fmt.Sprintf("Rephrase the search query below in up to %d alternative ways that keep "+
		"its meaning. One phrasing per line, no numbering, no commentary.\n\nQuery: %s",
		maxExpansions, query)
	raw, err := llms.GenerateFromSinglePrompt(ctx, s.llm, prompt)
	if err != nil {
		return entity.Wrap(entity.ErrTransformer, err)
	}

	queries := []string{query}
	seen := map[string]bool{strings.ToLower(query): true}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[strings.ToLower(line)] {
			continue
		}
		seen[strings.ToLower(line)] = true
		queries = append(queries, line)
		if len(queries) > maxExpansions {
			break
		}
	}
	st.Set(keyQueries, queries)
	return nil
}

// buildFilter merges the caller's filter with the interpreted constraints;
// explicit caller filters win on conflicts.
func buildFilter(st *State, opts Options) error {
	merged := make(map[string]interface{})
	if v, ok := st.Get(keyInterpretation); ok {
		for k, val := range v.(map[string]interface{}) {
			merged[k] = val
		}
	}
	for k, val := range opts.Filter {
		merged[k] = val
	}
	if len(merged) > 0 {
		st.Set(keyFilter, merged)
	}
	return nil
}

// embed produces the dense (and for keyword/hybrid modes sparse) vectors
// for every phrasing.
func (s *Searcher) embed(ctx context.Context, st *State, opts Options) error {
	queries := stateQueries(st)
	method := destination.SearchMethod(opts.SearchMethod)

	var dense [][]float32
	if method != destination.MethodKeyword {
		for _, q := range queries {
			v, err := s.embedder.EmbedQuery(ctx, q)
			if err != nil {
				return err
			}
			dense = append(dense, v)
		}
		st.Set(keyDenseVectors, dense)
	}

	if method != destination.MethodNeural {
		sparse := make([]map[uint32]float32, len(queries))
		for i, q := range queries {
			sparse[i] = s.sparse.Embed(q)
		}
		st.Set(keySparseVectors, sparse)
	}
	return nil
}

// vectorSearch issues the destination queries and fuses: hybrid fusion per
// phrasing (native when the backend supports it, client-side RRF
// otherwise), then RRF across phrasings, then recency bias, threshold, and
// pagination.
func (s *Searcher) vectorSearch(ctx context.Context, st *State, namespace string, opts Options) error {
	queries := stateQueries(st)
	method := destination.SearchMethod(opts.SearchMethod)

	var filter map[string]interface{}
	if v, ok := st.Get(keyFilter); ok {
		filter = v.(map[string]interface{})
	}
	var dense [][]float32
	if v, ok := st.Get(keyDenseVectors); ok {
		dense = v.([][]float32)
	}
	var sparse []map[uint32]float32
	if v, ok := st.Get(keySparseVectors); ok {
		sparse = v.([]map[uint32]float32)
	}

	// Fetch enough depth to survive offsetting and reranking.
	depth := opts.Limit + opts.Offset
	if depth < rerankDepth {
		depth = rerankDepth
	}

	var perQuery [][]destination.Result
	for i := range queries {
		base := destination.Query{Text: queries[i], Filter: filter, Limit: depth}
		var results []destination.Result
		var err error

		switch {
		case method == destination.MethodHybrid && !s.dest.Capabilities().NativeFusion:
			neural, keyword := base, base
			neural.Method = destination.MethodNeural
			neural.Vector = dense[i]
			keyword.Method = destination.MethodKeyword
			keyword.SparseVector = sparse[i]

			nres, nerr := s.dest.Search(ctx, namespace, neural)
			if nerr != nil {
				return nerr
			}
			kres, kerr := s.dest.Search(ctx, namespace, keyword)
			if kerr != nil {
				return kerr
			}
			results = destination.FuseRRF(nres, kres, 60)
		default:
			q := base
			q.Method = method
			if dense != nil {
				q.Vector = dense[i]
			}
			if sparse != nil {
				q.SparseVector = sparse[i]
			}
			results, err = s.dest.Search(ctx, namespace, q)
			if err != nil {
				return err
			}
		}
		perQuery = append(perQuery, results)
	}

	fused := perQuery[0]
	for _, more := range perQuery[1:] {
		fused = destination.FuseRRF(fused, more, 60)
	}

	if opts.RecencyBias > 0 {
		fused = applyRecencyBias(fused, opts.RecencyBias, time.Now().UTC())
	}
	if opts.ScoreThreshold > 0 {
		kept := fused[:0]
		for _, r := range fused {
			if r.Score >= opts.ScoreThreshold {
				kept = append(kept, r)
			}
		}
		fused = kept
	}

	if opts.Offset >= len(fused) {
		fused = nil
	} else {
		fused = fused[opts.Offset:]
	}
	if len(fused) > opts.Limit {
		fused = fused[:opts.Limit]
	}
	st.Set(keyResults, fused)
	return nil
}

// applyRecencyBias blends similarity with freshness derived from the
// synced_at payload stamp. bias 0 is pure similarity, bias 1 pure recency.
func applyRecencyBias(results []destination.Result, bias float64, now time.Time) []destination.Result {
	out := make([]destination.Result, len(results))
	for i, r := range results {
		freshness := 0.0
		if stamp, ok := r.Payload[destination.FieldSyncedAt].(string); ok {
			if at, err := time.Parse(time.RFC3339, stamp); err == nil {
				ageDays := now.Sub(at).Hours() / 24
				if ageDays < 0 {
					ageDays = 0
				}
				freshness = 1 / (1 + ageDays/30)
			}
		}
		r.Score = float32((1-bias)*float64(r.Score) + bias*freshness)
		out[i] = r
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// rerank asks the model to reorder the top results. Any provider or parse
// failure surfaces as the operation's error; the executor absorbs it unless
// reranking is configured as required.
func (s *Searcher) rerank(ctx context.Context, st *State, query string, opts Options) error {
	if !opts.EnableReranking {
		return nil
	}
	if s.llm == nil {
		if opts.RequireReranking {
			return fmt.Errorf("%w: reranking required but no model configured", entity.ErrInvalidConfig)
		}
		return nil
	}
	results := stateResults(st)
	if len(results) < 2 {
		return nil
	}

	depth := len(results)
	if depth > rerankDepth {
		depth = rerankDepth
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rank the documents below by relevance to the query %q. "+
		"Reply with the document numbers in best-first order, comma separated, nothing else.\n\n", query)
	for i := 0; i < depth; i++ {
		fmt.Fprintf(&b, "%d. %s\n", i+1, rerankSnippet(results[i]))
	}

	raw, err := llms.GenerateFromSinglePrompt(ctx, s.llm, b.String())
	if err != nil {
		return entity.Wrap(entity.ErrTransformer, err)
	}

	order, err := parseRanking(raw, depth)
	if err != nil {
		return err
	}

	reranked := make([]destination.Result, 0, len(results))
	for _, idx := range order {
		reranked = append(reranked, results[idx])
	}
	reranked = append(reranked, results[depth:]...)
	st.Set(keyResults, reranked)
	return nil
}

// rerankSnippet is the (title, source, content) tuple offered to the rerank
// model, bounded per document.
func rerankSnippet(r destination.Result) string {
	text, _ := r.Payload[destination.FieldEmbeddableText].(string)
	if len(text) > 500 {
		cut := 500
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	src, _ := r.Payload[destination.FieldSourceName].(string)
	id, _ := r.Payload[destination.FieldEntityID].(string)
	return fmt.Sprintf("[%s / %s] %s", src, id, text)
}

// parseRanking turns "3, 1, 2" into zero-based indices covering all depth
// documents; unlisted documents keep their original relative order.
func parseRanking(raw string, depth int) ([]int, error) {
	seen := make(map[int]bool, depth)
	var order []int
	for _, field := range strings.FieldsFunc(raw, func(r rune) bool {
		return r != '-' && (r < '0' || r > '9')
	}) {
		n, err := strconv.Atoi(field)
		if err != nil || n < 1 || n > depth || seen[n] {
			continue
		}
		seen[n] = true
		order = append(order, n-1)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("rerank model returned no usable ranking: %q", raw)
	}
	for i := 1; i <= depth; i++ {
		if !seen[i] {
			order = append(order, i-1)
		}
	}
	return order, nil
}

// complete turns the final results into a textual answer.
func (s *Searcher) complete(ctx context.Context, st *State, query string, opts Options) error {
	if opts.ResponseType != ResponseCompletion {
		return nil
	}
	if s.llm == nil {
		return fmt.Errorf("%w: completion requested but no model configured", entity.ErrInvalidConfig)
	}
	results := stateResults(st)
	if len(results) == 0 {
		st.Set(keyCompletion, "")
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Answer the question using only the context below. Question: %s\n\nContext:\n", query)
	limit := len(results)
	if limit > 5 {
		limit = 5
	}
	for i := 0; i < limit; i++ {
		fmt.Fprintf(&b, "- %s\n", rerankSnippet(results[i]))
	}

	answer, err := llms.GenerateFromSinglePrompt(ctx, s.llm, b.String())
	if err != nil {
		return entity.Wrap(entity.ErrTransformer, err)
	}
	st.Set(keyCompletion, strings.TrimSpace(answer))
	return nil
}

func stateQueries(st *State) []string {
	v, _ := st.Get(keyQueries)
	return v.([]string)
}

func stateResults(st *State) []destination.Result {
	v, ok := st.Get(keyResults)
	if !ok {
		return nil
	}
	return v.([]destination.Result)
}

// extractJSON trims model chatter around a JSON object.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
