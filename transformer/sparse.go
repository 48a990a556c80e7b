package transformer

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"weave.evalgo.org/entity"
)

// SparseEmbedder assigns BM25-style sparse vectors to chunk entities. Terms
// are lowercased word tokens hashed into a 32-bit index space; weights use
// the BM25 term-frequency saturation so long documents do not dominate. No
// corpus-level statistics are kept: inverse document frequency is applied
// at fusion time by rank, not by weight.
type SparseEmbedder struct {
	k1 float64
	b  float64

	// avgDocLen is the assumed average document length in tokens for the
	// length normalization term.
	avgDocLen float64
}

// NewSparseEmbedder returns an embedder with the standard BM25 constants
// (k1=1.2, b=0.75).
func NewSparseEmbedder() *SparseEmbedder {
	return &SparseEmbedder{k1: 1.2, b: 0.75, avgDocLen: 256}
}

func (s *SparseEmbedder) Metadata() Metadata {
	return Metadata{
		Name:              "sparse_embedder",
		InputKind:         "*",
		OutputKind:        "*",
		SupportsBatch:     true,
		BatchSize:         256,
		PreservesMetadata: true,
	}
}

// Transform sets SparseVector on every entity in the batch.
func (s *SparseEmbedder) Transform(ctx context.Context, in []entity.Entity) ([]entity.Entity, error) {
	out := make([]entity.Entity, len(in))
	for i, e := range in {
		e.SparseVector = s.Embed(e.EmbeddableText)
		out[i] = e
	}
	return out, nil
}

// Embed computes the sparse vector for one text. Also used by the search
// executor for query-side sparse vectors.
func (s *SparseEmbedder) Embed(text string) map[uint32]float32 {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	freq := make(map[uint32]int, len(tokens))
	for _, tok := range tokens {
		freq[termIndex(tok)]++
	}

	docLen := float64(len(tokens))
	norm := s.k1 * (1 - s.b + s.b*docLen/s.avgDocLen)

	vec := make(map[uint32]float32, len(freq))
	for idx, tf := range freq {
		f := float64(tf)
		vec[idx] = float32(f * (s.k1 + 1) / (f + norm))
	}
	return vec
}

// Tokenize lowercases and splits on non-letter/digit runes, dropping
// single-rune tokens.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func termIndex(token string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(token))
	return h.Sum32()
}
