package transformer

import (
	"context"
	"strings"

	"weave.evalgo.org/entity"
)

// Chunker splits file entities into overlapping text chunks. Chunk ids are
// deterministic ("{parent}#chunk-{i}"), so re-chunking an unchanged file
// produces identical entities and the ledger keeps them all.
type Chunker struct {
	chunkSize int // runes per chunk
	overlap   int // runes shared between consecutive chunks
}

const (
	defaultChunkSize = 2000
	defaultOverlap   = 200
)

// NewChunker builds a chunker; zero arguments select the defaults.
func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = defaultOverlap
		if overlap >= chunkSize {
			overlap = chunkSize / 10
		}
	}
	return &Chunker{chunkSize: chunkSize, overlap: overlap}
}

func (c *Chunker) Metadata() Metadata {
	return Metadata{
		Name:              "file_chunker",
		InputKind:         entity.KindFile,
		OutputKind:        entity.KindChunk,
		SupportsBatch:     false,
		PreservesMetadata: true,
	}
}

// Transform fans each file out into its chunks. A file with empty text
// yields no chunks; only chunks reach the destination.
func (c *Chunker) Transform(ctx context.Context, in []entity.Entity) ([]entity.Entity, error) {
	var out []entity.Entity
	for _, file := range in {
		text := file.EmbeddableText
		if text == "" {
			if s, ok := file.Payload["content"].(string); ok {
				text = s
			}
		}
		for i, piece := range c.split(text) {
			chunk := entity.Entity{
				EntityID:       entity.ChildID(file.EntityID, i),
				ParentEntityID: file.EntityID,
				Kind:           entity.KindChunk,
				Payload: map[string]interface{}{
					"text":        piece,
					"chunk_index": i,
				},
				EmbeddableText: piece,
				Breadcrumbs:    append(append([]entity.Breadcrumb(nil), file.Breadcrumbs...), entity.Breadcrumb{ID: entity.ChildID(file.EntityID, i), Name: "chunk", Kind: entity.KindChunk}),
				Metadata:       file.Clone().Metadata,
			}
			out = append(out, chunk)
		}
	}
	return out, nil
}

// split cuts text into rune windows of chunkSize with the configured
// overlap, preferring to break at a newline or space near the window end.
func (c *Chunker) split(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= c.chunkSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + c.chunkSize
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}
		cut := end
		for back := end; back > start+c.chunkSize/2; back-- {
			if runes[back-1] == '\n' || runes[back-1] == ' ' {
				cut = back
				break
			}
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[start:cut])))
		next := cut - c.overlap
		if next <= start {
			next = cut
		}
		start = next
	}

	// Drop empties produced by whitespace-only windows.
	out := chunks[:0]
	for _, ch := range chunks {
		if ch != "" {
			out = append(out, ch)
		}
	}
	return out
}

// ChunkKindSpec is the hashing spec for chunk entities.
func ChunkKindSpec() entity.KindSpec {
	return entity.KindSpec{
		Name:                  entity.KindChunk,
		ContentFields:         []string{"text", "chunk_index"},
		RequireEmbeddableText: true,
	}
}
