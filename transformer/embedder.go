package transformer

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"weave.evalgo.org/entity"
)

// NeuralEmbedder assigns dense vectors to chunk entities using a
// langchaingo embedder (OpenAI-compatible by default). Entities without
// embeddable text fail individually with ErrInvalidEntity; the router
// counts them and moves on.
type NeuralEmbedder struct {
	embedder  embeddings.Embedder
	dim       int
	batchSize int
}

// NewNeuralEmbedder wraps an existing embedder. dim is the model's output
// dimension, used for collection setup and checked on every response.
func NewNeuralEmbedder(e embeddings.Embedder, dim, batchSize int) *NeuralEmbedder {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &NeuralEmbedder{embedder: e, dim: dim, batchSize: batchSize}
}

// NewOpenAIEmbedder builds an embedder against an OpenAI-compatible
// endpoint. baseURL may be empty for the hosted API.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dim int) (*NeuralEmbedder, error) {
	opts := []openai.Option{openai.WithToken(apiKey), openai.WithEmbeddingModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, entity.Wrap(entity.ErrInvalidConfig, err)
	}
	emb, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, entity.Wrap(entity.ErrInvalidConfig, err)
	}
	return NewNeuralEmbedder(emb, dim, 32), nil
}

// Dim returns the embedding dimension.
func (n *NeuralEmbedder) Dim() int { return n.dim }

func (n *NeuralEmbedder) Metadata() Metadata {
	// Input "*": any text-bearing kind embeds the same way, chunks being
	// the common case.
	return Metadata{
		Name:              "neural_embedder",
		InputKind:         "*",
		OutputKind:        "*",
		SupportsBatch:     true,
		BatchSize:         n.batchSize,
		PreservesMetadata: true,
		ExternalIO:        true,
	}
}

// Transform embeds the batch and returns the same entities with Vector set.
func (n *NeuralEmbedder) Transform(ctx context.Context, in []entity.Entity) ([]entity.Entity, error) {
	if len(in) == 0 {
		return nil, nil
	}
	texts := make([]string, len(in))
	for i, e := range in {
		if e.EmbeddableText == "" {
			return nil, fmt.Errorf("%w: entity %s has no embeddable text", entity.ErrInvalidEntity, e.EntityID)
		}
		texts[i] = e.EmbeddableText
	}

	vectors, err := n.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, entity.Wrap(entity.ErrTransformer, err)
	}
	if len(vectors) != len(in) {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for %d inputs", entity.ErrTransformer, len(vectors), len(in))
	}

	out := make([]entity.Entity, len(in))
	for i, e := range in {
		if n.dim > 0 && len(vectors[i]) != n.dim {
			return nil, fmt.Errorf("%w: embedder returned dim %d, want %d", entity.ErrTransformer, len(vectors[i]), n.dim)
		}
		e.Vector = vectors[i]
		out[i] = e
	}
	return out, nil
}

// EmbedQuery embeds one search phrasing. Shared with the search executor so
// queries and documents use the same model.
func (n *NeuralEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := n.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, entity.Wrap(entity.ErrTransformer, err)
	}
	return v, nil
}
