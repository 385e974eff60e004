package ai

import (
	"context"
	"fmt"

	embedding "github.com/matthewjhunter/go-embedding"
	"github.com/ollama/ollama/api"
)

// OllamaEmbedder implements embedding.Embedder against Ollama's /api/embed.
type OllamaEmbedder struct {
	client *api.Client
	model  string
}

var _ embedding.Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an embedder for model.
func NewOllamaEmbedder(client *api.Client, model string) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: model}
}

// Embed returns one vector per input text, in input order.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: e.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed (%s): %w", e.model, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed (%s): got %d vectors for %d inputs", e.model, len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// Model returns the embedding model name; cached vectors are keyed by it.
func (e *OllamaEmbedder) Model() string { return e.model }
