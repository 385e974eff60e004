package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/adriannowak/ai-feed/internal/storage"
	embedding "github.com/matthewjhunter/go-embedding"
	"github.com/rs/zerolog"
)

// embedTextLimit bounds how much article body goes into an embedding input.
const embedTextLimit = 1000

// EmbeddingError reports that no usable vector could be obtained for an item.
// It is recoverable: callers skip the item.
type EmbeddingError struct {
	ItemID string
	Err    error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding for %s: %v", e.ItemID, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

var errEmptyVector = errors.New("empty or non-finite vector")

// VectorCache persists embeddings keyed by (item, model).
type VectorCache interface {
	GetEmbedding(ctx context.Context, itemID, model string) ([]float32, error)
	PutEmbedding(ctx context.Context, itemID, model string, vec []float32) error
}

// Vectors embeds articles through an embedding.Embedder, caching the result
// in the store so an article is embedded once per model.
type Vectors struct {
	embedder embedding.Embedder
	cache    VectorCache
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewVectors creates the article embedding service. A zero timeout means the
// caller's context alone bounds each call.
func NewVectors(embedder embedding.Embedder, cache VectorCache, timeout time.Duration, logger zerolog.Logger) *Vectors {
	return &Vectors{
		embedder: embedder,
		cache:    cache,
		timeout:  timeout,
		logger:   logger,
	}
}

// ForArticle returns the embedding of an article's title and leading text.
// Errors are always *EmbeddingError. Cache read and write failures are
// logged and do not fail the call.
func (v *Vectors) ForArticle(ctx context.Context, a storage.Article) ([]float32, error) {
	model := v.embedder.Model()
	if v.cache != nil {
		cached, err := v.cache.GetEmbedding(ctx, a.ID, model)
		if err != nil {
			v.logger.Warn().Err(err).Str("item_id", a.ID).Msg("embedding cache read failed")
		} else if validVector(cached) {
			return cached, nil
		}
	}

	vec, err := v.embed(ctx, articleEmbedText(a))
	if err != nil {
		return nil, &EmbeddingError{ItemID: a.ID, Err: err}
	}

	if v.cache != nil {
		if err := v.cache.PutEmbedding(ctx, a.ID, model, vec); err != nil {
			v.logger.Warn().Err(err).Str("item_id", a.ID).Msg("embedding cache write failed")
		}
	}
	return vec, nil
}

func (v *Vectors) embed(ctx context.Context, text string) ([]float32, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	vec, err := embedding.Single(ctx, v.embedder, text)
	if err != nil {
		return nil, err
	}
	if !validVector(vec) {
		return nil, errEmptyVector
	}
	return vec, nil
}

func articleEmbedText(a storage.Article) string {
	if a.Text == "" {
		return a.Title
	}
	return a.Title + "\n\n" + truncateText(a.Text, embedTextLimit)
}

func validVector(vec []float32) bool {
	if len(vec) == 0 {
		return false
	}
	for _, x := range vec {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}
