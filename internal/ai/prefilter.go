package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/adriannowak/ai-feed/internal/profile"
	"github.com/adriannowak/ai-feed/internal/storage"
	embedding "github.com/matthewjhunter/go-embedding"
	"github.com/rs/zerolog"
)

// ErrDimensionMismatch is returned when no liked vector shares the
// candidate's dimensionality, typically after an embedding model change.
var ErrDimensionMismatch = errors.New("no liked vector with matching dimension")

// Match is a candidate with its similarity to the liked set.
type Match struct {
	Article    storage.Article
	Similarity float64
	Reason     string
}

// Failure is a candidate that could not be embedded.
type Failure struct {
	Article storage.Article
	Err     error
}

// Shortlist is the outcome of pre-filtering one batch. Selected is ordered
// by similarity, highest first.
type Shortlist struct {
	Selected []Match
	Rejected []Match
	Failed   []Failure
}

// Prefilter narrows warm-phase candidates to those closest to what the user
// already liked, so the judge only sees a bounded shortlist.
type Prefilter struct {
	vectors profile.ArticleEmbedder
	logger  zerolog.Logger
}

// NewPrefilter creates a Prefilter backed by vectors.
func NewPrefilter(vectors profile.ArticleEmbedder, logger zerolog.Logger) *Prefilter {
	return &Prefilter{vectors: vectors, logger: logger}
}

// Shortlist embeds every candidate, scores it by its maximum cosine
// similarity against the profile's liked vectors, keeps those at or above
// minSimilarity and truncates to topK. topK <= 0 means no limit.
func (f *Prefilter) Shortlist(ctx context.Context, candidates []storage.Article, p *profile.Profile, topK int, minSimilarity float64) Shortlist {
	var result Shortlist
	var passed []Match

	for _, a := range candidates {
		if ctx.Err() != nil {
			result.Failed = append(result.Failed, Failure{Article: a, Err: &EmbeddingError{ItemID: a.ID, Err: ctx.Err()}})
			continue
		}
		vec, err := f.vectors.ForArticle(ctx, a)
		if err != nil {
			f.logger.Debug().Err(err).Str("item_id", a.ID).Msg("prefilter: embedding failed")
			result.Failed = append(result.Failed, Failure{Article: a, Err: err})
			continue
		}
		sim, err := MaxSimilarity(vec, p.LikedEmbeddings)
		if err != nil {
			f.logger.Warn().Err(err).Str("item_id", a.ID).Msg("prefilter: cannot compare")
			result.Failed = append(result.Failed, Failure{Article: a, Err: &EmbeddingError{ItemID: a.ID, Err: err}})
			continue
		}

		if sim < minSimilarity {
			result.Rejected = append(result.Rejected, Match{
				Article:    a,
				Similarity: sim,
				Reason:     fmt.Sprintf("similarity %.2f below threshold %.2f", sim, minSimilarity),
			})
			continue
		}
		passed = append(passed, Match{Article: a, Similarity: sim})
	}

	// Stable keeps input order among equal similarities.
	sort.SliceStable(passed, func(i, j int) bool {
		return passed[i].Similarity > passed[j].Similarity
	})

	if topK > 0 && len(passed) > topK {
		for _, m := range passed[topK:] {
			m.Reason = fmt.Sprintf("similarity %.2f outside top-%d shortlist", m.Similarity, topK)
			result.Rejected = append(result.Rejected, m)
		}
		passed = passed[:topK]
	}
	result.Selected = passed
	return result
}

// MaxSimilarity returns the highest cosine similarity between vec and any
// liked vector of the same dimension.
func MaxSimilarity(vec []float32, liked [][]float32) (float64, error) {
	var best float64
	found := false
	for _, l := range liked {
		if len(l) != len(vec) {
			continue
		}
		sim := embedding.CosineSimilarity(vec, l)
		if !found || sim > best {
			best = sim
			found = true
		}
	}
	if !found {
		return 0, ErrDimensionMismatch
	}
	return best, nil
}
