// Package profile derives a user's preference profile from their feedback
// history. Profiles are never stored; they are rebuilt from the full event
// set on every scoring run.
package profile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/adriannowak/ai-feed/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultWarmThreshold is the number of resolved likes at which a user
// leaves the cold start.
const DefaultWarmThreshold = 5

// maxLikedTopics caps Profile.LikedTopics.
const maxLikedTopics = 15

// Phase selects the scoring path for a run.
type Phase int

const (
	Cold Phase = iota
	Warm
)

func (p Phase) String() string {
	if p == Warm {
		return "warm"
	}
	return "cold"
}

// PromptMode selects the judge prompt.
type PromptMode string

const (
	Generic      PromptMode = "generic"
	Personalized PromptMode = "personalized"
)

// Profile is the derived view of one user's taste.
type Profile struct {
	UserID     string
	Phase      Phase
	PromptMode PromptMode

	// Liked items in resolving-event order. LikedEmbeddings only holds
	// vectors for Warm profiles, and only for items that embedded cleanly.
	LikedItemIDs    []string
	LikedEmbeddings [][]float32
	LikedTitles     []string
	DislikedTitles  []string

	// Judge topics of liked items, most frequent first.
	LikedTopics []string

	// Pages the user tracked by URL. Their vectors follow the liked ones in
	// LikedEmbeddings; they never count toward the warm threshold.
	TrackedItemIDs []string
	TrackedCount   int

	PositiveCount int
	NegativeCount int
	EventCount    int
}

// Resolved is the effective signal for one item after latest-wins.
type Resolved struct {
	ItemID string
	Signal storage.Signal
	At     time.Time
	Seq    int64
}

// Resolve collapses repeated signals per item: the event with the latest
// CreatedAt wins, ties broken by store sequence. The result is ordered by the
// winning event's time, then item ID.
func Resolve(events []storage.FeedbackEvent) []Resolved {
	sorted := make([]storage.FeedbackEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	latest := make(map[string]storage.FeedbackEvent, len(sorted))
	for _, ev := range sorted {
		latest[ev.ItemID] = ev
	}

	out := make([]Resolved, 0, len(latest))
	for _, ev := range latest {
		out = append(out, Resolved{ItemID: ev.ItemID, Signal: ev.Signal, At: ev.CreatedAt, Seq: ev.ID})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out
}

// EventSource loads a user's feedback history.
type EventSource interface {
	LoadEvents(ctx context.Context, userID string) ([]storage.FeedbackEvent, error)
	GetArticles(ctx context.Context, ids []string) (map[string]storage.Article, error)
	DecisionTopics(ctx context.Context, userID string, itemIDs []string) (map[string][]string, error)
	TrackedArticles(ctx context.Context, userID string) ([]storage.TrackedArticle, error)
}

// ArticleEmbedder returns the embedding for an article.
type ArticleEmbedder interface {
	ForArticle(ctx context.Context, article storage.Article) ([]float32, error)
}

// Builder builds profiles from the feedback store.
type Builder struct {
	events    EventSource
	vectors   ArticleEmbedder
	threshold int
	logger    zerolog.Logger
}

// NewBuilder creates a Builder. A threshold below 1 uses DefaultWarmThreshold.
func NewBuilder(events EventSource, vectors ArticleEmbedder, threshold int, logger zerolog.Logger) *Builder {
	if threshold < 1 {
		threshold = DefaultWarmThreshold
	}
	return &Builder{
		events:    events,
		vectors:   vectors,
		threshold: threshold,
		logger:    logger,
	}
}

// Threshold returns the number of likes needed for the warm phase.
func (b *Builder) Threshold() int { return b.threshold }

// Build derives the profile for userID from every recorded feedback event.
func (b *Builder) Build(ctx context.Context, userID string) (*Profile, error) {
	events, err := b.events.LoadEvents(ctx, userID)
	if err != nil {
		return nil, &ProfileBuildError{UserID: userID, Err: err}
	}

	tracked, err := b.events.TrackedArticles(ctx, userID)
	if err != nil {
		return nil, &ProfileBuildError{UserID: userID, Err: err}
	}

	resolved := Resolve(events)
	p := &Profile{
		UserID:       userID,
		Phase:        Cold,
		PromptMode:   Generic,
		EventCount:   len(events),
		TrackedCount: len(tracked),
	}

	ids := make([]string, 0, len(resolved))
	var liked []string
	for _, r := range resolved {
		ids = append(ids, r.ItemID)
		if r.Signal == storage.Like {
			p.PositiveCount++
			liked = append(liked, r.ItemID)
		} else {
			p.NegativeCount++
		}
	}
	if len(ids) == 0 {
		return p, nil
	}

	articles, err := b.events.GetArticles(ctx, ids)
	if err != nil {
		return nil, &ProfileBuildError{UserID: userID, Err: err}
	}

	if len(liked) > 0 {
		topics, err := b.events.DecisionTopics(ctx, userID, liked)
		if err != nil {
			return nil, &ProfileBuildError{UserID: userID, Err: err}
		}
		p.LikedTopics = rankTopics(liked, topics, maxLikedTopics)
	}

	warm := p.PositiveCount >= b.threshold
	if warm {
		p.Phase = Warm
		p.PromptMode = Personalized
	}

	for _, r := range resolved {
		article, known := articles[r.ItemID]
		if r.Signal == storage.Dislike {
			if known {
				p.DislikedTitles = append(p.DislikedTitles, article.Title)
			}
			continue
		}

		if !warm {
			p.LikedItemIDs = append(p.LikedItemIDs, r.ItemID)
			if known {
				p.LikedTitles = append(p.LikedTitles, article.Title)
			}
			continue
		}

		if !known {
			b.logger.Warn().Str("user_id", userID).Str("item_id", r.ItemID).
				Msg("liked item not in article store, skipping")
			continue
		}
		vec, err := b.vectors.ForArticle(ctx, article)
		if err != nil {
			b.logger.Warn().Err(err).Str("user_id", userID).Str("item_id", r.ItemID).
				Msg("liked item embedding failed, skipping")
			continue
		}
		p.LikedItemIDs = append(p.LikedItemIDs, r.ItemID)
		p.LikedEmbeddings = append(p.LikedEmbeddings, vec)
		p.LikedTitles = append(p.LikedTitles, article.Title)
	}

	if warm && len(p.LikedEmbeddings) == 0 {
		return nil, &ProfileBuildError{
			UserID: userID,
			Err:    fmt.Errorf("none of %d liked items produced an embedding", p.PositiveCount),
		}
	}

	if warm {
		for _, t := range tracked {
			vec, err := b.vectors.ForArticle(ctx, t.Article())
			if err != nil {
				b.logger.Warn().Err(err).Str("user_id", userID).Str("item_id", t.ItemID).
					Msg("tracked article embedding failed, skipping")
				continue
			}
			p.TrackedItemIDs = append(p.TrackedItemIDs, t.ItemID)
			p.LikedEmbeddings = append(p.LikedEmbeddings, vec)
		}
	}
	return p, nil
}

// rankTopics counts topics across items case-insensitively and returns at
// most limit of them, most frequent first. Ties keep first-seen order and
// each topic keeps the spelling it was first seen with.
func rankTopics(itemIDs []string, topics map[string][]string, limit int) []string {
	type entry struct {
		name  string
		count int
	}
	var ranked []*entry
	index := make(map[string]*entry)
	for _, id := range itemIDs {
		for _, topic := range topics[id] {
			topic = strings.TrimSpace(topic)
			if topic == "" {
				continue
			}
			key := strings.ToLower(topic)
			e, ok := index[key]
			if !ok {
				e = &entry{name: topic}
				index[key] = e
				ranked = append(ranked, e)
			}
			e.count++
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].count > ranked[j].count })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, 0, len(ranked))
	for _, e := range ranked {
		out = append(out, e.name)
	}
	return out
}

// ProfileBuildError reports that a profile could not be derived. The cause is
// a *storage.StorageError when the store failed.
type ProfileBuildError struct {
	UserID string
	Err    error
}

func (e *ProfileBuildError) Error() string {
	return fmt.Sprintf("build profile for %s: %v", e.UserID, e.Err)
}

func (e *ProfileBuildError) Unwrap() error { return e.Err }
