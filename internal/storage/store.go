package storage

import (
	"context"
	"time"
)

// Signal is a user's verdict on a notified article.
type Signal int

const (
	Dislike Signal = -1
	Like    Signal = 1
)

// Valid reports whether s is one of the two accepted feedback values.
func (s Signal) Valid() bool {
	return s == Like || s == Dislike
}

func (s Signal) String() string {
	switch s {
	case Like:
		return "like"
	case Dislike:
		return "dislike"
	}
	return "invalid"
}

// ParseSignal accepts "like"/"dislike", "+1"/"-1" and "1"/"-1".
func ParseSignal(raw string) (Signal, error) {
	switch raw {
	case "like", "+1", "1", "up":
		return Like, nil
	case "dislike", "-1", "down":
		return Dislike, nil
	}
	return 0, ErrInvalidSignal
}

// Article is a fetched feed entry. ID is derived from the canonical URL and
// never changes across polls.
type Article struct {
	ID          string
	FeedURL     string
	Source      string
	Title       string
	URL         string
	Text        string
	PublishedAt *time.Time
	FetchedAt   time.Time
}

// FeedbackEvent is a single like/dislike. Events are append-only.
type FeedbackEvent struct {
	ID        int64
	ItemID    string
	UserID    string
	Signal    Signal
	CreatedAt time.Time
}

// Decision is the outcome of scoring one article for one user. At most one
// exists per (UserID, ItemID).
type Decision struct {
	ItemID      string
	UserID      string
	Notify      bool
	Rationale   string
	Phase       string
	Similarity  *float64
	Score       *float64
	Topics      []string
	RunID       string
	Degraded    bool
	DecidedAt   time.Time
	DeliveredAt *time.Time
}

// TrackedArticle is a page a user pointed at to seed their taste profile.
// ItemID is derived the same way as Article.ID.
type TrackedArticle struct {
	UserID    string
	ItemID    string
	URL       string
	Title     string
	Text      string
	CreatedAt time.Time
}

// Article returns the page in the shape the embedding cache expects.
func (t TrackedArticle) Article() Article {
	return Article{ID: t.ItemID, URL: t.URL, Title: t.Title, Text: t.Text, FetchedAt: t.CreatedAt}
}

// Digest is one user's daily brief. At most one exists per (UserID, Day).
type Digest struct {
	UserID      string
	Day         string // YYYY-MM-DD, UTC
	ItemIDs     []string
	Brief       string
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// FeedState carries conditional-request headers between polls of a feed.
type FeedState struct {
	URL          string
	Title        string
	ETag         string
	LastModified string
	LastFetched  *time.Time
	LastError    string
}

// Store defines the storage interface for the scoring pipeline.
type Store interface {
	Close() error

	// Articles
	SaveArticle(ctx context.Context, article Article) (bool, error)
	GetArticle(ctx context.Context, id string) (*Article, error)
	GetArticles(ctx context.Context, ids []string) (map[string]Article, error)
	UndecidedArticles(ctx context.Context, userID string, limit int) ([]Article, error)

	// Feedback
	RecordFeedback(ctx context.Context, event FeedbackEvent) error
	LoadEvents(ctx context.Context, userID string) ([]FeedbackEvent, error)

	// Embedding cache
	GetEmbedding(ctx context.Context, itemID, model string) ([]float32, error)
	PutEmbedding(ctx context.Context, itemID, model string, vec []float32) error

	// Decisions
	DecidedItems(ctx context.Context, userID string, itemIDs []string) (map[string]bool, error)
	SaveDecision(ctx context.Context, d Decision) (bool, error)
	GetDecision(ctx context.Context, userID, itemID string) (*Decision, error)
	ListDecisions(ctx context.Context, userID string, limit int) ([]Decision, error)
	PendingDeliveries(ctx context.Context, userID string) ([]Decision, error)
	MarkDelivered(ctx context.Context, userID, itemID string, at time.Time) error
	DecisionTopics(ctx context.Context, userID string, itemIDs []string) (map[string][]string, error)
	TopDecisions(ctx context.Context, userID string, since time.Time, minScore float64, limit int) ([]Decision, error)

	// Tracked articles
	SaveTrackedArticle(ctx context.Context, t TrackedArticle) (bool, error)
	TrackedArticles(ctx context.Context, userID string) ([]TrackedArticle, error)

	// Digests
	GetDigest(ctx context.Context, userID, day string) (*Digest, error)
	SaveDigest(ctx context.Context, d Digest) (bool, error)
	MarkDigestDelivered(ctx context.Context, userID, day string, at time.Time) error

	// Feeds
	GetFeedState(ctx context.Context, url string) (*FeedState, error)
	SaveFeedState(ctx context.Context, state FeedState) error
}
