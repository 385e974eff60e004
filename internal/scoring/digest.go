package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adriannowak/ai-feed/internal/ai"
	"github.com/adriannowak/ai-feed/internal/notify"
	"github.com/adriannowak/ai-feed/internal/storage"
	"github.com/rs/zerolog"
)

// DayFormat is the layout of digest days, always in UTC.
const DayFormat = "2006-01-02"

// DigestStore is the subset of storage the daily digest reads and writes.
type DigestStore interface {
	GetArticles(ctx context.Context, ids []string) (map[string]storage.Article, error)
	TopDecisions(ctx context.Context, userID string, since time.Time, minScore float64, limit int) ([]storage.Decision, error)
	GetDigest(ctx context.Context, userID, day string) (*storage.Digest, error)
	SaveDigest(ctx context.Context, d storage.Digest) (bool, error)
	MarkDigestDelivered(ctx context.Context, userID, day string, at time.Time) error
}

// Briefer writes the digest text.
type Briefer interface {
	Brief(ctx context.Context, day string, items []ai.DigestItem) (string, error)
}

// DigestOptions selects what goes into a digest.
type DigestOptions struct {
	MinScore float64
	MaxItems int
	Window   time.Duration
	Logger   zerolog.Logger
}

// DigestReport summarizes one digest attempt.
type DigestReport struct {
	UserID         string
	Day            string
	Items          int
	Created        bool
	Delivered      bool
	DispatchFailed bool
	Skipped        string
	Brief          string
}

// DigestBuilder creates and delivers at most one digest per user per UTC day.
type DigestBuilder struct {
	store      DigestStore
	briefer    Briefer
	dispatcher notify.DigestDispatcher
	opts       DigestOptions
	now        func() time.Time
}

// NewDigestBuilder wires the digest stages.
func NewDigestBuilder(store DigestStore, briefer Briefer, dispatcher notify.DigestDispatcher, opts DigestOptions) *DigestBuilder {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	return &DigestBuilder{
		store:      store,
		briefer:    briefer,
		dispatcher: dispatcher,
		opts:       opts,
		now:        time.Now,
	}
}

// Run builds today's digest for userID and delivers it. A digest that was
// stored but never delivered is resent instead of rebuilt. Delivery failures
// are reported, not returned, so the next run retries them.
func (b *DigestBuilder) Run(ctx context.Context, userID string) (*DigestReport, error) {
	now := b.now().UTC()
	report := &DigestReport{UserID: userID, Day: now.Format(DayFormat)}
	logger := b.opts.Logger.With().Str("user_id", userID).Str("day", report.Day).Logger()

	existing, err := b.store.GetDigest(ctx, userID, report.Day)
	switch {
	case err == nil:
		report.Items = len(existing.ItemIDs)
		report.Brief = existing.Brief
		if existing.DeliveredAt != nil {
			report.Skipped = "already sent today"
			return report, nil
		}
		articles, err := b.store.GetArticles(ctx, existing.ItemIDs)
		if err != nil {
			return nil, err
		}
		ordered := make([]storage.Article, 0, len(existing.ItemIDs))
		for _, id := range existing.ItemIDs {
			if a, ok := articles[id]; ok {
				ordered = append(ordered, a)
			}
		}
		return b.deliver(ctx, logger, report, ordered)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, err
	}

	decisions, err := b.store.TopDecisions(ctx, userID, now.Add(-b.opts.Window), b.opts.MinScore, b.opts.MaxItems)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(decisions))
	for _, d := range decisions {
		ids = append(ids, d.ItemID)
	}
	articles, err := b.store.GetArticles(ctx, ids)
	if err != nil {
		return nil, err
	}

	var (
		items    []ai.DigestItem
		included []storage.Article
		itemIDs  []string
	)
	for _, d := range decisions {
		a, ok := articles[d.ItemID]
		if !ok {
			continue
		}
		item := ai.DigestItem{Title: a.Title, Source: a.Source, URL: a.URL, Summary: a.Text, Topics: d.Topics}
		if d.Score != nil {
			item.Score = *d.Score
		}
		items = append(items, item)
		included = append(included, a)
		itemIDs = append(itemIDs, a.ID)
	}
	if len(items) == 0 {
		report.Skipped = fmt.Sprintf("no alerts scored %.0f or more", b.opts.MinScore)
		return report, nil
	}

	brief, err := b.briefer.Brief(ctx, report.Day, items)
	if err != nil {
		return nil, err
	}

	created, err := b.store.SaveDigest(ctx, storage.Digest{
		UserID:    userID,
		Day:       report.Day,
		ItemIDs:   itemIDs,
		Brief:     brief,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		report.Skipped = "created concurrently"
		return report, nil
	}
	report.Created = true
	report.Items = len(items)
	report.Brief = brief
	logger.Info().Int("items", len(items)).Msg("digest created")
	return b.deliver(ctx, logger, report, included)
}

func (b *DigestBuilder) deliver(ctx context.Context, logger zerolog.Logger, report *DigestReport, articles []storage.Article) (*DigestReport, error) {
	err := b.dispatcher.DispatchDigest(ctx, notify.Digest{
		UserID:   report.UserID,
		Day:      report.Day,
		Brief:    report.Brief,
		Articles: articles,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("digest dispatch failed, will retry")
		report.DispatchFailed = true
		return report, nil
	}
	if err := b.store.MarkDigestDelivered(ctx, report.UserID, report.Day, b.now()); err != nil {
		return nil, err
	}
	report.Delivered = true
	return report, nil
}
