// Package scoring runs the per-user relevance pipeline: dedup against prior
// decisions, cold or warm scoring, persistence and dispatch.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adriannowak/ai-feed/internal/ai"
	"github.com/adriannowak/ai-feed/internal/notify"
	"github.com/adriannowak/ai-feed/internal/profile"
	"github.com/adriannowak/ai-feed/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Store is the subset of storage the orchestrator reads and writes.
type Store interface {
	GetArticles(ctx context.Context, ids []string) (map[string]storage.Article, error)
	DecidedItems(ctx context.Context, userID string, itemIDs []string) (map[string]bool, error)
	SaveDecision(ctx context.Context, d storage.Decision) (bool, error)
	PendingDeliveries(ctx context.Context, userID string) ([]storage.Decision, error)
	MarkDelivered(ctx context.Context, userID, itemID string, at time.Time) error
}

// ProfileSource builds the current profile for a user.
type ProfileSource interface {
	Build(ctx context.Context, userID string) (*profile.Profile, error)
}

// Shortlister is the warm-phase embedding pre-filter.
type Shortlister interface {
	Shortlist(ctx context.Context, candidates []storage.Article, p *profile.Profile, topK int, minSimilarity float64) ai.Shortlist
}

// Judge decides relevance for a single article.
type Judge interface {
	Judge(ctx context.Context, article storage.Article, p *profile.Profile) ai.Verdict
}

// Options tunes a run.
type Options struct {
	TopK          int
	MinSimilarity float64
	// MinScore denies relevant verdicts whose score is below it. Verdicts
	// without a score are not gated.
	MinScore    float64
	Concurrency int
	Logger      zerolog.Logger
}

// Orchestrator drives scoring runs. It holds no per-run state and is safe
// for concurrent use across users.
type Orchestrator struct {
	store      Store
	profiles   ProfileSource
	prefilter  Shortlister
	judge      Judge
	dispatcher notify.Dispatcher
	opts       Options
	now        func() time.Time
}

// NewOrchestrator wires the pipeline stages.
func NewOrchestrator(store Store, profiles ProfileSource, prefilter Shortlister, judge Judge, dispatcher notify.Dispatcher, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Orchestrator{
		store:      store,
		profiles:   profiles,
		prefilter:  prefilter,
		judge:      judge,
		dispatcher: dispatcher,
		opts:       opts,
		now:        time.Now,
	}
}

// Report summarizes one run.
type Report struct {
	RunID    string
	UserID   string
	Phase    profile.Phase
	Fallback bool

	Candidates     int
	AlreadyDecided int
	Prefiltered    int
	EmbedFailed    int
	Judged         int
	Degraded       int
	Notified       int
	Delivered      int
	DispatchFailed int
	Redelivered    int

	Decisions  []storage.Decision
	StartedAt  time.Time
	FinishedAt time.Time
}

// Run scores candidates for one user. Storage failures abort the run and are
// returned; every other failure is absorbed into the decisions.
func (o *Orchestrator) Run(ctx context.Context, userID string, candidates []storage.Article) (*Report, error) {
	report := &Report{
		RunID:      uuid.NewString(),
		UserID:     userID,
		Candidates: len(candidates),
		StartedAt:  o.now(),
	}
	logger := o.opts.Logger.With().Str("run_id", report.RunID).Str("user_id", userID).Logger()
	defer func() { report.FinishedAt = o.now() }()

	redelivered, err := o.redeliver(ctx, logger, userID)
	report.Redelivered = redelivered
	if err != nil {
		return report, err
	}

	fresh, err := o.dedup(ctx, userID, candidates)
	if err != nil {
		return report, err
	}
	report.AlreadyDecided = len(candidates) - len(fresh)
	if len(fresh) == 0 {
		logger.Debug().Int("candidates", len(candidates)).Msg("nothing new to score")
		return report, nil
	}

	p, err := o.profiles.Build(ctx, userID)
	if err != nil {
		if storage.IsStorageError(err) {
			logger.Error().Err(err).Msg("profile build hit storage failure, aborting run")
			return report, err
		}
		logger.Warn().Err(err).Msg("profile build failed, falling back to cold start")
		p = &profile.Profile{UserID: userID, Phase: profile.Cold, PromptMode: profile.Generic}
		report.Fallback = true
	}
	report.Phase = p.Phase

	var decisions []storage.Decision
	switch p.Phase {
	case profile.Warm:
		decisions, err = o.runWarm(ctx, logger, report, p, fresh)
	default:
		decisions, err = o.runCold(ctx, report, p, fresh)
	}
	if err != nil {
		return report, err
	}

	articles := make(map[string]storage.Article, len(fresh))
	for _, a := range fresh {
		articles[a.ID] = a
	}
	if err := o.emit(ctx, logger, report, decisions, articles); err != nil {
		return report, err
	}

	logger.Info().
		Str("phase", p.Phase.String()).
		Bool("fallback", report.Fallback).
		Int("candidates", report.Candidates).
		Int("judged", report.Judged).
		Int("notified", report.Notified).
		Int("degraded", report.Degraded).
		Msg("scoring run complete")
	return report, nil
}

// dedup drops batch duplicates and items already decided for the user, so
// they never reach the pre-filter or the judge.
func (o *Orchestrator) dedup(ctx context.Context, userID string, candidates []storage.Article) ([]storage.Article, error) {
	seen := make(map[string]bool, len(candidates))
	unique := make([]storage.Article, 0, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, a := range candidates {
		if a.ID == "" || seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		unique = append(unique, a)
		ids = append(ids, a.ID)
	}
	if len(unique) == 0 {
		return nil, nil
	}

	decided, err := o.store.DecidedItems(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	fresh := unique[:0]
	for _, a := range unique {
		if !decided[a.ID] {
			fresh = append(fresh, a)
		}
	}
	return fresh, nil
}

// runCold sends every candidate to the judge.
func (o *Orchestrator) runCold(ctx context.Context, report *Report, p *profile.Profile, candidates []storage.Article) ([]storage.Decision, error) {
	matches := make([]ai.Match, len(candidates))
	for i, a := range candidates {
		matches[i] = ai.Match{Article: a}
	}
	return o.judgeAll(ctx, report, p, matches, false)
}

// runWarm pre-filters by similarity to liked items and judges only the
// shortlist. Rejected candidates are decided without a judge call; candidates
// that failed to embed stay undecided for the next run.
func (o *Orchestrator) runWarm(ctx context.Context, logger zerolog.Logger, report *Report, p *profile.Profile, candidates []storage.Article) ([]storage.Decision, error) {
	sl := o.prefilter.Shortlist(ctx, candidates, p, o.opts.TopK, o.opts.MinSimilarity)
	report.Prefiltered = len(sl.Rejected)
	report.EmbedFailed = len(sl.Failed)
	for _, f := range sl.Failed {
		logger.Warn().Err(f.Err).Str("item_id", f.Article.ID).Msg("candidate left undecided, embedding failed")
	}

	decisions := make([]storage.Decision, 0, len(sl.Rejected)+len(sl.Selected))
	for _, m := range sl.Rejected {
		decisions = append(decisions, o.decision(report, p, m.Article.ID, false, m.Reason, similarity(m.Similarity), nil, nil, false))
	}

	judged, err := o.judgeAll(ctx, report, p, sl.Selected, true)
	if err != nil {
		return nil, err
	}
	return append(decisions, judged...), nil
}

// judgeAll runs the judge over matches with bounded concurrency. Results keep
// the input order.
func (o *Orchestrator) judgeAll(ctx context.Context, report *Report, p *profile.Profile, matches []ai.Match, withSimilarity bool) ([]storage.Decision, error) {
	verdicts := make([]ai.Verdict, len(matches))
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i, m := range matches {
		g.Go(func() error {
			verdicts[i] = o.judge.Judge(ctx, m.Article, p)
			return nil
		})
	}
	g.Wait()

	// A cancelled run must not persist the deny verdicts cancellation produced.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report.Judged += len(matches)
	decisions := make([]storage.Decision, len(matches))
	for i, m := range matches {
		v := verdicts[i]
		if v.Degraded {
			report.Degraded++
		}
		var sim *float64
		if withSimilarity {
			sim = similarity(m.Similarity)
		}
		send, rationale := o.gate(v)
		decisions[i] = o.decision(report, p, m.Article.ID, send, rationale, sim, v.Score, v.Topics, v.Degraded)
	}
	return decisions, nil
}

// gate turns a verdict into the notify flag. A "relevant" verdict whose own
// score contradicts it is denied.
func (o *Orchestrator) gate(v ai.Verdict) (bool, string) {
	if !v.Relevant || v.Degraded {
		return false, v.Rationale
	}
	if v.Score != nil && *v.Score < o.opts.MinScore {
		rationale := fmt.Sprintf("score %.0f below %.0f", *v.Score, o.opts.MinScore)
		if v.Rationale != "" {
			rationale += ": " + v.Rationale
		}
		return false, rationale
	}
	return true, v.Rationale
}

func (o *Orchestrator) decision(report *Report, p *profile.Profile, itemID string, send bool, rationale string, sim, score *float64, topics []string, degraded bool) storage.Decision {
	return storage.Decision{
		ItemID:     itemID,
		UserID:     report.UserID,
		Notify:     send,
		Rationale:  rationale,
		Phase:      p.Phase.String(),
		Similarity: sim,
		Score:      score,
		Topics:     topics,
		RunID:      report.RunID,
		Degraded:   degraded,
		DecidedAt:  o.now(),
	}
}

// emit persists decisions and dispatches the newly inserted notify=true ones.
// SaveDecision is insert-if-absent, so a decision another run stored first
// is neither overwritten nor dispatched twice.
func (o *Orchestrator) emit(ctx context.Context, logger zerolog.Logger, report *Report, decisions []storage.Decision, articles map[string]storage.Article) error {
	for _, d := range decisions {
		inserted, err := o.store.SaveDecision(ctx, d)
		if err != nil {
			logger.Error().Err(err).Str("item_id", d.ItemID).Msg("failed to persist decision, aborting run")
			return err
		}
		if !inserted {
			logger.Debug().Str("item_id", d.ItemID).Msg("decision already recorded by another run")
			continue
		}
		report.Decisions = append(report.Decisions, d)
		if !d.Notify {
			continue
		}
		report.Notified++

		delivered, err := o.deliver(ctx, logger, d, articles[d.ItemID])
		if err != nil {
			return err
		}
		if delivered {
			report.Delivered++
		} else {
			report.DispatchFailed++
		}
	}
	return nil
}

// deliver dispatches one decision and marks it delivered. A dispatch failure
// is logged and reported as false; only a store failure is returned.
func (o *Orchestrator) deliver(ctx context.Context, logger zerolog.Logger, d storage.Decision, article storage.Article) (bool, error) {
	n := notify.Notification{UserID: d.UserID, Article: article, Decision: d}
	if err := o.dispatcher.Dispatch(ctx, n); err != nil {
		logger.Warn().Err(err).Str("item_id", d.ItemID).Msg("dispatch failed, will retry next run")
		return false, nil
	}
	if err := o.store.MarkDelivered(ctx, d.UserID, d.ItemID, o.now()); err != nil {
		return false, err
	}
	return true, nil
}

// redeliver retries notify=true decisions whose dispatch never succeeded.
func (o *Orchestrator) redeliver(ctx context.Context, logger zerolog.Logger, userID string) (int, error) {
	pending, err := o.store.PendingDeliveries(ctx, userID)
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	ids := make([]string, len(pending))
	for i, d := range pending {
		ids[i] = d.ItemID
	}
	articles, err := o.store.GetArticles(ctx, ids)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, d := range pending {
		article, ok := articles[d.ItemID]
		if !ok {
			logger.Warn().Str("item_id", d.ItemID).Msg("pending delivery for unknown article, skipping")
			continue
		}
		sent, err := o.deliver(ctx, logger, d, article)
		if err != nil {
			return delivered, err
		}
		if sent {
			delivered++
		}
	}
	if delivered > 0 {
		logger.Info().Int("delivered", delivered).Int("pending", len(pending)).Msg("redelivered notifications")
	}
	return delivered, nil
}

func similarity(v float64) *float64 { return &v }

// IsFatal reports whether a Run error should stop the caller.
func IsFatal(err error) bool {
	return storage.IsStorageError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
