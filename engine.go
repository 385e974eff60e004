// Package aifeed filters AI/ML news feeds down to the articles a user is
// likely to care about, learning from their like/dislike feedback.
package aifeed

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/adriannowak/ai-feed/internal/ai"
	"github.com/adriannowak/ai-feed/internal/config"
	"github.com/adriannowak/ai-feed/internal/feeds"
	"github.com/adriannowak/ai-feed/internal/notify"
	"github.com/adriannowak/ai-feed/internal/profile"
	"github.com/adriannowak/ai-feed/internal/relay"
	"github.com/adriannowak/ai-feed/internal/scoring"
	"github.com/adriannowak/ai-feed/internal/storage"
	"github.com/rs/zerolog"
)

// Engine is the public API for the scoring pipeline. It wraps the store, the
// feed fetcher, the profile builder and the scoring orchestrator.
type Engine struct {
	cfg          *config.Config
	store        *storage.SQLStore
	fetcher      *feeds.Fetcher
	builder      *profile.Builder
	orchestrator *scoring.Orchestrator
	digests      *scoring.DigestBuilder
	vectors      *ai.Vectors
	telegram     *notify.Telegram
	signer       *relay.Signer
	logger       zerolog.Logger
}

// NewEngine opens the store and wires the pipeline from cfg. Ollama is only
// contacted when scoring runs.
func NewEngine(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	client, err := ai.NewOllamaClient(cfg.Ollama.BaseURL, opts.HTTPClient)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	prompts, err := ai.NewPromptLoader(cfg.Prompts)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		store:   store,
		fetcher: feeds.NewFetcher(store, cfg.Feeds.EntryLimit, logger),
		logger:  logger,
	}

	if cfg.Relay.SigningKey != "" {
		e.signer, err = relay.NewSigner(cfg.Relay.SigningKey, cfg.Relay.PublicURL, cfg.Relay.LinkTTL)
		if err != nil {
			store.Close()
			return nil, err
		}
	}
	if cfg.Telegram.BotToken != "" {
		e.telegram = notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.APIURL, userChats(cfg))
	}

	e.vectors = ai.NewVectors(ai.NewOllamaEmbedder(client, cfg.Ollama.EmbeddingModel), store, cfg.Scoring.EmbeddingTimeout, logger)
	e.builder = profile.NewBuilder(store, e.vectors, cfg.Scoring.ColdWarmThreshold, logger)

	retries := cfg.Scoring.JudgeRetryCount
	if retries == 0 {
		retries = -1 // zero means no transport retries here
	}
	judge := ai.NewJudge(
		ai.NewOllamaGenerator(client, cfg.Ollama.JudgeModel, prompts.Temperature()),
		prompts,
		ai.JudgeOptions{
			Keywords:   cfg.Interests.Keywords,
			RetryCount: retries,
			Timeout:    cfg.Scoring.JudgeTimeout,
			Logger:     logger,
		},
	)

	dispatcher := e.dispatcher(opts)
	e.orchestrator = scoring.NewOrchestrator(store, e.builder, ai.NewPrefilter(e.vectors, logger), judge, dispatcher, scoring.Options{
		TopK:          cfg.Scoring.EmbeddingTopK,
		MinSimilarity: cfg.Scoring.EmbeddingMinSimilarity,
		MinScore:      cfg.Scoring.JudgeMinScore,
		Concurrency:   cfg.Scoring.JudgeConcurrency,
		Logger:        logger,
	})

	digester := ai.NewDigester(
		ai.NewOllamaTextGenerator(client, cfg.Ollama.JudgeModel, cfg.Digest.Temperature),
		prompts,
		cfg.Scoring.JudgeTimeout,
	)
	e.digests = scoring.NewDigestBuilder(store, digester, e.digestDispatcher(dispatcher, opts), scoring.DigestOptions{
		MinScore: cfg.Digest.MinScore,
		MaxItems: cfg.Digest.MaxItems,
		Window:   cfg.Digest.Window,
		Logger:   logger,
	})
	return e, nil
}

// digestDispatcher reuses the notification channel when it can carry
// digests and falls back to the console otherwise.
func (e *Engine) digestDispatcher(d notify.Dispatcher, opts Options) notify.DigestDispatcher {
	if dd, ok := d.(notify.DigestDispatcher); ok {
		return dd
	}
	out := opts.Console
	if out == nil {
		out = os.Stdout
	}
	return notify.NewConsole(out, nil)
}

// dispatcher picks the notification channel: an explicit override, then
// Telegram, then the console. Telegram with an explicit Console writer
// sends to both.
func (e *Engine) dispatcher(opts Options) notify.Dispatcher {
	if opts.Dispatcher != nil {
		return opts.Dispatcher
	}
	var links notify.LinkSigner
	if e.signer != nil {
		links = e.signer
	}
	if e.telegram != nil {
		if opts.Console != nil {
			return notify.Multi{e.telegram, notify.NewConsole(opts.Console, links)}
		}
		return e.telegram
	}
	out := opts.Console
	if out == nil {
		out = os.Stdout
	}
	return notify.NewConsole(out, links)
}

func userChats(cfg *config.Config) map[string]string {
	m := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.TelegramChatID != "" {
			m[u.ID] = u.TelegramChatID
		}
	}
	return m
}

// FeedURLs returns the configured feeds plus any listed in the OPML file.
func (e *Engine) FeedURLs() ([]string, error) {
	urls := append([]string(nil), e.cfg.Feeds.URLs...)
	if e.cfg.Feeds.OPML != "" {
		fromOPML, err := feeds.ReadOPML(e.cfg.Feeds.OPML)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(urls))
		for _, u := range urls {
			seen[u] = true
		}
		for _, u := range fromOPML {
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}
	return urls, nil
}

// FetchFeeds polls every feed and stores new articles. Individual feed
// failures are recorded in the feed state, not returned.
func (e *Engine) FetchFeeds(ctx context.Context) (feeds.PollResult, error) {
	urls, err := e.FeedURLs()
	if err != nil {
		return feeds.PollResult{}, err
	}
	return e.fetcher.PollAll(ctx, urls)
}

// Score runs the pipeline for one user over every stored article they have
// no decision for yet.
func (e *Engine) Score(ctx context.Context, userID string) (*scoring.Report, error) {
	if !e.cfg.HasUser(userID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	candidates, err := e.store.UndecidedArticles(ctx, userID, e.cfg.Scoring.CandidateLimit)
	if err != nil {
		return nil, err
	}
	return e.orchestrator.Run(ctx, userID, candidates)
}

// ScoreAll scores every configured user in turn. A fatal error stops the
// loop and is returned with the reports gathered so far.
func (e *Engine) ScoreAll(ctx context.Context) ([]*scoring.Report, error) {
	var reports []*scoring.Report
	for _, userID := range e.cfg.UserIDs() {
		report, err := e.Score(ctx, userID)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			return reports, fmt.Errorf("score %s: %w", userID, err)
		}
	}
	return reports, nil
}

// Poll fetches all feeds, then scores for every user.
func (e *Engine) Poll(ctx context.Context) (*PollResult, error) {
	fetched, err := e.FetchFeeds(ctx)
	result := &PollResult{Feeds: fetched}
	if err != nil {
		return result, fmt.Errorf("fetch feeds: %w", err)
	}
	result.Runs, err = e.ScoreAll(ctx)
	return result, err
}

// RecordFeedback appends a like or dislike for an article the user knows.
func (e *Engine) RecordFeedback(ctx context.Context, userID, itemID string, signal Signal) error {
	if !e.cfg.HasUser(userID) {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if !signal.Valid() {
		return storage.ErrInvalidSignal
	}
	if _, err := e.store.GetArticle(ctx, itemID); err != nil {
		return err
	}
	return e.store.RecordFeedback(ctx, storage.FeedbackEvent{ItemID: itemID, UserID: userID, Signal: signal})
}

// Track fetches a page the user wants more of and stores it with its
// embedding. Tracked pages join the liked vectors once the user is warm.
// Returns false when the page was already tracked.
func (e *Engine) Track(ctx context.Context, userID, pageURL string) (*storage.TrackedArticle, bool, error) {
	if !e.cfg.HasUser(userID) {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	article, err := e.fetcher.FetchPage(ctx, pageURL)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	// Caches the vector for scoring runs.
	if _, err := e.vectors.ForArticle(ctx, article); err != nil {
		return nil, false, err
	}
	tracked := storage.TrackedArticle{
		UserID:    userID,
		ItemID:    article.ID,
		URL:       article.URL,
		Title:     article.Title,
		Text:      article.Text,
		CreatedAt: time.Now(),
	}
	inserted, err := e.store.SaveTrackedArticle(ctx, tracked)
	if err != nil {
		return nil, false, err
	}
	return &tracked, inserted, nil
}

// TrackedArticles lists the pages the user tracks.
func (e *Engine) TrackedArticles(ctx context.Context, userID string) ([]storage.TrackedArticle, error) {
	if !e.cfg.HasUser(userID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return e.store.TrackedArticles(ctx, userID)
}

// Digest builds and sends today's digest for one user, at most once a day.
func (e *Engine) Digest(ctx context.Context, userID string) (*scoring.DigestReport, error) {
	if !e.cfg.HasUser(userID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return e.digests.Run(ctx, userID)
}

// DigestAll runs the daily digest for every configured user. A failing user
// is logged and the rest still get theirs; the first error is returned.
func (e *Engine) DigestAll(ctx context.Context) ([]*scoring.DigestReport, error) {
	var (
		reports  []*scoring.DigestReport
		firstErr error
	)
	for _, userID := range e.cfg.UserIDs() {
		report, err := e.Digest(ctx, userID)
		if err != nil {
			e.logger.Error().Err(err).Str("user_id", userID).Msg("daily digest failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("digest %s: %w", userID, err)
			}
			continue
		}
		reports = append(reports, report)
	}
	return reports, firstErr
}

// DigestDue reports whether the daily digest should go out at t.
func (e *Engine) DigestDue(t time.Time) bool {
	return t.UTC().Hour() >= e.cfg.Digest.Hour
}

// Profile builds the user's current preference profile.
func (e *Engine) Profile(ctx context.Context, userID string) (*profile.Profile, error) {
	if !e.cfg.HasUser(userID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return e.builder.Build(ctx, userID)
}

// WarmThreshold is the number of likes that switches a user to warm scoring.
func (e *Engine) WarmThreshold() int {
	return e.builder.Threshold()
}

// Decisions returns the user's most recent decisions, newest first.
func (e *Engine) Decisions(ctx context.Context, userID string, limit int) ([]storage.Decision, error) {
	if !e.cfg.HasUser(userID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return e.store.ListDecisions(ctx, userID, limit)
}

// Articles looks up stored articles by ID.
func (e *Engine) Articles(ctx context.Context, ids []string) (map[string]storage.Article, error) {
	return e.store.GetArticles(ctx, ids)
}

// RelayHandler serves the Telegram webhook, signed feedback links and a
// health check.
func (e *Engine) RelayHandler() http.Handler {
	cfg := relay.Config{
		Recorder: e,
		Signer:   e.signer,
		Chats:    e.cfg.ChatUsers(),
		Secret:   e.cfg.Telegram.WebhookSecret,
		Logger:   e.logger,
	}
	if e.telegram != nil {
		cfg.Answerer = e.telegram
	}
	return relay.NewHandler(cfg)
}

// Close releases all resources held by the engine.
func (e *Engine) Close() error {
	return e.store.Close()
}
