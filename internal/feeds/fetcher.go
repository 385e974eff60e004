package feeds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/adriannowak/ai-feed/internal/storage"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
)

const (
	DefaultEntryLimit = 10
	maxTextLen        = 8000
	userAgent         = "ai-feed/1.0"
	feedTimeout       = 30 * time.Second
)

// Store is the subset of storage the fetcher writes to.
type Store interface {
	SaveArticle(ctx context.Context, article storage.Article) (bool, error)
	GetFeedState(ctx context.Context, url string) (*storage.FeedState, error)
	SaveFeedState(ctx context.Context, state storage.FeedState) error
}

type Fetcher struct {
	parser     *gofeed.Parser
	client     *http.Client
	store      Store
	policy     *bluemonday.Policy
	entryLimit int
	logger     zerolog.Logger
	now        func() time.Time
}

// OPML structures for parsing
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Body    OPMLBody `xml:"body"`
}

type OPMLBody struct {
	Outlines []OPMLOutline `xml:"outline"`
}

type OPMLOutline struct {
	Text     string        `xml:"text,attr"`
	Title    string        `xml:"title,attr"`
	Type     string        `xml:"type,attr"`
	XMLURL   string        `xml:"xmlUrl,attr"`
	HTMLURL  string        `xml:"htmlUrl,attr"`
	Outlines []OPMLOutline `xml:"outline"`
}

// NewFetcher creates a new feed fetcher. entryLimit caps the entries taken
// from each feed per poll; values below 1 use DefaultEntryLimit.
func NewFetcher(store Store, entryLimit int, logger zerolog.Logger) *Fetcher {
	if entryLimit < 1 {
		entryLimit = DefaultEntryLimit
	}
	parser := gofeed.NewParser()
	parser.UserAgent = userAgent
	return &Fetcher{
		parser:     parser,
		client:     &http.Client{},
		store:      store,
		policy:     bluemonday.StrictPolicy(),
		entryLimit: entryLimit,
		logger:     logger,
		now:        time.Now,
	}
}

// FetchResult holds the outcome of a conditional feed fetch.
type FetchResult struct {
	Feed         *gofeed.Feed // nil when NotModified is true
	ETag         string       // ETag from response (empty if absent)
	LastModified string       // Last-Modified from response (empty if absent)
	NotModified  bool         // true when server returned 304
}

// FetchFeed fetches and parses a single feed using conditional HTTP requests.
// If the feed has stored ETag or Last-Modified values, they are sent as
// If-None-Match / If-Modified-Since headers. A 304 response skips parsing
// entirely and returns NotModified=true.
func (f *Fetcher) FetchFeed(ctx context.Context, feed storage.FeedState) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", feed.URL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	if feed.ETag != "" {
		req.Header.Set("If-None-Match", feed.ETag)
	}
	if feed.LastModified != "" {
		req.Header.Set("If-Modified-Since", feed.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed %s: %w", feed.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &FetchResult{NotModified: true}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed %s returned status %d", feed.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed %s: %w", feed.URL, err)
	}

	parsed, err := f.parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed %s: %w", feed.URL, err)
	}

	return &FetchResult{
		Feed:         parsed,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// Articles converts up to entryLimit feed items into articles with stable IDs.
func (f *Fetcher) Articles(feedURL string, feed *gofeed.Feed) []storage.Article {
	now := f.now()
	var out []storage.Article
	for _, item := range feed.Items {
		if len(out) == f.entryLimit {
			break
		}
		if item == nil {
			continue
		}
		link := CanonicalURL(item.Link)
		id := ArticleID(link)
		if link == "" {
			if item.GUID == "" {
				f.logger.Debug().Str("feed", feedURL).Str("title", item.Title).Msg("skipping entry without link or guid")
				continue
			}
			id = ArticleID(feedURL + "#" + item.GUID)
		}

		// Use content if available, otherwise use description
		body := item.Content
		if body == "" {
			body = item.Description
		}

		a := storage.Article{
			ID:        id,
			FeedURL:   feedURL,
			Source:    strings.TrimSpace(feed.Title),
			Title:     f.plainText(item.Title),
			URL:       link,
			Text:      truncate(f.plainText(body), maxTextLen),
			FetchedAt: now,
		}
		if a.Title == "" {
			a.Title = link
		}
		if item.PublishedParsed != nil {
			a.PublishedAt = item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			a.PublishedAt = item.UpdatedParsed
		}
		out = append(out, a)
	}
	return out
}

// PollResult summarizes one pass over the configured feeds.
type PollResult struct {
	Feeds       int
	NotModified int
	Failed      int
	Entries     int
	NewArticles int
}

// PollAll fetches every feed and stores new articles. Per-feed failures are
// logged and recorded on the feed state; only store failures are returned.
func (f *Fetcher) PollAll(ctx context.Context, urls []string) (PollResult, error) {
	var res PollResult
	for _, feedURL := range urls {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Feeds++

		state, err := f.store.GetFeedState(ctx, feedURL)
		if err != nil {
			return res, err
		}
		if state == nil {
			state = &storage.FeedState{URL: feedURL}
		}

		feedCtx, cancel := context.WithTimeout(ctx, feedTimeout)
		result, err := f.FetchFeed(feedCtx, *state)
		cancel()
		now := f.now()
		state.LastFetched = &now

		if err != nil {
			f.logger.Warn().Err(err).Str("feed", feedURL).Msg("failed to fetch feed")
			res.Failed++
			state.LastError = err.Error()
			if err := f.store.SaveFeedState(ctx, *state); err != nil {
				return res, err
			}
			continue
		}
		state.LastError = ""

		if result.NotModified {
			res.NotModified++
			if err := f.store.SaveFeedState(ctx, *state); err != nil {
				return res, err
			}
			continue
		}

		articles := f.Articles(feedURL, result.Feed)
		res.Entries += len(articles)
		for _, a := range articles {
			inserted, err := f.store.SaveArticle(ctx, a)
			if err != nil {
				return res, err
			}
			if inserted {
				res.NewArticles++
			}
		}

		// Persist cache headers for next conditional request
		if result.ETag != "" {
			state.ETag = result.ETag
		}
		if result.LastModified != "" {
			state.LastModified = result.LastModified
		}
		if t := strings.TrimSpace(result.Feed.Title); t != "" {
			state.Title = t
		}
		if err := f.store.SaveFeedState(ctx, *state); err != nil {
			return res, err
		}
		f.logger.Debug().Str("feed", feedURL).Int("entries", len(articles)).Msg("feed polled")
	}
	return res, nil
}

// ReadOPML returns the feed URLs listed in an OPML file, folders included.
func ReadOPML(opmlPath string) ([]string, error) {
	data, err := os.ReadFile(opmlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read OPML file: %w", err)
	}

	var opml OPML
	if err := xml.Unmarshal(data, &opml); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %w", err)
	}

	// Process outlines recursively
	var urls []string
	seen := make(map[string]bool)
	var processOutlines func(outlines []OPMLOutline)
	processOutlines = func(outlines []OPMLOutline) {
		for _, outline := range outlines {
			if outline.XMLURL != "" && !seen[outline.XMLURL] {
				seen[outline.XMLURL] = true
				urls = append(urls, outline.XMLURL)
			}
			if len(outline.Outlines) > 0 {
				processOutlines(outline.Outlines)
			}
		}
	}
	processOutlines(opml.Body.Outlines)
	return urls, nil
}

// ArticleID is the first 16 hex characters of the SHA-256 of key.
func ArticleID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// CanonicalURL normalizes a link so the same article polled twice, or via
// a tracking link, hashes to the same ID: lowercase scheme and host, no
// fragment, no utm_* parameters, no trailing slash.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	// "https://x.com/" and "https://x.com" name the same page.
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// plainText strips markup and collapses whitespace.
func (f *Fetcher) plainText(s string) string {
	s = html.UnescapeString(f.policy.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
