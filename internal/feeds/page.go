package feeds

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/adriannowak/ai-feed/internal/storage"
)

// pageBoilerplate is removed before a page's text is extracted.
const pageBoilerplate = "script, style, noscript, nav, header, footer, aside, form"

// FetchPage downloads a single web page and extracts an article from it,
// for pages a user tracks by URL rather than through a feed.
func (f *Fetcher) FetchPage(ctx context.Context, rawURL string) (storage.Article, error) {
	link := CanonicalURL(rawURL)
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return storage.Article{}, fmt.Errorf("invalid page URL %q", rawURL)
	}

	doc, err := f.fetchDocument(ctx, link)
	if err != nil {
		return storage.Article{}, err
	}

	title := strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	if title == "" {
		title = doc.Find("title").First().Text()
	}
	title = f.plainText(title)
	if title == "" {
		title = link
	}

	doc.Find(pageBoilerplate).Remove()
	body := doc.Find("article").First()
	if body.Length() == 0 {
		body = doc.Find("main").First()
	}
	if body.Length() == 0 {
		body = doc.Find("body")
	}
	markup, err := body.Html()
	if err != nil {
		return storage.Article{}, fmt.Errorf("render page %s: %w", link, err)
	}
	text := truncate(f.plainText(markup), maxTextLen)
	if text == "" {
		return storage.Article{}, fmt.Errorf("page %s has no readable text", link)
	}

	return storage.Article{
		ID:        ArticleID(link),
		Source:    u.Host,
		Title:     title,
		URL:       link,
		Text:      text,
		FetchedAt: f.now(),
	}, nil
}

func (f *Fetcher) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, feedTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("page %s returned %s", pageURL, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}
