package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

const trackedPage = `<!DOCTYPE html>
<html>
<head>
  <title>Fallback title</title>
  <meta property="og:title" content="Speculative decoding &amp; you">
  <script>var tracking = "should not appear";</script>
</head>
<body>
  <nav>Home | About | Subscribe</nav>
  <article>
    <h1>Speculative decoding</h1>
    <p>Draft models propose tokens   that a larger model verifies.</p>
    <p>It cuts <em>latency</em> for LLM inference.</p>
  </article>
  <footer>Copyright nobody</footer>
</body>
</html>`

func TestFetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(trackedPage))
	}))
	defer srv.Close()

	f := NewFetcher(nil, 10, zerolog.Nop())
	a, err := f.FetchPage(context.Background(), srv.URL+"/post/?utm_source=x#top")
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}

	if a.URL != srv.URL+"/post" {
		t.Errorf("url = %q, want canonical", a.URL)
	}
	if a.ID != ArticleID(CanonicalURL(srv.URL+"/post")) {
		t.Errorf("id = %q, not derived from the canonical URL", a.ID)
	}
	if a.Title != "Speculative decoding & you" {
		t.Errorf("title = %q", a.Title)
	}
	if !strings.Contains(a.Text, "Draft models propose tokens that a larger model verifies.") {
		t.Errorf("text = %q", a.Text)
	}
	if !strings.Contains(a.Text, "latency for LLM inference") {
		t.Errorf("inline markup not flattened: %q", a.Text)
	}
	for _, junk := range []string{"tracking", "Subscribe", "Copyright", "<p>"} {
		if strings.Contains(a.Text, junk) {
			t.Errorf("text contains %q: %q", junk, a.Text)
		}
	}
}

func TestFetchPageFallsBackToTitleAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title> Plain page </title></head><body><div>Just some text.</div></body></html>`))
	}))
	defer srv.Close()

	a, err := NewFetcher(nil, 10, zerolog.Nop()).FetchPage(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if a.Title != "Plain page" || a.Text != "Just some text." {
		t.Errorf("article = %+v", a)
	}
}

func TestFetchPageErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/empty":
			w.Write([]byte(`<html><body><script>x()</script></body></html>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(nil, 10, zerolog.Nop())
	for name, target := range map[string]string{
		"not found": srv.URL + "/missing",
		"no text":   srv.URL + "/empty",
		"scheme":    "ftp://example.com/file",
		"relative":  "/just/a/path",
	} {
		if _, err := f.FetchPage(context.Background(), target); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
