package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/adriannowak/ai-feed/internal/storage"
)

// LinkSigner builds a one-click feedback URL.
type LinkSigner interface {
	FeedbackURL(userID, itemID string, signal storage.Signal) (string, error)
}

// Console prints notifications to a writer, with signed feedback links when
// a LinkSigner is configured. Used when no chat channel is set up.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	links LinkSigner
}

// NewConsole creates a console dispatcher. links may be nil.
func NewConsole(w io.Writer, links LinkSigner) *Console {
	return &Console{w: w, links: links}
}

// Dispatch writes the notification block.
func (c *Console) Dispatch(_ context.Context, n Notification) error {
	var b strings.Builder
	b.WriteString("╔════════════════════════════════════════════════════════════════════════\n")
	fmt.Fprintf(&b, "║ 🔔 %s → %s\n", n.Article.Title, n.UserID)
	b.WriteString("╠════════════════════════════════════════════════════════════════════════\n")
	if n.Article.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", n.Article.Source)
	}
	if s := scoreLabel(n.Decision); s != "" {
		fmt.Fprintf(&b, "Relevance: %s\n", s)
	}
	if len(n.Decision.Topics) > 0 {
		fmt.Fprintf(&b, "Topics: %s\n", strings.Join(n.Decision.Topics, ", "))
	}
	if n.Decision.Rationale != "" {
		fmt.Fprintf(&b, "Why: %s\n", truncate(n.Decision.Rationale, 300))
	}
	fmt.Fprintf(&b, "URL: %s\n", n.Article.URL)

	if c.links != nil {
		like, err := c.links.FeedbackURL(n.UserID, n.Article.ID, storage.Like)
		if err != nil {
			return fmt.Errorf("sign like link: %w", err)
		}
		dislike, err := c.links.FeedbackURL(n.UserID, n.Article.ID, storage.Dislike)
		if err != nil {
			return fmt.Errorf("sign dislike link: %w", err)
		}
		fmt.Fprintf(&b, "👍 %s\n👎 %s\n", like, dislike)
	} else {
		fmt.Fprintf(&b, "Feedback: aifeed feedback %s like|dislike\n", n.Article.ID)
	}
	b.WriteString("╚════════════════════════════════════════════════════════════════════════\n")

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := io.WriteString(c.w, b.String()); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

// truncate truncates a string to maxLen bytes without splitting a rune
func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && s[maxLen]&0xC0 == 0x80 {
		maxLen--
	}
	return s[:maxLen] + "..."
}
