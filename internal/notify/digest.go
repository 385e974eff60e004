package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/adriannowak/ai-feed/internal/storage"
)

// telegramMaxText is the Bot API limit for one message.
const telegramMaxText = 4096

// Digest is the once-a-day brief over a user's best alerts.
type Digest struct {
	UserID   string
	Day      string
	Brief    string
	Articles []storage.Article
}

// DigestDispatcher delivers a daily digest.
type DigestDispatcher interface {
	DispatchDigest(ctx context.Context, d Digest) error
}

// DispatchDigest writes the brief and the article links.
func (c *Console) DispatchDigest(_ context.Context, d Digest) error {
	var b strings.Builder
	b.WriteString("╔════════════════════════════════════════════════════════════════════════\n")
	fmt.Fprintf(&b, "║ 📰 Daily digest %s → %s\n", d.Day, d.UserID)
	b.WriteString("╠════════════════════════════════════════════════════════════════════════\n")
	b.WriteString(strings.TrimSpace(d.Brief))
	b.WriteString("\n\n")
	for _, a := range d.Articles {
		fmt.Fprintf(&b, "- %s\n  %s\n", a.Title, a.URL)
	}
	b.WriteString("╚════════════════════════════════════════════════════════════════════════\n")

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := io.WriteString(c.w, b.String()); err != nil {
		return fmt.Errorf("failed to send digest: %w", err)
	}
	return nil
}

// DispatchDigest posts the brief as one message without feedback buttons.
func (t *Telegram) DispatchDigest(ctx context.Context, d Digest) error {
	chatID, ok := t.chats[d.UserID]
	if !ok || chatID == "" {
		return fmt.Errorf("telegram: no chat configured for user %s", d.UserID)
	}
	return t.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:                chatID,
		Text:                  t.digestText(d),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
}

func (t *Telegram) digestText(d Digest) string {
	header := fmt.Sprintf("<b>Daily digest %s</b>\n\n", t.policy.Sanitize(d.Day))
	return header + truncate(t.policy.Sanitize(d.Brief), telegramMaxText-len(header)-len("..."))
}

// DispatchDigest sends to every member that can carry a digest. Like
// Dispatch, it fails only when all of them fail.
func (m Multi) DispatchDigest(ctx context.Context, d Digest) error {
	var (
		errs  []error
		tried int
	)
	for _, member := range m {
		dd, ok := member.(DigestDispatcher)
		if !ok {
			continue
		}
		tried++
		if err := dd.DispatchDigest(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	if tried == 0 {
		return errors.New("no dispatcher can deliver digests")
	}
	if len(errs) == tried {
		return errors.Join(errs...)
	}
	return nil
}
