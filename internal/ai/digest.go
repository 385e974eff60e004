package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DigestTemperature is the default sampling temperature for daily briefs.
const DigestTemperature = 0.3

const digestSummaryLen = 500

// DigestItem is one alerted article offered to the daily brief.
type DigestItem struct {
	Title   string
	Source  string
	URL     string
	Summary string
	Topics  []string
	Score   float64
}

// Digester writes the daily brief for a user's best alerts.
type Digester struct {
	gen     Generator
	prompts *PromptLoader
	timeout time.Duration
}

// NewDigester creates a Digester. A zero timeout leaves the context as is.
func NewDigester(gen Generator, prompts *PromptLoader, timeout time.Duration) *Digester {
	return &Digester{gen: gen, prompts: prompts, timeout: timeout}
}

// Brief asks the model for a plain-text briefing over items.
func (d *Digester) Brief(ctx context.Context, day string, items []DigestItem) (string, error) {
	if len(items) == 0 {
		return "", errors.New("no articles to brief")
	}

	data := struct {
		Day   string
		Items []DigestItem
	}{Day: day, Items: make([]DigestItem, len(items))}
	for i, item := range items {
		item.Summary = truncateText(strings.TrimSpace(item.Summary), digestSummaryLen)
		data.Items[i] = item
	}

	prompt, err := d.prompts.Render(PromptTypeDigest, data)
	if err != nil {
		return "", fmt.Errorf("failed to render digest prompt: %w", err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	out, err := d.gen.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("daily digest failed: %w", err)
	}
	brief := strings.TrimSpace(out)
	if brief == "" {
		return "", errors.New("daily digest failed: empty response")
	}
	return brief, nil
}
