package aifeed

import (
	"errors"
	"io"
	"net/http"

	"github.com/adriannowak/ai-feed/internal/feeds"
	"github.com/adriannowak/ai-feed/internal/notify"
	"github.com/adriannowak/ai-feed/internal/scoring"
	"github.com/adriannowak/ai-feed/internal/storage"
	"github.com/rs/zerolog"
)

// Signal is a like (+1) or dislike (-1).
type Signal = storage.Signal

const (
	Like    = storage.Like
	Dislike = storage.Dislike
)

// ErrUnknownUser is returned for user IDs that are not configured.
var ErrUnknownUser = errors.New("unknown user")

// Options adjusts how the engine is wired. The zero value uses the
// configured Telegram bot, or the console when no bot token is set.
type Options struct {
	Logger zerolog.Logger

	// Dispatcher replaces the configured notification channel.
	Dispatcher notify.Dispatcher

	// Console is where console notifications go; defaults to stdout. When
	// Telegram is configured, setting it echoes every notification here too.
	Console io.Writer

	// HTTPClient is used for Ollama calls; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// PollResult summarizes one fetch-and-score cycle.
type PollResult struct {
	Feeds feeds.PollResult
	Runs  []*scoring.Report
}

// Notified counts notify=true decisions across all runs.
func (r *PollResult) Notified() int {
	n := 0
	for _, run := range r.Runs {
		n += run.Notified
	}
	return n
}
