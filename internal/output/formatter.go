package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/adriannowak/ai-feed/internal/feeds"
	"github.com/adriannowak/ai-feed/internal/profile"
	"github.com/adriannowak/ai-feed/internal/scoring"
	"github.com/adriannowak/ai-feed/internal/storage"
)

type Format string

const (
	FormatJSON  Format = "json"
	FormatText  Format = "text"
	FormatHuman Format = "human"
)

// ParseFormat validates a --format flag value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSON, FormatText, FormatHuman:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want json, text or human)", s)
}

type Formatter struct {
	format Format
	out    io.Writer
	err    io.Writer
}

// NewFormatter creates a new output formatter
func NewFormatter(format Format) *Formatter {
	return &Formatter{
		format: format,
		out:    os.Stdout,
		err:    os.Stderr,
	}
}

// NewFormatterWithWriters creates a formatter with custom output writers for testability
func NewFormatterWithWriters(format Format, out, errW io.Writer) *Formatter {
	return &Formatter{
		format: format,
		out:    out,
		err:    errW,
	}
}

// DecisionView is the serialized form of a decision.
type DecisionView struct {
	ItemID      string     `json:"item_id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title,omitempty"`
	URL         string     `json:"url,omitempty"`
	Notify      bool       `json:"notify"`
	Phase       string     `json:"phase"`
	Similarity  *float64   `json:"similarity,omitempty"`
	Score       *float64   `json:"score,omitempty"`
	Topics      []string   `json:"topics,omitempty"`
	Rationale   string     `json:"rationale"`
	Degraded    bool       `json:"degraded,omitempty"`
	RunID       string     `json:"run_id"`
	DecidedAt   time.Time  `json:"decided_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// NewDecisionView joins a decision with its article, if known.
func NewDecisionView(d storage.Decision, a *storage.Article) DecisionView {
	v := DecisionView{
		ItemID:      d.ItemID,
		UserID:      d.UserID,
		Notify:      d.Notify,
		Phase:       d.Phase,
		Similarity:  d.Similarity,
		Score:       d.Score,
		Topics:      d.Topics,
		Rationale:   d.Rationale,
		Degraded:    d.Degraded,
		RunID:       d.RunID,
		DecidedAt:   d.DecidedAt,
		DeliveredAt: d.DeliveredAt,
	}
	if a != nil {
		v.Title = a.Title
		v.URL = a.URL
	}
	return v
}

// PollSummary combines the feed poll with the scoring runs it triggered.
type PollSummary struct {
	Feeds       int       `json:"feeds"`
	NotModified int       `json:"not_modified"`
	FeedErrors  int       `json:"feed_errors"`
	Entries     int       `json:"entries"`
	NewArticles int       `json:"new_articles"`
	Runs        []RunView `json:"runs,omitempty"`
}

// RunView is the serialized form of a scoring run.
type RunView struct {
	RunID          string         `json:"run_id"`
	UserID         string         `json:"user_id"`
	Phase          string         `json:"phase"`
	Fallback       bool           `json:"fallback,omitempty"`
	Candidates     int            `json:"candidates"`
	AlreadyDecided int            `json:"already_decided"`
	Prefiltered    int            `json:"prefiltered"`
	EmbedFailed    int            `json:"embed_failed"`
	Judged         int            `json:"judged"`
	Degraded       int            `json:"degraded"`
	Notified       int            `json:"notified"`
	Delivered      int            `json:"delivered"`
	DispatchFailed int            `json:"dispatch_failed"`
	Redelivered    int            `json:"redelivered"`
	Duration       string         `json:"duration"`
	Decisions      []DecisionView `json:"decisions,omitempty"`
}

// NewRunView flattens a report. articles supplies titles for the decisions.
func NewRunView(r *scoring.Report, articles map[string]storage.Article) RunView {
	v := RunView{
		RunID:          r.RunID,
		UserID:         r.UserID,
		Phase:          r.Phase.String(),
		Fallback:       r.Fallback,
		Candidates:     r.Candidates,
		AlreadyDecided: r.AlreadyDecided,
		Prefiltered:    r.Prefiltered,
		EmbedFailed:    r.EmbedFailed,
		Judged:         r.Judged,
		Degraded:       r.Degraded,
		Notified:       r.Notified,
		Delivered:      r.Delivered,
		DispatchFailed: r.DispatchFailed,
		Redelivered:    r.Redelivered,
		Duration:       r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	}
	for _, d := range r.Decisions {
		var a *storage.Article
		if art, ok := articles[d.ItemID]; ok {
			a = &art
		}
		v.Decisions = append(v.Decisions, NewDecisionView(d, a))
	}
	return v
}

// NewPollSummary builds the poll output. poll may be nil for score-only runs.
func NewPollSummary(poll *feeds.PollResult, runs []RunView) *PollSummary {
	s := &PollSummary{Runs: runs}
	if poll != nil {
		s.Feeds = poll.Feeds
		s.NotModified = poll.NotModified
		s.FeedErrors = poll.Failed
		s.Entries = poll.Entries
		s.NewArticles = poll.NewArticles
	}
	return s
}

// OutputPollSummary outputs a poll or score run in the configured format
func (f *Formatter) OutputPollSummary(s *PollSummary) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(s)
	case FormatText:
		fmt.Fprintf(f.out, "feeds=%d\tnot_modified=%d\tfeed_errors=%d\tentries=%d\tnew_articles=%d\n",
			s.Feeds, s.NotModified, s.FeedErrors, s.Entries, s.NewArticles)
		for _, r := range s.Runs {
			fmt.Fprintf(f.out, "run=%s\tuser=%s\tphase=%s\tcandidates=%d\tjudged=%d\tprefiltered=%d\tnotified=%d\tdegraded=%d\n",
				r.RunID, r.UserID, r.Phase, r.Candidates, r.Judged, r.Prefiltered, r.Notified, r.Degraded)
		}
		return nil
	case FormatHuman:
		if s.Feeds > 0 {
			fmt.Fprintf(f.out, "Polled %d feeds (%d not modified, %d failed): %d new articles\n",
				s.Feeds, s.NotModified, s.FeedErrors, s.NewArticles)
		}
		for _, r := range s.Runs {
			mode := r.Phase
			if r.Fallback {
				mode += ", fallback"
			}
			fmt.Fprintf(f.out, "%s [%s]: %d candidates, %d judged, %d pre-filtered, %d notified",
				r.UserID, mode, r.Candidates, r.Judged, r.Prefiltered, r.Notified)
			if r.Degraded > 0 {
				fmt.Fprintf(f.out, ", %d judge failures", r.Degraded)
			}
			if r.DispatchFailed > 0 {
				fmt.Fprintf(f.out, ", %d undelivered", r.DispatchFailed)
			}
			fmt.Fprintf(f.out, " (%s)\n", r.Duration)
			for _, d := range r.Decisions {
				if d.Notify {
					fmt.Fprintf(f.out, "  🔔 %s\n     %s\n", displayTitle(d), d.URL)
				}
			}
		}
		if len(s.Runs) == 0 && s.Feeds == 0 {
			fmt.Fprintln(f.out, "Nothing to do")
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputDecisions outputs a decision history
func (f *Formatter) OutputDecisions(decisions []DecisionView) error {
	switch f.format {
	case FormatJSON:
		if decisions == nil {
			decisions = []DecisionView{}
		}
		return json.NewEncoder(f.out).Encode(decisions)
	case FormatText:
		for _, d := range decisions {
			fmt.Fprintf(f.out, "id=%s\tnotify=%t\tphase=%s\tsimilarity=%s\tscore=%s\tdecided=%s\ttitle=%s\n",
				d.ItemID, d.Notify, d.Phase, formatFloat(d.Similarity, "%.3f"), formatFloat(d.Score, "%.0f"),
				d.DecidedAt.Format(time.RFC3339), d.Title)
		}
		return nil
	case FormatHuman:
		if len(decisions) == 0 {
			fmt.Fprintln(f.out, "No decisions yet")
			return nil
		}
		for _, d := range decisions {
			mark := "  "
			if d.Notify {
				mark = "🔔"
			}
			fmt.Fprintf(f.out, "%s %s  %s\n", mark, d.DecidedAt.Format("2006-01-02 15:04"), displayTitle(d))
			meta := []string{d.Phase}
			if d.Similarity != nil {
				meta = append(meta, fmt.Sprintf("similarity %.2f", *d.Similarity))
			}
			if d.Score != nil {
				meta = append(meta, fmt.Sprintf("score %.0f", *d.Score))
			}
			if d.Degraded {
				meta = append(meta, "degraded")
			}
			fmt.Fprintf(f.out, "   %s · %s\n", d.ItemID, strings.Join(meta, " · "))
			if d.Rationale != "" {
				fmt.Fprintf(f.out, "   %s\n", truncate(d.Rationale, 200))
			}
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

type profileJSON struct {
	UserID         string   `json:"user_id"`
	Phase          string   `json:"phase"`
	PromptMode     string   `json:"prompt_mode"`
	Threshold      int      `json:"warm_threshold"`
	PositiveCount  int      `json:"positive_count"`
	NegativeCount  int      `json:"negative_count"`
	EventCount     int      `json:"event_count"`
	Embeddings     int      `json:"liked_embeddings"`
	LikedItemIDs   []string `json:"liked_item_ids"`
	LikedTopics    []string `json:"liked_topics,omitempty"`
	TrackedCount   int      `json:"tracked_count"`
	LikedTitles    []string `json:"liked_titles,omitempty"`
	DislikedTitles []string `json:"disliked_titles,omitempty"`
}

// OutputProfile outputs a user's current preference profile
func (f *Formatter) OutputProfile(p *profile.Profile, threshold int) error {
	switch f.format {
	case FormatJSON:
		liked := p.LikedItemIDs
		if liked == nil {
			liked = []string{}
		}
		return json.NewEncoder(f.out).Encode(profileJSON{
			UserID:         p.UserID,
			Phase:          p.Phase.String(),
			PromptMode:     string(p.PromptMode),
			Threshold:      threshold,
			PositiveCount:  p.PositiveCount,
			NegativeCount:  p.NegativeCount,
			EventCount:     p.EventCount,
			Embeddings:     len(p.LikedEmbeddings),
			LikedItemIDs:   liked,
			LikedTopics:    p.LikedTopics,
			TrackedCount:   p.TrackedCount,
			LikedTitles:    p.LikedTitles,
			DislikedTitles: p.DislikedTitles,
		})
	case FormatText:
		fmt.Fprintf(f.out, "user=%s\tphase=%s\tprompt=%s\tlikes=%d\tdislikes=%d\tevents=%d\tembeddings=%d\ttracked=%d\n",
			p.UserID, p.Phase, p.PromptMode, p.PositiveCount, p.NegativeCount, p.EventCount, len(p.LikedEmbeddings), p.TrackedCount)
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "User: %s\n", p.UserID)
		fmt.Fprintf(f.out, "Phase: %s (%s prompt)\n", p.Phase, p.PromptMode)
		fmt.Fprintf(f.out, "Likes: %d  Dislikes: %d  Events: %d\n", p.PositiveCount, p.NegativeCount, p.EventCount)
		if p.Phase == profile.Cold {
			remaining := threshold - p.PositiveCount
			if remaining > 0 {
				fmt.Fprintf(f.out, "%d more likes until personalized scoring\n", remaining)
			}
		} else {
			fmt.Fprintf(f.out, "Liked embeddings: %d\n", len(p.LikedEmbeddings))
		}
		if p.TrackedCount > 0 {
			fmt.Fprintf(f.out, "Tracked pages: %d\n", p.TrackedCount)
		}
		if len(p.LikedTopics) > 0 {
			fmt.Fprintf(f.out, "Topics: %s\n", strings.Join(p.LikedTopics, ", "))
		}
		if len(p.LikedTitles) > 0 {
			fmt.Fprintln(f.out, "\nLiked:")
			for _, t := range p.LikedTitles {
				fmt.Fprintf(f.out, "  👍 %s\n", t)
			}
		}
		if len(p.DislikedTitles) > 0 {
			fmt.Fprintln(f.out, "\nDisliked:")
			for _, t := range p.DislikedTitles {
				fmt.Fprintf(f.out, "  👎 %s\n", t)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputFeedback confirms a recorded feedback signal
func (f *Formatter) OutputFeedback(userID, itemID string, signal storage.Signal) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(map[string]string{
			"user_id": userID,
			"item_id": itemID,
			"signal":  signal.String(),
		})
	case FormatText:
		fmt.Fprintf(f.out, "feedback\tuser=%s\tid=%s\tsignal=%s\n", userID, itemID, signal)
		return nil
	case FormatHuman:
		icon := "👍"
		if signal == storage.Dislike {
			icon = "👎"
		}
		fmt.Fprintf(f.out, "%s Recorded %s for %s\n", icon, signal, itemID)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputTracked confirms a tracked page. inserted is false when the page
// was already tracked.
func (f *Formatter) OutputTracked(t *storage.TrackedArticle, inserted bool) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(map[string]any{
			"user_id":  t.UserID,
			"item_id":  t.ItemID,
			"url":      t.URL,
			"title":    t.Title,
			"inserted": inserted,
		})
	case FormatText:
		fmt.Fprintf(f.out, "tracked\tuser=%s\tid=%s\tinserted=%t\turl=%s\n", t.UserID, t.ItemID, inserted, t.URL)
		return nil
	case FormatHuman:
		if !inserted {
			fmt.Fprintf(f.out, "Already tracking %s\n", t.Title)
			return nil
		}
		fmt.Fprintf(f.out, "📌 Tracking %s\n   %s\n", t.Title, t.URL)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// DigestView is the serialized form of a digest run.
type DigestView struct {
	UserID         string `json:"user_id"`
	Day            string `json:"day"`
	Items          int    `json:"items"`
	Created        bool   `json:"created"`
	Delivered      bool   `json:"delivered"`
	DispatchFailed bool   `json:"dispatch_failed,omitempty"`
	Skipped        string `json:"skipped,omitempty"`
}

// NewDigestView flattens a digest report.
func NewDigestView(r *scoring.DigestReport) DigestView {
	return DigestView{
		UserID:         r.UserID,
		Day:            r.Day,
		Items:          r.Items,
		Created:        r.Created,
		Delivered:      r.Delivered,
		DispatchFailed: r.DispatchFailed,
		Skipped:        r.Skipped,
	}
}

// OutputDigests outputs the outcome of digest runs
func (f *Formatter) OutputDigests(digests []DigestView) error {
	switch f.format {
	case FormatJSON:
		if digests == nil {
			digests = []DigestView{}
		}
		return json.NewEncoder(f.out).Encode(digests)
	case FormatText:
		for _, d := range digests {
			fmt.Fprintf(f.out, "digest\tuser=%s\tday=%s\titems=%d\tcreated=%t\tdelivered=%t\tskipped=%s\n",
				d.UserID, d.Day, d.Items, d.Created, d.Delivered, d.Skipped)
		}
		return nil
	case FormatHuman:
		if len(digests) == 0 {
			fmt.Fprintln(f.out, "No digests")
			return nil
		}
		for _, d := range digests {
			switch {
			case d.Skipped != "":
				fmt.Fprintf(f.out, "%s %s: skipped, %s\n", d.UserID, d.Day, d.Skipped)
			case d.DispatchFailed:
				fmt.Fprintf(f.out, "%s %s: %d items, delivery failed (will retry)\n", d.UserID, d.Day, d.Items)
			default:
				fmt.Fprintf(f.out, "📰 %s %s: %d items sent\n", d.UserID, d.Day, d.Items)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// Error outputs an error message to stderr
func (f *Formatter) Error(format string, args ...any) {
	fmt.Fprintf(f.err, format+"\n", args...)
}

// Warning outputs a warning message to stderr
func (f *Formatter) Warning(format string, args ...any) {
	fmt.Fprintf(f.err, "Warning: "+format+"\n", args...)
}

func displayTitle(d DecisionView) string {
	if d.Title != "" {
		return d.Title
	}
	return d.ItemID
}

func formatFloat(v *float64, layout string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(layout, *v)
}

// truncate truncates a string to maxLen runes
func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
