package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adriannowak/ai-feed/internal/profile"
	"github.com/adriannowak/ai-feed/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// promptTitleLimit caps liked/disliked titles shown in the warm prompt.
	promptTitleLimit = 10
	promptTextLimit  = 2000
	maxTopics        = 5
	maxRationale     = 500

	defaultBackoff    = 500 * time.Millisecond
	maxBackoff        = 10 * time.Second
	malformedRetries  = 1
	defaultRetryCount = 3
)

// ErrMalformedVerdict is returned when the model's reply has no usable
// verdict object.
var ErrMalformedVerdict = errors.New("malformed verdict")

// Verdict is the judge's decision for one article. A degraded verdict is
// always not relevant.
type Verdict struct {
	Relevant  bool
	Rationale string
	Score     *float64
	Topics    []string
	Degraded  bool
	Attempts  int
	Err       error
}

// JudgeError records why the judge gave up on an item.
type JudgeError struct {
	ItemID   string
	Attempts int
	Err      error
}

func (e *JudgeError) Error() string {
	return fmt.Sprintf("judge %s: gave up after %d attempts: %v", e.ItemID, e.Attempts, e.Err)
}

func (e *JudgeError) Unwrap() error { return e.Err }

// JudgeOptions tunes retries and timeouts. Zero values pick defaults, except
// RetryCount where a negative value disables transport retries.
type JudgeOptions struct {
	Keywords   []string
	RetryCount int
	Timeout    time.Duration
	Backoff    time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
	Logger     zerolog.Logger
}

// Judge asks a language model whether an article is worth notifying about.
// It denies by default: anything short of a valid "relevant": true is a no.
type Judge struct {
	gen      Generator
	prompts  *PromptLoader
	keywords []string
	retries  int
	timeout  time.Duration
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger
}

// NewJudge creates a Judge.
func NewJudge(gen Generator, prompts *PromptLoader, opts JudgeOptions) *Judge {
	j := &Judge{
		gen:      gen,
		prompts:  prompts,
		keywords: opts.Keywords,
		retries:  opts.RetryCount,
		timeout:  opts.Timeout,
		backoff:  opts.Backoff,
		sleep:    opts.Sleep,
		logger:   opts.Logger,
	}
	if j.retries == 0 {
		j.retries = defaultRetryCount
	} else if j.retries < 0 {
		j.retries = 0
	}
	if j.backoff <= 0 {
		j.backoff = defaultBackoff
	}
	if j.sleep == nil {
		j.sleep = sleepContext
	}
	return j
}

// judgePromptData is the template input for both judge prompts.
type judgePromptData struct {
	Title          string
	Source         string
	URL            string
	Text           string
	Keywords       []string
	LikedTopics    []string
	LikedTitles    []string
	DislikedTitles []string
}

// Judge scores one article against the profile. It never returns an error:
// failures produce a degraded, not-relevant verdict carrying a *JudgeError.
func (j *Judge) Judge(ctx context.Context, article storage.Article, p *profile.Profile) Verdict {
	prompt, err := j.render(article, p)
	if err != nil {
		return j.giveUp(article.ID, 0, err)
	}

	malformedLeft := malformedRetries
	transportLeft := j.retries
	attempts := 0
	var lastErr error

	for {
		attempts++
		raw, err := j.generate(ctx, prompt)
		if err == nil {
			v, perr := parseVerdict(raw)
			if perr == nil {
				v.Attempts = attempts
				return v
			}
			lastErr = perr
			if malformedLeft == 0 {
				break
			}
			malformedLeft--
			j.logger.Debug().Err(perr).Str("item_id", article.ID).Msg("judge: malformed verdict, retrying")
		} else {
			lastErr = err
			if ctx.Err() != nil || transportLeft == 0 {
				break
			}
			transportLeft--
			j.logger.Debug().Err(err).Str("item_id", article.ID).Int("attempt", attempts).Msg("judge: transport error, retrying")
		}

		if err := j.sleep(ctx, j.delay(attempts)); err != nil {
			lastErr = err
			break
		}
	}
	return j.giveUp(article.ID, attempts, lastErr)
}

func (j *Judge) giveUp(itemID string, attempts int, err error) Verdict {
	jerr := &JudgeError{ItemID: itemID, Attempts: attempts, Err: err}
	j.logger.Warn().Err(err).Str("item_id", itemID).Int("attempts", attempts).Msg("judge degraded, denying")

	reason := "judge unavailable"
	if errors.Is(err, ErrMalformedVerdict) {
		reason = "judge returned no usable verdict"
	}
	return Verdict{
		Relevant:  false,
		Rationale: reason,
		Degraded:  true,
		Attempts:  attempts,
		Err:       jerr,
	}
}

func (j *Judge) generate(ctx context.Context, prompt string) (string, error) {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	return j.gen.Generate(ctx, prompt)
}

// delay is exponential in the attempt number, capped at maxBackoff.
func (j *Judge) delay(attempt int) time.Duration {
	d := j.backoff
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

func (j *Judge) render(a storage.Article, p *profile.Profile) (string, error) {
	data := judgePromptData{
		Title:    a.Title,
		Source:   a.Source,
		URL:      a.URL,
		Text:     truncateText(a.Text, promptTextLimit),
		Keywords: j.keywords,
	}
	promptType := PromptTypeJudgeCold
	if p != nil && p.PromptMode == profile.Personalized {
		promptType = PromptTypeJudgeWarm
		data.LikedTopics = p.LikedTopics
		data.LikedTitles = recentFirst(p.LikedTitles, promptTitleLimit)
		data.DislikedTitles = recentFirst(p.DislikedTitles, promptTitleLimit)
	}
	return j.prompts.Render(promptType, data)
}

// recentFirst returns up to n entries from the end of titles, newest first.
func recentFirst(titles []string, n int) []string {
	start := max(len(titles)-n, 0)
	out := make([]string, 0, len(titles)-start)
	for i := len(titles) - 1; i >= start; i-- {
		out = append(out, titles[i])
	}
	return out
}

type rawVerdict struct {
	Relevant  *bool    `json:"relevant"`
	Score     *float64 `json:"score"`
	Topics    []string `json:"topics"`
	Reason    string   `json:"reason"`
	Rationale string   `json:"rationale"`
}

// parseVerdict validates a model reply. "relevant" is mandatory; score is
// clamped to [0, 100]; topics are trimmed and capped.
func parseVerdict(text string) (Verdict, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Verdict{}, fmt.Errorf("%w: empty response", ErrMalformedVerdict)
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	if raw.Relevant == nil {
		return Verdict{}, fmt.Errorf("%w: missing \"relevant\"", ErrMalformedVerdict)
	}

	v := Verdict{Relevant: *raw.Relevant}
	if raw.Score != nil {
		s := min(max(*raw.Score, 0), 100)
		v.Score = &s
	}
	for _, t := range raw.Topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		v.Topics = append(v.Topics, t)
		if len(v.Topics) == maxTopics {
			break
		}
	}
	v.Rationale = strings.TrimSpace(raw.Reason)
	if v.Rationale == "" {
		v.Rationale = strings.TrimSpace(raw.Rationale)
	}
	v.Rationale = truncateText(v.Rationale, maxRationale)
	return v, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
