// Package notify delivers notify=true decisions to users and parses the
// like/dislike replies that come back.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adriannowak/ai-feed/internal/storage"
)

// Notification is one article to push to one user.
type Notification struct {
	UserID   string
	Article  storage.Article
	Decision storage.Decision
}

// Dispatcher hands a notification to its channel. A returned error means the
// user did not get it; the decision stays pending for redelivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// ErrBadCallback is returned for callback data not produced by CallbackData.
var ErrBadCallback = errors.New("malformed feedback callback")

// CallbackData encodes a feedback button payload, e.g. "like:3f2a9c...".
func CallbackData(signal storage.Signal, itemID string) string {
	return signal.String() + ":" + itemID
}

// ParseCallbackData decodes a CallbackData payload.
func ParseCallbackData(data string) (storage.Signal, string, error) {
	action, itemID, ok := strings.Cut(data, ":")
	if !ok || itemID == "" {
		return 0, "", fmt.Errorf("%w: %q", ErrBadCallback, data)
	}
	signal, err := storage.ParseSignal(action)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q", ErrBadCallback, data)
	}
	return signal, itemID, nil
}

// Multi fans a notification out to several dispatchers. It fails only when
// every dispatcher fails.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	if len(m) > 0 && len(errs) == len(m) {
		return errors.Join(errs...)
	}
	return nil
}

func scoreLabel(d storage.Decision) string {
	if d.Score == nil {
		return ""
	}
	return fmt.Sprintf("score %.0f", *d.Score)
}
