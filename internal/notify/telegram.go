package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adriannowak/ai-feed/internal/storage"
	"github.com/microcosm-cc/bluemonday"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram sends notifications through the Bot API with like/dislike
// buttons. The button callbacks come back through the relay webhook.
type Telegram struct {
	botToken string
	apiURL   string
	chats    map[string]string // user ID -> chat ID
	client   *http.Client
	policy   *bluemonday.Policy
}

// NewTelegram creates the dispatcher. chats maps user IDs to chat IDs; an
// empty apiURL uses the public Bot API.
func NewTelegram(botToken, apiURL string, chats map[string]string) *Telegram {
	if apiURL == "" {
		apiURL = defaultTelegramAPI
	}
	return &Telegram{
		botToken: botToken,
		apiURL:   strings.TrimRight(apiURL, "/"),
		chats:    chats,
		client:   &http.Client{Timeout: 10 * time.Second},
		policy:   bluemonday.StrictPolicy(),
	}
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID                string          `json:"chat_id"`
	Text                  string          `json:"text"`
	ParseMode             string          `json:"parse_mode"`
	DisableWebPagePreview bool            `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           *inlineKeyboard `json:"reply_markup,omitempty"`
}

type answerCallbackRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Dispatch posts the notification to the user's chat.
func (t *Telegram) Dispatch(ctx context.Context, n Notification) error {
	chatID, ok := t.chats[n.UserID]
	if !ok || chatID == "" {
		return fmt.Errorf("telegram: no chat configured for user %s", n.UserID)
	}
	req := sendMessageRequest{
		ChatID:    chatID,
		Text:      t.messageText(n),
		ParseMode: "HTML",
		ReplyMarkup: &inlineKeyboard{InlineKeyboard: [][]inlineButton{{
			{Text: "👍", CallbackData: CallbackData(storage.Like, n.Article.ID)},
			{Text: "👎", CallbackData: CallbackData(storage.Dislike, n.Article.ID)},
		}}},
	}
	return t.call(ctx, "sendMessage", req)
}

// AnswerCallback acknowledges a button press so the client stops spinning.
func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return t.call(ctx, "answerCallbackQuery", answerCallbackRequest{CallbackQueryID: callbackID, Text: text})
}

func (t *Telegram) messageText(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", t.policy.Sanitize(n.Article.Title))

	var meta []string
	if n.Article.Source != "" {
		meta = append(meta, t.policy.Sanitize(n.Article.Source))
	}
	if s := scoreLabel(n.Decision); s != "" {
		meta = append(meta, s)
	}
	if len(meta) > 0 {
		fmt.Fprintf(&b, "<i>%s</i>\n", strings.Join(meta, " · "))
	}
	if n.Decision.Rationale != "" {
		fmt.Fprintf(&b, "%s\n", t.policy.Sanitize(truncate(n.Decision.Rationale, 300)))
	}
	if len(n.Decision.Topics) > 0 {
		fmt.Fprintf(&b, "#%s\n", t.policy.Sanitize(strings.Join(n.Decision.Topics, " #")))
	}
	b.WriteString(t.policy.Sanitize(n.Article.URL))
	return b.String()
}

func (t *Telegram) call(ctx context.Context, method string, payload any) error {
	if t.botToken == "" {
		return fmt.Errorf("telegram notifier misconfigured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: encode: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", t.apiURL, t.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: new request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		return fmt.Errorf("telegram %s: request failed", method)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("telegram %s: %s", method, resp.Status)
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		return fmt.Errorf("telegram %s: %s: %s", method, resp.Status, out.Description)
	}
	return nil
}
