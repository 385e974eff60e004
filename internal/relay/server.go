// Package relay receives feedback from outside the process: Telegram button
// callbacks and signed one-click links.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"github.com/adriannowak/ai-feed/internal/notify"
	"github.com/adriannowak/ai-feed/internal/storage"
	"github.com/rs/zerolog"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// FeedbackRecorder persists a single like/dislike.
type FeedbackRecorder interface {
	RecordFeedback(ctx context.Context, userID, itemID string, signal storage.Signal) error
}

// CallbackAnswerer acknowledges a Telegram button press.
type CallbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Config wires the relay handlers.
type Config struct {
	Recorder FeedbackRecorder
	Signer   *Signer          // nil disables /feedback/{token}
	Answerer CallbackAnswerer // nil skips answerCallbackQuery
	Chats    map[string]string
	Secret   string
	Logger   zerolog.Logger
}

type handlers struct {
	cfg Config
}

// NewHandler returns the relay's routes wrapped in logging and recovery.
func NewHandler(cfg Config) http.Handler {
	h := &handlers{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /telegram/webhook", h.handleWebhook)
	mux.HandleFunc("GET /feedback/{token}", h.handleFeedbackConfirm)
	mux.HandleFunc("POST /feedback/{token}", h.handleFeedbackLink)

	return logging(cfg.Logger, recovery(cfg.Logger, mux))
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type telegramUpdate struct {
	UpdateID      int64          `json:"update_id"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type callbackQuery struct {
	ID      string `json:"id"`
	Data    string `json:"data"`
	From    chat   `json:"from"`
	Message *struct {
		Chat chat `json:"chat"`
	} `json:"message"`
}

type chat struct {
	ID int64 `json:"id"`
}

func (q *callbackQuery) chatID() string {
	if q.Message != nil && q.Message.Chat.ID != 0 {
		return strconv.FormatInt(q.Message.Chat.ID, 10)
	}
	return strconv.FormatInt(q.From.ID, 10)
}

// handleWebhook turns a like/dislike button press into a feedback event.
// Anything Telegram should not retry gets a 200; storage failures get a 500
// so the update is redelivered.
func (h *handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Secret != "" {
		got := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.Secret)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var update telegramUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&update); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	q := update.CallbackQuery
	if q == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	logger := h.cfg.Logger.With().Int64("update_id", update.UpdateID).Logger()

	signal, itemID, err := notify.ParseCallbackData(q.Data)
	if err != nil {
		logger.Warn().Err(err).Msg("ignoring callback")
		h.answer(r.Context(), logger, q.ID, "Unknown action")
		w.WriteHeader(http.StatusOK)
		return
	}

	userID, ok := h.cfg.Chats[q.chatID()]
	if !ok {
		logger.Warn().Str("chat_id", q.chatID()).Msg("callback from unknown chat")
		h.answer(r.Context(), logger, q.ID, "Not authorized")
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.cfg.Recorder.RecordFeedback(r.Context(), userID, itemID, signal); err != nil {
		logger.Error().Err(err).Str("item_id", itemID).Msg("failed to record feedback")
		if storage.IsStorageError(err) {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		h.answer(r.Context(), logger, q.ID, "Could not record feedback")
		w.WriteHeader(http.StatusOK)
		return
	}

	logger.Info().Str("user_id", userID).Str("item_id", itemID).Str("signal", signal.String()).Msg("feedback recorded")
	h.answer(r.Context(), logger, q.ID, thanks(signal))
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) answer(ctx context.Context, logger zerolog.Logger, callbackID, text string) {
	if h.cfg.Answerer == nil || callbackID == "" {
		return
	}
	if err := h.cfg.Answerer.AnswerCallback(ctx, callbackID, text); err != nil {
		logger.Warn().Err(err).Msg("answerCallbackQuery failed")
	}
}

var feedbackPage = template.Must(template.New("feedback").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><meta name="robots" content="noindex"><title>aifeed</title></head>
<body><p>{{.Message}}</p>{{if .Button}}
<form method="post"><button type="submit">{{.Button}}</button></form>{{end}}
</body></html>
`))

type page struct {
	Message string
	Button  string
}

// verify resolves the link token, writing the error page itself on failure.
func (h *handlers) verify(w http.ResponseWriter, r *http.Request) (*FeedbackClaims, bool) {
	if h.cfg.Signer == nil {
		http.NotFound(w, r)
		return nil, false
	}
	claims, err := h.cfg.Signer.Verify(r.PathValue("token"))
	if err != nil {
		h.cfg.Logger.Debug().Err(err).Msg("rejected feedback link")
		renderPage(w, http.StatusBadRequest, page{Message: "This link is invalid or has expired."})
		return nil, false
	}
	return claims, true
}

// handleFeedbackConfirm only shows a confirmation form. Link previews and
// prefetchers issue GETs, so nothing is recorded here.
func (h *handlers) handleFeedbackConfirm(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.verify(w, r)
	if !ok {
		return
	}
	p := page{Message: "Record your feedback on this article?", Button: "Less like this"}
	if storage.Signal(claims.Signal) == storage.Like {
		p.Button = "More like this"
	}
	renderPage(w, http.StatusOK, p)
}

// handleFeedbackLink records the signal carried by a signed link.
func (h *handlers) handleFeedbackLink(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.verify(w, r)
	if !ok {
		return
	}

	signal := storage.Signal(claims.Signal)
	if err := h.cfg.Recorder.RecordFeedback(r.Context(), claims.User, claims.Item, signal); err != nil {
		h.cfg.Logger.Error().Err(err).Str("item_id", claims.Item).Msg("failed to record feedback")
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		renderPage(w, status, page{Message: "Could not record feedback."})
		return
	}

	h.cfg.Logger.Info().Str("user_id", claims.User).Str("item_id", claims.Item).Str("signal", signal.String()).Msg("feedback recorded")
	renderPage(w, http.StatusOK, page{Message: thanks(signal)})
}

func renderPage(w http.ResponseWriter, status int, p page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	feedbackPage.Execute(w, p)
}

func thanks(s storage.Signal) string {
	if s == storage.Like {
		return "Thanks! More like this."
	}
	return "Got it. Fewer like this."
}
