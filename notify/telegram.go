// Package notify delivers operator alerts through the Telegram Bot API.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/aluiziolira/stockwatch/config"
	"github.com/aluiziolira/stockwatch/models"
)

const captionLimit = 1024

// Telegram sends change, summary, and error alerts. When the bot token or
// chat id is missing, sends are skipped with a log line instead of failing
// the cycle: notification trouble must never stop the watcher.
type Telegram struct {
	cfg     config.Telegram
	client  *http.Client
	apiBase string
}

// NewTelegram builds a notifier. client may be nil for the default.
func NewTelegram(cfg config.Telegram, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{}
	}
	return &Telegram{
		cfg:     cfg,
		client:  client,
		apiBase: "https://api.telegram.org",
	}
}

// WithAPIBase points the notifier at a different Bot API host. Used by tests.
func (t *Telegram) WithAPIBase(base string) {
	t.apiBase = strings.TrimRight(base, "/")
}

// Configured reports whether the main alert channel is usable.
func (t *Telegram) Configured() bool {
	return strings.TrimSpace(t.cfg.BotToken) != "" && strings.TrimSpace(t.cfg.ChatID) != ""
}

// NotifyChange sends one alert for an availability transition. In-stock
// transitions may carry a page screenshot; delivery falls back to text when
// the photo upload fails.
func (t *Telegram) NotifyChange(ctx context.Context, ev models.ChangeEvent) error {
	if !t.Configured() {
		slog.Warn("telegram change alert skipped: bot token or chat id not configured")
		return nil
	}

	var text string
	if ev.InStock() {
		text = fmt.Sprintf("%s is back in stock @ pincode %s\n\nProduct link:\n%s", ev.Title, ev.Pincode, ev.Product.URL)
	} else {
		text = fmt.Sprintf("%s (@ pincode %s): %s -> %s\n\n%s", ev.Title, ev.Pincode, verdictLabel(ev.Previous), ev.Current, ev.Product.URL)
	}

	if ev.InStock() && t.cfg.SendScreenshot && len(ev.Screenshot) > 0 {
		caption := fmt.Sprintf("%s is in stock @ pincode %s\n\n%s", ev.Title, ev.Pincode, ev.Product.URL)
		if err := t.sendPhoto(ctx, t.cfg.ChatID, caption, ev.Screenshot); err == nil {
			return nil
		} else {
			slog.Warn("telegram photo failed, sending text", slog.Any("error", err))
		}
	}
	return t.sendMessage(ctx, t.cfg.ChatID, text, t.cfg.TopicID)
}

// NotifySummary sends one aggregated message listing every product that came
// back in stock this cycle. Sent in addition to the per-event alerts.
func (t *Telegram) NotifySummary(ctx context.Context, events []models.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	if !t.Configured() {
		slog.Warn("telegram summary skipped: bot token or chat id not configured")
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Back in stock (%d):\n", len(events))
	for _, ev := range events {
		fmt.Fprintf(&b, "\n• %s @ pincode %s\n%s\n", ev.Title, ev.Pincode, ev.Product.URL)
	}
	return t.sendMessage(ctx, t.cfg.ChatID, b.String(), t.cfg.TopicID)
}

// NotifyError alerts the error channel about one failing key. A missing
// error chat id disables these alerts.
func (t *Telegram) NotifyError(ctx context.Context, product models.Product, pincode, reason string) error {
	chatID := strings.TrimSpace(t.cfg.ErrorChatID)
	if chatID == "" || strings.TrimSpace(t.cfg.BotToken) == "" {
		return nil
	}

	title := product.FallbackTitle()
	if title == "" {
		title = "Unknown"
	}
	text := fmt.Sprintf("stockwatch – ERROR\n\nProduct: %s", title)
	if pincode != "" {
		text += fmt.Sprintf("\nPincode: %s", pincode)
	}
	if reason == "" {
		reason = "Check failed"
	}
	text += fmt.Sprintf("\nError: %s", reason)
	if product.URL != "" {
		text += fmt.Sprintf("\n\nLink:\n%s", product.URL)
	}
	// Error alerts carry no topic; they go straight to the error chat.
	return t.sendMessage(ctx, chatID, text, "")
}

// SendTest delivers one verification message so operators can confirm the
// bot, chat, and topic are wired correctly.
func (t *Telegram) SendTest(ctx context.Context) error {
	if !t.Configured() {
		return fmt.Errorf("telegram not configured: set bot token and chat id")
	}
	return t.sendMessage(ctx, t.cfg.ChatID, "Test from stockwatch – if you see this, alerts are working.", t.cfg.TopicID)
}

func (t *Telegram) sendMessage(ctx context.Context, chatID, text, topicID string) error {
	form := url.Values{
		"chat_id": {chatID},
		"text":    {text},
	}
	if strings.TrimSpace(topicID) != "" {
		form.Set("message_thread_id", strings.TrimSpace(topicID))
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return t.do(req)
}

func (t *Telegram) sendPhoto(ctx context.Context, chatID, caption string, photo []byte) error {
	if len(caption) > captionLimit {
		caption = caption[:captionLimit]
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("chat_id", chatID); err != nil {
		return fmt.Errorf("encode photo form: %w", err)
	}
	if err := mw.WriteField("caption", caption); err != nil {
		return fmt.Errorf("encode photo form: %w", err)
	}
	if topic := strings.TrimSpace(t.cfg.TopicID); topic != "" {
		if err := mw.WriteField("message_thread_id", topic); err != nil {
			return fmt.Errorf("encode photo form: %w", err)
		}
	}
	part, err := mw.CreateFormFile("photo", "screenshot.png")
	if err != nil {
		return fmt.Errorf("encode photo form: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("encode photo form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("encode photo form: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendPhoto", t.apiBase, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return t.do(req)
}

func (t *Telegram) do(req *http.Request) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("telegram status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func verdictLabel(v models.Verdict) string {
	if v == models.VerdictNone {
		return "none"
	}
	return string(v)
}
