package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

const (
	telegramDefaultBaseURL = "https://api.telegram.org"
	// Bot API rejects longer texts.
	telegramMaxMessageRunes = 4096
)

// TelegramNotifier posts alerts to one chat through the Bot API sendMessage method.
type TelegramNotifier struct {
	endpoint string
	chatID   string
	client   *http.Client
}

var _ Notifier = (*TelegramNotifier)(nil)

func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = telegramDefaultBaseURL
	}
	return &TelegramNotifier{
		endpoint: base + "/bot" + botToken + "/sendMessage",
		chatID:   chatID,
		client:   &http.Client{Timeout: timeout},
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                t.chatID,
		Text:                  truncateRunes(msg, telegramMaxMessageRunes),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		return fmt.Errorf("telegram send: %w", stripURL(err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed sendMessageResponse
	decodeErr := json.Unmarshal(body, &parsed)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("telegram status=429 retry_after=%ds", parsed.Parameters.RetryAfter)
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	case decodeErr != nil || len(body) == 0:
		return nil
	case !parsed.OK:
		return fmt.Errorf("telegram api error %d: %s", parsed.ErrorCode, strings.TrimSpace(parsed.Description))
	}
	return nil
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err
	}
	return err
}
