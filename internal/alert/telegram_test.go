package alert

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestTelegramNotifierPostsMessage(t *testing.T) {
	var got sendMessageRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("tok", "42", srv.URL+"/", time.Second)
	if err := n.Notify(context.Background(), "event: stream_disconnected"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if path != "/bottok/sendMessage" {
		t.Fatalf("path = %q, want /bottok/sendMessage", path)
	}
	if got.ChatID != "42" || got.Text != "event: stream_disconnected" {
		t.Fatalf("request = %+v", got)
	}
}

func TestTelegramNotifierReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	err := NewTelegramNotifier("tok", "42", srv.URL, time.Second).Notify(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("Notify() error = %v, want api error", err)
	}
}

func TestTelegramNotifierReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`unauthorized`))
	}))
	defer srv.Close()

	err := NewTelegramNotifier("tok", "42", srv.URL, time.Second).Notify(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "status=401") {
		t.Fatalf("Notify() error = %v, want status error", err)
	}
}

func TestTelegramNotifierRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"parameters":{"retry_after":7}}`))
	}))
	defer srv.Close()

	err := NewTelegramNotifier("tok", "42", srv.URL, time.Second).Notify(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "retry_after=7s") {
		t.Fatalf("Notify() error = %v, want retry hint", err)
	}
}

func TestTelegramNotifierTruncatesLongMessages(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	long := strings.Repeat("é", telegramMaxMessageRunes+10)
	if err := NewTelegramNotifier("tok", "42", srv.URL, time.Second).Notify(context.Background(), long); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if n := len([]rune(got.Text)); n != telegramMaxMessageRunes {
		t.Fatalf("text runes = %d, want %d", n, telegramMaxMessageRunes)
	}
	if !got.DisableWebPagePreview {
		t.Fatalf("web page preview not disabled")
	}
}
