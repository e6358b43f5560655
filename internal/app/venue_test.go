package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"venue-connector/internal/config"
	"venue-connector/internal/timesync"
)

func TestNewVenueSignsPrivateRequests(t *testing.T) {
	var (
		mu       sync.Mutex
		apiKey   string
		apiSign  string
		nonce    string
		postData string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/0/public/Time":
			_, _ = w.Write([]byte(`{"error":[],"result":{"unixtime":1700000000}}`))
		case "/0/private/Balance":
			body, _ := io.ReadAll(r.Body)
			form, _ := url.ParseQuery(string(body))
			mu.Lock()
			apiKey = r.Header.Get("API-Key")
			apiSign = r.Header.Get("API-Sign")
			nonce = form.Get("nonce")
			postData = string(body)
			mu.Unlock()
			_, _ = w.Write([]byte(`{"error":[],"result":{"XXBT":"0.5","ZUSD":"1200.25"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg, err := config.Parse([]byte(`
venue:
  api_key: key-1
  api_secret: c2VjcmV0LTE=
  rest_base_url: ` + srv.URL + `
`))
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}
	venue, err := NewVenue(cfg, timesync.NewSynchronizer(), nil, nil)
	if err != nil {
		t.Fatalf("NewVenue() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	at, err := venue.ServerTime(ctx)
	if err != nil {
		t.Fatalf("ServerTime() error = %v", err)
	}
	if at.Unix() != 1700000000 {
		t.Fatalf("ServerTime() = %s", at)
	}
	balances, err := venue.Balances(ctx)
	if err != nil {
		t.Fatalf("Balances() error = %v", err)
	}
	if balances["BTC"].String() != "0.5" || balances["USD"].String() != "1200.25" {
		t.Fatalf("Balances() = %v", balances)
	}

	mu.Lock()
	defer mu.Unlock()
	if apiKey != "key-1" || nonce == "" {
		t.Fatalf("private request headers key=%q nonce=%q", apiKey, nonce)
	}
	digest := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, []byte("secret-1"))
	mac.Write([]byte("/0/private/Balance"))
	mac.Write(digest[:])
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); apiSign != want {
		t.Fatalf("API-Sign = %q, want %q", apiSign, want)
	}
}

func TestNewVenueRequiresCredentials(t *testing.T) {
	if _, err := NewVenue(config.Config{}, timesync.NewSynchronizer(), nil, nil); err == nil {
		t.Fatalf("NewVenue() error = nil, want missing credentials")
	}
}
