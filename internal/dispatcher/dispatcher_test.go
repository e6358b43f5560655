package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"venue-connector/internal/core"
	"venue-connector/internal/signer"
)

type transportFunc func(ctx context.Context, req signer.Request) (Response, error)

func (f transportFunc) Send(ctx context.Context, req signer.Request) (Response, error) {
	return f(ctx, req)
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum time.Duration
	for _, w := range s.waits {
		sum += w
	}
	return sum
}

func newTestDispatcher(t *testing.T, tr Transport, sleep *sleepRecorder) *Dispatcher {
	t.Helper()
	opts := Options{Transport: tr}
	if sleep != nil {
		opts.Sleep = sleep.sleep
	}
	d, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func addOrderRequest() signer.Request {
	return signer.Request{
		Method:   http.MethodPost,
		Path:     "/0/private/AddOrder",
		Endpoint: "AddOrder",
		Params:   signer.NewParams().Set("userref", "7"),
	}
}

func TestExecuteExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	tr := transportFunc(func(context.Context, signer.Request) (Response, error) {
		calls.Add(1)
		return Response{}, &StatusError{Status: 502, Body: "bad gateway"}
	})
	rec := &sleepRecorder{}
	d := newTestDispatcher(t, tr, rec)

	base := 10 * time.Millisecond
	_, err := d.Execute(context.Background(), addOrderRequest(), RetryPolicy{MaxAttempts: 4, BaseInterval: base})
	var failed *core.RequestFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Execute() error = %v, want RequestFailedError", err)
	}
	if failed.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4", failed.Attempts)
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("transport calls = %d, want 4", got)
	}
	// base * (2^0 + 2^1 + 2^2 + 2^3)
	if got, want := rec.total(), 15*base; got != want {
		t.Fatalf("total backoff = %s, want %s", got, want)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != 502 {
		t.Fatalf("last error = %v, want status 502", failed.Last)
	}
}

func TestExecuteFatalReturnsImmediately(t *testing.T) {
	var calls atomic.Int32
	tr := transportFunc(func(context.Context, signer.Request) (Response, error) {
		calls.Add(1)
		return Response{}, &StatusError{Status: 400, Body: "bad request"}
	})
	rec := &sleepRecorder{}
	d := newTestDispatcher(t, tr, rec)

	_, err := d.Execute(context.Background(), addOrderRequest(), RetryPolicy{MaxAttempts: 5, BaseInterval: time.Second})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Execute() error = %v, want StatusError", err)
	}
	if calls.Load() != 1 || len(rec.waits) != 0 {
		t.Fatalf("calls=%d sleeps=%d, want 1 call and no sleep", calls.Load(), len(rec.waits))
	}
}

func TestExecuteRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	tr := transportFunc(func(context.Context, signer.Request) (Response, error) {
		if calls.Add(1) < 3 {
			return Response{}, errors.New("HTTP status is 1020. Access denied")
		}
		return Response{Status: 200, Body: []byte(`{"error":[],"result":{}}`)}, nil
	})
	rec := &sleepRecorder{}
	d := newTestDispatcher(t, tr, rec)

	resp, err := d.Execute(context.Background(), addOrderRequest(), RetryPolicy{MaxAttempts: 5, BaseInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != 200 || resp.Confirmed {
		t.Fatalf("resp = %+v, want plain 200", resp)
	}
	if len(rec.waits) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(rec.waits))
	}
}

func TestExecuteConfirmBeforeRetry(t *testing.T) {
	var calls, confirms atomic.Int32
	tr := transportFunc(func(context.Context, signer.Request) (Response, error) {
		calls.Add(1)
		return Response{}, &StatusError{Status: 520}
	})
	d := newTestDispatcher(t, tr, &sleepRecorder{})

	policy := RetryPolicy{
		MaxAttempts:  5,
		BaseInterval: time.Millisecond,
		Confirm: func(context.Context) (Response, bool, error) {
			confirms.Add(1)
			return Response{Status: 200, Body: []byte(`{"txid":"O-1"}`)}, true, nil
		},
	}
	resp, err := d.Execute(context.Background(), addOrderRequest(), policy)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.Confirmed {
		t.Fatalf("resp.Confirmed = false, want true")
	}
	if calls.Load() != 1 || confirms.Load() != 1 {
		t.Fatalf("calls=%d confirms=%d, want 1/1", calls.Load(), confirms.Load())
	}
}

func TestExecuteConfirmNotFoundKeepsRetrying(t *testing.T) {
	var calls, confirms atomic.Int32
	tr := transportFunc(func(context.Context, signer.Request) (Response, error) {
		calls.Add(1)
		return Response{}, &StatusError{Status: 503}
	})
	d := newTestDispatcher(t, tr, &sleepRecorder{})
	policy := RetryPolicy{
		MaxAttempts:  3,
		BaseInterval: time.Millisecond,
		Confirm: func(context.Context) (Response, bool, error) {
			confirms.Add(1)
			return Response{}, false, nil
		},
	}
	_, err := d.Execute(context.Background(), addOrderRequest(), policy)
	var failed *core.RequestFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Execute() error = %v, want RequestFailedError", err)
	}
	if calls.Load() != 3 || confirms.Load() != 3 {
		t.Fatalf("calls=%d confirms=%d, want 3/3", calls.Load(), confirms.Load())
	}
}

func TestExecuteRateLimitTimeout(t *testing.T) {
	tr := transportFunc(func(context.Context, signer.Request) (Response, error) {
		return Response{Status: 200}, nil
	})
	d, err := New(Options{
		Transport: tr,
		Limits:    map[string]EndpointLimit{"AddOrder": {Requests: 1, Window: time.Hour}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := d.Execute(context.Background(), addOrderRequest(), RetryPolicy{}); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = d.Execute(ctx, addOrderRequest(), RetryPolicy{})
	if !errors.Is(err, core.ErrRateLimitTimeout) {
		t.Fatalf("second Execute() error = %v, want ErrRateLimitTimeout", err)
	}

	// Limits are per endpoint.
	other := addOrderRequest()
	other.Endpoint = "QueryOrders"
	if _, err := d.Execute(context.Background(), other, RetryPolicy{}); err != nil {
		t.Fatalf("other endpoint Execute() error = %v", err)
	}
}

func TestExecuteAbandonedRequestDiscardsResult(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	tr := transportFunc(func(ctx context.Context, _ signer.Request) (Response, error) {
		defer close(finished)
		<-release
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{Status: 200}, nil
	})
	d := newTestDispatcher(t, tr, &sleepRecorder{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Execute(ctx, addOrderRequest(), RetryPolicy{MaxAttempts: 3})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute() error = %v, want deadline exceeded", err)
	}
	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("detached request did not complete")
	}
}

func TestExecuteSignsEveryAttempt(t *testing.T) {
	var calls atomic.Int32
	var seen []string
	var mu sync.Mutex
	tr := transportFunc(func(_ context.Context, req signer.Request) (Response, error) {
		mu.Lock()
		seen = append(seen, req.Params.Get("timestamp"))
		mu.Unlock()
		if calls.Add(1) == 1 {
			return Response{}, &StatusError{Status: 500}
		}
		return Response{Status: 200}, nil
	})
	var ts atomic.Int64
	ts.Store(100)
	s, err := signer.New(signer.Credentials{APIKey: "k", Secret: "s", Clock: clockFunc(func() int64 { return ts.Add(1) })}, signer.Options{})
	if err != nil {
		t.Fatalf("signer.New() error = %v", err)
	}
	d, err := New(Options{Transport: tr, Signer: s, Sleep: (&sleepRecorder{}).sleep})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	req := addOrderRequest()
	req.AuthRequired = true
	if _, err := d.Execute(context.Background(), req, RetryPolicy{MaxAttempts: 2}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(seen) != 2 || seen[0] == seen[1] || seen[0] == "" {
		t.Fatalf("timestamps = %v, want two distinct values", seen)
	}
	if req.Params.Has("timestamp") {
		t.Fatalf("caller request mutated")
	}
}

type clockFunc func() int64

func (f clockFunc) CurrentTimeMillis() int64 { return f() }

func TestDefaultClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"5xx", &StatusError{Status: 502}, Retryable},
		{"10xx", &StatusError{Status: 1015}, Retryable},
		{"4xx", &StatusError{Status: 404}, Fatal},
		{"proxy text", errors.New("HTTP status is 524. timeout"), Retryable},
		{"transient", errors.Join(errors.New("EService:Busy"), core.ErrTransient), Retryable},
		{"eof", io.ErrUnexpectedEOF, Retryable},
		{"canceled", context.Canceled, Fatal},
		{"transport deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), Retryable},
		{"rejected", &core.VenueRejectedError{Reasons: []string{"EOrder:Insufficient funds"}}, Fatal},
	}
	for _, tt := range tests {
		if got := DefaultClassify(tt.err); got != tt.want {
			t.Errorf("%s: DefaultClassify() = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func slowHandler(calls *atomic.Int32, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}
}

func TestHTTPTransportClientTimeoutIsRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(slowHandler(&calls, 500*time.Millisecond))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.URL, 50*time.Millisecond).Send(context.Background(), signer.Request{Method: http.MethodGet, Path: "/0/public/Time"})
	if err == nil {
		t.Fatalf("Send() error = nil, want client timeout")
	}
	if got := DefaultClassify(err); got != Retryable {
		t.Fatalf("DefaultClassify(%v) = %s, want retryable", err, got)
	}
}

func TestExecuteConfirmsAfterClientTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(slowHandler(&calls, 500*time.Millisecond))
	defer srv.Close()

	d := newTestDispatcher(t, NewHTTPTransport(srv.URL, 50*time.Millisecond), &sleepRecorder{})
	var confirms atomic.Int32
	policy := RetryPolicy{
		MaxAttempts:  3,
		BaseInterval: time.Millisecond,
		Confirm: func(context.Context) (Response, bool, error) {
			confirms.Add(1)
			return Response{}, false, nil
		},
	}
	resp, err := d.Execute(context.Background(), addOrderRequest(), policy)
	if err != nil {
		t.Fatalf("Execute() error = %v, want retry after the timed out attempt", err)
	}
	if !strings.Contains(string(resp.Body), "ok") {
		t.Fatalf("body = %s", resp.Body)
	}
	if confirms.Load() != 1 {
		t.Fatalf("confirm calls = %d, want 1 after the timeout", confirms.Load())
	}
	if calls.Load() != 2 {
		t.Fatalf("server calls = %d, want 2", calls.Load())
	}
}

func TestHTTPTransportEncodesParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.RawQuery != "pair=XBTUSD" {
				t.Errorf("query = %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			if string(body) != "userref=7&timestamp=1" {
				t.Errorf("body = %q", body)
			}
			if r.Header.Get("API-Key") != "k" {
				t.Errorf("API-Key header = %q", r.Header.Get("API-Key"))
			}
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("<html>bad gateway</html>"))
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, time.Second)
	resp, err := tr.Send(context.Background(), signer.Request{Method: http.MethodGet, Path: "/0/public/Ticker", Params: signer.NewParams().Set("pair", "XBTUSD")})
	if err != nil {
		t.Fatalf("Send(GET) error = %v", err)
	}
	if !strings.Contains(string(resp.Body), "ok") {
		t.Fatalf("body = %s", resp.Body)
	}

	header := http.Header{}
	header.Set("API-Key", "k")
	_, err = tr.Send(context.Background(), signer.Request{
		Method: http.MethodPost,
		Path:   "/0/private/AddOrder",
		Params: signer.NewParams().Set("userref", "7").Set("timestamp", "1"),
		Header: header,
	})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusBadGateway {
		t.Fatalf("Send(POST) error = %v, want 502 StatusError", err)
	}
	if DefaultClassify(err) != Retryable {
		t.Fatalf("502 classified as fatal")
	}
}
