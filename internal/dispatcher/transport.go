package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"venue-connector/internal/signer"
)

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// Confirmed marks a response produced by a confirm query instead of the original request.
	Confirmed bool
}

// Transport sends one signed request and returns the raw response.
type Transport interface {
	Send(ctx context.Context, req signer.Request) (Response, error)
}

// StatusError is returned for non-2xx responses. The message keeps the
// "HTTP status is NNN." form that edge-proxy classification matches on.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("HTTP status is %d. %s", e.Status, body)
}

type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Send(ctx context.Context, req signer.Request) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	urlStr := t.baseURL + req.Path
	var body io.Reader
	encoded := req.Params.Encode()
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded != "" {
			urlStr += "?" + encoded
		}
	} else if req.Body != nil {
		body = bytes.NewReader(req.Body)
	} else {
		body = strings.NewReader(encoded)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return Response{}, err
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil && req.Body == nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	if resp.StatusCode/100 != 2 {
		return Response{}, &StatusError{Status: resp.StatusCode, Body: string(data)}
	}
	return Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
