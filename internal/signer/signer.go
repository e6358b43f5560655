package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"venue-connector/internal/core"
	"venue-connector/internal/timesync"
)

// Credentials are constructed once per venue session and never mutated.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
	Clock      timesync.Source
}

type Request struct {
	Method       string
	Path         string
	Params       *Params
	Body         []byte
	AuthRequired bool
	// Endpoint identifies the request for rate-limit accounting.
	Endpoint string
	Header   http.Header
}

func (r Request) clone() Request {
	out := r
	out.Params = r.Params.Clone()
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	return out
}

// Scheme computes the signature header value of a request whose params
// already carry the timestamp.
type Scheme func(key []byte, req Request) (string, error)

type Options struct {
	TimestampParam   string
	APIKeyHeader     string
	SignatureHeader  string
	PassphraseHeader string
	// DecodeSecret turns the configured secret into the MAC key. Defaults to its raw bytes.
	DecodeSecret func(secret string) ([]byte, error)
	// Scheme defaults to HexHMACSHA256.
	Scheme Scheme
}

func (o Options) withDefaults() Options {
	if o.TimestampParam == "" {
		o.TimestampParam = "timestamp"
	}
	if o.APIKeyHeader == "" {
		o.APIKeyHeader = "API-Key"
	}
	if o.SignatureHeader == "" {
		o.SignatureHeader = "API-Sign"
	}
	if o.PassphraseHeader == "" {
		o.PassphraseHeader = "API-Passphrase"
	}
	if o.DecodeSecret == nil {
		o.DecodeSecret = func(secret string) ([]byte, error) { return []byte(secret), nil }
	}
	if o.Scheme == nil {
		o.Scheme = HexHMACSHA256
	}
	return o
}

type Signer struct {
	creds Credentials
	key   []byte
	opts  Options
}

func New(creds Credentials, opts Options) (*Signer, error) {
	creds.APIKey = strings.TrimSpace(creds.APIKey)
	creds.Secret = strings.TrimSpace(creds.Secret)
	if creds.APIKey == "" {
		return nil, &core.ConfigurationError{Field: "api_key", Reason: "required"}
	}
	if creds.Secret == "" {
		return nil, &core.ConfigurationError{Field: "api_secret", Reason: "required"}
	}
	if creds.Clock == nil {
		return nil, &core.ConfigurationError{Field: "clock", Reason: "time source required"}
	}
	opts = opts.withDefaults()
	key, err := opts.DecodeSecret(creds.Secret)
	if err != nil {
		return nil, &core.ConfigurationError{Field: "api_secret", Reason: err.Error()}
	}
	return &Signer{creds: creds, key: key, opts: opts}, nil
}

// Sign returns a copy of req carrying the timestamp parameter and the signature
// headers. Requests that need no authentication pass through unchanged.
func (s *Signer) Sign(req Request) (Request, error) {
	if !req.AuthRequired {
		return req, nil
	}
	if s == nil || s.creds.APIKey == "" || s.creds.Secret == "" {
		return Request{}, &core.ConfigurationError{Field: "credentials", Reason: "signing key material missing"}
	}
	out := req.clone()
	ts := s.creds.Clock.CurrentTimeMillis()
	out.Params.Set(s.opts.TimestampParam, strconv.FormatInt(ts, 10))
	out.Header.Set(s.opts.APIKeyHeader, s.creds.APIKey)
	sig, err := s.opts.Scheme(s.key, out)
	if err != nil {
		return Request{}, fmt.Errorf("sign %s: %w", req.Endpoint, err)
	}
	out.Header.Set(s.opts.SignatureHeader, sig)
	if s.creds.Passphrase != "" {
		out.Header.Set(s.opts.PassphraseHeader, s.creds.Passphrase)
	}
	return out, nil
}

// HexHMACSHA256 signs the encoded params.
func HexHMACSHA256(key []byte, req Request) (string, error) {
	return Signature(string(key), req.Params.Encode()), nil
}

// Signature is the hex HMAC-SHA256 of payload keyed by secret.
func Signature(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
