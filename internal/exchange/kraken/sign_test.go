package kraken

import (
	"errors"
	"net/http"
	"testing"

	"venue-connector/internal/core"
	"venue-connector/internal/signer"
)

type fixedNonce int64

func (n fixedNonce) CurrentTimeMillis() int64 { return int64(n) }

// Published API-Sign example for AddOrder.
const (
	exampleSecret = "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg=="
	exampleSign   = "4/dpxb3iT4tp/ZCVEwSnEsLxx0bqyhLpdfOpc6fn7OR8+UClSV5n9E6aSS8MPtnRfp32bAb0nmbRn6H8ndwLUQ=="
)

func TestAPISignMatchesPublishedExample(t *testing.T) {
	s, err := signer.New(signer.Credentials{APIKey: "key", Secret: exampleSecret, Clock: fixedNonce(1616492376594)}, SignerOptions())
	if err != nil {
		t.Fatalf("signer.New() error = %v", err)
	}
	params := signer.NewParams().
		Set("nonce", "").
		Set("ordertype", "limit").
		Set("pair", "XBTUSD").
		Set("price", "37500").
		Set("type", "buy").
		Set("volume", "1.25")
	signed, err := s.Sign(signer.Request{
		Method:       http.MethodPost,
		Path:         "/0/private/AddOrder",
		Params:       params,
		AuthRequired: true,
		Endpoint:     EndpointAddOrder,
	})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if got, want := signed.Params.Encode(), "nonce=1616492376594&ordertype=limit&pair=XBTUSD&price=37500&type=buy&volume=1.25"; got != want {
		t.Fatalf("Encode() = %q, want %q", got, want)
	}
	if got := signed.Header.Get("API-Sign"); got != exampleSign {
		t.Fatalf("API-Sign = %q, want %q", got, exampleSign)
	}
}

func TestSignerOptionsRejectNonBase64Secret(t *testing.T) {
	_, err := signer.New(signer.Credentials{APIKey: "key", Secret: "not-base64!", Clock: fixedNonce(1)}, SignerOptions())
	var cfgErr *core.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("signer.New() error = %v, want ConfigurationError", err)
	}
}
