package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"venue-connector/internal/signer"
)

const nonceParam = "nonce"

// SignerOptions configures the signer for private endpoints: a nonce parameter,
// the API-Key/API-Sign headers and the venue's API-Sign digest.
func SignerOptions() signer.Options {
	return signer.Options{
		TimestampParam:  nonceParam,
		APIKeyHeader:    "API-Key",
		SignatureHeader: "API-Sign",
		DecodeSecret:    decodeSecret,
		Scheme:          APISign,
	}
}

func decodeSecret(secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("secret is not base64: %w", err)
	}
	return key, nil
}

// APISign is base64(HMAC-SHA512(key, path + SHA256(nonce + postdata))).
func APISign(key []byte, req signer.Request) (string, error) {
	nonce := req.Params.Get(nonceParam)
	if nonce == "" {
		return "", fmt.Errorf("%s: missing %s", req.Path, nonceParam)
	}
	digest := sha256.Sum256([]byte(nonce + req.Params.Encode()))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(req.Path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
