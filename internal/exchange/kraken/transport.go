package kraken

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"venue-connector/internal/dispatcher"
	"venue-connector/internal/signer"
)

// envelopeTransport turns a non-empty envelope error list into an error so the
// dispatcher classifies venue-side service errors alongside transport failures.
type envelopeTransport struct {
	next dispatcher.Transport
}

func NewTransport(next dispatcher.Transport) dispatcher.Transport {
	return envelopeTransport{next: next}
}

func (t envelopeTransport) Send(ctx context.Context, req signer.Request) (dispatcher.Response, error) {
	resp, err := t.next.Send(ctx, req)
	if err != nil {
		return resp, err
	}
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return dispatcher.Response{}, fmt.Errorf("decode %s response: %w", req.Endpoint, err)
	}
	if len(env.Error) > 0 {
		return dispatcher.Response{}, wrapAPIError(env.Error)
	}
	return resp, nil
}

func decodeResult(body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	if len(env.Error) > 0 {
		return wrapAPIError(env.Error)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}
