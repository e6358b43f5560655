package app

import (
	"time"

	"github.com/sirupsen/logrus"

	"venue-connector/internal/config"
	"venue-connector/internal/dispatcher"
	"venue-connector/internal/exchange/kraken"
	"venue-connector/internal/metrics"
	"venue-connector/internal/signer"
	"venue-connector/internal/timesync"
)

// NewVenue wires signer, dispatcher and the Kraken client from cfg. Signing
// nonces come from clock.
func NewVenue(cfg config.Config, clock *timesync.Synchronizer, log logrus.FieldLogger, m *metrics.Metrics) (*kraken.Client, error) {
	sign, err := signer.New(signer.Credentials{
		APIKey: cfg.Venue.APIKey,
		Secret: cfg.Venue.APISecret,
		Clock:  clock,
	}, kraken.SignerOptions())
	if err != nil {
		return nil, err
	}
	transport := dispatcher.NewHTTPTransport(cfg.Venue.RestBaseURL, time.Duration(cfg.Venue.HTTPTimeoutSec)*time.Second)
	disp, err := dispatcher.New(dispatcher.Options{
		Transport:      kraken.NewTransport(transport),
		Signer:         sign,
		Limits:         cfg.RateLimits(),
		RequestTimeout: time.Duration(cfg.Dispatcher.RequestTimeoutSec) * time.Second,
		Log:            log,
		Metrics:        m,
	})
	if err != nil {
		return nil, err
	}
	return kraken.NewClient(disp, kraken.Options{
		WSURL:         cfg.Venue.WSBaseURL,
		MaxAttempts:   cfg.Dispatcher.MaxAttempts,
		RetryInterval: time.Duration(cfg.Dispatcher.RetryIntervalMs) * time.Millisecond,
		PingInterval:  time.Duration(cfg.Venue.WSPingSec) * time.Second,
		Log:           log,
	}), nil
}
