package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"venue-connector/internal/core"
	"venue-connector/internal/logger"
	"venue-connector/internal/metrics"
	"venue-connector/internal/signer"
)

// RequestSigner is satisfied by *signer.Signer.
type RequestSigner interface {
	Sign(req signer.Request) (signer.Request, error)
}

// RetryPolicy controls one Execute call. Confirm, when set, is the read-only
// query run after a retryable failure to detect that the request took effect.
type RetryPolicy struct {
	MaxAttempts  int
	BaseInterval time.Duration
	Confirm      func(ctx context.Context) (Response, bool, error)
}

type Options struct {
	Transport      Transport
	Signer         RequestSigner
	Limits         map[string]EndpointLimit
	DefaultLimit   EndpointLimit
	Classify       Classifier
	RequestTimeout time.Duration
	Sleep          func(ctx context.Context, d time.Duration) error
	Log            logrus.FieldLogger
	Metrics        *metrics.Metrics
}

type Dispatcher struct {
	transport      Transport
	signer         RequestSigner
	classify       Classifier
	requestTimeout time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	log            logrus.FieldLogger
	metrics        *metrics.Metrics

	mu           sync.Mutex
	limits       map[string]EndpointLimit
	defaultLimit EndpointLimit
	limiters     map[string]*rate.Limiter
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Transport == nil {
		return nil, &core.ConfigurationError{Field: "transport", Reason: "required"}
	}
	d := &Dispatcher{
		transport:      opts.Transport,
		signer:         opts.Signer,
		classify:       opts.Classify,
		requestTimeout: opts.RequestTimeout,
		sleep:          opts.Sleep,
		log:            opts.Log,
		metrics:        opts.Metrics,
		limits:         make(map[string]EndpointLimit, len(opts.Limits)),
		defaultLimit:   opts.DefaultLimit,
		limiters:       make(map[string]*rate.Limiter),
	}
	for endpoint, limit := range opts.Limits {
		d.limits[endpoint] = limit
	}
	if d.classify == nil {
		d.classify = DefaultClassify
	}
	if d.requestTimeout <= 0 {
		d.requestTimeout = 30 * time.Second
	}
	if d.sleep == nil {
		d.sleep = sleepContext
	}
	if d.log == nil {
		d.log = logger.Nop()
	}
	d.log = logger.WithComponent(d.log, "dispatcher")
	return d, nil
}

// Execute sends req under the endpoint's rate limit, retrying retryable failures
// with exponential backoff. It never touches order state.
func (d *Dispatcher) Execute(ctx context.Context, req signer.Request, policy RetryPolicy) (Response, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = req.Path
	}
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := d.acquire(ctx, endpoint); err != nil {
			return Response{}, err
		}
		signed := req
		if d.signer != nil {
			var err error
			signed, err = d.signer.Sign(req)
			if err != nil {
				return Response{}, err
			}
		}
		start := time.Now()
		resp, err := d.send(ctx, endpoint, signed)
		if err == nil {
			d.metrics.ObserveRequest(endpoint, "ok", time.Since(start))
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			d.metrics.ObserveRequest(endpoint, "abandoned", time.Since(start))
			return Response{}, fmt.Errorf("%s: %w", endpoint, ctxErr)
		}
		class := d.classify(err)
		d.metrics.ObserveRequest(endpoint, class.String(), time.Since(start))
		if class == Fatal {
			return Response{}, err
		}
		last = err

		if policy.Confirm != nil {
			confirmed, found, cerr := policy.Confirm(ctx)
			switch {
			case cerr != nil:
				d.log.WithFields(logrus.Fields{"event": "confirm_failed", "endpoint": endpoint}).WithError(cerr).Warn("confirm query failed")
			case found:
				d.metrics.ObserveConfirm(endpoint, true)
				d.log.WithFields(logrus.Fields{"event": "request_confirmed", "endpoint": endpoint, "attempt": attempt + 1}).Info("request took effect despite failure")
				confirmed.Confirmed = true
				return confirmed, nil
			default:
				d.metrics.ObserveConfirm(endpoint, false)
			}
		}

		wait := policy.BaseInterval * time.Duration(int64(1)<<uint(attempt))
		d.metrics.ObserveRetry(endpoint)
		d.log.WithFields(logrus.Fields{
			"event":    "request_retry",
			"endpoint": endpoint,
			"attempt":  attempt + 1,
			"of":       attempts,
			"wait":     wait.String(),
		}).WithError(err).Warn("retryable request failure")
		if err := d.sleep(ctx, wait); err != nil {
			return Response{}, fmt.Errorf("%s: %w", endpoint, err)
		}
	}
	return Response{}, &core.RequestFailedError{Endpoint: endpoint, Attempts: attempts, Last: last}
}

func (d *Dispatcher) acquire(ctx context.Context, endpoint string) error {
	lim := d.limiterFor(endpoint)
	if lim == nil {
		return nil
	}
	start := time.Now()
	err := lim.Wait(ctx)
	d.metrics.ObserveLimiterWait(endpoint, time.Since(start))
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return fmt.Errorf("%w: endpoint %s", core.ErrRateLimitTimeout, endpoint)
}

type sendResult struct {
	resp Response
	err  error
}

// send runs the call detached from ctx cancellation so an in-flight request is
// never torn down half way; a result arriving after ctx ends is discarded.
func (d *Dispatcher) send(ctx context.Context, endpoint string, req signer.Request) (Response, error) {
	done := make(chan sendResult, 1)
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.requestTimeout)
	go func() {
		defer cancel()
		resp, err := d.transport.Send(sendCtx, req)
		done <- sendResult{resp: resp, err: err}
	}()
	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		go func() {
			r := <-done
			d.log.WithFields(logrus.Fields{
				"event":    "request_result_discarded",
				"endpoint": endpoint,
				"status":   r.resp.Status,
				"error":    errString(r.err),
			}).Warn("caller abandoned request; result discarded")
		}()
		return Response{}, ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
