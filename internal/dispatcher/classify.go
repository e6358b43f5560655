package dispatcher

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"

	"venue-connector/internal/core"
)

type Class int

const (
	Fatal Class = iota
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

type Classifier func(error) Class

var edgeProxyStatus = regexp.MustCompile(`HTTP status is (5|10)\d\d\.`)

// IsEdgeProxyStatus reports 5xx and 10xx statuses, the signature of edge-proxy failures.
func IsEdgeProxyStatus(status int) bool {
	return (status >= 500 && status <= 599) || (status >= 1000 && status <= 1099)
}

// DefaultClassify treats edge-proxy statuses, network failures and timeouts and
// errors marked core.ErrTransient as retryable; everything else is fatal.
// Execute handles the caller's own deadline before classifying, so a deadline
// seen here belongs to the transport.
func DefaultClassify(err error) Class {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if IsEdgeProxyStatus(statusErr.Status) {
			return Retryable
		}
		return Fatal
	}
	if errors.Is(err, core.ErrTransient) {
		return Retryable
	}
	if edgeProxyStatus.MatchString(err.Error()) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return Retryable
	}
	return Fatal
}
