package dispatcher

import (
	"time"

	"golang.org/x/time/rate"
)

// EndpointLimit allows Requests per Window; the full window may be consumed as a burst.
type EndpointLimit struct {
	Requests int
	Window   time.Duration
}

func (l EndpointLimit) valid() bool {
	return l.Requests > 0 && l.Window > 0
}

func (l EndpointLimit) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(l.Window/time.Duration(l.Requests)), l.Requests)
}

// limiterFor returns the limiter of an endpoint, creating it lazily. Endpoints
// without a configured limit fall back to the default; nil means unlimited.
func (d *Dispatcher) limiterFor(endpoint string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lim, ok := d.limiters[endpoint]; ok {
		return lim
	}
	limit, ok := d.limits[endpoint]
	if !ok {
		limit = d.defaultLimit
	}
	var lim *rate.Limiter
	if limit.valid() {
		lim = limit.newLimiter()
	}
	d.limiters[endpoint] = lim
	return lim
}
