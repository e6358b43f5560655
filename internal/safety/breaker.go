package safety

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"venue-connector/internal/alert"
	"venue-connector/internal/logger"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	ActionPlace     = "place order"
	ActionCancel    = "cancel order"
	ActionReconnect = "reconnect"
)

const (
	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

type Options struct {
	Enabled              bool
	MaxPlaceFailures     int
	MaxCancelFailures    int
	MaxReconnectFailures int
	// Cooldown is how long a tripped circuit rejects calls before letting a probe through.
	Cooldown time.Duration
	// HalfOpenSuccesses is the number of successful probes that close a reconnect circuit.
	HalfOpenSuccesses int
	Alerter           alert.Alerter
	Log               logrus.FieldLogger
	Now               func() time.Time
}

type circuit struct {
	name            string
	maxFailures     int
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

// Breaker counts consecutive venue failures per action and fails fast once an
// action's threshold is reached. A nil or disabled Breaker allows everything.
type Breaker struct {
	enabled           bool
	cooldown          time.Duration
	halfOpenSuccesses int
	alerter           alert.Alerter
	log               logrus.FieldLogger
	now               func() time.Time

	mu        sync.Mutex
	place     circuit
	cancel    circuit
	reconnect circuit
}

func NewBreaker(opts Options) *Breaker {
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.HalfOpenSuccesses < 1 {
		opts.HalfOpenSuccesses = defaultHalfOpenSuccesses
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		enabled:           opts.Enabled,
		cooldown:          opts.Cooldown,
		halfOpenSuccesses: opts.HalfOpenSuccesses,
		alerter:           opts.Alerter,
		log:               logger.WithComponent(opts.Log, "breaker"),
		now:               opts.Now,
		place:             circuit{name: ActionPlace, maxFailures: opts.MaxPlaceFailures, state: circuitClosed},
		cancel:            circuit{name: ActionCancel, maxFailures: opts.MaxCancelFailures, state: circuitClosed},
		reconnect:         circuit{name: ActionReconnect, maxFailures: opts.MaxReconnectFailures, state: circuitClosed},
	}
}

func (b *Breaker) AllowPlace() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.place)
}

func (b *Breaker) AllowCancel() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.cancel)
}

func (b *Breaker) AllowReconnect() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.reconnect)
}

func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.place, err)
}

func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.cancel, err)
}

func (b *Breaker) RecordReconnect(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.reconnect, err)
}

// ReconnectCooldownRemaining is how long the reconnect circuit stays open.
func (b *Breaker) ReconnectCooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reconnect.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(b.reconnect.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

// States reports each circuit's state keyed by action.
func (b *Breaker) States() map[string]string {
	out := map[string]string{
		ActionPlace:     string(circuitClosed),
		ActionCancel:    string(circuitClosed),
		ActionReconnect: string(circuitClosed),
	}
	if b == nil || !b.enabled {
		return out
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range []*circuit{&b.place, &b.cancel, &b.reconnect} {
		out[c.name] = string(c.state)
	}
	return out
}

// allow rejects while the circuit cools down and lets a probe through afterwards.
func (b *Breaker) allow(c *circuit) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		if err == nil {
			err = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, c.name)
		}
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.halfOpenSuccess = 0
	c.failures = 0
	c.openErr = nil
	b.mu.Unlock()

	cooldown := strconv.FormatInt(int64(b.cooldown/time.Second), 10)
	b.log.WithFields(logrus.Fields{
		"event":        "circuit_breaker_half_open",
		"action":       c.name,
		"cooldown_sec": cooldown,
	}).Info("circuit half open")
	b.alert("circuit_breaker_half_open", map[string]string{"action": c.name, "cooldown_sec": cooldown})
	return nil
}

func (b *Breaker) record(c *circuit, err error) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}

	if err == nil {
		prevFailures, prevState := c.failures, c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.halfOpenSuccess++
			if c.halfOpenSuccess >= b.halfOpenSuccesses || c.name != ActionReconnect {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				c.openedAt = time.Time{}
				c.halfOpenSuccess = 0
			}
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		b.mu.Unlock()
		if recovered {
			b.log.WithFields(logrus.Fields{
				"event":                         "circuit_breaker_recovered",
				"action":                        c.name,
				"previous_consecutive_failures": prevFailures,
				"from_state":                    string(prevState),
			}).Info("circuit recovered")
			if prevState == circuitHalfOpen {
				b.alert("circuit_breaker_recovered", map[string]string{
					"action":                        c.name,
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
				})
			}
		}
		return nil
	}

	switch c.state {
	case circuitOpen:
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(c, err, c.maxFailures, "half_open_probe_failed")
		b.mu.Unlock()
		b.reportTrip(c.name, "half_open", c.maxFailures, err)
		return openErr
	}

	c.failures++
	failures, limit := c.failures, c.maxFailures
	if failures < limit {
		b.mu.Unlock()
		if failures == limit-1 && c.name != ActionReconnect {
			b.log.WithFields(logrus.Fields{
				"event":                "circuit_breaker_near_trip",
				"action":               c.name,
				"consecutive_failures": failures,
				"threshold":            limit,
			}).WithError(err).Warn("circuit near trip")
			b.alert("circuit_breaker_near_trip", map[string]string{
				"action":               c.name,
				"consecutive_failures": strconv.Itoa(failures),
				"threshold":            strconv.Itoa(limit),
				"last_error":           err.Error(),
			})
		}
		return nil
	}

	openErr := b.tripLocked(c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.reportTrip(c.name, "closed", failures, err)
	return openErr
}

func (b *Breaker) tripLocked(c *circuit, err error, failures int, reason string) error {
	c.state = circuitOpen
	c.openedAt = b.now()
	c.halfOpenSuccess = 0
	c.failures = failures
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, c.name, failures, b.cooldown, reason, err)
	return c.openErr
}

func (b *Breaker) reportTrip(action, phase string, failures int, err error) {
	b.log.WithFields(logrus.Fields{
		"event":                "circuit_breaker_trip",
		"action":               action,
		"phase":                phase,
		"consecutive_failures": failures,
	}).WithError(err).Error("circuit tripped")
	b.alert("circuit_breaker_trip", map[string]string{
		"action":               action,
		"phase":                phase,
		"consecutive_failures": strconv.Itoa(failures),
		"last_error":           err.Error(),
	})
}

func (b *Breaker) alert(event string, fields map[string]string) {
	if b.alerter != nil {
		b.alerter.Important(event, fields)
	}
}
