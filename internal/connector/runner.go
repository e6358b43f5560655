package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"venue-connector/internal/safety"
	"venue-connector/internal/store"
)

const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateDegraded = "degraded"
	StateStopped  = "stopped"
)

const shutdownGrace = 10 * time.Second

var errStreamClosed = errors.New("user stream closed")

type runState struct {
	state             string
	startedAt         time.Time
	reconnectAttempts int
	disconnectedAt    time.Time
	lastErr           error
}

// Run keeps the session live until ctx ends: the private stream with
// reconnects, periodic reconciliation, balance refresh, clock sync and state
// persistence. It returns nil on a clean shutdown.
func (c *Connector) Run(ctx context.Context) (runErr error) {
	c.statusMu.Lock()
	c.run = runState{state: StateStarting, startedAt: c.now()}
	c.statusMu.Unlock()
	c.persistRuntimeStatus()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			c.log.WithField("event", "shutdown_incomplete").WithError(err).Warn("shutdown did not finish cleanly")
		}
		c.setState(StateStopped, runErr)
	}()

	if c.clock != nil {
		if err := c.clock.Recalibrate(ctx, c.venue); err != nil {
			c.log.WithField("event", "time_sync_failed").WithError(err).Warn("initial clock sync failed")
		}
	}
	if err := c.ReloadRules(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if err := c.ledger.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.log.WithField("event", "balance_refresh_failed").WithError(err).Warn("initial balance refresh failed")
	}

	c.log.WithFields(logrus.Fields{
		"event":       "connector_started",
		"venue":       c.venue.Name(),
		"instance_id": c.instanceID,
		"tier":        c.tier,
	}).Info("connector started")

	loops := []func(context.Context){
		c.streamLoop,
		c.pollLoop,
		c.balanceLoop,
		c.timeSyncLoop,
		c.persistLoop,
		c.heartbeatLoop,
	}
	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}
	wg.Wait()
	c.log.WithField("event", "connector_stopping").Info("connector stopping")
	return nil
}

// streamLoop reconnects the private stream with exponential backoff, gated by
// the reconnect circuit.
func (c *Connector) streamLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.intervals.ReconnectInitial
	bo.MaxInterval = c.intervals.ReconnectMax

	for ctx.Err() == nil {
		if c.reconnecting() {
			if err := c.breaker.AllowReconnect(); err != nil {
				c.setState(StateDegraded, err)
				wait := time.Second
				if rem := c.breaker.ReconnectCooldownRemaining(); rem > wait {
					wait = rem
				}
				if !sleepCtx(ctx, wait) {
					return
				}
				continue
			}
		}

		err := c.consumeStream(ctx, bo)
		if ctx.Err() != nil {
			return
		}
		c.markDisconnected(err)
		wait := bo.NextBackOff()
		if trip := c.breaker.RecordReconnect(err); errors.Is(trip, safety.ErrCircuitOpen) {
			if rem := c.breaker.ReconnectCooldownRemaining(); rem > wait {
				wait = rem
			}
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (c *Connector) consumeStream(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, errs, err := c.venue.UserStream(streamCtx)
	if err != nil {
		return fmt.Errorf("open user stream: %w", err)
	}
	bo.Reset()
	c.markConnected()
	// Anything missed while disconnected is recovered by a poll.
	c.engine.Trigger()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						return err
					}
				default:
				}
				return errStreamClosed
			}
			c.engine.HandleEvent(ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		}
	}
}

func (c *Connector) reconnecting() bool {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.run.reconnectAttempts > 0
}

func (c *Connector) markConnected() {
	c.statusMu.Lock()
	attempts := c.run.reconnectAttempts
	disconnectedAt := c.run.disconnectedAt
	c.run.state = StateRunning
	c.run.reconnectAttempts = 0
	c.run.disconnectedAt = time.Time{}
	c.run.lastErr = nil
	c.statusMu.Unlock()

	if attempts > 0 {
		_ = c.breaker.RecordReconnect(nil)
		downtime := c.now().Sub(disconnectedAt).Round(time.Second)
		c.log.WithFields(logrus.Fields{
			"event":    "stream_reconnected",
			"attempts": attempts,
			"downtime": downtime.String(),
		}).Info("user stream reconnected")
		c.alert("stream_reconnected", map[string]string{
			"attempts": fmt.Sprint(attempts),
			"downtime": downtime.String(),
		})
	} else {
		c.log.WithField("event", "stream_connected").Info("user stream connected")
	}
	c.persistRuntimeStatus()
}

func (c *Connector) markDisconnected(err error) {
	c.statusMu.Lock()
	first := c.run.disconnectedAt.IsZero()
	if first {
		c.run.disconnectedAt = c.now()
	}
	c.run.reconnectAttempts++
	attempts := c.run.reconnectAttempts
	c.run.state = StateDegraded
	c.run.lastErr = err
	c.statusMu.Unlock()

	c.log.WithFields(logrus.Fields{
		"event":    "stream_disconnected",
		"attempts": attempts,
	}).WithError(err).Warn("user stream disconnected")
	if first {
		c.alert("stream_disconnected", map[string]string{"reason": errString(err)})
	}
	c.persistRuntimeStatus()
}

func (c *Connector) pollLoop(ctx context.Context) {
	_ = c.engine.Run(ctx, c.intervals.Poll)
}

func (c *Connector) balanceLoop(ctx context.Context) {
	ticker := time.NewTicker(c.intervals.Balance)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.ledger.Refresh(ctx); err != nil && ctx.Err() == nil {
			c.log.WithField("event", "balance_refresh_failed").WithError(err).Warn("balance refresh failed")
		}
	}
}

func (c *Connector) timeSyncLoop(ctx context.Context) {
	if c.clock == nil {
		return
	}
	ticker := time.NewTicker(c.intervals.TimeSync)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.clock.Recalibrate(ctx, c.venue); err != nil && ctx.Err() == nil {
			c.log.WithField("event", "time_sync_failed").WithError(err).Warn("clock sync failed")
			continue
		}
		c.log.WithFields(logrus.Fields{
			"event":     "time_synced",
			"offset_ms": c.clock.Offset().Milliseconds(),
		}).Debug("clock synced")
	}
}

func (c *Connector) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.intervals.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.persistRuntimeStatus()
		}
	}
}

func (c *Connector) setState(state string, err error) {
	c.statusMu.Lock()
	c.run.state = state
	c.run.lastErr = err
	c.statusMu.Unlock()
	c.persistRuntimeStatus()
}

// RuntimeStatus reports the current session state.
func (c *Connector) RuntimeStatus() store.RuntimeStatus {
	c.statusMu.Lock()
	run := c.run
	c.statusMu.Unlock()

	if run.state == "" {
		run.state = StateStarting
	}
	status := store.RuntimeStatus{
		Venue:             c.venue.Name(),
		Tier:              c.tier,
		InstanceID:        c.instanceID,
		PID:               os.Getpid(),
		State:             run.state,
		StartedAt:         run.startedAt,
		UpdatedAt:         c.now(),
		ReconnectAttempts: run.reconnectAttempts,
		ActiveOrders:      len(c.tracker.ActiveOrders()),
		LostOrders:        len(c.LostOrders()),
		UnmatchedUpdates:  len(c.engine.Unmatched()),
	}
	if !run.disconnectedAt.IsZero() {
		t := run.disconnectedAt
		status.DisconnectedAt = &t
	}
	if run.lastErr != nil {
		status.LastError = run.lastErr.Error()
	}
	if at := c.ledger.RefreshedAt(); !at.IsZero() {
		status.LastBalanceAt = &at
	}
	if c.clock != nil {
		status.ClockOffsetMillis = c.clock.Offset().Milliseconds()
	}
	return status
}

func (c *Connector) persistRuntimeStatus() {
	if c.status == nil {
		return
	}
	if err := c.status.SaveRuntimeStatus(c.RuntimeStatus()); err != nil {
		c.log.WithField("event", "runtime_status_write_failed").WithError(err).Warn("runtime status write failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
