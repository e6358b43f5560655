package connector

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Flush saves the order table if it changed since the last save.
func (c *Connector) Flush() error {
	if c.store == nil || !c.dirty.Swap(false) {
		return nil
	}
	snapshot := c.tracker.Snapshot()
	if err := c.store.SaveOrders(snapshot); err != nil {
		c.dirty.Store(true)
		return err
	}
	return nil
}

func (c *Connector) persistLoop(ctx context.Context) {
	if c.store == nil {
		return
	}
	ticker := time.NewTicker(c.intervals.Persist)
	defer ticker.Stop()
	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := c.Flush()
		switch {
		case err != nil && !failing:
			failing = true
			c.log.WithField("event", "state_persist_failed").WithError(err).Error("order state save failed")
			c.alert("state_persist_failed", map[string]string{"reason": err.Error()})
		case err == nil && failing:
			failing = false
			c.log.WithFields(logrus.Fields{"event": "state_persist_recovered"}).Info("order state save recovered")
		}
	}
}
