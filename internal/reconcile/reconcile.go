package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"venue-connector/internal/core"
	"venue-connector/internal/exchange"
	"venue-connector/internal/logger"
	"venue-connector/internal/metrics"
	"venue-connector/internal/tracker"
)

const (
	SourcePoll   = "poll"
	SourceStream = "stream"

	KindOrderUpdate = "order_update"
	KindFill        = "fill"
)

const (
	defaultQueryBatch       = 20
	defaultUnmatchedSize    = 256
	defaultPendingGrace     = 15 * time.Second
	defaultMaxPendingMisses = 3
)

// Venue is the read side of the venue used for reconciliation, plus cancel for
// orders the venue reports in error.
type Venue interface {
	QueryOrders(ctx context.Context, exchangeOrderIDs []string) (map[string]exchange.OrderStatus, error)
	QueryTrades(ctx context.Context, tradeIDs []string) ([]core.Fill, error)
	OpenOrdersByUserref(ctx context.Context, userref int64) ([]core.Order, error)
	ClosedOrdersByUserref(ctx context.Context, userref int64) (map[string]exchange.OrderStatus, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) (bool, error)
}

// Unmatched records a venue update that no tracked order claimed.
type Unmatched struct {
	Source          string    `json:"source"`
	Kind            string    `json:"kind"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	ClientOrderID   string    `json:"client_order_id,omitempty"`
	Userref         int64     `json:"userref,omitempty"`
	FillID          string    `json:"fill_id,omitempty"`
	Time            time.Time `json:"time"`
}

type Options struct {
	Venue   Venue
	Tracker *tracker.Tracker
	// InFlight reports placements still awaiting a response; they are not resolved by userref.
	InFlight         func(clientOrderID string) bool
	QueryBatch       int
	UnmatchedSize    int
	PendingGrace     time.Duration
	MaxPendingMisses int
	Now              func() time.Time
	Log              logrus.FieldLogger
	Metrics          *metrics.Metrics
}

type Engine struct {
	venue            Venue
	tracker          *tracker.Tracker
	inFlight         func(string) bool
	queryBatch       int
	pendingGrace     time.Duration
	maxPendingMisses int
	now              func() time.Time
	log              logrus.FieldLogger
	metrics          *metrics.Metrics
	trigger          chan struct{}

	pollMu        sync.Mutex
	pendingMisses map[string]int

	mu            sync.Mutex
	unmatched     []Unmatched
	unmatchedSize int
}

func New(opts Options) (*Engine, error) {
	if opts.Venue == nil {
		return nil, &core.ConfigurationError{Field: "venue", Reason: "required"}
	}
	if opts.Tracker == nil {
		return nil, &core.ConfigurationError{Field: "tracker", Reason: "required"}
	}
	e := &Engine{
		venue:            opts.Venue,
		tracker:          opts.Tracker,
		inFlight:         opts.InFlight,
		queryBatch:       opts.QueryBatch,
		pendingGrace:     opts.PendingGrace,
		maxPendingMisses: opts.MaxPendingMisses,
		now:              opts.Now,
		log:              opts.Log,
		metrics:          opts.Metrics,
		trigger:          make(chan struct{}, 1),
		pendingMisses:    make(map[string]int),
		unmatchedSize:    opts.UnmatchedSize,
	}
	if e.inFlight == nil {
		e.inFlight = func(string) bool { return false }
	}
	if e.queryBatch <= 0 {
		e.queryBatch = defaultQueryBatch
	}
	if e.pendingGrace <= 0 {
		e.pendingGrace = defaultPendingGrace
	}
	if e.maxPendingMisses <= 0 {
		e.maxPendingMisses = defaultMaxPendingMisses
	}
	if e.unmatchedSize <= 0 {
		e.unmatchedSize = defaultUnmatchedSize
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.log == nil {
		e.log = logger.Nop()
	}
	e.log = logger.WithComponent(e.log, "reconcile")
	return e, nil
}

// Trigger requests an immediate poll from Run. Requests coalesce.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run polls every interval and on Trigger until ctx ends.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("poll interval must be > 0")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-e.trigger:
		}
		if err := e.PollOnce(ctx); err != nil && ctx.Err() == nil {
			e.log.WithField("event", "poll_failed").WithError(err).Warn("reconciliation poll failed")
		}
	}
}

// PollOnce reconciles every active order against the venue: status for orders
// with an exchange id, fills for orders with executed volume and userref lookups
// for orders still missing an exchange id, including ones cancelled before the
// acknowledgement.
func (e *Engine) PollOnce(ctx context.Context) error {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()

	active := e.tracker.ActiveOrders()
	var withID []core.Order
	var pending []core.Order
	for _, o := range active {
		switch {
		case o.ExchangeOrderID != "":
			withID = append(withID, o)
		case o.Userref != 0:
			pending = append(pending, o)
		}
	}

	var errs []error
	if err := e.pollStatuses(ctx, withID); err != nil {
		errs = append(errs, err)
	}
	if err := e.resolvePending(ctx, pending); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) pollStatuses(ctx context.Context, orders []core.Order) error {
	if len(orders) == 0 {
		return nil
	}
	byExchangeID := make(map[string]core.Order, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		byExchangeID[o.ExchangeOrderID] = o
		ids = append(ids, o.ExchangeOrderID)
	}

	var errs []error
	var tradeIDs []string
	for start := 0; start < len(ids); start += e.queryBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + e.queryBatch
		if end > len(ids) {
			end = len(ids)
		}
		statuses, err := e.venue.QueryOrders(ctx, ids[start:end])
		if err != nil {
			errs = append(errs, fmt.Errorf("query orders: %w", err))
			continue
		}
		for txid, status := range statuses {
			local, ok := byExchangeID[txid]
			if !ok {
				e.recordUnmatched(SourcePoll, KindOrderUpdate, status.Update, "")
				continue
			}
			if status.Error != "" && !strings.Contains(status.Error, "EOrder:Invalid order") {
				e.cancelErrored(ctx, local, status.Error)
			}
			update := status.Update
			update.ClientOrderID = local.ClientOrderID
			res := e.tracker.ApplyOrderUpdate(update)
			if !res.Found {
				e.recordUnmatched(SourcePoll, KindOrderUpdate, update, "")
				continue
			}
			for _, id := range status.TradeIDs {
				if _, seen := res.Order.AppliedFills[id]; !seen {
					tradeIDs = append(tradeIDs, id)
				}
			}
		}
	}
	if err := e.applyTrades(ctx, tradeIDs); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) applyTrades(ctx context.Context, tradeIDs []string) error {
	var errs []error
	for start := 0; start < len(tradeIDs); start += e.queryBatch {
		end := start + e.queryBatch
		if end > len(tradeIDs) {
			end = len(tradeIDs)
		}
		fills, err := e.venue.QueryTrades(ctx, tradeIDs[start:end])
		if err != nil {
			errs = append(errs, fmt.Errorf("query trades: %w", err))
			continue
		}
		for _, fill := range fills {
			e.applyFill(SourcePoll, fill)
		}
	}
	return errors.Join(errs...)
}

// resolvePending recovers placements that never got an acknowledgement by
// looking their userref up among open orders, then closed ones. An order found
// in neither for maxPendingMisses polls is closed locally: CANCELLED when a
// cancel was already requested, FAILED otherwise.
func (e *Engine) resolvePending(ctx context.Context, orders []core.Order) error {
	now := e.now()
	var errs []error
	var tradeIDs []string
	for _, o := range orders {
		if e.inFlight(o.ClientOrderID) || now.Sub(o.CreatedAt) < e.pendingGrace {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		found, trades, err := e.lookupByUserref(ctx, o, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if found {
			delete(e.pendingMisses, o.ClientOrderID)
			tradeIDs = append(tradeIDs, trades...)
			continue
		}

		e.pendingMisses[o.ClientOrderID]++
		misses := e.pendingMisses[o.ClientOrderID]
		if misses < e.maxPendingMisses {
			continue
		}
		delete(e.pendingMisses, o.ClientOrderID)
		state, reason := core.StateFailed, "placement not found on venue"
		if o.State == core.StatePendingCancel {
			state, reason = core.StateCancelled, "cancelled before acknowledgement"
		}
		e.tracker.ApplyOrderUpdate(core.OrderUpdate{
			ClientOrderID: o.ClientOrderID,
			State:         state,
			Reason:        reason,
			Time:          now,
		})
		e.log.WithFields(logrus.Fields{
			"event":           "pending_create_lost",
			"client_order_id": o.ClientOrderID,
			"userref":         o.Userref,
			"misses":          misses,
			"state":           state,
		}).Warn("unacknowledged placement not found on venue")
	}
	if err := e.applyTrades(ctx, tradeIDs); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// lookupByUserref attaches the venue order carrying o's userref. It returns the
// trade ids still to fetch when the order was found already closed.
func (e *Engine) lookupByUserref(ctx context.Context, o core.Order, now time.Time) (bool, []string, error) {
	open, err := e.venue.OpenOrdersByUserref(ctx, o.Userref)
	if err != nil {
		return false, nil, fmt.Errorf("open orders by userref %d: %w", o.Userref, err)
	}
	if len(open) > 0 {
		venueOrder := open[0]
		executed := venueOrder.VenueExecuted
		e.tracker.ApplyOrderUpdate(core.OrderUpdate{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: venueOrder.ExchangeOrderID,
			State:           venueOrder.State,
			ExecutedAmount:  &executed,
			Time:            now,
		})
		e.log.WithFields(logrus.Fields{
			"event":             "pending_create_resolved",
			"client_order_id":   o.ClientOrderID,
			"exchange_order_id": venueOrder.ExchangeOrderID,
		}).Info("placement recovered by userref")
		return true, nil, nil
	}

	closed, err := e.venue.ClosedOrdersByUserref(ctx, o.Userref)
	if err != nil {
		return false, nil, fmt.Errorf("closed orders by userref %d: %w", o.Userref, err)
	}
	if len(closed) == 0 {
		return false, nil, nil
	}
	txids := make([]string, 0, len(closed))
	for txid := range closed {
		txids = append(txids, txid)
	}
	sort.Strings(txids)
	status := closed[txids[0]]
	update := status.Update
	update.ClientOrderID = o.ClientOrderID
	update.ExchangeOrderID = txids[0]
	res := e.tracker.ApplyOrderUpdate(update)

	var trades []string
	for _, id := range status.TradeIDs {
		if _, seen := res.Order.AppliedFills[id]; !seen {
			trades = append(trades, id)
		}
	}
	e.log.WithFields(logrus.Fields{
		"event":             "pending_create_resolved",
		"client_order_id":   o.ClientOrderID,
		"exchange_order_id": txids[0],
		"state":             res.Order.State,
	}).Info("placement recovered from closed orders")
	return true, trades, nil
}

func (e *Engine) cancelErrored(ctx context.Context, o core.Order, venueErr string) {
	fields := logrus.Fields{
		"event":             "order_error_cancel",
		"client_order_id":   o.ClientOrderID,
		"exchange_order_id": o.ExchangeOrderID,
		"venue_error":       venueErr,
	}
	ok, err := e.venue.CancelOrder(ctx, o.ExchangeOrderID)
	if err != nil {
		e.log.WithFields(fields).WithError(err).Warn("cancel of errored order failed")
		return
	}
	fields["cancelled"] = ok
	e.log.WithFields(fields).Warn("venue reported order error; cancel issued")
}

// Consume applies stream events until the channel closes or ctx ends. Each
// message is isolated: a failure in one never stops the loop.
func (e *Engine) Consume(ctx context.Context, events <-chan exchange.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.HandleEvent(ev)
		}
	}
}

// HandleEvent applies one stream event.
func (e *Engine) HandleEvent(ev exchange.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.ObserveStreamMessage("panic")
			e.log.WithFields(logrus.Fields{
				"event":   "stream_message_panic",
				"channel": ev.Channel,
				"panic":   fmt.Sprint(r),
			}).Error("stream message handler panicked")
		}
	}()
	if ev.Err != nil {
		e.metrics.ObserveStreamMessage("error")
		e.log.WithFields(logrus.Fields{
			"event":    "stream_message_invalid",
			"channel":  ev.Channel,
			"sequence": ev.Sequence,
		}).WithError(ev.Err).Warn("stream message partially undecodable")
	} else {
		e.metrics.ObserveStreamMessage("ok")
	}
	for _, update := range ev.Updates {
		if res := e.tracker.ApplyOrderUpdate(update); !res.Found {
			e.recordUnmatched(SourceStream, KindOrderUpdate, update, "")
		}
	}
	for _, fill := range ev.Fills {
		e.applyFill(SourceStream, fill)
	}
}

func (e *Engine) applyFill(source string, fill core.Fill) {
	res := e.tracker.ApplyTradeFill(fill)
	if res.Found {
		return
	}
	e.recordUnmatched(source, KindFill, core.OrderUpdate{
		ExchangeOrderID: fill.ExchangeOrderID,
		ClientOrderID:   fill.ClientOrderID,
		Time:            fill.Time,
	}, fill.FillID)
}

func (e *Engine) recordUnmatched(source, kind string, update core.OrderUpdate, fillID string) {
	entry := Unmatched{
		Source:          source,
		Kind:            kind,
		ExchangeOrderID: update.ExchangeOrderID,
		ClientOrderID:   update.ClientOrderID,
		Userref:         update.Userref,
		FillID:          fillID,
		Time:            e.now(),
	}
	e.mu.Lock()
	e.unmatched = append(e.unmatched, entry)
	if over := len(e.unmatched) - e.unmatchedSize; over > 0 {
		e.unmatched = append(e.unmatched[:0:0], e.unmatched[over:]...)
	}
	e.mu.Unlock()

	e.metrics.ObserveUnmatched(source, kind)
	e.log.WithFields(logrus.Fields{
		"event":             "update_unmatched",
		"source":            source,
		"kind":              kind,
		"exchange_order_id": entry.ExchangeOrderID,
		"userref":           entry.Userref,
		"fill_id":           fillID,
	}).Debug("dropping update for untracked order")
}

// Unmatched returns the most recent unmatched updates, oldest first.
func (e *Engine) Unmatched() []Unmatched {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Unmatched, len(e.unmatched))
	copy(out, e.unmatched)
	return out
}
