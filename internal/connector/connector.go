package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"venue-connector/internal/alert"
	"venue-connector/internal/core"
	"venue-connector/internal/exchange"
	"venue-connector/internal/ledger"
	"venue-connector/internal/logger"
	"venue-connector/internal/metrics"
	"venue-connector/internal/reconcile"
	"venue-connector/internal/safety"
	"venue-connector/internal/store"
	"venue-connector/internal/timesync"
	"venue-connector/internal/tracker"
)

// StatusWriter persists the runtime status snapshot, satisfied by *store.FileStore.
type StatusWriter interface {
	SaveRuntimeStatus(status store.RuntimeStatus) error
}

// OrderRequest is what the host asks to place. ClientOrderID is minted when empty.
type OrderRequest struct {
	ClientOrderID string
	Pair          string
	Side          core.Side
	Type          core.OrderType
	Price         decimal.Decimal
	Amount        decimal.Decimal
}

type ReconcileOptions struct {
	QueryBatch       int
	UnmatchedSize    int
	PendingGrace     time.Duration
	MaxPendingMisses int
}

type Intervals struct {
	Poll     time.Duration
	Balance  time.Duration
	TimeSync time.Duration
	Persist  time.Duration
	// Heartbeat is how often the runtime status is rewritten.
	Heartbeat time.Duration
	// ReconnectInitial and ReconnectMax bound the stream reconnect backoff.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

type Options struct {
	Venue       exchange.Venue
	InstanceID  string
	Tier        string
	HistorySize int
	Reconcile   ReconcileOptions
	Intervals   Intervals

	Store  store.OrderStore
	Status StatusWriter
	// Clock is recalibrated against venue server time while running.
	Clock   *timesync.Synchronizer
	Breaker *safety.Breaker
	Alerter alert.Alerter
	// RuleOverrides adjusts the venue trading rules after every load.
	RuleOverrides func(map[string]core.TradingRule) map[string]core.TradingRule
	NewClientID   func() string
	Now           func() time.Time
	Log           logrus.FieldLogger
	Metrics       *metrics.Metrics
}

// Connector is the host-facing object: it owns the order tracker, the
// reconciliation engine and the balance ledger for one venue session.
type Connector struct {
	venue       exchange.Venue
	tracker     *tracker.Tracker
	engine      *reconcile.Engine
	ledger      *ledger.Ledger
	breaker     *safety.Breaker
	alerter     alert.Alerter
	store       store.OrderStore
	status      StatusWriter
	clock       *timesync.Synchronizer
	overrides   func(map[string]core.TradingRule) map[string]core.TradingRule
	newClientID func() string
	now         func() time.Time
	log         logrus.FieldLogger
	metrics     *metrics.Metrics

	instanceID string
	tier       string
	intervals  Intervals

	ctx    context.Context
	cancel context.CancelFunc
	work   sync.WaitGroup

	rulesMu sync.Mutex
	rules   map[string]core.TradingRule

	mu              sync.Mutex
	inFlight        map[string]struct{}
	deferredCancels map[string]struct{}
	lost            map[string]core.Order

	dirty atomic.Bool

	statusMu sync.Mutex
	run      runState
}

func New(opts Options) (*Connector, error) {
	if opts.Venue == nil {
		return nil, &core.ConfigurationError{Field: "venue", Reason: "required"}
	}
	if opts.NewClientID == nil {
		opts.NewClientID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "default"
	}
	opts.Intervals = opts.Intervals.withDefaults()

	c := &Connector{
		venue:           opts.Venue,
		breaker:         opts.Breaker,
		alerter:         opts.Alerter,
		store:           opts.Store,
		status:          opts.Status,
		clock:           opts.Clock,
		overrides:       opts.RuleOverrides,
		newClientID:     opts.NewClientID,
		now:             opts.Now,
		log:             logger.WithComponent(opts.Log, "connector"),
		metrics:         opts.Metrics,
		instanceID:      opts.InstanceID,
		tier:            opts.Tier,
		intervals:       opts.Intervals,
		inFlight:        make(map[string]struct{}),
		deferredCancels: make(map[string]struct{}),
		lost:            make(map[string]core.Order),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.tracker = tracker.New(tracker.Options{
		HistorySize: opts.HistorySize,
		Now:         opts.Now,
		Log:         opts.Log,
		Metrics:     opts.Metrics,
	})
	c.tracker.Observe(c.onChange)

	engine, err := reconcile.New(reconcile.Options{
		Venue:            opts.Venue,
		Tracker:          c.tracker,
		InFlight:         c.isInFlight,
		QueryBatch:       opts.Reconcile.QueryBatch,
		UnmatchedSize:    opts.Reconcile.UnmatchedSize,
		PendingGrace:     opts.Reconcile.PendingGrace,
		MaxPendingMisses: opts.Reconcile.MaxPendingMisses,
		Now:              opts.Now,
		Log:              opts.Log,
		Metrics:          opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	c.engine = engine

	l, err := ledger.New(ledger.Options{
		Venue:   opts.Venue,
		Orders:  c.tracker,
		Alerter: opts.Alerter,
		Now:     opts.Now,
		Log:     opts.Log,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	c.ledger = l
	return c, nil
}

func (i Intervals) withDefaults() Intervals {
	if i.Poll <= 0 {
		i.Poll = 30 * time.Second
	}
	if i.Balance <= 0 {
		i.Balance = time.Minute
	}
	if i.TimeSync <= 0 {
		i.TimeSync = 5 * time.Minute
	}
	if i.Persist <= 0 {
		i.Persist = time.Second
	}
	if i.Heartbeat <= 0 {
		i.Heartbeat = 30 * time.Second
	}
	if i.ReconnectInitial <= 0 {
		i.ReconnectInitial = time.Second
	}
	if i.ReconnectMax < i.ReconnectInitial {
		i.ReconnectMax = 30 * time.Second
		if i.ReconnectMax < i.ReconnectInitial {
			i.ReconnectMax = i.ReconnectInitial
		}
	}
	return i
}

// PlaceOrder starts tracking the order and returns its client id before the
// venue answers. The placement outcome arrives through the tracker.
func (c *Connector) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	order, err := c.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	if err := c.breaker.AllowPlace(); err != nil {
		return "", err
	}
	if err := c.tracker.StartTracking(order); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.inFlight[order.ClientOrderID] = struct{}{}
	c.mu.Unlock()
	c.work.Add(1)
	go func() {
		defer c.work.Done()
		c.place(order)
	}()
	return order.ClientOrderID, nil
}

func (c *Connector) prepare(ctx context.Context, req OrderRequest) (core.Order, error) {
	pair := strings.ToUpper(strings.TrimSpace(req.Pair))
	if _, _, ok := core.SplitPair(pair); !ok {
		return core.Order{}, fmt.Errorf("%w: pair %q is not BASE-QUOTE", core.ErrInvalidOrder, req.Pair)
	}
	if req.Side != core.Buy && req.Side != core.Sell {
		return core.Order{}, fmt.Errorf("%w: side %q", core.ErrInvalidOrder, req.Side)
	}
	switch req.Type {
	case core.Limit, core.LimitMaker, core.Market:
	default:
		return core.Order{}, fmt.Errorf("%w: type %q", core.ErrInvalidOrder, req.Type)
	}
	rule, err := c.rule(ctx, pair)
	if err != nil {
		return core.Order{}, err
	}
	order, err := core.NormalizeOrder(core.Order{
		Pair:   pair,
		Side:   req.Side,
		Type:   req.Type,
		Price:  req.Price,
		Amount: req.Amount,
	}, rule)
	if err != nil {
		return core.Order{}, err
	}
	order.ClientOrderID = strings.TrimSpace(req.ClientOrderID)
	if order.ClientOrderID == "" {
		order.ClientOrderID = c.newClientID()
	}
	order.Userref = c.tracker.NextUserref()
	order.State = core.StatePendingCreate
	order.CreatedAt = c.now()
	return order, nil
}

func (c *Connector) place(order core.Order) {
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, order.ClientOrderID)
		c.mu.Unlock()
	}()

	res := c.venue.PlaceOrder(c.ctx, order)
	c.metrics.ObservePlacement(res.Outcome.String())
	fields := logrus.Fields{
		"client_order_id": order.ClientOrderID,
		"pair":            order.Pair,
		"userref":         order.Userref,
		"outcome":         res.Outcome.String(),
	}

	switch res.Outcome {
	case core.PlacementSucceeded:
		_ = c.breaker.RecordPlace(nil)
		c.tracker.ApplyOrderUpdate(core.OrderUpdate{
			ClientOrderID:   order.ClientOrderID,
			ExchangeOrderID: res.ExchangeOrderID,
			State:           core.StateOpen,
			Time:            c.now(),
		})
		fields["exchange_order_id"] = res.ExchangeOrderID
		fields["confirmed"] = res.Confirmed
		c.log.WithFields(fields).WithField("event", "order_placed").Info("order acknowledged")

	case core.PlacementFailed:
		var rejected *core.VenueRejectedError
		if errors.As(res.Err, &rejected) {
			_ = c.breaker.RecordPlace(nil)
		} else {
			_ = c.breaker.RecordPlace(res.Err)
		}
		c.tracker.ApplyOrderUpdate(core.OrderUpdate{
			ClientOrderID: order.ClientOrderID,
			State:         core.StateFailed,
			Reason:        errString(res.Err),
			Time:          c.now(),
		})
		c.log.WithFields(fields).WithField("event", "order_placement_failed").WithError(res.Err).Warn("order placement failed")
		event := "placement_failed"
		if rejected != nil {
			event = "venue_rejected"
		}
		c.alert(event, map[string]string{
			"client_order_id": order.ClientOrderID,
			"pair":            order.Pair,
			"reason":          errString(res.Err),
		})

	default:
		_ = c.breaker.RecordPlace(res.Err)
		c.log.WithFields(fields).WithField("event", "order_placement_unknown").WithError(res.Err).Warn("placement outcome unknown, reconciling")
		var failed *core.RequestFailedError
		if errors.As(res.Err, &failed) {
			c.alert("request_failed", map[string]string{
				"endpoint":        failed.Endpoint,
				"client_order_id": order.ClientOrderID,
				"reason":          errString(failed.Last),
			})
		}
		c.engine.Trigger()
	}
}

// CancelOrder requests cancellation. It reports true once the venue confirmed
// it or, for an order still awaiting acknowledgement, once the cancel is queued.
func (c *Connector) CancelOrder(ctx context.Context, clientOrderID string) (bool, error) {
	o, ok := c.tracker.ByClientID(clientOrderID)
	if !ok {
		return false, fmt.Errorf("cancel %s: %w", clientOrderID, core.ErrOrderNotFound)
	}
	if o.State.Terminal() {
		return false, nil
	}
	if err := c.breaker.AllowCancel(); err != nil {
		return false, err
	}
	// Registered first so an acknowledgement racing this call still sees it.
	if o.ExchangeOrderID == "" {
		c.mu.Lock()
		c.deferredCancels[clientOrderID] = struct{}{}
		c.mu.Unlock()
	}
	res := c.tracker.ApplyOrderUpdate(core.OrderUpdate{
		ClientOrderID: clientOrderID,
		State:         core.StatePendingCancel,
		Time:          c.now(),
	})
	if res.Order.ExchangeOrderID == "" {
		c.log.WithFields(logrus.Fields{
			"event":           "cancel_deferred",
			"client_order_id": clientOrderID,
		}).Info("cancel queued until placement is acknowledged")
		return true, nil
	}
	if o.ExchangeOrderID == "" {
		c.mu.Lock()
		_, pending := c.deferredCancels[clientOrderID]
		delete(c.deferredCancels, clientOrderID)
		c.mu.Unlock()
		if !pending {
			// The acknowledgement observer already sent it.
			return true, nil
		}
	}
	return c.cancelOnVenue(ctx, res.Order)
}

func (c *Connector) cancelOnVenue(ctx context.Context, o core.Order) (bool, error) {
	ok, err := c.venue.CancelOrder(ctx, o.ExchangeOrderID)
	fields := logrus.Fields{
		"client_order_id":   o.ClientOrderID,
		"exchange_order_id": o.ExchangeOrderID,
	}
	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			_ = c.breaker.RecordCancel(nil)
			c.engine.Trigger()
		} else {
			_ = c.breaker.RecordCancel(err)
		}
		c.log.WithFields(fields).WithField("event", "cancel_failed").WithError(err).Warn("cancel failed")
		return false, err
	}
	_ = c.breaker.RecordCancel(nil)
	if !ok {
		c.engine.Trigger()
		return false, nil
	}
	c.tracker.ApplyOrderUpdate(core.OrderUpdate{
		ClientOrderID: o.ClientOrderID,
		State:         core.StateCancelled,
		Time:          c.now(),
	})
	c.log.WithFields(fields).WithField("event", "order_cancelled").Info("order cancelled")
	// Fills executed before the cancel are picked up by the next poll.
	c.engine.Trigger()
	return true, nil
}

// GetBalances returns total, locked and available funds per asset.
func (c *Connector) GetBalances() map[string]core.Balance {
	return c.ledger.Balances()
}

// GetOpenOrders returns every order that may still rest on the book, oldest first.
func (c *Connector) GetOpenOrders() []core.Order {
	return c.tracker.OpenOrders()
}

// Order returns the tracked order with the given client id.
func (c *Connector) Order(clientOrderID string) (core.Order, bool) {
	return c.tracker.ByClientID(clientOrderID)
}

// RestoreState resumes tracking of persisted orders. FAILED orders are not
// resumed; they are kept aside as lost orders for the operator.
func (c *Connector) RestoreState(orders map[string]core.Order) {
	var maxUserref int64
	restored, lost := 0, 0
	for id, o := range orders {
		if o.ClientOrderID == "" {
			o.ClientOrderID = id
		}
		if o.Userref > maxUserref {
			maxUserref = o.Userref
		}
		if o.State == core.StateFailed {
			c.mu.Lock()
			c.lost[o.ClientOrderID] = o.Clone()
			c.mu.Unlock()
			lost++
			continue
		}
		if o.State == core.StatePendingCancel && o.ExchangeOrderID == "" {
			c.mu.Lock()
			c.deferredCancels[o.ClientOrderID] = struct{}{}
			c.mu.Unlock()
		}
		c.tracker.Restore(o)
		restored++
	}
	c.tracker.RestoreUserref(maxUserref)
	c.log.WithFields(logrus.Fields{
		"event":       "state_restored",
		"restored":    restored,
		"lost":        lost,
		"max_userref": maxUserref,
	}).Info("order state restored")
	if lost > 0 {
		c.alert("lost_orders_found", map[string]string{"count": fmt.Sprint(lost)})
	}
	c.engine.Trigger()
}

// LoadState restores from the configured store, reporting whether anything was saved.
func (c *Connector) LoadState() (bool, error) {
	if c.store == nil {
		return false, nil
	}
	orders, ok, err := c.store.LoadOrders()
	if err != nil || !ok {
		return false, err
	}
	c.RestoreState(orders)
	return true, nil
}

// LostOrders returns FAILED orders found in restored state, oldest first.
func (c *Connector) LostOrders() []core.Order {
	c.mu.Lock()
	out := make([]core.Order, 0, len(c.lost))
	for _, o := range c.lost {
		out = append(out, o.Clone())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Unmatched returns recent venue updates no tracked order claimed.
func (c *Connector) Unmatched() []reconcile.Unmatched {
	return c.engine.Unmatched()
}

// TradingRules returns the cached rules, loading them on first use.
func (c *Connector) TradingRules(ctx context.Context) (map[string]core.TradingRule, error) {
	c.rulesMu.Lock()
	defer c.rulesMu.Unlock()
	if c.rules == nil {
		if err := c.loadRulesLocked(ctx); err != nil {
			return nil, err
		}
	}
	out := make(map[string]core.TradingRule, len(c.rules))
	for k, v := range c.rules {
		out[k] = v
	}
	return out, nil
}

// ReloadRules refetches trading rules from the venue.
func (c *Connector) ReloadRules(ctx context.Context) error {
	c.rulesMu.Lock()
	defer c.rulesMu.Unlock()
	return c.loadRulesLocked(ctx)
}

func (c *Connector) loadRulesLocked(ctx context.Context) error {
	rules, err := c.venue.TradingRules(ctx)
	if err != nil {
		return fmt.Errorf("load trading rules: %w", err)
	}
	if c.overrides != nil {
		rules = c.overrides(rules)
	}
	c.rules = rules
	return nil
}

func (c *Connector) rule(ctx context.Context, pair string) (core.TradingRule, error) {
	rules, err := c.TradingRules(ctx)
	if err != nil {
		return core.TradingRule{}, err
	}
	rule, ok := rules[pair]
	if !ok {
		return core.TradingRule{}, fmt.Errorf("%w: pair %s is not traded on %s", core.ErrInvalidOrder, pair, c.venue.Name())
	}
	return rule, nil
}

// Wait blocks until in-flight placements and deferred cancels have finished or ctx ends.
func (c *Connector) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.work.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close lets outstanding venue calls finish until ctx ends, aborts whatever is
// left and saves the order table.
func (c *Connector) Close(ctx context.Context) error {
	waitErr := c.Wait(ctx)
	c.cancel()
	if waitErr != nil {
		c.work.Wait()
	}
	return errors.Join(waitErr, c.Flush())
}

func (c *Connector) isInFlight(clientOrderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[clientOrderID]
	return ok
}

// onChange runs after every applied tracker change.
func (c *Connector) onChange(change tracker.Change) {
	c.dirty.Store(true)
	if change.Fill != nil && c.store != nil {
		if err := c.store.AppendFill(*change.Fill); err != nil {
			c.log.WithFields(logrus.Fields{
				"event":   "fill_journal_failed",
				"fill_id": change.Fill.FillID,
			}).WithError(err).Error("fill journal write failed")
		}
	}

	o := change.Order
	if o.ExchangeOrderID == "" && !o.State.Terminal() {
		return
	}
	c.mu.Lock()
	_, deferred := c.deferredCancels[o.ClientOrderID]
	if deferred {
		delete(c.deferredCancels, o.ClientOrderID)
	}
	c.mu.Unlock()
	if !deferred || o.State.Terminal() {
		return
	}
	c.work.Add(1)
	go func() {
		defer c.work.Done()
		_, _ = c.cancelOnVenue(c.ctx, o)
	}()
}

func (c *Connector) alert(event string, fields map[string]string) {
	if c.alerter != nil {
		c.alerter.Important(event, fields)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
