package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"venue-connector/internal/core"
	"venue-connector/internal/logger"
	"venue-connector/internal/metrics"
)

type Venue interface {
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
	OpenOrders(ctx context.Context) ([]core.Order, error)
}

// OrderSource is the local order view, satisfied by *tracker.Tracker.
type OrderSource interface {
	OpenOrders() []core.Order
	ByExchangeID(id string) (core.Order, bool)
	ByUserref(ref int64) (core.Order, bool)
}

type CapAlerter interface {
	Important(event string, fields map[string]string)
}

type Options struct {
	Venue   Venue
	Orders  OrderSource
	Alerter CapAlerter
	Now     func() time.Time
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Ledger holds the last venue balance snapshot and derives locked funds from
// the union of venue open orders and locally tracked orders.
type Ledger struct {
	venue   Venue
	orders  OrderSource
	alerter CapAlerter
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	refreshMu sync.Mutex

	mu          sync.RWMutex
	totals      map[string]decimal.Decimal
	venueOpen   []core.Order
	refreshedAt time.Time
	capped      map[string]bool
}

func New(opts Options) (*Ledger, error) {
	if opts.Venue == nil {
		return nil, &core.ConfigurationError{Field: "venue", Reason: "required"}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	return &Ledger{
		venue:   opts.Venue,
		orders:  opts.Orders,
		alerter: opts.Alerter,
		now:     opts.Now,
		log:     logger.WithComponent(opts.Log, "ledger"),
		metrics: opts.Metrics,
		totals:  make(map[string]decimal.Decimal),
		capped:  make(map[string]bool),
	}, nil
}

// Refresh replaces the snapshot with venue totals and open orders. Assets the
// venue no longer reports are dropped. Concurrent refreshes are serialized.
func (l *Ledger) Refresh(ctx context.Context) error {
	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	totals, err := l.venue.Balances(ctx)
	if err != nil {
		l.metrics.ObserveBalanceRefresh("error")
		return fmt.Errorf("fetch balances: %w", err)
	}
	open, err := l.venue.OpenOrders(ctx)
	if err != nil {
		l.metrics.ObserveBalanceRefresh("error")
		return fmt.Errorf("fetch open orders: %w", err)
	}
	snapshot := make(map[string]decimal.Decimal, len(totals))
	for asset, total := range totals {
		snapshot[asset] = total
	}
	l.mu.Lock()
	removed := 0
	for asset := range l.totals {
		if _, ok := snapshot[asset]; !ok {
			removed++
		}
	}
	l.totals = snapshot
	l.venueOpen = open
	l.refreshedAt = l.now()
	l.mu.Unlock()

	l.metrics.ObserveBalanceRefresh("ok")
	l.log.WithFields(logrus.Fields{
		"event":       "balances_refreshed",
		"assets":      len(snapshot),
		"removed":     removed,
		"open_orders": len(open),
	}).Debug("balance snapshot replaced")
	return nil
}

func (l *Ledger) RefreshedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.refreshedAt
}

// Balances computes available = total - locked per asset against the current
// tracker view, so an order locks funds from the moment it is tracked.
func (l *Ledger) Balances() map[string]core.Balance {
	l.mu.RLock()
	totals := make(map[string]decimal.Decimal, len(l.totals))
	for asset, total := range l.totals {
		totals[asset] = total
	}
	venueOpen := l.venueOpen
	l.mu.RUnlock()

	var local []core.Order
	var known func(core.Order) bool
	if l.orders != nil {
		local = l.orders.OpenOrders()
		known = l.tracked
	}
	locked := LockedFunds(MergeOpenOrders(venueOpen, local, known))

	out := make(map[string]core.Balance, len(totals))
	var newlyCapped []string
	l.mu.Lock()
	for asset, total := range totals {
		lock := locked[asset]
		if lock.Cmp(total) > 0 {
			if !l.capped[asset] {
				l.capped[asset] = true
				newlyCapped = append(newlyCapped, asset)
				l.metrics.ObserveLockCapped(asset)
				l.log.WithFields(logrus.Fields{
					"event":  "balance_lock_capped",
					"asset":  asset,
					"locked": lock.String(),
					"total":  total.String(),
				}).Warn("locked funds exceed total; capping")
			}
			lock = total
		} else {
			delete(l.capped, asset)
		}
		out[asset] = core.Balance{
			Asset:     asset,
			Total:     total,
			Locked:    lock,
			Available: total.Sub(lock),
		}
	}
	l.mu.Unlock()

	if l.alerter != nil {
		sort.Strings(newlyCapped)
		for _, asset := range newlyCapped {
			l.alerter.Important("balance_lock_capped", map[string]string{
				"asset":  asset,
				"locked": locked[asset].String(),
				"total":  totals[asset].String(),
			})
		}
	}
	return out
}

func (l *Ledger) tracked(o core.Order) bool {
	if o.ExchangeOrderID != "" {
		if _, ok := l.orders.ByExchangeID(o.ExchangeOrderID); ok {
			return true
		}
	}
	if o.Userref != 0 {
		if _, ok := l.orders.ByUserref(o.Userref); ok {
			return true
		}
	}
	return false
}

// MergeOpenOrders unions venue and local working orders, deduplicated by exchange
// id and then userref. A venue order that known reports as tracked is left to the
// local view, which is never older than the last refresh.
func MergeOpenOrders(venue, local []core.Order, known func(core.Order) bool) []core.Order {
	out := make([]core.Order, 0, len(venue)+len(local))
	byExchange := make(map[string]struct{}, len(local))
	byUserref := make(map[int64]struct{}, len(local))
	for _, o := range local {
		if !o.State.Working() {
			continue
		}
		out = append(out, o)
		if o.ExchangeOrderID != "" {
			byExchange[o.ExchangeOrderID] = struct{}{}
		}
		if o.Userref != 0 {
			byUserref[o.Userref] = struct{}{}
		}
	}
	for _, o := range venue {
		if o.ExchangeOrderID != "" {
			if _, ok := byExchange[o.ExchangeOrderID]; ok {
				continue
			}
		}
		if o.Userref != 0 {
			if _, ok := byUserref[o.Userref]; ok {
				continue
			}
		}
		if known != nil && known(o) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// LockedFunds sums the funds reserved by working limit orders: remaining base
// for sells, remaining times price in quote for buys. Market orders reserve nothing.
func LockedFunds(orders []core.Order) map[string]decimal.Decimal {
	locked := make(map[string]decimal.Decimal)
	for _, o := range orders {
		if !o.State.Working() || o.Type == core.Market {
			continue
		}
		base, quote, ok := core.SplitPair(o.Pair)
		if !ok {
			continue
		}
		rem := o.Remaining()
		if rem.Sign() <= 0 {
			continue
		}
		if o.Side == core.Sell {
			locked[base] = locked[base].Add(rem)
		} else {
			locked[quote] = locked[quote].Add(rem.Mul(o.Price))
		}
	}
	return locked
}
