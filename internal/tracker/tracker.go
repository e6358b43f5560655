package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"venue-connector/internal/core"
	"venue-connector/internal/logger"
	"venue-connector/internal/metrics"
)

const DefaultHistorySize = 1000

// Change is delivered to observers after every applied mutation.
type Change struct {
	Order core.Order
	Fill  *core.Fill
}

type Observer func(Change)

type UpdateResult struct {
	Found   bool
	Applied bool
	Order   core.Order
}

type FillResult struct {
	Found     bool
	Applied   bool
	Duplicate bool
	Order     core.Order
}

type Options struct {
	HistorySize int
	Now         func() time.Time
	Log         logrus.FieldLogger
	Metrics     *metrics.Metrics
}

// Tracker is the single owner of order state. All mutation happens under mu;
// observers run after it is released.
type Tracker struct {
	mu          sync.Mutex
	active      map[string]*core.Order
	history     map[string]*core.Order
	historyFIFO []string
	historySize int
	byExchange  map[string]string
	byUserref   map[int64]string
	lastUserref int64
	observers   []Observer

	now     func() time.Time
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

func New(opts Options) *Tracker {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	return &Tracker{
		active:      make(map[string]*core.Order),
		history:     make(map[string]*core.Order),
		historySize: opts.HistorySize,
		byExchange:  make(map[string]string),
		byUserref:   make(map[int64]string),
		now:         opts.Now,
		log:         logger.WithComponent(opts.Log, "tracker"),
		metrics:     opts.Metrics,
	}
}

// Observe registers fn for every applied change.
func (t *Tracker) Observe(fn Observer) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// NextUserref returns a numeric reference never handed out before in this session.
func (t *Tracker) NextUserref() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUserref++
	return t.lastUserref
}

// RestoreUserref raises the counter so the next reference is above max.
func (t *Tracker) RestoreUserref(max int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if max > t.lastUserref {
		t.lastUserref = max
	}
}

// StartTracking registers a new order in PENDING_CREATE unless a state is already set.
func (t *Tracker) StartTracking(order core.Order) error {
	if order.ClientOrderID == "" {
		return &core.ConfigurationError{Field: "client_order_id", Reason: "required"}
	}
	t.mu.Lock()
	if _, ok := t.active[order.ClientOrderID]; ok {
		t.mu.Unlock()
		return core.ErrDuplicateOrder
	}
	if _, ok := t.history[order.ClientOrderID]; ok {
		t.mu.Unlock()
		return core.ErrDuplicateOrder
	}
	o := order.Clone()
	if o.State == "" {
		o.State = core.StatePendingCreate
	}
	now := t.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	t.active[o.ClientOrderID] = &o
	t.indexLocked(&o)
	if o.Userref > t.lastUserref {
		t.lastUserref = o.Userref
	}
	snap := o.Clone()
	t.mu.Unlock()

	t.metrics.ObserveTransition(string(snap.State))
	t.notify(Change{Order: snap})
	return nil
}

// Restore reinstates a persisted order, placing terminal reconciled orders in history.
func (t *Tracker) Restore(order core.Order) {
	if order.ClientOrderID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[order.ClientOrderID]; ok {
		return
	}
	if _, ok := t.history[order.ClientOrderID]; ok {
		return
	}
	o := order.Clone()
	if !o.State.Valid() {
		o.State = core.StatePendingCreate
	}
	t.active[o.ClientOrderID] = &o
	t.indexLocked(&o)
	if o.Userref > t.lastUserref {
		t.lastUserref = o.Userref
	}
	t.archiveLocked(&o)
}

// ApplyOrderUpdate applies update only when it advances the state rank or
// supplies a missing exchange id. Cumulative executed amounts merge monotonically.
func (t *Tracker) ApplyOrderUpdate(update core.OrderUpdate) UpdateResult {
	t.mu.Lock()
	o := t.lookupLocked(update.ExchangeOrderID, update.Userref, update.ClientOrderID)
	if o == nil {
		t.mu.Unlock()
		return UpdateResult{}
	}
	applied := false
	if update.ExchangeOrderID != "" && o.ExchangeOrderID == "" {
		o.ExchangeOrderID = update.ExchangeOrderID
		t.byExchange[update.ExchangeOrderID] = o.ClientOrderID
		applied = true
	}
	venueMoved := false
	if update.ExecutedAmount != nil && update.ExecutedAmount.Cmp(o.VenueExecuted) > 0 {
		o.VenueExecuted = *update.ExecutedAmount
		venueMoved = true
	}
	from := o.State
	transitioned := false
	if update.State.Valid() && update.State.Rank() > o.State.Rank() {
		o.State = update.State
		transitioned = true
		applied = true
		if update.Reason != "" {
			o.LastError = update.Reason
		}
	}
	if applied {
		o.Revision++
		o.UpdatedAt = t.now()
	}
	if applied || venueMoved {
		t.archiveLocked(o)
	}
	snap := o.Clone()
	t.mu.Unlock()

	if transitioned {
		t.metrics.ObserveTransition(string(snap.State))
		t.log.WithFields(logrus.Fields{
			"event":           "order_transition",
			"client_order_id": snap.ClientOrderID,
			"from":            from,
			"to":              snap.State,
			"revision":        snap.Revision,
		}).Debug("order state advanced")
	}
	if !applied && update.State.Valid() {
		t.metrics.ObserveStaleUpdate()
		t.log.WithFields(logrus.Fields{
			"event":           "order_update_stale",
			"client_order_id": snap.ClientOrderID,
			"state":           snap.State,
			"update_state":    update.State,
		}).Debug("stale order update ignored")
	}
	if applied || venueMoved {
		t.notify(Change{Order: snap})
	}
	return UpdateResult{Found: true, Applied: applied, Order: snap}
}

// ApplyTradeFill applies a fill at most once per fill id.
func (t *Tracker) ApplyTradeFill(fill core.Fill) FillResult {
	t.mu.Lock()
	o := t.lookupLocked(fill.ExchangeOrderID, 0, fill.ClientOrderID)
	if o == nil {
		t.mu.Unlock()
		return FillResult{}
	}
	if _, ok := o.AppliedFills[fill.FillID]; ok || fill.FillID == "" {
		snap := o.Clone()
		t.mu.Unlock()
		t.metrics.ObserveDuplicateFill()
		t.log.WithFields(logrus.Fields{
			"event":           "fill_duplicate",
			"client_order_id": snap.ClientOrderID,
			"fill_id":         fill.FillID,
		}).Debug("duplicate fill ignored")
		return FillResult{Found: true, Duplicate: true, Order: snap}
	}
	if o.AppliedFills == nil {
		o.AppliedFills = make(map[string]struct{})
	}
	o.AppliedFills[fill.FillID] = struct{}{}
	o.Executed = o.Executed.Add(fill.Amount)
	if !fill.Fee.IsZero() {
		o.FeePaid = o.FeePaid.Add(fill.Fee)
	}
	if fill.FeeAsset != "" {
		o.FeeAsset = fill.FeeAsset
	}
	if o.Executed.Cmp(o.VenueExecuted) > 0 {
		o.VenueExecuted = o.Executed
	}
	from := o.State
	switch {
	case o.State.Terminal():
	case o.Executed.Cmp(o.Amount) >= 0:
		o.State = core.StateFilled
	case o.State == core.StatePendingCreate || o.State == core.StateOpen:
		o.State = core.StatePartiallyFilled
	}
	o.Revision++
	o.UpdatedAt = t.now()
	t.archiveLocked(o)
	snap := o.Clone()
	t.mu.Unlock()

	if snap.State != from {
		t.metrics.ObserveTransition(string(snap.State))
	}
	f := fill
	if f.ClientOrderID == "" {
		f.ClientOrderID = snap.ClientOrderID
	}
	t.notify(Change{Order: snap, Fill: &f})
	return FillResult{Found: true, Applied: true, Order: snap}
}

func (t *Tracker) ByClientID(id string) (core.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o := t.findLocked(id); o != nil {
		return o.Clone(), true
	}
	return core.Order{}, false
}

func (t *Tracker) ByExchangeID(id string) (core.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o := t.lookupLocked(id, 0, ""); o != nil {
		return o.Clone(), true
	}
	return core.Order{}, false
}

func (t *Tracker) ByUserref(ref int64) (core.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o := t.lookupLocked("", ref, ""); o != nil {
		return o.Clone(), true
	}
	return core.Order{}, false
}

// OpenOrders returns active orders that may still rest on the book, oldest first.
func (t *Tracker) OpenOrders() []core.Order {
	return t.collect(func(o *core.Order) bool { return o.State.Working() })
}

// ActiveOrders returns every order in the active table, including terminal
// orders still waiting for fills.
func (t *Tracker) ActiveOrders() []core.Order {
	return t.collect(func(*core.Order) bool { return true })
}

// Snapshot returns active and recently finished orders keyed by client id.
func (t *Tracker) Snapshot() map[string]core.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]core.Order, len(t.active)+len(t.history))
	for id, o := range t.history {
		out[id] = o.Clone()
	}
	for id, o := range t.active {
		out[id] = o.Clone()
	}
	return out
}

func (t *Tracker) collect(keep func(*core.Order) bool) []core.Order {
	t.mu.Lock()
	out := make([]core.Order, 0, len(t.active))
	for _, o := range t.active {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (t *Tracker) findLocked(clientID string) *core.Order {
	if clientID == "" {
		return nil
	}
	if o, ok := t.active[clientID]; ok {
		return o
	}
	return t.history[clientID]
}

// lookupLocked resolves by exchange id, then userref, then client id.
func (t *Tracker) lookupLocked(exchangeID string, userref int64, clientID string) *core.Order {
	if exchangeID != "" {
		if id, ok := t.byExchange[exchangeID]; ok {
			if o := t.findLocked(id); o != nil {
				return o
			}
		}
	}
	if userref != 0 {
		if id, ok := t.byUserref[userref]; ok {
			if o := t.findLocked(id); o != nil {
				return o
			}
		}
	}
	return t.findLocked(clientID)
}

func (t *Tracker) indexLocked(o *core.Order) {
	if o.ExchangeOrderID != "" {
		t.byExchange[o.ExchangeOrderID] = o.ClientOrderID
	}
	if o.Userref != 0 {
		t.byUserref[o.Userref] = o.ClientOrderID
	}
}

// archiveLocked moves a terminal order whose fills are all applied to history.
func (t *Tracker) archiveLocked(o *core.Order) {
	if !o.State.Terminal() || !o.FillsReconciled() {
		return
	}
	if _, ok := t.active[o.ClientOrderID]; !ok {
		return
	}
	delete(t.active, o.ClientOrderID)
	t.history[o.ClientOrderID] = o
	t.historyFIFO = append(t.historyFIFO, o.ClientOrderID)
	for len(t.history) > t.historySize && len(t.historyFIFO) > 0 {
		oldest := t.historyFIFO[0]
		t.historyFIFO = t.historyFIFO[1:]
		evicted, ok := t.history[oldest]
		if !ok {
			continue
		}
		delete(t.history, oldest)
		if evicted.ExchangeOrderID != "" && t.byExchange[evicted.ExchangeOrderID] == oldest {
			delete(t.byExchange, evicted.ExchangeOrderID)
		}
		if evicted.Userref != 0 && t.byUserref[evicted.Userref] == oldest {
			delete(t.byUserref, evicted.Userref)
		}
	}
}

func (t *Tracker) notify(change Change) {
	t.mu.Lock()
	observers := t.observers
	t.mu.Unlock()
	for _, fn := range observers {
		fn(change)
	}
}
