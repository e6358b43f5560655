package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"venue-connector/internal/core"
	"venue-connector/internal/exchange"
	"venue-connector/internal/safety"
	"venue-connector/internal/store"
)

type fakeVenue struct {
	mu        sync.Mutex
	release   chan struct{}
	result    func(order core.Order) core.PlacementResult
	placed    []core.Order
	cancelled []string
	cancelErr error
	streams   int
	stream    func(ctx context.Context, call int) (<-chan exchange.Event, <-chan error, error)
	balances  map[string]decimal.Decimal
	byUserref map[int64][]core.Order
	lookups   int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		balances: map[string]decimal.Decimal{"XBT": decimal.RequireFromString("2"), "USD": decimal.RequireFromString("50000")},
	}
}

func (f *fakeVenue) Name() string { return "kraken" }

func (f *fakeVenue) TradingRules(context.Context) (map[string]core.TradingRule, error) {
	return map[string]core.TradingRule{
		"XBT-USD": {
			Pair:        "XBT-USD",
			MinAmount:   decimal.RequireFromString("0.0001"),
			MinNotional: decimal.RequireFromString("5"),
			PriceTick:   decimal.RequireFromString("0.1"),
			AmountStep:  decimal.RequireFromString("0.00000001"),
		},
	}, nil
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, order core.Order) core.PlacementResult {
	f.mu.Lock()
	release := f.release
	result := f.result
	f.placed = append(f.placed, order)
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return core.Unknown(ctx.Err())
		}
	}
	if result != nil {
		return result(order)
	}
	return core.Succeeded("O-" + order.ClientOrderID)
}

func (f *fakeVenue) CancelOrder(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return true, nil
}

func (f *fakeVenue) QueryOrders(context.Context, []string) (map[string]exchange.OrderStatus, error) {
	return map[string]exchange.OrderStatus{}, nil
}

func (f *fakeVenue) QueryTrades(context.Context, []string) ([]core.Fill, error) { return nil, nil }

func (f *fakeVenue) OpenOrders(context.Context) ([]core.Order, error) { return nil, nil }

func (f *fakeVenue) OpenOrdersByUserref(_ context.Context, userref int64) ([]core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.byUserref[userref], nil
}

func (f *fakeVenue) ClosedOrdersByUserref(context.Context, int64) (map[string]exchange.OrderStatus, error) {
	return nil, nil
}

func (f *fakeVenue) setOpenByUserref(userref int64, orders ...core.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byUserref == nil {
		f.byUserref = make(map[int64][]core.Order)
	}
	f.byUserref[userref] = orders
}

func (f *fakeVenue) userrefLookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func (f *fakeVenue) Balances(context.Context) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances, nil
}

func (f *fakeVenue) ServerTime(context.Context) (time.Time, error) { return time.Now(), nil }

func (f *fakeVenue) UserStream(ctx context.Context) (<-chan exchange.Event, <-chan error, error) {
	f.mu.Lock()
	f.streams++
	call := f.streams
	stream := f.stream
	f.mu.Unlock()
	if stream == nil {
		return nil, nil, errors.New("no stream")
	}
	return stream(ctx, call)
}

func (f *fakeVenue) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *fakeVenue) streamCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams
}

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, _ map[string]string) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
}

func (a *alertSpy) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

type statusSpy struct {
	mu     sync.Mutex
	states []string
}

func (s *statusSpy) SaveRuntimeStatus(status store.RuntimeStatus) error {
	s.mu.Lock()
	s.states = append(s.states, status.State)
	s.mu.Unlock()
	return nil
}

func (s *statusSpy) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return ""
	}
	return s.states[len(s.states)-1]
}

func newTestConnector(t *testing.T, venue *fakeVenue, mutate func(*Options)) (*Connector, *alertSpy) {
	t.Helper()
	spy := &alertSpy{}
	seq := 0
	opts := Options{
		Venue:   venue,
		Alerter: spy,
		NewClientID: func() string {
			seq++
			return fmt.Sprintf("c-%d", seq)
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, spy
}

func limitBuy(amount string) OrderRequest {
	return OrderRequest{
		Pair:   "xbt-usd",
		Side:   core.Buy,
		Type:   core.Limit,
		Price:  decimal.RequireFromString("30000.07"),
		Amount: decimal.RequireFromString(amount),
	}
}

func waitIdle(t *testing.T, c *Connector) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPlaceOrderTracksBeforeVenueAnswers(t *testing.T) {
	venue := newFakeVenue()
	venue.release = make(chan struct{})
	c, _ := newTestConnector(t, venue, nil)

	id, err := c.PlaceOrder(context.Background(), limitBuy("0.5"))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	o, ok := c.Order(id)
	if !ok || o.State != core.StatePendingCreate {
		t.Fatalf("Order(%s) = %+v, %v, want PENDING_CREATE", id, o, ok)
	}
	if o.Pair != "XBT-USD" || !o.Price.Equal(decimal.RequireFromString("30000")) || o.Userref != 1 {
		t.Fatalf("order not normalized: %+v", o)
	}
	if !c.isInFlight(id) {
		t.Fatalf("isInFlight(%s) = false while venue call is outstanding", id)
	}
	if err := c.ledger.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	locked := c.GetBalances()["USD"].Locked
	if !locked.Equal(decimal.RequireFromString("15000")) {
		t.Fatalf("USD locked = %s, want 15000 for the pending order", locked)
	}

	close(venue.release)
	waitIdle(t, c)
	o, _ = c.Order(id)
	if o.State != core.StateOpen || o.ExchangeOrderID != "O-"+id {
		t.Fatalf("order after ack = %+v, want OPEN with exchange id", o)
	}
	if c.isInFlight(id) {
		t.Fatalf("isInFlight(%s) = true after ack", id)
	}
}

func TestPlaceOrderRejectedByVenueFailsAndAlerts(t *testing.T) {
	venue := newFakeVenue()
	venue.result = func(core.Order) core.PlacementResult {
		return core.Failed(&core.VenueRejectedError{Reasons: []string{"EOrder:Insufficient funds"}})
	}
	c, spy := newTestConnector(t, venue, nil)

	id, err := c.PlaceOrder(context.Background(), limitBuy("0.5"))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	waitIdle(t, c)
	o, _ := c.Order(id)
	if o.State != core.StateFailed || o.LastError == "" {
		t.Fatalf("order = %+v, want FAILED with reason", o)
	}
	if !spy.has("venue_rejected") {
		t.Fatalf("alerts = %v, want venue_rejected", spy.events)
	}
	if len(c.GetOpenOrders()) != 0 {
		t.Fatalf("GetOpenOrders() = %v, want none", c.GetOpenOrders())
	}
}

func TestPlaceOrderUnknownOutcomeStaysPending(t *testing.T) {
	venue := newFakeVenue()
	venue.result = func(core.Order) core.PlacementResult {
		return core.Unknown(&core.RequestFailedError{Endpoint: "AddOrder", Attempts: 3, Last: errors.New("timeout")})
	}
	c, spy := newTestConnector(t, venue, nil)

	id, err := c.PlaceOrder(context.Background(), limitBuy("0.5"))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	waitIdle(t, c)
	o, _ := c.Order(id)
	if o.State != core.StatePendingCreate {
		t.Fatalf("state = %s, want PENDING_CREATE until reconciled", o.State)
	}
	if c.isInFlight(id) {
		t.Fatalf("isInFlight(%s) = true, userref resolution must be allowed", id)
	}
	if !spy.has("request_failed") {
		t.Fatalf("alerts = %v, want request_failed", spy.events)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	c, _ := newTestConnector(t, newFakeVenue(), nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  OrderRequest
		want error
	}{
		{"bad pair", OrderRequest{Pair: "XBTUSD", Side: core.Buy, Type: core.Limit, Price: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1)}, core.ErrInvalidOrder},
		{"unknown pair", OrderRequest{Pair: "ETH-USD", Side: core.Buy, Type: core.Limit, Price: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1)}, core.ErrInvalidOrder},
		{"bad side", OrderRequest{Pair: "XBT-USD", Side: "HOLD", Type: core.Limit, Price: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1)}, core.ErrInvalidOrder},
		{"below min amount", limitBuy("0.00005"), core.ErrBelowMinAmount},
		{"below min notional", OrderRequest{Pair: "XBT-USD", Side: core.Sell, Type: core.Limit, Price: decimal.NewFromInt(10), Amount: decimal.RequireFromString("0.1")}, core.ErrBelowMinNotional},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.PlaceOrder(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("PlaceOrder() error = %v, want %v", err, tc.want)
			}
		})
	}
	if n := len(c.tracker.ActiveOrders()); n != 0 {
		t.Fatalf("active orders = %d, want 0 after rejected requests", n)
	}
}

func TestPlaceOrderRejectsDuplicateClientID(t *testing.T) {
	c, _ := newTestConnector(t, newFakeVenue(), nil)
	req := limitBuy("0.5")
	req.ClientOrderID = "mine-1"
	if _, err := c.PlaceOrder(context.Background(), req); err != nil {
		t.Fatalf("PlaceOrder(first) error = %v", err)
	}
	if _, err := c.PlaceOrder(context.Background(), req); !errors.Is(err, core.ErrDuplicateOrder) {
		t.Fatalf("PlaceOrder(second) error = %v, want ErrDuplicateOrder", err)
	}
	waitIdle(t, c)
}

func TestPlaceOrderFailsFastWhenCircuitOpen(t *testing.T) {
	venue := newFakeVenue()
	venue.result = func(core.Order) core.PlacementResult {
		return core.Failed(&core.RequestFailedError{Endpoint: "AddOrder", Attempts: 1, Last: errors.New("EService:Unavailable")})
	}
	c, _ := newTestConnector(t, venue, func(o *Options) {
		o.Breaker = safety.NewBreaker(safety.Options{Enabled: true, MaxPlaceFailures: 1, Cooldown: time.Hour})
	})

	if _, err := c.PlaceOrder(context.Background(), limitBuy("0.5")); err != nil {
		t.Fatalf("PlaceOrder(first) error = %v", err)
	}
	waitIdle(t, c)
	if _, err := c.PlaceOrder(context.Background(), limitBuy("0.5")); !errors.Is(err, safety.ErrCircuitOpen) {
		t.Fatalf("PlaceOrder(after trip) error = %v, want ErrCircuitOpen", err)
	}
	venue.mu.Lock()
	placed := len(venue.placed)
	venue.mu.Unlock()
	if placed != 1 {
		t.Fatalf("venue placements = %d, want 1", placed)
	}
}

func TestCancelOrder(t *testing.T) {
	venue := newFakeVenue()
	c, _ := newTestConnector(t, venue, nil)
	ctx := context.Background()

	id, err := c.PlaceOrder(ctx, limitBuy("0.5"))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	waitIdle(t, c)

	ok, err := c.CancelOrder(ctx, id)
	if err != nil || !ok {
		t.Fatalf("CancelOrder() = %v, %v, want true, nil", ok, err)
	}
	o, _ := c.Order(id)
	if o.State != core.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", o.State)
	}
	if got := venue.cancelledIDs(); len(got) != 1 || got[0] != "O-"+id {
		t.Fatalf("venue cancels = %v", got)
	}

	ok, err = c.CancelOrder(ctx, id)
	if err != nil || ok {
		t.Fatalf("CancelOrder(terminal) = %v, %v, want false, nil", ok, err)
	}
	if _, err := c.CancelOrder(ctx, "nope"); !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("CancelOrder(unknown) error = %v, want ErrOrderNotFound", err)
	}
}

func TestCancelOrderVenueFailureLeavesPendingCancel(t *testing.T) {
	venue := newFakeVenue()
	c, _ := newTestConnector(t, venue, nil)
	ctx := context.Background()

	id, err := c.PlaceOrder(ctx, limitBuy("0.5"))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	waitIdle(t, c)

	venue.mu.Lock()
	venue.cancelErr = errors.New("EService:Busy")
	venue.mu.Unlock()
	if ok, err := c.CancelOrder(ctx, id); err == nil || ok {
		t.Fatalf("CancelOrder() = %v, %v, want error", ok, err)
	}
	o, _ := c.Order(id)
	if o.State != core.StatePendingCancel {
		t.Fatalf("state = %s, want PENDING_CANCEL", o.State)
	}
}

func TestCancelBeforeAckIsSentOnceAcknowledged(t *testing.T) {
	venue := newFakeVenue()
	venue.release = make(chan struct{})
	c, _ := newTestConnector(t, venue, nil)
	ctx := context.Background()

	id, err := c.PlaceOrder(ctx, limitBuy("0.5"))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	ok, err := c.CancelOrder(ctx, id)
	if err != nil || !ok {
		t.Fatalf("CancelOrder() = %v, %v, want queued", ok, err)
	}
	if o, _ := c.Order(id); o.State != core.StatePendingCancel {
		t.Fatalf("state = %s, want PENDING_CANCEL", o.State)
	}
	if got := venue.cancelledIDs(); len(got) != 0 {
		t.Fatalf("venue cancels = %v before ack", got)
	}

	close(venue.release)
	waitIdle(t, c)
	if got := venue.cancelledIDs(); len(got) != 1 || got[0] != "O-"+id {
		t.Fatalf("venue cancels = %v, want the acknowledged order", got)
	}
	if o, _ := c.Order(id); o.State != core.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", o.State)
	}
}

func unknownAfterCancel(t *testing.T, venue *fakeVenue) (*Connector, *testClock, string) {
	t.Helper()
	venue.release = make(chan struct{})
	venue.result = func(core.Order) core.PlacementResult {
		return core.Unknown(errors.New("read tcp: i/o timeout"))
	}
	clock := &testClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	c, _ := newTestConnector(t, venue, func(o *Options) { o.Now = clock.Now })
	ctx := context.Background()

	id, err := c.PlaceOrder(ctx, limitBuy("0.5"))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if ok, err := c.CancelOrder(ctx, id); err != nil || !ok {
		t.Fatalf("CancelOrder() = %v, %v, want queued", ok, err)
	}
	close(venue.release)
	waitIdle(t, c)
	if o, _ := c.Order(id); o.State != core.StatePendingCancel || o.ExchangeOrderID != "" {
		t.Fatalf("order = %+v, want PENDING_CANCEL without exchange id", o)
	}
	clock.Advance(time.Minute)
	return c, clock, id
}

func TestCancelBeforeUnknownPlacementIsSentOnceRecovered(t *testing.T) {
	venue := newFakeVenue()
	c, _, id := unknownAfterCancel(t, venue)
	o, _ := c.Order(id)
	venue.setOpenByUserref(o.Userref, core.Order{ExchangeOrderID: "OX-1", Userref: o.Userref, State: core.StateOpen})

	if err := c.engine.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	waitIdle(t, c)
	if venue.userrefLookups() == 0 {
		t.Fatalf("userref lookups = 0, want the pending cancel resolved by userref")
	}
	if got := venue.cancelledIDs(); len(got) != 1 || got[0] != "OX-1" {
		t.Fatalf("venue cancels = %v, want [OX-1]", got)
	}
	if o, _ := c.Order(id); o.State != core.StateCancelled || o.ExchangeOrderID != "OX-1" {
		t.Fatalf("order = %+v, want CANCELLED with OX-1", o)
	}
}

func TestCancelBeforeUnknownPlacementReleasesFundsWhenAbsent(t *testing.T) {
	venue := newFakeVenue()
	c, _, id := unknownAfterCancel(t, venue)
	ctx := context.Background()
	if err := c.ledger.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if locked := c.GetBalances()["USD"].Locked; !locked.Equal(decimal.RequireFromString("15000")) {
		t.Fatalf("USD locked = %s, want 15000 before reconciliation", locked)
	}

	for i := 0; i < 3; i++ {
		if err := c.engine.PollOnce(ctx); err != nil {
			t.Fatalf("PollOnce() error = %v", err)
		}
	}
	waitIdle(t, c)
	if o, _ := c.Order(id); o.State != core.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", o.State)
	}
	if locked := c.GetBalances()["USD"].Locked; !locked.IsZero() {
		t.Fatalf("USD locked = %s, want 0 once the order is closed", locked)
	}
	if got := venue.cancelledIDs(); len(got) != 0 {
		t.Fatalf("venue cancels = %v, want none", got)
	}
	c.mu.Lock()
	_, deferred := c.deferredCancels[id]
	c.mu.Unlock()
	if deferred {
		t.Fatalf("deferred cancel for %s kept after the order closed", id)
	}
}

func TestRestoreStateKeepsFailedOrdersAside(t *testing.T) {
	c, spy := newTestConnector(t, newFakeVenue(), nil)
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	c.RestoreState(map[string]core.Order{
		"open-1": {
			ExchangeOrderID: "OX-1",
			Pair:            "XBT-USD",
			Side:            core.Sell,
			Type:            core.Limit,
			Price:           decimal.NewFromInt(40000),
			Amount:          decimal.RequireFromString("0.2"),
			Userref:         41,
			State:           core.StateOpen,
			CreatedAt:       created,
		},
		"lost-1": {
			ClientOrderID: "lost-1",
			Pair:          "XBT-USD",
			Side:          core.Buy,
			Type:          core.Limit,
			Price:         decimal.NewFromInt(30000),
			Amount:        decimal.RequireFromString("0.2"),
			Userref:       7,
			State:         core.StateFailed,
			CreatedAt:     created,
		},
	})

	open := c.GetOpenOrders()
	if len(open) != 1 || open[0].ClientOrderID != "open-1" {
		t.Fatalf("GetOpenOrders() = %+v, want open-1", open)
	}
	lost := c.LostOrders()
	if len(lost) != 1 || lost[0].ClientOrderID != "lost-1" {
		t.Fatalf("LostOrders() = %+v, want lost-1", lost)
	}
	if _, ok := c.Order("lost-1"); ok {
		t.Fatalf("lost order must not be tracked")
	}
	if !spy.has("lost_orders_found") {
		t.Fatalf("alerts = %v, want lost_orders_found", spy.events)
	}

	id, err := c.PlaceOrder(context.Background(), limitBuy("0.5"))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if o, _ := c.Order(id); o.Userref != 42 {
		t.Fatalf("userref = %d, want 42 after restore", o.Userref)
	}
	waitIdle(t, c)
}

func TestFlushPersistsOrdersAndJournalsFills(t *testing.T) {
	fs, err := store.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	c, _ := newTestConnector(t, newFakeVenue(), func(o *Options) { o.Store = fs })

	id, err := c.PlaceOrder(context.Background(), limitBuy("0.5"))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	waitIdle(t, c)
	c.engine.HandleEvent(exchange.Event{
		Channel: exchange.ChannelOwnTrades,
		Fills: []core.Fill{{
			FillID:          "T-1",
			ExchangeOrderID: "O-" + id,
			Pair:            "XBT-USD",
			Side:            core.Buy,
			Amount:          decimal.RequireFromString("0.2"),
			Price:           decimal.NewFromInt(30000),
			Time:            time.Now().UTC(),
		}},
	})
	if ok, err := fs.HasFill("T-1"); err != nil || !ok {
		t.Fatalf("HasFill(T-1) = %v, %v, want journaled", ok, err)
	}

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	orders, ok, err := fs.LoadOrders()
	if err != nil || !ok {
		t.Fatalf("LoadOrders() = %v, %v", ok, err)
	}
	saved := orders[id]
	if saved.State != core.StatePartiallyFilled || !saved.Executed.Equal(decimal.RequireFromString("0.2")) {
		t.Fatalf("saved order = %+v, want PARTIALLY_FILLED 0.2", saved)
	}

	restored, _ := newTestConnector(t, newFakeVenue(), func(o *Options) { o.Store = fs })
	if ok, err := restored.LoadState(); err != nil || !ok {
		t.Fatalf("LoadState() = %v, %v", ok, err)
	}
	if o, ok := restored.Order(id); !ok || o.State != core.StatePartiallyFilled {
		t.Fatalf("restored order = %+v, %v", o, ok)
	}
}

func TestRunReconnectsStreamAndStopsCleanly(t *testing.T) {
	venue := newFakeVenue()
	venue.stream = func(ctx context.Context, call int) (<-chan exchange.Event, <-chan error, error) {
		if call == 1 {
			return nil, nil, errors.New("dial tcp: connection refused")
		}
		events := make(chan exchange.Event)
		errs := make(chan error, 1)
		go func() {
			<-ctx.Done()
			close(events)
		}()
		return events, errs, nil
	}
	status := &statusSpy{}
	c, spy := newTestConnector(t, venue, func(o *Options) {
		o.Status = status
		o.Intervals = Intervals{
			Heartbeat:        10 * time.Millisecond,
			ReconnectInitial: time.Millisecond,
			ReconnectMax:     5 * time.Millisecond,
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, "stream reconnect", func() bool {
		return venue.streamCalls() >= 2 && c.RuntimeStatus().State == StateRunning
	})
	if !spy.has("stream_disconnected") || !spy.has("stream_reconnected") {
		t.Fatalf("alerts = %v, want disconnect and reconnect", spy.events)
	}
	if got := c.RuntimeStatus().ReconnectAttempts; got != 0 {
		t.Fatalf("ReconnectAttempts = %d, want 0 once connected", got)
	}
	if _, ok := c.GetBalances()["XBT"]; !ok {
		t.Fatalf("GetBalances() = %v, want initial refresh", c.GetBalances())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil on shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after cancel")
	}
	if got := status.last(); got != StateStopped {
		t.Fatalf("last status = %q, want stopped", got)
	}
}
