package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"venue-connector/internal/core"
)

// Channel names carried by stream events.
const (
	ChannelOwnTrades  = "ownTrades"
	ChannelOpenOrders = "openOrders"
)

// Event is one translated stream message.
type Event struct {
	Channel  string
	Sequence int64
	Updates  []core.OrderUpdate
	Fills    []core.Fill
	// Err is set when the message could not be translated; the stream keeps going.
	Err error
}

// OrderStatus is a polled order status. Error carries a venue-side error reported on the order.
type OrderStatus struct {
	Update   core.OrderUpdate
	TradeIDs []string
	Error    string
}

type Venue interface {
	Name() string
	TradingRules(ctx context.Context) (map[string]core.TradingRule, error)
	PlaceOrder(ctx context.Context, order core.Order) core.PlacementResult
	CancelOrder(ctx context.Context, exchangeOrderID string) (bool, error)
	QueryOrders(ctx context.Context, exchangeOrderIDs []string) (map[string]OrderStatus, error)
	QueryTrades(ctx context.Context, tradeIDs []string) ([]core.Fill, error)
	OpenOrders(ctx context.Context) ([]core.Order, error)
	OpenOrdersByUserref(ctx context.Context, userref int64) ([]core.Order, error)
	ClosedOrdersByUserref(ctx context.Context, userref int64) (map[string]OrderStatus, error)
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
	ServerTime(ctx context.Context) (time.Time, error)
	UserStream(ctx context.Context) (<-chan Event, <-chan error, error)
}
