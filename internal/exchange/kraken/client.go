package kraken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"venue-connector/internal/core"
	"venue-connector/internal/dispatcher"
	"venue-connector/internal/exchange"
	"venue-connector/internal/logger"
	"venue-connector/internal/signer"
)

// Executor is satisfied by *dispatcher.Dispatcher.
type Executor interface {
	Execute(ctx context.Context, req signer.Request, policy dispatcher.RetryPolicy) (dispatcher.Response, error)
}

type Options struct {
	WSURL         string
	MaxAttempts   int
	RetryInterval time.Duration
	PingInterval  time.Duration
	Dialer        *websocket.Dialer
	Log           logrus.FieldLogger
}

type Client struct {
	exec         Executor
	wsURL        string
	policy       dispatcher.RetryPolicy
	pingInterval time.Duration
	dialer       *websocket.Dialer
	log          logrus.FieldLogger
	pairs        *pairTable
}

var _ exchange.Venue = (*Client)(nil)

func NewClient(exec Executor, opts Options) *Client {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	return &Client{
		exec:         exec,
		wsURL:        strings.TrimRight(opts.WSURL, "/"),
		policy:       dispatcher.RetryPolicy{MaxAttempts: opts.MaxAttempts, BaseInterval: opts.RetryInterval},
		pingInterval: opts.PingInterval,
		dialer:       opts.Dialer,
		log:          logger.WithComponent(opts.Log, "kraken"),
		pairs:        newPairTable(),
	}
}

func (c *Client) Name() string { return "kraken" }

func privateRequest(endpoint string, params *signer.Params) signer.Request {
	if params == nil {
		params = signer.NewParams()
	}
	return signer.Request{
		Method:       http.MethodPost,
		Path:         "/0/private/" + endpoint,
		Params:       params,
		AuthRequired: true,
		Endpoint:     endpoint,
	}
}

func publicRequest(endpoint string, params *signer.Params) signer.Request {
	return signer.Request{
		Method:   http.MethodGet,
		Path:     "/0/public/" + endpoint,
		Params:   params,
		Endpoint: endpoint,
	}
}

func (c *Client) call(ctx context.Context, req signer.Request, policy dispatcher.RetryPolicy, out any) error {
	resp, err := c.exec.Execute(ctx, req, policy)
	if err != nil {
		return err
	}
	if err := decodeResult(resp.Body, out); err != nil {
		return fmt.Errorf("%s: %w", req.Endpoint, err)
	}
	return nil
}

// TradingRules loads AssetPairs, refreshing the pair translation table.
func (c *Client) TradingRules(ctx context.Context) (map[string]core.TradingRule, error) {
	var pairs map[string]assetPairInfo
	if err := c.call(ctx, publicRequest(EndpointAssetPairs, nil), c.policy, &pairs); err != nil {
		return nil, err
	}
	return c.pairs.load(pairs), nil
}

// PlaceOrder submits AddOrder. A retryable failure is first checked against the
// open orders carrying the same userref, so a placement that went through is not duplicated.
func (c *Client) PlaceOrder(ctx context.Context, order core.Order) core.PlacementResult {
	pair, ok := c.pairs.venue(order.Pair)
	if !ok {
		return core.Failed(fmt.Errorf("%w: unknown pair %q", core.ErrInvalidOrder, order.Pair))
	}
	if order.Userref == 0 {
		return core.Failed(fmt.Errorf("%w: userref required", core.ErrInvalidOrder))
	}
	params := signer.NewParams().
		Set("pair", pair).
		Set("type", strings.ToLower(string(order.Side))).
		Set("ordertype", venueOrderType(order.Type)).
		Set("volume", order.Amount.String()).
		Set("userref", strconv.FormatInt(order.Userref, 10))
	if order.Type != core.Market {
		params.Set("price", order.Price.String())
	}
	if order.Type == core.LimitMaker {
		params.Set("oflags", "post")
	}

	policy := c.policy
	policy.Confirm = func(ctx context.Context) (dispatcher.Response, bool, error) {
		return c.confirmByUserref(ctx, order.Userref)
	}
	resp, err := c.exec.Execute(ctx, privateRequest(EndpointAddOrder, params), policy)
	if err != nil {
		return placementFailure(err)
	}
	if resp.Confirmed {
		var open openOrdersResult
		if err := decodeResult(resp.Body, &open); err != nil || len(open.Open) == 0 {
			return core.Unknown(fmt.Errorf("decode confirmed placement: %v", err))
		}
		txid := firstKey(open.Open)
		result := core.Succeeded(txid)
		result.Confirmed = true
		return result
	}
	var added addOrderResult
	if err := decodeResult(resp.Body, &added); err != nil {
		return core.Unknown(fmt.Errorf("decode AddOrder: %w", err))
	}
	if len(added.TxID) == 0 {
		return core.Unknown(errors.New("AddOrder returned no txid"))
	}
	return core.Succeeded(added.TxID[0])
}

// placementFailure separates requests that certainly did not place an order
// from those whose effect on the venue is unknown.
func placementFailure(err error) core.PlacementResult {
	if apiErr, ok := AsAPIError(err); ok && !errors.Is(err, core.ErrTransient) {
		return core.Failed(&core.VenueRejectedError{Reasons: apiErr.Messages})
	}
	var cfgErr *core.ConfigurationError
	if errors.Is(err, core.ErrRateLimitTimeout) || errors.As(err, &cfgErr) {
		return core.Failed(err)
	}
	var statusErr *dispatcher.StatusError
	if errors.As(err, &statusErr) && !dispatcher.IsEdgeProxyStatus(statusErr.Status) {
		return core.Failed(err)
	}
	return core.Unknown(err)
}

func (c *Client) confirmByUserref(ctx context.Context, userref int64) (dispatcher.Response, bool, error) {
	params := signer.NewParams().Set("userref", strconv.FormatInt(userref, 10))
	resp, err := c.exec.Execute(ctx, privateRequest(EndpointOpenOrders, params), dispatcher.RetryPolicy{MaxAttempts: 1})
	if err != nil {
		return dispatcher.Response{}, false, err
	}
	var open openOrdersResult
	if err := decodeResult(resp.Body, &open); err != nil {
		return dispatcher.Response{}, false, err
	}
	return resp, len(open.Open) > 0, nil
}

// CancelOrder reports whether the venue cancelled exactly the requested order.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) (bool, error) {
	if exchangeOrderID == "" {
		return false, errors.New("exchange order id required")
	}
	params := signer.NewParams().Set("txid", exchangeOrderID)
	var out cancelOrderResult
	if err := c.call(ctx, privateRequest(EndpointCancelOrder, params), c.policy, &out); err != nil {
		return false, err
	}
	return out.Count == 1, nil
}

func (c *Client) QueryOrders(ctx context.Context, exchangeOrderIDs []string) (map[string]exchange.OrderStatus, error) {
	if len(exchangeOrderIDs) == 0 {
		return map[string]exchange.OrderStatus{}, nil
	}
	params := signer.NewParams().
		Set("txid", strings.Join(exchangeOrderIDs, ",")).
		Set("trades", "true")
	var raw map[string]orderInfo
	if err := c.call(ctx, privateRequest(EndpointQueryOrders, params), c.policy, &raw); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make(map[string]exchange.OrderStatus, len(raw))
	for txid, info := range raw {
		out[txid] = exchange.OrderStatus{
			Update:   orderUpdate(txid, info, now),
			TradeIDs: info.Trades,
			Error:    info.Error,
		}
	}
	return out, nil
}

func (c *Client) QueryTrades(ctx context.Context, tradeIDs []string) ([]core.Fill, error) {
	if len(tradeIDs) == 0 {
		return nil, nil
	}
	params := signer.NewParams().Set("txid", strings.Join(tradeIDs, ","))
	var raw map[string]tradeInfo
	if err := c.call(ctx, privateRequest(EndpointQueryTrades, params), c.policy, &raw); err != nil {
		return nil, err
	}
	fills := make([]core.Fill, 0, len(raw))
	for tradeID, info := range raw {
		fill, err := c.pairs.fill(tradeID, info)
		if err != nil {
			c.log.WithField("event", "trade_decode_failed").WithError(err).Warn("skipping trade")
			continue
		}
		fills = append(fills, fill)
	}
	sort.Slice(fills, func(i, j int) bool { return fills[i].Time.Before(fills[j].Time) })
	return fills, nil
}

func (c *Client) OpenOrders(ctx context.Context) ([]core.Order, error) {
	return c.openOrders(ctx, signer.NewParams())
}

func (c *Client) OpenOrdersByUserref(ctx context.Context, userref int64) ([]core.Order, error) {
	return c.openOrders(ctx, signer.NewParams().Set("userref", strconv.FormatInt(userref, 10)))
}

// ClosedOrdersByUserref returns recently closed orders carrying userref, with
// their trade ids.
func (c *Client) ClosedOrdersByUserref(ctx context.Context, userref int64) (map[string]exchange.OrderStatus, error) {
	params := signer.NewParams().
		Set("trades", "true").
		Set("userref", strconv.FormatInt(userref, 10))
	var out closedOrdersResult
	if err := c.call(ctx, privateRequest(EndpointClosedOrders, params), c.policy, &out); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	statuses := make(map[string]exchange.OrderStatus, len(out.Closed))
	for txid, info := range out.Closed {
		statuses[txid] = exchange.OrderStatus{
			Update:   orderUpdate(txid, info, now),
			TradeIDs: info.Trades,
			Error:    info.Error,
		}
	}
	return statuses, nil
}

func (c *Client) openOrders(ctx context.Context, params *signer.Params) ([]core.Order, error) {
	var out openOrdersResult
	if err := c.call(ctx, privateRequest(EndpointOpenOrders, params), c.policy, &out); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(out.Open))
	for txid, info := range out.Open {
		if info.Status != "" && info.Status != "open" && info.Status != "pending" {
			continue
		}
		order, err := c.pairs.openOrder(txid, info)
		if err != nil {
			c.log.WithField("event", "open_order_decode_failed").WithError(err).Warn("skipping open order")
			continue
		}
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ExchangeOrderID < orders[j].ExchangeOrderID })
	return orders, nil
}

// Balances returns venue totals keyed by canonical asset name.
func (c *Client) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var raw map[string]string
	if err := c.call(ctx, privateRequest(EndpointBalance, nil), c.policy, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for asset, amount := range raw {
		v, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", asset, err)
		}
		name := NormalizeAsset(asset)
		out[name] = out[name].Add(v)
	}
	return out, nil
}

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var out serverTimeResult
	if err := c.call(ctx, publicRequest(EndpointServerTime, nil), dispatcher.RetryPolicy{MaxAttempts: 1}, &out); err != nil {
		return time.Time{}, err
	}
	if out.UnixTime <= 0 {
		return time.Time{}, errors.New("server time missing")
	}
	return time.Unix(out.UnixTime, 0).UTC(), nil
}

func (c *Client) WebSocketsToken(ctx context.Context) (string, error) {
	var out wsTokenResult
	if err := c.call(ctx, privateRequest(EndpointWSToken, nil), c.policy, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("empty websocket token")
	}
	return out.Token, nil
}

func venueOrderType(t core.OrderType) string {
	if t == core.Market {
		return "market"
	}
	return "limit"
}

func firstKey(m map[string]orderInfo) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}
