package kraken

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"venue-connector/internal/core"
)

var orderStates = map[string]core.OrderState{
	"pending":  core.StateOpen,
	"open":     core.StateOpen,
	"closed":   core.StateFilled,
	"canceled": core.StateCancelled,
	"expired":  core.StateFailed,
}

var assetAliases = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

// NormalizeAsset maps a venue asset code (XXBT, ZUSD, USDT) to its canonical name.
func NormalizeAsset(raw string) string {
	a := strings.ToUpper(strings.TrimSpace(raw))
	if len(a) == 4 && (a[0] == 'X' || a[0] == 'Z') {
		a = a[1:]
	}
	if alias, ok := assetAliases[a]; ok {
		return alias
	}
	return a
}

func venueAsset(canonical string) string {
	a := strings.ToUpper(canonical)
	for venue, alias := range assetAliases {
		if alias == a {
			return venue
		}
	}
	return a
}

type pairInfo struct {
	key       string
	altname   string
	wsname    string
	canonical string
	rule      core.TradingRule
}

// pairTable translates between raw venue pair names and canonical BASE-QUOTE pairs.
type pairTable struct {
	mu          sync.RWMutex
	byRaw       map[string]pairInfo
	byCanonical map[string]pairInfo
}

func newPairTable() *pairTable {
	return &pairTable{
		byRaw:       make(map[string]pairInfo),
		byCanonical: make(map[string]pairInfo),
	}
}

func (t *pairTable) load(pairs map[string]assetPairInfo) map[string]core.TradingRule {
	byRaw := make(map[string]pairInfo, len(pairs)*3)
	byCanonical := make(map[string]pairInfo, len(pairs))
	rules := make(map[string]core.TradingRule, len(pairs))
	for key, p := range pairs {
		if p.Status != "" && p.Status != "online" {
			continue
		}
		canonical := core.CombinePair(NormalizeAsset(p.Base), NormalizeAsset(p.Quote))
		info := pairInfo{
			key:       key,
			altname:   p.Altname,
			wsname:    p.WSName,
			canonical: canonical,
			rule:      tradingRule(canonical, p),
		}
		for _, raw := range []string{key, p.Altname, p.WSName} {
			if raw != "" {
				byRaw[raw] = info
			}
		}
		byCanonical[canonical] = info
		rules[canonical] = info.rule
	}
	t.mu.Lock()
	t.byRaw = byRaw
	t.byCanonical = byCanonical
	t.mu.Unlock()
	return rules
}

func (t *pairTable) canonical(raw string) string {
	t.mu.RLock()
	info, ok := t.byRaw[raw]
	t.mu.RUnlock()
	if ok {
		return info.canonical
	}
	if base, quote, found := strings.Cut(raw, "/"); found {
		return core.CombinePair(NormalizeAsset(base), NormalizeAsset(quote))
	}
	return raw
}

func (t *pairTable) venue(canonical string) (string, bool) {
	t.mu.RLock()
	info, ok := t.byCanonical[canonical]
	t.mu.RUnlock()
	if ok {
		return info.altname, true
	}
	base, quote, valid := core.SplitPair(canonical)
	if !valid {
		return "", false
	}
	return venueAsset(base) + venueAsset(quote), true
}

func (t *pairTable) quote(canonical string) string {
	_, quote, _ := core.SplitPair(canonical)
	return quote
}

func tradingRule(canonical string, p assetPairInfo) core.TradingRule {
	rule := core.TradingRule{
		Pair:        canonical,
		MinAmount:   parseDecimal(p.OrderMin),
		MinNotional: parseDecimal(p.CostMin),
		PriceTick:   parseDecimal(p.TickSize),
		AmountStep:  decimal.New(1, -int32(p.LotDecimals)),
	}
	if rule.PriceTick.IsZero() {
		rule.PriceTick = decimal.New(1, -int32(p.PairDecimals))
	}
	return rule
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseUserref(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func unixSeconds(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func sideFromVenue(v string) core.Side {
	if strings.EqualFold(v, "sell") {
		return core.Sell
	}
	return core.Buy
}

func orderTypeFromVenue(v string, post bool) core.OrderType {
	switch strings.ToLower(v) {
	case "market":
		return core.Market
	default:
		if post {
			return core.LimitMaker
		}
		return core.Limit
	}
}

// orderUpdate translates a polled or streamed order record.
func orderUpdate(txid string, info orderInfo, at time.Time) core.OrderUpdate {
	update := core.OrderUpdate{
		ExchangeOrderID: txid,
		Userref:         parseUserref(info.Userref.String()),
		Reason:          info.Reason,
		Time:            at,
	}
	if info.VolExec != "" {
		if exec, err := decimal.NewFromString(info.VolExec); err == nil {
			update.ExecutedAmount = &exec
		}
	}
	if state, ok := orderStates[info.Status]; ok {
		update.State = state
		if state == core.StateOpen && update.ExecutedAmount != nil && update.ExecutedAmount.Sign() > 0 {
			update.State = core.StatePartiallyFilled
		}
	}
	return update
}

// openOrder translates a resting venue order, used for balance locks and placement recovery.
func (t *pairTable) openOrder(txid string, info orderInfo) (core.Order, error) {
	if info.Descr == nil {
		return core.Order{}, fmt.Errorf("open order %s: missing descr", txid)
	}
	amount, err := decimal.NewFromString(info.Vol)
	if err != nil {
		return core.Order{}, fmt.Errorf("open order %s: vol: %w", txid, err)
	}
	executed := parseDecimal(info.VolExec)
	price := parseDecimal(info.Descr.Price)
	state := core.StateOpen
	if executed.Sign() > 0 {
		state = core.StatePartiallyFilled
	}
	return core.Order{
		ExchangeOrderID: txid,
		Pair:            t.canonical(info.Descr.Pair),
		Side:            sideFromVenue(info.Descr.Type),
		Type:            orderTypeFromVenue(info.Descr.OrderType, false),
		Price:           price,
		Amount:          amount,
		Userref:         parseUserref(info.Userref.String()),
		State:           state,
		CreatedAt:       unixSeconds(info.OpenTime),
		Executed:        executed,
		VenueExecuted:   executed,
	}, nil
}

func (t *pairTable) fill(tradeID string, info tradeInfo) (core.Fill, error) {
	if info.OrderTxID == "" {
		return core.Fill{}, fmt.Errorf("trade %s: missing ordertxid", tradeID)
	}
	amount, err := decimal.NewFromString(info.Vol)
	if err != nil {
		return core.Fill{}, fmt.Errorf("trade %s: vol: %w", tradeID, err)
	}
	price, err := decimal.NewFromString(info.Price)
	if err != nil {
		return core.Fill{}, fmt.Errorf("trade %s: price: %w", tradeID, err)
	}
	pair := t.canonical(info.Pair)
	return core.Fill{
		FillID:          tradeID,
		ExchangeOrderID: info.OrderTxID,
		Pair:            pair,
		Side:            sideFromVenue(info.Type),
		Amount:          amount,
		Price:           price,
		Fee:             parseDecimal(info.Fee),
		FeeAsset:        t.quote(pair),
		Time:            unixSeconds(info.Time),
	}, nil
}
