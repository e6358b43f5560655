package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderState string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit      OrderType = "LIMIT"
	LimitMaker OrderType = "LIMIT_MAKER"
	Market     OrderType = "MARKET"
)

const (
	StatePendingCreate   OrderState = "PENDING_CREATE"
	StateOpen            OrderState = "OPEN"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StatePendingCancel   OrderState = "PENDING_CANCEL"
	StateFilled          OrderState = "FILLED"
	StateCancelled       OrderState = "CANCELLED"
	StateFailed          OrderState = "FAILED"
)

// Rank orders states so that a state update is accepted only when it moves forward.
// Terminal states share the maximal rank.
func (s OrderState) Rank() int {
	switch s {
	case StatePendingCreate:
		return 0
	case StateOpen:
		return 1
	case StatePartiallyFilled:
		return 2
	case StatePendingCancel:
		return 3
	case StateFilled, StateCancelled, StateFailed:
		return 4
	default:
		return -1
	}
}

func (s OrderState) Terminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateFailed
}

// Working reports whether the order may still rest on the book and lock funds.
func (s OrderState) Working() bool {
	switch s {
	case StatePendingCreate, StateOpen, StatePartiallyFilled, StatePendingCancel:
		return true
	}
	return false
}

func (s OrderState) Valid() bool {
	return s.Rank() >= 0
}

type Order struct {
	ClientOrderID   string              `json:"client_order_id"`
	ExchangeOrderID string              `json:"exchange_order_id,omitempty"`
	Pair            string              `json:"pair"`
	Side            Side                `json:"side"`
	Type            OrderType           `json:"type"`
	Price           decimal.Decimal     `json:"price"`
	Amount          decimal.Decimal     `json:"amount"`
	Userref         int64               `json:"userref"`
	State           OrderState          `json:"state"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at,omitempty"`
	Revision        uint64              `json:"revision"`
	Executed        decimal.Decimal     `json:"executed"`
	VenueExecuted   decimal.Decimal     `json:"venue_executed"`
	FeePaid         decimal.Decimal     `json:"fee_paid"`
	FeeAsset        string              `json:"fee_asset,omitempty"`
	AppliedFills    map[string]struct{} `json:"applied_fills,omitempty"`
	LastError       string              `json:"last_error,omitempty"`
}

// Remaining returns the unfilled amount, never negative.
func (o Order) Remaining() decimal.Decimal {
	rem := o.Amount.Sub(o.Executed)
	if rem.Sign() < 0 {
		return decimal.Zero
	}
	return rem
}

// FillsReconciled reports whether every fill the venue has reported as executed was applied.
func (o Order) FillsReconciled() bool {
	return o.Executed.Cmp(o.VenueExecuted) >= 0
}

// Clone returns a copy that shares no mutable state with o.
func (o Order) Clone() Order {
	if o.AppliedFills != nil {
		fills := make(map[string]struct{}, len(o.AppliedFills))
		for k := range o.AppliedFills {
			fills[k] = struct{}{}
		}
		o.AppliedFills = fills
	}
	return o
}

type Fill struct {
	FillID          string          `json:"fill_id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	ClientOrderID   string          `json:"client_order_id,omitempty"`
	Pair            string          `json:"pair"`
	Side            Side            `json:"side"`
	Amount          decimal.Decimal `json:"amount"`
	Price           decimal.Decimal `json:"price"`
	Fee             decimal.Decimal `json:"fee"`
	FeeAsset        string          `json:"fee_asset,omitempty"`
	Time            time.Time       `json:"time"`
}

// OrderUpdate is a venue state signal after translation to the canonical model.
// At least one of ClientOrderID, ExchangeOrderID or Userref identifies the order.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	Userref         int64
	State           OrderState
	// ExecutedAmount is the venue's cumulative executed amount when reported.
	ExecutedAmount *decimal.Decimal
	Reason         string
	Time           time.Time
}

type Balance struct {
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Locked    decimal.Decimal `json:"locked"`
	Available decimal.Decimal `json:"available"`
}

// SplitPair splits a canonical BASE-QUOTE pair.
func SplitPair(pair string) (base, quote string, ok bool) {
	parts := strings.SplitN(pair, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func CombinePair(base, quote string) string {
	return strings.ToUpper(base) + "-" + strings.ToUpper(quote)
}
