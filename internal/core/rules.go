package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinAmount   = errors.New("amount below min")
	ErrBelowMinNotional = errors.New("notional below min")
)

// TradingRule holds the venue's per-pair order constraints.
type TradingRule struct {
	Pair        string          `json:"pair"`
	MinAmount   decimal.Decimal `json:"min_amount"`
	MinNotional decimal.Decimal `json:"min_notional"`
	PriceTick   decimal.Decimal `json:"price_tick"`
	AmountStep  decimal.Decimal `json:"amount_step"`
}

// NormalizeOrder rounds price and amount down to the rule's increments and rejects
// orders the venue would refuse for size.
func NormalizeOrder(order Order, rule TradingRule) (Order, error) {
	if order.Amount.Sign() <= 0 {
		return order, ErrInvalidOrder
	}
	if rule.AmountStep.Sign() > 0 {
		order.Amount = RoundDown(order.Amount, rule.AmountStep)
	}
	if order.Amount.Sign() <= 0 {
		return order, ErrInvalidOrder
	}
	if rule.MinAmount.Sign() > 0 && order.Amount.Cmp(rule.MinAmount) < 0 {
		return order, ErrBelowMinAmount
	}
	if order.Type == Market {
		if order.Price.Sign() <= 0 {
			return order, nil
		}
		return order, checkNotional(order, rule)
	}
	if order.Price.Sign() <= 0 {
		return order, ErrInvalidOrder
	}
	if rule.PriceTick.Sign() > 0 {
		order.Price = RoundDown(order.Price, rule.PriceTick)
	}
	if order.Price.Sign() <= 0 {
		return order, ErrInvalidOrder
	}
	return order, checkNotional(order, rule)
}

func checkNotional(order Order, rule TradingRule) error {
	if rule.MinNotional.Sign() <= 0 {
		return nil
	}
	if order.Price.Mul(order.Amount).Cmp(rule.MinNotional) < 0 {
		return ErrBelowMinNotional
	}
	return nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
