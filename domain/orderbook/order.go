package orderbook

import (
	"github.com/shopspring/decimal"
)

type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Order is a resting limit order. Amount is the unfilled base amount and
// QuoteAmount the quote still reserved for it.
type Order struct {
	ID        uint64
	AccountID uint64
	Asset     string
	Side      Side
	Price     decimal.Decimal

	Amount      int64
	QuoteAmount int64
}

func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// QuoteCost is floor(amount * price).
func QuoteCost(amount int64, price decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(price).Floor().IntPart()
}

// Crosses reports whether a taker on side at limit may trade against a maker
// resting at makerPrice.
func Crosses(side Side, limit, makerPrice decimal.Decimal) bool {
	if side == Buy {
		return makerPrice.LessThanOrEqual(limit)
	}
	return makerPrice.GreaterThanOrEqual(limit)
}

// before reports whether a sorts ahead of b in a book of the given side.
// Sell books ascend by price, buy books descend; equal prices keep id order.
func before(side Side, a, b *Order) bool {
	c := a.Price.Cmp(b.Price)
	if c == 0 {
		return a.ID < b.ID
	}
	if side == Sell {
		return c < 0
	}
	return c > 0
}
