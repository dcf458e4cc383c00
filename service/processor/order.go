package processor

import (
	"github.com/cockroachdb/errors"

	"constellation/domain/effects"
	"constellation/domain/ledger"
	"constellation/domain/orderbook"
	"constellation/domain/quantum"
	"constellation/domain/status"
)

/*
processOrder matches a limit order against the opposite book, best price
first, and rests whatever is left.

Fills execute at the maker price. A buy taker can always pay for its fills
out of the QuoteCost(amount, limit) it was checked for, since every maker
price is at or below the limit and floor is superadditive.
*/
func processOrder(c *Context, r *quantum.Order) error {
	st := c.settings()
	quote := st.QuoteAsset()
	if err := c.requireAsset(r.Asset); err != nil {
		return err
	}
	if r.Asset == quote {
		return status.Invalidf("cannot trade the quote asset against itself")
	}
	if !r.Side.Valid() {
		return status.Invalidf("invalid side %d", r.Side)
	}
	if !r.Price.IsPositive() {
		return status.Invalidf("price must be positive")
	}
	if err := requirePositive("amount", r.Amount); err != nil {
		return err
	}
	cost := orderbook.QuoteCost(r.Amount, r.Price)
	if cost <= 0 {
		return status.Invalidf("order value rounds to zero")
	}
	if r.Side == orderbook.Buy {
		if err := c.requireAvailable(c.Account, quote, cost); err != nil {
			return err
		}
	} else if err := c.requireAvailable(c.Account, r.Asset, r.Amount); err != nil {
		return err
	}

	taker := c.Account
	if err := c.ensureBalance(taker, quote); err != nil {
		return err
	}
	if err := c.ensureBalance(taker, r.Asset); err != nil {
		return err
	}

	book := c.State.Exchange.Book(r.Asset, r.Side.Opposite())
	remaining := r.Amount
	for remaining > 0 {
		maker := book.Head()
		if maker == nil || !orderbook.Crosses(r.Side, r.Price, maker.Price) {
			break
		}
		fill := min(remaining, maker.Amount)
		if err := c.fill(taker, r, maker, fill); err != nil {
			return err
		}
		remaining -= fill
	}

	if remaining == 0 {
		return nil
	}
	o := orderbook.Order{
		ID:        c.Apex,
		AccountID: taker.ID,
		Asset:     r.Asset,
		Side:      r.Side,
		Price:     r.Price,
		Amount:    remaining,
	}
	if r.Side == orderbook.Buy {
		o.QuoteAmount = orderbook.QuoteCost(remaining, r.Price)
	}
	if err := c.add(&effects.OrderPlaced{AccountID: taker.ID, Order: o}); err != nil {
		return err
	}
	if r.Side == orderbook.Buy {
		return c.reserve(taker, quote, o.QuoteAmount)
	}
	return c.reserve(taker, r.Asset, remaining)
}

// fill trades amount between the taker and the head maker order.
func (c *Context) fill(taker *ledger.Account, r *quantum.Order, maker *orderbook.Order, amount int64) error {
	quote := c.settings().QuoteAsset()
	price := maker.Price
	value := orderbook.QuoteCost(amount, price)

	owner, ok := c.State.Accounts.Get(maker.AccountID)
	if !ok {
		return errors.Wrapf(ErrUnknownAccount, "maker %d", maker.AccountID)
	}

	// quote reserved by a buy maker shrinks to what the rest still needs
	var release int64
	if maker.Side == orderbook.Buy {
		release = maker.QuoteAmount - orderbook.QuoteCost(maker.Amount-amount, price)
	}

	filled := amount == maker.Amount
	trade := &effects.Trade{
		AccountID:    owner.ID,
		OrderID:      maker.ID,
		Asset:        maker.Asset,
		Side:         maker.Side,
		Price:        price,
		AssetAmount:  amount,
		QuoteAmount:  value,
		QuoteRelease: release,
		Filled:       filled,
	}
	if filled {
		if err := c.add(&effects.OrderRemoved{AccountID: owner.ID, Order: *maker.Clone()}); err != nil {
			return err
		}
	}
	if err := c.add(trade); err != nil {
		return err
	}

	if maker.Side == orderbook.Sell {
		if err := c.release(owner, maker.Asset, amount); err != nil {
			return err
		}
		if err := c.debit(owner, maker.Asset, amount); err != nil {
			return err
		}
		if err := c.credit(owner, quote, value); err != nil {
			return err
		}
	} else {
		if err := c.release(owner, quote, release); err != nil {
			return err
		}
		if err := c.debit(owner, quote, value); err != nil {
			return err
		}
		if err := c.credit(owner, maker.Asset, amount); err != nil {
			return err
		}
	}

	if err := c.add(&effects.Trade{
		AccountID:   taker.ID,
		OrderID:     c.Apex,
		Asset:       r.Asset,
		Side:        r.Side,
		Price:       price,
		AssetAmount: amount,
		QuoteAmount: value,
		IsNewOrder:  true,
	}); err != nil {
		return err
	}
	if r.Side == orderbook.Buy {
		if err := c.debit(taker, quote, value); err != nil {
			return err
		}
		return c.credit(taker, r.Asset, amount)
	}
	if err := c.debit(taker, r.Asset, amount); err != nil {
		return err
	}
	return c.credit(taker, quote, value)
}

func processCancellation(c *Context, r *quantum.OrderCancellation) error {
	o, ok := c.Account.Orders[r.OrderID]
	if !ok {
		return status.Invalid(errors.Wrapf(orderbook.ErrOrderNotFound, "id %d", r.OrderID))
	}
	snapshot := *o.Clone()
	if err := c.add(&effects.OrderRemoved{AccountID: c.Account.ID, Order: snapshot}); err != nil {
		return err
	}
	if snapshot.Side == orderbook.Buy {
		return c.release(c.Account, c.settings().QuoteAsset(), snapshot.QuoteAmount)
	}
	return c.release(c.Account, snapshot.Asset, snapshot.Amount)
}
