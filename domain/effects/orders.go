package effects

import (
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"constellation/domain/ledger"
	"constellation/domain/orderbook"
	"constellation/infra/codec"
)

// -------------------- OrderPlaced --------------------

// OrderPlaced rests a snapshot of the order in its book and in the owner's
// open order set. Liabilities are reserved by a separate effect.
type OrderPlaced struct {
	AccountID uint64
	Order     orderbook.Order
}

func (e *OrderPlaced) Kind() Kind      { return KindOrderPlaced }
func (e *OrderPlaced) Account() uint64 { return e.AccountID }

func (e *OrderPlaced) apply(s *ledger.State) error {
	a, err := account(s, e.AccountID)
	if err != nil {
		return err
	}
	o := e.Order.Clone()
	if err := s.Exchange.Place(o); err != nil {
		return err
	}
	a.Orders[o.ID] = o
	return nil
}

func (e *OrderPlaced) revert(s *ledger.State) error {
	a, err := account(s, e.AccountID)
	if err != nil {
		return err
	}
	if _, ok := s.Exchange.Remove(e.Order.ID); !ok {
		return errors.Wrapf(ErrOrderMissing, "id %d", e.Order.ID)
	}
	delete(a.Orders, e.Order.ID)
	return nil
}

func (e *OrderPlaced) EncodeTo(enc *codec.Encoder) {
	enc.PutUint64(1, e.AccountID).PutMessage(2, &e.Order)
}

func (e *OrderPlaced) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		e.AccountID = f.Uint64()
	case 2:
		return codec.Unmarshal(f.Raw(), &e.Order)
	}
	return nil
}

// -------------------- OrderRemoved --------------------

// OrderRemoved takes an order off its book. Order is the snapshot at
// removal time so revert can rest it again in the same position.
type OrderRemoved struct {
	AccountID uint64
	Order     orderbook.Order
}

func (e *OrderRemoved) Kind() Kind      { return KindOrderRemoved }
func (e *OrderRemoved) Account() uint64 { return e.AccountID }

func (e *OrderRemoved) apply(s *ledger.State) error {
	a, err := account(s, e.AccountID)
	if err != nil {
		return err
	}
	if _, ok := s.Exchange.Remove(e.Order.ID); !ok {
		return errors.Wrapf(ErrOrderMissing, "id %d", e.Order.ID)
	}
	delete(a.Orders, e.Order.ID)
	return nil
}

func (e *OrderRemoved) revert(s *ledger.State) error {
	a, err := account(s, e.AccountID)
	if err != nil {
		return err
	}
	o := e.Order.Clone()
	if err := s.Exchange.Place(o); err != nil {
		return err
	}
	a.Orders[o.ID] = o
	return nil
}

func (e *OrderRemoved) EncodeTo(enc *codec.Encoder) {
	enc.PutUint64(1, e.AccountID).PutMessage(2, &e.Order)
}

func (e *OrderRemoved) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		e.AccountID = f.Uint64()
	case 2:
		return codec.Unmarshal(f.Raw(), &e.Order)
	}
	return nil
}

// -------------------- Trade --------------------

/*
Trade records one fill for one side of a match.

For a partly filled maker it also shrinks the resting order in place:
Amount by AssetAmount and QuoteAmount by QuoteRelease. A maker that is
Filled was already taken off the book by a preceding OrderRemoved, and the
taker side (IsNewOrder) never rests before matching completes; both are
informational. Balance movements are separate BalanceUpdate and
UpdateLiabilities effects.
*/
type Trade struct {
	AccountID    uint64
	OrderID      uint64
	Asset        string
	Side         orderbook.Side
	Price        decimal.Decimal
	AssetAmount  int64
	QuoteAmount  int64
	QuoteRelease int64
	IsNewOrder   bool
	Filled       bool
}

func (e *Trade) Kind() Kind      { return KindTrade }
func (e *Trade) Account() uint64 { return e.AccountID }

func (e *Trade) apply(s *ledger.State) error {
	if e.IsNewOrder || e.Filled {
		return nil
	}
	return e.fill(s, 1)
}

func (e *Trade) revert(s *ledger.State) error {
	if e.IsNewOrder || e.Filled {
		return nil
	}
	return e.fill(s, -1)
}

func (e *Trade) fill(s *ledger.State, sign int64) error {
	book, ok := s.Exchange.BookOf(e.OrderID)
	if !ok {
		return errors.Wrapf(ErrOrderMissing, "id %d", e.OrderID)
	}
	o, _ := book.Get(e.OrderID)
	if o.AccountID != e.AccountID {
		return errors.Wrapf(ErrInconsistent, "order %d owned by %d", o.ID, o.AccountID)
	}
	o.Amount -= sign * e.AssetAmount
	o.QuoteAmount -= sign * e.QuoteRelease
	book.AdjustVolume(-sign * e.AssetAmount)
	return nil
}

func (e *Trade) EncodeTo(enc *codec.Encoder) {
	enc.PutUint64(1, e.AccountID).
		PutUint64(2, e.OrderID).
		PutString(3, e.Asset).
		PutUint64(4, uint64(e.Side)).
		PutString(5, e.Price.String()).
		PutInt64(6, e.AssetAmount).
		PutInt64(7, e.QuoteAmount).
		PutInt64(8, e.QuoteRelease).
		PutBool(9, e.IsNewOrder).
		PutBool(10, e.Filled)
}

func (e *Trade) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		e.AccountID = f.Uint64()
	case 2:
		e.OrderID = f.Uint64()
	case 3:
		e.Asset = f.String()
	case 4:
		e.Side = orderbook.Side(f.Uint64())
	case 5:
		p, err := decimal.NewFromString(f.String())
		if err != nil {
			return errors.Wrap(codec.ErrMalformed, err.Error())
		}
		e.Price = p
	case 6:
		e.AssetAmount = f.Int64()
	case 7:
		e.QuoteAmount = f.Int64()
	case 8:
		e.QuoteRelease = f.Int64()
	case 9:
		e.IsNewOrder = f.Bool()
	case 10:
		e.Filled = f.Bool()
	}
	return nil
}
