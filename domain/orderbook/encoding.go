package orderbook

import (
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"constellation/infra/codec"
)

func (o *Order) EncodeTo(e *codec.Encoder) {
	e.PutUint64(1, o.ID).
		PutUint64(2, o.AccountID).
		PutString(3, o.Asset).
		PutUint64(4, uint64(o.Side)).
		PutString(5, o.Price.String()).
		PutInt64(6, o.Amount).
		PutInt64(7, o.QuoteAmount)
}

func (o *Order) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		o.ID = f.Uint64()
	case 2:
		o.AccountID = f.Uint64()
	case 3:
		o.Asset = f.String()
	case 4:
		o.Side = Side(f.Uint64())
	case 5:
		p, err := decimal.NewFromString(f.String())
		if err != nil {
			return errors.Wrap(err, "orderbook: decode price")
		}
		o.Price = p
	case 6:
		o.Amount = f.Int64()
	case 7:
		o.QuoteAmount = f.Int64()
	}
	return nil
}
