package ledger

import (
	"constellation/domain/orderbook"
	"constellation/infra/codec"
	"constellation/infra/keys"
)

func (b *Balance) EncodeTo(e *codec.Encoder) {
	e.PutString(1, b.Asset).PutInt64(2, b.Amount).PutInt64(3, b.Liabilities)
}

func (b *Balance) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		b.Asset = f.String()
	case 2:
		b.Amount = f.Int64()
	case 3:
		b.Liabilities = f.Int64()
	}
	return nil
}

// EncodeTo writes the account with balances and orders in sorted order.
func (a *Account) EncodeTo(e *codec.Encoder) {
	e.PutUint64(1, a.ID).PutBytes(2, a.PubKey[:]).PutUint64(3, a.Nonce)
	for _, b := range a.SortedBalances() {
		e.PutMessage(4, b)
	}
	for _, o := range a.SortedOrders() {
		e.PutMessage(5, o)
	}
	e.PutInt64(6, a.Requests.Window).PutUint64(7, uint64(a.Requests.Count))
}

func (a *Account) DecodeField(f codec.Field) error {
	if a.Balances == nil {
		a.Balances = make(map[string]*Balance)
	}
	if a.Orders == nil {
		a.Orders = make(map[uint64]*orderbook.Order)
	}
	switch f.Num {
	case 1:
		a.ID = f.Uint64()
	case 2:
		pk, err := keys.PublicKeyFromBytes(f.Raw())
		if err != nil {
			return err
		}
		a.PubKey = pk
	case 3:
		a.Nonce = f.Uint64()
	case 4:
		b := &Balance{}
		if err := codec.Unmarshal(f.Raw(), b); err != nil {
			return err
		}
		a.Balances[b.Asset] = b
	case 5:
		o := &orderbook.Order{}
		if err := codec.Unmarshal(f.Raw(), o); err != nil {
			return err
		}
		a.Orders[o.ID] = o
	case 6:
		a.Requests.Window = f.Int64()
	case 7:
		a.Requests.Count = uint32(f.Uint64())
	}
	return nil
}

func (w *Withdrawal) EncodeTo(e *codec.Encoder) {
	e.PutUint64(1, w.ID).
		PutUint64(2, w.AccountID).
		PutString(3, w.Asset).
		PutInt64(4, w.Amount).
		PutString(5, w.Destination).
		PutInt64(6, w.CreatedAt)
}

func (w *Withdrawal) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		w.ID = f.Uint64()
	case 2:
		w.AccountID = f.Uint64()
	case 3:
		w.Asset = f.String()
	case 4:
		w.Amount = f.Int64()
	case 5:
		w.Destination = f.String()
	case 6:
		w.CreatedAt = f.Int64()
	}
	return nil
}

// DecodeAccount parses an encoded account.
func DecodeAccount(b []byte) (*Account, error) {
	a := &Account{}
	if err := codec.Unmarshal(b, a); err != nil {
		return nil, err
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*Balance)
	}
	if a.Orders == nil {
		a.Orders = make(map[uint64]*orderbook.Order)
	}
	return a, nil
}
