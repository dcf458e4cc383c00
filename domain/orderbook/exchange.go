package orderbook

import (
	"sort"

	"github.com/cockroachdb/errors"
)

var ErrOrderNotFound = errors.New("orderbook: order not found")

type bookKey struct {
	asset string
	side  Side
}

// Exchange owns every book and the order id lookup across them.
type Exchange struct {
	books  map[bookKey]*Orderbook
	orders map[uint64]*Orderbook
}

func NewExchange() *Exchange {
	return &Exchange{
		books:  make(map[bookKey]*Orderbook),
		orders: make(map[uint64]*Orderbook),
	}
}

// Book returns the book for asset and side, creating it on first use.
func (x *Exchange) Book(asset string, side Side) *Orderbook {
	k := bookKey{asset: asset, side: side}
	b, ok := x.books[k]
	if !ok {
		b = NewOrderbook(asset, side)
		x.books[k] = b
	}
	return b
}

func (x *Exchange) Place(o *Order) error {
	if _, ok := x.orders[o.ID]; ok {
		return errors.Wrapf(ErrDuplicateOrder, "id %d", o.ID)
	}
	b := x.Book(o.Asset, o.Side)
	if err := b.Insert(o); err != nil {
		return err
	}
	x.orders[o.ID] = b
	return nil
}

func (x *Exchange) Remove(id uint64) (*Order, bool) {
	b, ok := x.orders[id]
	if !ok {
		return nil, false
	}
	delete(x.orders, id)
	return b.Remove(id)
}

func (x *Exchange) Order(id uint64) (*Order, bool) {
	b, ok := x.orders[id]
	if !ok {
		return nil, false
	}
	return b.Get(id)
}

// BookOf returns the book holding the order.
func (x *Exchange) BookOf(id uint64) (*Orderbook, bool) {
	b, ok := x.orders[id]
	return b, ok
}

func (x *Exchange) Len() int {
	return len(x.orders)
}

// Books returns all books ordered by asset then side.
func (x *Exchange) Books() []*Orderbook {
	out := make([]*Orderbook, 0, len(x.books))
	for _, b := range x.books {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		return out[i].Side < out[j].Side
	})
	return out
}
