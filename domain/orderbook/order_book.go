package orderbook

import (
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateOrder = errors.New("orderbook: duplicate order id")
	ErrWrongBook      = errors.New("orderbook: order does not belong to this book")
	ErrInvalidOrder   = errors.New("orderbook: invalid order")
)

const none int32 = -1

type slot struct {
	order *Order
	prev  int32
	next  int32
}

/*
Orderbook is the price-time ordered chain of orders for one asset and side.

Orders live in a slot arena linked by index, best price first. An id index
gives O(1) lookup and removal. A freed slot is recycled by the next insert.

Single writer: the quantum pipeline is the only mutator.
*/
type Orderbook struct {
	Asset string
	Side  Side

	slots []slot
	free  []int32
	index map[uint64]int32

	head   int32
	tail   int32
	volume int64
}

func NewOrderbook(asset string, side Side) *Orderbook {
	return &Orderbook{
		Asset: asset,
		Side:  side,
		index: make(map[uint64]int32),
		head:  none,
		tail:  none,
	}
}

// Insert links o into its price-time position. Equal prices are placed
// after every order with a smaller id.
func (b *Orderbook) Insert(o *Order) error {
	if o == nil || o.Amount <= 0 || !o.Price.IsPositive() {
		return ErrInvalidOrder
	}
	if o.Asset != b.Asset || o.Side != b.Side {
		return ErrWrongBook
	}
	if _, ok := b.index[o.ID]; ok {
		return errors.Wrapf(ErrDuplicateOrder, "id %d", o.ID)
	}

	idx := b.alloc(o)

	// fast path: worst price or latest arrival goes to the tail
	if b.tail == none || !before(b.Side, o, b.slots[b.tail].order) {
		b.linkAfter(idx, b.tail)
	} else {
		at := b.head
		for at != none && !before(b.Side, o, b.slots[at].order) {
			at = b.slots[at].next
		}
		b.linkBefore(idx, at)
	}

	b.index[o.ID] = idx
	b.volume += o.Amount
	return nil
}

// Remove unlinks the order. Unknown ids return false.
func (b *Orderbook) Remove(id uint64) (*Order, bool) {
	idx, ok := b.index[id]
	if !ok {
		return nil, false
	}
	s := b.slots[idx]

	if s.prev != none {
		b.slots[s.prev].next = s.next
	} else {
		b.head = s.next
	}
	if s.next != none {
		b.slots[s.next].prev = s.prev
	} else {
		b.tail = s.prev
	}

	delete(b.index, id)
	b.volume -= s.order.Amount
	b.slots[idx] = slot{prev: none, next: none}
	b.free = append(b.free, idx)
	return s.order, true
}

func (b *Orderbook) Get(id uint64) (*Order, bool) {
	idx, ok := b.index[id]
	if !ok {
		return nil, false
	}
	return b.slots[idx].order, true
}

// Head returns the best order or nil.
func (b *Orderbook) Head() *Order {
	if b.head == none {
		return nil
	}
	return b.slots[b.head].order
}

// BestPrice returns the head price. ok is false for an empty book.
func (b *Orderbook) BestPrice() (price decimal.Decimal, ok bool) {
	h := b.Head()
	if h == nil {
		return decimal.Decimal{}, false
	}
	return h.Price, true
}

func (b *Orderbook) Len() int {
	return len(b.index)
}

// Volume is the total unfilled base amount resting in the book.
func (b *Orderbook) Volume() int64 {
	return b.volume
}

// AdjustVolume keeps Volume in step with fills applied to resting orders.
func (b *Orderbook) AdjustVolume(delta int64) {
	b.volume += delta
}

// Walk visits orders best first until fn returns false.
func (b *Orderbook) Walk(fn func(*Order) bool) {
	for at := b.head; at != none; at = b.slots[at].next {
		if !fn(b.slots[at].order) {
			return
		}
	}
}

// Orders returns the chain best first.
func (b *Orderbook) Orders() []*Order {
	out := make([]*Order, 0, b.Len())
	b.Walk(func(o *Order) bool {
		out = append(out, o)
		return true
	})
	return out
}

// ---- arena helpers ----

func (b *Orderbook) alloc(o *Order) int32 {
	if n := len(b.free); n > 0 {
		idx := b.free[n-1]
		b.free = b.free[:n-1]
		b.slots[idx] = slot{order: o, prev: none, next: none}
		return idx
	}
	b.slots = append(b.slots, slot{order: o, prev: none, next: none})
	return int32(len(b.slots) - 1)
}

// linkAfter places idx after at; at == none means the empty book.
func (b *Orderbook) linkAfter(idx, at int32) {
	if at == none {
		b.head, b.tail = idx, idx
		return
	}
	next := b.slots[at].next
	b.slots[idx].prev = at
	b.slots[idx].next = next
	b.slots[at].next = idx
	if next != none {
		b.slots[next].prev = idx
	} else {
		b.tail = idx
	}
}

// linkBefore places idx before at; at == none appends.
func (b *Orderbook) linkBefore(idx, at int32) {
	if at == none {
		b.linkAfter(idx, b.tail)
		return
	}
	prev := b.slots[at].prev
	b.slots[idx].next = at
	b.slots[idx].prev = prev
	b.slots[at].prev = idx
	if prev != none {
		b.slots[prev].next = idx
	} else {
		b.head = idx
	}
}
