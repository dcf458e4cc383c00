// Package ledger holds accounts, balances and the replicated ledger state
// that effects mutate.
package ledger

import (
	"sort"

	"constellation/domain/orderbook"
	"constellation/infra/keys"
)

// Balance is funds of one asset. Liabilities are reserved by open orders
// and pending withdrawals; amount >= liabilities >= 0 always holds.
type Balance struct {
	Asset       string
	Amount      int64
	Liabilities int64
}

func (b *Balance) Available() int64 {
	return b.Amount - b.Liabilities
}

func (b *Balance) Valid() bool {
	return b.Liabilities >= 0 && b.Amount >= b.Liabilities
}

// RequestCounter counts client requests inside a one-minute window.
type RequestCounter struct {
	Window int64
	Count  uint32
}

type Account struct {
	ID       uint64
	PubKey   keys.PublicKey
	Nonce    uint64
	Balances map[string]*Balance
	Orders   map[uint64]*orderbook.Order
	Requests RequestCounter
}

func NewAccount(id uint64, pk keys.PublicKey) *Account {
	return &Account{
		ID:       id,
		PubKey:   pk,
		Balances: make(map[string]*Balance),
		Orders:   make(map[uint64]*orderbook.Order),
	}
}

func (a *Account) Balance(asset string) (*Balance, bool) {
	b, ok := a.Balances[asset]
	return b, ok
}

// Available returns the unreserved amount of asset, zero when absent.
func (a *Account) Available(asset string) int64 {
	if b, ok := a.Balances[asset]; ok {
		return b.Available()
	}
	return 0
}

// SortedBalances returns balances ordered by asset code.
func (a *Account) SortedBalances() []*Balance {
	out := make([]*Balance, 0, len(a.Balances))
	for _, b := range a.Balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// SortedOrders returns open orders by id.
func (a *Account) SortedOrders() []*orderbook.Order {
	out := make([]*orderbook.Order, 0, len(a.Orders))
	for _, o := range a.Orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clone copies the account, its balances and its orders.
func (a *Account) Clone() *Account {
	c := NewAccount(a.ID, a.PubKey)
	c.Nonce = a.Nonce
	c.Requests = a.Requests
	for k, b := range a.Balances {
		bc := *b
		c.Balances[k] = &bc
	}
	for id, o := range a.Orders {
		c.Orders[id] = o.Clone()
	}
	return c
}
